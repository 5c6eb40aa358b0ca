package duplexrpc

import (
	"bytes"
	"encoding/binary"
	"io"
)

// envelopePrefixLen is the fixed 5-byte header preceding every
// length-prefixed message on the wire: a 1-byte compression flag and a
// 4-byte big-endian payload length (spec.md §3, §6).
const envelopePrefixLen = 5

const compressedFlag byte = 0x01

// Envelope is one length-prefixed message frame. Payload always holds
// the application-level bytes: WriteEnvelope compresses on the way out,
// ReadEnvelope decompresses on the way in, so nothing above the Framing
// Codec ever sees wire-compressed bytes.
type Envelope struct {
	Compressed bool
	Payload    []byte
}

// FrameCodec reads and writes Envelopes for one call, applying the
// negotiated message-encoding compressor and enforcing the configured
// maximum message size.
type FrameCodec struct {
	Compressor   Compressor // nil or identity disables compression on write
	MaxReadBytes uint32     // 0 means unbounded
}

// WriteEnvelope encodes payload as one Envelope and writes it to w. If
// the codec has a non-identity Compressor configured, the payload is
// compressed and the flag is set; otherwise it's written verbatim.
func (c *FrameCodec) WriteEnvelope(w io.Writer, payload []byte) error {
	compressor := c.Compressor
	if compressor == nil || compressor.Name() == CompressionIdentity {
		return writeRawEnvelope(w, false, payload)
	}
	var buf bytes.Buffer
	if err := compressor.Compress(&buf, payload); err != nil {
		return errorf(CodeInternal, "compress message with %q: %w", compressor.Name(), err)
	}
	return writeRawEnvelope(w, true, buf.Bytes())
}

func writeRawEnvelope(w io.Writer, compressed bool, payload []byte) error {
	var prefix [envelopePrefixLen]byte
	if compressed {
		prefix[0] = compressedFlag
	}
	binary.BigEndian.PutUint32(prefix[1:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadEnvelope reads exactly one Envelope from r, decompressing it
// against the codec's negotiated Compressor if the wire flag is set.
// It returns io.EOF (unwrapped) if r is exhausted before the 5-byte
// prefix, which callers should treat as a clean end of the message
// stream rather than a protocol error.
func (c *FrameCodec) ReadEnvelope(r io.Reader) (Envelope, error) {
	var prefix [envelopePrefixLen]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Envelope{}, errorf(CodeInternal, "incomplete envelope prefix: %w", err)
		}
		return Envelope{}, err // io.EOF: clean end of stream
	}
	compressed := prefix[0]&compressedFlag != 0
	length := binary.BigEndian.Uint32(prefix[1:])
	if c.MaxReadBytes > 0 && length > c.MaxReadBytes {
		return Envelope{}, errorf(CodeResourceExhausted, "message of %d bytes exceeds configured maximum of %d bytes", length, c.MaxReadBytes)
	}
	raw := make([]byte, length)
	if _, err := io.ReadFull(r, raw); err != nil {
		return Envelope{}, errorf(CodeInternal, "read %d-byte envelope payload: %w", length, err)
	}
	if !compressed {
		return Envelope{Compressed: false, Payload: raw}, nil
	}
	compressor := c.Compressor
	if compressor == nil || compressor.Name() == CompressionIdentity {
		return Envelope{}, unimplementedCompression("(unset)")
	}
	var out bytes.Buffer
	if err := compressor.Decompress(&out, bytes.NewReader(raw)); err != nil {
		return Envelope{}, errorf(CodeInvalidArgument, "decompress message with %q: %w", compressor.Name(), err)
	}
	if c.MaxReadBytes > 0 && uint32(out.Len()) > c.MaxReadBytes {
		return Envelope{}, errorf(CodeResourceExhausted, "decompressed message of %d bytes exceeds configured maximum of %d bytes", out.Len(), c.MaxReadBytes)
	}
	return Envelope{Compressed: true, Payload: out.Bytes()}, nil
}

// LookupCompressor resolves a negotiated grpc-encoding name to a
// Compressor, reporting the Unimplemented classification spec.md §4.2
// requires for an unknown or unregistered name.
func LookupCompressor(name string) (Compressor, error) {
	c, ok := defaultCompressors.lookup(name)
	if !ok {
		return nil, unimplementedCompression(name)
	}
	return c, nil
}
