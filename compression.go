package duplexrpc

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Compression encoding names, as carried on grpc-encoding /
// grpc-accept-encoding (spec.md §6).
const (
	CompressionIdentity = "identity"
	CompressionGzip     = "gzip"
	CompressionDeflate  = "deflate"
	CompressionSnappy   = "snappy"
	CompressionZstd     = "zstd"
)

// Compressor compresses and decompresses message payloads for one
// negotiated grpc-encoding value. The role adapters resolve one by name
// with LookupCompressor once per call and hand it to the Framing Codec,
// which uses it for every envelope whose compressed flag is set.
type Compressor interface {
	Name() string
	Compress(dst io.Writer, src []byte) error
	Decompress(dst *bytes.Buffer, src io.Reader) error
}

type compressorRegistry struct {
	mu  sync.RWMutex
	set map[string]Compressor
}

var defaultCompressors = newCompressorRegistry()

func newCompressorRegistry() *compressorRegistry {
	r := &compressorRegistry{set: make(map[string]Compressor)}
	r.register(identityCompressor{})
	r.register(gzipCompressor{})
	r.register(deflateCompressor{})
	r.register(snappyCompressor{})
	r.register(zstdCompressor{})
	return r
}

func (r *compressorRegistry) register(c Compressor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.set[c.Name()] = c
}

func (r *compressorRegistry) lookup(name string) (Compressor, bool) {
	if name == "" {
		name = CompressionIdentity
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.set[name]
	return c, ok
}

// RegisterCompressor installs (or overrides) a Compressor available to
// every call negotiated with the matching grpc-encoding name.
func RegisterCompressor(c Compressor) { defaultCompressors.register(c) }

type identityCompressor struct{}

func (identityCompressor) Name() string { return CompressionIdentity }
func (identityCompressor) Compress(dst io.Writer, src []byte) error {
	_, err := dst.Write(src)
	return err
}
func (identityCompressor) Decompress(dst *bytes.Buffer, src io.Reader) error {
	_, err := io.Copy(dst, src)
	return err
}

type gzipCompressor struct{}

func (gzipCompressor) Name() string { return CompressionGzip }
func (gzipCompressor) Compress(dst io.Writer, src []byte) error {
	w := gzip.NewWriter(dst)
	if _, err := w.Write(src); err != nil {
		return err
	}
	return w.Close()
}
func (gzipCompressor) Decompress(dst *bytes.Buffer, src io.Reader) error {
	r, err := gzip.NewReader(src)
	if err != nil {
		return err
	}
	defer r.Close()
	_, err = io.Copy(dst, r)
	return err
}

type deflateCompressor struct{}

func (deflateCompressor) Name() string { return CompressionDeflate }
func (deflateCompressor) Compress(dst io.Writer, src []byte) error {
	w, err := flate.NewWriter(dst, flate.DefaultCompression)
	if err != nil {
		return err
	}
	if _, err := w.Write(src); err != nil {
		return err
	}
	return w.Close()
}
func (deflateCompressor) Decompress(dst *bytes.Buffer, src io.Reader) error {
	r := flate.NewReader(src)
	defer r.Close()
	_, err := io.Copy(dst, r)
	return err
}

type snappyCompressor struct{}

func (snappyCompressor) Name() string { return CompressionSnappy }
func (snappyCompressor) Compress(dst io.Writer, src []byte) error {
	w := snappy.NewBufferedWriter(dst)
	if _, err := w.Write(src); err != nil {
		return err
	}
	return w.Close()
}
func (snappyCompressor) Decompress(dst *bytes.Buffer, src io.Reader) error {
	r := snappy.NewReader(src)
	_, err := io.Copy(dst, r)
	return err
}

type zstdCompressor struct{}

func (zstdCompressor) Name() string { return CompressionZstd }
func (zstdCompressor) Compress(dst io.Writer, src []byte) error {
	w, err := zstd.NewWriter(dst)
	if err != nil {
		return err
	}
	if _, err := w.Write(src); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}
func (zstdCompressor) Decompress(dst *bytes.Buffer, src io.Reader) error {
	r, err := zstd.NewReader(src)
	if err != nil {
		return err
	}
	defer r.Close()
	_, err = io.Copy(dst, r)
	return err
}

// unimplementedCompression builds the Unimplemented GrpcException spec.md
// §4.2 requires when an envelope's compression flag doesn't match a
// registered, negotiated encoding.
func unimplementedCompression(name string) *GrpcException {
	return errorf(CodeUnimplemented, "unknown compression %q: accepted grpc-encoding values are %s", name, acceptEncodingValue())
}

func acceptEncodingValue() string {
	return fmt.Sprintf("%s,%s,%s,%s,%s", CompressionIdentity, CompressionGzip, CompressionDeflate, CompressionSnappy, CompressionZstd)
}
