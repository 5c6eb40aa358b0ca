package duplexrpc

import (
	"fmt"
	"net/http"
	"strconv"
)

// Code is one of gRPC's canonical status codes, as used on the
// grpc-status trailer and inside a GrpcException. There are no
// user-defined codes: only the values enumerated below are valid.
//
// See https://github.com/grpc/grpc/blob/master/doc/statuscodes.md for
// the canonical description of each code.
type Code uint32

const (
	CodeOK                 Code = 0  // success
	CodeCanceled           Code = 1  // canceled, usually by the caller
	CodeUnknown            Code = 2  // unknown error
	CodeInvalidArgument    Code = 3  // argument invalid regardless of system state
	CodeDeadlineExceeded   Code = 4  // operation expired, may or may not have completed
	CodeNotFound           Code = 5  // entity not found
	CodeAlreadyExists      Code = 6  // entity already exists
	CodePermissionDenied   Code = 7  // operation not authorized
	CodeResourceExhausted  Code = 8  // quota exhausted
	CodeFailedPrecondition Code = 9  // argument invalid in current system state
	CodeAborted            Code = 10 // operation aborted
	CodeOutOfRange         Code = 11 // out of bounds, use instead of CodeFailedPrecondition
	CodeUnimplemented      Code = 12 // operation not implemented or disabled
	CodeInternal           Code = 13 // internal error, reserved for "serious errors"
	CodeUnavailable        Code = 14 // unavailable, caller should back off and retry
	CodeDataLoss           Code = 15 // unrecoverable data loss or corruption
	CodeUnauthenticated    Code = 16 // request isn't authenticated

	minCode Code = CodeOK
	maxCode Code = CodeUnauthenticated
)

var stringToCode = map[string]Code{
	"OK":                  CodeOK,
	"CANCELLED":           CodeCanceled, // the gRPC spec uses British spelling
	"UNKNOWN":             CodeUnknown,
	"INVALID_ARGUMENT":    CodeInvalidArgument,
	"DEADLINE_EXCEEDED":   CodeDeadlineExceeded,
	"NOT_FOUND":           CodeNotFound,
	"ALREADY_EXISTS":      CodeAlreadyExists,
	"PERMISSION_DENIED":   CodePermissionDenied,
	"RESOURCE_EXHAUSTED":  CodeResourceExhausted,
	"FAILED_PRECONDITION": CodeFailedPrecondition,
	"ABORTED":             CodeAborted,
	"OUT_OF_RANGE":        CodeOutOfRange,
	"UNIMPLEMENTED":       CodeUnimplemented,
	"INTERNAL":            CodeInternal,
	"UNAVAILABLE":         CodeUnavailable,
	"DATA_LOSS":           CodeDataLoss,
	"UNAUTHENTICATED":     CodeUnauthenticated,
}

// httpToCode maps HTTP status codes seen before any gRPC bytes have been
// read (a misbehaving proxy, a load balancer, a plain 404) to the closest
// gRPC code. See
// https://github.com/grpc/grpc/blob/master/doc/http-grpc-status-mapping.md;
// this is not simply the inverse of Code.http.
var httpToCode = map[int]Code{
	http.StatusBadRequest:          CodeInternal,
	http.StatusUnauthorized:        CodeUnauthenticated,
	http.StatusForbidden:           CodePermissionDenied,
	http.StatusNotFound:            CodeUnimplemented,
	http.StatusTooManyRequests:     CodeUnavailable,
	http.StatusBadGateway:          CodeUnavailable,
	http.StatusServiceUnavailable:  CodeUnavailable,
	http.StatusGatewayTimeout:      CodeUnavailable,
	// all other HTTP status codes map to CodeUnknown
}

// MarshalText implements encoding.TextMarshaler. Codes are marshaled in
// their numeric representation, matching the grpc-status trailer.
func (c Code) MarshalText() ([]byte, error) {
	if c < minCode || c > maxCode {
		return nil, fmt.Errorf("invalid code %v", uint32(c))
	}
	return []byte(strconv.Itoa(int(c))), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. It accepts both the
// numeric representation (as produced by MarshalText) and the all-caps
// strings from the gRPC specification.
func (c *Code) UnmarshalText(b []byte) error {
	if n, ok := stringToCode[string(b)]; ok {
		*c = n
		return nil
	}
	n, err := strconv.ParseUint(string(b), 10, 32)
	if err != nil {
		return fmt.Errorf("invalid code %q", string(b))
	}
	code := Code(n)
	if code < minCode || code > maxCode {
		return fmt.Errorf("invalid code %v", n)
	}
	*c = code
	return nil
}

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeCanceled:
		return "Canceled"
	case CodeUnknown:
		return "Unknown"
	case CodeInvalidArgument:
		return "InvalidArgument"
	case CodeDeadlineExceeded:
		return "DeadlineExceeded"
	case CodeNotFound:
		return "NotFound"
	case CodeAlreadyExists:
		return "AlreadyExists"
	case CodePermissionDenied:
		return "PermissionDenied"
	case CodeResourceExhausted:
		return "ResourceExhausted"
	case CodeFailedPrecondition:
		return "FailedPrecondition"
	case CodeAborted:
		return "Aborted"
	case CodeOutOfRange:
		return "OutOfRange"
	case CodeUnimplemented:
		return "Unimplemented"
	case CodeInternal:
		return "Internal"
	case CodeUnavailable:
		return "Unavailable"
	case CodeDataLoss:
		return "DataLoss"
	case CodeUnauthenticated:
		return "Unauthenticated"
	}
	return fmt.Sprintf("Code(%d)", uint32(c))
}

// http returns the HTTP status this code would map to if it needed to be
// reported before any gRPC-specific framing was available (e.g. a setup
// failure rejected before headers are even parsed).
func (c Code) http() int {
	switch c {
	case CodeOK:
		return http.StatusOK
	case CodeCanceled:
		return 499 // client closed request, matches grpc-go
	case CodeUnknown, CodeInternal, CodeDataLoss:
		return http.StatusInternalServerError
	case CodeInvalidArgument, CodeFailedPrecondition, CodeOutOfRange:
		return http.StatusBadRequest
	case CodeDeadlineExceeded:
		return http.StatusGatewayTimeout
	case CodeNotFound:
		return http.StatusNotFound
	case CodeAlreadyExists, CodeAborted:
		return http.StatusConflict
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeResourceExhausted:
		return http.StatusTooManyRequests
	case CodeUnimplemented:
		return http.StatusNotImplemented
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}
