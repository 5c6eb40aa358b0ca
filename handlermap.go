package duplexrpc

import "context"

// Handler implements one RPC method against an already-initiated Call:
// it reads input via call.RecvInput/RecvNextInput/..., writes output via
// call.SendOutput/..., and returns the outcome. A nil return completes
// the call with grpc-status 0 (unless the handler already sent its own
// trailers); any other error is mapped to Unknown with a sanitized
// message unless it already carries a more specific code via
// NewGrpcException/errorf.
type Handler func(ctx context.Context, call *Call) error

// HandlerMap is the "consumed by external collaborators, not part of
// core" registration surface spec.md §6 describes: a lookup from Path
// to Handler. An unmatched Path gets Trailers-Only Unimplemented.
type HandlerMap map[Path]Handler
