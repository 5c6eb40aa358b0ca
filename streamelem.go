package duplexrpc

// elemKind tags which of the three StreamElem shapes is populated.
type elemKind uint8

const (
	kindStream elemKind = iota
	kindFinal
	kindNoMore
)

// StreamElem is the three-way tagged union spec.md §3 uses for both
// inbound and outbound message sequences:
//
//   - StreamElem(a)     — another message, more to follow
//   - FinalElem(a, b)   — the last message, fused with end-of-stream metadata b
//   - NoMoreElems(b)     — end-of-stream metadata with no further message
//
// A is the message type; B is the end-of-stream metadata type (always
// Trailers in this engine, but kept generic to mirror the source's
// polymorphism and to let tests build StreamElem[[]byte, Trailers]
// values directly).
type StreamElem[A any, B any] struct {
	kind    elemKind
	message A
	meta    B
}

// Msg wraps a plain message with more expected to follow.
func Msg[A any, B any](a A) StreamElem[A, B] {
	return StreamElem[A, B]{kind: kindStream, message: a}
}

// Final wraps the last message of a direction, fused with its
// end-of-stream metadata.
func Final[A any, B any](a A, b B) StreamElem[A, B] {
	return StreamElem[A, B]{kind: kindFinal, message: a, meta: b}
}

// NoMore signals end-of-stream with no further message.
func NoMore[A any, B any](b B) StreamElem[A, B] {
	return StreamElem[A, B]{kind: kindNoMore, meta: b}
}

// IsFinal reports whether e is FinalElem or NoMoreElems: the direction
// has no more messages after e.
func (e StreamElem[A, B]) IsFinal() bool { return e.kind != kindStream }

// HasMessage reports whether e carries a message (StreamElem or
// FinalElem, but not NoMoreElems).
func (e StreamElem[A, B]) HasMessage() bool { return e.kind != kindNoMore }

// Message returns e's payload; only meaningful when HasMessage is true.
func (e StreamElem[A, B]) Message() A { return e.message }

// Meta returns e's end-of-stream metadata; only meaningful when IsFinal
// is true.
func (e StreamElem[A, B]) Meta() B { return e.meta }

// MapMessage returns a copy of e with its message replaced by a. The
// element's kind and end-of-stream metadata are left unchanged; e itself
// is not modified.
func MapMessage[A any, B any](e StreamElem[A, B], a A) StreamElem[A, B] {
	e.message = a
	return e
}
