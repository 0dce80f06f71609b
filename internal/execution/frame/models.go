package frame

import "errors"

var (
	// ErrMalformedPayload is returned when a frame payload is not valid JSON.
	ErrMalformedPayload = errors.New("malformed frame payload")
)

const (
	// Separator terminates a task or answer chunk. Two consecutive
	// separators terminate a request or the final result chunk.
	Separator byte = 0x00

	// Undefined is the textual marker for an absent payload.
	Undefined = "undefined"
)

// Kind distinguishes the two frame variants of the wire protocol.
type Kind int

const (
	// KindTask is a chunk terminated by a single separator.
	KindTask Kind = iota

	// KindExit is a chunk terminated by a double separator.
	KindExit
)

func (k Kind) String() string {
	switch k {
	case KindTask:
		return "task"
	case KindExit:
		return "exit"
	default:
		return "unknown"
	}
}

// Frame is a single delimited unit read from or written to the stream.
type Frame struct {
	Kind    Kind
	Payload []byte
}

// Bytes returns the payload followed by the delimiter for the frame kind.
func (f Frame) Bytes() []byte {
	n := 1
	if f.Kind == KindExit {
		n = 2
	}

	out := make([]byte, 0, len(f.Payload)+n)
	out = append(out, f.Payload...)
	for i := 0; i < n; i++ {
		out = append(out, Separator)
	}

	return out
}
