package frame

import (
	"errors"
	"io"
	"os"
	"time"
)

// SettleWindow is how long a Reader waits for the second half of a
// double separator before treating a trailing separator as a task frame.
const SettleWindow = 10 * time.Millisecond

type readDeadliner interface {
	SetReadDeadline(time.Time) error
}

// Reader reads frames from a byte stream, typically a net.Conn.
//
// A separator at the end of the buffered data is ambiguous. When the
// stream supports read deadlines, the Reader waits SettleWindow for the
// second byte of an exit boundary and otherwise treats the pending frame
// as a task frame. Writers must therefore send the whole 0x00 0x00
// boundary in one write; a boundary split across writes further apart
// than SettleWindow reads as a task frame followed by an empty one.
type Reader struct {
	r      io.Reader
	dec    Decoder
	buf    []byte
	queue  []Frame
	err    error
	settle time.Duration
}

// NewReader returns a Reader using the default settle window.
func NewReader(r io.Reader) *Reader {
	return &Reader{
		r:      r,
		buf:    make([]byte, 32*1024),
		settle: SettleWindow,
	}
}

// Next blocks until the next frame is available. Frames already decoded
// are returned before any read error.
func (r *Reader) Next() (Frame, error) {
	for len(r.queue) == 0 {
		if r.err != nil {
			return Frame{}, r.err
		}

		r.fill()
	}

	f := r.queue[0]
	r.queue = r.queue[1:]

	return f, nil
}

func (r *Reader) fill() {
	dl, ok := r.r.(readDeadliner)
	settling := r.dec.Pending() && ok && r.settle > 0

	if r.dec.Pending() && !settling {
		r.flush()
		return
	}

	if settling {
		_ = dl.SetReadDeadline(time.Now().Add(r.settle))
	}

	n, err := r.r.Read(r.buf)

	if settling {
		_ = dl.SetReadDeadline(time.Time{})
	}

	if n > 0 {
		r.queue = append(r.queue, r.dec.Feed(r.buf[:n])...)
	}

	if err == nil {
		return
	}

	if settling && n == 0 && errors.Is(err, os.ErrDeadlineExceeded) {
		r.flush()
		return
	}

	// the stream is done, whatever is held back is a task frame
	r.flush()
	r.err = err
}

func (r *Reader) flush() {
	if f, ok := r.dec.Flush(); ok {
		r.queue = append(r.queue, f)
	}
}
