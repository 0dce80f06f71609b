package frame

import "bytes"

// Decoder splits an accumulating byte stream into frames. The double
// separator is always matched before the single one, so an exit boundary
// is never mistaken for a task frame followed by an empty one.
//
// A separator that is the very last buffered byte is ambiguous until the
// next byte arrives. The decoder holds it back; callers decide when to
// give up waiting and Flush it as a task frame.
type Decoder struct {
	buf     []byte
	pending bool
}

// Feed appends p to the internal buffer and returns every frame that
// can be decided unambiguously.
func (d *Decoder) Feed(p []byte) []Frame {
	d.buf = append(d.buf, p...)
	d.pending = false

	var frames []Frame
	for {
		i := bytes.IndexByte(d.buf, Separator)
		if i < 0 {
			break
		}

		if i+1 == len(d.buf) {
			d.pending = true
			break
		}

		if d.buf[i+1] == Separator {
			frames = append(frames, Frame{Kind: KindExit, Payload: bytes.Clone(d.buf[:i])})
			d.buf = d.buf[i+2:]
			continue
		}

		frames = append(frames, Frame{Kind: KindTask, Payload: bytes.Clone(d.buf[:i])})
		d.buf = d.buf[i+1:]
	}

	// reclaim the backing array once it has been fully consumed
	if len(d.buf) == 0 {
		d.buf = d.buf[:0:0]
	}

	return frames
}

// Pending reports whether a trailing single separator is being held back.
func (d *Decoder) Pending() bool {
	return d.pending
}

// Flush releases a held-back frame as a task frame.
func (d *Decoder) Flush() (Frame, bool) {
	if !d.pending {
		return Frame{}, false
	}

	f := Frame{Kind: KindTask, Payload: bytes.Clone(d.buf[:len(d.buf)-1])}

	d.buf = d.buf[:0:0]
	d.pending = false

	return f, true
}

// Buffered returns the number of bytes that do not yet belong to a frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}
