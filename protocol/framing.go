package protocol

import "errors"

// ErrLineTooLong is reported once for every line that exceeds the framer's bound.
// The rest of that line, through its newline, is discarded.
var ErrLineTooLong = errors.New("line exceeds maximum length")

// LineHandler receives one framed line, or a nil line with ErrLineTooLong.
type LineHandler func(line []byte, err error)

// LineFramer splits a byte stream into newline-terminated lines.
// It is used by both the firmware receive path and the host listener.
type LineFramer struct {
	buf        []byte
	max        int
	discarding bool
}

// NewLineFramer creates a framer that accepts lines up to max bytes.
// A max of 0 selects MaxLineLength.
func NewLineFramer(max int) *LineFramer {
	if max <= 0 {
		max = MaxLineLength
	}
	return &LineFramer{
		buf: make([]byte, 0, max),
		max: max,
	}
}

// Feed consumes data and calls fn for every complete line.
// Lines are copied before fn is called; a trailing '\r' is stripped and
// empty lines are skipped.
func (f *LineFramer) Feed(data []byte, fn LineHandler) {
	for _, b := range data {
		if b == LineEnd {
			if f.discarding {
				f.discarding = false
				continue
			}
			line := f.buf
			if n := len(line); n > 0 && line[n-1] == '\r' {
				line = line[:n-1]
			}
			if len(line) > 0 {
				out := make([]byte, len(line))
				copy(out, line)
				fn(out, nil)
			}
			f.buf = f.buf[:0]
			continue
		}

		if f.discarding {
			continue
		}

		if len(f.buf) >= f.max {
			f.buf = f.buf[:0]
			f.discarding = true
			fn(nil, ErrLineTooLong)
			continue
		}
		f.buf = append(f.buf, b)
	}
}

// Pending returns the number of bytes buffered for an unterminated line
func (f *LineFramer) Pending() int {
	return len(f.buf)
}

// Reset drops any partial line and leaves discard mode
func (f *LineFramer) Reset() {
	f.buf = f.buf[:0]
	f.discarding = false
}

// Discard drops any partial line and skips input through the next newline
func (f *LineFramer) Discard() {
	f.buf = f.buf[:0]
	f.discarding = true
}
