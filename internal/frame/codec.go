// Package frame implements newline-delimited JSON framing over an
// arbitrary byte stream. It is direction-agnostic: the same Codec is
// reused for a child's stdout and for its stderr.
package frame

import (
	"fmt"
	"io"
)

// MaxFrameSize is the largest single line the codec will accept before
// returning ErrFrameTooLarge. 16 MiB matches what a chatty app-server
// notification stream can produce without signaling a protocol bug.
const MaxFrameSize = 16 * 1024 * 1024

// ErrFrameTooLarge is returned when a line exceeds MaxFrameSize before a
// newline is seen.
var ErrFrameTooLarge = fmt.Errorf("frame exceeds %d bytes", MaxFrameSize)

// Codec splits a byte stream into complete, trimmed, non-empty lines.
// It maintains a rolling buffer across Feed calls so callers may pass
// arbitrarily chunked reads.
type Codec struct {
	buf []byte
}

// New returns an empty Codec.
func New() *Codec {
	return &Codec{}
}

// Feed appends a chunk and returns every complete line it produces,
// in order. A trailing, unterminated fragment is retained for the next
// call. Blank lines (after trimming surrounding whitespace) are
// dropped, never returned.
func (c *Codec) Feed(chunk []byte) ([][]byte, error) {
	c.buf = append(c.buf, chunk...)

	var lines [][]byte
	for {
		idx := indexByte(c.buf, '\n')
		if idx < 0 {
			if len(c.buf) > MaxFrameSize {
				return lines, ErrFrameTooLarge
			}
			break
		}
		line := c.buf[:idx]
		c.buf = c.buf[idx+1:]

		line = trim(line)
		if len(line) > 0 {
			out := make([]byte, len(line))
			copy(out, line)
			lines = append(lines, out)
		}
	}
	return lines, nil
}

// Flush returns the trailing unterminated fragment, if any, and clears
// it. ReadAll does not call it: at EOF a trailing partial frame is
// discarded rather than emitted, so Flush exists only so callers that
// drive a Codec themselves can detect and log it — it is not meant to be
// treated as a frame.
func (c *Codec) Flush() []byte {
	rest := c.buf
	c.buf = nil
	return trim(rest)
}

// ReadAll drains r through a Codec until EOF or error, invoking emit
// for each complete frame. Any trailing unterminated fragment at EOF
// is discarded, matching the spec's "on upstream EOF, discard any
// trailing unterminated fragment" rule.
func ReadAll(r io.Reader, emit func([]byte)) error {
	c := New()
	buf := make([]byte, 64*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			lines, ferr := c.Feed(buf[:n])
			for _, l := range lines {
				emit(l)
			}
			if ferr != nil {
				return ferr
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func trim(b []byte) []byte {
	start := 0
	for start < len(b) && isSpace(b[start]) {
		start++
	}
	end := len(b)
	for end > start && isSpace(b[end-1]) {
		end--
	}
	return b[start:end]
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\r' || b == '\n'
}
