package router

import (
	"bytes"
	"errors"
	"fmt"
)

// MaxLineLength is the longest line a LineSplitter returns.
const MaxLineLength = 8 << 10

// ErrLineTooLong reports a line longer than MaxLineLength.
var ErrLineTooLong = errors.New("line too long")

var crlf = []byte("\r\n")

// Framer turns transport reads into protocol frames. A Framer belongs to
// one transport handle. A non-nil error reports input that was discarded;
// the returned frames are still valid.
type Framer interface {
	Split(chunk []byte) ([][]byte, error)
}

// Whole treats each read as exactly one frame.
type Whole struct{}

// Split returns chunk unchanged.
func (Whole) Split(chunk []byte) ([][]byte, error) {
	if len(chunk) == 0 {
		return nil, nil
	}
	return [][]byte{chunk}, nil
}

// LineSplitter splits CRLF-terminated lines. A trailing partial line is held
// until a later read completes it. Empty lines are dropped.
type LineSplitter struct {
	max     int
	partial []byte
	// skipping is set while the rest of an overlong line is discarded.
	skipping bool
}

// NewLineSplitter returns an empty splitter.
func NewLineSplitter() *LineSplitter {
	return &LineSplitter{max: MaxLineLength}
}

// Split returns the complete lines in chunk, without terminators, in order.
// A line longer than MaxLineLength is dropped through its terminator and
// reported once with ErrLineTooLong.
func (s *LineSplitter) Split(chunk []byte) ([][]byte, error) {
	data := chunk
	if len(s.partial) > 0 {
		data = append(s.partial, chunk...)
		s.partial = nil
	}

	var (
		lines [][]byte
		err   error
	)
	tooLong := func() {
		err = fmt.Errorf("%w: over %d bytes", ErrLineTooLong, s.max)
	}
	for {
		i := bytes.Index(data, crlf)
		if i < 0 {
			break
		}
		switch {
		case s.skipping:
			s.skipping = false
		case i > s.max:
			tooLong()
		case i > 0:
			line := make([]byte, i)
			copy(line, data[:i])
			lines = append(lines, line)
		}
		data = data[i+2:]
	}

	if len(data) == 0 {
		return lines, err
	}

	n := len(data)
	if data[n-1] == '\r' {
		n--
	}
	if !s.skipping && n > s.max {
		s.skipping = true
		tooLong()
	}
	switch {
	case !s.skipping:
		s.partial = append([]byte(nil), data...)
	case data[len(data)-1] == '\r':
		// The terminator may be split across reads.
		s.partial = []byte{'\r'}
	}
	return lines, err
}
