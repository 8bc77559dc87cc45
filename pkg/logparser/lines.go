package logparser

import (
	"bufio"
	"errors"
	"io"
)

// DefaultMaxLineLength matches nginx's NGX_MAX_ERROR_STR.
const DefaultMaxLineLength = 100 * 1024

// ErrLineTooLong is reported when a line exceeds the configured maximum.
var ErrLineTooLong = errors.New("log line exceeds maximum length")

// StopReason tells why a LineScanner stopped yielding lines.
type StopReason int

const (
	StopNone StopReason = iota
	StopEndOfData
	StopBlankLine
	StopOversized
	StopReadError
)

func (r StopReason) String() string {
	switch r {
	case StopNone:
		return "none"
	case StopEndOfData:
		return "end_of_data"
	case StopBlankLine:
		return "blank_line"
	case StopOversized:
		return "oversized_line"
	case StopReadError:
		return "read_error"
	default:
		return "unknown"
	}
}

// ScanOptions tunes line extraction.
type ScanOptions struct {
	MaxLineLength  int
	SkipBlankLines bool
}

// Line is one complete log line, without its terminating newline.
type Line struct {
	Text   string
	Offset int64 // position of the first byte in the file
	Size   int   // bytes consumed, newline included
}

// LineScanner yields the complete lines of a View starting at a byte offset.
//
// A line is only produced once its newline has been written; the partial tail
// of a file that is still growing is left for the next run.
type LineScanner struct {
	reader  *bufio.Reader
	offset  int64
	maxLen  int
	skip    bool
	rotated bool
	line    Line
	stop    StopReason
	err     error
}

// Scan returns a scanner positioned at start. A start beyond the end of the
// view means the file shrank (rotation or truncation), so scanning restarts
// from the beginning and Rotated reports true.
func (v *View) Scan(start int64, opts ScanOptions) *LineScanner {
	maxLen := opts.MaxLineLength
	if maxLen <= 0 {
		maxLen = DefaultMaxLineLength
	}

	s := &LineScanner{maxLen: maxLen, skip: opts.SkipBlankLines}
	if start > v.size || start < 0 {
		s.rotated = start > v.size
		start = 0
	}
	s.offset = start

	section := io.NewSectionReader(v.reader, start, v.size-start)
	// One extra byte leaves room for the newline of a maximum-length line.
	s.reader = bufio.NewReaderSize(section, maxLen+1)
	return s
}

// Next advances to the next complete line.
func (s *LineScanner) Next() bool {
	for s.stop == StopNone {
		buf, err := s.reader.ReadSlice('\n')
		switch {
		case err == nil:
		case errors.Is(err, bufio.ErrBufferFull):
			s.haltLongLine()
			return false
		case errors.Is(err, io.EOF):
			s.halt(StopEndOfData, nil)
			return false
		default:
			s.halt(StopReadError, err)
			return false
		}

		n := len(buf) - 1
		if n > s.maxLen {
			s.halt(StopOversized, ErrLineTooLong)
			return false
		}
		if n == 0 {
			if !s.skip {
				s.halt(StopBlankLine, nil)
				return false
			}
			s.offset++
			continue
		}

		s.line = Line{Text: string(buf[:n]), Offset: s.offset, Size: n + 1}
		s.offset += int64(n + 1)
		return true
	}
	return false
}

// haltLongLine reads past a line that filled the buffer. A line that is
// still missing its newline is a partial tail, not an oversized line.
func (s *LineScanner) haltLongLine() {
	for {
		_, err := s.reader.ReadSlice('\n')
		switch {
		case err == nil:
			s.halt(StopOversized, ErrLineTooLong)
			return
		case errors.Is(err, bufio.ErrBufferFull):
		case errors.Is(err, io.EOF):
			s.halt(StopEndOfData, nil)
			return
		default:
			s.halt(StopReadError, err)
			return
		}
	}
}

func (s *LineScanner) halt(reason StopReason, err error) {
	s.stop = reason
	s.err = err
	s.line = Line{}
}

// Line returns the line produced by the last successful call to Next.
func (s *LineScanner) Line() Line {
	return s.line
}

// Offset returns the number of bytes consumed so far, the resume point for
// the next run.
func (s *LineScanner) Offset() int64 {
	return s.offset
}

// Rotated reports whether the requested start was past the end of the log.
func (s *LineScanner) Rotated() bool {
	return s.rotated
}

// Stop returns why scanning ended, or StopNone while lines remain.
func (s *LineScanner) Stop() StopReason {
	return s.stop
}

// Err returns ErrLineTooLong or the read error that ended the scan.
func (s *LineScanner) Err() error {
	return s.err
}
