package logparser

import (
	"fmt"
	"io"
	"os"
)

// View is a read-only snapshot of a log file. The size is captured when the
// view is opened; bytes appended afterwards belong to the next run.
type View struct {
	reader io.ReaderAt
	closer io.Closer
	size   int64
}

// OpenView opens the log file read-only and records its current length.
func OpenView(path string) (*View, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat log file: %w", err)
	}

	return &View{reader: file, closer: file, size: info.Size()}, nil
}

// NewView wraps an arbitrary reader. Close is a no-op.
func NewView(r io.ReaderAt, size int64) *View {
	return &View{reader: r, size: size}
}

// Size returns the length of the log captured when the view was opened.
func (v *View) Size() int64 {
	return v.size
}

// Close releases the underlying file.
func (v *View) Close() error {
	if v.closer == nil {
		return nil
	}
	return v.closer.Close()
}
