package denylist

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Anipaleja/miniwaf/pkg/logparser"
	"github.com/sirupsen/logrus"
)

// Record is one ban appended to the deny configuration.
type Record struct {
	Numeric  uint32    `json:"numeric"`
	IP       string    `json:"ip"`
	Rule     string    `json:"rule"`
	Format   string    `json:"format"`
	BannedAt time.Time `json:"banned_at"`
}

// Entry is an address found in an existing deny configuration.
type Entry struct {
	Numeric uint32 `json:"numeric"`
	IP      string `json:"ip"`
	Line    int    `json:"line"`
}

// Ledger tracks which addresses nginx already denies and appends new ones.
//
// The denied set is rebuilt from the whole file every time a ledger is
// opened, so an address is never appended twice across runs.
type Ledger struct {
	path   string
	denied map[uint32]struct{}
	file   *os.File
	logger *logrus.Logger
}

// Open loads the deny configuration at path, creating it if missing, and
// keeps it open for appending.
func Open(path string, logger *logrus.Logger) (*Ledger, error) {
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read deny configuration: %w", err)
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open deny configuration for appending: %w", err)
	}
	// Never glue a new directive onto an unterminated last line.
	if len(data) > 0 && data[len(data)-1] != '\n' {
		if _, err := file.WriteString("\n"); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to append to deny configuration: %w", err)
		}
	}

	l := &Ledger{
		path:   path,
		denied: make(map[uint32]struct{}),
		file:   file,
		logger: logger,
	}
	for _, entry := range parseEntries(data) {
		l.denied[entry.Numeric] = struct{}{}
	}

	logger.WithFields(logrus.Fields{
		"path":    path,
		"entries": len(l.denied),
	}).Debug("Loaded deny configuration")

	return l, nil
}

// IsDenied reports whether the address already has a deny entry.
func (l *Ledger) IsDenied(numeric uint32) bool {
	_, ok := l.denied[numeric]
	return ok
}

// Deny appends a deny entry for the record's address. Addresses already
// present are left alone.
func (l *Ledger) Deny(rec Record) error {
	if l.IsDenied(rec.Numeric) {
		return nil
	}
	if rec.BannedAt.IsZero() {
		rec.BannedAt = time.Now()
	}

	if _, err := l.file.WriteString(FormatEntry(rec)); err != nil {
		return fmt.Errorf("failed to append to deny configuration: %w", err)
	}
	l.denied[rec.Numeric] = struct{}{}
	return nil
}

// MarkDenied records the address in memory only.
func (l *Ledger) MarkDenied(numeric uint32) {
	l.denied[numeric] = struct{}{}
}

// Len returns the size of the denied set.
func (l *Ledger) Len() int {
	return len(l.denied)
}

// Path returns the deny configuration location.
func (l *Ledger) Path() string {
	return l.path
}

// Close flushes and closes the deny configuration.
func (l *Ledger) Close() error {
	if l.file == nil {
		return nil
	}
	syncErr := l.file.Sync()
	closeErr := l.file.Close()
	l.file = nil
	if closeErr != nil {
		return closeErr
	}
	return syncErr
}

// FormatEntry renders a record in nginx access-control syntax. The trailing
// comment keeps the numeric form, ban time and triggering rule.
func FormatEntry(rec Record) string {
	comment := fmt.Sprintf("%d %s", rec.Numeric, rec.BannedAt.UTC().Format(time.RFC3339))
	if rec.Rule != "" {
		comment += " " + strings.ReplaceAll(rec.Rule, "\n", " ")
	}
	return fmt.Sprintf("deny %s; # %s\n", rec.IP, comment)
}

// ParseEntry extracts the address of a "deny <ipv4>;" directive. CIDR
// ranges, "deny all" and other directives are not single addresses.
func ParseEntry(line string) (Entry, bool) {
	if idx := strings.IndexByte(line, '#'); idx >= 0 {
		line = line[:idx]
	}

	fields := strings.Fields(strings.ReplaceAll(line, ";", " ; "))
	if len(fields) < 2 || fields[0] != "deny" {
		return Entry{}, false
	}

	addr, numeric, err := logparser.ParseIPv4(fields[1])
	if err != nil {
		return Entry{}, false
	}
	return Entry{Numeric: numeric, IP: addr.String()}, true
}

// ReadEntries lists the addresses denied by the file at path.
func ReadEntries(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read deny configuration: %w", err)
	}
	return parseEntries(data), nil
}

// parseEntries splits the whole file in memory, so no line length limit
// can hide the entries after a long line.
func parseEntries(data []byte) []Entry {
	var entries []Entry

	for i, line := range bytes.Split(data, []byte("\n")) {
		if entry, ok := ParseEntry(string(line)); ok {
			entry.Line = i + 1
			entries = append(entries, entry)
		}
	}
	return entries
}
