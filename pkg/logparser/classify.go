package logparser

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

// Format identifies which log shape produced a candidate.
type Format int

const (
	FormatUnknown Format = iota
	FormatError
	FormatAccess
)

func (f Format) String() string {
	switch f {
	case FormatError:
		return "error"
	case FormatAccess:
		return "access"
	default:
		return "unknown"
	}
}

const (
	errorMarker    = "[error]"
	clientMarker   = "client: "
	rejectedMarker = "access forbidden by rule"
)

// Status markers are space-delimited so longer numbers never match.
var accessStatusMarkers = []string{" 404 ", " 401 ", " 403 "}

var (
	// ErrNoCandidate means the line is not an actionable event.
	ErrNoCandidate = errors.New("no candidate address")
	// ErrInvalidAddress means an address was found but is not a usable IPv4 address.
	ErrInvalidAddress = errors.New("invalid client address")
)

// Candidate is a client address extracted from an actionable log line.
type Candidate struct {
	IP      string
	Numeric uint32
	Addr    netip.Addr
	Format  Format
	Line    string
}

// Classify extracts the client address from an nginx error-log or access-log
// line. Lines already rejected by an nginx deny rule are not candidates.
func Classify(line string) (Candidate, error) {
	if strings.Contains(line, errorMarker) && !strings.Contains(line, rejectedMarker) {
		if idx := strings.Index(line, clientMarker); idx >= 0 {
			rest := line[idx+len(clientMarker):]
			return newCandidate(line, FormatError, rest, ", :")
		}
	}

	for _, marker := range accessStatusMarkers {
		if strings.Contains(line, marker) {
			return newCandidate(line, FormatAccess, line, " ")
		}
	}

	return Candidate{}, ErrNoCandidate
}

func newCandidate(line string, format Format, field string, delimiters string) (Candidate, error) {
	text := leadingAddress(field)
	if text == "" {
		return Candidate{}, ErrNoCandidate
	}

	// A run cut short by an unexpected character is a mangled field, not an address.
	if len(text) < len(field) && !strings.ContainsRune(delimiters, rune(field[len(text)])) {
		return Candidate{}, fmt.Errorf("%w: %q", ErrInvalidAddress, field[:min(len(field), len(text)+1)])
	}

	addr, numeric, err := ParseIPv4(text)
	if err != nil {
		return Candidate{}, err
	}

	return Candidate{
		IP:      text,
		Numeric: numeric,
		Addr:    addr,
		Format:  format,
		Line:    line,
	}, nil
}

// leadingAddress returns the longest prefix made of digits and dots.
func leadingAddress(s string) string {
	end := 0
	for end < len(s) && (s[end] == '.' || (s[end] >= '0' && s[end] <= '9')) {
		end++
	}
	return s[:end]
}

// ParseIPv4 parses a strict dotted-quad address into its numeric form
// (first octet in the most significant byte).
func ParseIPv4(text string) (netip.Addr, uint32, error) {
	addr, err := netip.ParseAddr(text)
	if err != nil || !addr.Is4() {
		return netip.Addr{}, 0, fmt.Errorf("%w: %q", ErrInvalidAddress, text)
	}

	numeric := IPv4ToUint32(addr)
	if numeric == 0 || numeric == 0xffffffff {
		return netip.Addr{}, 0, fmt.Errorf("%w: %q", ErrInvalidAddress, text)
	}
	return addr, numeric, nil
}

// IPv4ToUint32 converts an IPv4 address to its numeric form.
func IPv4ToUint32(addr netip.Addr) uint32 {
	b := addr.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// Uint32ToIPv4 is the inverse of IPv4ToUint32.
func Uint32ToIPv4(n uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)})
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
