package denylist

import (
	"fmt"
	"net/netip"
	"strings"
)

// Whitelist holds addresses and ranges that must never be banned.
type Whitelist struct {
	prefixes []netip.Prefix
}

// ParseWhitelist accepts single addresses and CIDR ranges.
func ParseWhitelist(entries []string) (*Whitelist, error) {
	w := &Whitelist{}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid whitelist range %q: %w", entry, err)
			}
			w.prefixes = append(w.prefixes, prefix.Masked())
			continue
		}

		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid whitelist address %q: %w", entry, err)
		}
		w.prefixes = append(w.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return w, nil
}

// Contains reports whether addr is whitelisted. A nil whitelist is empty.
func (w *Whitelist) Contains(addr netip.Addr) bool {
	if w == nil {
		return false
	}
	for _, prefix := range w.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// Len returns the number of entries.
func (w *Whitelist) Len() int {
	if w == nil {
		return 0
	}
	return len(w.prefixes)
}
