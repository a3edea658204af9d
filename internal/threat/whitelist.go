package threat

import (
	"fmt"
	"net/netip"
	"strings"
)

// Whitelist is an immutable set of trusted addresses and prefixes. Sources
// on it always score zero and are never blocked.
type Whitelist struct {
	addrs    map[netip.Addr]struct{}
	prefixes []netip.Prefix
}

// NewWhitelist parses entries as IP addresses or CIDR prefixes. Blank
// entries are ignored.
func NewWhitelist(entries []string) (*Whitelist, error) {
	w := &Whitelist{addrs: make(map[netip.Addr]struct{})}
	for _, raw := range entries {
		e := strings.TrimSpace(raw)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, fmt.Errorf("whitelist entry %q: %w", e, err)
			}
			w.prefixes = append(w.prefixes, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("whitelist entry %q: %w", e, err)
		}
		w.addrs[a.Unmap()] = struct{}{}
	}
	return w, nil
}

// MustWhitelist is like NewWhitelist but panics on error. Useful in tests.
func MustWhitelist(entries ...string) *Whitelist {
	w, err := NewWhitelist(entries)
	if err != nil {
		panic(err)
	}
	return w
}

// Contains reports whether source is whitelisted. Unparsable sources are
// never whitelisted.
func (w *Whitelist) Contains(source string) bool {
	if w == nil {
		return false
	}
	a, err := netip.ParseAddr(strings.TrimSpace(source))
	if err != nil {
		return false
	}
	a = a.Unmap()
	if _, ok := w.addrs[a]; ok {
		return true
	}
	for _, p := range w.prefixes {
		if p.Contains(a) {
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
	return len(w.addrs) + len(w.prefixes)
}

// Entries returns the entries in string form.
func (w *Whitelist) Entries() []string {
	if w == nil {
		return nil
	}
	out := make([]string, 0, w.Len())
	for a := range w.addrs {
		out = append(out, a.String())
	}
	for _, p := range w.prefixes {
		out = append(out, p.String())
	}
	return out
}
