package filter

import (
	"iter"
	"strings"
	"unicode/utf8"

	"github.com/wudi/filterhost/internal/errors"
)

// Header is a single key/value entry.
type Header struct {
	Key   string
	Value string
}

// HeaderMap is the header surface handed to filters: an ordered,
// case-insensitive, multi-valued list. Mutations may be rejected when the
// owning stream is not in the phase that owns the map.
type HeaderMap interface {
	// Get returns the first value whose key matches case-insensitively.
	Get(key string) (string, bool)
	// Values returns every matching value in insertion order.
	Values(key string) []string
	// Add appends an entry, keeping existing entries with the same key.
	Add(key, value string) error
	// Replace removes every matching entry and inserts one entry in place
	// of the first removed one, or at the end if none matched.
	Replace(key, value string) error
	// Remove deletes every matching entry.
	Remove(key string) error
	// All iterates entries in order. Each step observes the current contents.
	All() iter.Seq2[string, string]
	// Len returns the number of entries.
	Len() int
}

// Headers is the host-owned storage behind a HeaderMap. It is not safe for
// concurrent use; the host serialises access per stream.
type Headers struct {
	entries []Header
}

var _ HeaderMap = (*Headers)(nil)

// NewHeaders returns a Headers holding pairs in order. Invalid pairs are dropped.
func NewHeaders(pairs ...Header) *Headers {
	h := &Headers{entries: make([]Header, 0, len(pairs))}
	for _, p := range pairs {
		_ = h.Add(p.Key, p.Value)
	}
	return h
}

// ValidateHeader checks that key and value are acceptable header text.
func ValidateHeader(key, value string) error {
	if key == "" {
		return errors.ErrInvalidHeader.WithDetails("empty key")
	}
	if !utf8.ValidString(key) || !utf8.ValidString(value) {
		return errors.ErrInvalidHeader.WithDetailsf("invalid UTF-8 in %q", key)
	}
	if strings.ContainsAny(key, "\r\n\x00") || strings.ContainsAny(value, "\r\n\x00") {
		return errors.ErrInvalidHeader.WithDetailsf("control character in %q", key)
	}
	return nil
}

func (h *Headers) Get(key string) (string, bool) {
	for _, e := range h.entries {
		if strings.EqualFold(e.Key, key) {
			return e.Value, true
		}
	}
	return "", false
}

func (h *Headers) Values(key string) []string {
	var out []string
	for _, e := range h.entries {
		if strings.EqualFold(e.Key, key) {
			out = append(out, e.Value)
		}
	}
	return out
}

func (h *Headers) Add(key, value string) error {
	if err := ValidateHeader(key, value); err != nil {
		return err
	}
	h.entries = append(h.entries, Header{Key: key, Value: value})
	return nil
}

func (h *Headers) Replace(key, value string) error {
	if err := ValidateHeader(key, value); err != nil {
		return err
	}
	at := -1
	kept := h.entries[:0]
	for _, e := range h.entries {
		if strings.EqualFold(e.Key, key) {
			if at < 0 {
				at = len(kept)
				kept = append(kept, Header{Key: key, Value: value})
			}
			continue
		}
		kept = append(kept, e)
	}
	if at < 0 {
		h.entries = append(h.entries, Header{Key: key, Value: value})
		return nil
	}
	clear(h.entries[len(kept):])
	h.entries = kept
	return nil
}

func (h *Headers) Remove(key string) error {
	kept := h.entries[:0]
	for _, e := range h.entries {
		if !strings.EqualFold(e.Key, key) {
			kept = append(kept, e)
		}
	}
	clear(h.entries[len(kept):])
	h.entries = kept
	return nil
}

func (h *Headers) All() iter.Seq2[string, string] {
	return func(yield func(string, string) bool) {
		for i := 0; i < len(h.entries); i++ {
			e := h.entries[i]
			if !yield(e.Key, e.Value) {
				return
			}
		}
	}
}

func (h *Headers) Len() int {
	return len(h.entries)
}

// Entries returns a copy of the entries in order.
func (h *Headers) Entries() []Header {
	out := make([]Header, len(h.entries))
	copy(out, h.entries)
	return out
}

// Clone returns an independent copy.
func (h *Headers) Clone() *Headers {
	return &Headers{entries: h.Entries()}
}

// Guard returns a view of m whose mutations succeed only while allow returns nil.
// A rejected mutation returns allow's error and leaves m untouched.
func Guard(m *Headers, allow func() error) HeaderMap {
	return &guardedHeaders{m: m, allow: allow}
}

type guardedHeaders struct {
	m     *Headers
	allow func() error
}

func (g *guardedHeaders) Get(key string) (string, bool)  { return g.m.Get(key) }
func (g *guardedHeaders) Values(key string) []string     { return g.m.Values(key) }
func (g *guardedHeaders) All() iter.Seq2[string, string] { return g.m.All() }
func (g *guardedHeaders) Len() int                       { return g.m.Len() }

func (g *guardedHeaders) Add(key, value string) error {
	if err := g.allow(); err != nil {
		return err
	}
	return g.m.Add(key, value)
}

func (g *guardedHeaders) Replace(key, value string) error {
	if err := g.allow(); err != nil {
		return err
	}
	return g.m.Replace(key, value)
}

func (g *guardedHeaders) Remove(key string) error {
	if err := g.allow(); err != nil {
		return err
	}
	return g.m.Remove(key)
}
