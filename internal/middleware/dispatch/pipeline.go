package dispatch

import (
	"fmt"

	"github.com/wudi/filterhost/internal/filter"
)

// Entry is one configured filter in a chain.
type Entry struct {
	Name    string
	Type    string
	Factory filter.ConfigurableFactory
}

// Pipeline is an immutable, ordered filter chain.
type Pipeline struct {
	entries []Entry
	byName  map[string]int
}

// NewPipeline builds a chain. Names must be unique and factories non-nil.
func NewPipeline(entries ...Entry) (*Pipeline, error) {
	p := &Pipeline{
		entries: make([]Entry, 0, len(entries)),
		byName:  make(map[string]int, len(entries)),
	}
	for _, e := range entries {
		if e.Factory == nil {
			return nil, fmt.Errorf("dispatch: filter %q has no factory", e.Name)
		}
		if _, dup := p.byName[e.Name]; dup {
			return nil, fmt.Errorf("dispatch: duplicate filter name %q", e.Name)
		}
		p.byName[e.Name] = len(p.entries)
		p.entries = append(p.entries, e)
	}
	return p, nil
}

// Len returns the number of filters.
func (p *Pipeline) Len() int {
	if p == nil {
		return 0
	}
	return len(p.entries)
}

// Entries returns a copy of the chain in request order.
func (p *Pipeline) Entries() []Entry {
	if p == nil {
		return nil
	}
	return append([]Entry(nil), p.entries...)
}

// Lookup finds an entry by name.
func (p *Pipeline) Lookup(name string) (Entry, bool) {
	if p == nil {
		return Entry{}, false
	}
	i, ok := p.byName[name]
	if !ok {
		return Entry{}, false
	}
	return p.entries[i], true
}
