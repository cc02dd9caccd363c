package filter

import (
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// Snapshot is one published configuration. Nothing in it is mutated after
// publication, so readers need no synchronisation.
type Snapshot[T any] struct {
	Config *T
	// Raw is the payload the snapshot was decoded from; nil for defaults.
	Raw []byte
	// Generation starts at 0 for defaults and increases by one per publish.
	Generation uint64
	// Fingerprint is the xxhash of Raw.
	Fingerprint uint64
}

// Fingerprint hashes a configuration payload.
func Fingerprint(raw []byte) uint64 {
	return xxhash.Sum64(raw)
}

// ConfigStore holds the current Snapshot for one factory.
type ConfigStore[T any] struct {
	current atomic.Pointer[Snapshot[T]]
}

// NewConfigStore returns a store whose generation-0 snapshot holds defaults.
func NewConfigStore[T any](defaults T) *ConfigStore[T] {
	s := &ConfigStore[T]{}
	cfg := defaults
	s.current.Store(&Snapshot[T]{Config: &cfg, Fingerprint: Fingerprint(nil)})
	return s
}

// Load returns the current snapshot.
func (s *ConfigStore[T]) Load() *Snapshot[T] {
	return s.current.Load()
}

// Publish makes cfg current and returns the new and the replaced snapshots.
// Concurrent publishers are serialised by CAS; the last one wins.
func (s *ConfigStore[T]) Publish(cfg *T, raw []byte) (next, prev *Snapshot[T]) {
	owned := append([]byte(nil), raw...)
	fp := Fingerprint(owned)
	for {
		prev = s.current.Load()
		next = &Snapshot[T]{
			Config:      cfg,
			Raw:         owned,
			Generation:  prev.Generation + 1,
			Fingerprint: fp,
		}
		if s.current.CompareAndSwap(prev, next) {
			return next, prev
		}
	}
}
