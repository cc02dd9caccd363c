package filter

import (
	"sync"

	"github.com/wudi/filterhost/internal/errors"
)

// Decoder turns a validated payload into an immutable configuration value.
// Fields with the wrong type should be treated as absent, not as errors.
type Decoder[T any] func(doc Document) (*T, error)

// NewFilterFunc creates the per-stream filter bound to cfg.
type NewFilterFunc[T any] func(handle Handle, cfg *T) StreamFilter

// SnapshotInfo describes a factory's current snapshot.
type SnapshotInfo struct {
	Generation  uint64 `json:"generation"`
	Fingerprint uint64 `json:"fingerprint"`
	Raw         []byte `json:"-"`
}

// Introspector is implemented by factories that can describe their snapshot.
type Introspector interface {
	SnapshotInfo() SnapshotInfo
}

// Root is a ConfigurableFactory built from a decoder and a filter constructor.
// Most filter classes need nothing else.
type Root[T any] struct {
	name      string
	schema    *Schema
	decode    Decoder[T]
	newFilter NewFilterFunc[T]
	store     *ConfigStore[T]
	onReplace func(prev *Snapshot[T])

	mu sync.Mutex
}

var (
	_ ConfigurableFactory = (*Root[struct{}])(nil)
	_ Introspector        = (*Root[struct{}])(nil)
)

// RootOption customises a Root.
type RootOption[T any] func(*Root[T])

// WithSchema replaces the default object schema.
func WithSchema[T any](s *Schema) RootOption[T] {
	return func(r *Root[T]) { r.schema = s }
}

// WithReplaceHook registers fn to receive each snapshot retired by Configure.
// Streams created from it may still be running.
func WithReplaceHook[T any](fn func(prev *Snapshot[T])) RootOption[T] {
	return func(r *Root[T]) { r.onReplace = fn }
}

// NewRoot creates a factory whose initial snapshot holds defaults.
func NewRoot[T any](name string, defaults T, decode Decoder[T], newFilter NewFilterFunc[T], opts ...RootOption[T]) *Root[T] {
	r := &Root[T]{
		name:      name,
		schema:    ObjectSchema,
		decode:    decode,
		newFilter: newFilter,
		store:     NewConfigStore(defaults),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name returns the filter class name.
func (r *Root[T]) Name() string {
	return r.name
}

// Configure validates and decodes raw, then publishes it. Zero-length input
// returns nil without touching the current snapshot.
func (r *Root[T]) Configure(raw []byte) error {
	if len(raw) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := ParseDocument(raw)
	if err != nil {
		return err
	}
	if err := r.schema.Validate(raw); err != nil {
		return err
	}
	cfg, err := r.decode(doc)
	if err != nil {
		if errors.KindOf(err) == errors.KindMalformedConfig {
			return err
		}
		return errors.Malformed(err)
	}

	_, prev := r.store.Publish(cfg, raw)
	if r.onReplace != nil {
		r.onReplace(prev)
	}
	return nil
}

// CreateFilter binds a new filter to the snapshot current at call time.
func (r *Root[T]) CreateFilter(handle Handle) StreamFilter {
	return r.newFilter(handle, r.store.Load().Config)
}

// Snapshot returns the current snapshot.
func (r *Root[T]) Snapshot() *Snapshot[T] {
	return r.store.Load()
}

func (r *Root[T]) SnapshotInfo() SnapshotInfo {
	s := r.store.Load()
	return SnapshotInfo{Generation: s.Generation, Fingerprint: s.Fingerprint, Raw: s.Raw}
}
