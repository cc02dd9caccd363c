package server

import (
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/filterhost/internal/config"
	"github.com/wudi/filterhost/internal/filter"
	"github.com/wudi/filterhost/internal/metrics"
	"github.com/wudi/filterhost/internal/middleware/dispatch"
)

// ReloadResult represents the outcome of applying a filter configuration.
type ReloadResult struct {
	Success   bool             `json:"success"`
	Timestamp time.Time        `json:"timestamp"`
	Error     string           `json:"error,omitempty"`
	Changes   []string         `json:"changes,omitempty"`
	Rejected  []RejectedFilter `json:"rejected,omitempty"`
}

// RejectedFilter is a filter that kept its previous configuration.
type RejectedFilter struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

// entry is one live filter factory.
type entry struct {
	name        string
	typ         string
	factory     filter.ConfigurableFactory
	fingerprint uint64
}

// Host owns the live filter factories and installs pipelines built from them.
type Host struct {
	registry   *filter.Registry
	dispatcher *dispatch.Dispatcher
	metrics    *metrics.Metrics
	logger     *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

// NewHost creates a host with no filters.
func NewHost(registry *filter.Registry, d *dispatch.Dispatcher, m *metrics.Metrics, logger *zap.Logger) *Host {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(metrics.Options{})
	}
	return &Host{
		registry:   registry,
		dispatcher: d,
		metrics:    m,
		logger:     logger,
		entries:    make(map[string]*entry),
	}
}

type plannedFilter struct {
	cfg         config.FilterConfig
	raw         []byte
	fingerprint uint64
}

// Apply reconciles the live filters with filters.
//
// New filters, and filters whose type changed, are built and configured
// first; any failure there rejects the whole change. Existing filters whose
// payload changed are reconfigured one by one, and a rejection keeps that
// filter's previous snapshot. The pipeline is then swapped, and factories
// no longer referenced are closed.
func (h *Host) Apply(filters []config.FilterConfig) ReloadResult {
	h.mu.Lock()
	defer h.mu.Unlock()

	result := ReloadResult{Timestamp: time.Now()}
	fail := func(err error) ReloadResult {
		result.Error = err.Error()
		h.metrics.RecordReload("failed")
		h.logger.Error("filter configuration rejected", zap.Error(err))
		return result
	}

	plan := make([]plannedFilter, 0, len(filters))
	for _, f := range filters {
		raw, err := f.Payload()
		if err != nil {
			return fail(err)
		}
		plan = append(plan, plannedFilter{cfg: f, raw: raw, fingerprint: filter.Fingerprint(raw)})
	}

	built := make(map[string]*entry)
	discard := func() {
		for _, e := range built {
			closeFactory(e, h.logger)
		}
	}
	for _, p := range plan {
		if old, ok := h.entries[p.cfg.Name]; ok && old.typ == p.cfg.Type {
			continue
		}
		factory, err := h.registry.Build(p.cfg.Type)
		if err != nil {
			discard()
			return fail(fmt.Errorf("filter %s: %w", p.cfg.Name, err))
		}
		e := &entry{name: p.cfg.Name, typ: p.cfg.Type, factory: factory, fingerprint: p.fingerprint}
		built[p.cfg.Name] = e
		if err := factory.Configure(p.raw); err != nil {
			discard()
			return fail(fmt.Errorf("filter %s: %w", p.cfg.Name, err))
		}
	}

	next := make(map[string]*entry, len(plan))
	pipeline := make([]dispatch.Entry, 0, len(plan))
	for _, p := range plan {
		e, isNew := built[p.cfg.Name]
		if isNew {
			verb := "added "
			if _, existed := h.entries[p.cfg.Name]; existed {
				verb = "replaced "
			}
			result.Changes = append(result.Changes, verb+p.cfg.Name)
		} else {
			e = h.entries[p.cfg.Name]
			switch {
			case e.fingerprint == p.fingerprint:
			case len(p.raw) == 0:
				// An empty payload leaves the current snapshot in place.
				h.logger.Info("filter config removed, keeping current configuration",
					zap.String("filter", e.name),
				)
			default:
				if err := e.factory.Configure(p.raw); err != nil {
					result.Rejected = append(result.Rejected, RejectedFilter{Name: e.name, Error: err.Error()})
					h.metrics.RecordReload("rejected")
					h.logger.Warn("filter kept previous configuration",
						zap.String("filter", e.name),
						zap.Error(err),
					)
				} else {
					e.fingerprint = p.fingerprint
					result.Changes = append(result.Changes, "reconfigured "+e.name)
				}
			}
		}
		next[e.name] = e
		pipeline = append(pipeline, dispatch.Entry{Name: e.name, Type: e.typ, Factory: e.factory})
	}

	p, err := dispatch.NewPipeline(pipeline...)
	if err != nil {
		discard()
		return fail(err)
	}
	h.dispatcher.Swap(p)

	for name, old := range h.entries {
		if next[name] == old {
			continue
		}
		closeFactory(old, h.logger)
		h.metrics.DeleteFilter(name)
		if _, replaced := next[name]; !replaced {
			result.Changes = append(result.Changes, "removed "+name)
		}
	}
	h.entries = next

	for name, e := range next {
		if in, ok := e.factory.(filter.Introspector); ok {
			h.metrics.SetGeneration(name, in.SnapshotInfo().Generation)
		}
	}

	result.Success = true
	h.metrics.RecordReload("success")
	return result
}

// Close closes every factory and installs an empty pipeline.
func (h *Host) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dispatcher.Swap(nil)
	for _, e := range h.entries {
		closeFactory(e, h.logger)
	}
	h.entries = make(map[string]*entry)
}

// Dispatcher returns the dispatcher the host installs pipelines into.
func (h *Host) Dispatcher() *dispatch.Dispatcher {
	return h.dispatcher
}

func closeFactory(e *entry, logger *zap.Logger) {
	c, ok := e.factory.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		logger.Warn("filter close failed", zap.String("filter", e.name), zap.Error(err))
	}
}
