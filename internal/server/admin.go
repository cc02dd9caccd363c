package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/wudi/filterhost/internal/filter"
)

// statser is implemented by factories that expose runtime statistics.
type statser interface {
	Stats() any
}

// AdminHandler creates the admin API handler
func (s *Server) AdminHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealth)

	mux.HandleFunc("/filters", s.handleFilters)

	mux.HandleFunc("/reload", s.handleReload)
	mux.HandleFunc("/reload/status", s.handleReloadStatus)

	cfg := s.Config()
	if cfg.Admin.Metrics.Enabled {
		mux.Handle(cfg.Admin.Metrics.Path, s.metrics.Handler())
	}
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"filters": s.host.Dispatcher().Pipeline().Len(),
	})
}

// handleFilters lists the chain in request order with each filter's current
// configuration, generation and fingerprint.
func (s *Server) handleFilters(w http.ResponseWriter, _ *http.Request) {
	out := []byte(`[]`)
	for _, e := range s.host.Dispatcher().Pipeline().Entries() {
		out, _ = sjson.SetRawBytes(out, "-1", describeFilter(e.Name, e.Type, e.Factory))
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(out)
}

func describeFilter(name, typ string, f filter.ConfigurableFactory) []byte {
	doc := []byte(`{}`)
	doc, _ = sjson.SetBytes(doc, "name", name)
	doc, _ = sjson.SetBytes(doc, "type", typ)

	if in, ok := f.(filter.Introspector); ok {
		info := in.SnapshotInfo()
		doc, _ = sjson.SetBytes(doc, "generation", info.Generation)
		doc, _ = sjson.SetBytes(doc, "fingerprint", strconv.FormatUint(info.Fingerprint, 16))
		if len(info.Raw) > 0 && gjson.ValidBytes(info.Raw) {
			doc, _ = sjson.SetRawBytes(doc, "config", info.Raw)
		}
	}
	if st, ok := f.(statser); ok {
		if stats, err := json.Marshal(st.Stats()); err == nil {
			doc, _ = sjson.SetRawBytes(doc, "stats", stats)
		}
	}
	return doc
}

// handleReload handles config reload requests (POST only).
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	result := s.ReloadConfig()
	w.Header().Set("Content-Type", "application/json")
	if !result.Success {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}
	json.NewEncoder(w).Encode(result)
}

// handleReloadStatus returns the reload history.
func (s *Server) handleReloadStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.ReloadHistory())
}
