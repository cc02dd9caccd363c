// Package httpbin is a small echo upstream for exercising the filter chain
// without a real backend.
package httpbin

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	echoMaxBodySize   = 1 << 20 // 1MB
	defaultVersion    = "v1"
	defaultRetryCount = 3
)

// Options configures the echo upstream.
type Options struct {
	// Version is reported by /version.
	Version string
	// Hostname defaults to $HOSTNAME.
	Hostname string
	// RetryCount is how many /retry calls fail before one succeeds.
	RetryCount int
	Logger     *zap.Logger
}

// Server serves /version, /header, /timeout, /retry and echoes everything else.
type Server struct {
	opts Options
	mux  *http.ServeMux

	mu        sync.Mutex
	remaining int
}

// New creates the echo upstream.
func New(opts Options) *Server {
	if opts.Version == "" {
		opts.Version = defaultVersion
	}
	if opts.Hostname == "" {
		opts.Hostname = os.Getenv("HOSTNAME")
	}
	if opts.RetryCount <= 0 {
		opts.RetryCount = defaultRetryCount
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	s := &Server{opts: opts, remaining: opts.RetryCount}
	s.mux = http.NewServeMux()
	s.mux.HandleFunc("/version", s.version)
	s.mux.HandleFunc("/header", s.header)
	s.mux.HandleFunc("/timeout", s.timeout)
	s.mux.HandleFunc("/retry", s.retry)
	s.mux.HandleFunc("/", s.echo)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) version(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "%s\nversion: %s\n", s.opts.Hostname, s.opts.Version)
}

type headerResponse struct {
	Hostname string              `json:"hostname"`
	Headers  map[string][]string `json:"headers"`
	Query    string              `json:"query"`
}

func (s *Server) header(w http.ResponseWriter, r *http.Request) {
	headers := r.Header.Clone()
	if headers == nil {
		headers = make(http.Header)
	}
	headers["Host"] = []string{r.Host}
	headers["Path"] = []string{r.URL.Path}
	headers["Protocol"] = []string{r.Proto}
	headers["Url"] = []string{r.URL.String()}
	if r.TLS != nil {
		headers["Tls-Handshake-Complete"] = []string{strconv.FormatBool(r.TLS.HandshakeComplete)}
	}

	writeJSON(w, http.StatusOK, headerResponse{
		Hostname: s.opts.Hostname,
		Headers:  headers,
		Query:    r.URL.RawQuery,
	})
}

// timeout sleeps for ?time=N seconds or until the client goes away.
func (s *Server) timeout(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(r.URL.Query().Get("time"))
	if err != nil || n < 0 {
		http.Error(w, "time must be a non-negative integer", http.StatusServiceUnavailable)
		return
	}

	t := time.NewTimer(time.Duration(n) * time.Second)
	defer t.Stop()
	select {
	case <-t.C:
		w.Write([]byte("success"))
	case <-r.Context().Done():
		s.opts.Logger.Debug("timeout request cancelled", zap.Int("seconds", n))
	}
}

// retry fails with 502 RetryCount times, then succeeds once and starts over.
func (s *Server) retry(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	remaining := s.remaining
	if remaining > 0 {
		s.remaining--
	} else {
		s.remaining = s.opts.RetryCount
	}
	s.mu.Unlock()

	s.opts.Logger.Info("retry request received", zap.Int("count", remaining))
	if remaining > 0 {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprintf(w, "error, count: %d\n", remaining-1)
		return
	}
	w.Write([]byte("success"))
}

type echoResponse struct {
	Method     string            `json:"method"`
	Path       string            `json:"path"`
	Host       string            `json:"host"`
	RemoteAddr string            `json:"remote_addr"`
	Query      map[string]string `json:"query"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body,omitempty"`
	Timestamp  string            `json:"timestamp"`
}

func (s *Server) echo(w http.ResponseWriter, r *http.Request) {
	// Flatten query params to first value
	query := make(map[string]string, len(r.URL.Query()))
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			query[k] = v[0]
		}
	}

	// Flatten headers to first value
	headers := make(map[string]string, len(r.Header))
	for k, v := range r.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}

	var body string
	if r.Body != nil {
		data, _ := io.ReadAll(io.LimitReader(r.Body, echoMaxBodySize))
		body = string(data)
	}

	writeJSON(w, http.StatusOK, echoResponse{
		Method:     r.Method,
		Path:       r.URL.Path,
		Host:       r.Host,
		RemoteAddr: r.RemoteAddr,
		Query:      query,
		Headers:    headers,
		Body:       body,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
