package dispatch

import (
	"bytes"
	"maps"
	"net/http"
	"net/textproto"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/wudi/filterhost/internal/errors"
	"github.com/wudi/filterhost/internal/filter"
)

// Pseudo-headers carried in filter header maps.
const (
	headerMethod    = ":method"
	headerPath      = ":path"
	headerAuthority = ":authority"
	headerScheme    = ":scheme"
	headerStatus    = ":status"
)

func isGRPC(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Content-Type"), "application/grpc")
}

func schemeOf(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// requestHeaders builds the filter view of r: pseudo-headers first, then
// regular headers with lower-cased keys in sorted order.
func requestHeaders(r *http.Request) (*filter.Headers, *opaqueHeaders) {
	h := filter.NewHeaders(
		filter.Header{Key: headerMethod, Value: r.Method},
		filter.Header{Key: headerPath, Value: r.URL.RequestURI()},
		filter.Header{Key: headerAuthority, Value: r.Host},
		filter.Header{Key: headerScheme, Value: schemeOf(r)},
	)
	return h, appendHeaders(h, r.Header)
}

func responseHeaders(status int, header http.Header) (*filter.Headers, *opaqueHeaders) {
	h := filter.NewHeaders(filter.Header{Key: headerStatus, Value: strconv.Itoa(status)})
	return h, appendHeaders(h, header)
}

// headersFrom converts trailers. A nil header gives an empty map.
func headersFrom(header http.Header) (*filter.Headers, *opaqueHeaders) {
	h := filter.NewHeaders()
	return h, appendHeaders(h, header)
}

// appendHeaders copies src into dst. Values the header map rejects are
// returned as opaque headers; the result is nil when every value fit.
func appendHeaders(dst *filter.Headers, src http.Header) *opaqueHeaders {
	var o *opaqueHeaders
	for _, k := range slices.Sorted(maps.Keys(src)) {
		key := strings.ToLower(k)
		for _, v := range src[k] {
			if dst.Add(key, v) == nil {
				continue
			}
			if o == nil {
				o = &opaqueHeaders{values: make(http.Header), seen: make(http.Header)}
			}
			ck := textproto.CanonicalMIMEHeaderKey(k)
			o.values[ck] = append(o.values[ck], v)
		}
	}
	if o != nil {
		for k := range o.values {
			o.seen[k] = dst.Values(k)
		}
	}
	return o
}

// opaqueHeaders holds header values the filter map cannot carry, such as
// obs-text bytes that are not UTF-8. Filters never see them. They are
// written back unless a filter changed the values of the same key.
type opaqueHeaders struct {
	values http.Header
	seen   http.Header
}

// restore adds the opaque values to dst for every key whose values in view
// are still the ones the filters were handed.
func (o *opaqueHeaders) restore(dst http.Header, view *filter.Headers) {
	if o == nil {
		return
	}
	for k, vs := range o.values {
		if !slices.Equal(view.Values(k), o.seen[k]) {
			continue
		}
		dst[k] = append(dst[k], vs...)
	}
}

// copyHeaders writes the regular entries of src into dst.
func copyHeaders(dst http.Header, src *filter.Headers) {
	for k, v := range src.All() {
		if strings.HasPrefix(k, ":") {
			continue
		}
		dst.Add(k, v)
	}
}

// toHTTPHeader converts h and the opaque values that survived. It returns
// nil when nothing is left.
func toHTTPHeader(h *filter.Headers, opaque *opaqueHeaders) http.Header {
	out := make(http.Header, h.Len())
	copyHeaders(out, h)
	opaque.restore(out, h)
	if len(out) == 0 {
		return nil
	}
	return out
}

// applyRequestHeaders writes the filter view back onto r, including
// changes to the pseudo-headers.
func applyRequestHeaders(r *http.Request, h *filter.Headers, opaque *opaqueHeaders) error {
	header := make(http.Header, h.Len())
	copyHeaders(header, h)
	opaque.restore(header, h)
	r.Header = header

	if m, ok := h.Get(headerMethod); ok && m != "" {
		r.Method = m
	}
	if p, ok := h.Get(headerPath); ok && p != r.URL.RequestURI() {
		u, err := url.ParseRequestURI(p)
		if err != nil {
			return errors.ErrBadRequest.WithDetailsf("invalid %s %q", headerPath, p)
		}
		r.URL.Path = u.Path
		r.URL.RawPath = u.RawPath
		r.URL.RawQuery = u.RawQuery
		r.RequestURI = p
	}
	if a, ok := h.Get(headerAuthority); ok && a != "" {
		r.Host = a
	}
	if s, ok := h.Get(headerScheme); ok && s != schemeOf(r) {
		r.URL.Scheme = s
	}
	return nil
}

// responseStatus reads :status, falling back when it is missing or invalid.
func responseStatus(h *filter.Headers, fallback int) int {
	v, ok := h.Get(headerStatus)
	if !ok {
		return fallback
	}
	code, err := strconv.Atoi(v)
	if err != nil || code < 100 || code > 599 {
		return fallback
	}
	return code
}

// bufferedResponseWriter captures the upstream response so that response
// filters can inspect and replace it.
type bufferedResponseWriter struct {
	header      http.Header
	sent        http.Header
	body        bytes.Buffer
	code        int
	wroteHeader bool
}

func newBufferedResponseWriter() *bufferedResponseWriter {
	return &bufferedResponseWriter{header: make(http.Header), code: http.StatusOK}
}

func (bw *bufferedResponseWriter) Header() http.Header {
	return bw.header
}

func (bw *bufferedResponseWriter) Write(b []byte) (int, error) {
	if !bw.wroteHeader {
		bw.WriteHeader(http.StatusOK)
	}
	return bw.body.Write(b)
}

func (bw *bufferedResponseWriter) WriteHeader(code int) {
	if bw.wroteHeader {
		return
	}
	bw.wroteHeader = true
	bw.code = code
	bw.sent = bw.header.Clone()
}

func (bw *bufferedResponseWriter) Flush() {}

// result splits the captured header into headers and trailers. Trailers are
// the keys announced in "Trailer" and keys set with http.TrailerPrefix.
func (bw *bufferedResponseWriter) result() (int, http.Header, http.Header) {
	if !bw.wroteHeader {
		bw.WriteHeader(http.StatusOK)
	}
	headers := bw.sent.Clone()
	trailers := make(http.Header)
	for _, line := range headers.Values("Trailer") {
		for _, name := range strings.Split(line, ",") {
			name = textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(name))
			if name == "" {
				continue
			}
			if v := bw.header.Values(name); len(v) > 0 {
				trailers[name] = v
			}
			headers.Del(name)
		}
	}
	headers.Del("Trailer")
	for k, v := range bw.header {
		if strings.HasPrefix(k, http.TrailerPrefix) {
			trailers[textproto.CanonicalMIMEHeaderKey(strings.TrimPrefix(k, http.TrailerPrefix))] = v
			headers.Del(k)
		}
	}
	return bw.code, headers, trailers
}
