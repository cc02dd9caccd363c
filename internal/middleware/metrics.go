package middleware

import (
	"net/http"
	"time"
)

// Metrics reports the method, final status and latency of every request.
func Metrics(record func(method string, code int, elapsed time.Duration)) Middleware {
	if record == nil {
		return nil
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			lrw := loggingRWPool.Get().(*loggingResponseWriter)
			lrw.ResponseWriter = w
			lrw.status = http.StatusOK
			lrw.bytes = 0

			next.ServeHTTP(lrw, r)
			record(r.Method, lrw.status, time.Since(start))

			lrw.ResponseWriter = nil
			loggingRWPool.Put(lrw)
		})
	}
}
