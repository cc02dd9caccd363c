package tracing

import (
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"github.com/wudi/filterhost/internal/middleware"
)

// SpanMiddleware wraps mw with an internal span called name. A disabled
// tracer returns mw unchanged.
func SpanMiddleware(tracer *Tracer, name string, mw middleware.Middleware) middleware.Middleware {
	if !tracer.Enabled() || mw == nil {
		return mw
	}
	return func(next http.Handler) http.Handler {
		inner := mw(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tracer.tracer.Start(r.Context(), name,
				trace.WithSpanKind(trace.SpanKindInternal),
			)
			defer span.End()
			inner.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
