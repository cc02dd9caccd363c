package stream

import (
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wudi/filterhost/internal/errors"
)

// LogReporter logs filter defects through zap. Log lines are rate limited;
// suppressed reports are counted and attached to the next line that gets out.
type LogReporter struct {
	logger     *zap.Logger
	limiter    *rate.Limiter
	suppressed atomic.Int64
	onReport   func(filterName string, kind errors.Kind)
}

// NewLogReporter creates a reporter allowing perSecond log lines with the
// given burst. perSecond <= 0 disables the limit. onReport, if set, sees
// every report including suppressed ones.
func NewLogReporter(logger *zap.Logger, perSecond float64, burst int, onReport func(filterName string, kind errors.Kind)) *LogReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &LogReporter{
		logger:   logger,
		limiter:  rate.NewLimiter(limit, burst),
		onReport: onReport,
	}
}

func (r *LogReporter) Report(streamID uint64, filterName string, err error) {
	kind := errors.KindOf(err)
	if r.onReport != nil {
		r.onReport(filterName, kind)
	}
	if !r.limiter.Allow() {
		r.suppressed.Add(1)
		return
	}

	fields := []zap.Field{
		zap.Uint64("stream_id", streamID),
		zap.String("filter", filterName),
		zap.Stringer("kind", kind),
		zap.Error(err),
	}
	if n := r.suppressed.Swap(0); n > 0 {
		fields = append(fields, zap.Int64("suppressed", n))
	}
	r.logger.Warn("filter defect", fields...)
}

// Suppressed returns the number of reports dropped since the last logged one.
func (r *LogReporter) Suppressed() int64 {
	return r.suppressed.Load()
}
