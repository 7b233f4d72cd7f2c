package metrics

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mjl-/archiver/mlog"
)

var (
	metricRelay = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "archiver_relay_duration_seconds",
			Help:    "Delivery attempts to the next hop, by stage and result.",
			Buckets: []float64{0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20, 30},
		},
		[]string{
			"stage",
			"result",
		},
	)
)

// RelayObserve tracks the result of a delivery to the next hop in a metric, and
// logs the result. Result is the classification of a delivery error by the
// caller, e.g. "refused", and is used when err is not a timeout or
// cancelation.
func RelayObserve(ctx context.Context, log mlog.Log, stage string, result string, err error, start time.Time) {
	switch {
	case err == nil:
		result = "ok"
	case errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		result = "timeout"
	case errors.Is(err, context.Canceled):
		result = "canceled"
	case result == "":
		result = "error"
	}
	metricRelay.WithLabelValues(stage, result).Observe(float64(time.Since(start)) / float64(time.Second))
	log.WithContext(ctx).Debugx("relay result", err,
		slog.String("stage", stage),
		slog.String("result", result),
		slog.Duration("duration", time.Since(start)))
}
