package repository

import (
	"time"

	"github.com/crowdsense/crowdsense-backend/internal/pkg/metrics"
)

// instrumentQuery wraps a database query with timing metrics. The query
// closure carries its own context; cancellation surfaces as fn's error.
func instrumentQuery(operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	duration := time.Since(start).Seconds()

	metrics.DBQueryDurationSeconds.WithLabelValues(operation).Observe(duration)
	return err
}
