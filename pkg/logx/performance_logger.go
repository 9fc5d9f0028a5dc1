package logx

import (
	"context"
	"sync"
	"time"
)

// DefaultSlowThreshold is the duration above which an operation is logged as slow
const DefaultSlowThreshold = 100 * time.Millisecond

// PerformanceLogger tracks how long persistence operations take
type PerformanceLogger struct {
	logger        *Logger
	slowThreshold time.Duration

	mu      sync.Mutex
	metrics map[string]*PerformanceMetric
}

// PerformanceMetric aggregates timings for one named operation
type PerformanceMetric struct {
	Name        string        `json:"name"`
	Count       int64         `json:"count"`
	Errors      int64         `json:"errors"`
	Total       time.Duration `json:"total"`
	Max         time.Duration `json:"max"`
	LastRun     time.Time     `json:"last_run"`
	LastFailure string        `json:"last_failure,omitempty"`
}

// Average returns the mean duration of the operation
func (m PerformanceMetric) Average() time.Duration {
	if m.Count == 0 {
		return 0
	}
	return m.Total / time.Duration(m.Count)
}

// PerformanceContext is a single in-flight operation
type PerformanceContext struct {
	ctx   context.Context
	name  string
	start time.Time
	pl    *PerformanceLogger
}

// NewPerformanceLogger creates a tracker logging through logger
func NewPerformanceLogger(logger *Logger) *PerformanceLogger {
	return &PerformanceLogger{
		logger:        logger,
		slowThreshold: DefaultSlowThreshold,
		metrics:       make(map[string]*PerformanceMetric),
	}
}

// SetSlowThreshold overrides DefaultSlowThreshold
func (pl *PerformanceLogger) SetSlowThreshold(d time.Duration) {
	pl.mu.Lock()
	pl.slowThreshold = d
	pl.mu.Unlock()
}

// StartOperation begins timing the named operation
func (pl *PerformanceLogger) StartOperation(ctx context.Context, name string) *PerformanceContext {
	return &PerformanceContext{ctx: ctx, name: name, start: time.Now(), pl: pl}
}

// Complete records the outcome of the operation
func (pc *PerformanceContext) Complete(err error) time.Duration {
	if pc == nil || pc.pl == nil {
		return 0
	}
	elapsed := time.Since(pc.start)
	pl := pc.pl

	pl.mu.Lock()
	m, ok := pl.metrics[pc.name]
	if !ok {
		m = &PerformanceMetric{Name: pc.name}
		pl.metrics[pc.name] = m
	}
	m.Count++
	m.Total += elapsed
	m.LastRun = time.Now()
	if elapsed > m.Max {
		m.Max = elapsed
	}
	if err != nil {
		m.Errors++
		m.LastFailure = err.Error()
	}
	threshold := pl.slowThreshold
	pl.mu.Unlock()

	if pl.logger == nil {
		return elapsed
	}
	switch {
	case err != nil:
		pl.logger.Error("operation failed", "operation", pc.name, "duration", elapsed.String(), "error", err)
	case elapsed > threshold:
		pl.logger.Warn("slow operation", "operation", pc.name, "duration", elapsed.String(), "threshold", threshold.String())
	default:
		pl.logger.Trace("operation completed", "operation", pc.name, "duration", elapsed.String())
	}
	return elapsed
}

// LogDatabasePerformance records a database operation that was timed elsewhere
func (pl *PerformanceLogger) LogDatabasePerformance(operation string, duration time.Duration, rowsAffected int, err error) {
	fields := map[string]interface{}{
		"operation":     operation,
		"duration":      duration.String(),
		"rows_affected": rowsAffected,
	}
	if err != nil {
		fields["error"] = err.Error()
		pl.logger.Error("database operation failed", fields)
		return
	}
	pl.logger.Debug("database operation completed", fields)
}

// Snapshot returns a copy of every metric
func (pl *PerformanceLogger) Snapshot() map[string]PerformanceMetric {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	out := make(map[string]PerformanceMetric, len(pl.metrics))
	for name, m := range pl.metrics {
		out[name] = *m
	}
	return out
}
