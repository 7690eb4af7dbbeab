package restored

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RestoreMetrics accumulates phase-duration timings for a single restore
// run's single-line operator diagnostic (spec §7), adapted from the
// teacher's perf.PipelineMetrics — same accumulate-then-summarize shape,
// renamed to this core's phases. It lives in the root package, rather than
// orchestrator, so the transition and restoresession packages can record
// their own per-step/per-message timings via MetricsFromContext without an
// import cycle back through orchestrator.
type RestoreMetrics struct {
	mu sync.Mutex

	ProbeDuration        time.Duration
	ManifestDuration     time.Duration
	SignDuration         time.Duration
	BootChainDuration    time.Duration
	AwaitRestoreDuration time.Duration
	SessionDuration      time.Duration
	TotalDuration        time.Duration

	BootChainStepCount  int
	SessionMessageCount int
}

// NewRestoreMetrics creates an empty RestoreMetrics.
func NewRestoreMetrics() *RestoreMetrics {
	return &RestoreMetrics{}
}

// RecordBootChainStep accumulates one boot-chain component upload's
// duration, called by transition.uploadStep for each component sent.
func (m *RestoreMetrics) RecordBootChainStep(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BootChainDuration += d
	m.BootChainStepCount++
}

// RecordSessionMessage accumulates one restore-session message's
// round-trip duration, called by restoresession.Run for each dispatched
// message.
func (m *RestoreMetrics) RecordSessionMessage(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SessionDuration += d
	m.SessionMessageCount++
}

// Summary returns the single-line-friendly formatted report.
func (m *RestoreMetrics) Summary() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf(
		"restore metrics: total=%v probe=%v manifest=%v sign=%v boot_chain=%v (%d steps) await_restore=%v session=%v (%d messages)",
		m.TotalDuration, m.ProbeDuration, m.ManifestDuration, m.SignDuration,
		m.BootChainDuration, m.BootChainStepCount, m.AwaitRestoreDuration,
		m.SessionDuration, m.SessionMessageCount,
	)
}

type metricsContextKey struct{}

// WithMetrics attaches m to ctx.
func WithMetrics(ctx context.Context, m *RestoreMetrics) context.Context {
	return context.WithValue(ctx, metricsContextKey{}, m)
}

// MetricsFromContext retrieves the RestoreMetrics attached by WithMetrics,
// if any. Callers must nil-check: metrics are only attached by
// orchestrator.Run, not by package-level tests exercising transition or
// restoresession in isolation.
func MetricsFromContext(ctx context.Context) *RestoreMetrics {
	m, _ := ctx.Value(metricsContextKey{}).(*RestoreMetrics)
	return m
}
