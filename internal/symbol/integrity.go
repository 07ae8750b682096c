// integrity.go implements the per-symbol integrity monitor.
//
// The monitor observes each applied event (event time, best bid/ask) plus
// gap signals from the diff applier, classifies the replica OK / DEGRADED /
// CRITICAL, and recommends (never forces) an upstream reconnect after
// CRITICAL, subject to a cool-down.
package symbol

import (
	"fmt"
	"time"

	"perpfeed/pkg/types"
)

const (
	// Staleness EWMA weights: avg = 0.85·avg + 0.15·sample.
	ewmaDecay  = 0.85
	ewmaWeight = 0.15
)

// IntegrityThresholds tune the classification boundaries.
type IntegrityThresholds struct {
	StaleWarn         time.Duration // DEGRADED above this average staleness
	StaleCritical     time.Duration // CRITICAL above this average staleness
	MaxGaps           int           // CRITICAL at or above this many gaps
	ReconnectCooldown time.Duration // minimum spacing between reconnect advisories
}

// Monitor tracks replica health for one symbol. Owned by the symbol's actor.
type Monitor struct {
	thresholds IntegrityThresholds

	avgStalenessMs float64
	gapCount       int
	crossed        bool
	observed       bool

	lastAdvisory time.Time
}

// NewMonitor creates a monitor with the given thresholds.
func NewMonitor(thresholds IntegrityThresholds) *Monitor {
	return &Monitor{thresholds: thresholds}
}

// Observe folds one event observation into the staleness EWMA and the
// crossed-book flag.
func (m *Monitor) Observe(now, eventTime time.Time, crossed bool) {
	staleness := float64(now.Sub(eventTime).Milliseconds())
	if staleness < 0 {
		staleness = 0
	}
	if !m.observed {
		m.avgStalenessMs = staleness
		m.observed = true
	} else {
		m.avgStalenessMs = ewmaDecay*m.avgStalenessMs + ewmaWeight*staleness
	}
	m.crossed = crossed
}

// RecordGap counts one sequence gap. Gaps are counted here only on the diff
// applier's signal so the desync is not double-counted.
func (m *Monitor) RecordGap() {
	m.gapCount++
}

// ResetGaps clears the gap counter, called after a clean snapshot reseed.
func (m *Monitor) ResetGaps() {
	m.gapCount = 0
}

// Level classifies the current observations.
func (m *Monitor) Level() types.IntegrityLevel {
	switch {
	case m.crossed,
		m.gapCount >= m.thresholds.MaxGaps,
		m.observed && m.avgStalenessMs >= float64(m.thresholds.StaleCritical.Milliseconds()):
		return types.IntegrityCritical
	case m.observed && m.avgStalenessMs >= float64(m.thresholds.StaleWarn.Milliseconds()):
		return types.IntegrityDegraded
	default:
		return types.IntegrityOK
	}
}

// Report builds the integrity view attached to each metric snapshot.
func (m *Monitor) Report() types.IntegrityReport {
	level := m.Level()
	report := types.IntegrityReport{
		Level:          level,
		AvgStalenessMs: m.avgStalenessMs,
		GapCount:       m.gapCount,
		CrossedBook:    m.crossed,
	}
	switch {
	case m.crossed:
		report.Message = "book is crossed"
	case m.gapCount >= m.thresholds.MaxGaps:
		report.Message = fmt.Sprintf("%d sequence gaps", m.gapCount)
	case level == types.IntegrityCritical:
		report.Message = fmt.Sprintf("avg staleness %.0fms", m.avgStalenessMs)
	case level == types.IntegrityDegraded:
		report.Message = fmt.Sprintf("avg staleness %.0fms", m.avgStalenessMs)
	}
	return report
}

// AdviseReconnect reports whether a reconnect should be recommended now:
// the level is CRITICAL and the cool-down since the last advisory elapsed.
// A positive answer arms the cool-down.
func (m *Monitor) AdviseReconnect(now time.Time) bool {
	if m.Level() != types.IntegrityCritical {
		return false
	}
	if !m.lastAdvisory.IsZero() && now.Sub(m.lastAdvisory) < m.thresholds.ReconnectCooldown {
		return false
	}
	m.lastAdvisory = now
	return true
}
