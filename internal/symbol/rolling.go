package symbol

import "time"

// Window is a rolling event counter: it stores raw timestamps and prunes on
// read, so 10 s and 60 s counts come from the same record stream.
type Window struct {
	stamps []time.Time
	keep   time.Duration // retention horizon; at least the widest count window
}

// NewWindow creates a window retaining events for keep.
func NewWindow(keep time.Duration) *Window {
	return &Window{keep: keep, stamps: make([]time.Time, 0, 64)}
}

// Record appends one event at now and evicts entries past the horizon.
func (w *Window) Record(now time.Time) {
	w.stamps = append(w.stamps, now)
	w.prune(now)
}

// CountSince returns the number of events within d of now.
func (w *Window) CountSince(now time.Time, d time.Duration) int {
	w.prune(now)
	cutoff := now.Add(-d)
	count := 0
	for i := len(w.stamps) - 1; i >= 0; i-- {
		if w.stamps[i].Before(cutoff) {
			break
		}
		count++
	}
	return count
}

func (w *Window) prune(now time.Time) {
	cutoff := now.Add(-w.keep)
	idx := -1
	for i, ts := range w.stamps {
		if ts.After(cutoff) {
			idx = i
			break
		}
	}
	if idx == -1 {
		w.stamps = w.stamps[:0]
		return
	}
	if idx > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[idx:]...)
	}
}

type liveSample struct {
	at   time.Time
	live bool
}

// LiveSamples holds timestamped book-readiness booleans used to derive the
// 60 s live-uptime percentage.
type LiveSamples struct {
	samples []liveSample
	keep    time.Duration
}

// NewLiveSamples creates a sample buffer with the given retention.
func NewLiveSamples(keep time.Duration) *LiveSamples {
	return &LiveSamples{keep: keep}
}

// Record appends one readiness observation.
func (s *LiveSamples) Record(now time.Time, live bool) {
	s.samples = append(s.samples, liveSample{at: now, live: live})
	s.prune(now)
}

// UptimePct returns the mean of samples within d of now, as a percentage in
// [0,100]. No samples yields 0.
func (s *LiveSamples) UptimePct(now time.Time, d time.Duration) float64 {
	s.prune(now)
	cutoff := now.Add(-d)
	total, up := 0, 0
	for i := len(s.samples) - 1; i >= 0; i-- {
		if s.samples[i].at.Before(cutoff) {
			break
		}
		total++
		if s.samples[i].live {
			up++
		}
	}
	if total == 0 {
		return 0
	}
	return 100 * float64(up) / float64(total)
}

func (s *LiveSamples) prune(now time.Time) {
	cutoff := now.Add(-s.keep)
	idx := -1
	for i, sample := range s.samples {
		if sample.at.After(cutoff) {
			idx = i
			break
		}
	}
	if idx == -1 {
		s.samples = s.samples[:0]
		return
	}
	if idx > 0 {
		s.samples = append(s.samples[:0], s.samples[idx:]...)
	}
}
