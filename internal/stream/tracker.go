// Package stream runs one model against one prompt: it drives a provider adapter, derives live
// latency and throughput metrics from the chunks it receives, publishes transient streaming
// state, and finalizes into a result in the session repository.
package stream

import (
	"time"

	"github.com/nadmax/nexarena/internal/domain"
	"github.com/nadmax/nexarena/internal/provider"
)

// minRateWindow is the shortest span since the first chunk over which a rate is reported.
const minRateWindow = time.Millisecond

// Tracker derives timing and throughput metrics for a single stream.
type Tracker struct {
	start  time.Time
	first  time.Time
	seen   bool
	chunks int
	units  int
	usage  int
	rate   float64
	final  *domain.Metrics
}

func NewTracker(start time.Time) *Tracker {
	return &Tracker{start: start}
}

// Observe records one received chunk. Text and reasoning deltas both mark the first token;
// only text counts as output units. A backend usage figure raises the unit count but never
// lowers it. Chunks observed after Finalize are ignored.
func (t *Tracker) Observe(c provider.Chunk, at time.Time) {
	if t.final != nil {
		return
	}

	t.usage = max(t.usage, c.UsageUnits)
	if c.TextDelta == "" && c.ReasoningDelta == "" && c.Units == 0 {
		return
	}

	units := c.Units
	if units == 0 {
		units = provider.EstimateUnits(c.TextDelta)
	}

	if !t.seen {
		t.seen = true
		t.first = at
	}
	t.chunks++
	t.units += units
	t.rate = t.rateAt(at)
}

func (t *Tracker) outputUnits() int {
	return max(t.units, t.usage)
}

// rateAt is zero until two chunks have arrived at least minRateWindow apart from the first.
func (t *Tracker) rateAt(at time.Time) float64 {
	elapsed := at.Sub(t.first)
	if t.chunks < 2 || elapsed < minRateWindow {
		return 0
	}

	return float64(t.outputUnits()) / elapsed.Seconds()
}

// Snapshot returns the live metrics as of the last observed chunk.
func (t *Tracker) Snapshot() domain.Metrics {
	if t.final != nil {
		return *t.final
	}

	m := domain.Metrics{
		OutputRate:  t.rate,
		OutputUnits: t.outputUnits(),
	}
	if t.seen {
		m.TTFTMs = t.first.Sub(t.start).Milliseconds()
	}

	return m
}

// Finalize freezes the metrics at the given end time. Later calls return the frozen value.
func (t *Tracker) Finalize(at time.Time) domain.Metrics {
	if t.final != nil {
		return *t.final
	}

	m := t.Snapshot()
	m.TotalDurationMs = max(at.Sub(t.start).Milliseconds(), 0)
	if t.seen {
		m.TTFTMs = max(m.TTFTMs, 0)
		m.OutputRate = t.rateAt(at)
		m.TotalDurationMs = max(m.TotalDurationMs, m.TTFTMs)
	}

	t.final = &m
	return m
}
