package observability

import (
	"maps"
	"math"
	"slices"
	"sync"
	"time"
)

// Task lifecycle stages measured by the background manager.
const (
	StageQueueWait    = "queue_wait"
	StageSessionSetup = "session_setup"
	StageRunTotal     = "run_total"
	StageNotify       = "notify"
)

// stageTargets are the p95 budgets reported next to each stage. Runs are
// bounded by the agent, so run_total has none.
var stageTargets = map[string]float64{
	StageQueueWait:    50,
	StageSessionSetup: 2000,
	StageNotify:       1000,
}

// StageStats summarises one stage over the retained samples. All values are
// milliseconds rounded to two decimals.
type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

type StageSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
}

type stageWindow struct {
	mu    sync.RWMutex
	size  int
	rings map[string]*stageRing
}

// stageRing overwrites its oldest sample once size observations are held.
type stageRing struct {
	buf  []float64
	pos  int
	full bool
	last float64
}

func newStageWindow(size int) *stageWindow {
	if size <= 0 {
		size = 256
	}
	return &stageWindow{size: size, rings: make(map[string]*stageRing)}
}

func (r *stageRing) add(ms float64) {
	r.buf[r.pos] = ms
	r.last = ms
	r.pos = (r.pos + 1) % len(r.buf)
	if r.pos == 0 {
		r.full = true
	}
}

// sorted returns a sorted copy of the retained samples.
func (r *stageRing) sorted() []float64 {
	held := r.buf[:r.pos]
	if r.full {
		held = r.buf
	}
	out := slices.Clone(held)
	slices.Sort(out)
	return out
}

func (r *stageRing) stats(stage string) (StageStats, bool) {
	samples := r.sorted()
	if len(samples) == 0 {
		return StageStats{}, false
	}
	var sum float64
	for _, v := range samples {
		sum += v
	}
	return StageStats{
		Stage:       stage,
		Samples:     len(samples),
		LastMS:      round2(r.last),
		AvgMS:       round2(sum / float64(len(samples))),
		P50MS:       round2(quantile(samples, 0.50)),
		P95MS:       round2(quantile(samples, 0.95)),
		P99MS:       round2(quantile(samples, 0.99)),
		TargetP95MS: stageTargets[stage],
	}, true
}

// Observe drops empty stage names and negative or NaN durations.
func (w *stageWindow) Observe(stage string, ms float64) {
	if stage == "" || ms < 0 || math.IsNaN(ms) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	ring := w.rings[stage]
	if ring == nil {
		ring = &stageRing{buf: make([]float64, w.size)}
		w.rings[stage] = ring
	}
	ring.add(ms)
}

// Snapshot lists stages by name.
func (w *stageWindow) Snapshot() StageSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	snap := StageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]StageStats, 0, len(w.rings)),
	}
	for _, stage := range slices.Sorted(maps.Keys(w.rings)) {
		if st, ok := w.rings[stage].stats(stage); ok {
			snap.Stages = append(snap.Stages, st)
		}
	}
	return snap
}

// quantile interpolates linearly between the closest ranks of sorted.
func quantile(sorted []float64, q float64) float64 {
	switch {
	case len(sorted) == 0:
		return 0
	case q <= 0:
		return sorted[0]
	case q >= 1:
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo, frac := math.Modf(idx)
	i := int(lo)
	if frac == 0 {
		return sorted[i]
	}
	return sorted[i]*(1-frac) + sorted[i+1]*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
