package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// HookStats summarises one backend hook of one service over the window.
type HookStats struct {
	Service    string  `json:"service"`
	Hook       string  `json:"hook"`
	Calls      int     `json:"calls"`
	Errors     int     `json:"errors"`
	OverBudget int     `json:"over_budget"`
	LastMS     float64 `json:"last_ms"`
	MeanMS     float64 `json:"mean_ms"`
	P50MS      float64 `json:"p50_ms"`
	P95MS      float64 `json:"p95_ms"`
	MaxMS      float64 `json:"max_ms"`
	BudgetMS   float64 `json:"budget_ms,omitempty"`
}

// StopCount is the number of sessions that ended with Code.
type StopCount struct {
	Code  string `json:"code"`
	Count int    `json:"count"`
}

type HookSnapshot struct {
	GeneratedAt time.Time   `json:"generated_at"`
	Window      string      `json:"window"`
	Hooks       []HookStats `json:"hooks"`
	Stops       []StopCount `json:"stops"`
}

type hookKey struct {
	service string
	hook    string
}

type hookSample struct {
	at     time.Time
	ms     float64
	failed bool
}

// hookStats keeps recent hook timings per service and hook. Samples older
// than window are pruned lazily, and each key holds at most limit samples.
type hookStats struct {
	mu      sync.Mutex
	window  time.Duration
	limit   int
	now     func() time.Time
	samples map[hookKey][]hookSample
	stops   map[string]int
}

func newHookStats(window time.Duration, limit int) *hookStats {
	if window <= 0 {
		window = 5 * time.Minute
	}
	if limit <= 0 {
		limit = 512
	}
	return &hookStats{
		window:  window,
		limit:   limit,
		now:     time.Now,
		samples: make(map[hookKey][]hookSample),
		stops:   make(map[string]int),
	}
}

func (h *hookStats) Observe(service, hook string, d time.Duration, err error) {
	hook = strings.TrimSpace(hook)
	if hook == "" || d < 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	k := hookKey{service: service, hook: hook}
	s := append(h.samples[k], hookSample{
		at:     now,
		ms:     float64(d.Microseconds()) / 1000,
		failed: err != nil,
	})
	if len(s) > h.limit {
		s = append(s[:0], s[len(s)-h.limit:]...)
	}
	h.samples[k] = h.prune(s, now)
}

func (h *hookStats) ObserveStop(code string) {
	code = strings.TrimSpace(code)
	if code == "" {
		return
	}
	h.mu.Lock()
	h.stops[code]++
	h.mu.Unlock()
}

// prune drops samples older than the window. s is in arrival order.
func (h *hookStats) prune(s []hookSample, now time.Time) []hookSample {
	cut := now.Add(-h.window)
	i := sort.Search(len(s), func(i int) bool { return !s[i].at.Before(cut) })
	return s[i:]
}

func (h *hookStats) Snapshot() HookSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	out := HookSnapshot{
		GeneratedAt: now.UTC(),
		Window:      h.window.String(),
		Hooks:       make([]HookStats, 0, len(h.samples)),
		Stops:       make([]StopCount, 0, len(h.stops)),
	}
	for k, s := range h.samples {
		s = h.prune(s, now)
		if len(s) == 0 {
			delete(h.samples, k)
			continue
		}
		h.samples[k] = s
		out.Hooks = append(out.Hooks, summarise(k, s))
	}
	sort.Slice(out.Hooks, func(i, j int) bool {
		if out.Hooks[i].Service != out.Hooks[j].Service {
			return out.Hooks[i].Service < out.Hooks[j].Service
		}
		return out.Hooks[i].Hook < out.Hooks[j].Hook
	})
	for code, n := range h.stops {
		out.Stops = append(out.Stops, StopCount{Code: code, Count: n})
	}
	sort.Slice(out.Stops, func(i, j int) bool {
		if out.Stops[i].Count != out.Stops[j].Count {
			return out.Stops[i].Count > out.Stops[j].Count
		}
		return out.Stops[i].Code < out.Stops[j].Code
	})
	return out
}

func (h *hookStats) Reset() {
	h.mu.Lock()
	h.samples = make(map[hookKey][]hookSample)
	h.stops = make(map[string]int)
	h.mu.Unlock()
}

func summarise(k hookKey, s []hookSample) HookStats {
	st := HookStats{
		Service:  k.service,
		Hook:     k.hook,
		Calls:    len(s),
		LastMS:   s[len(s)-1].ms,
		BudgetMS: hookBudgetMS(k.hook),
	}
	ms := make([]float64, len(s))
	var sum float64
	for i, x := range s {
		ms[i] = x.ms
		sum += x.ms
		if x.failed {
			st.Errors++
		}
		if st.BudgetMS > 0 && x.ms > st.BudgetMS {
			st.OverBudget++
		}
	}
	sort.Float64s(ms)
	st.MeanMS = round2(sum / float64(len(ms)))
	st.P50MS = nearestRank(ms, 0.50)
	st.P95MS = nearestRank(ms, 0.95)
	st.MaxMS = ms[len(ms)-1]
	return st
}

// nearestRank expects sorted input.
func nearestRank(sorted []float64, q float64) float64 {
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// hookBudgetMS is how long a hook may hold a session's mailbox before it
// counts as slow. Zero means no budget.
func hookBudgetMS(hook string) float64 {
	switch hook {
	case "start", "answer", "update":
		return 50
	case "stop":
		return 100
	default:
		return 0
	}
}
