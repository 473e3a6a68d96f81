package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Counter keys with fixed names.
const (
	CounterPriceUpdates   = "priceUpdates"
	CounterCacheHits      = "cacheHits"
	CounterCacheMisses    = "cacheMisses"
	CounterAPIRequests    = "apiRequests"
	CounterWSConnections  = "wsConnections"
	CounterEventsReceived = "eventsReceived"
	CounterEmitDrops      = "emitDrops"
	CounterBroadcastDrops = "broadcastDrops"
)

const errorRingCap = 100

// ErrorEntry is one recorded handler error.
type ErrorEntry struct {
	Time    time.Time `json:"time"`
	Source  string    `json:"source"`
	Message string    `json:"message"`
}

// Stats is a counter snapshot with uptime.
type Stats struct {
	Counters      map[string]uint64 `json:"counters"`
	UptimeSeconds float64           `json:"uptimeSeconds"`
	RecentErrors  []ErrorEntry      `json:"recentErrors"`
}

// Registry tracks service counters and a bounded recent-error ring. Counters
// are mirrored into a Prometheus registry for scraping.
type Registry struct {
	mu        sync.RWMutex
	counters  map[string]uint64
	errors    []ErrorEntry
	startedAt time.Time

	promRegistry *prometheus.Registry
	promCounters map[string]prometheus.Counter
}

// NewRegistry builds a registry with all fixed counters preregistered.
func NewRegistry() *Registry {
	r := &Registry{
		counters:     make(map[string]uint64),
		startedAt:    time.Now(),
		promRegistry: prometheus.NewRegistry(),
		promCounters: make(map[string]prometheus.Counter),
	}

	for _, key := range []string{
		CounterPriceUpdates, CounterCacheHits, CounterCacheMisses,
		CounterAPIRequests, CounterWSConnections, CounterEventsReceived,
		CounterEmitDrops, CounterBroadcastDrops,
	} {
		r.counters[key] = 0
		counter := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pricestream",
			Name:      toSnake(key),
			Help:      "pricestream counter " + key,
		})
		r.promRegistry.MustRegister(counter)
		r.promCounters[key] = counter
	}

	return r
}

// Inc increments a counter by one.
func (r *Registry) Inc(key string) {
	r.Add(key, 1)
}

// Add increments a counter by n.
func (r *Registry) Add(key string, n uint64) {
	r.mu.Lock()
	r.counters[key] += n
	r.mu.Unlock()

	if c, ok := r.promCounters[key]; ok {
		c.Add(float64(n))
	}
}

// Get returns a counter value.
func (r *Registry) Get(key string) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counters[key]
}

// RecordError appends to the recent-error ring, evicting the oldest entry
// past the cap.
func (r *Registry) RecordError(source, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, ErrorEntry{Time: time.Now(), Source: source, Message: message})
	if len(r.errors) > errorRingCap {
		r.errors = r.errors[len(r.errors)-errorRingCap:]
	}
}

// RecentErrors returns a copy of the error ring, newest last.
func (r *Registry) RecentErrors() []ErrorEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ErrorEntry, len(r.errors))
	copy(out, r.errors)
	return out
}

// Snapshot returns counters, uptime, and the error ring.
func (r *Registry) Snapshot() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counters := make(map[string]uint64, len(r.counters))
	for k, v := range r.counters {
		counters[k] = v
	}
	errs := make([]ErrorEntry, len(r.errors))
	copy(errs, r.errors)

	return Stats{
		Counters:      counters,
		UptimeSeconds: time.Since(r.startedAt).Seconds(),
		RecentErrors:  errs,
	}
}

// Uptime returns time since construction.
func (r *Registry) Uptime() time.Duration {
	return time.Since(r.startedAt)
}

// Prometheus exposes the mirror registry for the /metrics handler.
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.promRegistry
}

func toSnake(key string) string {
	out := make([]rune, 0, len(key)+4)
	for _, c := range key {
		if c >= 'A' && c <= 'Z' {
			out = append(out, '_', c+('a'-'A'))
			continue
		}
		out = append(out, c)
	}
	return string(out)
}
