// Package metrics implements the counters and gauges the address hub exposes
// at GET /metrics, in Prometheus text exposition format.
package metrics

import (
	"sort"
	"sync"
)

// Counter is a monotonically increasing integer metric.
type Counter struct {
	mu    sync.Mutex
	value int64
}

func (c *Counter) Inc() { c.Add(1) }
func (c *Counter) Add(delta int64) {
	c.mu.Lock()
	c.value += delta
	c.mu.Unlock()
}
func (c *Counter) Value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Gauge is a metric that can move up or down.
type Gauge struct {
	mu    sync.Mutex
	value int64
}

func (g *Gauge) Inc() { g.Add(1) }
func (g *Gauge) Dec() { g.Add(-1) }
func (g *Gauge) Add(delta int64) {
	g.mu.Lock()
	g.value += delta
	g.mu.Unlock()
}
func (g *Gauge) Set(v int64) {
	g.mu.Lock()
	g.value = v
	g.mu.Unlock()
}
func (g *Gauge) Value() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.value
}

// Registry holds every counter/gauge the process exposes, keyed by the name
// with its sorted labels baked into the key (e.g.
// "change_event_count|plugin=ethereum"). Labels are carried separately so the
// exporter can emit them as Prometheus label sets.
type Registry struct {
	mu       sync.RWMutex
	counters map[string]*labeledCounter
	gauges   map[string]*labeledGauge
}

type labeledCounter struct {
	c      *Counter
	labels map[string]string
}

type labeledGauge struct {
	g      *Gauge
	labels map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[string]*labeledCounter),
		gauges:   make(map[string]*labeledGauge),
	}
}

// Counter returns (creating if necessary) a named counter with the given
// label set. The same name+labels combination always returns the same
// *Counter instance.
func (r *Registry) Counter(name string, labels map[string]string) *Counter {
	key := metricKey(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	lc, ok := r.counters[key]
	if !ok {
		lc = &labeledCounter{c: &Counter{}, labels: labels}
		r.counters[key] = lc
	}
	return lc.c
}

// Gauge returns (creating if necessary) a named gauge with the given label set.
func (r *Registry) Gauge(name string, labels map[string]string) *Gauge {
	key := metricKey(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	lg, ok := r.gauges[key]
	if !ok {
		lg = &labeledGauge{g: &Gauge{}, labels: labels}
		r.gauges[key] = lg
	}
	return lg.g
}

func metricKey(name string, labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	key := name
	for _, k := range keys {
		key += "|" + k + "=" + labels[k]
	}
	return key
}
