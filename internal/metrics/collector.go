// Package metrics is a small Prometheus text-format collector. It covers
// the counters, gauges and histograms relaybot exports without pulling in
// the full client library.
package metrics

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Default is the process-wide registry used by the predefined metrics.
var Default = NewRegistry("relaybot")

// Registry owns a namespace of metrics.
type Registry struct {
	namespace string
	started   time.Time

	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
}

func NewRegistry(namespace string) *Registry {
	return &Registry{
		namespace:  namespace,
		started:    time.Now(),
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
	}
}

type Counter struct {
	name, help, labels string
	value              atomic.Int64
}

func (c *Counter) Inc() { c.value.Add(1) }
func (c *Counter) Add(n int64) { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

type Gauge struct {
	name, help, labels string
	value              atomic.Int64
}

func (g *Gauge) Set(v int64) { g.value.Store(v) }
func (g *Gauge) Inc() { g.value.Add(1) }
func (g *Gauge) Dec() { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

type Histogram struct {
	name, help, labels string

	mu      sync.Mutex
	count   int64
	sum     float64
	bounds  []float64
	buckets []int64
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, le := range h.bounds {
		if v <= le {
			h.buckets[i]++
		}
	}
}

// ObserveSince records the seconds elapsed since start.
func (h *Histogram) ObserveSince(start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func key(name, labels string) string { return name + "{" + labels + "}" }

// Counter returns the counter for name and labels, creating it on first use.
// labels is a preformatted Prometheus label list such as `reason="self"`.
func (r *Registry) Counter(name, help, labels string) *Counter {
	name = r.qualify(name)
	k := key(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[k]; ok {
		return c
	}
	c := &Counter{name: name, help: help, labels: labels}
	r.counters[k] = c
	return c
}

func (r *Registry) Gauge(name, help, labels string) *Gauge {
	name = r.qualify(name)
	k := key(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[k]; ok {
		return g
	}
	g := &Gauge{name: name, help: help, labels: labels}
	r.gauges[k] = g
	return g
}

func (r *Registry) Histogram(name, help, labels string, bounds []float64) *Histogram {
	name = r.qualify(name)
	k := key(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histograms[k]; ok {
		return h
	}
	b := append([]float64(nil), bounds...)
	sort.Float64s(b)
	if len(b) == 0 || !math.IsInf(b[len(b)-1], 1) {
		b = append(b, math.Inf(1))
	}
	h := &Histogram{name: name, help: help, labels: labels, bounds: b, buckets: make([]int64, len(b))}
	r.histograms[k] = h
	return h
}

func (r *Registry) qualify(name string) string {
	if r.namespace == "" || strings.HasPrefix(name, r.namespace+"_") {
		return name
	}
	return r.namespace + "_" + name
}

// Handler serves the registry in Prometheus text exposition format.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		r.WriteText(w)
	})
}

// WriteText renders every metric, sorted by name then labels.
func (r *Registry) WriteText(w io.Writer) {
	var sb strings.Builder
	uptime := r.qualify("uptime_seconds")
	fmt.Fprintf(&sb, "# HELP %s Seconds since process start\n# TYPE %s gauge\n%s %d\n", uptime, uptime, uptime, int64(time.Since(r.started).Seconds()))

	r.mu.RLock()
	counterKeys := sortedKeys(r.counters)
	gaugeKeys := sortedKeys(r.gauges)
	histKeys := sortedKeys(r.histograms)

	seen := make(map[string]bool)
	for _, k := range counterKeys {
		c := r.counters[k]
		writeHeader(&sb, seen, c.name, c.help, "counter")
		fmt.Fprintf(&sb, "%s %d\n", series(c.name, c.labels, ""), c.Value())
	}
	for _, k := range gaugeKeys {
		g := r.gauges[k]
		writeHeader(&sb, seen, g.name, g.help, "gauge")
		fmt.Fprintf(&sb, "%s %d\n", series(g.name, g.labels, ""), g.Value())
	}
	for _, k := range histKeys {
		h := r.histograms[k]
		writeHeader(&sb, seen, h.name, h.help, "histogram")
		h.mu.Lock()
		for i, le := range h.bounds {
			leStr := fmt.Sprintf("%g", le)
			if math.IsInf(le, 1) {
				leStr = "+Inf"
			}
			fmt.Fprintf(&sb, "%s %d\n", series(h.name+"_bucket", h.labels, `le="`+leStr+`"`), h.buckets[i])
		}
		fmt.Fprintf(&sb, "%s %d\n", series(h.name+"_count", h.labels, ""), h.count)
		fmt.Fprintf(&sb, "%s %f\n", series(h.name+"_sum", h.labels, ""), h.sum)
		h.mu.Unlock()
	}
	r.mu.RUnlock()

	_, _ = io.WriteString(w, sb.String())
}

func writeHeader(sb *strings.Builder, seen map[string]bool, name, help, typ string) {
	if seen[name] {
		return
	}
	seen[name] = true
	fmt.Fprintf(sb, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, typ)
}

func series(name, labels, extra string) string {
	switch {
	case labels != "" && extra != "":
		return name + "{" + labels + "," + extra + "}"
	case labels != "":
		return name + "{" + labels + "}"
	case extra != "":
		return name + "{" + extra + "}"
	}
	return name
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// --- Predefined metrics ---

var latencyBuckets = []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60}

var (
	MessagesReceived = Default.Counter("messages_received_total", "Raw driver callbacks received", "")
	MessagesQueued   = Default.Counter("messages_queued_total", "Messages accepted for processing", "")
	MessagesHandled  = Default.Counter("messages_processed_total", "Messages fully processed", "")
	FillerReplies    = Default.Counter("filler_replies_total", "Filler replies sent for long group messages", "")
	TaskPanics       = Default.Counter("dispatch_panics_total", "Processing tasks recovered from a panic", "")
	QueueDepth       = Default.Gauge("dispatch_queue_depth", "Messages waiting or in flight", "")

	ForwardTotal    = Default.Counter("upstream_forward_total", "Upstream forward attempts", "")
	ForwardFailures = Default.Counter("upstream_forward_failures_total", "Upstream forward failures", "")
	ShortCircuits   = Default.Counter("upstream_short_circuits_total", "Forwards rejected by the open breaker", "")
	ForwardLatency  = Default.Histogram("upstream_latency_seconds", "Upstream forward latency", "", latencyBuckets)

	ListenerResets = Default.Counter("listener_resets_total", "Listener reset attempts", "")
	ResetFailures  = Default.Counter("listener_reset_failures_total", "Listener resets that did not recover", "")
	DriverTimeouts = Default.Counter("driver_timeouts_total", "Driver calls that exceeded the call timeout", "")
	GroupLogWrites = Default.Counter("grouplog_writes_total", "Passive group messages recorded", "")
	AlertsSent     = Default.Counter("alerts_sent_total", "Operator alerts delivered", "")
)

// Dropped returns the drop counter for reason.
func Dropped(reason string) *Counter {
	return Default.Counter("messages_dropped_total", "Messages dropped before processing", `reason="`+reason+`"`)
}
