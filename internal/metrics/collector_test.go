package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRegistry_ReusesSeries(t *testing.T) {
	r := NewRegistry("test")
	a := r.Counter("hits_total", "hits", `route="a"`)
	b := r.Counter("test_hits_total", "hits", `route="a"`)
	if a != b {
		t.Fatal("same name and labels should return the same counter")
	}
	if r.Counter("hits_total", "hits", `route="b"`) == a {
		t.Fatal("different labels should be a different series")
	}
}

func TestRegistry_WriteText(t *testing.T) {
	r := NewRegistry("test")
	r.Counter("hits_total", "Hits", `route="a"`).Add(3)
	r.Counter("hits_total", "Hits", `route="b"`).Inc()
	r.Gauge("depth", "Depth", "").Set(7)
	h := r.Histogram("latency_seconds", "Latency", "", []float64{1, 5})
	h.Observe(0.5)
	h.Observe(3)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	out := rec.Body.String()

	for _, want := range []string{
		`test_hits_total{route="a"} 3`,
		`test_hits_total{route="b"} 1`,
		"test_depth 7",
		`test_latency_seconds_bucket{le="1"} 1`,
		`test_latency_seconds_bucket{le="5"} 2`,
		`test_latency_seconds_bucket{le="+Inf"} 2`,
		"test_latency_seconds_count 2",
		"# TYPE test_hits_total counter",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q\n%s", want, out)
		}
	}
	if strings.Count(out, "# HELP test_hits_total") != 1 {
		t.Error("HELP line should be written once per metric name")
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestDropped_PerReason(t *testing.T) {
	before := Dropped("self").Value()
	Dropped("self").Inc()
	if Dropped("self").Value() != before+1 {
		t.Fatal("Dropped should return a stable counter per reason")
	}
}
