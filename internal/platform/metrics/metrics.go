// Package metrics exposes claim-processing counters and HTTP metrics in
// Prometheus text exposition format using only standard library constructs.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

var defaultDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// histogram is a Prometheus-style histogram with cumulative buckets.
type histogram struct {
	mu         sync.Mutex
	boundaries []float64
	counts     []int64
	count      int64
	sum        float64
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries: boundaries,
		counts:     make([]int64, len(boundaries)+1),
	}
}

func (h *histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, b := range h.boundaries {
		if v <= b {
			h.counts[i]++
			return
		}
	}
	h.counts[len(h.boundaries)]++
}

func (h *histogram) snapshot() (buckets []int64, count int64, sum float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cumulative := make([]int64, len(h.counts))
	var running int64
	for i, c := range h.counts {
		running += c
		cumulative[i] = running
	}
	return cumulative, h.count, h.sum
}

// Provider holds the process-wide metric state.
type Provider struct {
	mu       sync.Mutex
	counters map[string]int64
	gauges   map[string]int64

	duration *histogram
}

func NewProvider() *Provider {
	return &Provider{
		counters: make(map[string]int64),
		gauges:   make(map[string]int64),
		duration: newHistogram(defaultDurationBuckets),
	}
}

func (p *Provider) inc(key string) {
	p.mu.Lock()
	p.counters[key]++
	p.mu.Unlock()
}

func (p *Provider) setGauge(key string, v int64) {
	p.mu.Lock()
	p.gauges[key] = v
	p.mu.Unlock()
}

func (p *Provider) addGauge(key string, delta int64) {
	p.mu.Lock()
	p.gauges[key] += delta
	p.mu.Unlock()
}

// Counter returns the current value of a counter key. Test helper.
func (p *Provider) Counter(key string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counters[key]
}

// Gauge returns the current value of a gauge key. Test helper.
func (p *Provider) Gauge(key string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gauges[key]
}

// -- Domain counters --

// ClaimSubmitted counts one accepted intake.
func (p *Provider) ClaimSubmitted() {
	p.inc("claims_submitted_total")
}

// StageCompleted counts one completed pipeline stage.
func (p *Provider) StageCompleted(stage string) {
	p.inc("stage_completed_total|" + stage)
}

// StageFailed counts one terminally failed stage with its error code.
func (p *Provider) StageFailed(stage, code string) {
	p.inc("stage_failed_total|" + stage + "|" + code)
}

// AttemptMade counts one downstream call attempt, successful or not.
func (p *Provider) AttemptMade(service string, failed bool) {
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	p.inc("downstream_attempts_total|" + service + "|" + outcome)
}

// RetryAccepted counts one accepted manual retry.
func (p *Provider) RetryAccepted() {
	p.inc("claim_retries_total")
}

// BreakerTransition records a circuit breaker state change. The gauge holds
// the current state (0 closed, 1 open, 2 half-open) per service.
func (p *Provider) BreakerTransition(service string, to int64) {
	p.inc("breaker_transitions_total|" + service)
	p.setGauge("breaker_state|"+service, to)
}

// -- HTTP middleware --

// Middleware records request durations and the active-request gauge.
func (p *Provider) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p.addGauge("http_active_requests", 1)
			start := time.Now()

			err := next(c)

			p.addGauge("http_active_requests", -1)
			p.duration.Observe(time.Since(start).Seconds())

			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			p.inc(fmt.Sprintf("http_requests_total|%s|%s|%d", c.Request().Method, route, c.Response().Status))
			return err
		}
	}
}

// -- Exposition --

// Handler serves the Prometheus text format.
func (p *Provider) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder

		p.mu.Lock()
		counters := make(map[string]int64, len(p.counters))
		for k, v := range p.counters {
			counters[k] = v
		}
		gauges := make(map[string]int64, len(p.gauges))
		for k, v := range p.gauges {
			gauges[k] = v
		}
		p.mu.Unlock()

		writeCounter(&b, counters, "claims_submitted_total", "Total claims accepted at intake.", nil)
		writeCounter(&b, counters, "claim_retries_total", "Total accepted manual retries.", nil)
		writeCounter(&b, counters, "stage_completed_total", "Completed pipeline stages.", []string{"stage"})
		writeCounter(&b, counters, "stage_failed_total", "Failed pipeline stages by error code.", []string{"stage", "code"})
		writeCounter(&b, counters, "downstream_attempts_total", "Downstream call attempts by outcome.", []string{"service", "outcome"})
		writeCounter(&b, counters, "breaker_transitions_total", "Circuit breaker state transitions.", []string{"service"})
		writeCounter(&b, counters, "http_requests_total", "HTTP requests by method, route and status.", []string{"method", "route", "status"})

		writeGauge(&b, gauges, "http_active_requests", "Number of in-flight HTTP requests.", nil)
		writeGauge(&b, gauges, "breaker_state", "Circuit breaker state (0 closed, 1 open, 2 half-open).", []string{"service"})

		buckets, count, sum := p.duration.snapshot()
		b.WriteString("# HELP http_request_duration_seconds Duration of HTTP requests in seconds.\n")
		b.WriteString("# TYPE http_request_duration_seconds histogram\n")
		for i, bound := range defaultDurationBuckets {
			fmt.Fprintf(&b, "http_request_duration_seconds_bucket{le=\"%g\"} %d\n", bound, buckets[i])
		}
		fmt.Fprintf(&b, "http_request_duration_seconds_bucket{le=\"+Inf\"} %d\n", buckets[len(buckets)-1])
		fmt.Fprintf(&b, "http_request_duration_seconds_sum %g\n", sum)
		fmt.Fprintf(&b, "http_request_duration_seconds_count %d\n", count)

		return c.String(http.StatusOK, b.String())
	}
}

// writeCounter emits one metric family. Keys are "name|label1|label2...".
func writeCounter(b *strings.Builder, values map[string]int64, name, help string, labels []string) {
	writeFamily(b, values, name, help, "counter", labels)
}

func writeGauge(b *strings.Builder, values map[string]int64, name, help string, labels []string) {
	writeFamily(b, values, name, help, "gauge", labels)
}

func writeFamily(b *strings.Builder, values map[string]int64, name, help, typ string, labels []string) {
	keys := make([]string, 0)
	for k := range values {
		if k == name || strings.HasPrefix(k, name+"|") {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return
	}
	sort.Strings(keys)

	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
	for _, k := range keys {
		parts := strings.Split(k, "|")
		if len(parts) == 1 {
			fmt.Fprintf(b, "%s %d\n", name, values[k])
			continue
		}
		pairs := make([]string, 0, len(labels))
		for i, lv := range parts[1:] {
			if i < len(labels) {
				pairs = append(pairs, fmt.Sprintf("%s=%q", labels[i], lv))
			}
		}
		fmt.Fprintf(b, "%s{%s} %d\n", name, strings.Join(pairs, ","), values[k])
	}
	b.WriteByte('\n')
}
