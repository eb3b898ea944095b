package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// OutcomeOK labels a store operation or job that finished without error.
const OutcomeOK = "OK"

type operationKey struct {
	backend   string
	operation string
	code      string
}

type latencyKey struct {
	backend   string
	operation string
}

type jobKey struct {
	formation string
	outcome   string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type collector struct {
	mu         sync.Mutex
	operations map[operationKey]uint64
	failures   map[latencyKey]uint64
	latency    map[latencyKey]*histogram
	jobs       map[jobKey]uint64
}

func newCollector() *collector {
	return &collector{
		operations: make(map[operationKey]uint64),
		failures:   make(map[latencyKey]uint64),
		latency:    make(map[latencyKey]*histogram),
		jobs:       make(map[jobKey]uint64),
	}
}

var defaultCollector = newCollector()

// ObserveStoreOperation records one task store call. code is OutcomeOK on
// success, otherwise the error code returned by the store.
func ObserveStoreOperation(backend, operation, code string, duration time.Duration) {
	defaultCollector.observeOperation(backend, operation, code, duration)
}

// ObserveJob records the outcome of one processed dispatch job.
func ObserveJob(formation, outcome string) {
	defaultCollector.observeJob(formation, outcome)
}

func (c *collector) observeOperation(backend, operation, code string, duration time.Duration) {
	if code == "" {
		code = OutcomeOK
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.operations[operationKey{backend: backend, operation: operation, code: code}]++
	latKey := latencyKey{backend: backend, operation: operation}
	if code != OutcomeOK {
		c.failures[latKey]++
	}
	hist := c.latency[latKey]
	if hist == nil {
		hist = newHistogram()
		c.latency[latKey] = hist
	}
	hist.observe(duration.Seconds())
}

func (c *collector) observeJob(formation, outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs[jobKey{formation: formation, outcome: outcome}]++
}

func newHistogram() *histogram {
	buckets := []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			// values above the last bound only show up in +Inf via h.count
			return
		}
	}
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return handlerFor(defaultCollector)
}

func handlerFor(c *collector) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, c.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	type operationMetric struct {
		operationKey
		value uint64
	}
	type failureMetric struct {
		latencyKey
		value uint64
	}
	type latencyMetric struct {
		latencyKey
		buckets []float64
		counts  []uint64
		sum     float64
		count   uint64
	}
	type jobMetric struct {
		jobKey
		value uint64
	}

	ops := make([]operationMetric, 0, len(c.operations))
	for key, value := range c.operations {
		ops = append(ops, operationMetric{operationKey: key, value: value})
	}
	fails := make([]failureMetric, 0, len(c.failures))
	for key, value := range c.failures {
		fails = append(fails, failureMetric{latencyKey: key, value: value})
	}
	lats := make([]latencyMetric, 0, len(c.latency))
	for key, hist := range c.latency {
		lats = append(lats, latencyMetric{
			latencyKey: key,
			buckets:    append([]float64(nil), hist.buckets...),
			counts:     append([]uint64(nil), hist.counts...),
			sum:        hist.sum,
			count:      hist.count,
		})
	}
	jobs := make([]jobMetric, 0, len(c.jobs))
	for key, value := range c.jobs {
		jobs = append(jobs, jobMetric{jobKey: key, value: value})
	}

	sort.Slice(ops, func(i, j int) bool {
		if ops[i].backend != ops[j].backend {
			return ops[i].backend < ops[j].backend
		}
		if ops[i].operation != ops[j].operation {
			return ops[i].operation < ops[j].operation
		}
		return ops[i].code < ops[j].code
	})
	lessLatency := func(a, b latencyKey) bool {
		if a.backend != b.backend {
			return a.backend < b.backend
		}
		return a.operation < b.operation
	}
	sort.Slice(fails, func(i, j int) bool { return lessLatency(fails[i].latencyKey, fails[j].latencyKey) })
	sort.Slice(lats, func(i, j int) bool { return lessLatency(lats[i].latencyKey, lats[j].latencyKey) })
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].formation == jobs[j].formation {
			return jobs[i].outcome < jobs[j].outcome
		}
		return jobs[i].formation < jobs[j].formation
	})

	var builder strings.Builder
	builder.Grow(1024)

	builder.WriteString("# HELP formationhub_store_operations_total Total number of task store operations.\n")
	builder.WriteString("# TYPE formationhub_store_operations_total counter\n")
	for _, metric := range ops {
		builder.WriteString(fmt.Sprintf("formationhub_store_operations_total{backend=\"%s\",operation=\"%s\",code=\"%s\"} %d\n",
			escape(metric.backend), escape(metric.operation), escape(metric.code), metric.value))
	}

	builder.WriteString("# HELP formationhub_store_operation_errors_total Total number of task store operations that returned an error.\n")
	builder.WriteString("# TYPE formationhub_store_operation_errors_total counter\n")
	for _, metric := range fails {
		builder.WriteString(fmt.Sprintf("formationhub_store_operation_errors_total{backend=\"%s\",operation=\"%s\"} %d\n",
			escape(metric.backend), escape(metric.operation), metric.value))
	}

	builder.WriteString("# HELP formationhub_store_operation_duration_seconds Task store operation duration in seconds, lock wait included.\n")
	builder.WriteString("# TYPE formationhub_store_operation_duration_seconds histogram\n")
	for _, metric := range lats {
		labels := fmt.Sprintf("backend=\"%s\",operation=\"%s\"", escape(metric.backend), escape(metric.operation))
		for idx, bound := range metric.buckets {
			builder.WriteString(fmt.Sprintf("formationhub_store_operation_duration_seconds_bucket{%s,le=\"%s\"} %d\n",
				labels, formatFloat(bound), metric.counts[idx]))
		}
		builder.WriteString(fmt.Sprintf("formationhub_store_operation_duration_seconds_bucket{%s,le=\"+Inf\"} %d\n", labels, metric.count))
		builder.WriteString(fmt.Sprintf("formationhub_store_operation_duration_seconds_sum{%s} %s\n", labels, formatFloat(metric.sum)))
		builder.WriteString(fmt.Sprintf("formationhub_store_operation_duration_seconds_count{%s} %d\n", labels, metric.count))
	}

	builder.WriteString("# HELP formationhub_jobs_total Total number of dispatch jobs handled by the processor.\n")
	builder.WriteString("# TYPE formationhub_jobs_total counter\n")
	for _, metric := range jobs {
		builder.WriteString(fmt.Sprintf("formationhub_jobs_total{formation=\"%s\",outcome=\"%s\"} %d\n",
			escape(metric.formation), escape(metric.outcome), metric.value))
	}

	return builder.String()
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
