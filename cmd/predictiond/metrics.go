// metrics.go - Metrics collection for the prediction daemon
package main

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// MetricType represents the type of metric
type MetricType string

const (
	Counter   MetricType = "counter"
	Gauge     MetricType = "gauge"
	Histogram MetricType = "histogram"
)

// Metric represents a single metric
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

const histogramWindow = 1000

// MetricsCollector manages metrics collection
type MetricsCollector struct {
	mu         sync.RWMutex
	metrics    map[string]*Metric
	counters   map[string]int64
	gauges     map[string]float64
	histograms map[string][]float64
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		metrics:    make(map[string]*Metric),
		counters:   make(map[string]int64),
		gauges:     make(map[string]float64),
		histograms: make(map[string][]float64),
	}
}

// IncrementCounter increments a counter metric
func (mc *MetricsCollector) IncrementCounter(name string, labels map[string]string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	key := makeKey(name, labels)
	mc.counters[key]++
	mc.updateMetric(key, name, Counter, float64(mc.counters[key]), labels)
}

// SetGauge sets a gauge metric value
func (mc *MetricsCollector) SetGauge(name string, value float64, labels map[string]string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	key := makeKey(name, labels)
	mc.gauges[key] = value
	mc.updateMetric(key, name, Gauge, value, labels)
}

// RecordHistogram records a value in a histogram. Only the most recent
// values are kept.
func (mc *MetricsCollector) RecordHistogram(name string, value float64, labels map[string]string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	key := makeKey(name, labels)
	values := append(mc.histograms[key], value)
	if len(values) > histogramWindow {
		values = values[len(values)-histogramWindow:]
	}
	mc.histograms[key] = values
	mc.updateMetric(key, name, Histogram, value, labels)
}

// GetMetric retrieves a metric by name and labels
func (mc *MetricsCollector) GetMetric(name string, labels map[string]string) *Metric {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	m, ok := mc.metrics[makeKey(name, labels)]
	if !ok {
		return nil
	}
	cp := *m
	return &cp
}

// GetMetricsSummary returns a summary of all metrics
func (mc *MetricsCollector) GetMetricsSummary() map[string]interface{} {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	counters := make(map[string]int64, len(mc.counters))
	for key, v := range mc.counters {
		counters[key] = v
	}

	gauges := make(map[string]float64, len(mc.gauges))
	for key, v := range mc.gauges {
		gauges[key] = v
	}

	histograms := make(map[string]map[string]float64)
	for key, values := range mc.histograms {
		if len(values) == 0 {
			continue
		}
		h := map[string]float64{
			"count": float64(len(values)),
			"min":   values[0],
			"max":   values[0],
		}
		var sum float64
		for _, v := range values {
			if v < h["min"] {
				h["min"] = v
			}
			if v > h["max"] {
				h["max"] = v
			}
			sum += v
		}
		h["sum"] = sum
		h["avg"] = sum / h["count"]
		histograms[key] = h
	}

	return map[string]interface{}{
		"counters":   counters,
		"gauges":     gauges,
		"histograms": histograms,
	}
}

// makeKey creates a deterministic key for a metric name and labels.
func makeKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	b.WriteByte('}')
	return b.String()
}

func (mc *MetricsCollector) updateMetric(key, name string, metricType MetricType, value float64, labels map[string]string) {
	mc.metrics[key] = &Metric{
		Name:      name,
		Type:      metricType,
		Value:     value,
		Labels:    labels,
		Timestamp: time.Now(),
	}
}

// Predefined metric names
const (
	MetricPredictionCount  = "prediction_count"
	MetricBetCount         = "bet_count"
	MetricTxFailed         = "tx_failed"
	MetricGasUsed          = "gas_used"
	MetricDecryptRequests  = "decrypt_requests"
	MetricInputSetupTime   = "input_setup_time"
	MetricInputEncryptTime = "input_encrypt_time"
	MetricHTTPRequests     = "http_requests"
	MetricRateLimited      = "rate_limited"
	MetricHandles          = "ciphertext_handles"
	MetricErrorCount       = "error_count"
)

func (mc *MetricsCollector) RecordPrediction(predictions uint64) {
	mc.IncrementCounter(MetricPredictionCount, nil)
	mc.SetGauge(MetricPredictionCount, float64(predictions), map[string]string{"state": "total"})
}

func (mc *MetricsCollector) RecordBet(predictionID string) {
	mc.IncrementCounter(MetricBetCount, map[string]string{"prediction": predictionID})
}

// RecordReceipt tracks coprocessor gas per entry point and failed calls.
func (mc *MetricsCollector) RecordReceipt(method string, gas uint64, ok bool) {
	mc.RecordHistogram(MetricGasUsed, float64(gas), map[string]string{"method": method})
	if !ok {
		mc.IncrementCounter(MetricTxFailed, map[string]string{"method": method})
	}
}

func (mc *MetricsCollector) RecordDecrypt(kind string, ok bool) {
	result := "ok"
	if !ok {
		result = "denied"
	}
	mc.IncrementCounter(MetricDecryptRequests, map[string]string{"kind": kind, "result": result})
}

func (mc *MetricsCollector) RecordInputSetup(duration time.Duration) {
	mc.RecordHistogram(MetricInputSetupTime, duration.Seconds(), nil)
}

func (mc *MetricsCollector) RecordInputEncrypt(duration time.Duration) {
	mc.RecordHistogram(MetricInputEncryptTime, duration.Seconds(), nil)
}

func (mc *MetricsCollector) RecordError(errorType string) {
	mc.IncrementCounter(MetricErrorCount, map[string]string{"type": errorType})
}
