package pipeline

import (
	"sync"
	"time"

	"github.com/teslashibe/go-sonicbot/pkg/frames"
)

// Metric kinds reported in frames.MetricsData.
const (
	MetricTTFB       = "ttfb"
	MetricProcessing = "processing"
	MetricUsage      = "usage"
)

// MetricsCollector measures time to first byte and processing time for a
// single processor. It is goroutine-safe.
type MetricsCollector struct {
	mu        sync.Mutex
	processor string
	model     string

	ttfbStart       time.Time
	processingStart time.Time

	// Recent TTFB values for averaging.
	history []time.Duration
}

const metricsHistorySize = 100

// NewMetricsCollector creates a collector for the named processor.
func NewMetricsCollector(processor string) *MetricsCollector {
	return &MetricsCollector{
		processor: processor,
		history:   make([]time.Duration, 0, metricsHistorySize),
	}
}

// SetModel records the model name attached to reported metrics.
func (m *MetricsCollector) SetModel(model string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.model = model
}

// StartTTFB marks the moment a request was sent.
func (m *MetricsCollector) StartTTFB() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ttfbStart = time.Now()
}

// StopTTFB returns a MetricsFrame with the time since StartTTFB, or nil if
// no measurement is running. Only the first call after StartTTFB reports.
func (m *MetricsCollector) StopTTFB() *frames.MetricsFrame {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ttfbStart.IsZero() {
		return nil
	}
	d := time.Since(m.ttfbStart)
	m.ttfbStart = time.Time{}

	if len(m.history) == metricsHistorySize {
		m.history = m.history[1:]
	}
	m.history = append(m.history, d)

	return frames.NewMetricsFrame(frames.MetricsData{
		Processor: m.processor,
		Model:     m.model,
		Kind:      MetricTTFB,
		Value:     d,
	})
}

// StartProcessing marks the start of a unit of work.
func (m *MetricsCollector) StartProcessing() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processingStart = time.Now()
}

// StopProcessing returns a MetricsFrame with the processing duration, or nil.
func (m *MetricsCollector) StopProcessing() *frames.MetricsFrame {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.processingStart.IsZero() {
		return nil
	}
	d := time.Since(m.processingStart)
	m.processingStart = time.Time{}
	return frames.NewMetricsFrame(frames.MetricsData{
		Processor: m.processor,
		Model:     m.model,
		Kind:      MetricProcessing,
		Value:     d,
	})
}

// Usage returns a MetricsFrame reporting token usage.
func (m *MetricsCollector) Usage(prompt, completion, total int) *frames.MetricsFrame {
	m.mu.Lock()
	defer m.mu.Unlock()
	if total == 0 {
		total = prompt + completion
	}
	return frames.NewMetricsFrame(frames.MetricsData{
		Processor:        m.processor,
		Model:            m.model,
		Kind:             MetricUsage,
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      total,
	})
}

// Reset abandons running measurements.
func (m *MetricsCollector) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ttfbStart = time.Time{}
	m.processingStart = time.Time{}
}

// AverageTTFB returns the mean of recent TTFB measurements.
func (m *MetricsCollector) AverageTTFB() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range m.history {
		sum += d
	}
	return sum / time.Duration(len(m.history))
}
