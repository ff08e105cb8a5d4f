package services

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	totalFrames   atomic.Int64
	totalErrors   atomic.Int64
	totalLatency  atomic.Int64
	activeClients atomic.Int32
	lastFrameTime atomic.Int64

	wsConnections atomic.Int64
	wsMessages    atomic.Int64
	wsErrors      atomic.Int64

	activeSessions    atomic.Int64
	unknownLabels     atomic.Int64
	intervalsOpened   atomic.Int64
	intervalsClosed   atomic.Int64
	alertsFired       atomic.Int64
	framesDropped     atomic.Int64
	reconnects        atomic.Int64
	persistenceErrors atomic.Int64

	registry *prometheus.Registry
}

func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.register()
	return m
}

func (m *Metrics) register() {
	gauges := []struct {
		name string
		help string
		fn   func() float64
	}{
		{"posture_frames_total", "Frames classified", func() float64 { return float64(m.totalFrames.Load()) }},
		{"posture_classification_errors_total", "Classifier failures degraded to unknown", func() float64 { return float64(m.totalErrors.Load()) }},
		{"posture_avg_latency_ms", "Average classification latency in milliseconds", m.GetAvgLatency},
		{"posture_last_frame_unix", "Unix time of the last classified frame", func() float64 { return float64(m.lastFrameTime.Load()) }},
		{"posture_ws_connections", "Open websocket connections", func() float64 { return float64(m.wsConnections.Load()) }},
		{"posture_ws_messages_total", "Websocket messages written", func() float64 { return float64(m.wsMessages.Load()) }},
		{"posture_ws_errors_total", "Websocket read/write errors", func() float64 { return float64(m.wsErrors.Load()) }},
		{"posture_active_sessions", "Running detection sessions", func() float64 { return float64(m.activeSessions.Load()) }},
		{"posture_unknown_labels_total", "Frames classified as unknown", func() float64 { return float64(m.unknownLabels.Load()) }},
		{"posture_intervals_opened_total", "Posture intervals opened", func() float64 { return float64(m.intervalsOpened.Load()) }},
		{"posture_intervals_closed_total", "Posture intervals closed", func() float64 { return float64(m.intervalsClosed.Load()) }},
		{"posture_alerts_total", "Posture alerts fired", func() float64 { return float64(m.alertsFired.Load()) }},
		{"posture_frames_dropped_total", "Lossy items dropped on full queues", func() float64 { return float64(m.framesDropped.Load()) }},
		{"posture_reconnects_total", "Camera reconnect attempts", func() float64 { return float64(m.reconnects.Load()) }},
		{"posture_persistence_errors_total", "Failed interval writes", func() float64 { return float64(m.persistenceErrors.Load()) }},
	}
	for _, g := range gauges {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: g.name, Help: g.help}, g.fn))
	}
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) IncrementFrames() {
	m.totalFrames.Add(1)
	m.lastFrameTime.Store(time.Now().Unix())
}

func (m *Metrics) IncrementErrors() {
	m.totalErrors.Add(1)
}

func (m *Metrics) RecordLatency(duration time.Duration) {
	m.totalLatency.Add(duration.Milliseconds())
}

func (m *Metrics) SetActiveClients(count int) {
	m.activeClients.Store(int32(count))
}

func (m *Metrics) GetTotalFrames() int64 {
	return m.totalFrames.Load()
}

func (m *Metrics) GetTotalErrors() int64 {
	return m.totalErrors.Load()
}

func (m *Metrics) GetAvgLatency() float64 {
	frames := m.totalFrames.Load()
	if frames == 0 {
		return 0
	}
	return float64(m.totalLatency.Load()) / float64(frames)
}

func (m *Metrics) GetActiveClients() int {
	return int(m.activeClients.Load())
}

func (m *Metrics) GetLastFrameTime() int64 {
	return m.lastFrameTime.Load()
}

func (m *Metrics) IncrementWebSocketConnections() {
	m.wsConnections.Add(1)
}

// DecrementWebSocketConnections decrements WebSocket connection count
func (m *Metrics) DecrementWebSocketConnections() {
	m.wsConnections.Add(-1)
}

func (m *Metrics) GetWebSocketConnections() int64 {
	return m.wsConnections.Load()
}

func (m *Metrics) IncrementWebSocketMessages() {
	m.wsMessages.Add(1)
}

func (m *Metrics) IncrementWebSocketErrors() {
	m.wsErrors.Add(1)
}

func (m *Metrics) SessionStarted() { m.activeSessions.Add(1) }
func (m *Metrics) SessionEnded()   { m.activeSessions.Add(-1) }

func (m *Metrics) GetActiveSessions() int64 {
	return m.activeSessions.Load()
}

func (m *Metrics) IncrementUnknown()           { m.unknownLabels.Add(1) }
func (m *Metrics) IncrementIntervalsOpened()   { m.intervalsOpened.Add(1) }
func (m *Metrics) IncrementIntervalsClosed()   { m.intervalsClosed.Add(1) }
func (m *Metrics) IncrementAlerts()            { m.alertsFired.Add(1) }
func (m *Metrics) AddDropped(n int)            { m.framesDropped.Add(int64(n)) }
func (m *Metrics) IncrementReconnects()        { m.reconnects.Add(1) }
func (m *Metrics) IncrementPersistenceErrors() { m.persistenceErrors.Add(1) }

func (m *Metrics) GetIntervals() (opened, closed int64) {
	return m.intervalsOpened.Load(), m.intervalsClosed.Load()
}

func (m *Metrics) GetAlerts() int64 {
	return m.alertsFired.Load()
}

// GetWebSocketMetrics returns WebSocket-specific metrics for the health report
func (m *Metrics) GetWebSocketMetrics() map[string]interface{} {
	return map[string]interface{}{
		"connections": m.wsConnections.Load(),
		"messages":    m.wsMessages.Load(),
		"errors":      m.wsErrors.Load(),
	}
}
