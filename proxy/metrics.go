package proxy

import (
	"sync"
	"time"
)

// MessageStats accumulates dispatch outcomes for one message name.
type MessageStats struct {
	Count         uint64
	FailureCount  uint64
	TotalDuration time.Duration
	LastTimestamp time.Time
	LastError     string
}

// metrics is the per-proxy dispatch record, message name → stats.
type metrics struct {
	mu    sync.Mutex
	stats map[string]*MessageStats
}

func newMetrics() *metrics {
	return &metrics{stats: make(map[string]*MessageStats)}
}

func (m *metrics) get(name string) *MessageStats {
	s, ok := m.stats[name]
	if !ok {
		s = &MessageStats{}
		m.stats[name] = s
	}
	return s
}

func (m *metrics) recordSuccess(name string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.get(name)
	s.Count++
	s.TotalDuration += d
	s.LastTimestamp = time.Now()
	s.LastError = ""
}

func (m *metrics) recordFailure(name string, d time.Duration, errText string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.get(name)
	s.Count++
	s.FailureCount++
	s.TotalDuration += d
	s.LastTimestamp = time.Now()
	s.LastError = errText
}

// snapshot returns a deep copy of the mapping; empty for a fresh proxy.
func (m *metrics) snapshot() map[string]MessageStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]MessageStats, len(m.stats))
	for name, s := range m.stats {
		out[name] = *s
	}
	return out
}

// reset clears every entry atomically.
func (m *metrics) reset() {
	m.mu.Lock()
	m.stats = make(map[string]*MessageStats)
	m.mu.Unlock()
}
