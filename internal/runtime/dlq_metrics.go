package runtime

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DLQMetrics tracks events moved to dead letter topics.
type DLQMetrics struct {
	mu sync.RWMutex

	topicCounts map[string]*DLQTopicMetrics

	messagesTotal  *prometheus.CounterVec
	ageSecondsHist *prometheus.HistogramVec
	attemptsHist   *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
	now        func() time.Time
}

// DLQTopicMetrics holds dead-letter counters of one source topic.
type DLQTopicMetrics struct {
	MessagesDeadLettered uint64    `json:"messages_dead_lettered"`
	FirstDeadLetterAt    time.Time `json:"first_dead_letter_at,omitempty"`
	LastDeadLetterAt     time.Time `json:"last_dead_letter_at,omitempty"`
	AvgAttempts          float64   `json:"avg_attempts"`
}

// DLQMetricsSnapshot is a point-in-time view of DLQMetrics.
type DLQMetricsSnapshot struct {
	TotalDeadLettered uint64                     `json:"total_dead_lettered"`
	TopicMetrics      map[string]DLQTopicMetrics `json:"topic_metrics"`
	CollectedAt       time.Time                  `json:"collected_at"`
}

// NewDLQMetrics creates a dead-letter collector. Collectors are registered
// with Register.
func NewDLQMetrics(registerer prometheus.Registerer) *DLQMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &DLQMetrics{
		topicCounts: make(map[string]*DLQTopicMetrics),
		registerer:  registerer,
		now:         time.Now,
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "outrigger",
			Subsystem: "dlq",
			Name:      "messages_total",
			Help:      "Total number of events moved to a dead letter topic",
		}, []string{"topic", "route"}),
		ageSecondsHist: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "outrigger",
			Subsystem: "dlq",
			Name:      "message_age_seconds",
			Help:      "Age of events when moved to a dead letter topic",
			Buckets:   []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
		}, []string{"topic"}),
		attemptsHist: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "outrigger",
			Subsystem: "dlq",
			Name:      "attempts",
			Help:      "Delivery attempts before an event was dead-lettered",
			Buckets:   []float64{1, 2, 3, 5, 10, 20},
		}, []string{"topic"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *DLQMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	for _, c := range []prometheus.Collector{m.messagesTotal, m.ageSecondsHist, m.attemptsHist} {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// RecordMessageToDLQ records an event of topic, delivered to route, moved to
// its dead letter topic after attempts deliveries.
func (m *DLQMetrics) RecordMessageToDLQ(topic, route string, attempts int, messageAge time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	tm, ok := m.topicCounts[topic]
	if !ok {
		tm = &DLQTopicMetrics{FirstDeadLetterAt: now}
		m.topicCounts[topic] = tm
	}
	tm.MessagesDeadLettered++
	tm.LastDeadLetterAt = now
	total := tm.MessagesDeadLettered
	tm.AvgAttempts = ((tm.AvgAttempts * float64(total-1)) + float64(attempts)) / float64(total)

	m.messagesTotal.WithLabelValues(topic, route).Inc()
	if messageAge > 0 {
		m.ageSecondsHist.WithLabelValues(topic).Observe(messageAge.Seconds())
	}
	m.attemptsHist.WithLabelValues(topic).Observe(float64(attempts))
}

// Snapshot returns a copy of all counters.
func (m *DLQMetrics) Snapshot() DLQMetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := DLQMetricsSnapshot{
		TopicMetrics: make(map[string]DLQTopicMetrics, len(m.topicCounts)),
		CollectedAt:  m.now(),
	}
	for topic, tm := range m.topicCounts {
		snapshot.TopicMetrics[topic] = *tm
		snapshot.TotalDeadLettered += tm.MessagesDeadLettered
	}
	return snapshot
}

// TopicMetrics returns the counters of topic, if any event was dead-lettered.
func (m *DLQMetrics) TopicMetrics(topic string) (DLQTopicMetrics, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tm, ok := m.topicCounts[topic]
	if !ok {
		return DLQTopicMetrics{}, false
	}
	return *tm, true
}

// DLQMetrics returns the dead-letter counters of the service.
func (s *Service) DLQMetrics() *DLQMetrics { return s.dlq }
