package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SlidingWindow represents a simple sliding window for rate calculations
type SlidingWindow struct {
	mu      sync.RWMutex
	events  []int64 // timestamps of events
	window  time.Duration
	maxSize int
}

// NewSlidingWindow creates a new sliding window
func NewSlidingWindow(window time.Duration, maxSize int) *SlidingWindow {
	return &SlidingWindow{
		events:  make([]int64, 0, maxSize),
		window:  window,
		maxSize: maxSize,
	}
}

// Add adds an event timestamp to the window
func (sw *SlidingWindow) Add(timestamp int64) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.events = append(sw.events, timestamp)

	// Remove old events outside the window
	now := time.Now().Unix()
	cutoff := now - int64(sw.window.Seconds())

	i := 0
	for i < len(sw.events) && sw.events[i] < cutoff {
		i++
	}
	if i > 0 {
		sw.events = sw.events[i:]
	}

	// Limit size if needed
	if len(sw.events) > sw.maxSize {
		sw.events = sw.events[len(sw.events)-sw.maxSize:]
	}
}

// Rate returns the current rate (events per second)
func (sw *SlidingWindow) Rate() float64 {
	sw.mu.RLock()
	defer sw.mu.RUnlock()

	if len(sw.events) == 0 {
		return 0
	}

	now := time.Now().Unix()
	cutoff := now - int64(sw.window.Seconds())

	count := 0
	for _, timestamp := range sw.events {
		if timestamp >= cutoff {
			count++
		}
	}

	if count == 0 {
		return 0
	}

	return float64(count) / sw.window.Seconds()
}

// Global sliding windows for rate calculations
var (
	messageWindow   = NewSlidingWindow(60*time.Second, 10000) // 1 minute window, max 10k messages
	reconnectWindow = NewSlidingWindow(300*time.Second, 1000) // 5 minute window, max 1k reconnects
)

// Global counters for status display (prometheus metrics can't be read back directly)
var (
	messagesReceivedCount int64
	messagesSentCount     int64
	reconnectsCount       int64
	handlerPanicsCount    int64
	malformedFramesCount  int64
	activeSubscrCount     int64
	activeJobStreamsCount int64
	simConnectionsCount   int64
	journalWritesCount    int64
	lastMessageTimestamp  int64
	responseTimeSum       int64
	responseTimeCount     int64
	errorCount            int64
)

// GetMessagesReceivedCount returns the count of inbound gateway messages since start
func GetMessagesReceivedCount() int64 {
	return atomic.LoadInt64(&messagesReceivedCount)
}

// IncrementMessagesReceived increments both the prometheus counter and the local counter
func IncrementMessagesReceived(kind string) {
	MessagesReceived.WithLabelValues(kind).Inc()
	atomic.AddInt64(&messagesReceivedCount, 1)
	now := time.Now().Unix()
	atomic.StoreInt64(&lastMessageTimestamp, now)
	messageWindow.Add(now)
}

// GetMessagesSentCount returns the count of outbound gateway messages
func GetMessagesSentCount() int64 {
	return atomic.LoadInt64(&messagesSentCount)
}

// IncrementMessagesSent increments the sent messages counter
func IncrementMessagesSent(kind string) {
	MessagesSent.WithLabelValues(kind).Inc()
	atomic.AddInt64(&messagesSentCount, 1)
}

// GetReconnectsCount returns the number of reconnect attempts since start
func GetReconnectsCount() int64 {
	return atomic.LoadInt64(&reconnectsCount)
}

// IncrementReconnects records a reconnect attempt
func IncrementReconnects() {
	StreamReconnects.Inc()
	atomic.AddInt64(&reconnectsCount, 1)
	reconnectWindow.Add(time.Now().Unix())
}

// SetStreamStatus flips the status gauge so exactly one state reads 1
func SetStreamStatus(state string) {
	for _, s := range streamStates {
		v := 0.0
		if s == state {
			v = 1.0
		}
		StreamStatus.WithLabelValues(s).Set(v)
	}
}

// IncrementHandlerPanics records a recovered feature-handler panic
func IncrementHandlerPanics(kind string) {
	HandlerPanics.WithLabelValues(kind).Inc()
	atomic.AddInt64(&handlerPanicsCount, 1)
}

// GetHandlerPanicsCount returns the recovered panic count
func GetHandlerPanicsCount() int64 {
	return atomic.LoadInt64(&handlerPanicsCount)
}

// IncrementMalformedFrames records an inbound frame that failed to parse
func IncrementMalformedFrames() {
	MalformedFrames.Inc()
	atomic.AddInt64(&malformedFramesCount, 1)
}

// GetMalformedFramesCount returns the malformed frame count
func GetMalformedFramesCount() int64 {
	return atomic.LoadInt64(&malformedFramesCount)
}

// GetActiveSubscriptionsCount returns the current number of subscribed topics
func GetActiveSubscriptionsCount() int64 {
	return atomic.LoadInt64(&activeSubscrCount)
}

// SetActiveSubscriptions synchronizes the subscription gauge with the registry
func SetActiveSubscriptions(count int64) {
	ActiveSubscriptions.Set(float64(count))
	atomic.StoreInt64(&activeSubscrCount, count)
}

// GetActiveJobStreamsCount returns the number of job ids with live listeners
func GetActiveJobStreamsCount() int64 {
	return atomic.LoadInt64(&activeJobStreamsCount)
}

// SetActiveJobStreams synchronizes the job stream gauge with the router
func SetActiveJobStreams(count int64) {
	ActiveJobStreams.Set(float64(count))
	atomic.StoreInt64(&activeJobStreamsCount, count)
}

// IncrementSimConnections increments the simulator connection gauge
func IncrementSimConnections() {
	SimActiveConnections.Inc()
	atomic.AddInt64(&simConnectionsCount, 1)
}

// DecrementSimConnections decrements the simulator connection gauge
func DecrementSimConnections() {
	SimActiveConnections.Dec()
	atomic.AddInt64(&simConnectionsCount, -1)
}

// GetSimConnectionsCount returns the simulator's active connection count
func GetSimConnectionsCount() int64 {
	return atomic.LoadInt64(&simConnectionsCount)
}

// SyncSimConnectionsCount synchronizes the internal counter with the actual count
// This helps prevent drift between the metrics counter and reality
func SyncSimConnectionsCount(actualCount int64) {
	currentCount := atomic.LoadInt64(&simConnectionsCount)
	if currentCount != actualCount {
		atomic.StoreInt64(&simConnectionsCount, actualCount)
		SimActiveConnections.Set(float64(actualCount))
	}
}

// IncrementJournalWrites records rows written to the journal by table
func IncrementJournalWrites(table string, rows int) {
	JournalWrites.WithLabelValues(table).Add(float64(rows))
	atomic.AddInt64(&journalWritesCount, int64(rows))
}

// GetJournalWritesCount returns rows written to the journal since start
func GetJournalWritesCount() int64 {
	return atomic.LoadInt64(&journalWritesCount)
}

// AddResponseTime adds a response time measurement
func AddResponseTime(responseTimeMs float64) {
	atomic.AddInt64(&responseTimeSum, int64(responseTimeMs))
	atomic.AddInt64(&responseTimeCount, 1)
}

// GetAverageResponseTime returns the average response time in milliseconds
func GetAverageResponseTime() float64 {
	sum := atomic.LoadInt64(&responseTimeSum)
	count := atomic.LoadInt64(&responseTimeCount)
	if count == 0 {
		return 0
	}
	return float64(sum) / float64(count)
}

// IncrementErrorCount increments the error counter
func IncrementErrorCount() {
	atomic.AddInt64(&errorCount, 1)
}

// GetErrorCount returns the current error count
func GetErrorCount() int64 {
	return atomic.LoadInt64(&errorCount)
}

// GetMessagesPerSecond calculates inbound messages per second using a sliding window
func GetMessagesPerSecond() float64 {
	return messageWindow.Rate()
}

// GetReconnectsPerMinute calculates reconnect attempts per minute
func GetReconnectsPerMinute() float64 {
	return reconnectWindow.Rate() * 60
}

// GetErrorRate calculates the error rate as a percentage
func GetErrorRate() float64 {
	errors := atomic.LoadInt64(&errorCount)
	messages := atomic.LoadInt64(&messagesReceivedCount)
	if messages == 0 {
		return 0
	}
	return (float64(errors) / float64(messages)) * 100
}

// streamStates are the observable connection states, one gauge series each.
var streamStates = []string{
	"idle", "connecting", "connected", "reconnecting", "failed",
}

// Metrics for tracking console performance and usage
var (
	// Stream metrics
	StreamStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "console_stream_status",
		Help: "Current gateway stream state (1 for the active state, 0 otherwise)",
	}, []string{"state"})

	StreamReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "console_stream_reconnects_total",
		Help: "The total number of reconnect attempts against the gateway",
	})

	StreamAuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "console_stream_auth_failures_total",
		Help: "The total number of gateway auth rejections (close code 1008)",
	})

	KeepaliveMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "console_stream_keepalive_misses_total",
		Help: "The total number of keepalive windows that elapsed without a pong",
	})

	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "console_stream_active_subscriptions",
		Help: "The number of topics currently held by the subscription registry",
	})

	ActiveJobStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "console_stream_active_job_streams",
		Help: "The number of job ids with at least one live listener",
	})

	// Message metrics
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "console_messages_received_total",
		Help: "The total number of messages received from the gateway by type",
	}, []string{"type"})

	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "console_messages_sent_total",
		Help: "The total number of messages sent to the gateway by type",
	}, []string{"type"})

	MessageSizeBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "console_message_size_bytes",
		Help:    "Size of received messages in bytes",
		Buckets: prometheus.ExponentialBuckets(10, 10, 6), // 10, 100, 1000, ..., 1000000
	})

	HandlerPanics = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "console_handler_panics_total",
		Help: "The total number of recovered panics in feature message handlers",
	}, []string{"type"})

	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "console_malformed_frames_total",
		Help: "The total number of inbound frames dropped because they failed to parse",
	})

	// Gateway REST metrics
	TokenFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "console_token_fetches_total",
		Help: "The total number of session token fetches by outcome",
	}, []string{"outcome"}) // "ok", "unauthenticated", "error"

	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "console_api_requests_total",
		Help: "The total number of gateway REST requests by operation and outcome",
	}, []string{"operation", "outcome"})

	APIRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "console_api_request_duration_seconds",
		Help:    "Gateway REST request duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 10, 5), // 0.01, 0.1, 1, 10, 100
	})

	// Journal metrics
	JournalWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "console_journal_writes_total",
		Help: "Total rows written to the event journal by table",
	}, []string{"table"})

	JournalErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "console_journal_errors_total",
		Help: "Total journal errors by type",
	}, []string{"error_type"})

	JournalFlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "console_journal_flush_duration_seconds",
		Help:    "Time to flush a journal batch",
		Buckets: prometheus.ExponentialBuckets(0.001, 10, 5), // 0.001, 0.01, 0.1, 1, 10
	})

	// Simulator metrics
	SimActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "console_sim_active_connections",
		Help: "The number of active simulator WebSocket connections",
	})

	SimEventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "console_sim_events_emitted_total",
		Help: "The total number of synthetic events emitted by the simulator by type",
	}, []string{"type"})

	// HTTP metrics
	HTTPRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "console_http_requests_total",
		Help: "The total number of HTTP requests",
	})

	HTTPRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "console_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 10, 5), // 0.01, 0.1, 1, 10, 100
	})
)

// RegisterMetrics ensures all metrics are registered with Prometheus
func RegisterMetrics() {
	// Pre-register stream states
	for _, state := range streamStates {
		StreamStatus.WithLabelValues(state)
	}

	// Pre-register inbound message types
	inboundTypes := []string{"connection", "initial_state", "notification", "job", "pong"}
	for _, msgType := range inboundTypes {
		MessagesReceived.WithLabelValues(msgType)
		HandlerPanics.WithLabelValues(msgType)
		SimEventsEmitted.WithLabelValues(msgType)
	}

	// Pre-register outbound message types
	outboundTypes := []string{"ping", "subscribe", "unsubscribe"}
	for _, msgType := range outboundTypes {
		MessagesSent.WithLabelValues(msgType)
	}

	// Pre-register token outcomes
	for _, outcome := range []string{"ok", "unauthenticated", "error"} {
		TokenFetches.WithLabelValues(outcome)
	}

	// Pre-register journal tables
	for _, table := range []string{"notifications", "job_events", "transitions"} {
		JournalWrites.WithLabelValues(table)
	}

	// Pre-register journal error types
	journalErrorTypes := []string{
		"connection_failed", "batch_execution_failed", "encode_failed", "buffer_full",
	}
	for _, errType := range journalErrorTypes {
		JournalErrors.WithLabelValues(errType)
	}
}
