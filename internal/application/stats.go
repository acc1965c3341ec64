package application

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/vmscope/console/internal/config"
	"github.com/vmscope/console/internal/logger"
	"github.com/vmscope/console/internal/metrics"
)

// StatsData is the live counter snapshot served on the admin endpoint.
// The numbers come from the metric shadows, so assembling it never takes
// a lock on the hot path.
type StatsData struct {
	StreamState         string           `json:"stream_state"`
	Connected           bool             `json:"connected"`
	ClientID            string           `json:"client_id,omitempty"`
	MessagesReceived    int64            `json:"messages_received"`
	MessagesSent        int64            `json:"messages_sent"`
	MessagesPerSecond   float64          `json:"messages_per_second"`
	Reconnects          int64            `json:"reconnects"`
	ReconnectsPerMinute float64          `json:"reconnects_per_minute"`
	ActiveSubscriptions int64            `json:"active_subscriptions"`
	ActiveJobStreams    int64            `json:"active_job_streams"`
	HandlerPanics       int64            `json:"handler_panics"`
	MalformedFrames     int64            `json:"malformed_frames"`
	JournalWrites       int64            `json:"journal_writes"`
	UnreadNotifications int              `json:"unread_notifications"`
	FollowedJobs        int              `json:"followed_jobs"`
	InventoryHosts      int              `json:"inventory_hosts"`
	InventoryVMs        int              `json:"inventory_vms"`
	InventoryLastSync   string           `json:"inventory_last_sync,omitempty"`
	AverageResponseTime float64          `json:"average_response_time_ms"`
	ErrorRate           float64          `json:"error_rate"`
	MemoryUsage         map[string]int64 `json:"memory_usage"`
}

// getStatsData retrieves current statistics
func (c *Console) getStatsData() *StatsData {
	stats := &StatsData{
		StreamState:         c.stream.StatusName(),
		Connected:           c.stream.Connected(),
		ClientID:            c.stream.ClientID(),
		MessagesReceived:    metrics.GetMessagesReceivedCount(),
		MessagesSent:        metrics.GetMessagesSentCount(),
		MessagesPerSecond:   metrics.GetMessagesPerSecond(),
		Reconnects:          metrics.GetReconnectsCount(),
		ReconnectsPerMinute: metrics.GetReconnectsPerMinute(),
		ActiveSubscriptions: metrics.GetActiveSubscriptionsCount(),
		ActiveJobStreams:    metrics.GetActiveJobStreamsCount(),
		HandlerPanics:       metrics.GetHandlerPanicsCount(),
		MalformedFrames:     metrics.GetMalformedFramesCount(),
		JournalWrites:       metrics.GetJournalWritesCount(),
		AverageResponseTime: metrics.GetAverageResponseTime(),
		ErrorRate:           metrics.GetErrorRate(),
		MemoryUsage:         getMemoryUsage(),
	}

	if c.Notifications != nil {
		stats.UnreadNotifications = c.Notifications.UnreadCount()
	}
	if c.Jobs != nil {
		stats.FollowedJobs = len(c.Jobs.Followed())
	}
	if c.Inventory != nil {
		stats.InventoryHosts = len(c.Inventory.Hosts())
		stats.InventoryVMs = len(c.Inventory.VMs())
		if t := c.Inventory.LastSync(); !t.IsZero() {
			stats.InventoryLastSync = t.UTC().Format(time.RFC3339)
		}
	}
	return stats
}

// handleStats serves the stats snapshot as JSON.
func (c *Console) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := struct {
		Timestamp     time.Time  `json:"timestamp"`
		Instance      string     `json:"instance"`
		Version       string     `json:"version"`
		UptimeSeconds int64      `json:"uptime_seconds"`
		Stats         *StatsData `json:"stats"`
	}{
		Timestamp:     time.Now(),
		Instance:      c.instance.ID,
		Version:       config.Version,
		UptimeSeconds: int64(time.Since(c.startTime).Seconds()),
		Stats:         c.getStatsData(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		logger.Error("Failed to encode stats response", zap.Error(err))
	}
}

func getMemoryUsage() map[string]int64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	// Safe conversion function to prevent integer overflow
	safeUint64ToInt64 := func(val uint64) int64 {
		if val > 9223372036854775807 { // math.MaxInt64
			return 9223372036854775807
		}
		return int64(val)
	}

	return map[string]int64{
		"alloc":       safeUint64ToInt64(m.Alloc),      // Currently allocated bytes
		"total_alloc": safeUint64ToInt64(m.TotalAlloc), // Total allocated bytes (cumulative)
		"sys":         safeUint64ToInt64(m.Sys),        // System memory obtained from OS
		"heap_in_use": safeUint64ToInt64(m.HeapInuse),  // Bytes in in-use heap spans
		"num_gc":      int64(m.NumGC),                  // Completed GC cycles
	}
}
