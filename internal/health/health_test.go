package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vmscope/console/internal/constants"
)

type stubStream struct {
	state     string
	connected bool
}

func (s stubStream) StatusName() string { return s.state }
func (s stubStream) Connected() bool    { return s.connected }

type stubJournal struct{ err error }

func (s stubJournal) Ping() error { return s.err }

type stubGateway struct {
	info constants.GatewayInfo
	err  error
}

func (s stubGateway) Info(context.Context) (constants.GatewayInfo, error) {
	return s.info, s.err
}

type stubInventory struct {
	lastSync time.Time
	err      error
}

func (s stubInventory) LastSync() time.Time { return s.lastSync }
func (s stubInventory) LastError() error    { return s.err }

func goodGateway() stubGateway {
	return stubGateway{info: constants.GatewayInfo{
		Name:            "sim",
		Version:         "1.0.0",
		ProtocolVersion: constants.ProtocolVersion,
	}}
}

func component(t *testing.T, resp *HealthResponse, name string) *ComponentStatus {
	t.Helper()
	for _, c := range resp.Components {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("component %s missing from response", name)
	return nil
}

func TestCheckHealthAllHealthy(t *testing.T) {
	h := NewHealthChecker(zap.NewNop(), "1.0.0",
		WithStream(stubStream{state: "connected", connected: true}),
		WithGateway(goodGateway()),
		WithJournal(stubJournal{}),
		WithInventory(stubInventory{lastSync: time.Now()}, time.Hour),
		WithInstance("inst-1"),
	)

	resp := h.CheckHealth(context.Background())
	if resp.Status != StatusHealthy {
		t.Errorf("overall status = %s, want healthy", resp.Status)
	}
	if len(resp.Components) != 5 {
		t.Errorf("got %d components, want 5", len(resp.Components))
	}
	if resp.Instance != "inst-1" {
		t.Errorf("instance = %q, want inst-1", resp.Instance)
	}
	if got := resp.Summary["healthy_components"]; got != 5 {
		t.Errorf("healthy_components = %v, want 5", got)
	}
}

func TestUnwiredComponentsSkipped(t *testing.T) {
	h := NewHealthChecker(zap.NewNop(), "1.0.0")

	resp := h.CheckHealth(context.Background())
	if len(resp.Components) != 1 {
		t.Fatalf("got %d components, want only runtime", len(resp.Components))
	}
	if resp.Components[0].Name != "runtime" {
		t.Errorf("component = %s, want runtime", resp.Components[0].Name)
	}
}

func TestFailedStreamIsUnhealthy(t *testing.T) {
	h := NewHealthChecker(zap.NewNop(), "1.0.0",
		WithStream(stubStream{state: "failed"}),
	)

	resp := h.CheckHealth(context.Background())
	if resp.Status != StatusUnhealthy {
		t.Errorf("overall status = %s, want unhealthy", resp.Status)
	}
	comp := component(t, resp, "stream")
	if comp.Status != StatusUnhealthy {
		t.Errorf("stream status = %s, want unhealthy", comp.Status)
	}
	if comp.Details["state"] != "failed" {
		t.Errorf("state detail = %v, want failed", comp.Details["state"])
	}
}

func TestReconnectingStreamDegrades(t *testing.T) {
	h := NewHealthChecker(zap.NewNop(), "1.0.0",
		WithStream(stubStream{state: "reconnecting"}),
	)

	resp := h.CheckHealth(context.Background())
	if resp.Status != StatusDegraded {
		t.Errorf("overall status = %s, want degraded", resp.Status)
	}
	if comp := component(t, resp, "stream"); comp.Status != StatusDegraded {
		t.Errorf("stream status = %s, want degraded", comp.Status)
	}
}

func TestJournalOutageDegradesOnly(t *testing.T) {
	h := NewHealthChecker(zap.NewNop(), "1.0.0",
		WithStream(stubStream{state: "connected", connected: true}),
		WithJournal(stubJournal{err: errors.New("connection refused")}),
	)

	resp := h.CheckHealth(context.Background())
	if resp.Status != StatusDegraded {
		t.Errorf("overall status = %s, want degraded", resp.Status)
	}
	comp := component(t, resp, "journal")
	if comp.Status != StatusDegraded {
		t.Errorf("journal status = %s, want degraded", comp.Status)
	}
	if comp.Details["error"] != "connection refused" {
		t.Errorf("error detail = %v", comp.Details["error"])
	}
}

func TestGatewayUnreachableDegrades(t *testing.T) {
	h := NewHealthChecker(zap.NewNop(), "1.0.0",
		WithGateway(stubGateway{err: errors.New("dial tcp: refused")}),
	)

	resp := h.CheckHealth(context.Background())
	if comp := component(t, resp, "gateway_api"); comp.Status != StatusDegraded {
		t.Errorf("gateway status = %s, want degraded", comp.Status)
	}
}

func TestGatewayProtocolMismatchDegrades(t *testing.T) {
	gw := stubGateway{info: constants.GatewayInfo{ProtocolVersion: "99"}}
	h := NewHealthChecker(zap.NewNop(), "1.0.0", WithGateway(gw))

	resp := h.CheckHealth(context.Background())
	comp := component(t, resp, "gateway_api")
	if comp.Status != StatusDegraded {
		t.Errorf("gateway status = %s, want degraded", comp.Status)
	}
	if comp.Details["protocol_version"] != "99" {
		t.Errorf("protocol detail = %v, want 99", comp.Details["protocol_version"])
	}
}

func TestInventoryFreshness(t *testing.T) {
	cases := []struct {
		name     string
		lastSync time.Time
		want     HealthStatus
	}{
		{"fresh", time.Now().Add(-time.Second), StatusHealthy},
		{"stale", time.Now().Add(-10 * time.Minute), StatusDegraded},
		{"never synced", time.Time{}, StatusDegraded},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewHealthChecker(zap.NewNop(), "1.0.0",
				WithInventory(stubInventory{lastSync: tc.lastSync}, time.Minute),
			)
			resp := h.CheckHealth(context.Background())
			if comp := component(t, resp, "inventory"); comp.Status != tc.want {
				t.Errorf("inventory status = %s, want %s", comp.Status, tc.want)
			}
		})
	}
}

func TestHandleHealthStatusCodes(t *testing.T) {
	t.Run("healthy answers 200", func(t *testing.T) {
		h := NewHealthChecker(zap.NewNop(), "1.0.0",
			WithStream(stubStream{state: "connected", connected: true}),
		)
		rec := httptest.NewRecorder()
		h.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		if rec.Code != http.StatusOK {
			t.Errorf("status code = %d, want 200", rec.Code)
		}
		if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		var resp HealthResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if resp.Status != StatusHealthy {
			t.Errorf("body status = %s, want healthy", resp.Status)
		}
	})

	t.Run("unhealthy answers 503", func(t *testing.T) {
		h := NewHealthChecker(zap.NewNop(), "1.0.0",
			WithStream(stubStream{state: "failed"}),
		)
		rec := httptest.NewRecorder()
		h.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("status code = %d, want 503", rec.Code)
		}
	})

	t.Run("rejects non-GET", func(t *testing.T) {
		h := NewHealthChecker(zap.NewNop(), "1.0.0")
		rec := httptest.NewRecorder()
		h.HandleHealth(rec, httptest.NewRequest(http.MethodPost, "/health", nil))

		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("status code = %d, want 405", rec.Code)
		}
	})
}
