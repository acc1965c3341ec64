package limiter

import (
	"testing"
	"time"

	"github.com/vmscope/console/internal/config"
)

func enabledConfig(perSecond float64, burst int) config.SimRateLimit {
	return config.SimRateLimit{
		Enabled:           true,
		MessagesPerSecond: perSecond,
		Burst:             burst,
	}
}

func TestAllowWithinBurst(t *testing.T) {
	r := NewRegistry(enabledConfig(1, 3))

	for i := 0; i < 3; i++ {
		if !r.Allow("conn-1") {
			t.Fatalf("message %d should be within burst", i+1)
		}
	}
	if r.Allow("conn-1") {
		t.Error("message beyond burst should be denied")
	}
}

func TestDisabledAlwaysAllows(t *testing.T) {
	r := NewRegistry(config.SimRateLimit{Enabled: false, MessagesPerSecond: 1, Burst: 1})

	for i := 0; i < 50; i++ {
		if !r.Allow("conn-1") {
			t.Fatal("disabled registry should always allow")
		}
	}
	if r.Tracked() != 0 {
		t.Errorf("disabled registry tracked %d buckets, want 0", r.Tracked())
	}
}

func TestEmptyKeyBypassesLimit(t *testing.T) {
	r := NewRegistry(enabledConfig(1, 1))

	for i := 0; i < 10; i++ {
		if !r.Allow("") {
			t.Fatal("empty key should bypass limiting")
		}
	}
}

func TestKeysAreIsolated(t *testing.T) {
	r := NewRegistry(enabledConfig(1, 1))

	if !r.Allow("conn-1") {
		t.Fatal("first message on conn-1 should pass")
	}
	if r.Allow("conn-1") {
		t.Fatal("conn-1 burst should be spent")
	}
	if !r.Allow("conn-2") {
		t.Error("conn-2 should have its own bucket")
	}
}

func TestForgetResetsBucket(t *testing.T) {
	r := NewRegistry(enabledConfig(1, 1))

	r.Allow("conn-1")
	if r.Allow("conn-1") {
		t.Fatal("burst should be spent")
	}

	r.Forget("conn-1")
	if !r.Allow("conn-1") {
		t.Error("fresh bucket after Forget should allow")
	}
}

func TestSweepEvictsIdleBuckets(t *testing.T) {
	r := NewRegistry(enabledConfig(10, 10))

	r.Allow("idle")
	r.Allow("fresh")

	r.mu.Lock()
	r.buckets["idle"].lastSeen = time.Now().Add(-time.Hour)
	r.mu.Unlock()

	if removed := r.Sweep(time.Minute); removed != 1 {
		t.Errorf("Sweep removed %d buckets, want 1", removed)
	}
	if r.Tracked() != 1 {
		t.Errorf("tracked %d buckets after sweep, want 1", r.Tracked())
	}
}

func TestZeroBurstClampedToOne(t *testing.T) {
	r := NewRegistry(enabledConfig(1, 0))

	if !r.Allow("conn-1") {
		t.Error("clamped burst should admit one message")
	}
}
