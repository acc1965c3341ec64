package stream

import (
	"testing"
	"time"
)

func testPolicy() backoffPolicy {
	return backoffPolicy{
		Base:        1000 * time.Millisecond,
		Max:         30000 * time.Millisecond,
		Growth:      1.5,
		MaxAttempts: 10,
	}
}

func TestBackoffDelaysMonotonicAndCapped(t *testing.T) {
	p := testPolicy()

	prev := time.Duration(0)
	for attempt := 1; attempt <= 20; attempt++ {
		d := p.delay(attempt)
		if d < prev {
			t.Fatalf("delay(%d) = %v, less than delay(%d) = %v", attempt, d, attempt-1, prev)
		}
		if d > p.Max {
			t.Fatalf("delay(%d) = %v exceeds max %v", attempt, d, p.Max)
		}
		prev = d
	}

	if got := p.delay(1); got != p.Base {
		t.Fatalf("delay(1) = %v, want base %v", got, p.Base)
	}
	if got := p.delay(2); got != 1500*time.Millisecond {
		t.Fatalf("delay(2) = %v, want 1.5s", got)
	}
	// 1000 * 1.5^10 is well past the cap.
	if got := p.delay(11); got != p.Max {
		t.Fatalf("delay(11) = %v, want max %v", got, p.Max)
	}
}

func TestSuccessfulOpenResetsAttempts(t *testing.T) {
	m := newMachine(testPolicy())

	m, _ = m.transition(event{kind: evOpen})
	m, _ = m.transition(event{kind: evErrored})
	m, _ = m.transition(event{kind: evRetryDue})
	m, _ = m.transition(event{kind: evErrored})
	if m.attempt != 2 {
		t.Fatalf("attempt = %d after two failures, want 2", m.attempt)
	}

	m, _ = m.transition(event{kind: evRetryDue})
	m, _ = m.transition(event{kind: evOpened})
	if m.state != StateConnected {
		t.Fatalf("state = %s, want connected", m.state)
	}
	if m.attempt != 0 {
		t.Fatalf("attempt = %d after successful open, want 0", m.attempt)
	}

	// The next failure starts over at the base delay.
	_, actions := m.transition(event{kind: evClosed, code: 1000})
	found := false
	for _, act := range actions {
		if act.kind == actScheduleRetry {
			found = true
			if act.delay != testPolicy().Base {
				t.Fatalf("retry delay = %v after reset, want base %v", act.delay, testPolicy().Base)
			}
		}
	}
	if !found {
		t.Fatal("no retry scheduled after close")
	}
}

func TestAuthCloseDiscardsTokenBeforeRetry(t *testing.T) {
	m := newMachine(testPolicy())
	m, _ = m.transition(event{kind: evOpen})
	m, _ = m.transition(event{kind: evOpened})

	m, actions := m.transition(event{kind: evClosed, code: 1008, reason: "bad token"})
	if m.state != StateReconnecting {
		t.Fatalf("state = %s, want reconnecting", m.state)
	}

	discardAt, retryAt, statusAt := -1, -1, -1
	for i, act := range actions {
		switch act.kind {
		case actDiscardToken:
			discardAt = i
		case actScheduleRetry:
			retryAt = i
		case actStatus:
			if act.status.Status == StatusAuthFailed {
				statusAt = i
			}
		}
	}
	if discardAt < 0 {
		t.Fatal("auth close did not discard the token")
	}
	if statusAt < 0 {
		t.Fatal("auth close did not emit auth_failed")
	}
	if retryAt < 0 {
		t.Fatal("auth close did not schedule a retry")
	}
	if discardAt > retryAt {
		t.Fatalf("token discarded at action %d, after retry scheduled at %d", discardAt, retryAt)
	}
}

func TestOrdinaryCloseKeepsToken(t *testing.T) {
	m := newMachine(testPolicy())
	m, _ = m.transition(event{kind: evOpen})
	m, _ = m.transition(event{kind: evOpened})

	_, actions := m.transition(event{kind: evClosed, code: 1006, reason: "gone"})
	for _, act := range actions {
		if act.kind == actDiscardToken {
			t.Fatal("ordinary close discarded the token")
		}
		if act.kind == actStatus && act.status.Status == StatusAuthFailed {
			t.Fatal("ordinary close emitted auth_failed")
		}
	}
}

func TestRetriesExhaustedTransitions(t *testing.T) {
	p := testPolicy()
	p.MaxAttempts = 3
	m := newMachine(p)

	m, _ = m.transition(event{kind: evOpen})

	var reconnecting, failed, dials int
	count := func(actions []action) {
		for _, act := range actions {
			switch act.kind {
			case actDial:
				dials++
			case actStatus:
				switch act.status.Status {
				case StatusReconnecting:
					reconnecting++
				case StatusFailed:
					failed++
				}
			}
		}
	}

	// Three connect attempts, each dying immediately.
	var actions []action
	for i := 0; i < 3 && m.state != StateFailed; i++ {
		m, actions = m.transition(event{kind: evErrored})
		count(actions)
		m, actions = m.transition(event{kind: evRetryDue})
		count(actions)
	}

	if reconnecting != 3 {
		t.Fatalf("reconnecting emissions = %d, want 3", reconnecting)
	}
	if failed != 1 {
		t.Fatalf("failed emissions = %d, want 1", failed)
	}
	if m.state != StateFailed {
		t.Fatalf("state = %s, want failed", m.state)
	}
	// The initial open dialed once, each of the first two retries again;
	// the third timer resolved to terminal failure instead of a dial.
	if dials != 2 {
		t.Fatalf("retry dials = %d, want 2", dials)
	}

	// Terminal: another timer or open event schedules nothing.
	next, actions := m.transition(event{kind: evRetryDue})
	if next.state != StateFailed || len(actions) != 0 {
		t.Fatalf("failed state acted on a timer: state=%s actions=%d", next.state, len(actions))
	}

	// Only a manual trigger recovers, with the counter cleared.
	next, actions = m.transition(event{kind: evReconnectNow})
	if next.state != StateConnecting || next.attempt != 0 {
		t.Fatalf("manual reconnect from failed: state=%s attempt=%d", next.state, next.attempt)
	}
	dials = 0
	for _, act := range actions {
		if act.kind == actDial {
			dials++
		}
	}
	if dials != 1 {
		t.Fatalf("manual reconnect scheduled %d dials, want 1", dials)
	}
}

func TestManualReconnectCancelsPendingTimer(t *testing.T) {
	m := newMachine(testPolicy())
	m, _ = m.transition(event{kind: evOpen})
	m, _ = m.transition(event{kind: evErrored})
	if m.state != StateReconnecting {
		t.Fatalf("state = %s, want reconnecting", m.state)
	}

	m, actions := m.transition(event{kind: evReconnectNow})
	if m.state != StateConnecting {
		t.Fatalf("state = %s, want connecting", m.state)
	}
	if m.attempt != 0 {
		t.Fatalf("attempt = %d, want 0", m.attempt)
	}

	var cancelAt, dialAt = -1, -1
	for i, act := range actions {
		switch act.kind {
		case actCancelRetry:
			cancelAt = i
		case actDial:
			dialAt = i
		}
	}
	if cancelAt < 0 {
		t.Fatal("pending timer not cancelled")
	}
	if dialAt < 0 {
		t.Fatal("no dial issued")
	}
	if cancelAt > dialAt {
		t.Fatal("dial issued before the pending timer was cancelled")
	}
}

func TestDeliberateCloseSuppressesReconnect(t *testing.T) {
	m := newMachine(testPolicy())
	m, _ = m.transition(event{kind: evOpen})
	m, _ = m.transition(event{kind: evOpened})

	m, actions := m.transition(event{kind: evCloseReq})
	if m.state != StateIdle {
		t.Fatalf("state = %s, want idle", m.state)
	}
	for _, act := range actions {
		if act.kind == actScheduleRetry || act.kind == actDial {
			t.Fatal("deliberate close scheduled a reconnect")
		}
	}
}

func TestOpenEventIgnoredWhileActive(t *testing.T) {
	m := newMachine(testPolicy())
	m, _ = m.transition(event{kind: evOpen})

	for _, state := range []State{StateConnecting, StateConnected, StateReconnecting} {
		m.state = state
		next, actions := m.transition(event{kind: evOpen})
		if next.state != state {
			t.Fatalf("open in %s moved to %s", state, next.state)
		}
		if len(actions) != 0 {
			t.Fatalf("open in %s produced %d actions", state, len(actions))
		}
	}
}

func TestStateAndStatusNames(t *testing.T) {
	cases := []struct {
		state State
		want  string
	}{
		{StateIdle, "idle"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{StateReconnecting, "reconnecting"},
		{StateFailed, "failed"},
	}
	for _, tc := range cases {
		if got := tc.state.String(); got != tc.want {
			t.Errorf("State(%d).String() = %q, want %q", tc.state, got, tc.want)
		}
	}

	if StatusConnecting.ErrorFamily() {
		t.Error("connecting counts as error-family")
	}
	if StatusConnected.ErrorFamily() {
		t.Error("connected counts as error-family")
	}
	for _, s := range []Status{StatusDisconnected, StatusReconnecting, StatusError, StatusAuthFailed, StatusFailed} {
		if !s.ErrorFamily() {
			t.Errorf("%s not counted as error-family", s)
		}
	}
	if !StatusFailed.Terminal() || StatusReconnecting.Terminal() {
		t.Error("terminal flag wrong")
	}
}
