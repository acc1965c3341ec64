package stream

import (
	"math"
	"time"
)

// State is a connection lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

// String returns the metrics/log name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type eventKind int

const (
	evOpen         eventKind = iota // Open() requested
	evOpened                        // dial completed, socket is live
	evClosed                        // socket closed with a close frame
	evErrored                       // dial or read failed without one
	evRetryDue                      // backoff timer fired
	evReconnectNow                  // manual reconnect requested
	evCloseReq                      // deliberate Close() requested
)

// event is one input to the lifecycle machine.
type event struct {
	kind   eventKind
	code   int
	reason string
	err    error
}

type actionKind int

const (
	actDial actionKind = iota
	actScheduleRetry
	actCancelRetry
	actCancelDial
	actCloseSocket
	actStartKeepalive
	actStopKeepalive
	actReplaySubscriptions
	actDiscardToken
	actStatus
)

// action is one side effect the loop must carry out after a transition.
// Order within the returned slice is part of the contract: the token
// discard always precedes the retry schedule on an auth rejection, so the
// next attempt fetches a fresh token.
type action struct {
	kind   actionKind
	status StatusUpdate
	delay  time.Duration
}

func statusAction(u StatusUpdate) action {
	return action{kind: actStatus, status: u}
}

// backoffPolicy computes retry delays.
type backoffPolicy struct {
	Base        time.Duration
	Max         time.Duration
	Growth      float64
	MaxAttempts int
}

// delay returns the wait before retry number attempt (1-based):
// min(Base * Growth^(attempt-1), Max).
func (p backoffPolicy) delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Base) * math.Pow(p.Growth, float64(attempt-1))
	if d >= float64(p.Max) {
		return p.Max
	}
	return time.Duration(d)
}

// machine is the connection lifecycle state machine. transition is pure:
// it reads nothing but the receiver and the event, and returns the next
// machine plus the actions the caller must execute, in order. All clock
// and socket work stays with the caller.
type machine struct {
	state   State
	attempt int
	policy  backoffPolicy
}

func newMachine(p backoffPolicy) machine {
	return machine{state: StateIdle, policy: p}
}

// scheduleOrFail decides between another retry and terminal failure after
// a connection died. pre carries the actions that must run first.
func (m machine) scheduleOrFail(pre []action) (machine, []action) {
	if m.attempt >= m.policy.MaxAttempts {
		m.state = StateFailed
		return m, append(pre, statusAction(StatusUpdate{
			Status:      StatusFailed,
			Attempt:     m.attempt,
			MaxAttempts: m.policy.MaxAttempts,
		}))
	}
	m.attempt++
	d := m.policy.delay(m.attempt)
	m.state = StateReconnecting
	return m, append(pre,
		statusAction(StatusUpdate{
			Status:      StatusReconnecting,
			Attempt:     m.attempt,
			MaxAttempts: m.policy.MaxAttempts,
			Delay:       d,
		}),
		action{kind: actScheduleRetry, delay: d},
	)
}

// begin starts a fresh connect cycle with the attempt counter cleared.
func (m machine) begin(pre []action) (machine, []action) {
	m.state = StateConnecting
	m.attempt = 0
	return m, append(pre,
		statusAction(StatusUpdate{Status: StatusConnecting}),
		action{kind: actDial},
	)
}

func (m machine) transition(ev event) (machine, []action) {
	switch m.state {
	case StateIdle, StateFailed:
		switch ev.kind {
		case evOpen, evReconnectNow:
			return m.begin(nil)
		case evCloseReq:
			m.state = StateIdle
			return m, nil
		}

	case StateConnecting:
		switch ev.kind {
		case evOpened:
			m.state = StateConnected
			m.attempt = 0
			return m, []action{
				statusAction(StatusUpdate{Status: StatusConnected}),
				{kind: actStartKeepalive},
				{kind: actReplaySubscriptions},
			}
		case evClosed:
			if ev.code == authRejectionCode {
				return m.scheduleOrFail([]action{
					{kind: actDiscardToken},
					statusAction(StatusUpdate{Status: StatusAuthFailed, Code: ev.code, Reason: ev.reason}),
				})
			}
			return m.scheduleOrFail([]action{
				statusAction(StatusUpdate{Status: StatusDisconnected, Code: ev.code, Reason: ev.reason}),
			})
		case evErrored:
			return m.scheduleOrFail([]action{
				statusAction(StatusUpdate{Status: StatusError, Reason: errText(ev.err)}),
			})
		case evReconnectNow:
			return m.begin([]action{{kind: actCancelDial}})
		case evCloseReq:
			m.state = StateIdle
			return m, []action{
				{kind: actCancelDial},
				statusAction(StatusUpdate{Status: StatusDisconnected, Reason: "closed by client"}),
			}
		}

	case StateConnected:
		switch ev.kind {
		case evClosed:
			if ev.code == authRejectionCode {
				return m.scheduleOrFail([]action{
					{kind: actStopKeepalive},
					{kind: actDiscardToken},
					statusAction(StatusUpdate{Status: StatusAuthFailed, Code: ev.code, Reason: ev.reason}),
				})
			}
			return m.scheduleOrFail([]action{
				{kind: actStopKeepalive},
				statusAction(StatusUpdate{Status: StatusDisconnected, Code: ev.code, Reason: ev.reason}),
			})
		case evErrored:
			return m.scheduleOrFail([]action{
				{kind: actStopKeepalive},
				statusAction(StatusUpdate{Status: StatusError, Reason: errText(ev.err)}),
			})
		case evReconnectNow:
			return m.begin([]action{
				{kind: actStopKeepalive},
				{kind: actCloseSocket},
			})
		case evCloseReq:
			m.state = StateIdle
			return m, []action{
				{kind: actStopKeepalive},
				{kind: actCloseSocket},
				statusAction(StatusUpdate{Status: StatusDisconnected, Reason: "closed by client"}),
			}
		}

	case StateReconnecting:
		switch ev.kind {
		case evRetryDue:
			// attempt counts connection attempts made so far (the manual
			// open included). When they are spent the timer resolves to
			// terminal failure instead of another dial.
			if m.attempt >= m.policy.MaxAttempts {
				m.state = StateFailed
				return m, []action{statusAction(StatusUpdate{
					Status:      StatusFailed,
					Attempt:     m.attempt,
					MaxAttempts: m.policy.MaxAttempts,
				})}
			}
			m.state = StateConnecting
			return m, []action{
				statusAction(StatusUpdate{Status: StatusConnecting, Attempt: m.attempt, MaxAttempts: m.policy.MaxAttempts}),
				{kind: actDial},
			}
		case evReconnectNow:
			return m.begin([]action{{kind: actCancelRetry}})
		case evCloseReq:
			m.state = StateIdle
			return m, []action{
				{kind: actCancelRetry},
				statusAction(StatusUpdate{Status: StatusDisconnected, Reason: "closed by client"}),
			}
		}
	}

	// Everything else is a stale or out-of-order event; hold position.
	return m, nil
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
