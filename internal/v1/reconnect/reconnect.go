// Package reconnect provides the connection lifecycle state machine and
// jittered exponential backoff used by long-lived substrate
// subscriptions.
package reconnect

import (
	"context"
	"math/rand"
	"time"
)

// State of a managed connection.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateBackoff    State = "backoff"
	StateClosed     State = "closed"
)

// Policy bounds retry behaviour.
type Policy struct {
	MaxAttempts int // attempts before giving up; <= 0 means unbounded
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool
}

// DefaultPolicy matches the reconnect behaviour of the stream clients:
// unbounded attempts, 1s base doubling to a 30s cap, jittered.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 0,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
		Jitter:      true,
	}
}

// DelayFor returns the backoff delay for a 0-based attempt number.
func (p Policy) DelayFor(attempt int) time.Duration {
	delay := p.BaseDelay
	for i := 0; i < attempt && delay < p.MaxDelay; i++ {
		delay *= 2
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.Jitter {
		// 50-100% of the computed delay.
		delay = time.Duration(float64(delay) * (0.5 + rand.Float64()*0.5))
	}
	return delay
}

// ShouldRetry reports whether the attempt count is within bounds.
func (p Policy) ShouldRetry(attempt int) bool {
	return p.MaxAttempts <= 0 || attempt <= p.MaxAttempts
}

// Machine tracks connection lifecycle transitions:
//
//	Idle -> Connecting -> Open -> Backoff(n) -> Connecting -> ...
//
// A successful open resets the attempt counter; exhausting the policy
// moves the machine to Closed.
type Machine struct {
	policy  Policy
	state   State
	attempt int
}

// NewMachine creates a machine in the Idle state.
func NewMachine(policy Policy) *Machine {
	return &Machine{policy: policy, state: StateIdle}
}

// State returns the current lifecycle state.
func (m *Machine) State() State { return m.state }

// Attempt returns the current 0-based attempt counter.
func (m *Machine) Attempt() int { return m.attempt }

// Connecting records a connection attempt in flight.
func (m *Machine) Connecting() {
	m.state = StateConnecting
}

// Opened records a successful connection and resets the counter.
func (m *Machine) Opened() {
	m.state = StateOpen
	m.attempt = 0
}

// Failed records a drop or failed attempt. It returns the backoff delay
// for the next attempt and whether the machine has given up.
func (m *Machine) Failed() (delay time.Duration, giveUp bool) {
	m.attempt++
	if !m.policy.ShouldRetry(m.attempt) {
		m.state = StateClosed
		return 0, true
	}
	m.state = StateBackoff
	return m.policy.DelayFor(m.attempt - 1), false
}

// Close moves the machine to the terminal state.
func (m *Machine) Close() {
	m.state = StateClosed
}

// Sleep blocks for d or until ctx is cancelled. Returns false on
// cancellation so callers can unwind promptly.
func Sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
