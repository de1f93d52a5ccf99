package engine

import (
	"math"
	"math/rand"
	"time"
)

// ConnState is the live channel connection state.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	// StateGaveUp is terminal: the retry ceiling was exhausted or the
	// credential was rejected. A fresh Connect is required to leave it.
	StateGaveUp
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateGaveUp:
		return "gave-up"
	}
	return "unknown"
}

// ReconnectPolicy bounds the reconnection state machine. The zero value
// is normalized to the defaults below.
type ReconnectPolicy struct {
	// InitialDelay is the wait before the first retry; it doubles each
	// attempt up to MaxDelay.
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// MaxAttempts is the retry ceiling; once exhausted the channel
	// enters StateGaveUp.
	MaxAttempts int
	// MinInterval throttles dial attempts: an attempt started sooner
	// than this after the previous one is deferred, never run
	// concurrently.
	MinInterval time.Duration
	// Jitter is the +/- fraction applied to each delay. Zero disables
	// jitter, which keeps retry timing exact for tests.
	Jitter float64
}

func (p ReconnectPolicy) normalized() ReconnectPolicy {
	if p.InitialDelay <= 0 {
		p.InitialDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 8
	}
	if p.MinInterval < 0 {
		p.MinInterval = 0
	}
	return p
}

// Delay returns the backoff before retry number attempt (1-based) and
// false once the ceiling is exhausted. Pure apart from jitter.
func (p ReconnectPolicy) Delay(attempt int) (time.Duration, bool) {
	p = p.normalized()
	if attempt > p.MaxAttempts {
		return 0, false
	}
	if attempt < 1 {
		attempt = 1
	}
	backoff := float64(p.InitialDelay) * math.Pow(2, float64(attempt-1))
	if backoff > float64(p.MaxDelay) {
		backoff = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		jitter := p.Jitter * backoff
		backoff += (rand.Float64() - 0.5) * 2 * jitter
	}
	return time.Duration(backoff), true
}
