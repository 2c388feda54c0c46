// Package circuit implements the trading halt circuit breaker.
package circuit

import (
	"sync"
	"time"

	"contrarian-pullback-bot/config"
)

// State is the breaker's current posture.
type State string

const (
	StateClosed State = "closed" // trading allowed
	StateOpen   State = "open"   // trading halted until the cooldown expires
)

// Breaker trips after a run of consecutive adapter failures and halts
// trading for a cooldown window. Every adapter call is wrapped with
// RecordSuccess/RecordFailure; CanTrade gates the periodic loop and the
// entry path.
type Breaker struct {
	mu sync.Mutex

	threshold int
	cooldown  time.Duration

	consecutiveFailures int
	openUntil           time.Time
	tripReason          string

	onTrip  func(reason string)
	onReset func()
}

// New builds a Breaker from CircuitBreakerConfig.
func New(cfg config.CircuitBreakerConfig) *Breaker {
	threshold := cfg.ConsecutiveFailureThreshold
	if threshold <= 0 {
		threshold = 5
	}
	cooldown := time.Duration(cfg.CooldownMinutes) * time.Minute
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	return &Breaker{threshold: threshold, cooldown: cooldown}
}

// OnTrip registers a callback invoked (synchronously, under no lock) the
// moment the breaker opens.
func (b *Breaker) OnTrip(handler func(reason string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTrip = handler
}

// OnReset registers a callback invoked when the breaker closes again.
func (b *Breaker) OnReset(handler func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onReset = handler
}

// RecordSuccess resets the consecutive-failure counter. If the breaker was
// open and the cooldown has elapsed, this closes it.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	wasOpen := !b.openUntil.IsZero()
	b.consecutiveFailures = 0
	var fire func()
	if wasOpen && time.Now().After(b.openUntil) {
		b.openUntil = time.Time{}
		b.tripReason = ""
		fire = b.onReset
	}
	b.mu.Unlock()
	if fire != nil {
		fire()
	}
}

// RecordFailure increments the consecutive-failure counter, tripping the
// breaker once the threshold is reached.
func (b *Breaker) RecordFailure(reason string) {
	b.mu.Lock()
	b.consecutiveFailures++
	var fire func(string)
	var firedReason string
	if b.consecutiveFailures >= b.threshold && b.state() != StateOpen {
		b.openUntil = time.Now().Add(b.cooldown)
		b.tripReason = reason
		fire = b.onTrip
		firedReason = reason
	}
	b.mu.Unlock()
	if fire != nil {
		fire(firedReason)
	}
}

// CanTrade reports whether trading is currently allowed and, if not, why.
func (b *Breaker) CanTrade() (bool, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state() == StateOpen {
		return false, "circuit breaker open: " + b.tripReason
	}
	return true, ""
}

// state must be called with the lock held.
func (b *Breaker) state() State {
	if !b.openUntil.IsZero() && time.Now().Before(b.openUntil) {
		return StateOpen
	}
	return StateClosed
}

// State exposes the current posture and, if open, the expiry time, for the
// dashboard status snapshot.
func (b *Breaker) State() (State, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state(), b.openUntil
}
