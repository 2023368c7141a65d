// Package circuitbreaker guards the broadcast path against a degraded RPC
// endpoint. After a run of consecutive failures the breaker opens and
// broadcasts are rejected locally until a cool-off elapses, sparing workers
// from burning nonces against a dead node.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Execute while the breaker is rejecting calls.
var ErrOpen = errors.New("circuit open")

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

type Config struct {
	// FailureThreshold is the run of consecutive failures that opens the
	// breaker. Defaults to 5.
	FailureThreshold int
	// SuccessThreshold is the run of successes in half-open that closes it
	// again. Defaults to 2.
	SuccessThreshold int
	// CoolOff is how long the breaker stays open before probing. Defaults
	// to 30s.
	CoolOff       time.Duration
	OnStateChange func(from, to State)
}

type Breaker struct {
	cfg Config

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	openedUntil time.Time
}

func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.CoolOff <= 0 {
		cfg.CoolOff = 30 * time.Second
	}
	return &Breaker{cfg: cfg, state: Closed}
}

// Execute runs fn under the breaker. While open it returns ErrOpen without
// calling fn; fn's own error is passed through otherwise.
func (b *Breaker) Execute(fn func() error) error {
	if !b.allow() {
		return ErrOpen
	}
	err := fn()
	b.record(err == nil)
	return err
}

// State reports the current state, promoting open to half-open once the
// cool-off has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeProbe()
	return b.state
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeProbe()
	return b.state != Open
}

func (b *Breaker) maybeProbe() {
	if b.state == Open && time.Now().After(b.openedUntil) {
		b.transition(HalfOpen)
	}
}

func (b *Breaker) record(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ok {
		b.failures = 0
		if b.state == HalfOpen {
			b.successes++
			if b.successes >= b.cfg.SuccessThreshold {
				b.transition(Closed)
			}
		}
		return
	}

	b.failures++
	b.successes = 0
	switch {
	case b.state == HalfOpen:
		b.open()
	case b.state == Closed && b.failures >= b.cfg.FailureThreshold:
		b.open()
	}
}

func (b *Breaker) open() {
	b.openedUntil = time.Now().Add(b.cfg.CoolOff)
	b.transition(Open)
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.successes = 0
	if to == Closed {
		b.failures = 0
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}
