package resilience

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrOpen is returned while the circuit rejects all calls.
	ErrOpen = errors.New("circuit breaker is open")
	// ErrTooManyProbes is returned when the half-open probe budget is spent.
	ErrTooManyProbes = errors.New("too many probe requests")
)

// State is the breaker's position.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Counts holds rolling statistics for the current generation.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// Settings configures breaker behavior. Zero values get usable defaults.
type Settings struct {
	// MaxProbes bounds concurrent requests in half-open state.
	MaxProbes uint32
	// Interval resets closed-state counts so old failures age out.
	Interval time.Duration
	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration
	// ReadyToTrip decides, after a closed-state failure, whether to open.
	ReadyToTrip func(counts Counts) bool
	// OnStateChange observes transitions, typically for logging.
	OnStateChange func(name string, from, to State)
}

// Breaker is a three-state circuit breaker. Safe for concurrent use.
type Breaker struct {
	name     string
	settings Settings

	mu     sync.Mutex
	state  State
	counts Counts
	expiry time.Time
}

// New creates a breaker.
func New(name string, settings Settings) *Breaker {
	if settings.MaxProbes == 0 {
		settings.MaxProbes = 1
	}
	if settings.Interval == 0 {
		settings.Interval = 60 * time.Second
	}
	if settings.Cooldown == 0 {
		settings.Cooldown = 30 * time.Second
	}
	if settings.ReadyToTrip == nil {
		settings.ReadyToTrip = func(counts Counts) bool {
			return counts.ConsecutiveFailures >= 5
		}
	}
	return &Breaker{
		name:     name,
		settings: settings,
		state:    StateClosed,
		expiry:   time.Now().Add(settings.Interval),
	}
}

// Name returns the breaker's name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state, advancing open->half-open on expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, _ := b.currentState(time.Now())
	return state
}

// Counts returns a copy of the current generation's statistics.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Do runs fn if the breaker admits the call and records its outcome. The
// generation token keeps a slow call that straddles a state change from
// corrupting the next generation's counts.
func (b *Breaker) Do(fn func() error) error {
	generation, err := b.before()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			b.after(generation, false)
			panic(r)
		}
	}()

	callErr := fn()
	b.after(generation, callErr == nil)
	return callErr
}

func (b *Breaker) before() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, generation := b.currentState(now)

	if state == StateOpen {
		return generation, ErrOpen
	}
	if state == StateHalfOpen && b.counts.Requests >= b.settings.MaxProbes {
		return generation, ErrTooManyProbes
	}
	b.counts.Requests++
	return generation, nil
}

func (b *Breaker) after(before uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, generation := b.currentState(now)
	if generation != before {
		return
	}
	if success {
		b.onSuccess(state, now)
	} else {
		b.onFailure(state, now)
	}
}

func (b *Breaker) onSuccess(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.counts.TotalSuccesses++
		b.counts.ConsecutiveSuccesses++
		b.counts.ConsecutiveFailures = 0
	case StateHalfOpen:
		b.counts.TotalSuccesses++
		b.counts.ConsecutiveSuccesses++
		b.counts.ConsecutiveFailures = 0
		if b.counts.ConsecutiveSuccesses >= b.settings.MaxProbes {
			b.setState(StateClosed, now)
		}
	}
}

func (b *Breaker) onFailure(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.counts.TotalFailures++
		b.counts.ConsecutiveFailures++
		b.counts.ConsecutiveSuccesses = 0
		if b.settings.ReadyToTrip(b.counts) {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) currentState(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.counts = Counts{}
			b.expiry = now.Add(b.settings.Interval)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state, uint64(b.expiry.UnixNano())
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.counts = Counts{}

	switch state {
	case StateClosed:
		b.expiry = now.Add(b.settings.Interval)
	case StateOpen:
		b.expiry = now.Add(b.settings.Cooldown)
	case StateHalfOpen:
		b.expiry = time.Time{}
	}

	if b.settings.OnStateChange != nil {
		b.settings.OnStateChange(b.name, prev, state)
	}
}
