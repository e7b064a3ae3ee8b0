// Package status drives the single status LED of the sensor board.
package status

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itohio/gofilament/pkg/config"
)

// State is a status event and the blink pattern it selects.
type State int32

// States.
const (
	Idle     State = iota // LED off, waiting for an event
	Start                 // solid on, then off; not preemptible
	Thinking              // toggles until preempted
	Complete              // toggles a few times, then idle
	Fault                 // toggles until a non-Fault event
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Start:
		return "start"
	case Thinking:
		return "thinking"
	case Complete:
		return "complete"
	case Fault:
		return "fault"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// LED is a single on/off output, such as a TinyGo machine.Pin.
type LED interface {
	Set(on bool)
}

// LEDFunc adapts a function to LED.
type LEDFunc func(on bool)

// Set calls f(on).
func (f LEDFunc) Set(on bool) { f(on) }

// Timing holds the blink pattern durations.
type Timing struct {
	Start           time.Duration
	Thinking        time.Duration
	Complete        time.Duration
	CompleteToggles int
	Fault           time.Duration
}

// TimingFrom extracts the pattern durations from the LED configuration.
func TimingFrom(cfg *config.LEDConfig) Timing {
	return Timing{
		Start:           cfg.Start,
		Thinking:        cfg.Thinking,
		Complete:        cfg.Complete,
		CompleteToggles: cfg.CompleteToggles,
		Fault:           cfg.Fault,
	}
}

// Indicator runs the LED state machine.
//
// Events are coalesced rather than queued: Signal records the event as
// pending and wakes Run. A pending Fault is never overwritten by a later
// non-Fault event, so a Fault raised in the same window as Thinking or
// Complete always wins.
type Indicator struct {
	led    LED
	timing Timing
	logf   func(format string, v ...any)

	mu         sync.Mutex
	boot       bool // Start pending; played before any other pending event
	pending    State
	hasPending bool
	wake       chan struct{}

	state atomic.Int32
	lit   bool
}

// NewIndicator creates an indicator. logf may be nil.
func NewIndicator(led LED, timing Timing, logf func(format string, v ...any)) *Indicator {
	def := TimingFrom(&config.Default().LED)
	if timing.Start <= 0 {
		timing.Start = def.Start
	}
	if timing.Thinking <= 0 {
		timing.Thinking = def.Thinking
	}
	if timing.Complete <= 0 {
		timing.Complete = def.Complete
	}
	if timing.CompleteToggles <= 0 {
		timing.CompleteToggles = def.CompleteToggles
	}
	if timing.Fault <= 0 {
		timing.Fault = def.Fault
	}
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Indicator{
		led:    led,
		timing: timing,
		logf:   logf,
		wake:   make(chan struct{}, 1),
	}
}

// Signal posts a status event. It never blocks. A pending Start is never
// coalesced away: it plays first and the latest other event follows it.
func (i *Indicator) Signal(s State) {
	i.mu.Lock()
	switch {
	case s == Start:
		i.boot = true
	case !i.hasPending || i.pending != Fault:
		i.pending = s
		i.hasPending = true
	}
	i.mu.Unlock()

	select {
	case i.wake <- struct{}{}:
	default:
	}
}

// State returns the pattern currently shown.
func (i *Indicator) State() State {
	return State(i.state.Load())
}

func (i *Indicator) take() (State, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.boot {
		i.boot = false
		if i.hasPending {
			// Wake again for the event queued behind Start.
			select {
			case i.wake <- struct{}{}:
			default:
			}
		}
		return Start, true
	}
	s, ok := i.pending, i.hasPending
	i.hasPending = false
	return s, ok
}

func (i *Indicator) set(on bool) {
	if on == i.lit {
		return
	}
	i.lit = on
	i.led.Set(on)
}

// wait sleeps for d or until an event arrives. It returns the event and true
// when preempted.
func (i *Indicator) wait(ctx context.Context, d time.Duration) (State, bool, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return Idle, false, ctx.Err()
		case <-timer.C:
			return Idle, false, nil
		case <-i.wake:
			if s, ok := i.take(); ok {
				return s, true, nil
			}
		}
	}
}

// sleep waits for d ignoring events; they stay pending.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run drives the LED until ctx is done. The LED is left off.
func (i *Indicator) Run(ctx context.Context) error {
	i.led.Set(false)
	defer i.led.Set(false)

	next := Idle
	for {
		if cur := i.State(); cur != next {
			i.logf("status: %s -> %s", cur, next)
		}
		i.state.Store(int32(next))

		var err error
		switch next {
		case Start:
			next, err = i.start(ctx)
		case Thinking:
			next, err = i.blink(ctx, i.timing.Thinking, Thinking)
		case Complete:
			next, err = i.complete(ctx)
		case Fault:
			next, err = i.blink(ctx, i.timing.Fault, Fault)
		default:
			next, err = i.idle(ctx)
		}
		if err != nil {
			return err
		}
	}
}

func (i *Indicator) idle(ctx context.Context) (State, error) {
	i.set(false)
	for {
		select {
		case <-ctx.Done():
			return Idle, ctx.Err()
		case <-i.wake:
			if s, ok := i.take(); ok {
				return s, nil
			}
		}
	}
}

func (i *Indicator) start(ctx context.Context) (State, error) {
	i.set(true)
	if err := sleep(ctx, i.timing.Start); err != nil {
		return Idle, err
	}
	i.set(false)
	return Idle, nil
}

// blink toggles with the given period until an event other than self arrives.
func (i *Indicator) blink(ctx context.Context, period time.Duration, self State) (State, error) {
	on := true
	for {
		i.set(on)
		s, preempted, err := i.wait(ctx, period)
		if err != nil {
			return Idle, err
		}
		if preempted && s != self {
			return s, nil
		}
		if !preempted {
			on = !on
		}
	}
}

func (i *Indicator) complete(ctx context.Context) (State, error) {
	for n := 0; n < i.timing.CompleteToggles; n++ {
		i.set(n%2 == 0)
		s, preempted, err := i.wait(ctx, i.timing.Complete)
		if err != nil {
			return Idle, err
		}
		if preempted {
			return s, nil
		}
	}
	i.set(false)
	return Idle, nil
}
