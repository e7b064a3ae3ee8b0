package status

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/itohio/gofilament/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type edge struct {
	on bool
	at time.Time
}

// recordingLED records every Set call.
type recordingLED struct {
	mu    sync.Mutex
	edges []edge
}

func (l *recordingLED) Set(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.edges = append(l.edges, edge{on: on, at: time.Now()})
}

func (l *recordingLED) snapshot() []edge {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]edge(nil), l.edges...)
}

func (l *recordingLED) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.edges)
}

func testTiming() Timing {
	return Timing{
		Start:           40 * time.Millisecond,
		Thinking:        10 * time.Millisecond,
		Complete:        5 * time.Millisecond,
		CompleteToggles: 8,
		Fault:           10 * time.Millisecond,
	}
}

func runIndicator(t *testing.T, ind *Indicator) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ind.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(time.Second):
			t.Error("indicator did not stop")
		}
	})
}

func waitState(t *testing.T, ind *Indicator, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return ind.State() == want },
		time.Second, time.Millisecond, "indicator never reached %s", want)
}

func TestIndicator_StartIsOneShot(t *testing.T) {
	led := &recordingLED{}
	ind := NewIndicator(led, testTiming(), t.Logf)
	runIndicator(t, ind)

	ind.Signal(Start)
	waitState(t, ind, Start)
	waitState(t, ind, Idle)
	time.Sleep(20 * time.Millisecond)

	edges := led.snapshot()
	require.Len(t, edges, 3, "initial off, then one on/off pulse")
	assert.False(t, edges[0].on)
	assert.True(t, edges[1].on)
	assert.False(t, edges[2].on)
	assert.GreaterOrEqual(t, edges[2].at.Sub(edges[1].at), 40*time.Millisecond)
}

func TestIndicator_StartIsNotPreempted(t *testing.T) {
	led := &recordingLED{}
	ind := NewIndicator(led, testTiming(), t.Logf)
	runIndicator(t, ind)

	ind.Signal(Start)
	waitState(t, ind, Start)
	ind.Signal(Thinking)
	waitState(t, ind, Thinking)

	edges := led.snapshot()
	require.GreaterOrEqual(t, len(edges), 3)
	assert.True(t, edges[1].on)
	assert.False(t, edges[2].on, "start pattern completes before thinking begins")
	assert.GreaterOrEqual(t, edges[2].at.Sub(edges[1].at), 40*time.Millisecond)
}

func TestIndicator_BootSequenceBeforeRun(t *testing.T) {
	led := &recordingLED{}
	ind := NewIndicator(led, testTiming(), t.Logf)

	// All boot events are posted before the indicator goroutine gets to run.
	ind.Signal(Start)
	ind.Signal(Thinking)
	ind.Signal(Complete)
	runIndicator(t, ind)

	waitState(t, ind, Complete)
	edges := led.snapshot()
	require.GreaterOrEqual(t, len(edges), 3)
	assert.True(t, edges[1].on)
	assert.False(t, edges[2].on)
	assert.GreaterOrEqual(t, edges[2].at.Sub(edges[1].at), 40*time.Millisecond, "start pattern plays in full")

	waitState(t, ind, Idle)
}

func TestIndicator_FaultQueuedBehindStart(t *testing.T) {
	led := &recordingLED{}
	ind := NewIndicator(led, testTiming(), t.Logf)

	ind.Signal(Start)
	ind.Signal(Fault)
	ind.Signal(Complete)
	runIndicator(t, ind)

	waitState(t, ind, Start)
	waitState(t, ind, Fault)
}

func TestIndicator_ThinkingTogglesUntilPreempted(t *testing.T) {
	led := &recordingLED{}
	ind := NewIndicator(led, testTiming(), t.Logf)
	runIndicator(t, ind)

	ind.Signal(Thinking)
	waitState(t, ind, Thinking)
	require.Eventually(t, func() bool { return led.count() >= 6 }, time.Second, time.Millisecond)

	edges := led.snapshot()
	for k := 2; k < len(edges); k++ {
		assert.NotEqual(t, edges[k-1].on, edges[k].on, "edge %d does not toggle", k)
	}
	assert.Equal(t, Thinking, ind.State())

	ind.Signal(Complete)
	waitState(t, ind, Complete)
}

func TestIndicator_CompleteReturnsToIdle(t *testing.T) {
	led := &recordingLED{}
	ind := NewIndicator(led, testTiming(), t.Logf)
	runIndicator(t, ind)

	ind.Signal(Complete)
	waitState(t, ind, Complete)
	waitState(t, ind, Idle)

	edges := led.snapshot()
	// initial off, then 8 toggles: on, off, ... off. The last toggle turns the
	// LED off, which is where it stays.
	require.Len(t, edges, 9)
	for k, e := range edges[1:] {
		assert.Equal(t, k%2 == 0, e.on, "toggle %d", k)
	}
}

func TestIndicator_FaultWinsPendingRace(t *testing.T) {
	tests := []struct {
		name   string
		events []State
	}{
		{"thinking then fault", []State{Thinking, Fault}},
		{"fault then thinking", []State{Fault, Thinking}},
		{"fault then complete", []State{Fault, Complete}},
		{"thinking fault complete", []State{Thinking, Fault, Complete}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ind := NewIndicator(&recordingLED{}, testTiming(), t.Logf)
			for _, ev := range tt.events {
				ind.Signal(ev)
			}
			runIndicator(t, ind)
			waitState(t, ind, Fault)
		})
	}
}

func TestIndicator_LastEventWinsWithoutFault(t *testing.T) {
	ind := NewIndicator(&recordingLED{}, testTiming(), t.Logf)
	ind.Signal(Complete)
	ind.Signal(Thinking)
	runIndicator(t, ind)
	waitState(t, ind, Thinking)
}

func TestIndicator_FaultHoldsUntilCleared(t *testing.T) {
	led := &recordingLED{}
	ind := NewIndicator(led, testTiming(), t.Logf)
	runIndicator(t, ind)

	ind.Signal(Fault)
	waitState(t, ind, Fault)
	before := led.count()

	ind.Signal(Fault)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, Fault, ind.State())
	assert.Greater(t, led.count(), before, "fault keeps blinking")

	ind.Signal(Complete)
	waitState(t, ind, Complete)
	waitState(t, ind, Idle)
}

func TestIndicator_SignalNeverBlocks(t *testing.T) {
	ind := NewIndicator(&recordingLED{}, testTiming(), nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for k := 0; k < 10000; k++ {
			ind.Signal(State(k % 5))
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Signal blocked without a running indicator")
	}
}

func TestIndicator_DefaultTiming(t *testing.T) {
	ind := NewIndicator(LEDFunc(func(bool) {}), Timing{}, nil)
	assert.Equal(t, TimingFrom(&config.Default().LED), ind.timing)
	assert.Equal(t, 1000*time.Millisecond, ind.timing.Start)
	assert.Equal(t, 500*time.Millisecond, ind.timing.Thinking)
	assert.Equal(t, 125*time.Millisecond, ind.timing.Complete)
	assert.Equal(t, 8, ind.timing.CompleteToggles)
	assert.Equal(t, 1000*time.Millisecond, ind.timing.Fault)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "fault", Fault.String())
	assert.Equal(t, "state(9)", State(9).String())
}
