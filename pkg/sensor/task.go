package sensor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/itohio/gofilament/pkg/config"
	"github.com/itohio/gofilament/pkg/fixedpoint"
	"github.com/itohio/gofilament/pkg/sample"
)

var (
	// ErrTimeout is returned by Reading when the caller's context expires
	// before the task answers.
	ErrTimeout = errors.New("sensor timeout")
	// ErrStopped is returned by Reading once Run has returned.
	ErrStopped = errors.New("sensor task stopped")
)

type result struct {
	w   fixedpoint.Word
	err error
}

type request struct {
	reply chan result
}

// Task samples an ADC continuously into a moving-average window and answers
// reading requests from other goroutines. The window is owned by the Run
// goroutine; requests are handed over through a bounded channel and answered
// on a buffered reply channel, so the sampling loop never waits on a caller.
type Task struct {
	adc      ADC
	window   *sample.Window
	bits     uint
	interval time.Duration

	requests chan request
	pending  []request
	done     chan struct{}
	samples  atomic.Uint64
}

// NewTask creates a sensor task. A nil cfg uses the defaults.
func NewTask(adc ADC, cfg *config.SensorConfig) *Task {
	if cfg == nil {
		cfg = &config.Default().Sensor
	}
	queue := cfg.RequestQueue
	if queue <= 0 {
		queue = 1
	}
	return &Task{
		adc:      adc,
		window:   sample.NewWindow(cfg.WindowSize),
		bits:     cfg.Resolution,
		interval: cfg.SampleInterval,
		requests: make(chan request, queue),
		done:     make(chan struct{}),
	}
}

// Run samples until ctx is done. It must be called once.
func (t *Task) Run(ctx context.Context) error {
	defer close(t.done)

	var timer *time.Timer
	if t.interval > 0 {
		timer = time.NewTimer(t.interval)
		defer timer.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		t.window.Push(sample.LeftAlign(t.adc.Get(), t.bits))
		t.samples.Add(1)
		t.serve()

		if timer == nil {
			continue
		}
		timer.Reset(t.interval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// serve collects queued requests and answers them once the window holds data.
func (t *Task) serve() {
drain:
	for {
		select {
		case r := <-t.requests:
			t.pending = append(t.pending, r)
		default:
			break drain
		}
	}
	if len(t.pending) == 0 || t.window.Len() == 0 {
		return
	}

	w, err := t.window.Reading()
	for i, r := range t.pending {
		select {
		case r.reply <- result{w: w, err: err}:
		default:
		}
		t.pending[i] = request{}
	}
	t.pending = t.pending[:0]
}

// Reading returns the current filtered reading in Q14.10. It waits for the
// first sample if none has been taken yet; ctx bounds the wait.
func (t *Task) Reading(ctx context.Context) (fixedpoint.Word, error) {
	r := request{reply: make(chan result, 1)}

	select {
	case t.requests <- r:
	case <-t.done:
		return 0, ErrStopped
	case <-ctx.Done():
		return 0, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	}

	select {
	case res := <-r.reply:
		return res.w, res.err
	case <-t.done:
		return 0, ErrStopped
	case <-ctx.Done():
		return 0, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	}
}

// Samples returns the number of samples taken so far.
func (t *Task) Samples() uint64 {
	return t.samples.Load()
}
