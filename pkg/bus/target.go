// Package bus serves protocol commands from an I2C controller. The printer
// writes a command frame, then reads the reply in a following transaction.
package bus

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"github.com/itohio/gofilament/pkg/protocol"
)

// DefaultReplyWait bounds how long a read waits for the reply to the last
// command before it is answered with protocol.SensorTimeout.
const DefaultReplyWait = 300 * time.Millisecond

// Event is an I2C target event.
type Event uint8

const (
	// Receive means the controller wrote bytes to the target.
	Receive Event = iota + 1
	// Request means the controller is reading from the target.
	Request
	// Finish means the controller ended the transaction.
	Finish
)

// Target is an I2C peripheral configured in target mode, as TinyGo's
// machine.I2C is after Listen.
type Target interface {
	WaitForEvent(buf []byte) (Event, int, error)
	Reply(buf []byte) error
}

// message is a command frame or a reply, tagged with the generation of the
// command it belongs to.
type message struct {
	gen  uint32
	data []byte
}

// Endpoint turns target events into command frames and replies.
//
// Every accepted write starts a new generation. Receive remembers the
// generation of the frame it hands out and Reply tags the reply with it, so a
// reply that arrives after the controller moved on to a newer command is
// dropped instead of being read as the answer to that command.
type Endpoint struct {
	target Target
	wait   time.Duration
	logf   func(format string, v ...any)

	gen    atomic.Uint32 // latest accepted command
	served atomic.Uint32 // command last returned by Receive

	frames  chan message
	replies chan message
	done    chan struct{}
}

// NewEndpoint creates an endpoint over t. A zero wait means DefaultReplyWait;
// logf defaults to log.Printf.
func NewEndpoint(t Target, wait time.Duration, logf func(format string, v ...any)) *Endpoint {
	if wait <= 0 {
		wait = DefaultReplyWait
	}
	if logf == nil {
		logf = log.Printf
	}
	return &Endpoint{
		target:  t,
		wait:    wait,
		logf:    logf,
		frames:  make(chan message, 1),
		replies: make(chan message, 1),
		done:    make(chan struct{}),
	}
}

// ErrClosed is returned by Receive after Run has stopped.
var ErrClosed = errors.New("bus endpoint closed")

// Run handles bus events until ctx is done or the target fails. The context
// is checked between events.
func (e *Endpoint) Run(ctx context.Context) error {
	defer close(e.done)

	buf := make([]byte, protocol.MaxCommandSize)
	var last []byte
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		evt, n, err := e.target.WaitForEvent(buf)
		if err != nil {
			e.logf("bus: %v", err)
			continue
		}

		switch evt {
		case Receive:
			if n == 0 {
				continue // address probe
			}
			last = nil
			frame := message{gen: e.gen.Add(1), data: append([]byte(nil), buf[:n]...)}
			e.drainReplies()
			select {
			case <-e.frames:
				e.logf("bus: command superseded before it was served")
			default:
			}
			select {
			case e.frames <- frame:
			default:
				e.logf("bus: busy, dropped %d byte command", n)
			}
		case Request:
			if r, ok := e.current(); ok {
				last = r
			}
			if last == nil {
				last = e.awaitReply(ctx)
			}
			if err := e.target.Reply(last); err != nil {
				e.logf("bus: reply: %v", err)
			}
		}
	}
}

func (e *Endpoint) drainReplies() {
	select {
	case <-e.replies:
	default:
	}
}

// current returns a queued reply to the latest command, discarding stale ones.
func (e *Endpoint) current() ([]byte, bool) {
	select {
	case r := <-e.replies:
		if r.gen == e.gen.Load() {
			return r.data, true
		}
	default:
	}
	return nil, false
}

func (e *Endpoint) awaitReply(ctx context.Context) []byte {
	timer := time.NewTimer(e.wait)
	defer timer.Stop()
	for {
		select {
		case r := <-e.replies:
			if r.gen == e.gen.Load() {
				return r.data
			}
		case <-timer.C:
			return protocol.StatusReply(protocol.SensorTimeout)
		case <-ctx.Done():
			return protocol.StatusReply(protocol.SensorTimeout)
		}
	}
}

// Receive returns the next command frame.
func (e *Endpoint) Receive(ctx context.Context) ([]byte, error) {
	select {
	case f := <-e.frames:
		e.served.Store(f.gen)
		return f.data, nil
	case <-e.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Reply queues the reply to the command last returned by Receive for the next
// read. It never blocks. A reply to a command the controller has already
// replaced with a newer one is dropped.
func (e *Endpoint) Reply(_ context.Context, reply []byte) error {
	r := message{gen: e.served.Load(), data: reply}
	if r.gen != e.gen.Load() {
		e.logf("bus: dropped late reply % X", reply)
		return nil
	}
	e.drainReplies()
	select {
	case e.replies <- r:
	default:
	}
	return nil
}
