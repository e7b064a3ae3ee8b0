// Package server answers protocol commands: it reads the filtered sensor
// value, converts it through the calibration curve and applies new
// calibration points.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itohio/gofilament/pkg/calibration"
	"github.com/itohio/gofilament/pkg/fixedpoint"
	"github.com/itohio/gofilament/pkg/protocol"
	"github.com/itohio/gofilament/pkg/status"
)

// DefaultTimeout bounds the wait for a sensor reading.
const DefaultTimeout = 250 * time.Millisecond

// State is the command server state.
type State int32

// Server states.
const (
	Idle State = iota
	AwaitingReading
	ApplyingCalibration
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingReading:
		return "awaiting reading"
	case ApplyingCalibration:
		return "applying calibration"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Sensor provides filtered readings.
type Sensor interface {
	Reading(ctx context.Context) (fixedpoint.Word, error)
}

// Calibrator converts readings to diameters and records calibration points.
type Calibrator interface {
	Diameter(reading float64) (float64, error)
	Calibrate(p calibration.Point) (calibration.Result, error)
	Reset() error
}

// Signaler receives status events.
type Signaler interface {
	Signal(s status.State)
}

// Endpoint is the transport a Server is attached to: the I2C target on the
// board or a framed serial link.
type Endpoint interface {
	Receive(ctx context.Context) ([]byte, error)
	Reply(ctx context.Context, reply []byte) error
}

// Config wires a Server to its collaborators.
type Config struct {
	Sensor Sensor
	Store  Calibrator
	// Status is optional.
	Status Signaler
	// Timeout bounds the wait for a reading. Zero means DefaultTimeout.
	Timeout time.Duration
	// Logf defaults to log.Printf.
	Logf func(format string, v ...any)
}

// Server handles one command at a time.
type Server struct {
	sensor  Sensor
	store   Calibrator
	status  Signaler
	timeout time.Duration
	logf    func(format string, v ...any)

	mu    sync.Mutex // one command at a time
	state atomic.Int32
}

// New creates a command server.
func New(cfg Config) *Server {
	s := &Server{
		sensor:  cfg.Sensor,
		store:   cfg.Store,
		status:  cfg.Status,
		timeout: cfg.Timeout,
		logf:    cfg.Logf,
	}
	if s.timeout <= 0 {
		s.timeout = DefaultTimeout
	}
	if s.logf == nil {
		s.logf = log.Printf
	}
	return s
}

// State returns the current state.
func (s *Server) State() State {
	return State(s.state.Load())
}

func (s *Server) setState(st State) {
	s.state.Store(int32(st))
}

func (s *Server) signal(st status.State) {
	if s.status != nil {
		s.status.Signal(st)
	}
}

// Serve answers commands from ep until ctx is done or ep fails.
func (s *Server) Serve(ctx context.Context, ep Endpoint) error {
	for {
		frame, err := ep.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("receive: %w", err)
		}
		reply := s.Handle(ctx, frame)
		if err := ep.Reply(ctx, reply); err != nil {
			s.logf("server: reply failed: %v", err)
		}
	}
}

// Handle executes one request frame and returns the reply frame. Failures
// are reported as status replies and never returned.
func (s *Server) Handle(ctx context.Context, frame []byte) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.setState(Idle)

	cmd, err := protocol.DecodeCommand(frame)
	if err != nil {
		s.logf("server: % X: %v", frame, err)
		s.signal(status.Fault)
		return protocol.ErrorReply(err)
	}

	switch cmd.Op {
	case protocol.OpRequestDiameter:
		d, err := s.diameter(ctx)
		return s.valueReply(cmd, d, err)
	case protocol.OpReadRaw:
		r, err := s.reading(ctx)
		return s.valueReply(cmd, r, err)
	case protocol.OpCalibrateSample:
		s.signal(status.Thinking)
		return s.ackReply(cmd, s.calibrateSample(ctx, cmd.Diameter))
	case protocol.OpCalibrateExplicit:
		s.signal(status.Thinking)
		return s.ackReply(cmd, s.calibrate(calibration.Point{Reading: cmd.Reading, Diameter: cmd.Diameter}))
	case protocol.OpResetCalibration:
		s.signal(status.Thinking)
		s.setState(ApplyingCalibration)
		return s.ackReply(cmd, s.store.Reset())
	}

	// DecodeCommand accepts only the opcodes above.
	s.signal(status.Fault)
	return protocol.StatusReply(protocol.Internal)
}

func (s *Server) valueReply(cmd protocol.Command, w fixedpoint.Word, err error) []byte {
	if err != nil {
		s.logf("server: %s: %v", cmd, err)
		s.signal(status.Fault)
		return protocol.ErrorReply(err)
	}
	return protocol.ValueReply(w)
}

func (s *Server) ackReply(cmd protocol.Command, err error) []byte {
	if err != nil {
		s.logf("server: %s: %v", cmd, err)
		s.signal(status.Fault)
		return protocol.ErrorReply(err)
	}
	s.signal(status.Complete)
	return protocol.StatusReply(protocol.OK)
}

func (s *Server) reading(ctx context.Context) (fixedpoint.Word, error) {
	s.setState(AwaitingReading)
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.sensor.Reading(ctx)
}

func (s *Server) diameter(ctx context.Context) (fixedpoint.Word, error) {
	r, err := s.reading(ctx)
	if err != nil {
		return 0, err
	}
	d, err := s.store.Diameter(r.Float())
	if err != nil {
		return 0, err
	}
	return fixedpoint.Encode(d)
}

func (s *Server) calibrateSample(ctx context.Context, diameter fixedpoint.Word) error {
	r, err := s.reading(ctx)
	if err != nil {
		return err
	}
	return s.calibrate(calibration.Point{Reading: r, Diameter: diameter})
}

func (s *Server) calibrate(p calibration.Point) error {
	s.setState(ApplyingCalibration)

	res, err := s.store.Calibrate(p)
	switch {
	case err == nil:
		s.logf("server: calibrated %s, %d points", p, res.Table.Len())
	case errors.Is(err, calibration.ErrFit) && res.Curve != nil:
		s.logf("server: recorded %s; refit failed, keeping previous curve", p)
	}
	return err
}
