// Package protocol defines the request/response messages exchanged with the
// sensor over the I2C bus or the framed serial link.
//
// A request is one opcode byte followed by its Q14.10 arguments, each three
// bytes big-endian. A reply is either a three-byte Q14.10 value or a single
// status byte.
package protocol

import (
	"errors"
	"fmt"

	"github.com/itohio/gofilament/pkg/fixedpoint"
)

// Op is a command opcode.
type Op byte

// Opcodes.
const (
	OpRequestDiameter   Op = 0x01 // → diameter (mm) or status
	OpCalibrateSample   Op = 0x02 // diameter → status; the reading is sampled
	OpCalibrateExplicit Op = 0x03 // diameter, reading → status
	OpReadRaw           Op = 0x04 // → filtered reading or status
	OpResetCalibration  Op = 0x05 // → status
)

// MaxCommandSize is the size of the longest request.
const MaxCommandSize = 1 + 2*fixedpoint.Size

var (
	// ErrBadCommand is returned for unknown opcodes and malformed requests.
	ErrBadCommand = errors.New("bad command")
	// ErrBadReply is returned by the host for replies of the wrong shape.
	ErrBadReply = errors.New("bad reply")
)

func (op Op) String() string {
	switch op {
	case OpRequestDiameter:
		return "REQUEST_DIAMETER"
	case OpCalibrateSample:
		return "CALIBRATE_SAMPLE"
	case OpCalibrateExplicit:
		return "CALIBRATE_EXPLICIT"
	case OpReadRaw:
		return "READ_RAW"
	case OpResetCalibration:
		return "RESET_CALIBRATION"
	default:
		return fmt.Sprintf("OP(0x%02x)", byte(op))
	}
}

// args returns the number of Q14.10 arguments op takes, or -1 when op is
// unknown.
func (op Op) args() int {
	switch op {
	case OpRequestDiameter, OpReadRaw, OpResetCalibration:
		return 0
	case OpCalibrateSample:
		return 1
	case OpCalibrateExplicit:
		return 2
	default:
		return -1
	}
}

// Command is a decoded request.
type Command struct {
	Op       Op
	Diameter fixedpoint.Word // CALIBRATE_SAMPLE, CALIBRATE_EXPLICIT
	Reading  fixedpoint.Word // CALIBRATE_EXPLICIT
}

// RequestDiameter builds a REQUEST_DIAMETER command.
func RequestDiameter() Command { return Command{Op: OpRequestDiameter} }

// ReadRaw builds a READ_RAW command.
func ReadRaw() Command { return Command{Op: OpReadRaw} }

// ResetCalibration builds a RESET_CALIBRATION command.
func ResetCalibration() Command { return Command{Op: OpResetCalibration} }

// CalibrateSample builds a CALIBRATE_SAMPLE command for a filament of the
// given diameter (mm).
func CalibrateSample(diameter float64) (Command, error) {
	d, err := fixedpoint.Encode(diameter)
	if err != nil {
		return Command{}, fmt.Errorf("diameter: %w", err)
	}
	return Command{Op: OpCalibrateSample, Diameter: d}, nil
}

// CalibrateExplicit builds a CALIBRATE_EXPLICIT command pairing a diameter
// with a reading supplied by the host.
func CalibrateExplicit(diameter, reading float64) (Command, error) {
	d, err := fixedpoint.Encode(diameter)
	if err != nil {
		return Command{}, fmt.Errorf("diameter: %w", err)
	}
	r, err := fixedpoint.Encode(reading)
	if err != nil {
		return Command{}, fmt.Errorf("reading: %w", err)
	}
	return Command{Op: OpCalibrateExplicit, Diameter: d, Reading: r}, nil
}

// Encode returns the wire form of c.
func (c Command) Encode() ([]byte, error) {
	n := c.Op.args()
	if n < 0 {
		return nil, fmt.Errorf("%w: %s", ErrBadCommand, c.Op)
	}
	buf := make([]byte, 1+n*fixedpoint.Size)
	buf[0] = byte(c.Op)
	if n > 0 {
		fixedpoint.Put(buf[1:], c.Diameter)
	}
	if n > 1 {
		fixedpoint.Put(buf[1+fixedpoint.Size:], c.Reading)
	}
	return buf, nil
}

// DecodeCommand parses a request frame. Frames with an unknown opcode or the
// wrong length are rejected with ErrBadCommand.
func DecodeCommand(frame []byte) (Command, error) {
	if len(frame) == 0 {
		return Command{}, fmt.Errorf("%w: empty frame", ErrBadCommand)
	}
	c := Command{Op: Op(frame[0])}
	n := c.Op.args()
	if n < 0 {
		return Command{}, fmt.Errorf("%w: unknown opcode 0x%02x", ErrBadCommand, frame[0])
	}
	if want := 1 + n*fixedpoint.Size; len(frame) != want {
		return Command{}, fmt.Errorf("%w: %s takes %d bytes, got %d", ErrBadCommand, c.Op, want, len(frame))
	}
	if n > 0 {
		c.Diameter, _ = fixedpoint.FromBytes(frame[1:])
	}
	if n > 1 {
		c.Reading, _ = fixedpoint.FromBytes(frame[1+fixedpoint.Size:])
	}
	return c, nil
}

func (c Command) String() string {
	switch c.Op.args() {
	case 1:
		return fmt.Sprintf("%s(d=%s)", c.Op, c.Diameter)
	case 2:
		return fmt.Sprintf("%s(d=%s, r=%s)", c.Op, c.Diameter, c.Reading)
	default:
		return c.Op.String()
	}
}

// ReturnsValue reports whether the reply to c carries a value rather than a bare
// status byte.
func (c Command) ReturnsValue() bool {
	return c.Op == OpRequestDiameter || c.Op == OpReadRaw
}
