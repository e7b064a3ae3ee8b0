package protocol

import (
	"errors"
	"fmt"

	"github.com/itohio/gofilament/pkg/calibration"
	"github.com/itohio/gofilament/pkg/fixedpoint"
	"github.com/itohio/gofilament/pkg/sensor"
)

// Code is a stable, bus-facing status byte. It implements error so a reply
// status can travel through the usual error paths on the host.
type Code byte

// Status codes. Values are part of the wire format and must not change.
const (
	OK Code = iota
	NoCalibration
	NoRealRoot
	OutOfDomain
	InsufficientPoints
	Degenerate
	TableFull
	Encoding
	SensorTimeout
	Persistence
	BadCommand
	Internal
)

var codeNames = [...]string{
	OK:                 "ok",
	NoCalibration:      "no calibration",
	NoRealRoot:         "no real root",
	OutOfDomain:        "out of domain",
	InsufficientPoints: "insufficient calibration points",
	Degenerate:         "degenerate calibration points",
	TableFull:          "calibration table full",
	Encoding:           "value not representable",
	SensorTimeout:      "sensor timeout",
	Persistence:        "calibration not saved",
	BadCommand:         "bad command",
	Internal:           "internal error",
}

func (c Code) Error() string {
	if int(c) < len(codeNames) {
		return codeNames[c]
	}
	return fmt.Sprintf("code 0x%02x", byte(c))
}

// Valid reports whether c is a known code.
func (c Code) Valid() bool { return int(c) < len(codeNames) }

// CodeOf maps an error to its bus status code. Calibration fit and domain
// errors take precedence over persistence errors when both are present.
func CodeOf(err error) Code {
	var c Code
	switch {
	case err == nil:
		return OK
	case errors.As(err, &c):
		return c
	case errors.Is(err, calibration.ErrNoCalibration):
		return NoCalibration
	case errors.Is(err, calibration.ErrNoRealRoot):
		return NoRealRoot
	case errors.Is(err, calibration.ErrOutOfDomain):
		return OutOfDomain
	case errors.Is(err, calibration.ErrInsufficientPoints):
		return InsufficientPoints
	case errors.Is(err, calibration.ErrDegenerate):
		return Degenerate
	case errors.Is(err, calibration.ErrTableFull):
		return TableFull
	case errors.Is(err, fixedpoint.ErrEncoding):
		return Encoding
	case errors.Is(err, sensor.ErrTimeout), errors.Is(err, sensor.ErrStopped):
		return SensorTimeout
	case errors.Is(err, calibration.ErrPersistence):
		return Persistence
	case errors.Is(err, ErrBadCommand):
		return BadCommand
	default:
		return Internal
	}
}
