// Package client talks to the filament sensor from the host.
package client

import (
	"context"
	"fmt"
	"time"

	"github.com/itohio/gofilament/pkg/measure"
	"github.com/itohio/gofilament/pkg/protocol"
)

// Transport carries one request and returns its reply.
type Transport interface {
	RoundTrip(ctx context.Context, req []byte) ([]byte, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, req []byte) ([]byte, error)

// RoundTrip calls f.
func (f TransportFunc) RoundTrip(ctx context.Context, req []byte) ([]byte, error) {
	return f(ctx, req)
}

// Client issues protocol commands. Device status codes are returned as
// protocol.Code errors.
type Client struct {
	t Transport
}

// New creates a client over t.
func New(t Transport) *Client {
	return &Client{t: t}
}

func (c *Client) do(ctx context.Context, cmd protocol.Command) ([]byte, error) {
	req, err := cmd.Encode()
	if err != nil {
		return nil, err
	}
	reply, err := c.t.RoundTrip(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cmd.Op, err)
	}
	return reply, nil
}

func (c *Client) value(ctx context.Context, cmd protocol.Command) (float64, error) {
	reply, err := c.do(ctx, cmd)
	if err != nil {
		return 0, err
	}
	w, err := protocol.DecodeValueReply(reply)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", cmd.Op, err)
	}
	return w.Float(), nil
}

func (c *Client) ack(ctx context.Context, cmd protocol.Command) error {
	reply, err := c.do(ctx, cmd)
	if err != nil {
		return err
	}
	if err := protocol.DecodeAckReply(reply); err != nil {
		return fmt.Errorf("%s: %w", cmd.Op, err)
	}
	return nil
}

// Diameter returns the measured filament diameter in mm.
func (c *Client) Diameter(ctx context.Context) (float64, error) {
	return c.value(ctx, protocol.RequestDiameter())
}

// Reading returns the filtered sensor reading.
func (c *Client) Reading(ctx context.Context) (float64, error) {
	return c.value(ctx, protocol.ReadRaw())
}

// Calibrate records the filament currently in the sensor as having the
// given diameter. The first points of a fresh calibration are stored but
// answered with protocol.InsufficientPoints until a curve can be fitted.
func (c *Client) Calibrate(ctx context.Context, diameter float64) error {
	cmd, err := protocol.CalibrateSample(diameter)
	if err != nil {
		return err
	}
	return c.ack(ctx, cmd)
}

// CalibrateExplicit records a calibration point with a reading taken earlier,
// typically through Reading.
func (c *Client) CalibrateExplicit(ctx context.Context, diameter, reading float64) error {
	cmd, err := protocol.CalibrateExplicit(diameter, reading)
	if err != nil {
		return err
	}
	return c.ack(ctx, cmd)
}

// ResetCalibration discards every calibration point on the device.
func (c *Client) ResetCalibration(ctx context.Context) error {
	return c.ack(ctx, protocol.ResetCalibration())
}

// Measure takes one measurement for a measure.Poll stream. Transport
// failures and device status codes are reported in the sample's Err.
func (c *Client) Measure(ctx context.Context) measure.Sample {
	s := measure.Sample{Timestamp: time.Now()}
	s.Reading, s.Err = c.Reading(ctx)
	if s.Err != nil {
		return s
	}
	s.Diameter, s.Err = c.Diameter(ctx)
	return s
}
