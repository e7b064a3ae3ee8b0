package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/itohio/gofilament/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type event struct {
	evt  Event
	data []byte
	err  error
}

// fakeTarget plays scripted events and records replies.
type fakeTarget struct {
	events  chan event
	replies chan []byte
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{events: make(chan event), replies: make(chan []byte, 8)}
}

func (f *fakeTarget) WaitForEvent(buf []byte) (Event, int, error) {
	ev := <-f.events
	return ev.evt, copy(buf, ev.data), ev.err
}

func (f *fakeTarget) Reply(buf []byte) error {
	f.replies <- append([]byte(nil), buf...)
	return nil
}

func (f *fakeTarget) write(data ...byte) { f.events <- event{evt: Receive, data: data} }

func (f *fakeTarget) read(t *testing.T) []byte {
	t.Helper()
	f.events <- event{evt: Request}
	select {
	case r := <-f.replies:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no reply")
		return nil
	}
}

func runEndpoint(t *testing.T, wait time.Duration) (*Endpoint, *fakeTarget, context.Context) {
	t.Helper()
	target := newFakeTarget()
	ep := NewEndpoint(target, wait, t.Logf)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ep.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		target.events <- event{evt: Finish}
		assert.ErrorIs(t, <-done, context.Canceled)
	})
	return ep, target, ctx
}

func TestEndpoint_CommandAndReply(t *testing.T) {
	ep, target, ctx := runEndpoint(t, time.Second)

	target.write(byte(protocol.OpRequestDiameter))
	frame, err := ep.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{byte(protocol.OpRequestDiameter)}, frame)

	want := []byte{0x00, 0x07, 0x00}
	require.NoError(t, ep.Reply(ctx, want))
	assert.Equal(t, want, target.read(t))
	// Repeated reads return the same reply.
	assert.Equal(t, want, target.read(t))
}

func TestEndpoint_ReadWaitsForReply(t *testing.T) {
	ep, target, ctx := runEndpoint(t, time.Second)

	target.write(byte(protocol.OpReadRaw))
	go func() {
		frame, err := ep.Receive(ctx)
		if err == nil && len(frame) == 1 {
			time.Sleep(20 * time.Millisecond)
			_ = ep.Reply(ctx, []byte{1, 2, 3})
		}
	}()
	assert.Equal(t, []byte{1, 2, 3}, target.read(t))
}

func TestEndpoint_ReadTimesOut(t *testing.T) {
	ep, target, ctx := runEndpoint(t, 10*time.Millisecond)

	target.write(byte(protocol.OpRequestDiameter))
	_, err := ep.Receive(ctx)
	require.NoError(t, err)

	assert.Equal(t, protocol.StatusReply(protocol.SensorTimeout), target.read(t))

	// A late reply replaces the timeout for the next read.
	require.NoError(t, ep.Reply(ctx, []byte{4, 5, 6}))
	assert.Equal(t, []byte{4, 5, 6}, target.read(t))
}

func TestEndpoint_NewCommandDiscardsOldReply(t *testing.T) {
	ep, target, ctx := runEndpoint(t, 10*time.Millisecond)

	target.write(byte(protocol.OpRequestDiameter))
	_, err := ep.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, ep.Reply(ctx, []byte{1, 1, 1}))

	target.write(byte(protocol.OpReadRaw))
	_, err = ep.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, ep.Reply(ctx, []byte{2, 2, 2}))
	assert.Equal(t, []byte{2, 2, 2}, target.read(t))
}

func TestEndpoint_IgnoresProbesAndErrors(t *testing.T) {
	ep, target, ctx := runEndpoint(t, time.Second)

	target.write()
	target.events <- event{err: errors.New("bus glitch")}
	target.events <- event{evt: Finish}
	target.write(byte(protocol.OpResetCalibration))

	frame, err := ep.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{byte(protocol.OpResetCalibration)}, frame)
}

func TestEndpoint_ReceiveHonoursContext(t *testing.T) {
	ep, _, _ := runEndpoint(t, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := ep.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEndpoint_LateReplyNeverAnswersNewerCommand(t *testing.T) {
	ep, target, ctx := runEndpoint(t, 10*time.Millisecond)

	// A calibration that outlives the read wait.
	target.write(byte(protocol.OpCalibrateSample), 0x00, 0x07, 0x33)
	_, err := ep.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusReply(protocol.SensorTimeout), target.read(t))

	// The controller moves on before the calibration finishes.
	target.write(byte(protocol.OpRequestDiameter))
	require.NoError(t, ep.Reply(ctx, protocol.StatusReply(protocol.OK)))
	assert.Equal(t, protocol.StatusReply(protocol.SensorTimeout), target.read(t),
		"the calibration ack must not be read as the diameter")

	frame, err := ep.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{byte(protocol.OpRequestDiameter)}, frame)
	require.NoError(t, ep.Reply(ctx, []byte{0x00, 0x07, 0x00}))
	assert.Equal(t, []byte{0x00, 0x07, 0x00}, target.read(t))
}

func TestEndpoint_UnservedCommandIsSuperseded(t *testing.T) {
	ep, target, ctx := runEndpoint(t, 10*time.Millisecond)

	target.write(byte(protocol.OpReadRaw))
	target.write(byte(protocol.OpRequestDiameter))
	target.events <- event{evt: Finish} // both writes handled

	frame, err := ep.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{byte(protocol.OpRequestDiameter)}, frame, "only the latest command is served")

	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = ep.Receive(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
