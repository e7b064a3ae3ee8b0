package protocol

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/itohio/gofilament/pkg/calibration"
	"github.com/itohio/gofilament/pkg/fixedpoint"
	"github.com/itohio/gofilament/pkg/sensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommand_Encode(t *testing.T) {
	cal, err := CalibrateSample(1.75)
	require.NoError(t, err)
	explicit, err := CalibrateExplicit(1.75, 2000)
	require.NoError(t, err)

	tests := []struct {
		name string
		cmd  Command
		want []byte
	}{
		{"request diameter", RequestDiameter(), []byte{0x01}},
		{"calibrate sample", cal, []byte{0x02, 0x00, 0x07, 0x00}},
		{"calibrate explicit", explicit, []byte{0x03, 0x00, 0x07, 0x00, 0x1F, 0x40, 0x00}},
		{"read raw", ReadRaw(), []byte{0x04}},
		{"reset", ResetCalibration(), []byte{0x05}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cmd.Encode()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.LessOrEqual(t, len(got), MaxCommandSize)

			back, err := DecodeCommand(got)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.cmd, back); diff != "" {
				t.Errorf("DecodeCommand mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCommand_EncodeUnknownOp(t *testing.T) {
	_, err := Command{Op: 0x7F}.Encode()
	assert.ErrorIs(t, err, ErrBadCommand)
}

func TestCommand_BuildersRejectUnrepresentable(t *testing.T) {
	_, err := CalibrateSample(-1)
	assert.ErrorIs(t, err, fixedpoint.ErrEncoding)

	_, err = CalibrateExplicit(1.75, 20000)
	assert.ErrorIs(t, err, fixedpoint.ErrEncoding)
}

func TestDecodeCommand_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
	}{
		{"empty", nil},
		{"unknown opcode", []byte{0x00}},
		{"unknown high opcode", []byte{0xFF, 0x00, 0x00, 0x00}},
		{"request with payload", []byte{0x01, 0x00}},
		{"calibrate short", []byte{0x02, 0x00, 0x07}},
		{"calibrate long", []byte{0x02, 0x00, 0x07, 0x00, 0x00}},
		{"explicit missing reading", []byte{0x03, 0x00, 0x07, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeCommand(tt.frame)
			assert.ErrorIs(t, err, ErrBadCommand)
			assert.Equal(t, BadCommand, CodeOf(err))
		})
	}
}

func TestCommand_String(t *testing.T) {
	explicit, err := CalibrateExplicit(1.5, 2000)
	require.NoError(t, err)
	assert.Equal(t, "CALIBRATE_EXPLICIT(d=1.500, r=2000.000)", explicit.String())
	assert.Equal(t, "REQUEST_DIAMETER", RequestDiameter().String())
	assert.Equal(t, "OP(0x7f)", Op(0x7F).String())
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, OK},
		{"code", TableFull, TableFull},
		{"wrapped code", fmt.Errorf("device: %w", NoRealRoot), NoRealRoot},
		{"no calibration", calibration.ErrNoCalibration, NoCalibration},
		{"no real root", fmt.Errorf("invert: %w", calibration.ErrNoRealRoot), NoRealRoot},
		{"out of domain", calibration.ErrOutOfDomain, OutOfDomain},
		{"insufficient points", calibration.ErrInsufficientPoints, InsufficientPoints},
		{"degenerate", calibration.ErrDegenerate, Degenerate},
		{"table full", calibration.ErrTableFull, TableFull},
		{"encoding", fmt.Errorf("x: %w", fixedpoint.ErrOutOfRange), Encoding},
		{"sensor timeout", fmt.Errorf("%w: deadline", sensor.ErrTimeout), SensorTimeout},
		{"sensor stopped", sensor.ErrStopped, SensorTimeout},
		{"persistence", calibration.ErrPersistence, Persistence},
		{"fit before persistence", errors.Join(calibration.ErrDegenerate, calibration.ErrPersistence), Degenerate},
		{"bad command", ErrBadCommand, BadCommand},
		{"other", errors.New("boom"), Internal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}

func TestCode_Error(t *testing.T) {
	assert.Equal(t, "no real root", NoRealRoot.Error())
	assert.True(t, Internal.Valid())
	assert.False(t, Code(0x42).Valid())
	assert.Equal(t, "code 0x42", Code(0x42).Error())
}

func TestReplies(t *testing.T) {
	w := fixedpoint.MustEncode(1.75)

	got, err := DecodeValueReply(ValueReply(w))
	require.NoError(t, err)
	assert.Equal(t, w, got)

	_, err = DecodeValueReply(ErrorReply(calibration.ErrOutOfDomain))
	assert.ErrorIs(t, err, OutOfDomain)

	_, err = DecodeValueReply(StatusReply(OK))
	assert.ErrorIs(t, err, ErrBadReply)

	_, err = DecodeValueReply([]byte{1, 2})
	assert.ErrorIs(t, err, ErrBadReply)

	assert.NoError(t, DecodeAckReply(StatusReply(OK)))
	assert.ErrorIs(t, DecodeAckReply(StatusReply(Persistence)), Persistence)
	assert.ErrorIs(t, DecodeAckReply(ValueReply(w)), ErrBadReply)
}

func TestCommand_ReturnsValue(t *testing.T) {
	assert.True(t, RequestDiameter().ReturnsValue())
	assert.True(t, ReadRaw().ReturnsValue())
	assert.False(t, ResetCalibration().ReturnsValue())
	assert.False(t, Command{Op: OpCalibrateSample}.ReturnsValue())
}
