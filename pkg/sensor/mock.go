package sensor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/chewxy/math32"
	"github.com/itohio/gofilament/pkg/config"
	"github.com/itohio/gofilament/pkg/fixedpoint"
)

// Mock simulates a Hall-effect sensor facing a magnet that rides on the
// filament. The field falls off with the square of the gap between them:
//
//	field = bias + strength / (offset + diameter)²
//
// so thicker filament reads lower. The MCU works in float32; so does the mock.
type Mock struct {
	cfg *config.MockConfig

	mu        sync.RWMutex
	diameter  float32
	startTime time.Time
}

// NewMock creates a new simulated sensor.
func NewMock(cfg *config.MockConfig) *Mock {
	if cfg == nil {
		cfg = &config.MockConfig{
			Strength:   2.0,
			Offset:     2.0,
			Bias:       0.05,
			NoiseLevel: 0.001,
			Diameter:   1.75,
		}
	}

	return &Mock{
		cfg:       cfg,
		diameter:  float32(cfg.Diameter),
		startTime: time.Now(),
	}
}

// SetDiameter changes the simulated filament diameter (mm).
func (m *Mock) SetDiameter(d float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.diameter = float32(d)
}

// Diameter returns the simulated filament diameter.
func (m *Mock) Diameter() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return float64(m.diameter)
}

// Field returns the noise-free sensor output for diameter d as a fraction of
// full scale, clamped to [0, 1].
func (m *Mock) Field(d float64) float32 {
	gap := float32(m.cfg.Offset) + float32(d)
	if gap <= 0 {
		return 1
	}
	f := float32(m.cfg.Bias) + float32(m.cfg.Strength)/(gap*gap)
	return math32.Max(0, math32.Min(1, f))
}

// Get returns a 16-bit left-aligned conversion of the simulated field.
func (m *Mock) Get() uint16 {
	m.mu.RLock()
	d := m.diameter
	elapsed := float32(time.Since(m.startTime).Nanoseconds())
	m.mu.RUnlock()

	f := m.Field(float64(d))
	noise := (math32.Sin(elapsed*0.001) + math32.Cos(elapsed*0.0013)) *
		float32(m.cfg.NoiseLevel) * 0.5
	f = math32.Max(0, math32.Min(1, f+noise))

	return uint16(f * 0xFFFF)
}

// Fixed is an ADC returning a settable constant.
type Fixed struct {
	v atomic.Uint32
}

// NewFixed creates a Fixed ADC returning raw.
func NewFixed(raw uint16) *Fixed {
	f := &Fixed{}
	f.Set(raw)
	return f
}

// Set changes the returned conversion.
func (f *Fixed) Set(raw uint16) { f.v.Store(uint32(raw)) }

// Get returns the current conversion.
func (f *Fixed) Get() uint16 { return uint16(f.v.Load()) }

// RawForReading returns the conversion of the given resolution that the
// sensor task turns into the Q14.10 reading closest to reading.
func RawForReading(reading float64, bits uint) uint16 {
	if bits == 0 || bits > 16 {
		bits = 16
	}
	shift := fixedpoint.Bits - bits
	word := reading * fixedpoint.Scale
	raw := uint32(word/float64(uint32(1)<<shift) + 0.5)
	if max := uint32(1)<<bits - 1; raw > max {
		raw = max
	}
	return uint16(raw)
}
