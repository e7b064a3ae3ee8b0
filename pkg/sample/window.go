// Package sample implements the moving-average window the sensor task filters
// ADC samples through.
package sample

import (
	"errors"

	"github.com/itohio/gofilament/pkg/fixedpoint"
)

// DefaultWindowSize is the number of samples in the moving average.
const DefaultWindowSize = 50

// ErrInsufficientData is returned by Mean before the first Push.
var ErrInsufficientData = errors.New("insufficient data")

// Window is a fixed-capacity ring buffer of 24-bit raw samples that keeps a
// running sum, so both Push and Mean are O(1).
//
// Window is not safe for concurrent use; it is owned by the sensor task.
type Window struct {
	buf  []uint32
	head int // next write position
	n    int // number of valid samples
	sum  uint64
}

// NewWindow creates a window holding the last size samples.
func NewWindow(size int) *Window {
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &Window{buf: make([]uint32, size)}
}

// Push adds a sample, evicting the oldest once the window is full.
func (w *Window) Push(s uint32) {
	s &= fixedpoint.Mask
	if w.n == len(w.buf) {
		w.sum -= uint64(w.buf[w.head])
	} else {
		w.n++
	}
	w.buf[w.head] = s
	w.sum += uint64(s)
	w.head++
	if w.head == len(w.buf) {
		w.head = 0
	}
}

// Mean returns the arithmetic mean of the samples currently held, in raw
// 24-bit units.
func (w *Window) Mean() (float64, error) {
	if w.n == 0 {
		return 0, ErrInsufficientData
	}
	return float64(w.sum) / float64(w.n), nil
}

// Reading returns the mean as a Q14.10 word. A 24-bit raw sample and a Q14.10
// word share the same representation, so this is the rounded mean itself.
func (w *Window) Reading() (fixedpoint.Word, error) {
	m, err := w.Mean()
	if err != nil {
		return 0, err
	}
	return fixedpoint.Encode(m / fixedpoint.Scale)
}

// Len returns the number of samples held.
func (w *Window) Len() int { return w.n }

// Cap returns the window capacity.
func (w *Window) Cap() int { return len(w.buf) }

// Reset empties the window.
func (w *Window) Reset() {
	w.head, w.n, w.sum = 0, 0, 0
}

// LeftAlign places an ADC value of the given native resolution in the most
// significant bits of a 24-bit word. Bits above the resolution are discarded.
func LeftAlign(raw uint16, bits uint) uint32 {
	if bits == 0 || bits > 16 {
		bits = 16
	}
	v := uint32(raw) & (1<<bits - 1)
	return v << (fixedpoint.Bits - bits)
}
