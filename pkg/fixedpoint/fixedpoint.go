// Package fixedpoint implements the unsigned Q14.10 value used for every
// diameter and sensor reading that crosses the wire.
//
// A Word carries 14 integer bits and 10 fractional bits in the low 24 bits of
// a uint32, giving a resolution of 1/1024 and a range of 0 to 16383+1023/1024.
package fixedpoint

import (
	"errors"
	"fmt"
	"math"
)

const (
	// FracBits is the number of fractional bits.
	FracBits = 10
	// Bits is the total width of the wire value.
	Bits = 24
	// Size is the wire size in bytes.
	Size = Bits / 8

	// Scale converts between real values and words.
	Scale = 1 << FracBits
	// Mask selects the meaningful bits of a Word.
	Mask = 1<<Bits - 1

	// Resolution is the value of one least significant bit.
	Resolution = 1.0 / Scale
	// Max is the largest representable value.
	Max = float64(Mask) / Scale
)

var (
	// ErrEncoding is the class of all encoding failures.
	ErrEncoding = errors.New("encoding error")
	// ErrOutOfRange is returned when a value cannot be represented.
	ErrOutOfRange = fmt.Errorf("%w: value out of range", ErrEncoding)
	// ErrShortBuffer is returned when decoding fewer than Size bytes.
	ErrShortBuffer = fmt.Errorf("%w: short buffer", ErrEncoding)
)

// Word is a Q14.10 fixed-point value.
type Word uint32

// Encode rounds v to the nearest 1/1024 and returns its Word.
func Encode(v float64) (Word, error) {
	if math.IsNaN(v) || v < 0 || v > Max {
		return 0, fmt.Errorf("%w: %v not in [0, %v]", ErrOutOfRange, v, Max)
	}
	return Word(math.Round(v * Scale)), nil
}

// MustEncode is like Encode but panics on error. Use for constants only.
func MustEncode(v float64) Word {
	w, err := Encode(v)
	if err != nil {
		panic(err)
	}
	return w
}

// Decode returns the exact value of w. Bits above the 24-bit word are ignored.
func Decode(w Word) float64 {
	return float64(w&Mask) / Scale
}

// Float returns the real value of w.
func (w Word) Float() float64 { return Decode(w) }

// String formats the word with three decimals, which is what 1/1024 rounds to.
func (w Word) String() string { return fmt.Sprintf("%.3f", Decode(w)) }

// Put writes w big-endian into the first Size bytes of dst.
func Put(dst []byte, w Word) {
	_ = dst[Size-1]
	dst[0] = byte(w >> 16)
	dst[1] = byte(w >> 8)
	dst[2] = byte(w)
}

// Bytes returns the 3-byte big-endian wire form of w.
func (w Word) Bytes() []byte {
	b := make([]byte, Size)
	Put(b, w)
	return b
}

// FromBytes decodes the first Size bytes of b.
func FromBytes(b []byte) (Word, error) {
	if len(b) < Size {
		return 0, fmt.Errorf("%w: got %d bytes, need %d", ErrShortBuffer, len(b), Size)
	}
	return Word(b[0])<<16 | Word(b[1])<<8 | Word(b[2]), nil
}
