// Package link carries protocol frames over a byte stream such as a USB
// serial port. Every frame is protected by a Reed-Solomon code so that a few
// corrupted bytes are corrected rather than retried.
package link

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/klauspost/reedsolomon"
)

const crcSize = 4

var (
	// ErrTooLong is returned when a payload does not fit in one codeword.
	ErrTooLong = errors.New("payload too long")
	// ErrCorrupt is returned when a codeword cannot be recovered.
	ErrCorrupt = errors.New("corrupt frame")
)

// Codec turns payloads into fixed-size codewords and back.
type Codec interface {
	Encode(payload []byte) ([]byte, error)
	Decode(codeword []byte) ([]byte, error)
	// Size is the length of every codeword.
	Size() int
}

// RSCodec is a systematic Reed-Solomon codec. The payload is length-prefixed
// and split into data shards, parity shards are appended, and every shard
// carries its own CRC-32. A shard whose CRC does not match is treated as an
// erasure, so up to parity corrupted shards are repaired.
type RSCodec struct {
	enc       reedsolomon.Encoder
	data      int
	parity    int
	shardSize int
}

// NewRSCodec creates a codec with the given shard layout.
func NewRSCodec(data, parity, shardSize int) (*RSCodec, error) {
	if shardSize < 1 {
		return nil, fmt.Errorf("shard size %d < 1", shardSize)
	}
	if data*shardSize < 2 {
		return nil, fmt.Errorf("%d data shards of %d bytes leave no room for a payload", data, shardSize)
	}
	enc, err := reedsolomon.New(data, parity)
	if err != nil {
		return nil, fmt.Errorf("reed-solomon: %w", err)
	}
	return &RSCodec{enc: enc, data: data, parity: parity, shardSize: shardSize}, nil
}

// MaxPayload is the largest payload a codeword carries.
func (c *RSCodec) MaxPayload() int {
	n := c.data*c.shardSize - 1
	if n > 255 {
		n = 255
	}
	return n
}

// Size returns the codeword length.
func (c *RSCodec) Size() int {
	return (c.data + c.parity) * (c.shardSize + crcSize)
}

// Encode returns the codeword carrying payload.
func (c *RSCodec) Encode(payload []byte) ([]byte, error) {
	if len(payload) > c.MaxPayload() {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrTooLong, len(payload), c.MaxPayload())
	}

	buf := make([]byte, (c.data+c.parity)*c.shardSize)
	buf[0] = byte(len(payload))
	copy(buf[1:], payload)

	shards := make([][]byte, c.data+c.parity)
	for i := range shards {
		shards[i] = buf[i*c.shardSize : (i+1)*c.shardSize]
	}
	if err := c.enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("reed-solomon: %w", err)
	}

	out := make([]byte, 0, c.Size())
	for _, s := range shards {
		out = append(out, s...)
		out = binary.BigEndian.AppendUint32(out, crc32.ChecksumIEEE(s))
	}
	return out, nil
}

// Decode recovers the payload from a codeword.
func (c *RSCodec) Decode(codeword []byte) ([]byte, error) {
	if len(codeword) != c.Size() {
		return nil, fmt.Errorf("%w: %d bytes, want %d", ErrCorrupt, len(codeword), c.Size())
	}

	stride := c.shardSize + crcSize
	shards := make([][]byte, c.data+c.parity)
	lost := 0
	for i := range shards {
		s := codeword[i*stride : i*stride+c.shardSize]
		sum := binary.BigEndian.Uint32(codeword[i*stride+c.shardSize : (i+1)*stride])
		if crc32.ChecksumIEEE(s) != sum {
			lost++
			continue
		}
		shards[i] = append([]byte(nil), s...)
	}
	if lost > c.parity {
		return nil, fmt.Errorf("%w: %d of %d shards damaged", ErrCorrupt, lost, len(shards))
	}
	if lost > 0 {
		if err := c.enc.ReconstructData(shards); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
	}

	buf := make([]byte, 0, c.data*c.shardSize)
	for _, s := range shards[:c.data] {
		buf = append(buf, s...)
	}
	n := int(buf[0])
	if n > c.MaxPayload() {
		return nil, fmt.Errorf("%w: length %d exceeds %d", ErrCorrupt, n, c.MaxPayload())
	}
	return buf[1 : 1+n], nil
}
