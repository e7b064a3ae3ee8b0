package link

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
)

// Preamble marks the start of every frame on the stream.
var Preamble = [2]byte{0xA5, 0x5A}

// ErrClosed is returned once the endpoint has been closed or its stream has
// failed.
var ErrClosed = errors.New("link closed")

// DefaultQueue is the number of received frames buffered ahead of Receive.
const DefaultQueue = 4

// WriteFrame writes one framed codeword carrying payload to w.
func WriteFrame(w io.Writer, codec Codec, payload []byte) error {
	cw, err := codec.Encode(payload)
	if err != nil {
		return err
	}
	frame := make([]byte, 0, len(Preamble)+len(cw))
	frame = append(frame, Preamble[:]...)
	frame = append(frame, cw...)
	_, err = w.Write(frame)
	return err
}

// ReadFrame skips to the next preamble on r and decodes the codeword that
// follows it. An undecodable codeword yields an error wrapping ErrCorrupt and
// leaves r positioned after it.
func ReadFrame(r *bufio.Reader, codec Codec) ([]byte, error) {
	if err := syncPreamble(r); err != nil {
		return nil, err
	}
	cw := make([]byte, codec.Size())
	if _, err := io.ReadFull(r, cw); err != nil {
		return nil, err
	}
	return codec.Decode(cw)
}

func syncPreamble(r *bufio.Reader) error {
	prev := byte(0)
	for {
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		if prev == Preamble[0] && b == Preamble[1] {
			return nil
		}
		prev = b
	}
}

// Endpoint exchanges frames over a byte stream. A reader goroutine decodes
// incoming frames into a queue, so Receive can honour a context even though
// the underlying stream read cannot be interrupted.
//
// On the device Endpoint serves requests through Receive and Reply; on the
// host RoundTrip sends a request and waits for its reply.
type Endpoint struct {
	rw    io.ReadWriteCloser
	codec Codec
	logf  func(format string, v ...any)

	frames chan []byte
	done   chan struct{}
	once   sync.Once

	errMu sync.Mutex
	err   error

	wmu sync.Mutex // serializes writes
	rtm sync.Mutex // serializes round trips
}

// Option configures an Endpoint.
type Option func(*Endpoint)

// WithLogf sets the logger for dropped frames. Defaults to log.Printf.
func WithLogf(f func(format string, v ...any)) Option {
	return func(e *Endpoint) { e.logf = f }
}

// NewEndpoint starts reading frames from rw.
func NewEndpoint(rw io.ReadWriteCloser, codec Codec, opts ...Option) *Endpoint {
	e := &Endpoint{
		rw:     rw,
		codec:  codec,
		logf:   log.Printf,
		frames: make(chan []byte, DefaultQueue),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logf == nil {
		e.logf = func(string, ...any) {}
	}
	go e.readLoop(bufio.NewReader(rw))
	return e
}

func (e *Endpoint) readLoop(r *bufio.Reader) {
	defer close(e.frames)
	for {
		payload, err := ReadFrame(r, e.codec)
		if errors.Is(err, ErrCorrupt) {
			e.logf("link: dropping frame: %v", err)
			continue
		}
		if err != nil {
			e.fail(err)
			return
		}
		select {
		case e.frames <- payload:
		case <-e.done:
			return
		}
	}
}

func (e *Endpoint) fail(err error) {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	if e.err == nil {
		e.err = err
	}
}

// Err returns the error that stopped the reader, if any.
func (e *Endpoint) Err() error {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	return e.err
}

// Receive returns the next decoded frame.
func (e *Endpoint) Receive(ctx context.Context) ([]byte, error) {
	select {
	case f, ok := <-e.frames:
		if !ok {
			if err := e.Err(); err != nil && !errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("%w: %w", ErrClosed, err)
			}
			return nil, ErrClosed
		}
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send frames payload and writes it to the stream.
func (e *Endpoint) Send(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-e.done:
		return ErrClosed
	default:
	}
	e.wmu.Lock()
	defer e.wmu.Unlock()
	if err := WriteFrame(e.rw, e.codec, payload); err != nil {
		return fmt.Errorf("link: write: %w", err)
	}
	return nil
}

// Reply sends a reply frame.
func (e *Endpoint) Reply(ctx context.Context, payload []byte) error {
	return e.Send(ctx, payload)
}

// RoundTrip sends req and waits for the next frame. Frames left over from an
// earlier, abandoned round trip are discarded first.
func (e *Endpoint) RoundTrip(ctx context.Context, req []byte) ([]byte, error) {
	e.rtm.Lock()
	defer e.rtm.Unlock()

drain:
	for {
		select {
		case f, ok := <-e.frames:
			if !ok {
				break drain
			}
			e.logf("link: discarding stale frame % X", f)
		default:
			break drain
		}
	}

	if err := e.Send(ctx, req); err != nil {
		return nil, err
	}
	return e.Receive(ctx)
}

// Close stops the reader and closes the stream.
func (e *Endpoint) Close() error {
	var err error
	e.once.Do(func() {
		close(e.done)
		err = e.rw.Close()
	})
	return err
}
