// Package measure streams diameter measurements polled from a sensor.
package measure

import (
	"context"
	"log"
	"time"
)

// Sample is one measurement polled from the sensor.
type Sample struct {
	Timestamp time.Time
	Diameter  float64 // mm
	Reading   float64 // Filtered sensor reading
	// Err is set when the sensor could not produce a diameter, for example
	// before it is calibrated. Reading may still be valid.
	Err error
}

// Source takes one measurement.
type Source func(ctx context.Context) Sample

// Converter transforms a stream of samples.
type Converter func(in <-chan Sample) <-chan Sample

// Poll takes a measurement from src every interval until ctx is done, then
// closes the returned channel. A slow consumer loses samples rather than
// delaying the schedule.
func Poll(ctx context.Context, src Source, interval time.Duration, bufSize int) <-chan Sample {
	if bufSize <= 0 {
		bufSize = 100
	}
	out := make(chan Sample, bufSize)

	go func() {
		defer close(out)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			s := src(ctx)
			if ctx.Err() != nil {
				return
			}
			if s.Timestamp.IsZero() {
				s.Timestamp = time.Now()
			}

			select {
			case out <- s:
			default:
				log.Printf("Poll output channel full, dropping sample")
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return out
}
