package sensor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/itohio/gofilament/pkg/config"
	"github.com/itohio/gofilament/pkg/fixedpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingADC blocks in Get until released.
type blockingADC struct {
	release chan struct{}
}

func (b *blockingADC) Get() uint16 {
	<-b.release
	return 0
}

func testSensorConfig() *config.SensorConfig {
	cfg := config.Default().Sensor
	cfg.WindowSize = 8
	cfg.SampleInterval = 10 * time.Microsecond
	return &cfg
}

func startTask(t *testing.T, adc ADC, cfg *config.SensorConfig) (*Task, context.CancelFunc) {
	t.Helper()
	task := NewTask(adc, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- task.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Error("sensor task did not stop")
		}
	})
	return task, cancel
}

func TestTask_ReadingOfConstantInput(t *testing.T) {
	task, _ := startTask(t, NewFixed(8000), testSensorConfig())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	w, err := task.Reading(ctx)
	require.NoError(t, err)
	assert.Equal(t, fixedpoint.MustEncode(2000), w)
	assert.Positive(t, task.Samples())
}

func TestTask_ReadingFollowsInput(t *testing.T) {
	adc := NewFixed(RawForReading(1000, 16))
	task, _ := startTask(t, adc, testSensorConfig())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	w, err := task.Reading(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 1000, w.Float(), 0.25)

	adc.Set(RawForReading(3000, 16))
	require.Eventually(t, func() bool {
		w, err := task.Reading(ctx)
		return err == nil && w == fixedpoint.MustEncode(3000)
	}, time.Second, time.Millisecond, "window never settled on the new input")
}

func TestTask_LowResolutionADC(t *testing.T) {
	cfg := testSensorConfig()
	cfg.Resolution = 12
	// A 12-bit conversion of 0x800 is half scale.
	task, _ := startTask(t, NewFixed(0x800), cfg)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	w, err := task.Reading(ctx)
	require.NoError(t, err)
	assert.Equal(t, fixedpoint.Word(0x800000), w)
}

func TestTask_ConcurrentReaders(t *testing.T) {
	task, _ := startTask(t, NewFixed(8000), testSensorConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				w, err := task.Reading(ctx)
				if !assert.NoError(t, err) {
					return
				}
				assert.Equal(t, fixedpoint.MustEncode(2000), w)
			}
		}()
	}
	wg.Wait()
}

func TestTask_TimeoutWhenSamplingStalls(t *testing.T) {
	adc := &blockingADC{release: make(chan struct{})}
	defer close(adc.release)
	task, _ := startTask(t, adc, testSensorConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := task.Reading(ctx)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestTask_ReadingAfterStop(t *testing.T) {
	task, cancel := startTask(t, NewFixed(8000), testSensorConfig())
	cancel()

	require.Eventually(t, func() bool {
		_, err := task.Reading(context.Background())
		return err == ErrStopped
	}, time.Second, time.Millisecond)
}

func TestTask_NilConfigUsesDefaults(t *testing.T) {
	task := NewTask(NewFixed(0), nil)
	assert.Equal(t, 50, task.window.Cap())
	assert.Equal(t, uint(16), task.bits)
	assert.Equal(t, time.Microsecond, task.interval)
}
