//go:build rp2040

//go:generate tinygo flash -target=pico

package main

import (
	"context"
	"machine"
	"time"

	"github.com/itohio/gofilament/pkg/bus"
	"github.com/itohio/gofilament/pkg/calibration"
	"github.com/itohio/gofilament/pkg/config"
	"github.com/itohio/gofilament/pkg/fsutil"
	"github.com/itohio/gofilament/pkg/sensor"
	"github.com/itohio/gofilament/pkg/server"
	"github.com/itohio/gofilament/pkg/status"
)

// i2cTarget adapts the TinyGo I2C target API to bus.Target.
type i2cTarget struct {
	*machine.I2C
}

func (t i2cTarget) WaitForEvent(buf []byte) (bus.Event, int, error) {
	evt, n, err := t.I2C.WaitForEvent(buf)
	switch evt {
	case machine.I2CReceive:
		return bus.Receive, n, err
	case machine.I2CRequest:
		return bus.Request, n, err
	default:
		return bus.Finish, n, err
	}
}

func main() {
	cfg := config.Default()
	ctx := context.Background()

	led := machine.Pin(cfg.LED.Pin)
	led.Configure(machine.PinConfig{Mode: machine.PinOutput})
	indicator := status.NewIndicator(led, status.TimingFrom(&cfg.LED), nil)
	go indicator.Run(ctx)
	indicator.Signal(status.Start)

	store := openStore(cfg, indicator)

	machine.InitADC()
	hall := machine.ADC{Pin: machine.Pin(cfg.Sensor.ADCPin)}
	hall.Configure(machine.ADCConfig{})
	task := sensor.NewTask(hall, &cfg.Sensor)
	go task.Run(ctx)

	i2c := machine.I2C0
	err := i2c.Configure(machine.I2CConfig{
		Frequency: cfg.Bus.Frequency,
		SDA:       machine.Pin(cfg.Bus.SDA),
		SCL:       machine.Pin(cfg.Bus.SCL),
		Mode:      machine.I2CModeTarget,
	})
	if err == nil {
		err = i2c.Listen(cfg.Bus.Address)
	}
	if err != nil {
		indicator.Signal(status.Fault)
		for {
			println("i2c:", err.Error())
			time.Sleep(time.Second)
		}
	}

	// Reads wait a little longer than the server waits for the sensor.
	ep := bus.NewEndpoint(i2cTarget{i2c}, cfg.Sensor.RequestTimeout+50*time.Millisecond, nil)
	go ep.Run(ctx)

	srv := server.New(server.Config{
		Sensor:  task,
		Store:   store,
		Status:  indicator,
		Timeout: cfg.Sensor.RequestTimeout,
	})
	srv.Serve(ctx, ep)
}

// openStore loads the calibration kept in flash. The device runs uncalibrated
// when there is none or it cannot be read.
func openStore(cfg *config.Config, indicator *status.Indicator) *calibration.Store {
	indicator.Signal(status.Thinking)

	var fsys fsutil.FileSystem
	flash, err := fsutil.NewBlockFileSystem(machine.Flash, CALIBRATION_PATH, cfg.Calibration.MaxFileBytes)
	if err != nil {
		println("flash:", err.Error())
		fsys = fsutil.NewMemoryFileSystem()
	} else {
		fsys = flash
	}

	store := calibration.NewStore(fsys, calibration.StoreConfig{
		Path:         CALIBRATION_PATH,
		MaxBytes:     cfg.Calibration.MaxBytes,
		MaxFileBytes: cfg.Calibration.MaxFileBytes,
	})
	if err := store.Load(); err != nil {
		println("calibration:", err.Error())
		indicator.Signal(status.Fault)
		return store
	}
	indicator.Signal(status.Complete)
	return store
}
