// Command filasensor runs a simulated filament sensor on the host. It serves
// the sensor protocol over a serial port, so a printer host or filactl can be
// tested without hardware. Lines typed on stdin set the simulated diameter.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/itohio/gofilament/pkg/calibration"
	"github.com/itohio/gofilament/pkg/config"
	"github.com/itohio/gofilament/pkg/link"
	"github.com/itohio/gofilament/pkg/sensor"
	"github.com/itohio/gofilament/pkg/server"
	"github.com/itohio/gofilament/pkg/status"
)

func main() {
	var (
		configFlag      = flag.String("config", "config.yaml", "Configuration file path")
		portFlag        = flag.String("p", "", "Serial port override (e.g., COM3 or /dev/ttyACM0)")
		calibrationFlag = flag.String("calibration", "", "Calibration file override")
		diameterFlag    = flag.Float64("diameter", 0, "Initial simulated filament diameter in mm (overrides config)")
	)
	flag.Parse()

	cfg, err := config.Load(nil, *configFlag)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *portFlag != "" {
		cfg.Serial.Port = *portFlag
	}
	if *calibrationFlag != "" {
		cfg.Calibration.Path = *calibrationFlag
	}
	if *diameterFlag > 0 {
		cfg.Mock.Diameter = *diameterFlag
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// No LED on the host; the indicator logs its transitions.
	indicator := status.NewIndicator(status.LEDFunc(func(bool) {}), status.TimingFrom(&cfg.LED), log.Printf)
	go func() {
		if err := indicator.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("status: %v", err)
		}
	}()
	indicator.Signal(status.Start)

	store := openStore(cfg, indicator)

	hall := sensor.NewMock(&cfg.Mock)
	task := sensor.NewTask(hall, &cfg.Sensor)
	go func() {
		if err := task.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("sensor: %v", err)
		}
	}()

	ep, err := link.OpenSerial(&cfg.Serial, link.WithLogf(log.Printf))
	if err != nil {
		log.Fatalf("Failed to open link: %v", err)
	}
	defer ep.Close()
	log.Printf("Serving on %s, simulated diameter %.3f mm", cfg.Serial.Port, hall.Diameter())

	go readDiameters(hall)

	srv := server.New(server.Config{
		Sensor:  task,
		Store:   store,
		Status:  indicator,
		Timeout: cfg.Sensor.RequestTimeout,
	})
	if err := srv.Serve(ctx, ep); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Server stopped: %v", err)
	}
}

// openStore loads the calibration file and falls back to the seed points from
// the config file when there is none. Failures leave the sensor running
// uncalibrated.
func openStore(cfg *config.Config, indicator *status.Indicator) *calibration.Store {
	indicator.Signal(status.Thinking)
	store := calibration.NewStore(nil, calibration.StoreConfig{
		Path:         cfg.Calibration.Path,
		MaxBytes:     cfg.Calibration.MaxBytes,
		MaxFileBytes: cfg.Calibration.MaxFileBytes,
	})

	if err := store.Load(); err != nil {
		log.Printf("Calibration not loaded: %v", err)
		indicator.Signal(status.Fault)
		return store
	}

	seed, err := calibration.NewTableFrom(cfg.Calibration.Points)
	if err != nil {
		log.Printf("Ignoring seed calibration: %v", err)
	} else if seeded, err := store.Seed(seed); err != nil {
		log.Printf("Seed calibration: %v", err)
	} else if seeded {
		log.Printf("Seeded calibration with %d points", seed.Len())
	}

	if c := store.Curve(); c != nil {
		log.Printf("Calibrated: reading = %.3f·d² + %.3f·d + %.3f", c.A, c.B, c.C)
	} else {
		log.Printf("Uncalibrated: %d points", store.Table().Len())
	}
	indicator.Signal(status.Complete)
	return store
}

// readDiameters sets the simulated diameter from stdin, one value per line.
func readDiameters(hall *sensor.Mock) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		d, err := strconv.ParseFloat(line, 64)
		if err != nil || d < 0 {
			log.Printf("Not a diameter: %q", line)
			continue
		}
		hall.SetDiameter(d)
		log.Printf("Simulated diameter %.3f mm", d)
	}
}
