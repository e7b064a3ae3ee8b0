// Command filactl queries and calibrates a filament sensor over its serial
// link.
//
//	filactl [-config config.yaml] [-p port] <command> [flags]
//
// Commands:
//
//	diameter             print the measured diameter
//	raw                  print the filtered sensor reading
//	calibrate -d D       record the filament in the sensor as D mm
//	calibrate -d D -r R  record reading R (from raw) as D mm
//	reset                discard the calibration
//	watch [-every 100ms] [-avg 10] [-n 0]
//	                     stream averaged measurements until interrupted
//	ports                list serial ports
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/itohio/gofilament/pkg/client"
	"github.com/itohio/gofilament/pkg/config"
	"github.com/itohio/gofilament/pkg/link"
	"github.com/itohio/gofilament/pkg/measure"
	"github.com/itohio/gofilament/pkg/protocol"
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] diameter|raw|calibrate|reset|watch|ports [args]\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	var (
		configFlag  = flag.String("config", "config.yaml", "Configuration file path")
		portFlag    = flag.String("p", "", "Serial port override (e.g., COM3 or /dev/ttyACM0)")
		timeoutFlag = flag.Duration("timeout", 2*time.Second, "Time to wait for the sensor")
	)
	flag.Usage = usage
	flag.Parse()
	log.SetFlags(0)

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}
	cmd, args := flag.Arg(0), flag.Args()[1:]

	if cmd == "ports" {
		listPorts()
		return
	}

	cfg, err := config.Load(nil, *configFlag)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *portFlag != "" {
		cfg.Serial.Port = *portFlag
	}

	ep, err := link.OpenSerial(&cfg.Serial)
	if err != nil {
		log.Fatalf("Failed to open link: %v", err)
	}
	defer ep.Close()
	c := client.New(ep)

	if cmd == "watch" {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		watch(ctx, c, *timeoutFlag, args)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeoutFlag)
	defer cancel()

	if err := run(ctx, c, cmd, args); err != nil {
		cancel()
		ep.Close()
		log.Fatalf("%s: %v", cmd, err)
	}
}

func run(ctx context.Context, c *client.Client, cmd string, args []string) error {
	switch cmd {
	case "diameter":
		d, err := c.Diameter(ctx)
		if err != nil {
			return explain(err)
		}
		fmt.Printf("%.3f\n", d)
	case "raw":
		r, err := c.Reading(ctx)
		if err != nil {
			return explain(err)
		}
		fmt.Printf("%.3f\n", r)
	case "calibrate":
		return calibrate(ctx, c, args)
	case "reset":
		if err := c.ResetCalibration(ctx); err != nil {
			return explain(err)
		}
		fmt.Println("calibration cleared")
	default:
		usage()
		os.Exit(2)
	}
	return nil
}

func calibrate(ctx context.Context, c *client.Client, args []string) error {
	fs := flag.NewFlagSet("calibrate", flag.ExitOnError)
	diameter := fs.Float64("d", 0, "Diameter of the filament in the sensor (mm)")
	reading := fs.Float64("r", -1, "Sensor reading to record instead of sampling now")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *diameter <= 0 {
		return errors.New("-d is required")
	}

	var err error
	if *reading >= 0 {
		err = c.CalibrateExplicit(ctx, *diameter, *reading)
	} else {
		err = c.Calibrate(ctx, *diameter)
	}
	if protocol.CodeOf(err) == protocol.InsufficientPoints {
		fmt.Printf("point %.3f mm stored; calibrate more diameters to fit a curve\n", *diameter)
		return nil
	}
	if err != nil {
		return explain(err)
	}
	fmt.Printf("point %.3f mm stored; calibration updated\n", *diameter)
	return nil
}

// explain adds a hint for the status codes an operator can act on.
func explain(err error) error {
	switch protocol.CodeOf(err) {
	case protocol.NoCalibration:
		return fmt.Errorf("%w (run calibrate with at least three filament diameters)", err)
	case protocol.OutOfDomain, protocol.NoRealRoot:
		return fmt.Errorf("%w (reading is outside the calibrated range)", err)
	case protocol.TableFull:
		return fmt.Errorf("%w (run reset and calibrate again)", err)
	}
	return err
}

// watch polls the sensor and prints a moving average of its measurements,
// then a summary of the run.
func watch(ctx context.Context, c *client.Client, timeout time.Duration, args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	every := fs.Duration("every", 100*time.Millisecond, "Polling interval")
	avg := fs.Int("avg", 10, "Measurements in the moving average (1 = disabled)")
	count := fs.Int("n", 0, "Stop after this many measurements (0 = until interrupted)")
	_ = fs.Parse(args)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	src := func(ctx context.Context) measure.Sample {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return c.Measure(ctx)
	}
	stream := measure.NewAveragingConverter(*avg, 0)(measure.Poll(ctx, src, *every, 0))

	var seen []measure.Sample
	for s := range stream {
		seen = append(seen, s)
		if s.Err != nil {
			fmt.Printf("%s\t%.3f\t%v\n", s.Timestamp.Format(time.StampMilli), s.Reading, explain(s.Err))
		} else {
			fmt.Printf("%s\t%.3f\t%.3f\n", s.Timestamp.Format(time.StampMilli), s.Reading, s.Diameter)
		}
		if *count > 0 && len(seen) >= *count {
			cancel()
		}
	}
	fmt.Println(measure.Summarize(seen))
}

func listPorts() {
	ports, err := link.Ports()
	if err != nil {
		log.Fatalf("Failed to list ports: %v", err)
	}
	for _, p := range ports {
		if p.Description != "" {
			fmt.Printf("%s\t%s\n", p.Name, p.Description)
		} else {
			fmt.Println(p.Name)
		}
	}
}
