package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/itohio/gofilament/pkg/fsutil"
	"gopkg.in/yaml.v3"
)

// MaxFileBytes is the largest configuration file Load accepts.
const MaxFileBytes = 10 * 1024

var (
	// ErrTooLarge is returned for configuration files over MaxFileBytes.
	ErrTooLarge = errors.New("config file too large")
	// ErrInvalid is returned by Validate.
	ErrInvalid = errors.New("invalid config")
)

// Config represents the sensor configuration.
type Config struct {
	Bus         BusConfig         `yaml:"bus"`
	Serial      SerialConfig      `yaml:"serial"`
	Sensor      SensorConfig      `yaml:"sensor"`
	Calibration CalibrationConfig `yaml:"calibration"`
	LED         LEDConfig         `yaml:"led"`
	Mock        MockConfig        `yaml:"mock"`
}

// BusConfig contains the I2C target configuration.
type BusConfig struct {
	Address   uint8  `yaml:"address"`
	SDA       int    `yaml:"sda"`
	SCL       int    `yaml:"scl"`
	Frequency uint32 `yaml:"frequency"`
}

// SerialConfig contains the alternate serial transport configuration.
type SerialConfig struct {
	Port         string `yaml:"port"`
	BaudRate     int    `yaml:"baud_rate"`
	DataShards   int    `yaml:"data_shards"`   // Reed-Solomon data shards per frame
	ParityShards int    `yaml:"parity_shards"` // Reed-Solomon parity shards per frame
	ShardSize    int    `yaml:"shard_size"`    // Bytes per shard, before CRC
}

// SensorConfig contains sampling parameters.
type SensorConfig struct {
	ADCPin         int           `yaml:"adc_pin"`
	Resolution     uint          `yaml:"resolution"`      // Native ADC resolution in bits
	WindowSize     int           `yaml:"window_size"`     // Samples in the moving average
	SampleInterval time.Duration `yaml:"sample_interval"` // Delay between ADC reads
	RequestTimeout time.Duration `yaml:"request_timeout"` // Bounded wait for a reading
	RequestQueue   int           `yaml:"request_queue"`   // Pending reading requests
}

// CalibrationConfig contains calibration storage parameters and optional
// seed points used when no calibration file exists.
type CalibrationConfig struct {
	Path         string             `yaml:"path"`
	MaxBytes     int                `yaml:"max_bytes"`
	MaxFileBytes int                `yaml:"max_file_bytes"`
	Points       []CalibrationPoint `yaml:"points,omitempty"`
}

// CalibrationPoint represents a single calibration point.
type CalibrationPoint struct {
	Reading  float64 `yaml:"reading"`
	Diameter float64 `yaml:"diameter"`
}

// LEDConfig contains status LED parameters.
type LEDConfig struct {
	Pin             int           `yaml:"pin"`
	Start           time.Duration `yaml:"start"`            // Solid on at boot
	Thinking        time.Duration `yaml:"thinking"`         // Toggle period while busy
	Complete        time.Duration `yaml:"complete"`         // Toggle period of the completion blink
	CompleteToggles int           `yaml:"complete_toggles"` // Toggles before the completion blink ends
	Fault           time.Duration `yaml:"fault"`            // Toggle period while faulted
}

// MockConfig contains simulated Hall sensor parameters.
type MockConfig struct {
	Strength   float64 `yaml:"strength"`    // Field strength, in full-scale units at 1 mm
	Offset     float64 `yaml:"offset"`      // Magnet gap when no filament is present (mm)
	Bias       float64 `yaml:"bias"`        // Sensor quiescent output, fraction of full scale
	NoiseLevel float64 `yaml:"noise_level"` // Noise amplitude, fraction of full scale
	Diameter   float64 `yaml:"diameter"`    // Initial simulated filament diameter (mm)
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		Bus: BusConfig{
			Address:   0x2B,
			SDA:       0,
			SCL:       1,
			Frequency: 400000,
		},
		Serial: SerialConfig{
			Port:         "/dev/ttyACM0",
			BaudRate:     115200,
			DataShards:   4,
			ParityShards: 2,
			ShardSize:    4,
		},
		Sensor: SensorConfig{
			ADCPin:         27, // ADC1 on GP27, adjacent to AGND
			Resolution:     16,
			WindowSize:     50,
			SampleInterval: time.Microsecond,
			RequestTimeout: 250 * time.Millisecond,
			RequestQueue:   4,
		},
		Calibration: CalibrationConfig{
			Path:         "calibration.yaml",
			MaxBytes:     5 * 1024,
			MaxFileBytes: 10 * 1024,
		},
		LED: LEDConfig{
			Pin:             25,
			Start:           1000 * time.Millisecond,
			Thinking:        500 * time.Millisecond,
			Complete:        125 * time.Millisecond,
			CompleteToggles: 8,
			Fault:           1000 * time.Millisecond,
		},
		Mock: MockConfig{
			Strength:   2.0,
			Offset:     2.0,
			Bias:       0.05,
			NoiseLevel: 0.001,
			Diameter:   1.75,
		},
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist it
// returns defaults; fields left out of the file keep their default values.
func Load(fsys fsutil.FileSystem, filename string) (*Config, error) {
	cfg := Default()
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}

	info, err := fsys.Stat(filename)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > MaxFileBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, info.Size())
	}

	data, err := fsys.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ensureDefaults()

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(fsys fsutil.FileSystem, filename string) error {
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := fsys.WriteFileAtomic(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks ranges that defaults cannot repair.
func (c *Config) Validate() error {
	var errs []error
	if c.Bus.Address < 0x08 || c.Bus.Address > 0x77 {
		errs = append(errs, fmt.Errorf("bus.address 0x%02x is not a 7-bit target address", c.Bus.Address))
	}
	if c.Sensor.Resolution < 1 || c.Sensor.Resolution > 16 {
		errs = append(errs, fmt.Errorf("sensor.resolution %d not in [1, 16]", c.Sensor.Resolution))
	}
	if c.Sensor.WindowSize < 1 {
		errs = append(errs, fmt.Errorf("sensor.window_size %d < 1", c.Sensor.WindowSize))
	}
	if c.Serial.DataShards+c.Serial.ParityShards > 256 {
		errs = append(errs, fmt.Errorf("serial: %d shards exceed 256", c.Serial.DataShards+c.Serial.ParityShards))
	}
	if c.Serial.DataShards*c.Serial.ShardSize < 8 {
		errs = append(errs, fmt.Errorf("serial: frame payload of %d bytes is too small", c.Serial.DataShards*c.Serial.ShardSize))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// ensureDefaults ensures that all required fields have default values if missing.
// A zero value always means "use the default"; none of these fields has a
// meaningful zero.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Bus.Address == 0 {
		c.Bus.Address = def.Bus.Address
	}
	if c.Bus.Frequency == 0 {
		c.Bus.Frequency = def.Bus.Frequency
	}
	// SDA and SCL are GP0/GP1 by default, so zero is a valid pin.

	if c.Serial.BaudRate == 0 {
		c.Serial.BaudRate = def.Serial.BaudRate
	}
	if c.Serial.DataShards == 0 {
		c.Serial.DataShards = def.Serial.DataShards
	}
	if c.Serial.ParityShards == 0 {
		c.Serial.ParityShards = def.Serial.ParityShards
	}
	if c.Serial.ShardSize == 0 {
		c.Serial.ShardSize = def.Serial.ShardSize
	}

	if c.Sensor.ADCPin == 0 {
		c.Sensor.ADCPin = def.Sensor.ADCPin
	}
	if c.Sensor.Resolution == 0 {
		c.Sensor.Resolution = def.Sensor.Resolution
	}
	if c.Sensor.WindowSize == 0 {
		c.Sensor.WindowSize = def.Sensor.WindowSize
	}
	if c.Sensor.SampleInterval == 0 {
		c.Sensor.SampleInterval = def.Sensor.SampleInterval
	}
	if c.Sensor.RequestTimeout == 0 {
		c.Sensor.RequestTimeout = def.Sensor.RequestTimeout
	}
	if c.Sensor.RequestQueue == 0 {
		c.Sensor.RequestQueue = def.Sensor.RequestQueue
	}

	if c.Calibration.Path == "" {
		c.Calibration.Path = def.Calibration.Path
	}
	if c.Calibration.MaxBytes == 0 {
		c.Calibration.MaxBytes = def.Calibration.MaxBytes
	}
	if c.Calibration.MaxFileBytes == 0 {
		c.Calibration.MaxFileBytes = def.Calibration.MaxFileBytes
	}

	if c.LED.Pin == 0 {
		c.LED.Pin = def.LED.Pin
	}
	if c.LED.Start == 0 {
		c.LED.Start = def.LED.Start
	}
	if c.LED.Thinking == 0 {
		c.LED.Thinking = def.LED.Thinking
	}
	if c.LED.Complete == 0 {
		c.LED.Complete = def.LED.Complete
	}
	if c.LED.CompleteToggles == 0 {
		c.LED.CompleteToggles = def.LED.CompleteToggles
	}
	if c.LED.Fault == 0 {
		c.LED.Fault = def.LED.Fault
	}

	if c.Mock.Strength == 0 {
		c.Mock.Strength = def.Mock.Strength
	}
	if c.Mock.Offset == 0 {
		c.Mock.Offset = def.Mock.Offset
	}
	if c.Mock.Diameter == 0 {
		c.Mock.Diameter = def.Mock.Diameter
	}
}
