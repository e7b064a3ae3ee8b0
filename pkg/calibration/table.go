// Package calibration owns the calibration table of a Hall-effect diameter
// sensor and the quadratic curve fitted over it.
package calibration

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/itohio/gofilament/pkg/config"
	"github.com/itohio/gofilament/pkg/fixedpoint"
	"github.com/itohio/gofilament/pkg/fsutil"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultMaxBytes is the serialized size budget of a table.
	DefaultMaxBytes = 5 * 1024
	// DefaultMaxFileBytes is the largest calibration file Load accepts.
	DefaultMaxFileBytes = 10 * 1024
)

var (
	// ErrTableFull is returned when a point would push the table over its budget.
	ErrTableFull = errors.New("calibration table full")
	// ErrPersistence is the class of calibration file failures.
	ErrPersistence = errors.New("calibration persistence error")
)

// Point is a single calibration sample: the filtered sensor reading observed
// for a filament of known diameter (mm). Both are Q14.10 values.
type Point struct {
	Reading  fixedpoint.Word
	Diameter fixedpoint.Word
}

// NewPoint encodes a reading and a diameter into a Point.
func NewPoint(reading, diameter float64) (Point, error) {
	r, err := fixedpoint.Encode(reading)
	if err != nil {
		return Point{}, fmt.Errorf("reading: %w", err)
	}
	d, err := fixedpoint.Encode(diameter)
	if err != nil {
		return Point{}, fmt.Errorf("diameter: %w", err)
	}
	return Point{Reading: r, Diameter: d}, nil
}

func (p Point) String() string {
	return fmt.Sprintf("{reading: %s, diameter: %s}", p.Reading, p.Diameter)
}

// Table is an ordered set of calibration points in calibration order.
// A Table value is never modified in place; AddPoint returns a new one.
type Table struct {
	points []Point
}

// NewTable creates a table holding a copy of points.
func NewTable(points ...Point) Table {
	return Table{points: append([]Point(nil), points...)}
}

// NewTableFrom builds a table from configured seed points.
func NewTableFrom(points []config.CalibrationPoint) (Table, error) {
	t := Table{points: make([]Point, 0, len(points))}
	for i, cp := range points {
		p, err := NewPoint(cp.Reading, cp.Diameter)
		if err != nil {
			return Table{}, fmt.Errorf("seed point %d: %w", i, err)
		}
		t.points = append(t.points, p)
	}
	return t, nil
}

// Len returns the number of points.
func (t Table) Len() int { return len(t.points) }

// Points returns a copy of the points in calibration order.
func (t Table) Points() []Point {
	return append([]Point(nil), t.points...)
}

// MaxDiameter returns the largest calibrated diameter, or 0 for an empty table.
func (t Table) MaxDiameter() float64 {
	var max fixedpoint.Word
	for _, p := range t.points {
		if p.Diameter > max {
			max = p.Diameter
		}
	}
	return max.Float()
}

// AddPoint returns a table with p appended. The new point is rejected with
// ErrTableFull if the serialized table would exceed budget bytes; a
// non-positive budget means DefaultMaxBytes.
func (t Table) AddPoint(p Point, budget int) (Table, error) {
	if budget <= 0 {
		budget = DefaultMaxBytes
	}
	next := Table{points: make([]Point, len(t.points), len(t.points)+1)}
	copy(next.points, t.points)
	next.points = append(next.points, p)

	data, err := next.Marshal()
	if err != nil {
		return t, err
	}
	if len(data) > budget {
		return t, fmt.Errorf("%w: %d bytes exceeds budget of %d", ErrTableFull, len(data), budget)
	}
	return next, nil
}

// file is the on-disk form of a table.
type file struct {
	Points []filePoint `yaml:"points"`
}

type filePoint struct {
	Reading  float64 `yaml:"reading"`
	Diameter float64 `yaml:"diameter"`
}

// Marshal serializes the table.
func (t Table) Marshal() ([]byte, error) {
	f := file{Points: make([]filePoint, len(t.points))}
	for i, p := range t.points {
		f.Points[i] = filePoint{Reading: p.Reading.Float(), Diameter: p.Diameter.Float()}
	}
	data, err := yaml.Marshal(&f)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal calibration table: %w", err)
	}
	return data, nil
}

// Unmarshal parses a serialized table.
func Unmarshal(data []byte) (Table, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Table{}, fmt.Errorf("failed to parse calibration table: %w", err)
	}
	t := Table{points: make([]Point, 0, len(f.Points))}
	for i, fp := range f.Points {
		p, err := NewPoint(fp.Reading, fp.Diameter)
		if err != nil {
			return Table{}, fmt.Errorf("calibration point %d: %w", i, err)
		}
		t.points = append(t.points, p)
	}
	return t, nil
}

// Load reads a table from path. A missing file yields an empty table and no
// error. A file that cannot be read, is larger than maxBytes or does not parse
// yields an empty table together with an error wrapping ErrPersistence, so the
// caller can log it and keep running uncalibrated.
func Load(fsys fsutil.FileSystem, path string, maxBytes int) (Table, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFileBytes
	}

	info, err := fsys.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Table{}, nil
		}
		return Table{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if info.Size() > int64(maxBytes) {
		return Table{}, fmt.Errorf("%w: %s is %d bytes, limit %d", ErrPersistence, path, info.Size(), maxBytes)
	}

	data, err := fsys.ReadFile(path)
	if err != nil {
		return Table{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if len(data) > maxBytes {
		return Table{}, fmt.Errorf("%w: %s is %d bytes, limit %d", ErrPersistence, path, len(data), maxBytes)
	}

	t, err := Unmarshal(data)
	if err != nil {
		return Table{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return t, nil
}

// Save writes the table to path atomically.
func Save(fsys fsutil.FileSystem, path string, t Table) error {
	data, err := t.Marshal()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if err := fsys.WriteFileAtomic(path, data, 0644); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}
