package calibration

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/itohio/gofilament/pkg/fsutil"
)

// StoreConfig configures a Store.
type StoreConfig struct {
	// Path of the calibration file. Empty disables persistence.
	Path string
	// MaxBytes is the serialized size budget of the table.
	MaxBytes int
	// MaxFileBytes is the largest file Load accepts.
	MaxFileBytes int
}

// Store owns the calibration table and the curve currently served.
//
// Writers are serialized by a mutex. The curve is published through an atomic
// pointer and never mutated after publication, so Diameter always sees either
// the previous curve or the complete new one.
type Store struct {
	fs  fsutil.FileSystem
	cfg StoreConfig

	mu    sync.Mutex
	table Table

	curve atomic.Pointer[Curve]
}

// NewStore creates an empty, uncalibrated store.
func NewStore(fsys fsutil.FileSystem, cfg StoreConfig) *Store {
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = DefaultMaxFileBytes
	}
	return &Store{fs: fsys, cfg: cfg}
}

// Load replaces the table with the persisted one and fits a curve over it.
// On a persistence error the store is left empty and uncalibrated, and the
// error is returned for logging. A fit error leaves the table loaded but no
// curve served.
func (s *Store) Load() error {
	if s.cfg.Path == "" {
		return nil
	}
	t, err := Load(s.fs, s.cfg.Path, s.cfg.MaxFileBytes)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.table = t
	s.curve.Store(nil)
	if err != nil {
		return err
	}
	if t.Len() == 0 {
		return nil
	}
	return s.refit(t)
}

// Replace swaps in a whole table, persists it and fits a curve over it.
func (s *Store) Replace(t Table) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.table = t
	s.curve.Store(nil)
	saveErr := s.persist(t)
	return errors.Join(s.refit(t), saveErr)
}

// Seed installs t when the store holds no points, typically with points from
// the config file on first boot. It reports whether t was installed.
func (s *Store) Seed(t Table) (bool, error) {
	if t.Len() == 0 {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.table.Len() > 0 {
		return false, nil
	}
	s.table = t
	s.curve.Store(nil)
	saveErr := s.persist(t)
	return true, errors.Join(s.refit(t), saveErr)
}

// Reset discards all calibration points.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.table = Table{}
	s.curve.Store(nil)
	return s.persist(s.table)
}

// Result describes the outcome of a calibration step.
type Result struct {
	Table Table
	// Curve is the curve served after the step. It is the previous curve when
	// the refit failed, or nil if there has never been one.
	Curve *Curve
	// Refitted reports whether Curve was fitted over Table.
	Refitted bool
}

// Calibrate records a new calibration point, persists the table and refits.
//
// A point that does not fit the size budget is rejected with ErrTableFull and
// nothing changes. Otherwise the table grows even if the refit fails, since a
// quadratic needs several points before it can be fitted; the previously
// served curve stays in place until a fit succeeds. Fit errors are reported
// ahead of persistence errors.
func (s *Store) Calibrate(p Point) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := s.table.AddPoint(p, s.cfg.MaxBytes)
	if err != nil {
		return Result{Table: s.table, Curve: s.curve.Load()}, err
	}
	s.table = next

	saveErr := s.persist(next)
	fitErr := s.refit(next)
	res := Result{Table: next, Curve: s.curve.Load(), Refitted: fitErr == nil}
	return res, errors.Join(fitErr, saveErr)
}

// refit fits t and publishes the curve on success. Callers hold mu.
func (s *Store) refit(t Table) error {
	c, err := Fit(t)
	if err != nil {
		return err
	}
	s.curve.Store(c)
	return nil
}

// persist saves t, retrying once. Callers hold mu.
func (s *Store) persist(t Table) error {
	if s.cfg.Path == "" {
		return nil
	}
	err := Save(s.fs, s.cfg.Path, t)
	if err == nil {
		return nil
	}
	log.Printf("calibration: save failed, retrying: %v", err)
	if err = Save(s.fs, s.cfg.Path, t); err != nil {
		return fmt.Errorf("save %s: %w", s.cfg.Path, err)
	}
	return nil
}

// Table returns the current calibration table.
func (s *Store) Table() Table {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table
}

// Curve returns the curve currently served, or nil when uncalibrated.
func (s *Store) Curve() *Curve {
	return s.curve.Load()
}

// Diameter converts a filtered reading into a diameter using the current
// curve.
func (s *Store) Diameter(reading float64) (float64, error) {
	c := s.curve.Load()
	if c == nil {
		return 0, ErrNoCalibration
	}
	return c.Invert(reading)
}
