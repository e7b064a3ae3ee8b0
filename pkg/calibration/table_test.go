package calibration

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/itohio/gofilament/pkg/config"
	"github.com/itohio/gofilament/pkg/fixedpoint"
	"github.com/itohio/gofilament/pkg/fsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustPoint(t *testing.T, reading, diameter float64) Point {
	t.Helper()
	p, err := NewPoint(reading, diameter)
	require.NoError(t, err)
	return p
}

func referenceTable(t *testing.T) Table {
	return NewTable(
		mustPoint(t, 1000, 1.75),
		mustPoint(t, 2000, 1.50),
		mustPoint(t, 3000, 1.20),
	)
}

func TestNewPoint(t *testing.T) {
	p, err := NewPoint(2000, 1.75)
	require.NoError(t, err)
	assert.Equal(t, 2000.0, p.Reading.Float())
	assert.Equal(t, 1.75, p.Diameter.Float())
	assert.Equal(t, "{reading: 2000.000, diameter: 1.750}", p.String())

	_, err = NewPoint(-1, 1.75)
	assert.ErrorIs(t, err, fixedpoint.ErrOutOfRange)

	_, err = NewPoint(1000, 20000)
	assert.ErrorIs(t, err, fixedpoint.ErrOutOfRange)
}

func TestTable_MaxDiameter(t *testing.T) {
	assert.Equal(t, 0.0, Table{}.MaxDiameter())
	assert.Equal(t, 1.75, referenceTable(t).MaxDiameter())
}

func TestTable_AddPoint_DoesNotModifyReceiver(t *testing.T) {
	base := referenceTable(t)
	next, err := base.AddPoint(mustPoint(t, 781.8, 1.80), 0)
	require.NoError(t, err)

	assert.Equal(t, 3, base.Len())
	assert.Equal(t, 4, next.Len())
	assert.Equal(t, 1.80, next.Points()[3].Diameter.Float())
}

func TestTable_AddPoint_RejectsOverBudget(t *testing.T) {
	const budget = 200
	tbl := Table{}
	var err error
	for i := 0; i < 100; i++ {
		var next Table
		next, err = tbl.AddPoint(mustPoint(t, float64(1000+i), 1.5), budget)
		if err != nil {
			break
		}
		tbl = next
	}
	require.ErrorIs(t, err, ErrTableFull)
	require.Greater(t, tbl.Len(), 0)

	data, err := tbl.Marshal()
	require.NoError(t, err)
	assert.LessOrEqual(t, len(data), budget)

	// Failing again leaves the table exactly as it was.
	before := tbl.Points()
	same, err := tbl.AddPoint(mustPoint(t, 9999, 1.5), budget)
	assert.ErrorIs(t, err, ErrTableFull)
	assert.Empty(t, cmp.Diff(before, same.Points()))
	assert.Empty(t, cmp.Diff(before, tbl.Points()))
}

func TestTable_MarshalUnmarshal(t *testing.T) {
	tbl := referenceTable(t)
	data, err := tbl.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(data), "points:")
	assert.Contains(t, string(data), "diameter: 1.75")

	got, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(tbl.Points(), got.Points()))
}

func TestUnmarshal_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"bad yaml", "points: [\n"},
		{"negative reading", "points:\n  - reading: -5\n    diameter: 1.75\n"},
		{"diameter out of range", "points:\n  - reading: 5\n    diameter: 99999\n"},
		{"wrong type", "points:\n  - reading: abc\n    diameter: 1.75\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Unmarshal([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	valid, err := referenceTable(t).Marshal()
	require.NoError(t, err)

	tests := []struct {
		name     string
		content  []byte
		maxBytes int
		wantLen  int
		wantErr  bool
	}{
		{name: "missing file", content: nil, wantLen: 0},
		{name: "valid", content: valid, wantLen: 3},
		{name: "malformed", content: []byte("points: {"), wantErr: true},
		{name: "too large", content: []byte(strings.Repeat("#", DefaultMaxFileBytes+1)), wantErr: true},
		{name: "custom limit", content: valid, maxBytes: 10, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mfs := fsutil.NewMemoryFileSystem()
			if tt.content != nil {
				require.NoError(t, mfs.WriteFileAtomic("/calibration.yaml", tt.content, 0644))
			}

			tbl, err := Load(mfs, "/calibration.yaml", tt.maxBytes)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrPersistence)
				assert.Equal(t, 0, tbl.Len(), "failed loads yield an empty table")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantLen, tbl.Len())
		})
	}
}

func TestSaveLoad_OS(t *testing.T) {
	path := t.TempDir() + "/calibration.yaml"
	osfs := fsutil.OSFileSystem{}

	require.NoError(t, Save(osfs, path, referenceTable(t)))

	got, err := Load(osfs, path, 0)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(referenceTable(t).Points(), got.Points()))
}

func TestNewTableFrom(t *testing.T) {
	tbl, err := NewTableFrom([]config.CalibrationPoint{
		{Reading: 1000, Diameter: 1.75},
		{Reading: 2000, Diameter: 1.50},
		{Reading: 3000, Diameter: 1.20},
	})
	require.NoError(t, err)
	assert.Equal(t, referenceTable(t).Points(), tbl.Points())

	empty, err := NewTableFrom(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Len())

	_, err = NewTableFrom([]config.CalibrationPoint{{Reading: -5, Diameter: 1.75}})
	assert.ErrorIs(t, err, fixedpoint.ErrOutOfRange)
}
