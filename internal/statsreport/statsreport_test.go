package statsreport

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExportOnceWritesAtomicSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stats.json")

	sources := []Source{
		func() PathCounters { return PathCounters{Name: "primary", GooseToIP: 5, LivenessState: "healthy"} },
		func() PathCounters { return PathCounters{Name: "backup", GooseToIP: 3, LivenessState: "warning"} },
	}

	r := New(path, time.Hour, sources, logrus.NewEntry(logrus.New()))
	r.exportOnce()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var snap Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))

	assert.NotEmpty(t, snap.ServiceInstanceID)
	require.Len(t, snap.Paths, 2)
	assert.Equal(t, "primary", snap.Paths[0].Name)
	assert.EqualValues(t, 5, snap.Paths[0].GooseToIP)
	assert.Equal(t, "backup", snap.Paths[1].Name)
	assert.EqualValues(t, 3, snap.Paths[1].GooseToIP)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file should not remain after rename")
}

func TestExportOncePreservesPathIndependence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stats.json")

	// P6: destroying backup's endpoint must not affect primary's counters —
	// exercised here at the reporting layer by having the backup source
	// return zeroed/errored counters while primary's stay intact.
	sources := []Source{
		func() PathCounters { return PathCounters{Name: "primary", GooseToIP: 42} },
		func() PathCounters { return PathCounters{Name: "backup", Errors: 7} },
	}
	r := New(path, time.Hour, sources, logrus.NewEntry(logrus.New()))
	r.exportOnce()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))

	assert.EqualValues(t, 42, snap.Paths[0].GooseToIP)
	assert.EqualValues(t, 0, snap.Paths[0].Errors)
	assert.EqualValues(t, 7, snap.Paths[1].Errors)
}
