package counterdb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kerbside-data/traffic.watch/internal/detect"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "counters.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndLoad(t *testing.T) {
	s := testStore(t)

	counts := map[detect.Class]int{
		detect.Car:        12,
		detect.Motorcycle: 3,
		detect.Bus:        1,
		detect.Truck:      4,
	}
	require.NoError(t, s.Save("cam-1", "Main St", counts))

	loaded, ok, err := s.Load("cam-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, counts, loaded)
}

func TestSaveUpsertsByCameraID(t *testing.T) {
	s := testStore(t)

	require.NoError(t, s.Save("cam-1", "Main St", map[detect.Class]int{detect.Car: 5}))
	require.NoError(t, s.Save("cam-1", "Main St North", map[detect.Class]int{detect.Car: 9, detect.Bus: 2}))

	loaded, ok, err := s.Load("cam-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 9, loaded[detect.Car])
	assert.Equal(t, 2, loaded[detect.Bus])

	all, err := s.All()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "Main St North", all[0].CameraName)
}

func TestSaveRequiresCameraID(t *testing.T) {
	s := testStore(t)
	assert.Error(t, s.Save("", "anon", map[detect.Class]int{detect.Car: 1}))
}

func TestLoadUnknownCamera(t *testing.T) {
	s := testStore(t)
	_, ok, err := s.Load("never-seen")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAllListsEveryCamera(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.Save("cam-1", "North", map[detect.Class]int{detect.Car: 1}))
	require.NoError(t, s.Save("cam-2", "South", map[detect.Class]int{detect.Truck: 7}))

	all, err := s.All()
	require.NoError(t, err)
	require.Len(t, all, 2)

	byID := map[string]CameraCounts{}
	for _, c := range all {
		byID[c.CameraID] = c
	}
	assert.Equal(t, 1, byID["cam-1"].CarCount)
	assert.Equal(t, 7, byID["cam-2"].TruckCount)
}

func TestMigrateUp(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "migrations")
	require.NoError(t, os.MkdirAll(dir, 0755))
	files := map[string]string{
		"000001_create_detection_counts.up.sql": `
			CREATE TABLE IF NOT EXISTS detection_counts (
				camera_id         TEXT PRIMARY KEY,
				camera_name       TEXT,
				car_count         INTEGER DEFAULT 0,
				motorcycle_count  INTEGER DEFAULT 0,
				bus_count         INTEGER DEFAULT 0,
				truck_count       INTEGER DEFAULT 0,
				last_updated      TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				created_at        TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			);`,
		"000001_create_detection_counts.down.sql": `DROP TABLE IF EXISTS detection_counts;`,
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	}

	s := testStore(t)
	require.NoError(t, s.MigrateUp(dir))
	// idempotent
	require.NoError(t, s.MigrateUp(dir))

	version, dirty, err := s.MigrateVersion(dir)
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint(1), version)
}
