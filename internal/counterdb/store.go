// Package counterdb persists cumulative per-camera vehicle counts in sqlite.
package counterdb

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kerbside-data/traffic.watch/internal/detect"
)

// Store wraps the counter database.
type Store struct {
	*sql.DB
}

// CameraCounts is one camera's persisted row.
type CameraCounts struct {
	CameraID        string    `json:"camera_id"`
	CameraName      string    `json:"camera_name"`
	CarCount        int       `json:"car_count"`
	MotorcycleCount int       `json:"motorcycle_count"`
	BusCount        int       `json:"bus_count"`
	TruckCount      int       `json:"truck_count"`
	LastUpdated     time.Time `json:"last_updated"`
}

// Open opens (creating if needed) the sqlite database at path and ensures
// the schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	s := &Store{db}
	if err := s.EnsureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the counts table when no migrations have run. Kept as
// a fallback so a missing migrations directory never blocks counting.
func (s *Store) EnsureSchema() error {
	_, err := s.Exec(`
		CREATE TABLE IF NOT EXISTS detection_counts (
			camera_id         TEXT PRIMARY KEY,
			camera_name       TEXT,
			car_count         INTEGER DEFAULT 0,
			motorcycle_count  INTEGER DEFAULT 0,
			bus_count         INTEGER DEFAULT 0,
			truck_count       INTEGER DEFAULT 0,
			last_updated      TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			created_at        TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		return fmt.Errorf("ensuring counter schema: %w", err)
	}
	return nil
}

// Save upserts the cumulative counts for a camera.
func (s *Store) Save(cameraID, cameraName string, counts map[detect.Class]int) error {
	if cameraID == "" {
		return fmt.Errorf("camera id required")
	}
	_, err := s.Exec(`
		INSERT INTO detection_counts
			(camera_id, camera_name, car_count, motorcycle_count, bus_count, truck_count, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(camera_id) DO UPDATE SET
			camera_name      = excluded.camera_name,
			car_count        = excluded.car_count,
			motorcycle_count = excluded.motorcycle_count,
			bus_count        = excluded.bus_count,
			truck_count      = excluded.truck_count,
			last_updated     = CURRENT_TIMESTAMP
	`, cameraID, cameraName,
		counts[detect.Car], counts[detect.Motorcycle], counts[detect.Bus], counts[detect.Truck])
	if err != nil {
		return fmt.Errorf("saving counts for %s: %w", cameraID, err)
	}
	return nil
}

// Load returns the stored counts for a camera. The bool reports whether the
// camera is known.
func (s *Store) Load(cameraID string) (map[detect.Class]int, bool, error) {
	row := s.QueryRow(`
		SELECT car_count, motorcycle_count, bus_count, truck_count
		FROM detection_counts WHERE camera_id = ?
	`, cameraID)

	var car, motorcycle, bus, truck int
	if err := row.Scan(&car, &motorcycle, &bus, &truck); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("loading counts for %s: %w", cameraID, err)
	}
	return map[detect.Class]int{
		detect.Car:        car,
		detect.Motorcycle: motorcycle,
		detect.Bus:        bus,
		detect.Truck:      truck,
	}, true, nil
}

// All returns every camera's persisted counts, most recently updated first.
func (s *Store) All() ([]CameraCounts, error) {
	rows, err := s.Query(`
		SELECT camera_id, camera_name, car_count, motorcycle_count, bus_count, truck_count, last_updated
		FROM detection_counts ORDER BY last_updated DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("listing counts: %w", err)
	}
	defer rows.Close()

	var out []CameraCounts
	for rows.Next() {
		var c CameraCounts
		if err := rows.Scan(&c.CameraID, &c.CameraName, &c.CarCount,
			&c.MotorcycleCount, &c.BusCount, &c.TruckCount, &c.LastUpdated); err != nil {
			return nil, fmt.Errorf("scanning counts row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
