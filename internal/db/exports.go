package db

import (
	"fmt"
	"time"
)

// Export is one written OBJ/MTL/JPEG triple.
type Export struct {
	ID            int64     `json:"id"`
	Base          string    `json:"base"`
	OBJPath       string    `json:"obj"`
	MTLPath       string    `json:"mtl"`
	JPEGPath      string    `json:"jpeg,omitempty"`
	Vertices      int       `json:"vertices"`
	Faces         int       `json:"faces"`
	Textured      bool      `json:"textured"`
	TriggerSource string    `json:"trigger_source"`
	CreatedAt     time.Time `json:"created_at"`
	DurationMs    float64   `json:"duration_ms"`
}

// RecordExport stores e and returns its id.
func (db *DB) RecordExport(e Export) (int64, error) {
	res, err := db.Exec(`
		INSERT INTO exports (
			base, obj_path, mtl_path, jpeg_path, vertices, faces, textured,
			trigger_source, created_unix_nanos, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Base, e.OBJPath, e.MTLPath, e.JPEGPath, e.Vertices, e.Faces, boolInt(e.Textured),
		e.TriggerSource, e.CreatedAt.UnixNano(), e.DurationMs,
	)
	if err != nil {
		return 0, fmt.Errorf("record export %s: %w", e.Base, err)
	}
	return res.LastInsertId()
}

// RecentExports returns up to limit exports, newest first.
func (db *DB) RecentExports(limit int) ([]Export, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT export_id, base, obj_path, mtl_path, jpeg_path, vertices, faces, textured,
			trigger_source, created_unix_nanos, duration_ms
		FROM exports
		ORDER BY created_unix_nanos DESC, export_id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Export
	for rows.Next() {
		var (
			e        Export
			textured int
			created  int64
		)
		if err := rows.Scan(&e.ID, &e.Base, &e.OBJPath, &e.MTLPath, &e.JPEGPath, &e.Vertices, &e.Faces,
			&textured, &e.TriggerSource, &created, &e.DurationMs); err != nil {
			return nil, err
		}
		e.Textured = textured != 0
		e.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// ExportCount returns the number of recorded exports.
func (db *DB) ExportCount() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM exports`).Scan(&n)
	return n, err
}
