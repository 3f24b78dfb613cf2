package db

import (
	"fmt"
	"time"
)

// Participant is one row of the participants table. The local node is
// stored with IsLocal set.
type Participant struct {
	ID           string      `json:"id"`
	IsLocal      bool        `json:"is_local"`
	Width        int         `json:"width"`
	Height       int         `json:"height"`
	Downsample   int         `json:"downsample"`
	Placement    *[3]float32 `json:"placement,omitempty"`
	FirstSeen    time.Time   `json:"first_seen"`
	LastSeen     time.Time   `json:"last_seen"`
	Batches      uint64      `json:"batches"`
	RowsReceived uint64      `json:"rows_received"`
	LastSeq      uint64      `json:"last_seq"`
}

// UpsertParticipant inserts p or refreshes its activity counters.
// Geometry, placement and first-seen time are kept from the first insert.
func (db *DB) UpsertParticipant(p Participant) error {
	var hasPlacement int
	var px, py, pz float64
	if p.Placement != nil {
		hasPlacement = 1
		px, py, pz = float64(p.Placement[0]), float64(p.Placement[1]), float64(p.Placement[2])
	}
	_, err := db.Exec(`
		INSERT INTO participants (
			participant_id, is_local, width, height, downsample,
			has_placement, placement_x, placement_y, placement_z,
			first_seen_unix_nanos, last_seen_unix_nanos, batches, rows_received, last_seq
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(participant_id) DO UPDATE SET
			last_seen_unix_nanos = excluded.last_seen_unix_nanos,
			batches = excluded.batches,
			rows_received = excluded.rows_received,
			last_seq = excluded.last_seq`,
		p.ID, boolInt(p.IsLocal), p.Width, p.Height, p.Downsample,
		hasPlacement, px, py, pz,
		p.FirstSeen.UnixNano(), p.LastSeen.UnixNano(), int64(p.Batches), int64(p.RowsReceived), int64(p.LastSeq),
	)
	if err != nil {
		return fmt.Errorf("upsert participant %s: %w", p.ID, err)
	}
	return nil
}

// Participants lists every participant in first-seen order.
func (db *DB) Participants() ([]Participant, error) {
	rows, err := db.Query(`
		SELECT participant_id, is_local, width, height, downsample,
			has_placement, placement_x, placement_y, placement_z,
			first_seen_unix_nanos, last_seen_unix_nanos, batches, rows_received, last_seq
		FROM participants
		ORDER BY first_seen_unix_nanos, participant_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Participant
	for rows.Next() {
		var (
			p                      Participant
			isLocal, hasPlacement  int
			px, py, pz             float64
			first, last            int64
			batches, received, seq int64
		)
		if err := rows.Scan(&p.ID, &isLocal, &p.Width, &p.Height, &p.Downsample,
			&hasPlacement, &px, &py, &pz,
			&first, &last, &batches, &received, &seq); err != nil {
			return nil, err
		}
		p.IsLocal = isLocal != 0
		if hasPlacement != 0 {
			p.Placement = &[3]float32{float32(px), float32(py), float32(pz)}
		}
		p.FirstSeen = time.Unix(0, first).UTC()
		p.LastSeen = time.Unix(0, last).UTC()
		p.Batches, p.RowsReceived, p.LastSeq = uint64(batches), uint64(received), uint64(seq)
		out = append(out, p)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
