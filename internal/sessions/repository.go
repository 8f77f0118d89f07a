package sessions

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// StreamSession is one audit row for a stream's lifetime.
type StreamSession struct {
	ID          uuid.UUID  `json:"id"`
	RoomID      string     `json:"room_id"`
	StreamID    string     `json:"stream_id"`
	PublisherID string     `json:"publisher_id"`
	Kind        string     `json:"kind"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

// Repository handles stream_sessions persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a stream sessions repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Start inserts a row when a stream goes live.
func (r *Repository) Start(ctx context.Context, roomID, streamID, publisherID, kind string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO stream_sessions (room_id, stream_id, publisher_id, kind, started_at) VALUES ($1, $2, $3, $4, NOW())`,
		roomID, streamID, publisherID, kind)
	return err
}

// End closes the most recent open session for the stream.
func (r *Repository) End(ctx context.Context, roomID, streamID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE stream_sessions s SET ended_at = NOW()
		 FROM (SELECT id FROM stream_sessions WHERE room_id = $1 AND stream_id = $2 AND ended_at IS NULL ORDER BY started_at DESC LIMIT 1) AS sub
		 WHERE s.id = sub.id`,
		roomID, streamID)
	return err
}

// ListByRoom returns the room's sessions, newest first.
func (r *Repository) ListByRoom(ctx context.Context, roomID string) ([]StreamSession, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, room_id, stream_id, publisher_id, kind, started_at, ended_at
		 FROM stream_sessions WHERE room_id = $1 ORDER BY started_at DESC`,
		roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StreamSession
	for rows.Next() {
		var s StreamSession
		if err := rows.Scan(&s.ID, &s.RoomID, &s.StreamID, &s.PublisherID, &s.Kind, &s.StartedAt, &s.EndedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// OpenCount returns the number of live sessions in a room.
func (r *Repository) OpenCount(ctx context.Context, roomID string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM stream_sessions WHERE room_id = $1 AND ended_at IS NULL`, roomID).Scan(&n)
	if err != nil && err != pgx.ErrNoRows {
		return 0, err
	}
	return n, nil
}
