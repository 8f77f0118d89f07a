package recorder

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Recording statuses.
const (
	StatusRecording = "recording"
	StatusStopped   = "stopped"
	StatusUploaded  = "uploaded"
	StatusFailed    = "failed"
)

// Recording is one room recording row.
type Recording struct {
	ID         uuid.UUID  `json:"id"`
	RoomID     string     `json:"room_id"`
	Status     string     `json:"status"`
	LocalPath  string     `json:"local_path,omitempty"`
	ObjectKey  string     `json:"object_key,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	StoppedAt  *time.Time `json:"stopped_at,omitempty"`
	UploadedAt *time.Time `json:"uploaded_at,omitempty"`
}

// Repository handles recording persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a recordings repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a row when recording starts.
func (r *Repository) Create(ctx context.Context, roomID, localPath string) (uuid.UUID, error) {
	const q = `INSERT INTO recordings (room_id, status, local_path, started_at) VALUES ($1, $2, $3, NOW()) RETURNING id`
	var id uuid.UUID
	err := r.pool.QueryRow(ctx, q, roomID, StatusRecording, localPath).Scan(&id)
	return id, err
}

// MarkStopped records that the ffmpeg session ended.
func (r *Repository) MarkStopped(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE recordings SET status = $2, stopped_at = NOW() WHERE id = $1`, id, StatusStopped)
	return err
}

// MarkUploaded records the final object key after the S3 upload.
func (r *Repository) MarkUploaded(ctx context.Context, id uuid.UUID, objectKey string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE recordings SET status = $2, object_key = $3, uploaded_at = NOW() WHERE id = $1`,
		id, StatusUploaded, objectKey)
	return err
}

// MarkFailed records a terminal failure.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE recordings SET status = $2 WHERE id = $1`, id, StatusFailed)
	return err
}

// GetByID returns a recording by id.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*Recording, error) {
	const q = `SELECT id, room_id, status, COALESCE(local_path,''), COALESCE(object_key,''), started_at, stopped_at, uploaded_at
		FROM recordings WHERE id = $1`
	var rec Recording
	err := r.pool.QueryRow(ctx, q, id).Scan(&rec.ID, &rec.RoomID, &rec.Status, &rec.LocalPath, &rec.ObjectKey, &rec.StartedAt, &rec.StoppedAt, &rec.UploadedAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
