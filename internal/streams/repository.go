package streams

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pulse-social/backend/internal/models"
)

// Repository handles live_streams persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a live streams repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a new stream record owned by hostID.
func (r *Repository) Create(ctx context.Context, hostID uuid.UUID, title, description, thumbnailURL string) (*models.LiveStream, error) {
	const q = `INSERT INTO live_streams (host_id, title, description, thumbnail_url)
		VALUES ($1, $2, NULLIF($3,''), NULLIF($4,''))
		RETURNING id, host_id, title, COALESCE(description,''), COALESCE(thumbnail_url,''), is_active, started_at, ended_at, created_at, updated_at`
	var s models.LiveStream
	err := r.pool.QueryRow(ctx, q, hostID, title, description, thumbnailURL).
		Scan(&s.ID, &s.HostID, &s.Title, &s.Description, &s.ThumbnailURL, &s.IsActive, &s.StartedAt, &s.EndedAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetByID returns a stream record, nil if not found.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.LiveStream, error) {
	const q = `SELECT id, host_id, title, COALESCE(description,''), COALESCE(thumbnail_url,''), is_active, started_at, ended_at, created_at, updated_at
		FROM live_streams WHERE id = $1`
	var s models.LiveStream
	err := r.pool.QueryRow(ctx, q, id).
		Scan(&s.ID, &s.HostID, &s.Title, &s.Description, &s.ThumbnailURL, &s.IsActive, &s.StartedAt, &s.EndedAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// ListActive returns all streams currently marked live, newest first,
// with host display metadata for the viewer list UI.
func (r *Repository) ListActive(ctx context.Context) ([]models.LiveStream, error) {
	const q = `SELECT s.id, s.host_id, u.username, COALESCE(u.avatar_url,''), s.title,
		COALESCE(s.description,''), COALESCE(s.thumbnail_url,''), s.is_active, s.started_at, s.ended_at, s.created_at, s.updated_at
		FROM live_streams s JOIN users u ON u.id = s.host_id
		WHERE s.is_active ORDER BY s.started_at DESC`
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.LiveStream
	for rows.Next() {
		var s models.LiveStream
		if err := rows.Scan(&s.ID, &s.HostID, &s.HostName, &s.HostAvatar, &s.Title,
			&s.Description, &s.ThumbnailURL, &s.IsActive, &s.StartedAt, &s.EndedAt, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, rows.Err()
}

// MarkLive flags a stream as active and stamps started_at.
func (r *Repository) MarkLive(ctx context.Context, id uuid.UUID) error {
	const q = `UPDATE live_streams SET is_active = TRUE, started_at = COALESCE(started_at, NOW()), updated_at = NOW() WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, id)
	return err
}

// MarkEnded flags a stream as inactive and stamps ended_at.
func (r *Repository) MarkEnded(ctx context.Context, id uuid.UUID) error {
	const q = `UPDATE live_streams SET is_active = FALSE, ended_at = NOW(), updated_at = NOW() WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, id)
	return err
}
