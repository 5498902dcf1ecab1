package streams

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pulse-social/backend/internal/models"
)

// SessionRepository handles stream_sessions persistence, one row per go-live.
type SessionRepository struct {
	pool *pgxpool.Pool
}

// NewSessionRepository creates a stream sessions repository.
func NewSessionRepository(pool *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

// Create creates a new session for a stream.
func (r *SessionRepository) Create(ctx context.Context, streamID uuid.UUID) (*models.StreamSession, error) {
	const q = `INSERT INTO stream_sessions (stream_id) VALUES ($1)
		RETURNING id, stream_id, started_at, ended_at, peak_viewers, total_viewers, watch_seconds, created_at, updated_at`
	var s models.StreamSession
	err := r.pool.QueryRow(ctx, q, streamID).
		Scan(&s.ID, &s.StreamID, &s.StartedAt, &s.EndedAt, &s.PeakViewers, &s.TotalViewers, &s.WatchSeconds, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetActiveByStream returns the active (no ended_at) session for a stream.
func (r *SessionRepository) GetActiveByStream(ctx context.Context, streamID uuid.UUID) (*models.StreamSession, error) {
	const q = `SELECT id, stream_id, started_at, ended_at, peak_viewers, total_viewers, watch_seconds, created_at, updated_at
		FROM stream_sessions WHERE stream_id = $1 AND ended_at IS NULL ORDER BY started_at DESC LIMIT 1`
	var s models.StreamSession
	err := r.pool.QueryRow(ctx, q, streamID).
		Scan(&s.ID, &s.StreamID, &s.StartedAt, &s.EndedAt, &s.PeakViewers, &s.TotalViewers, &s.WatchSeconds, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// GetOrCreateActive returns the active session for a stream, creating one if
// none exists.
func (r *SessionRepository) GetOrCreateActive(ctx context.Context, streamID uuid.UUID) (*models.StreamSession, error) {
	s, err := r.GetActiveByStream(ctx, streamID)
	if err != nil || s != nil {
		return s, err
	}
	return r.Create(ctx, streamID)
}

// UpdatePeakViewers raises peak_viewers for a session (no-op when lower).
func (r *SessionRepository) UpdatePeakViewers(ctx context.Context, sessionID uuid.UUID, peak int) error {
	const q = `UPDATE stream_sessions SET peak_viewers = $1, updated_at = NOW() WHERE id = $2 AND $1 > peak_viewers`
	_, err := r.pool.Exec(ctx, q, peak, sessionID)
	return err
}

// End sets ended_at for a session.
func (r *SessionRepository) End(ctx context.Context, sessionID uuid.UUID) error {
	const q = `UPDATE stream_sessions SET ended_at = NOW(), updated_at = NOW() WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, sessionID)
	return err
}

// SetAggregates records total unique viewers and summed watch time, written
// by the finalize worker when the session closes.
func (r *SessionRepository) SetAggregates(ctx context.Context, sessionID uuid.UUID, totalViewers int, watchSeconds int64) error {
	const q = `UPDATE stream_sessions SET total_viewers = $1, watch_seconds = $2, updated_at = NOW() WHERE id = $3`
	_, err := r.pool.Exec(ctx, q, totalViewers, watchSeconds, sessionID)
	return err
}
