package sessionlog

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ViewerRow is one row for GET /api/live-streams/:id/viewers.
type ViewerRow struct {
	UserID       uuid.UUID  `json:"user_id"`
	JoinedAt     time.Time  `json:"joined_at"`
	LeftAt       *time.Time `json:"left_at,omitempty"`
	WatchSeconds int64      `json:"watch_seconds"`
}

// Repository handles viewer_session_logs.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a session log repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// LogJoin inserts a row when a connection joins a stream.
func (r *Repository) LogJoin(ctx context.Context, streamID, userID uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO viewer_session_logs (stream_id, user_id, joined_at) VALUES ($1, $2, NOW())`,
		streamID, userID)
	return err
}

// LogLeave closes the most recent open session for this user in this stream.
func (r *Repository) LogLeave(ctx context.Context, streamID, userID uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE viewer_session_logs v SET left_at = NOW(), watch_seconds = GREATEST(0, EXTRACT(EPOCH FROM (NOW() - v.joined_at))::BIGINT)
		 FROM (SELECT id FROM viewer_session_logs WHERE stream_id = $1 AND user_id = $2 AND left_at IS NULL ORDER BY joined_at DESC LIMIT 1) AS sub
		 WHERE v.id = sub.id`,
		streamID, userID)
	return err
}

// WatchTimeAggregates holds sum of watch_seconds and distinct user count.
type WatchTimeAggregates struct {
	TotalWatchSeconds int64
	DistinctUsers     int
}

// GetWatchTimeAggregates returns total watch time and distinct user count for
// a stream, used by the finalize worker.
func (r *Repository) GetWatchTimeAggregates(ctx context.Context, streamID uuid.UUID) (*WatchTimeAggregates, error) {
	const q = `SELECT COALESCE(SUM(watch_seconds), 0), COUNT(DISTINCT user_id)
		FROM viewer_session_logs WHERE stream_id = $1 AND left_at IS NOT NULL`
	var agg WatchTimeAggregates
	if err := r.pool.QueryRow(ctx, q, streamID).Scan(&agg.TotalWatchSeconds, &agg.DistinctUsers); err != nil {
		return nil, err
	}
	return &agg, nil
}

// ListByStream returns viewer rows for a stream (join time, leave time, watch
// duration), newest first.
func (r *Repository) ListByStream(ctx context.Context, streamID uuid.UUID) ([]ViewerRow, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT user_id, joined_at, left_at, watch_seconds
		 FROM viewer_session_logs WHERE stream_id = $1 ORDER BY joined_at DESC`,
		streamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []ViewerRow
	for rows.Next() {
		var row ViewerRow
		if err := rows.Scan(&row.UserID, &row.JoinedAt, &row.LeftAt, &row.WatchSeconds); err != nil {
			return nil, err
		}
		list = append(list, row)
	}
	return list, rows.Err()
}
