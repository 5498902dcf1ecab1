package models

import (
	"time"

	"github.com/google/uuid"
)

// LiveStream is the persisted record of one broadcast. Its id seeds the relay
// room when the host joins over WebSocket.
type LiveStream struct {
	ID           uuid.UUID  `json:"id"`
	HostID       uuid.UUID  `json:"host_id"`
	HostName     string     `json:"host_name,omitempty"`
	HostAvatar   string     `json:"host_avatar,omitempty"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	ThumbnailURL string     `json:"thumbnail_url,omitempty"`
	IsActive     bool       `json:"is_active"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// StreamSession tracks relay metadata for one go-live of a stream.
type StreamSession struct {
	ID           uuid.UUID  `json:"id"`
	StreamID     uuid.UUID  `json:"stream_id"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	PeakViewers  int        `json:"peak_viewers"`
	TotalViewers int        `json:"total_viewers"`
	WatchSeconds int64      `json:"watch_seconds"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}
