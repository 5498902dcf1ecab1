package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pulse-social/backend/internal/sessionlog"
	"github.com/pulse-social/backend/internal/streams"
	"github.com/pulse-social/backend/pkg/queue"
)

// StreamFinalizer processes stream finalize jobs enqueued when a relay room
// ends: marks the stream record inactive, closes the stream session and
// copies watch-time aggregates from the viewer session logs.
type StreamFinalizer struct {
	streamRepo  *streams.Repository
	sessionRepo *streams.SessionRepository
	logRepo     *sessionlog.Repository
	queue       *queue.Queue
	logger      *zap.Logger
}

// NewStreamFinalizer creates a stream finalize processor.
func NewStreamFinalizer(streamRepo *streams.Repository, sessionRepo *streams.SessionRepository, logRepo *sessionlog.Repository, q *queue.Queue, logger *zap.Logger) *StreamFinalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamFinalizer{
		streamRepo:  streamRepo,
		sessionRepo: sessionRepo,
		logRepo:     logRepo,
		queue:       q,
		logger:      logger,
	}
}

// Process executes one finalize job.
func (p *StreamFinalizer) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeStreamFinalize {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.StreamFinalizePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	streamID, err := uuid.Parse(payload.StreamID)
	if err != nil {
		return fmt.Errorf("invalid stream id %q: %w", payload.StreamID, err)
	}

	if err := p.streamRepo.MarkEnded(ctx, streamID); err != nil {
		return fmt.Errorf("mark stream ended: %w", err)
	}

	session, err := p.sessionRepo.GetActiveByStream(ctx, streamID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if session == nil {
		p.logger.Info("no active session to finalize", zap.String("stream_id", streamID.String()))
		return nil
	}

	agg, err := p.logRepo.GetWatchTimeAggregates(ctx, streamID)
	if err != nil {
		return fmt.Errorf("watch time aggregates: %w", err)
	}
	if err := p.sessionRepo.SetAggregates(ctx, session.ID, agg.DistinctUsers, agg.TotalWatchSeconds); err != nil {
		return fmt.Errorf("set aggregates: %w", err)
	}
	if err := p.sessionRepo.End(ctx, session.ID); err != nil {
		return fmt.Errorf("end session: %w", err)
	}

	p.logger.Info("stream finalized",
		zap.String("stream_id", streamID.String()),
		zap.Int("total_viewers", agg.DistinctUsers),
		zap.Int64("watch_seconds", agg.TotalWatchSeconds))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *StreamFinalizer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("stream finalize worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			time.Sleep(queue.RetryBackoff)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			time.Sleep(queue.RetryBackoff)
		}
	}
}
