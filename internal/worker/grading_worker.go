package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/config"
	"github.com/stemsi/exstem-session/internal/service"
)

const (
	GradePollTimeout = 1 * time.Second
	// MaxGradeAttempts bounds how often one request is retried before it is
	// dropped and the submission stays pending.
	MaxGradeAttempts = 3
	gradeTimeout     = 60 * time.Second
)

// Grader scores the pending items of one submission.
type Grader interface {
	Grade(ctx context.Context, req service.GradeRequest) error
}

// GradingWorker consumes the grade request queue.
type GradingWorker struct {
	rdb     *redis.Client
	grader  Grader
	requeue service.GradingQueue
	log     zerolog.Logger
}

func NewGradingWorker(rdb *redis.Client, grader Grader, log zerolog.Logger) *GradingWorker {
	return &GradingWorker{
		rdb:     rdb,
		grader:  grader,
		requeue: service.NewRedisGradingQueue(rdb),
		log:     log.With().Str("component", "grading_worker").Logger(),
	}
}

// Start blocks until ctx is cancelled. Requests still in the list survive a
// shutdown and are picked up by the next worker.
func (w *GradingWorker) Start(ctx context.Context) {
	w.log.Info().Msg("GradingWorker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("GradingWorker stopped")
			return
		default:
		}

		item, err := w.rdb.BLPop(ctx, GradePollTimeout, config.WorkerKey.GradeRequestsQueue).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				w.log.Error().Err(err).Msg("BLPop error")
				time.Sleep(GradePollTimeout)
			}
			continue
		}
		if len(item) < 2 {
			continue
		}

		var req service.GradeRequest
		if err := json.Unmarshal([]byte(item[1]), &req); err != nil {
			w.log.Error().Err(err).Msg("Invalid JSON payload")
			continue
		}

		w.process(ctx, req)
	}
}

func (w *GradingWorker) process(ctx context.Context, req service.GradeRequest) {
	gctx, cancel := context.WithTimeout(ctx, gradeTimeout)
	defer cancel()

	err := w.grader.Grade(gctx, req)
	if err == nil {
		return
	}

	log := w.log.With().Str("submission_id", req.SubmissionID.String()).Int("attempt", req.Attempt).Logger()
	switch {
	case ctx.Err() != nil:
		// Interrupted by shutdown, not a failed attempt.
		log.Info().Err(err).Msg("Grading interrupted, requeueing")
	case req.Attempt+1 >= MaxGradeAttempts:
		log.Error().Err(err).Msg("Grading failed, giving up")
		return
	default:
		log.Warn().Err(err).Msg("Grading failed, requeueing")
		req.Attempt++
	}

	// Requeue on a fresh context so a shutdown mid-grade does not lose it.
	if err := w.requeue.Enqueue(context.Background(), req); err != nil {
		log.Error().Err(err).Msg("Requeue failed")
	}
}
