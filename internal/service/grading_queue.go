package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-session/internal/config"
)

// GradeRequest asks the grading worker to score the pending items of a
// submission.
type GradeRequest struct {
	SubmissionID uuid.UUID `json:"submission_id"`
	Attempt      int       `json:"attempt"`
}

// GradingQueue hands grade requests to the worker.
type GradingQueue interface {
	Enqueue(ctx context.Context, req GradeRequest) error
}

// RedisGradingQueue is a Redis list consumed with BLPOP.
type RedisGradingQueue struct {
	rdb *redis.Client
}

// NewRedisGradingQueue creates a new RedisGradingQueue.
func NewRedisGradingQueue(rdb *redis.Client) *RedisGradingQueue {
	return &RedisGradingQueue{rdb: rdb}
}

// Enqueue pushes req onto the tail of the queue.
func (q *RedisGradingQueue) Enqueue(ctx context.Context, req GradeRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal grade request: %w", err)
	}
	return q.rdb.RPush(ctx, config.WorkerKey.GradeRequestsQueue, data).Err()
}
