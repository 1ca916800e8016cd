package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"bookscan/internal/config"
)

// RedisQueue hands submitted job IDs from the API to the worker. There is
// deliberately no retry or dead-letter machinery here: a lease that expires
// is simply dropped, because the timeout reaper owns stuck-job recovery
// and retries are strictly user-initiated.
type RedisQueue struct {
	client      *redis.Client
	readyKey    string
	inflightKey string
	leaseTTL    time.Duration
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	lease := cfg.LeaseTimeout
	if lease == 0 {
		lease = 10 * time.Minute
	}
	return &RedisQueue{
		client:      client,
		readyKey:    "detect:ready",
		inflightKey: "detect:inflight",
		leaseTTL:    lease,
	}
}

// Enqueue appends a job ID to the ready list.
func (q *RedisQueue) Enqueue(ctx context.Context, jobID string) error {
	return q.client.RPush(ctx, q.readyKey, jobID).Err()
}

// DequeueWithLease pops the next job ID and records it in the in-flight
// set with a lease deadline. Returns "" when the queue is empty.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.readyKey, q.inflightKey},
		time.Now().Add(q.leaseTTL).UnixMilli(),
	).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// Ack removes a job from in-flight tracking after the run finishes.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	return q.client.ZRem(ctx, q.inflightKey, jobID).Err()
}

// DropExpired discards in-flight entries whose lease passed. The jobs
// themselves are left to the timeout reaper; dropping only keeps the
// in-flight set from growing without bound.
func (q *RedisQueue) DropExpired(ctx context.Context, now time.Time) (int, error) {
	n, err := q.client.ZRemRangeByScore(ctx, q.inflightKey, "-inf", fmt.Sprintf("%d", now.UnixMilli())).Result()
	return int(n), err
}

// Depth returns the number of jobs waiting for a worker.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)
