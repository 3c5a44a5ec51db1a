package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis key layout: a sorted set of pending job ids scored by next attempt
// (unix ms), one string key per job holding its JSON, and a capped list of
// buried jobs.
const (
	redisDueKey     = "escrowd:email:due"
	redisJobPrefix  = "escrowd:email:job:"
	redisDeadKey    = "escrowd:email:dead"
	redisDeadMaxLen = 1000
)

// claimScript atomically picks due ids and re-scores them to the lease end.
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(ids) do
  redis.call('ZADD', KEYS[1], ARGV[3], id)
end
return ids
`)

// RedisQueue is a Queue backed by Redis.
type RedisQueue struct {
	client *redis.Client
}

// NewRedisQueue creates a queue on client.
func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

var _ Queue = (*RedisQueue)(nil)

func (q *RedisQueue) Enqueue(ctx context.Context, msg Message) error {
	if msg.To == "" {
		return ErrNoRecipient
	}
	now := time.Now()
	job := &Job{ID: uuid.NewString(), Message: msg, Status: JobPending, NextAttemptAt: now, CreatedAt: now}
	b, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisJobPrefix+job.ID, b, 0)
		pipe.ZAdd(ctx, redisDueKey, redis.Z{Score: score(now), Member: job.ID})
		return nil
	})
	return err
}

func (q *RedisQueue) Claim(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*Job, error) {
	ids, err := claimScript.Run(ctx, q.client, []string{redisDueKey},
		strconv.FormatInt(now.UnixMilli(), 10), limit, strconv.FormatInt(now.Add(lease).UnixMilli(), 10),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("claim email jobs: %w", err)
	}

	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.load(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			q.client.ZRem(ctx, redisDueKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (q *RedisQueue) Complete(ctx context.Context, id string) error {
	n, err := q.client.ZRem(ctx, redisDueKey, id).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return q.client.Del(ctx, redisJobPrefix+id).Err()
}

func (q *RedisQueue) Retry(ctx context.Context, id string, attempts int, lastErr string, next time.Time) error {
	job, err := q.load(ctx, id)
	if err != nil {
		return err
	}
	job.Attempts = attempts
	job.LastError = lastErr
	job.NextAttemptAt = next
	b, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisJobPrefix+id, b, 0)
		pipe.ZAdd(ctx, redisDueKey, redis.Z{Score: score(next), Member: id})
		return nil
	})
	return err
}

func (q *RedisQueue) Bury(ctx context.Context, id string, attempts int, lastErr string) error {
	job, err := q.load(ctx, id)
	if err != nil {
		return err
	}
	job.Attempts = attempts
	job.LastError = lastErr
	job.Status = JobDead
	b, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, redisDueKey, id)
		pipe.Del(ctx, redisJobPrefix+id)
		pipe.LPush(ctx, redisDeadKey, b)
		pipe.LTrim(ctx, redisDeadKey, 0, redisDeadMaxLen-1)
		return nil
	})
	return err
}

func (q *RedisQueue) Depth(ctx context.Context) (int, error) {
	n, err := q.client.ZCard(ctx, redisDueKey).Result()
	return int(n), err
}

func (q *RedisQueue) load(ctx context.Context, id string) (*Job, error) {
	b, err := q.client.Get(ctx, redisJobPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	job := &Job{}
	if err := json.Unmarshal(b, job); err != nil {
		return nil, fmt.Errorf("decode email job %s: %w", id, err)
	}
	return job, nil
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}
