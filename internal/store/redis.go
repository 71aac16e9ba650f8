package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pavelanni/grader/internal/model"
)

// RedisStates keeps problem states in Redis hashes, one per student and
// problem, for hosts that run several grader replicas.
type RedisStates struct {
	rdb *redis.Client
}

var _ StateStore = (*RedisStates)(nil)

// NewRedisStates connects to the Redis server at addr.
func NewRedisStates(ctx context.Context, addr string) (*RedisStates, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return &RedisStates{rdb: rdb}, nil
}

func (r *RedisStates) Close() error {
	return r.rdb.Close()
}

func stateKey(problemID string, userID int64) string {
	return fmt.Sprintf("grader:state:%s:%d", problemID, userID)
}

func (r *RedisStates) LoadState(ctx context.Context, problemID string, userID int64) (*model.StateRecord, error) {
	data, err := r.rdb.HGetAll(ctx, stateKey(problemID, userID)).Result()
	if err == redis.Nil || (err == nil && len(data) == 0) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rec := &model.StateRecord{ProblemID: problemID, UserID: userID, State: data["state"]}
	rec.Attempts, _ = strconv.Atoi(data["attempts"])
	rec.Done = data["done"] == "1"
	rec.Score, _ = strconv.ParseFloat(data["score"], 64)
	rec.MaxScore, _ = strconv.ParseFloat(data["max_score"], 64)
	if ts, err := strconv.ParseInt(data["updated_at"], 10, 64); err == nil {
		rec.UpdatedAt = time.Unix(ts, 0)
	}
	return rec, nil
}

func (r *RedisStates) SaveState(ctx context.Context, rec model.StateRecord) error {
	done := "0"
	if rec.Done {
		done = "1"
	}
	return r.rdb.HSet(ctx, stateKey(rec.ProblemID, rec.UserID), map[string]interface{}{
		"state":      rec.State,
		"attempts":   rec.Attempts,
		"done":       done,
		"score":      strconv.FormatFloat(rec.Score, 'g', -1, 64),
		"max_score":  strconv.FormatFloat(rec.MaxScore, 'g', -1, 64),
		"updated_at": time.Now().Unix(),
	}).Err()
}

func (r *RedisStates) DeleteState(ctx context.Context, problemID string, userID int64) error {
	return r.rdb.Del(ctx, stateKey(problemID, userID)).Err()
}
