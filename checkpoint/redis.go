package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/urizennnn/gh-prospector/aggregator"
	"github.com/urizennnn/gh-prospector/planner"
)

// RedisStore persists checkpoints in Redis for deployments where the
// scanner runs without durable local disk. Layout:
//
//	ckpt:runs                 set of run ids
//	ckpt:index:<run>          sorted set, score = creation unix nanos
//	ckpt:data:<run>:<id>      checkpoint JSON
//	ckpt:lock:<run>           run lock marker
//
// A SET of the data key happens before the index ZADD, so an id listed in
// the index always resolves to a complete record.
type RedisStore struct {
	rdb      *redis.Client
	lockTTL  time.Duration
	lockVals map[string]string
}

// ConnectURL dials Redis from a redis:// URL and verifies the connection.
func ConnectURL(url string, connTimeout time.Duration) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), connTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("checkpoint: redis ping failed: %w", err)
	}
	return rdb, nil
}

func NewRedisStore(rdb *redis.Client, lockTTL time.Duration) *RedisStore {
	if lockTTL <= 0 {
		lockTTL = 12 * time.Hour
	}
	return &RedisStore{rdb: rdb, lockTTL: lockTTL, lockVals: map[string]string{}}
}

func dataKey(runID, id string) string { return "ckpt:data:" + runID + ":" + id }
func indexKey(runID string) string    { return "ckpt:index:" + runID }
func lockKey(runID string) string     { return "ckpt:lock:" + runID }

func (s *RedisStore) Save(ctx context.Context, runID string, cursor planner.Cursor, snap *aggregator.Aggregate) (string, error) {
	now := time.Now()
	cp := Checkpoint{
		ID:        NewID(now),
		RunID:     runID,
		CreatedAt: now.UTC(),
		Cursor:    cursor,
		Snapshot:  snap,
	}
	data, err := json.Marshal(&cp)
	if err != nil {
		return "", fmt.Errorf("checkpoint: encode: %w", err)
	}
	if err := s.rdb.Set(ctx, dataKey(runID, cp.ID), data, 0).Err(); err != nil {
		return "", fmt.Errorf("checkpoint: redis set: %w", err)
	}
	if err := s.rdb.ZAdd(ctx, indexKey(runID), redis.Z{
		Score:  float64(now.UnixNano()),
		Member: cp.ID,
	}).Err(); err != nil {
		return "", fmt.Errorf("checkpoint: redis index: %w", err)
	}
	if err := s.rdb.SAdd(ctx, "ckpt:runs", runID).Err(); err != nil {
		return "", fmt.Errorf("checkpoint: redis runs: %w", err)
	}
	return cp.ID, nil
}

func (s *RedisStore) Load(ctx context.Context, ref string) (*Checkpoint, error) {
	switch {
	case ref == "" || ref == Latest:
		metas, err := s.List(ctx, "")
		if err != nil {
			return nil, err
		}
		if len(metas) == 0 {
			return nil, fmt.Errorf("%w: no checkpoints stored", ErrNotFound)
		}
		return s.read(ctx, metas[0].RunID, metas[0].ID)
	default:
		isRun, err := s.rdb.SIsMember(ctx, "ckpt:runs", ref).Result()
		if err != nil {
			return nil, fmt.Errorf("checkpoint: redis: %w", err)
		}
		if isRun {
			metas, err := s.List(ctx, ref)
			if err != nil {
				return nil, err
			}
			if len(metas) == 0 {
				return nil, fmt.Errorf("%w: run %s has no checkpoints", ErrNotFound, ref)
			}
			return s.read(ctx, ref, metas[0].ID)
		}
		runs, err := s.Runs(ctx)
		if err != nil {
			return nil, err
		}
		for _, run := range runs {
			cp, err := s.read(ctx, run, ref)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return cp, err
		}
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
}

func (s *RedisStore) read(ctx context.Context, runID, id string) (*Checkpoint, error) {
	data, err := s.rdb.Get(ctx, dataKey(runID, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, runID, id)
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: redis get: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("%w: %s/%s: %v", ErrCorrupt, runID, id, err)
	}
	if cp.Snapshot == nil || cp.Cursor.RunID == "" {
		return nil, fmt.Errorf("%w: %s/%s: cursor or snapshot missing", ErrCorrupt, runID, id)
	}
	return &cp, nil
}

func (s *RedisStore) List(ctx context.Context, runID string) ([]Meta, error) {
	runs := []string{runID}
	if runID == "" {
		var err error
		runs, err = s.Runs(ctx)
		if err != nil {
			return nil, err
		}
	}
	var metas []Meta
	for _, run := range runs {
		ids, err := s.rdb.ZRevRange(ctx, indexKey(run), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("checkpoint: redis index: %w", err)
		}
		for _, id := range ids {
			if !strings.HasPrefix(id, "checkpoint_") {
				continue
			}
			created, err := time.Parse(idTimeLayout, strings.TrimPrefix(id, "checkpoint_"))
			if err != nil {
				continue
			}
			metas = append(metas, Meta{ID: id, RunID: run, CreatedAt: created})
		}
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].CreatedAt.After(metas[j].CreatedAt) })
	return metas, nil
}

func (s *RedisStore) Runs(ctx context.Context) ([]string, error) {
	runs, err := s.rdb.SMembers(ctx, "ckpt:runs").Result()
	if err != nil {
		return nil, fmt.Errorf("checkpoint: redis runs: %w", err)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(runs)))
	return runs, nil
}

// AcquireRunLock takes the run lock with SETNX. The TTL keeps a crashed
// scanner from wedging the run forever.
func (s *RedisStore) AcquireRunLock(ctx context.Context, runID string) (func(), error) {
	val := fmt.Sprintf("%d", time.Now().UnixNano())
	ok, err := s.rdb.SetNX(ctx, lockKey(runID), val, s.lockTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("checkpoint: redis lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunLocked, runID)
	}
	s.lockVals[runID] = val

	released := false
	return func() {
		if released {
			return
		}
		released = true
		// Best effort: only delete if we still hold it.
		cur, err := s.rdb.Get(context.Background(), lockKey(runID)).Result()
		if err == nil && cur == val {
			s.rdb.Del(context.Background(), lockKey(runID))
		}
	}, nil
}
