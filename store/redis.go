package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/go-redis/redis/v8"

	"github.com/jomapps/taskd/task"
)

// casRetries bounds the internal retry loop of UpdateAtomically.
const casRetries = 5

// maxProjectScan caps how many index entries a listing will load.
const maxProjectScan = 1000

// RedisStore implements Store on Redis. Records are JSON values keyed
// task:{id}; the per-project index is a sorted set scored by creation
// time; counters use INCRBY; the revocation and running indexes are
// plain sets. Terminal records carry a PEXPIREAT at their TTL boundary,
// so eviction happens server-side.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// RedisStoreConfig configures the Redis task store.
type RedisStoreConfig struct {
	// KeyPrefix namespaces every key this store touches.
	// Default: "taskd"
	KeyPrefix string

	// Logger is an optional logger for store operations.
	Logger *slog.Logger
}

// NewRedisStore creates a Redis-backed store. The client should
// already be connected.
func NewRedisStore(client *redis.Client, cfg *RedisStoreConfig) *RedisStore {
	prefix := "taskd"
	var logger *slog.Logger
	if cfg != nil {
		if cfg.KeyPrefix != "" {
			prefix = cfg.KeyPrefix
		}
		logger = cfg.Logger
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{client: client, prefix: prefix, logger: logger}
}

// Open connects to Redis at the given URL and returns a store over it.
func Open(ctx context.Context, url string, cfg *RedisStoreConfig) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse store url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to store: %w", err)
	}
	return NewRedisStore(client, cfg), nil
}

func (s *RedisStore) taskKey(id string) string {
	return fmt.Sprintf("%s:task:%s", s.prefix, id)
}

func (s *RedisStore) projectKey(projectID string) string {
	return fmt.Sprintf("%s:project:%s:tasks", s.prefix, projectID)
}

func (s *RedisStore) counterKey(name string) string {
	return fmt.Sprintf("%s:metrics:%s", s.prefix, name)
}

func (s *RedisStore) revokedKey() string {
	return s.prefix + ":revoked"
}

func (s *RedisStore) runningKey() string {
	return s.prefix + ":running"
}

// Create persists a new record and indexes it under its project.
func (s *RedisStore) Create(ctx context.Context, t *task.Task) error {
	if t == nil || t.ID == "" {
		return fmt.Errorf("task id is required")
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.taskKey(t.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	if !ok {
		return ErrAlreadyExists
	}

	score := float64(t.CreatedAt.UnixMilli())
	if err := s.client.ZAdd(ctx, s.projectKey(t.ProjectID), &redis.Z{Score: score, Member: t.ID}).Err(); err != nil {
		return fmt.Errorf("index task: %w", err)
	}
	return nil
}

// Get returns the record or ErrNotFound.
func (s *RedisStore) Get(ctx context.Context, id string) (*task.Task, error) {
	data, err := s.client.Get(ctx, s.taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	var t task.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("unmarshal task %s: %w", id, err)
	}
	return &t, nil
}

// UpdateAtomically applies mutate under optimistic concurrency: the
// record is read under WATCH, mutated, and written in a transaction
// that fails if any other writer touched the key. The loop retries a
// bounded number of times before giving up with ErrConflict.
func (s *RedisStore) UpdateAtomically(ctx context.Context, id string, mutate func(*task.Task) error) (*task.Task, error) {
	key := s.taskKey(id)

	for attempt := 0; attempt < casRetries; attempt++ {
		var updated *task.Task

		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			if err != nil {
				return fmt.Errorf("read task: %w", err)
			}

			var rec task.Task
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("unmarshal task %s: %w", id, err)
			}

			if err := mutate(&rec); err != nil {
				return err
			}
			rec.Version++

			payload, err := json.Marshal(&rec)
			if err != nil {
				return fmt.Errorf("marshal task: %w", err)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, redis.KeepTTL)
				if rec.State == task.StateRunning {
					pipe.SAdd(ctx, s.runningKey(), rec.ID)
				} else {
					pipe.SRem(ctx, s.runningKey(), rec.ID)
				}
				if rec.Terminal() {
					pipe.PExpireAt(ctx, key, rec.TTLExpiresAt)
				}
				return nil
			})
			if err != nil {
				return err
			}
			updated = &rec
			return nil
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, ErrConflict
}

// ListByProject returns the project's tasks newest-first, filtered and
// paginated. Index entries whose record has TTL-evicted are pruned
// lazily here.
func (s *RedisStore) ListByProject(ctx context.Context, projectID string, f Filter, p Page) ([]*task.Task, Pagination, error) {
	if p.Limit <= 0 {
		p.Limit = 20
	}
	if p.Number <= 0 {
		p.Number = 1
	}

	indexKey := s.projectKey(projectID)
	ids, err := s.client.ZRevRange(ctx, indexKey, 0, maxProjectScan-1).Result()
	if err != nil {
		return nil, Pagination{}, fmt.Errorf("read project index: %w", err)
	}
	if len(ids) == 0 {
		return nil, Pagination{Page: p.Number, Limit: p.Limit}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.taskKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, Pagination{}, fmt.Errorf("load tasks: %w", err)
	}

	var evicted []interface{}
	var matched []*task.Task
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			evicted = append(evicted, ids[i])
			continue
		}
		var t task.Task
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			s.logger.Warn("Skipping undecodable task record", "task_id", ids[i], "error", err)
			continue
		}
		if f.State != "" && t.State != f.State {
			continue
		}
		if f.Type != "" && t.Type != f.Type {
			continue
		}
		matched = append(matched, &t)
	}

	if len(evicted) > 0 {
		if err := s.client.ZRem(ctx, indexKey, evicted...).Err(); err != nil {
			s.logger.Warn("Failed to prune evicted ids from project index",
				"project_id", projectID, "error", err)
		}
	}

	// ZRevRange is newest-first already; keep it stable after filtering.
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	pages := (total + p.Limit - 1) / p.Limit
	start := (p.Number - 1) * p.Limit
	if start > total {
		start = total
	}
	end := start + p.Limit
	if end > total {
		end = total
	}

	return matched[start:end], Pagination{Page: p.Number, Limit: p.Limit, Total: total, Pages: pages}, nil
}

// IncrementCounter atomically adjusts a named counter.
func (s *RedisStore) IncrementCounter(ctx context.Context, name string, delta int64) error {
	if err := s.client.IncrBy(ctx, s.counterKey(name), delta).Err(); err != nil {
		return fmt.Errorf("increment counter %s: %w", name, err)
	}
	return nil
}

// ReadCounters returns a snapshot of all counters.
func (s *RedisStore) ReadCounters(ctx context.Context) (Counters, error) {
	names := []string{
		CounterSubmitted, CounterCompleted, CounterFailed,
		CounterRetried, CounterCancelled, CounterRunning,
	}
	keys := make([]string, len(names))
	for i, n := range names {
		keys[i] = s.counterKey(n)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return Counters{}, fmt.Errorf("read counters: %w", err)
	}

	read := func(i int) int64 {
		raw, ok := values[i].(string)
		if !ok {
			return 0
		}
		var n int64
		_, _ = fmt.Sscan(raw, &n)
		return n
	}
	return Counters{
		TotalSubmitted:   read(0),
		Completed:        read(1),
		Failed:           read(2),
		Retried:          read(3),
		Cancelled:        read(4),
		CurrentlyRunning: read(5),
	}, nil
}

// AddRevocation records that the task has been asked to cancel.
func (s *RedisStore) AddRevocation(ctx context.Context, id string) error {
	if err := s.client.SAdd(ctx, s.revokedKey(), id).Err(); err != nil {
		return fmt.Errorf("add revocation: %w", err)
	}
	return nil
}

// IsRevoked reports whether the task is in the revocation set.
func (s *RedisStore) IsRevoked(ctx context.Context, id string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, s.revokedKey(), id).Result()
	if err != nil {
		return false, fmt.Errorf("check revocation: %w", err)
	}
	return ok, nil
}

// ClearRevocation removes the task from the revocation set.
func (s *RedisStore) ClearRevocation(ctx context.Context, id string) error {
	if err := s.client.SRem(ctx, s.revokedKey(), id).Err(); err != nil {
		return fmt.Errorf("clear revocation: %w", err)
	}
	return nil
}

// RunningTaskIDs returns the running index.
func (s *RedisStore) RunningTaskIDs(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.runningKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("read running index: %w", err)
	}
	return ids, nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
