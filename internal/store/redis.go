package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

// Redis is the Store backed by a Redis instance: one string key per record,
// a set per collection as its index, and a pub/sub channel per collection
// carrying change notifications. Subscribers re-read the full collection on
// every notification, preserving the total-replacement snapshot contract.
type Redis struct {
	client *redis.Client
	prefix string
	cb     *gobreaker.CircuitBreaker
	logger *slog.Logger
}

func NewRedis(addr, password, prefix string, logger *slog.Logger) *Redis {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	if prefix == "" {
		prefix = "dispatch"
	}
	return &Redis{
		client: c,
		prefix: prefix,
		cb:     newBreaker("redis-store", logger),
		logger: logger,
	}
}

func (r *Redis) recKey(collection, key string) string {
	return r.prefix + ":rec:" + collection + ":" + key
}
func (r *Redis) idxKey(collection string) string { return r.prefix + ":idx:" + collection }
func (r *Redis) chgKey(collection string) string { return r.prefix + ":chg:" + collection }

func (r *Redis) Read(ctx context.Context, path string) (json.RawMessage, error) {
	collection, key, err := SplitPath(path)
	if err != nil {
		return nil, err
	}
	v, err := r.cb.Execute(func() (any, error) {
		s, err := r.client.Get(ctx, r.recKey(collection, key)).Result()
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return s, err
	})
	if err != nil {
		return nil, err
	}
	return json.RawMessage(v.(string)), nil
}

func (r *Redis) Write(ctx context.Context, path string, value any) error {
	if value == nil {
		return r.Delete(ctx, path)
	}
	collection, key, err := SplitPath(path)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = r.cb.Execute(func() (any, error) {
		pipe := r.client.TxPipeline()
		pipe.Set(ctx, r.recKey(collection, key), string(raw), 0)
		pipe.SAdd(ctx, r.idxKey(collection), key)
		pipe.Publish(ctx, r.chgKey(collection), key)
		_, err := pipe.Exec(ctx)
		return nil, err
	})
	return err
}

// Patch is read-merge-write, not atomic. Concurrent patches on the same
// record resolve last-write-wins, which is the store contract.
func (r *Redis) Patch(ctx context.Context, path string, fields map[string]any) error {
	raw, err := r.Read(ctx, path)
	if err != nil && err != ErrNotFound {
		return err
	}
	merged, err := mergeFields(raw, fields)
	if err != nil {
		return err
	}
	var rec map[string]json.RawMessage
	if err := json.Unmarshal(merged, &rec); err != nil {
		return err
	}
	return r.Write(ctx, path, rec)
}

func (r *Redis) Delete(ctx context.Context, path string) error {
	collection, key, err := SplitPath(path)
	if err != nil {
		return err
	}
	_, err = r.cb.Execute(func() (any, error) {
		pipe := r.client.TxPipeline()
		pipe.Del(ctx, r.recKey(collection, key))
		pipe.SRem(ctx, r.idxKey(collection), key)
		pipe.Publish(ctx, r.chgKey(collection), key)
		_, err := pipe.Exec(ctx)
		return nil, err
	})
	return err
}

func (r *Redis) Subscribe(collection string, fn func(Snapshot)) (CancelFunc, error) {
	return r.subscribe(collection, func(s Snapshot) Snapshot { return s }, fn)
}

func (r *Redis) SubscribeMatch(collection, field, equals string, fn func(Snapshot)) (CancelFunc, error) {
	return r.subscribe(collection, func(s Snapshot) Snapshot { return filterMatch(s, field, equals) }, fn)
}

func (r *Redis) subscribe(collection string, view func(Snapshot) Snapshot, fn func(Snapshot)) (CancelFunc, error) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	ps := r.client.Subscribe(ctx, r.chgKey(collection))
	if _, err := ps.Receive(ctx); err != nil {
		cancelCtx()
		_ = ps.Close()
		return nil, err
	}

	initial, err := r.readCollection(ctx, collection)
	if err != nil {
		cancelCtx()
		_ = ps.Close()
		return nil, err
	}
	fn(view(initial))

	go func() {
		for range ps.Channel() {
			snap, err := r.readCollection(ctx, collection)
			if err != nil {
				if ctx.Err() == nil {
					r.logger.Error("redis snapshot read failed", "collection", collection, "error", err)
				}
				continue
			}
			fn(view(snap))
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			cancelCtx()
			_ = ps.Close()
		})
	}
	return cancel, nil
}

func (r *Redis) Query(ctx context.Context, collection, field, equals string) (Snapshot, error) {
	snap, err := r.readCollection(ctx, collection)
	if err != nil {
		return nil, err
	}
	return filterMatch(snap, field, equals), nil
}

func (r *Redis) GenerateKey(collection string) string { return NewKey() }

func (r *Redis) readCollection(ctx context.Context, collection string) (Snapshot, error) {
	keys, err := r.client.SMembers(ctx, r.idxKey(collection)).Result()
	if err != nil {
		return nil, err
	}
	snap := make(Snapshot, len(keys))
	if len(keys) == 0 {
		return snap, nil
	}
	recKeys := make([]string, len(keys))
	for i, k := range keys {
		recKeys[i] = r.recKey(collection, k)
	}
	vals, err := r.client.MGet(ctx, recKeys...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue // index ahead of a deleted record
		}
		snap[keys[i]] = json.RawMessage(s)
	}
	return snap, nil
}

func (r *Redis) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *Redis) Close() error { return r.client.Close() }

// newBreaker builds the circuit breaker used around remote store calls.
// Open after three consecutive failures, retry after five seconds.
func newBreaker(name string, logger *slog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
		},
	})
}
