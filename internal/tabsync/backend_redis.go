package tabsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisSnapshotKey      = "tabsync:state"
	redisChangeChannel    = "tabsync:state:changed"
	redisOperationTimeout = 5 * time.Second
)

// RedisStateBackend stores the snapshot under one key and publishes a
// change signal after every save, so coordinators and observers in other
// processes get Tier-3 notifications without polling.
type RedisStateBackend struct {
	client *redis.Client
}

func NewRedisStateBackend(dsn string) (*RedisStateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, err
	}
	return &RedisStateBackend{client: redis.NewClient(opts)}, nil
}

func (b *RedisStateBackend) Load() (*StateSnapshot, error) {
	if b == nil || b.client == nil {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()

	payload, err := b.client.Get(ctx, redisSnapshotKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snapshot StateSnapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageCorruption, err)
	}
	if snapshot.Records == nil {
		snapshot.Records = map[string]Record{}
	}
	return &snapshot, nil
}

func (b *RedisStateBackend) Save(state *StateSnapshot) error {
	if b == nil || b.client == nil || state == nil {
		return nil
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()

	if err := b.client.Set(ctx, redisSnapshotKey, payload, 0).Err(); err != nil {
		return mapRedisError(err)
	}
	// Best effort: subscribers reconcile from the key either way.
	_ = b.client.Publish(ctx, redisChangeChannel, state.GlobalRevision).Err()
	return nil
}

// Watch subscribes to the change channel and invokes onChange for every
// published save, including this process's own (filtered upstream).
func (b *RedisStateBackend) Watch(onChange func()) (func(), error) {
	if b == nil || b.client == nil || onChange == nil {
		return func() {}, nil
	}
	pubsub := b.client.Subscribe(context.Background(), redisChangeChannel)
	done := make(chan struct{})
	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case _, ok := <-ch:
				if !ok {
					return
				}
				onChange()
			case <-done:
				return
			}
		}
	}()
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = pubsub.Close()
		})
	}
	return cancel, nil
}

func (b *RedisStateBackend) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}

func mapRedisError(err error) error {
	if err == nil {
		return nil
	}
	// maxmemory rejections surface as OOM command errors.
	if strings.Contains(err.Error(), "OOM") {
		return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
	}
	return err
}
