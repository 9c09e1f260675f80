package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/catalogfi/fusion/pkg/swap"
	"github.com/redis/go-redis/v9"
)

// ActionStore remembers which chain actions have already been performed so
// that retried work does not submit the same transaction twice.
type ActionStore interface {
	// StoreAction records ref as the result of action on the given key.
	StoreAction(action swap.Action, key string, ref string) error

	// CheckAction returns the recorded ref and whether the action was done.
	CheckAction(action swap.Action, key string) (string, bool, error)
}

type redisStore struct {
	client *redis.Client
}

func NewRedisActionStore(redisURL string) (ActionStore, error) {
	parsedURL, err := url.Parse(redisURL)
	if err != nil {
		return nil, err
	}
	redisPassword, _ := parsedURL.User.Password()
	client := redis.NewClient(&redis.Options{
		Addr:     parsedURL.Host,
		Password: redisPassword,
		DB:       0,
	})
	return redisStore{client: client}, nil
}

func (rs redisStore) StoreAction(action swap.Action, key string, ref string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	return rs.client.Set(ctx, actionKey(action, key), ref, 0).Err()
}

func (rs redisStore) CheckAction(action swap.Action, key string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ref, err := rs.client.Get(ctx, actionKey(action, key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return ref, true, nil
}

type memActionStore struct {
	mu      sync.RWMutex
	actions map[string]string
}

func NewMemActionStore() ActionStore {
	return &memActionStore{actions: map[string]string{}}
}

func (ms *memActionStore) StoreAction(action swap.Action, key string, ref string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.actions[actionKey(action, key)] = ref
	return nil
}

func (ms *memActionStore) CheckAction(action swap.Action, key string) (string, bool, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	ref, ok := ms.actions[actionKey(action, key)]
	return ref, ok, nil
}

// SlotKey identifies one slot of a swap in the action store.
func SlotKey(swapID string, index int) string {
	return fmt.Sprintf("%v/%d", swapID, index)
}

func actionKey(action swap.Action, key string) string {
	return fmt.Sprintf("%v-%v", action, key)
}
