package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"courtline/internal/domain"
)

// Redis keeps the collection as a single string value.
type Redis struct {
	Client *redis.Client
	Key    string
	Log    *zap.Logger
}

// NewRedis connects to addr and verifies the server answers.
func NewRedis(ctx context.Context, addr, key string, log *zap.Logger) (Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return Redis{}, fmt.Errorf("redis %s: %w", addr, err)
	}
	return Redis{Client: client, Key: key, Log: log}, nil
}

func (r Redis) Load(ctx context.Context) ([]domain.Task, error) {
	key := keyOrDefault(r.Key)
	data, err := r.Client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return []domain.Task{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return decode(key, data, loggerOrNop(r.Log)), nil
}

func (r Redis) Save(ctx context.Context, tasks []domain.Task) error {
	data, err := encode(tasks)
	if err != nil {
		return err
	}
	key := keyOrDefault(r.Key)
	if err := r.Client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r Redis) Close() error {
	return r.Client.Close()
}
