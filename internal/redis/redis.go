package redis

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/redis/go-redis/extra/redisotel/v9"
	r "github.com/redis/go-redis/v9"
)

// Reexport go-redis's Nil constant for DX purposes.
const (
	Nil = r.Nil
)

type (
	Cmdable   = r.Cmdable
	Pipeliner = r.Pipeliner
	PubSub    = r.PubSub
	Z         = r.Z
	ZRangeBy  = r.ZRangeBy
	Message   = r.Message
)

// Client is a Redis client that can also open pub/sub subscriptions and be
// closed. Both *redis.Client and *redis.ClusterClient satisfy it.
type Client interface {
	Cmdable
	Subscribe(ctx context.Context, channels ...string) *r.PubSub
	Close() error
}

// New creates a Redis client from config, pings it, and instruments it for
// tracing. Callers own the returned client and must Close it.
func New(ctx context.Context, config *RedisConfig) (Client, error) {
	if config.ClusterEnabled {
		return newClusterClient(ctx, config)
	}
	return newRegularClient(ctx, config)
}

func newRegularClient(ctx context.Context, config *RedisConfig) (Client, error) {
	options := &r.Options{
		Addr:     fmt.Sprintf("%s:%d", config.Host, config.Port),
		Password: config.Password,
		DB:       config.Database,
	}
	if config.TLSEnabled {
		options.TLSConfig = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: true,
		}
	}

	client := r.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	if err := redisotel.InstrumentTracing(client); err != nil {
		return nil, err
	}
	return client, nil
}

func newClusterClient(ctx context.Context, config *RedisConfig) (Client, error) {
	// Single seed node; the cluster client discovers the rest.
	options := &r.ClusterOptions{
		Addrs:    []string{fmt.Sprintf("%s:%d", config.Host, config.Port)},
		Password: config.Password,
	}
	if config.TLSEnabled {
		options.TLSConfig = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: true,
		}
	}

	client := r.NewClusterClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis cluster ping failed: %w", err)
	}
	if err := redisotel.InstrumentTracing(client); err != nil {
		return nil, err
	}
	return client, nil
}
