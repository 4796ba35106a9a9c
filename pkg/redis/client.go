// Package redis announces synced milestones on Redis Pub/Sub and keeps the
// most recent ones in a capped stream.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/canopy-network/permanode/pkg/utils"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultStreamMaxLen = 10000

// Options configures a Client.
type Options struct {
	Addr     string
	Password string
	DB       int
	// StreamMaxLen caps every stream approximately. Zero keeps everything.
	StreamMaxLen int64
}

// OptionsFromEnv reads REDIS_HOST, REDIS_PORT, REDIS_PASSWORD, REDIS_DB and
// REDIS_STREAM_MAXLEN. ok is false when REDIS_HOST is unset, which disables
// notifications.
func OptionsFromEnv() (opts Options, ok bool) {
	host := utils.Env("REDIS_HOST", "")
	if host == "" {
		return Options{}, false
	}
	return Options{
		Addr:         fmt.Sprintf("%s:%s", host, utils.Env("REDIS_PORT", "6379")),
		Password:     utils.Env("REDIS_PASSWORD", ""),
		DB:           utils.EnvInt("REDIS_DB", 0),
		StreamMaxLen: utils.EnvInt64("REDIS_STREAM_MAXLEN", DefaultStreamMaxLen),
	}, true
}

// Client is the connection events are written through.
type Client struct {
	rdb          *redis.Client
	logger       *zap.Logger
	streamMaxLen int64
}

// NewClient connects and pings Redis.
func NewClient(ctx context.Context, logger *zap.Logger, opts Options) (*Client, error) {
	// one writer, the pipeline, so a small pool is enough
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     4,
		MinIdleConns: 1,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", opts.Addr, err)
	}

	logger.Info("Connected to Redis",
		zap.String("addr", opts.Addr),
		zap.Int("db", opts.DB),
		zap.Int64("streamMaxLen", opts.StreamMaxLen))
	return &Client{rdb: rdb, logger: logger, streamMaxLen: opts.StreamMaxLen}, nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// Announce publishes payload on channel and appends fields to stream in one
// round trip. Subscribers that were offline can catch up from the stream.
func (c *Client) Announce(ctx context.Context, channel, stream string, payload []byte, fields map[string]any) error {
	args := &redis.XAddArgs{Stream: stream, Values: fields}
	if c.streamMaxLen > 0 {
		args.MaxLen = c.streamMaxLen
		args.Approx = true
	}

	_, err := c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Publish(ctx, channel, payload)
		pipe.XAdd(ctx, args)
		return nil
	})
	if err != nil {
		return fmt.Errorf("announce on %s: %w", channel, err)
	}
	return nil
}

// Subscribe returns a subscription the caller must close.
func (c *Client) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return c.rdb.Subscribe(ctx, channels...)
}

// Recent returns up to count stream entries, oldest first.
func (c *Client) Recent(ctx context.Context, stream string, count int64) ([]redis.XMessage, error) {
	return c.rdb.XRangeN(ctx, stream, "-", "+", count).Result()
}
