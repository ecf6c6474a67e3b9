package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Options sizes the shared client. Zero values fall back to the defaults
// below.
type Options struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

const (
	defaultPoolSize     = 10
	defaultMinIdleConns = 1
	defaultDialTimeout  = 5 * time.Second
	defaultIOTimeout    = 2 * time.Second
)

func (o Options) withDefaults() Options {
	if o.PoolSize <= 0 {
		o.PoolSize = defaultPoolSize
	}
	if o.MinIdleConns <= 0 {
		o.MinIdleConns = defaultMinIdleConns
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = defaultDialTimeout
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = defaultIOTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultIOTimeout
	}
	return o
}

// NewRedisClient connects and pings within the dial timeout. The position
// cache and the sweep leader lock share the returned client.
func NewRedisClient(ctx context.Context, opts Options) (*redis.Client, error) {
	opts = opts.withDefaults()
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Username:     opts.Username,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
	})

	pingCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}

	return rdb, nil
}
