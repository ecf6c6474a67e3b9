package redisclient

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRedisClientAppliesOptions(t *testing.T) {
	mr := miniredis.RunT(t)

	rdb, err := NewRedisClient(context.Background(), Options{
		Addr:         mr.Addr(),
		DB:           2,
		PoolSize:     25,
		ReadTimeout:  time.Second,
		WriteTimeout: 3 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })

	opts := rdb.Options()
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, 25, opts.PoolSize)
	assert.Equal(t, defaultMinIdleConns, opts.MinIdleConns)
	assert.Equal(t, time.Second, opts.ReadTimeout)
	assert.Equal(t, 3*time.Second, opts.WriteTimeout)
	assert.Equal(t, defaultDialTimeout, opts.DialTimeout)
}

func TestNewRedisClientDefaults(t *testing.T) {
	mr := miniredis.RunT(t)

	rdb, err := NewRedisClient(context.Background(), Options{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })

	opts := rdb.Options()
	assert.Equal(t, defaultPoolSize, opts.PoolSize)
	assert.Equal(t, defaultIOTimeout, opts.ReadTimeout)
	assert.Equal(t, defaultIOTimeout, opts.WriteTimeout)
}

func TestNewRedisClientPingFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisClient(context.Background(), Options{Addr: addr, DialTimeout: 200 * time.Millisecond})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ping redis")
}
