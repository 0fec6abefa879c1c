package redis

import (
	"context"
	"errors"
	"os"
	"strconv"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestThrottleAllowUsesPrefixedKeyAndHorizon(t *testing.T) {
	t.Parallel()

	client := &fakeClient{results: []bool{true, false}}
	throttle := newWithClient(client, 30*time.Minute)

	ok, err := throttle.Allow(context.Background(), "categories:fiction")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = throttle.Allow(context.Background(), "categories:fiction")
	require.NoError(t, err)
	require.False(t, ok)

	require.Equal(t, []string{"catalog:check:categories:fiction", "catalog:check:categories:fiction"}, client.keys)
	require.Equal(t, 30*time.Minute, client.expiration)
}

func TestThrottleAllowPropagatesErrors(t *testing.T) {
	t.Parallel()

	throttle := newWithClient(&fakeClient{err: errors.New("conn refused")}, 0)
	require.Equal(t, time.Hour, throttle.horizon)
	_, err := throttle.Allow(context.Background(), "k")
	require.ErrorContains(t, err, "conn refused")
	require.NoError(t, throttle.Close())
}

func TestThrottleAgainstRedis(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	throttle, err := New(ctx, Config{Addr: addr, Horizon: 2 * time.Second})
	require.NoError(t, err)
	defer func() { require.NoError(t, throttle.Close()) }()

	key := "it:" + strconv.FormatInt(time.Now().UnixNano(), 10)
	ok, err := throttle.Allow(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = throttle.Allow(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)
}

type fakeClient struct {
	results    []bool
	err        error
	keys       []string
	expiration time.Duration
}

func (f *fakeClient) SetNX(_ context.Context, key string, _ any, expiration time.Duration) *goredis.BoolCmd {
	f.keys = append(f.keys, key)
	f.expiration = expiration
	if f.err != nil {
		return goredis.NewBoolResult(false, f.err)
	}
	ok := f.results[0]
	f.results = f.results[1:]
	return goredis.NewBoolResult(ok, nil)
}
