package cookies_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ory/dockertest/v3"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/frostlabs/frost-archiver/services/cookies"
)

func startRedis(t *testing.T) *redis.Client {
	t.Helper()

	pool, err := dockertest.NewPool("")
	require.NoError(t, err)

	resource, err := pool.Run("redis", "7-alpine", nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := pool.Purge(resource); err != nil {
			t.Logf("purging redis container: %v", err)
		}
	})

	addr := net.JoinHostPort("localhost", resource.GetPort("6379/tcp"))

	err = pool.Retry(func() error {
		client := redis.NewClient(&redis.Options{Addr: addr})
		defer func() { _ = client.Close() }()
		return client.Ping(context.Background()).Err()
	})
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisStore(t *testing.T) {
	ctx := context.Background()
	store := cookies.NewRedis(startRedis(t), cookies.WithTTL(time.Hour))

	cookie, err := store.GetOrCreate(ctx, "user-1")
	require.NoError(t, err)
	require.NotEmpty(t, cookie)

	again, err := store.GetOrCreate(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, cookie, again)

	other, err := store.GetOrCreate(ctx, "user-2")
	require.NoError(t, err)
	require.NotEqual(t, cookie, other)

	t.Run("concurrent creators agree", func(t *testing.T) {
		values := make(chan string, 10)
		g, gCtx := errgroup.WithContext(ctx)
		for i := 0; i < 10; i++ {
			g.Go(func() error {
				v, err := store.GetOrCreate(gCtx, "user-3")
				values <- v
				return err
			})
		}
		require.NoError(t, g.Wait())
		close(values)

		unique := map[string]struct{}{}
		for v := range values {
			unique[v] = struct{}{}
		}
		require.Len(t, unique, 1)
	})
}
