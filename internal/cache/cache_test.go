package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// harness pairs a Cache with a way to move its clock forward.
type harness struct {
	cache   Cache
	advance func(time.Duration)
}

func setupMiniRedis(t *testing.T) harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rc, err := NewRedisCache("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rc.Close() })
	return harness{cache: rc, advance: mr.FastForward}
}

func setupMemory(t *testing.T) harness {
	t.Helper()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mc := NewMemoryCache()
	mc.now = func() time.Time { return now }
	return harness{cache: mc, advance: func(d time.Duration) { now = now.Add(d) }}
}

func forEachCache(t *testing.T, fn func(t *testing.T, h harness)) {
	t.Run("redis", func(t *testing.T) { fn(t, setupMiniRedis(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, setupMemory(t)) })
}

func TestSetGet_Roundtrip(t *testing.T) {
	forEachCache(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		require.NoError(t, h.cache.Set(ctx, "k", []byte("value"), time.Minute))

		val, ok, err := h.cache.Get(ctx, "k")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, []byte("value"), val)
	})
}

func TestGet_NotFound(t *testing.T) {
	forEachCache(t, func(t *testing.T, h harness) {
		val, ok, err := h.cache.Get(context.Background(), "missing")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, val)
	})
}

func TestSet_TTLExpiry(t *testing.T) {
	forEachCache(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		require.NoError(t, h.cache.Set(ctx, "short", []byte("v"), time.Second))

		h.advance(2 * time.Second)

		_, ok, err := h.cache.Get(ctx, "short")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestDelete(t *testing.T) {
	forEachCache(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		require.NoError(t, h.cache.Set(ctx, "k", []byte("v"), time.Minute))
		require.NoError(t, h.cache.Delete(ctx, "k"))
		require.NoError(t, h.cache.Delete(ctx, "never-set"))

		_, ok, err := h.cache.Get(ctx, "k")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestSetGetJobStatus(t *testing.T) {
	forEachCache(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		id := uuid.New()

		_, ok, err := h.cache.GetJobStatus(ctx, id)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, h.cache.SetJobStatus(ctx, id, "processing", time.Hour))
		status, ok, err := h.cache.GetJobStatus(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "processing", status)
	})
}

func TestIncrWithExpiry(t *testing.T) {
	forEachCache(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		key := RateLimitKey("127.0.0.1")

		for want := int64(1); want <= 3; want++ {
			n, err := h.cache.IncrWithExpiry(ctx, key, time.Minute)
			require.NoError(t, err)
			assert.Equal(t, want, n)
		}

		h.advance(2 * time.Minute)

		n, err := h.cache.IncrWithExpiry(ctx, key, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n, "counter restarts after the window expires")
	})
}

func TestMemoryCache_ValuesAreCopied(t *testing.T) {
	h := setupMemory(t)
	ctx := context.Background()
	buf := []byte("abc")
	require.NoError(t, h.cache.Set(ctx, "k", buf, 0))
	buf[0] = 'x'

	val, ok, err := h.cache.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "abc", string(val))
}

func TestMemoryCache_Sweep(t *testing.T) {
	h := setupMemory(t)
	mc := h.cache.(*MemoryCache)
	ctx := context.Background()
	require.NoError(t, mc.Set(ctx, "a", []byte("1"), time.Second))
	require.NoError(t, mc.Set(ctx, "b", []byte("2"), time.Hour))
	require.NoError(t, mc.Set(ctx, "c", []byte("3"), 0))

	h.advance(time.Minute)

	assert.Equal(t, 1, mc.Sweep())
	_, ok, _ := mc.Get(ctx, "b")
	assert.True(t, ok)
	_, ok, _ = mc.Get(ctx, "c")
	assert.True(t, ok)
}

func TestKeyBuilders_NonColliding(t *testing.T) {
	id := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	assert.Equal(t, "job:11111111-1111-1111-1111-111111111111:status", JobStatusKey(id))
	assert.Equal(t, "job:11111111-1111-1111-1111-111111111111:results", ResultsKey(id))
	assert.Equal(t, "ratelimit:abc", RateLimitKey("abc"))
	assert.NotEqual(t, JobStatusKey(id), ResultsKey(id))
}

// TestRedisCache_Container runs against a real Redis server.
func TestRedisCache_Container(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	rc, err := NewRedisCache("redis://" + host + ":" + port.Port())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rc.Close() })

	require.NoError(t, rc.Ping(ctx))
	n, err := rc.IncrWithExpiry(ctx, RateLimitKey("container"), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
