package idempotency

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testKey(k string) Key {
	return Key{Method: http.MethodPost, Path: "/api/v1/ai/chat", IdempotencyKey: k, TenantID: "acme"}
}

func newRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()})), mr
}

func TestGuard_ReplayAndConflict(t *testing.T) {
	redisStore, _ := newRedis(t)
	stores := map[string]Store{
		"memory": NewMemoryStore(10),
		"redis":  redisStore,
	}

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			g := NewGuard(store, time.Hour, zap.NewNop())
			ctx := context.Background()
			key := testKey("k1")
			hashB := HashBody([]byte(`{"message":"hi"}`))

			outcome, _, err := g.Begin(ctx, key, hashB)
			require.NoError(t, err)
			assert.Equal(t, Miss, outcome)

			header := http.Header{"Content-Type": []string{"application/json"}}
			require.NoError(t, g.Save(ctx, key, hashB, http.StatusCreated, header, []byte(`{"id":1}`)))

			outcome, rec, err := g.Begin(ctx, key, hashB)
			require.NoError(t, err)
			assert.Equal(t, Replay, outcome)
			assert.Equal(t, http.StatusCreated, rec.StatusCode)
			assert.Equal(t, `{"id":1}`, string(rec.Body))
			assert.Equal(t, "application/json", rec.Header.Get("Content-Type"))

			outcome, _, err = g.Begin(ctx, key, HashBody([]byte(`{"message":"other"}`)))
			require.NoError(t, err)
			assert.Equal(t, Conflict, outcome)

			other := key
			other.Path = "/api/v1/ai/ocr"
			outcome, _, err = g.Begin(ctx, other, hashB)
			require.NoError(t, err)
			assert.Equal(t, Miss, outcome)
		})
	}
}

func TestGuard_ReservationAdmitsOneRequest(t *testing.T) {
	redisStore, _ := newRedis(t)
	stores := map[string]Store{
		"memory": NewMemoryStore(10),
		"redis":  redisStore,
	}

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			g := NewGuard(store, time.Hour, zap.NewNop())
			ctx := context.Background()
			key := testKey("race")

			var (
				wg       sync.WaitGroup
				mu       sync.Mutex
				outcomes = map[Outcome]int{}
			)
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					outcome, _, err := g.Begin(ctx, key, "h")
					assert.NoError(t, err)
					mu.Lock()
					outcomes[outcome]++
					mu.Unlock()
				}()
			}
			wg.Wait()

			assert.Equal(t, 1, outcomes[Miss])
			assert.Equal(t, 19, outcomes[InFlight])

			require.NoError(t, g.Release(ctx, key))
			outcome, _, err := g.Begin(ctx, key, "h")
			require.NoError(t, err)
			assert.Equal(t, Miss, outcome)
		})
	}
}

func TestGuard_StaleReservationExpires(t *testing.T) {
	store := NewMemoryStore(10)
	g := NewGuard(store, time.Hour, zap.NewNop())
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return clock }
	store.now = func() time.Time { return clock }
	ctx := context.Background()
	key := testKey("stale")

	outcome, _, err := g.Begin(ctx, key, "h")
	require.NoError(t, err)
	require.Equal(t, Miss, outcome)

	outcome, rec, err := g.Begin(ctx, key, "h")
	require.NoError(t, err)
	assert.Equal(t, InFlight, outcome)
	assert.True(t, rec.Pending)

	clock = clock.Add(DefaultPendingTTL + time.Second)
	outcome, _, err = g.Begin(ctx, key, "h")
	require.NoError(t, err)
	assert.Equal(t, Miss, outcome)
}

func TestGuard_OnlySuccessIsCached(t *testing.T) {
	g := NewGuard(NewMemoryStore(10), time.Hour, zap.NewNop())
	ctx := context.Background()
	key := testKey("k2")

	for _, status := range []int{http.StatusBadRequest, http.StatusTooManyRequests, http.StatusInternalServerError} {
		require.NoError(t, g.Save(ctx, key, "h", status, nil, []byte("err")))
		outcome, _, err := g.Begin(ctx, key, "h")
		require.NoError(t, err)
		assert.Equal(t, Miss, outcome, "status %d", status)
	}
}

func TestGuard_ExpiredIsMissNotConflict(t *testing.T) {
	store := NewMemoryStore(10)
	g := NewGuard(store, time.Minute, zap.NewNop())
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return clock }
	store.now = func() time.Time { return clock }
	ctx := context.Background()
	key := testKey("k3")

	require.NoError(t, g.Save(ctx, key, "h1", http.StatusOK, nil, nil))
	clock = clock.Add(2 * time.Minute)

	outcome, _, err := g.Begin(ctx, key, "h2")
	require.NoError(t, err)
	assert.Equal(t, Miss, outcome)
}

func TestMemoryStore_LRUAndCleanup(t *testing.T) {
	store := NewMemoryStore(2)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return clock }
	ctx := context.Background()
	rec := func(ttl time.Duration) *Record {
		return &Record{BodyHash: "h", StatusCode: 200, ExpiresAt: clock.Add(ttl)}
	}

	require.NoError(t, store.Put(ctx, testKey("a"), rec(time.Hour)))
	require.NoError(t, store.Put(ctx, testKey("b"), rec(time.Minute)))
	got, _ := store.Get(ctx, testKey("a"))
	require.NotNil(t, got)

	require.NoError(t, store.Put(ctx, testKey("c"), rec(time.Hour)))
	got, _ = store.Get(ctx, testKey("b"))
	assert.Nil(t, got, "least recently used entry evicted")

	clock = clock.Add(2 * time.Hour)
	assert.Equal(t, 2, store.CleanupExpired())
	assert.Equal(t, 0, store.Stats().Size)
	assert.Equal(t, uint64(1), store.Stats().Hits)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store := NewMemoryStore(10)
	ctx := context.Background()
	original := &Record{Body: []byte("abc"), ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, store.Put(ctx, testKey("a"), original))
	original.Body[0] = 'x'

	got, err := store.Get(ctx, testKey("a"))
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got.Body))
}

func TestMemoryStore_CleanupWorkerStops(t *testing.T) {
	store := NewMemoryStore(10)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		store.StartCleanupWorker(ctx, time.Millisecond)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cleanup worker did not stop")
	}
}

func TestRedisStore_SetsTTL(t *testing.T) {
	store, mr := newRedis(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, testKey("a"), &Record{BodyHash: "h", StatusCode: 200, ExpiresAt: time.Now().Add(time.Minute)}))
	ttl := mr.TTL("idem:" + testKey("a").String())
	assert.True(t, ttl > 50*time.Second && ttl <= time.Minute, "ttl %s", ttl)

	mr.FastForward(2 * time.Minute)
	got, err := store.Get(ctx, testKey("a"))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisStore_PutIfAbsentAndDelete(t *testing.T) {
	store, mr := newRedis(t)
	ctx := context.Background()
	rec := &Record{BodyHash: "h", Pending: true, ExpiresAt: time.Now().Add(time.Minute)}

	ok, err := store.PutIfAbsent(ctx, testKey("a"), rec)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.PutIfAbsent(ctx, testKey("a"), rec)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, mr.TTL("idem:"+testKey("a").String()) > 0)

	require.NoError(t, store.Delete(ctx, testKey("a")))
	assert.False(t, mr.Exists("idem:"+testKey("a").String()))
}

func TestRedisStore_Unavailable(t *testing.T) {
	store, mr := newRedis(t)
	mr.Close()

	_, err := store.Get(context.Background(), testKey("a"))
	assert.Error(t, err)
}
