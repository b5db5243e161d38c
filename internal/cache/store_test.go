package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	s := New(Options{Addr: mr.Addr(), ConnectAttempts: 1, DefaultTTL: time.Minute}, nil, nil)
	t.Cleanup(func() { _ = s.Close() })
	require.True(t, s.Connect(context.Background()))
	return s, mr
}

func TestStoreWritesThroughToRedis(t *testing.T) {
	t.Parallel()

	s, mr := newRedisStore(t)
	ctx := context.Background()

	s.Set(ctx, "tokens:all", []byte(`[1,2]`), 30*time.Second)

	got, err := mr.Get("tokens:all")
	require.NoError(t, err)
	assert.Equal(t, `[1,2]`, got)
	assert.Equal(t, 30*time.Second, mr.TTL("tokens:all"))

	value, ok := s.Get(ctx, "tokens:all")
	require.True(t, ok)
	assert.Equal(t, []byte(`[1,2]`), value)
	assert.True(t, s.Exists(ctx, "tokens:all"))
	assert.True(t, s.IsAvailable())
}

func TestStoreDefaultTTL(t *testing.T) {
	t.Parallel()

	s, mr := newRedisStore(t)
	s.Set(context.Background(), "k", []byte("v"), 0)
	assert.Equal(t, time.Minute, mr.TTL("k"))
}

func TestStoreDelAndFlush(t *testing.T) {
	t.Parallel()

	s, mr := newRedisStore(t)
	ctx := context.Background()

	s.Set(ctx, "a", []byte("1"), 0)
	s.Set(ctx, "b", []byte("2"), 0)

	s.Del(ctx, "a")
	_, ok := s.Get(ctx, "a")
	assert.False(t, ok)
	assert.False(t, mr.Exists("a"))

	s.Flush(ctx)
	_, ok = s.Get(ctx, "b")
	assert.False(t, ok)
	assert.Empty(t, mr.Keys())
	assert.Equal(t, 0, s.memory.len())
}

func TestStoreDegradedServesFromMemory(t *testing.T) {
	t.Parallel()

	s := New(Options{Addr: "127.0.0.1:1", ConnectAttempts: 2, MaxBackoff: 10 * time.Millisecond}, nil, nil)
	defer s.Close()

	assert.False(t, s.Connect(context.Background()))
	assert.False(t, s.IsAvailable())

	ctx := context.Background()
	s.Set(ctx, "tokens:all", []byte("cached"), time.Minute)
	value, ok := s.Get(ctx, "tokens:all")
	require.True(t, ok)
	assert.Equal(t, []byte("cached"), value)
	assert.True(t, s.Exists(ctx, "tokens:all"))
}

func TestStoreFallsBackWhenRedisDiesMidFlight(t *testing.T) {
	t.Parallel()

	s, mr := newRedisStore(t)
	ctx := context.Background()

	s.Set(ctx, "k", []byte("v"), time.Minute)
	mr.Close()

	value, ok := s.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), value)
	assert.False(t, s.IsAvailable())
}

func TestStoreMarkUnavailableAndProbe(t *testing.T) {
	t.Parallel()

	s, mr := newRedisStore(t)
	ctx := context.Background()

	s.MarkUnavailable()
	assert.False(t, s.IsAvailable())

	s.Set(ctx, "only-memory", []byte("x"), time.Minute)
	assert.False(t, mr.Exists("only-memory"))
	value, ok := s.Get(ctx, "only-memory")
	require.True(t, ok)
	assert.Equal(t, []byte("x"), value)

	assert.True(t, s.Probe(ctx))
	assert.True(t, s.IsAvailable())
}

func TestStoreWithoutRedisConfigured(t *testing.T) {
	t.Parallel()

	s := New(Options{}, nil, nil)
	assert.False(t, s.Connect(context.Background()))
	assert.False(t, s.Probe(context.Background()))

	s.Set(context.Background(), "k", []byte("v"), time.Second)
	_, ok := s.Get(context.Background(), "k")
	assert.True(t, ok)
	assert.NoError(t, s.Close())
}

func TestKeepAliveSweepsWithoutRedis(t *testing.T) {
	t.Parallel()

	s := New(Options{}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 100; i++ {
		s.Set(ctx, fmt.Sprintf("search:%d", i), []byte("x"), time.Millisecond)
	}
	s.Set(ctx, "fresh", []byte("y"), time.Hour)
	time.Sleep(5 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.KeepAlive(ctx, 10*time.Millisecond)
	}()

	require.Eventually(t, func() bool { return s.memory.len() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, s.Exists(ctx, "fresh"))

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("KeepAlive did not stop on cancel")
	}
}

func TestStoreJSONHelpers(t *testing.T) {
	t.Parallel()

	s := New(Options{}, nil, nil)
	ctx := context.Background()

	type payload struct {
		Name string `json:"name"`
	}
	s.SetJSON(ctx, "p", payload{Name: "bonk"}, time.Minute)

	var got payload
	require.True(t, s.GetJSON(ctx, "p", &got))
	assert.Equal(t, "bonk", got.Name)

	s.Set(ctx, "broken", []byte("{"), time.Minute)
	assert.False(t, s.GetJSON(ctx, "broken", &got))

	s.SetJSON(ctx, "fn", func() {}, time.Minute)
	assert.False(t, s.Exists(ctx, "fn"))
}

func TestMemoryTierExpiry(t *testing.T) {
	t.Parallel()

	m := newMemoryTier()
	now := time.Unix(1000, 0)
	m.now = func() time.Time { return now }

	m.set("a", []byte("1"), time.Second)
	m.set("b", []byte("2"), time.Minute)

	_, ok := m.get("a")
	assert.True(t, ok)

	now = now.Add(time.Second)
	_, ok = m.get("a")
	assert.False(t, ok)
	assert.True(t, m.exists("b"))

	now = now.Add(time.Hour)
	assert.Equal(t, 1, m.sweep())
	assert.Equal(t, 0, m.len())
}

func TestMemoryTierCopiesValues(t *testing.T) {
	t.Parallel()

	m := newMemoryTier()
	value := []byte("abc")
	m.set("k", value, time.Minute)
	value[0] = 'z'

	got, ok := m.get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("abc"), got)
}
