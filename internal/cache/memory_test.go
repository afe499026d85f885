package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/apikeys/internal/domain/apikey"
)

type clock struct {
	t time.Time
}

func (c *clock) now() time.Time { return c.t }

func newTestMemory() (*Memory, *clock) {
	c := &clock{t: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)}
	m := NewMemory()
	m.now = c.now
	return m, c
}

func TestMemory_GetSet(t *testing.T) {
	ctx := context.Background()
	m, clk := newTestMemory()

	_, ok, err := m.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Set(ctx, "k1", "ABCDEFGH", true, time.Minute, 0))

	valid, ok, err := m.Get(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, valid)

	clk.t = clk.t.Add(time.Minute)
	_, ok, err = m.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok, "entry expiring exactly now is a miss")
}

func TestMemory_NonPositiveTTLIsNotStored(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMemory()

	require.NoError(t, m.Set(ctx, "k1", "ABCDEFGH", true, 0, 0))
	require.NoError(t, m.Set(ctx, "k2", "ABCDEFGH", true, -time.Second, 0))
	assert.Zero(t, m.Len())
}

func TestMemory_InvalidateByPrefix(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMemory()

	require.NoError(t, m.Set(ctx, "k1", "AAAAAAAA", true, time.Hour, 0))
	require.NoError(t, m.Set(ctx, "k2", "BBBBBBBB", true, time.Hour, 0))

	require.NoError(t, m.InvalidateByPrefix(ctx, "AAAAAAAA"))
	_, ok, _ := m.Get(ctx, "k1")
	assert.False(t, ok)
	_, ok, _ = m.Get(ctx, "k2")
	assert.True(t, ok)

	// Unknown prefixes are a no-op.
	require.NoError(t, m.InvalidateByPrefix(ctx, "CCCCCCCC"))
	assert.Equal(t, 1, m.Len())
}

func TestMemory_SetAfterInvalidationIsDropped(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMemory()

	gen, err := m.Generation(ctx, "AAAAAAAA")
	require.NoError(t, err)
	assert.Zero(t, gen)

	// The prefix is invalidated between reading the generation and storing.
	require.NoError(t, m.InvalidateByPrefix(ctx, "AAAAAAAA"))
	require.NoError(t, m.Set(ctx, "k1", "AAAAAAAA", true, time.Hour, gen))

	_, ok, _ := m.Get(ctx, "k1")
	assert.False(t, ok)

	gen, err = m.Generation(ctx, "AAAAAAAA")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), gen)

	require.NoError(t, m.Set(ctx, "k1", "AAAAAAAA", true, time.Hour, gen))
	_, ok, _ = m.Get(ctx, "k1")
	assert.True(t, ok)
}

func TestMemory_Invalidate(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMemory()

	require.NoError(t, m.Set(ctx, "k1", "AAAAAAAA", true, time.Hour, 0))
	require.NoError(t, m.Invalidate(ctx, "k1"))

	_, ok, _ := m.Get(ctx, "k1")
	assert.False(t, ok)
	assert.Empty(t, m.byPrefix)
}

func TestMemory_Cleanup(t *testing.T) {
	ctx := context.Background()
	m, clk := newTestMemory()

	require.NoError(t, m.Set(ctx, "short", "AAAAAAAA", true, time.Second, 0))
	require.NoError(t, m.Set(ctx, "long", "BBBBBBBB", true, time.Hour, 0))

	clk.t = clk.t.Add(time.Minute)
	m.cleanup()

	assert.Equal(t, 1, m.Len())
	assert.NotContains(t, m.byPrefix, "AAAAAAAA")
	assert.Contains(t, m.byPrefix, "BBBBBBBB")
}

func TestMemory_RunStopsOnCancel(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		m.Run(ctx, time.Millisecond)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestInvalidator(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMemory()
	require.NoError(t, m.Set(ctx, "k1", "AAAAAAAA", true, time.Hour, 0))

	l := Invalidator(m)
	require.NoError(t, l(ctx, apikey.Event{Type: apikey.EventSaved, Key: &apikey.Key{Prefix: "AAAAAAAA"}}))

	_, ok, _ := m.Get(ctx, "k1")
	assert.False(t, ok)
}
