package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"modelstore/internal/model"
)

func newTestCache(t *testing.T, capacity int, clk clock.Clock) *Cache {
	t.Helper()
	c, err := New(capacity, clk, prometheus.NewRegistry())
	require.NoError(t, err)
	return c
}

func record(fqid model.Fqid, pos model.Position) model.Record {
	return model.Record{
		Fqid:     fqid,
		Fields:   map[string]json.RawMessage{"n": json.RawMessage(`1`)},
		Position: pos,
	}
}

func event(pos model.Position, fqid model.Fqid) model.ChangeEvent {
	return model.ChangeEvent{
		Position:  pos,
		Mutations: []model.Mutation{{Kind: model.MutationUpdate, Fqid: fqid}},
	}
}

func TestPutAndGetCached(t *testing.T) {
	c := newTestCache(t, 8, clock.New())
	c.Put(event(1, "users/1"), []model.Record{record("users/1", 1)})

	rec, ok := c.GetCached("users/1")
	require.True(t, ok)
	require.Equal(t, model.Position(1), rec.Position)
	require.Equal(t, model.Position(1), c.Head())

	_, ok = c.GetCached("users/2")
	require.False(t, ok)
}

func TestStaleSnapshotNeverDisplacesNewer(t *testing.T) {
	c := newTestCache(t, 8, clock.New())
	c.Put(event(2, "users/1"), []model.Record{record("users/1", 2)})

	// A late backfill from a reader that raced the writer.
	c.Backfill(record("users/1", 1))

	rec, ok := c.GetCached("users/1")
	require.True(t, ok)
	require.Equal(t, model.Position(2), rec.Position)
}

func TestBoundedCapacityEvictsLRU(t *testing.T) {
	c := newTestCache(t, 2, clock.New())
	c.Put(event(1, "users/1"), []model.Record{record("users/1", 1)})
	c.Put(event(2, "users/2"), []model.Record{record("users/2", 2)})
	c.Put(event(3, "users/3"), []model.Record{record("users/3", 3)})

	// users/1 was least recently used; it must be gone, not stale.
	_, ok := c.GetCached("users/1")
	require.False(t, ok)
	_, ok = c.GetCached("users/3")
	require.True(t, ok)
}

func TestWaitForChangeReturnsRetainedEvent(t *testing.T) {
	c := newTestCache(t, 8, clock.New())
	c.Put(event(6, "users/1"), nil)

	ev, err := c.WaitForChange(context.Background(), 5, time.Second)
	require.NoError(t, err)
	require.Equal(t, model.Position(6), ev.Position)
}

func TestWaitForChangeTimesOut(t *testing.T) {
	mock := clock.NewMock()
	c := newTestCache(t, 8, mock)
	c.Put(event(5, "users/1"), nil)

	done := make(chan error, 1)
	go func() {
		_, err := c.WaitForChange(context.Background(), 5, time.Second)
		done <- err
	}()

	// Let the waiter park before advancing the clock.
	time.Sleep(20 * time.Millisecond)
	mock.Add(2 * time.Second)

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not return after timeout")
	}
}

func TestWaitForChangeWakesOnPublish(t *testing.T) {
	c := newTestCache(t, 8, clock.New())
	c.Put(event(5, "users/1"), nil)

	type result struct {
		ev  model.ChangeEvent
		err error
	}
	done := make(chan result, 1)
	go func() {
		ev, err := c.WaitForChange(context.Background(), 5, 5*time.Second)
		done <- result{ev, err}
	}()

	time.Sleep(20 * time.Millisecond)
	c.Put(event(6, "users/2"), nil)

	select {
	case res := <-done:
		require.NoError(t, res.err)
		require.Equal(t, model.Position(6), res.ev.Position)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by publish")
	}
}

func TestWaitForChangeCancelledReportsTimeout(t *testing.T) {
	c := newTestCache(t, 8, clock.New())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.WaitForChange(ctx, 0, time.Minute)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled wait did not return")
	}
}

func TestWaitForChangeTooOld(t *testing.T) {
	c := newTestCache(t, 8, clock.New())
	for i := 1; i <= retainedEvents+5; i++ {
		c.Put(event(model.Position(i), model.FqidFrom("users", i)), nil)
	}

	_, err := c.WaitForChange(context.Background(), 1, time.Second)
	require.ErrorIs(t, err, ErrTooOld)
}

func TestResetClearsEverything(t *testing.T) {
	c := newTestCache(t, 8, clock.New())
	c.Put(event(1, "users/1"), []model.Record{record("users/1", 1)})
	c.Reset()

	require.Equal(t, model.Position(0), c.Head())
	_, ok := c.GetCached("users/1")
	require.False(t, ok)
}
