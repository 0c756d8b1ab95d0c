// Package cache is the fast-access layer: a bounded LRU of record
// snapshots plus a change notifier for long-poll subscribers. It is not
// authoritative; on any miss readers fall back to the state store.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"modelstore/internal/model"
)

// ErrTimeout is returned when no change arrived within the wait window.
// Cancelled waits report the same way: abandoning a wait has no side
// effects.
var ErrTimeout = errors.New("no change within timeout")

// ErrTooOld means the requested position left the retained event window;
// the caller should replay from the event log instead.
var ErrTooOld = errors.New("requested change no longer retained")

// retainedEvents bounds the ring of recent change events served to
// subscribers that are slightly behind.
const retainedEvents = 256

type Cache struct {
	records *lru.Cache[model.Fqid, model.Record]
	clock   clock.Clock

	mu      sync.Mutex
	head    model.Position
	recent  []model.ChangeEvent // ascending positions, bounded
	changed chan struct{}       // closed and replaced on every publish

	hits   prometheus.Counter
	misses prometheus.Counter
}

func New(capacity int, clk clock.Clock, reg prometheus.Registerer) (*Cache, error) {
	records, err := lru.New[model.Fqid, model.Record](capacity)
	if err != nil {
		return nil, err
	}
	factory := promauto.With(reg)
	return &Cache{
		records: records,
		clock:   clk,
		changed: make(chan struct{}),
		hits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "modelstore", Subsystem: "cache", Name: "hits_total",
			Help: "Record lookups served from the cache.",
		}),
		misses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "modelstore", Subsystem: "cache", Name: "misses_total",
			Help: "Record lookups that fell back to the state store.",
		}),
	}, nil
}

// Put publishes a committed event together with the fresh snapshots of
// every instance it touched, advances the head position and wakes all
// waiters. The writer calls this exactly once per commit, in position
// order.
func (c *Cache) Put(ev model.ChangeEvent, records []model.Record) {
	for _, rec := range records {
		c.store(rec)
	}

	c.mu.Lock()
	if ev.Position > c.head {
		c.head = ev.Position
		c.recent = append(c.recent, ev)
		if len(c.recent) > retainedEvents {
			c.recent = c.recent[len(c.recent)-retainedEvents:]
		}
		close(c.changed)
		c.changed = make(chan struct{})
	}
	c.mu.Unlock()
}

// store adds a snapshot unless the cache already holds a newer one. The
// cache must never go backwards for an instance it knows about.
func (c *Cache) store(rec model.Record) {
	if cur, ok := c.records.Peek(rec.Fqid); ok && cur.Position >= rec.Position {
		return
	}
	c.records.Add(rec.Fqid, rec)
}

// GetCached returns a cached snapshot. A miss says nothing about
// existence.
func (c *Cache) GetCached(fqid model.Fqid) (model.Record, bool) {
	rec, ok := c.records.Get(fqid)
	if ok {
		c.hits.Inc()
	} else {
		c.misses.Inc()
	}
	return rec, ok
}

// Backfill lets the read path warm the cache after a state-store lookup.
// Stale snapshots never displace newer ones.
func (c *Cache) Backfill(rec model.Record) { c.store(rec) }

// Head returns the highest published position.
func (c *Cache) Head() model.Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head
}

// Reset empties the cache and the retained event window, keeping head at
// zero. Used after a truncate.
func (c *Cache) Reset() {
	c.records.Purge()
	c.mu.Lock()
	c.head = 0
	c.recent = nil
	close(c.changed)
	c.changed = make(chan struct{})
	c.mu.Unlock()
}

// WaitForChange blocks until an event with position > since is available,
// then returns the earliest such event. It returns ErrTimeout when the
// window elapses or ctx is cancelled, and ErrTooOld when since has fallen
// out of the retained window (replay from the log instead).
func (c *Cache) WaitForChange(ctx context.Context, since model.Position, timeout time.Duration) (model.ChangeEvent, error) {
	timer := c.clock.Timer(timeout)
	defer timer.Stop()

	for {
		c.mu.Lock()
		if c.head > since {
			if len(c.recent) == 0 || c.recent[0].Position > since+1 {
				c.mu.Unlock()
				return model.ChangeEvent{}, ErrTooOld
			}
			for _, ev := range c.recent {
				if ev.Position > since {
					c.mu.Unlock()
					return ev, nil
				}
			}
		}
		ch := c.changed
		c.mu.Unlock()

		select {
		case <-ch:
		case <-timer.C:
			return model.ChangeEvent{}, ErrTimeout
		case <-ctx.Done():
			return model.ChangeEvent{}, ErrTimeout
		}
	}
}
