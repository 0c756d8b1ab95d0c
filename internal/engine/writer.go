// Package engine is the write/consistency core. Every write request runs
// through one pipeline: validate, take sorted intents, check optimistic
// expectations, allocate the next position, append durably, apply to
// current state, publish. Mutations of one request become visible
// together or not at all.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"modelstore/internal/cache"
	"modelstore/internal/eventlog"
	"modelstore/internal/model"
	"modelstore/internal/state"
)

type Writer struct {
	log    *eventlog.Log
	state  *state.Store
	cache  *cache.Cache
	schema *model.Schema
	logger *zap.Logger
	clock  clock.Clock
	locks  *lockTable

	// commitMu is the global serialization point: position allocation,
	// durable append, state apply and cache publish happen inside it, so
	// positions are dense and events reach the notifier in position
	// order. Validation and expectation checks run outside it, under the
	// per-instance intents only.
	commitMu sync.Mutex

	commits   prometheus.Counter
	conflicts prometheus.Counter
	rejected  prometheus.Counter
}

func New(log *eventlog.Log, st *state.Store, ch *cache.Cache, schema *model.Schema,
	logger *zap.Logger, clk clock.Clock, reg prometheus.Registerer) *Writer {

	factory := promauto.With(reg)
	return &Writer{
		log:    log,
		state:  st,
		cache:  ch,
		schema: schema,
		logger: logger,
		clock:  clk,
		locks:  newLockTable(),
		commits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "modelstore", Subsystem: "writer", Name: "commits_total",
			Help: "Write requests committed.",
		}),
		conflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "modelstore", Subsystem: "writer", Name: "conflicts_total",
			Help: "Write requests rejected with an expectation conflict.",
		}),
		rejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "modelstore", Subsystem: "writer", Name: "validation_failures_total",
			Help: "Write requests rejected before reaching the commit section.",
		}),
	}
}

// Commit runs one write request through the pipeline and returns the
// assigned position. On any error no state change is visible: validation
// and conflicts reject before the durable append, storage errors abort
// at it, and an apply failure after a durable append triggers a replay
// resync because the log, not the state store, is the source of truth.
func (w *Writer) Commit(ctx context.Context, req model.WriteRequest) (model.Position, error) {
	const op = "engine.Commit"

	if err := w.validate(req); err != nil {
		w.rejected.Inc()
		return 0, err
	}

	release := w.locks.acquire(intentsOf(req))
	defer release()

	if err := ctx.Err(); err != nil {
		return 0, &model.Error{Code: model.EInternal, Op: op, Err: err}
	}
	if err := w.checkExpectations(req); err != nil {
		switch model.ECode(err) {
		case model.EConflict:
			w.conflicts.Inc()
		case model.EValidation:
			w.rejected.Inc()
		}
		return 0, err
	}

	w.commitMu.Lock()
	pos := w.log.HighestID() + 1
	migIdx := w.log.MigrationIndex()
	if req.Migration != nil {
		migIdx++
	}
	ev := model.ChangeEvent{
		Position:       pos,
		Timestamp:      w.clock.Now().UTC(),
		MigrationIndex: migIdx,
		Mutations:      req.Mutations,
	}
	if err := w.log.Append(ev); err != nil {
		w.commitMu.Unlock()
		return 0, err
	}
	if err := w.state.Apply(ev); err != nil {
		// The event is durable, so it happened; the projection missed it.
		w.logger.Error("state apply failed after durable append, resyncing from log",
			zap.Int64("position", int64(pos)), zap.Error(err))
		if rerr := w.state.Recover(w.log); rerr != nil {
			w.commitMu.Unlock()
			return 0, &model.Error{Code: model.EDivergence, Op: op, Err: rerr}
		}
	}

	// Publish before releasing commitMu: the cache requires events in
	// position order, and a concurrent commit on disjoint instances
	// could otherwise overtake this one between append and publish.
	records := make([]model.Record, 0, len(ev.Mutations))
	for _, fqid := range ev.Fqids() {
		if rec, err := w.state.Get(fqid); err == nil {
			records = append(records, rec)
		}
	}
	w.cache.Put(ev, records)
	w.commitMu.Unlock()

	w.commits.Inc()

	w.logger.Debug("committed write request",
		zap.Int64("position", int64(pos)),
		zap.Int("mutations", len(ev.Mutations)),
		zap.Bool("migration", req.Migration != nil))
	return pos, nil
}

// ReserveIDs returns n fresh ids for a collection from its durable
// sequence; reserved ids are never handed out again.
func (w *Writer) ReserveIDs(collection string, n int) ([]int, error) {
	if !w.schema.HasCollection(collection) {
		return nil, &model.Error{Code: model.EValidation, Msg: fmt.Sprintf("unknown collection %q", collection)}
	}
	return w.log.ReserveIDs(collection, n)
}

// Truncate wipes log, state and cache. Dev tooling only; the API layer
// gates it behind dev mode.
func (w *Writer) Truncate() error {
	w.commitMu.Lock()
	defer w.commitMu.Unlock()
	if err := w.log.Truncate(); err != nil {
		return err
	}
	if err := w.state.Truncate(); err != nil {
		return err
	}
	w.cache.Reset()
	w.logger.Warn("datastore truncated")
	return nil
}
