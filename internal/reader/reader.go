// Package reader is the pure read path: cache first, state store on a
// miss, never blocking on writer activity. It also reconstructs
// historical snapshots from the event log for as-of reads.
package reader

import (
	"fmt"

	"modelstore/internal/cache"
	"modelstore/internal/eventlog"
	"modelstore/internal/model"
	"modelstore/internal/state"
)

type Reader struct {
	state *state.Store
	cache *cache.Cache
	log   *eventlog.Log
}

func New(st *state.Store, ch *cache.Cache, log *eventlog.Log) *Reader {
	return &Reader{state: st, cache: ch, log: log}
}

// Get returns the current record. Tombstoned and never-created instances
// both report ENotFound.
func (r *Reader) Get(fqid model.Fqid) (model.Record, error) {
	if rec, ok := r.cache.GetCached(fqid); ok {
		if rec.Deleted {
			return model.Record{}, notFound(fqid)
		}
		return rec, nil
	}
	rec, err := r.state.Get(fqid)
	if err != nil {
		return model.Record{}, err
	}
	r.cache.Backfill(rec)
	if rec.Deleted {
		return model.Record{}, notFound(fqid)
	}
	return rec, nil
}

// GetMany resolves a batch of fqids; missing or deleted instances are
// simply absent from the result.
func (r *Reader) GetMany(fqids []model.Fqid) (map[model.Fqid]model.Record, error) {
	out := make(map[model.Fqid]model.Record, len(fqids))
	for _, fqid := range fqids {
		rec, err := r.Get(fqid)
		if err != nil {
			if model.ECode(err) == model.ENotFound {
				continue
			}
			return nil, err
		}
		out[fqid] = rec
	}
	return out, nil
}

// Filter returns the collection's live records matching the predicate,
// in key order. The predicate runs on snapshots, so it never observes a
// half-applied write.
func (r *Reader) Filter(collection string, pred func(model.Record) bool) ([]model.Record, error) {
	all, err := r.state.GetAll(collection, state.NoDeleted)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, rec := range all {
		if pred(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Everything returns the full store grouped by collection.
func (r *Reader) Everything(behaviour state.DeletedBehaviour) (map[string][]model.Record, error) {
	return r.state.Everything(behaviour)
}

// GetAtPosition reconstructs the instance as of the given position by
// replaying the event log. Historical path: correctness over speed.
func (r *Reader) GetAtPosition(fqid model.Fqid, pos model.Position) (model.Record, error) {
	if pos < 1 {
		return model.Record{}, &model.Error{Code: model.EValidation, Msg: fmt.Sprintf("invalid position %d", pos)}
	}
	var rec *model.Record
	it := r.log.ReadRange(1, pos)
	for ev, ok := it.Next(); ok; ev, ok = it.Next() {
		for _, mut := range ev.Mutations {
			if mut.Fqid != fqid {
				continue
			}
			next, err := model.ApplyMutation(rec, mut, ev.Position)
			if err != nil {
				return model.Record{}, err
			}
			rec = next
		}
	}
	if err := it.Err(); err != nil {
		return model.Record{}, err
	}
	if rec == nil || rec.Deleted {
		return model.Record{}, notFound(fqid)
	}
	return *rec, nil
}

func notFound(fqid model.Fqid) error {
	return &model.Error{Code: model.ENotFound, Msg: fmt.Sprintf("%s does not exist", fqid)}
}
