package engine

import (
	"sort"
	"sync"

	"modelstore/internal/model"
)

// intentSet names everything a commit must hold exclusive intent on.
// Ordinary requests take a shared collection intent plus one exclusive
// intent per target fqid; migration requests take the whole collection
// exclusively. Collections sort before fqids and both sort internally,
// so acquisition order is total across concurrent commits and no cycle
// (hence no deadlock) can form.
type intentSet struct {
	collections []string
	exclusive   bool
	fqids       []model.Fqid
}

func intentsOf(req model.WriteRequest) intentSet {
	set := intentSet{}
	colls := make(map[string]struct{})
	if req.Migration != nil {
		set.exclusive = true
		for _, c := range req.Migration.Collections {
			colls[c] = struct{}{}
		}
		for _, m := range req.Mutations {
			colls[m.Fqid.Collection()] = struct{}{}
		}
	} else {
		fqids := make(map[model.Fqid]struct{})
		for _, m := range req.Mutations {
			colls[m.Fqid.Collection()] = struct{}{}
			fqids[m.Fqid] = struct{}{}
		}
		for f := range fqids {
			set.fqids = append(set.fqids, f)
		}
		sort.Slice(set.fqids, func(i, j int) bool { return set.fqids[i] < set.fqids[j] })
	}
	for c := range colls {
		set.collections = append(set.collections, c)
	}
	sort.Strings(set.collections)
	return set
}

type collLock struct {
	mu    sync.RWMutex
	refs  int
	fqids map[model.Fqid]*fqidLock
}

type fqidLock struct {
	mu   sync.Mutex
	refs int
}

// lockTable hands out per-collection and per-fqid intents on demand and
// garbage-collects entries once nothing references them.
type lockTable struct {
	mu    sync.Mutex
	colls map[string]*collLock
}

func newLockTable() *lockTable {
	return &lockTable{colls: make(map[string]*collLock)}
}

// acquire blocks until every intent in the set is held and returns the
// release function. Intents are taken in sorted order: collections first
// (read-shared for ordinary commits, exclusive for migrations), then
// fqids.
func (t *lockTable) acquire(set intentSet) (release func()) {
	colls := make([]*collLock, 0, len(set.collections))
	for _, name := range set.collections {
		cl := t.pinColl(name)
		if set.exclusive {
			cl.mu.Lock()
		} else {
			cl.mu.RLock()
		}
		colls = append(colls, cl)
	}

	fqids := make([]*fqidLock, 0, len(set.fqids))
	for _, fqid := range set.fqids {
		fl := t.pinFqid(fqid)
		fl.mu.Lock()
		fqids = append(fqids, fl)
	}

	return func() {
		for i := len(fqids) - 1; i >= 0; i-- {
			fqids[i].mu.Unlock()
		}
		for i := len(colls) - 1; i >= 0; i-- {
			if set.exclusive {
				colls[i].mu.Unlock()
			} else {
				colls[i].mu.RUnlock()
			}
		}
		t.unpin(set)
	}
}

func (t *lockTable) pinColl(name string) *collLock {
	t.mu.Lock()
	defer t.mu.Unlock()
	cl, ok := t.colls[name]
	if !ok {
		cl = &collLock{fqids: make(map[model.Fqid]*fqidLock)}
		t.colls[name] = cl
	}
	cl.refs++
	return cl
}

func (t *lockTable) pinFqid(fqid model.Fqid) *fqidLock {
	t.mu.Lock()
	defer t.mu.Unlock()
	cl := t.colls[fqid.Collection()]
	fl, ok := cl.fqids[fqid]
	if !ok {
		fl = &fqidLock{}
		cl.fqids[fqid] = fl
	}
	fl.refs++
	return fl
}

func (t *lockTable) unpin(set intentSet) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, fqid := range set.fqids {
		cl := t.colls[fqid.Collection()]
		fl := cl.fqids[fqid]
		fl.refs--
		if fl.refs == 0 {
			delete(cl.fqids, fqid)
		}
	}
	for _, name := range set.collections {
		cl := t.colls[name]
		cl.refs--
		if cl.refs == 0 && len(cl.fqids) == 0 {
			delete(t.colls, name)
		}
	}
}
