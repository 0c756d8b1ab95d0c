// Package state is the materialized current-state view derived from the
// event log: latest field values, position and tombstone flag per
// instance, plus the durable watermark of the last applied position.
package state

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"modelstore/internal/model"
)

var (
	modelsBucket = []byte("models")
	metaBucket   = []byte("meta")
	appliedKey   = []byte("applied")
)

// DeletedBehaviour selects how scans treat tombstoned instances.
type DeletedBehaviour int

const (
	NoDeleted DeletedBehaviour = iota
	OnlyDeleted
	AllModels
)

// Store holds one record per fqid in bolt, keyed "collection/id" so a
// prefix scan walks one collection. Apply is idempotent per position:
// replaying an event that is already reflected is a no-op.
type Store struct {
	db     *bolt.DB
	logger *zap.Logger

	mu      sync.Mutex
	applied model.Position
}

func Open(path string, logger *zap.Logger) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, &model.Error{Code: model.EStorage, Op: "state.Open", Err: err}
	}
	s := &Store{db: db, logger: logger}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(modelsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, &model.Error{Code: model.EStorage, Op: "state.Open", Err: err}
	}
	if err := db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(metaBucket).Get(appliedKey); v != nil {
			s.applied = model.Position(binary.BigEndian.Uint64(v))
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, &model.Error{Code: model.EStorage, Op: "state.Open", Err: err}
	}
	logger.Info("state store opened", zap.String("path", path), zap.Int64("applied", int64(s.applied)))
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Applied returns the watermark: the highest position durably folded in.
func (s *Store) Applied() model.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied
}

// Get returns the current record for fqid, tombstones included; callers
// decide how to treat Deleted. ENotFound if the instance never existed.
func (s *Store) Get(fqid model.Fqid) (model.Record, error) {
	var rec model.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(modelsBucket).Get([]byte(fqid))
		if raw == nil {
			return &model.Error{Code: model.ENotFound, Msg: fmt.Sprintf("%s does not exist", fqid)}
		}
		return json.Unmarshal(raw, &rec)
	})
	if err != nil {
		if model.ECode(err) == model.ENotFound {
			return model.Record{}, err
		}
		return model.Record{}, &model.Error{Code: model.EStorage, Op: "state.Get", Err: err}
	}
	return rec, nil
}

// VersionOf returns the instance's current position, 0 if it has never
// existed. Tombstoned instances keep their position: ids are not reused.
func (s *Store) VersionOf(fqid model.Fqid) (model.Position, bool, error) {
	rec, err := s.Get(fqid)
	if err != nil {
		if model.ECode(err) == model.ENotFound {
			return 0, false, nil
		}
		return 0, false, err
	}
	return rec.Position, !rec.Deleted, nil
}

// Apply folds one change event into current state in a single
// transaction. Instances already at or past the event's position are
// skipped, which makes replay after a partial apply safe.
func (s *Store) Apply(ev model.ChangeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(modelsBucket)
		touched := make(map[model.Fqid]struct{})
		for _, mut := range ev.Mutations {
			key := []byte(mut.Fqid)
			var cur *model.Record
			if raw := b.Get(key); raw != nil {
				var rec model.Record
				if err := json.Unmarshal(raw, &rec); err != nil {
					return err
				}
				cur = &rec
			}
			// Idempotency guard for replay; instances already written by
			// this very event must still take follow-up mutations.
			if _, ok := touched[mut.Fqid]; !ok && cur != nil && cur.Position >= ev.Position {
				continue
			}
			touched[mut.Fqid] = struct{}{}
			next, err := model.ApplyMutation(cur, mut, ev.Position)
			if err != nil {
				return err
			}
			encoded, err := json.Marshal(next)
			if err != nil {
				return err
			}
			if err := b.Put(key, encoded); err != nil {
				return err
			}
		}
		if ev.Position > s.applied {
			var buf [8]byte
			binary.BigEndian.PutUint64(buf[:], uint64(ev.Position))
			return tx.Bucket(metaBucket).Put(appliedKey, buf[:])
		}
		return nil
	})
	if err != nil {
		return &model.Error{Code: model.EStorage, Op: "state.Apply", Err: err}
	}
	if ev.Position > s.applied {
		s.applied = ev.Position
	}
	return nil
}

// GetAll returns every record of a collection, ordered by key.
func (s *Store) GetAll(collection string, behaviour DeletedBehaviour) ([]model.Record, error) {
	prefix := []byte(collection + "/")
	var out []model.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(modelsBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var rec model.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if !wantDeleted(behaviour, rec.Deleted) {
				continue
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, &model.Error{Code: model.EStorage, Op: "state.GetAll", Err: err}
	}
	return out, nil
}

// Everything returns the whole store grouped by collection.
func (s *Store) Everything(behaviour DeletedBehaviour) (map[string][]model.Record, error) {
	out := make(map[string][]model.Record)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(modelsBucket).ForEach(func(k, v []byte) error {
			var rec model.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if !wantDeleted(behaviour, rec.Deleted) {
				return nil
			}
			coll := rec.Fqid.Collection()
			out[coll] = append(out[coll], rec)
			return nil
		})
	})
	if err != nil {
		return nil, &model.Error{Code: model.EStorage, Op: "state.Everything", Err: err}
	}
	return out, nil
}

// Truncate drops all records and resets the watermark.
func (s *Store) Truncate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(modelsBucket); err != nil {
			return err
		}
		if _, err := tx.CreateBucket(modelsBucket); err != nil {
			return err
		}
		return tx.Bucket(metaBucket).Delete(appliedKey)
	})
	if err != nil {
		return &model.Error{Code: model.EStorage, Op: "state.Truncate", Err: err}
	}
	s.applied = 0
	return nil
}

func wantDeleted(behaviour DeletedBehaviour, deleted bool) bool {
	switch behaviour {
	case NoDeleted:
		return !deleted
	case OnlyDeleted:
		return deleted
	default:
		return true
	}
}
