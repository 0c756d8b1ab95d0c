// Package eventlog is the durable append-only change event log. It is the
// single source of truth: current state and caches are projections that can
// always be rebuilt from it.
package eventlog

import (
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
	eventsBucket    = []byte("events")
	sequencesBucket = []byte("sequences")
)

// Log stores one JSON-encoded ChangeEvent per position, keyed big-endian
// so bolt's key order is position order. Append is fsynced before it
// returns: nothing downstream may observe an event that could be lost.
type Log struct {
	db     *bolt.DB
	logger *zap.Logger

	mu             sync.Mutex
	highest        model.Position
	migrationIndex int
}

// Open opens (or creates) the log file, initializes buckets and verifies
// that recorded positions are dense from 1. A gap means a crash corrupted
// the log and refusing to run is safer than serving from it.
func Open(path string, logger *zap.Logger) (*Log, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, &model.Error{Code: model.EStorage, Op: "eventlog.Open", Err: err}
	}

	l := &Log{db: db, logger: logger}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(eventsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(sequencesBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, &model.Error{Code: model.EStorage, Op: "eventlog.Open", Err: err}
	}

	if err := l.load(); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("event log opened",
		zap.String("path", path),
		zap.Int64("highest_position", int64(l.highest)),
		zap.Int("migration_index", l.migrationIndex))
	return l, nil
}

func (l *Log) load() error {
	return l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(eventsBucket)
		c := b.Cursor()
		var prev model.Position
		for k, v := c.First(); k != nil; k, v = c.Next() {
			pos := keyToPosition(k)
			if pos != prev+1 {
				return &model.Error{
					Code: model.EStorage,
					Op:   "eventlog.Open",
					Msg:  fmt.Sprintf("gap in event log: position %d follows %d", pos, prev),
				}
			}
			prev = pos
			// Only the last value needs decoding, but events are small and
			// the full pass doubles as a corruption check.
			var ev model.ChangeEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return &model.Error{Code: model.EStorage, Op: "eventlog.Open",
					Msg: fmt.Sprintf("undecodable event at position %d", pos), Err: err}
			}
			l.migrationIndex = ev.MigrationIndex
		}
		l.highest = prev
		return nil
	})
}

func (l *Log) Close() error { return l.db.Close() }

// HighestID returns the position of the newest durable event, 0 if empty.
func (l *Log) HighestID() model.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.highest
}

// MigrationIndex returns the migration index carried by the newest event.
func (l *Log) MigrationIndex() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.migrationIndex
}

// Append durably records the event. The event's position must be exactly
// highest+1; the writer allocates positions and the log enforces density.
func (l *Log) Append(ev model.ChangeEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ev.Position != l.highest+1 {
		return &model.Error{
			Code: model.EStorage,
			Op:   "eventlog.Append",
			Msg:  fmt.Sprintf("out-of-order append: position %d after %d", ev.Position, l.highest),
		}
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return &model.Error{Code: model.EStorage, Op: "eventlog.Append", Err: err}
	}
	if err := l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(eventsBucket).Put(positionToKey(ev.Position), payload)
	}); err != nil {
		return &model.Error{Code: model.EStorage, Op: "eventlog.Append", Err: err}
	}
	l.highest = ev.Position
	l.migrationIndex = ev.MigrationIndex
	return nil
}

// ReserveIDs hands out n fresh ids from the collection's durable sequence.
// Reserved ids are burned even if never used, so ids are never reused.
func (l *Log) ReserveIDs(collection string, n int) ([]int, error) {
	if n <= 0 {
		return nil, &model.Error{Code: model.EValidation, Msg: fmt.Sprintf("cannot reserve %d ids", n)}
	}
	var ids []int
	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sequencesBucket)
		var next uint64 = 1
		if v := b.Get([]byte(collection)); v != nil {
			next = binary.BigEndian.Uint64(v) + 1
		}
		ids = make([]int, n)
		for i := range ids {
			ids[i] = int(next) + i
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], next+uint64(n)-1)
		return b.Put([]byte(collection), buf[:])
	})
	if err != nil {
		return nil, &model.Error{Code: model.EStorage, Op: "eventlog.ReserveIDs", Err: err}
	}
	return ids, nil
}

// Truncate drops every event and sequence. Dev-mode only; callers must
// reset their projections too.
func (l *Log) Truncate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{eventsBucket, sequencesBucket} {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return &model.Error{Code: model.EStorage, Op: "eventlog.Truncate", Err: err}
	}
	l.highest = 0
	l.migrationIndex = 0
	return nil
}

func positionToKey(p model.Position) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(p))
	return buf[:]
}

func keyToPosition(k []byte) model.Position {
	return model.Position(binary.BigEndian.Uint64(k))
}
