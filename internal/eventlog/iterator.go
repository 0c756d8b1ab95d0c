package eventlog

import (
	"encoding/json"

	bolt "go.etcd.io/bbolt"

	"modelstore/internal/model"
)

// iteratorBatch bounds how long a read transaction is held per fetch.
const iteratorBatch = 256

// Iterator walks events in ascending position order, fetching in batches
// so no bolt transaction outlives one page. It is lazy and restartable:
// callers may stop at any point and open a new range later.
type Iterator struct {
	log  *Log
	next model.Position
	to   model.Position
	buf  []model.ChangeEvent
	err  error
}

// ReadRange returns an iterator over [from, to] inclusive. A from below 1
// is clamped to 1; a to beyond the highest durable position simply ends
// the iteration early.
func (l *Log) ReadRange(from, to model.Position) *Iterator {
	if from < 1 {
		from = 1
	}
	return &Iterator{log: l, next: from, to: to}
}

// Next returns the next event, or false when the range is exhausted or an
// error occurred (check Err).
func (it *Iterator) Next() (model.ChangeEvent, bool) {
	if it.err != nil {
		return model.ChangeEvent{}, false
	}
	if len(it.buf) == 0 {
		if it.next > it.to {
			return model.ChangeEvent{}, false
		}
		it.fill()
		if it.err != nil || len(it.buf) == 0 {
			return model.ChangeEvent{}, false
		}
	}
	ev := it.buf[0]
	it.buf = it.buf[1:]
	return ev, true
}

func (it *Iterator) Err() error { return it.err }

func (it *Iterator) fill() {
	end := it.next + iteratorBatch - 1
	if end > it.to {
		end = it.to
	}
	it.err = it.log.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(eventsBucket).Cursor()
		for k, v := c.Seek(positionToKey(it.next)); k != nil; k, v = c.Next() {
			pos := keyToPosition(k)
			if pos > end {
				break
			}
			var ev model.ChangeEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return &model.Error{Code: model.EStorage, Op: "eventlog.ReadRange", Err: err}
			}
			it.buf = append(it.buf, ev)
		}
		return nil
	})
	if it.err != nil {
		return
	}
	if len(it.buf) == 0 {
		// Nothing durable in this page; the range ends here.
		it.next = it.to + 1
		return
	}
	it.next = it.buf[len(it.buf)-1].Position + 1
}
