package eventlog

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"modelstore/internal/model"
)

func openTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.db")
	l, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, path
}

func event(pos model.Position, fqid model.Fqid) model.ChangeEvent {
	return model.ChangeEvent{
		Position:  pos,
		Timestamp: time.Unix(1700000000+int64(pos), 0).UTC(),
		Mutations: []model.Mutation{{
			Kind:   model.MutationCreate,
			Fqid:   fqid,
			Fields: map[string]json.RawMessage{"n": json.RawMessage(`1`)},
		}},
	}
}

func TestAppendAndHighest(t *testing.T) {
	l, _ := openTestLog(t)
	require.Equal(t, model.Position(0), l.HighestID())

	require.NoError(t, l.Append(event(1, "users/1")))
	require.NoError(t, l.Append(event(2, "users/2")))
	require.Equal(t, model.Position(2), l.HighestID())
}

func TestAppendRejectsOutOfOrderPositions(t *testing.T) {
	l, _ := openTestLog(t)
	require.NoError(t, l.Append(event(1, "users/1")))

	err := l.Append(event(3, "users/3"))
	require.Error(t, err)
	require.Equal(t, model.EStorage, model.ECode(err))

	err = l.Append(event(1, "users/1"))
	require.Error(t, err)
	require.Equal(t, model.Position(1), l.HighestID())
}

func TestReadRangeSpansBatches(t *testing.T) {
	l, _ := openTestLog(t)
	total := iteratorBatch + 10
	for i := 1; i <= total; i++ {
		require.NoError(t, l.Append(event(model.Position(i), model.FqidFrom("users", i))))
	}

	it := l.ReadRange(5, model.Position(total))
	var got []model.Position
	for ev, ok := it.Next(); ok; ev, ok = it.Next() {
		got = append(got, ev.Position)
	}
	require.NoError(t, it.Err())
	require.Len(t, got, total-4)
	require.Equal(t, model.Position(5), got[0])
	require.Equal(t, model.Position(total), got[len(got)-1])
	for i := 1; i < len(got); i++ {
		require.Equal(t, got[i-1]+1, got[i])
	}
}

func TestReadRangeBeyondHighestEndsEarly(t *testing.T) {
	l, _ := openTestLog(t)
	require.NoError(t, l.Append(event(1, "users/1")))

	it := l.ReadRange(1, 100)
	ev, ok := it.Next()
	require.True(t, ok)
	require.Equal(t, model.Position(1), ev.Position)
	_, ok = it.Next()
	require.False(t, ok)
	require.NoError(t, it.Err())
}

func TestReopenRestoresHighestAndMigrationIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	l, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	ev := event(1, "users/1")
	ev.MigrationIndex = 3
	require.NoError(t, l.Append(ev))
	require.NoError(t, l.Close())

	l, err = Open(path, zap.NewNop())
	require.NoError(t, err)
	defer l.Close()
	require.Equal(t, model.Position(1), l.HighestID())
	require.Equal(t, 3, l.MigrationIndex())
}

func TestOpenDetectsGap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	l, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		require.NoError(t, l.Append(event(model.Position(i), model.FqidFrom("users", i))))
	}
	require.NoError(t, l.Close())

	// Punch a hole where position 2 was.
	db, err := bolt.Open(path, 0600, nil)
	require.NoError(t, err)
	require.NoError(t, db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(eventsBucket).Delete(positionToKey(2))
	}))
	require.NoError(t, db.Close())

	_, err = Open(path, zap.NewNop())
	require.Error(t, err)
	require.Equal(t, model.EStorage, model.ECode(err))
}

func TestReserveIDs(t *testing.T) {
	l, _ := openTestLog(t)

	ids, err := l.ReserveIDs("users", 3)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 3}, ids)

	ids, err = l.ReserveIDs("users", 2)
	require.NoError(t, err)
	require.Equal(t, []int{4, 5}, ids)

	ids, err = l.ReserveIDs("groups", 1)
	require.NoError(t, err)
	require.Equal(t, []int{1}, ids)

	_, err = l.ReserveIDs("users", 0)
	require.Error(t, err)
}

func TestReserveIDsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	l, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	_, err = l.ReserveIDs("users", 5)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l, err = Open(path, zap.NewNop())
	require.NoError(t, err)
	defer l.Close()
	ids, err := l.ReserveIDs("users", 1)
	require.NoError(t, err)
	require.Equal(t, []int{6}, ids)
}

func TestTruncate(t *testing.T) {
	l, _ := openTestLog(t)
	require.NoError(t, l.Append(event(1, "users/1")))
	_, err := l.ReserveIDs("users", 3)
	require.NoError(t, err)

	require.NoError(t, l.Truncate())
	require.Equal(t, model.Position(0), l.HighestID())
	require.Equal(t, 0, l.MigrationIndex())

	ids, err := l.ReserveIDs("users", 1)
	require.NoError(t, err)
	require.Equal(t, []int{1}, ids)
	require.NoError(t, l.Append(event(1, "users/1")))
}
