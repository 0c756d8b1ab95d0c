package state

import (
	"go.uber.org/zap"

	"modelstore/internal/eventlog"
	"modelstore/internal/model"
)

// Recover brings the store in sync with the log. The log is the source of
// truth: a store behind the log replays the gap; a store ahead of the log
// has diverged (its file outlived a log reset or the log lost data) and
// is rebuilt from scratch.
func (s *Store) Recover(log *eventlog.Log) error {
	highest := log.HighestID()
	applied := s.Applied()

	if applied > highest {
		s.logger.Error("state store ahead of event log, rebuilding",
			zap.Int64("applied", int64(applied)),
			zap.Int64("log_highest", int64(highest)))
		if err := s.Truncate(); err != nil {
			return &model.Error{Code: model.EDivergence, Op: "state.Recover", Err: err}
		}
		applied = 0
	}
	if applied == highest {
		return nil
	}

	s.logger.Info("replaying event log into state store",
		zap.Int64("from", int64(applied+1)),
		zap.Int64("to", int64(highest)))
	it := log.ReadRange(applied+1, highest)
	for ev, ok := it.Next(); ok; ev, ok = it.Next() {
		if err := s.Apply(ev); err != nil {
			return &model.Error{Code: model.EDivergence, Op: "state.Recover", Err: err}
		}
	}
	if err := it.Err(); err != nil {
		return &model.Error{Code: model.EDivergence, Op: "state.Recover", Err: err}
	}
	return nil
}
