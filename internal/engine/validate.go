package engine

import (
	"fmt"

	"modelstore/internal/model"
)

// validate checks request shape against the schema registry and rejects
// internally inconsistent requests before any intent is taken. No state
// is read here; expectation checks run later under the intents.
func (w *Writer) validate(req model.WriteRequest) error {
	if len(req.Mutations) == 0 {
		return &model.Error{Code: model.EValidation, Msg: "empty write request"}
	}

	if req.Migration != nil {
		if len(req.Migration.Collections) == 0 {
			return &model.Error{Code: model.EValidation, Msg: "migration without target collections"}
		}
		declared := make(map[string]struct{}, len(req.Migration.Collections))
		for _, c := range req.Migration.Collections {
			if !w.schema.HasCollection(c) {
				return &model.Error{Code: model.EValidation, Msg: fmt.Sprintf("unknown collection %q", c)}
			}
			declared[c] = struct{}{}
		}
		for _, m := range req.Mutations {
			if _, ok := declared[m.Fqid.Collection()]; !ok {
				return &model.Error{
					Code: model.EValidation,
					Msg:  fmt.Sprintf("migration mutation on %s outside declared collections", m.Fqid),
				}
			}
		}
	}

	type fqidState struct {
		expected   model.Position
		seenCreate bool
		seenDelete bool
	}
	seen := make(map[model.Fqid]*fqidState)

	for _, m := range req.Mutations {
		if err := m.Fqid.Validate(); err != nil {
			return err
		}
		coll := m.Fqid.Collection()
		if !w.schema.HasCollection(coll) {
			return &model.Error{Code: model.EValidation, Msg: fmt.Sprintf("unknown collection %q", coll)}
		}
		if m.List != nil && m.Kind != model.MutationUpdate {
			return &model.Error{Code: model.EValidation,
				Msg: fmt.Sprintf("list updates are not valid on %s of %s", m.Kind, m.Fqid)}
		}

		switch m.Kind {
		case model.MutationCreate:
			if m.Expected != 0 {
				return &model.Error{Code: model.EValidation,
					Msg: fmt.Sprintf("create of %s must expect position 0, got %d", m.Fqid, m.Expected)}
			}
			for f, v := range m.Fields {
				if err := w.schema.CheckField(coll, f, v); err != nil {
					return err
				}
			}
		case model.MutationUpdate:
			if len(m.Fields) == 0 && m.List == nil {
				return &model.Error{Code: model.EValidation, Msg: fmt.Sprintf("empty update of %s", m.Fqid)}
			}
			for f, v := range m.Fields {
				if err := w.schema.CheckField(coll, f, v); err != nil {
					return err
				}
			}
			if m.List != nil {
				for f, els := range m.List.Add {
					if err := w.schema.CheckListUpdate(coll, f, els); err != nil {
						return err
					}
				}
				for f, els := range m.List.Remove {
					if err := w.schema.CheckListUpdate(coll, f, els); err != nil {
						return err
					}
				}
			}
		case model.MutationDelete, model.MutationRestore:
			// No fields to check.
		default:
			return &model.Error{Code: model.EValidation, Msg: fmt.Sprintf("unknown mutation kind %q", m.Kind)}
		}

		st, ok := seen[m.Fqid]
		if !ok {
			if m.Kind != model.MutationCreate && m.Expected <= 0 && req.Migration == nil {
				return &model.Error{Code: model.EValidation,
					Msg: fmt.Sprintf("%s of %s must carry the expected position", m.Kind, m.Fqid)}
			}
			seen[m.Fqid] = &fqidState{
				expected:   m.Expected,
				seenCreate: m.Kind == model.MutationCreate,
				seenDelete: m.Kind == model.MutationDelete,
			}
			continue
		}

		// Follow-up mutations on the same instance within one request.
		if req.Migration == nil {
			if m.Kind == model.MutationCreate {
				return &model.Error{Code: model.EValidation,
					Msg: fmt.Sprintf("create of %s after earlier mutation in same request", m.Fqid)}
			}
			if st.seenCreate && m.Kind == model.MutationDelete {
				return &model.Error{Code: model.EValidation,
					Msg: fmt.Sprintf("create and delete of %s in one request", m.Fqid)}
			}
			if st.seenDelete && m.Kind != model.MutationRestore {
				return &model.Error{Code: model.EValidation,
					Msg: fmt.Sprintf("mutation of %s after delete in same request", m.Fqid)}
			}
			if m.Expected != 0 && m.Expected != st.expected {
				return &model.Error{Code: model.EValidation,
					Msg: fmt.Sprintf("inconsistent expected positions for %s in one request", m.Fqid)}
			}
		}
		switch m.Kind {
		case model.MutationDelete:
			st.seenDelete = true
		case model.MutationRestore:
			st.seenDelete = false
		}
	}
	return nil
}

// checkExpectations compares each instance's expected position with live
// state, then rehearses every mutation on in-memory snapshots. Runs with
// the request's intents held, so the comparison stays valid until commit.
// The rehearsal guarantees the appended event can always be applied: a
// mutation the state store would choke on (e.g. a list edit of a
// non-list value) is rejected here, before anything durable happens.
func (w *Writer) checkExpectations(req model.WriteRequest) error {
	// Migrations hold the whole collection exclusively and may omit
	// per-instance expectations; existence checks still apply.
	migration := req.Migration != nil

	recs := make(map[model.Fqid]*model.Record, len(req.Mutations))
	for _, m := range req.Mutations {
		cur, seen := recs[m.Fqid]
		if !seen {
			rec, err := w.state.Get(m.Fqid)
			switch {
			case err == nil:
				clone := rec.Clone()
				cur = &clone
			case model.ECode(err) == model.ENotFound:
				cur = nil
			default:
				return err
			}
			if err := checkExpectation(m, cur, migration); err != nil {
				return err
			}
		}
		next, err := model.ApplyMutation(cur, m, 0)
		if err != nil {
			return err
		}
		recs[m.Fqid] = next
	}
	return nil
}

// checkExpectation validates the first mutation per fqid against the live
// snapshot; later mutations in the same request follow it sequentially.
func checkExpectation(m model.Mutation, cur *model.Record, migration bool) error {
	var pos model.Position
	alive := false
	if cur != nil {
		pos = cur.Position
		alive = !cur.Deleted
	}
	versionOK := pos == m.Expected || (migration && m.Expected == 0)

	switch m.Kind {
	case model.MutationCreate:
		// Ids are never reused: a tombstone still blocks a create.
		if pos != 0 {
			return &model.Conflict{Fqid: m.Fqid, Expected: 0, Actual: pos}
		}
	case model.MutationUpdate, model.MutationDelete:
		if pos == 0 || !alive || !versionOK {
			return &model.Conflict{Fqid: m.Fqid, Expected: m.Expected, Actual: pos}
		}
	case model.MutationRestore:
		if pos == 0 || alive || !versionOK {
			return &model.Conflict{Fqid: m.Fqid, Expected: m.Expected, Actual: pos}
		}
	}
	return nil
}
