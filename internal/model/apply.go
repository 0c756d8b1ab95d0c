package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ApplyMutation folds one mutation into a record snapshot at the given
// position. rec is nil for an instance that has never existed; the result
// is the new snapshot. The transform is pure and deterministic so that
// replaying the log always reproduces the same state.
func ApplyMutation(rec *Record, mut Mutation, pos Position) (*Record, error) {
	switch mut.Kind {
	case MutationCreate:
		out := &Record{Fqid: mut.Fqid, Fields: make(map[string]json.RawMessage, len(mut.Fields)), Position: pos}
		for f, v := range mut.Fields {
			if isNull(v) {
				continue
			}
			out.Fields[f] = compact(v)
		}
		return out, nil

	case MutationUpdate:
		if rec == nil {
			return nil, &Error{Code: EInternal, Msg: fmt.Sprintf("update of missing instance %s", mut.Fqid)}
		}
		out := rec.Clone()
		out.Position = pos
		for f, v := range mut.Fields {
			if isNull(v) {
				delete(out.Fields, f)
				continue
			}
			out.Fields[f] = compact(v)
		}
		if mut.List != nil {
			if err := applyListUpdates(&out, mut.List); err != nil {
				return nil, err
			}
		}
		return &out, nil

	case MutationDelete:
		if rec == nil {
			return nil, &Error{Code: EInternal, Msg: fmt.Sprintf("delete of missing instance %s", mut.Fqid)}
		}
		out := rec.Clone()
		out.Position = pos
		out.Deleted = true
		return &out, nil

	case MutationRestore:
		if rec == nil {
			return nil, &Error{Code: EInternal, Msg: fmt.Sprintf("restore of missing instance %s", mut.Fqid)}
		}
		out := rec.Clone()
		out.Position = pos
		out.Deleted = false
		return &out, nil
	}
	return nil, &Error{Code: EInternal, Msg: fmt.Sprintf("unknown mutation kind %q", mut.Kind)}
}

func applyListUpdates(rec *Record, list *ListUpdates) error {
	for field, add := range list.Add {
		cur, err := decodeList(rec.Fields[field])
		if err != nil {
			return &Error{Code: EValidation, Msg: fmt.Sprintf("list add on non-list field %q", field)}
		}
		for _, el := range add {
			el = compact(el)
			if !containsElement(cur, el) {
				cur = append(cur, el)
			}
		}
		encoded, err := json.Marshal(cur)
		if err != nil {
			return &Error{Code: EInternal, Err: err}
		}
		rec.Fields[field] = encoded
	}
	for field, remove := range list.Remove {
		cur, err := decodeList(rec.Fields[field])
		if err != nil {
			return &Error{Code: EValidation, Msg: fmt.Sprintf("list remove on non-list field %q", field)}
		}
		kept := cur[:0]
		for _, el := range cur {
			if !containsElement(remove, el) {
				kept = append(kept, el)
			}
		}
		encoded, err := json.Marshal(kept)
		if err != nil {
			return &Error{Code: EInternal, Err: err}
		}
		rec.Fields[field] = encoded
	}
	return nil
}

// decodeList treats a missing field as an empty list so list adds can
// initialize a field.
func decodeList(raw json.RawMessage) ([]json.RawMessage, error) {
	if isNull(raw) {
		return []json.RawMessage{}, nil
	}
	var out []json.RawMessage
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	for i := range out {
		out[i] = compact(out[i])
	}
	return out, nil
}

func containsElement(list []json.RawMessage, el json.RawMessage) bool {
	el = compact(el)
	for _, have := range list {
		if bytes.Equal(compact(have), el) {
			return true
		}
	}
	return false
}

// compact normalizes raw JSON so element comparison and replay are
// byte-stable regardless of incoming whitespace.
func compact(raw json.RawMessage) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return json.RawMessage(buf.Bytes())
}
