package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Position is the global change-id: a strictly increasing integer assigned
// by the writer to every committed write request. Position 0 means "never
// written" and doubles as the create expectation ("must not exist").
type Position int64

// Fqid is a fully qualified instance id of the form "collection/id",
// e.g. "users/1".
type Fqid string

func FqidFrom(collection string, id int) Fqid {
	return Fqid(collection + "/" + strconv.Itoa(id))
}

func (f Fqid) Collection() string {
	if i := strings.IndexByte(string(f), '/'); i >= 0 {
		return string(f[:i])
	}
	return ""
}

func (f Fqid) ID() int {
	i := strings.IndexByte(string(f), '/')
	if i < 0 {
		return 0
	}
	id, _ := strconv.Atoi(string(f[i+1:]))
	return id
}

// Validate checks the "collection/id" shape: a lowercase identifier
// collection and a positive integer id.
func (f Fqid) Validate() error {
	i := strings.IndexByte(string(f), '/')
	if i <= 0 {
		return &Error{Code: EValidation, Msg: fmt.Sprintf("invalid fqid %q", f)}
	}
	for _, r := range string(f[:i]) {
		if (r < 'a' || r > 'z') && r != '_' {
			return &Error{Code: EValidation, Msg: fmt.Sprintf("invalid collection in fqid %q", f)}
		}
	}
	id, err := strconv.Atoi(string(f[i+1:]))
	if err != nil || id <= 0 {
		return &Error{Code: EValidation, Msg: fmt.Sprintf("invalid id in fqid %q", f)}
	}
	return nil
}

type MutationKind string

const (
	MutationCreate  MutationKind = "create"
	MutationUpdate  MutationKind = "update"
	MutationDelete  MutationKind = "delete"
	MutationRestore MutationKind = "restore"
)

// ListUpdates edits list-valued fields element-wise instead of replacing
// the whole list: Add appends elements not already present, Remove drops
// matching elements.
type ListUpdates struct {
	Add    map[string][]json.RawMessage `json:"add,omitempty"`
	Remove map[string][]json.RawMessage `json:"remove,omitempty"`
}

// Mutation targets one instance. For updates a null field value removes
// the field. Expected carries the optimistic-lock expectation: the
// position the caller last observed for the instance (0 for create).
type Mutation struct {
	Kind     MutationKind               `json:"kind"`
	Fqid     Fqid                       `json:"fqid"`
	Fields   map[string]json.RawMessage `json:"fields,omitempty"`
	List     *ListUpdates               `json:"list_fields,omitempty"`
	Expected Position                   `json:"expected_position"`
}

// MigrationMarker flags a write request as a schema migration. Migration
// requests bump the migration index and take exclusive intent over every
// named collection for the duration of the commit.
type MigrationMarker struct {
	Collections []string `json:"collections"`
}

// WriteRequest is an ordered set of mutations committed atomically under
// one new position: all of them, or none.
type WriteRequest struct {
	Mutations []Mutation       `json:"mutations"`
	Migration *MigrationMarker `json:"migration,omitempty"`
}

// ChangeEvent is the immutable log record of one committed write request.
// Never mutated after append.
type ChangeEvent struct {
	Position       Position   `json:"position"`
	Timestamp      time.Time  `json:"timestamp"`
	MigrationIndex int        `json:"migration_index"`
	Mutations      []Mutation `json:"mutations"`
}

// Fqids returns the distinct instances the event touches, in first-seen
// order.
func (e ChangeEvent) Fqids() []Fqid {
	seen := make(map[Fqid]struct{}, len(e.Mutations))
	out := make([]Fqid, 0, len(e.Mutations))
	for _, m := range e.Mutations {
		if _, ok := seen[m.Fqid]; ok {
			continue
		}
		seen[m.Fqid] = struct{}{}
		out = append(out, m.Fqid)
	}
	return out
}

// Record is the current-state snapshot of one instance. Position is the
// change-id of the last event that touched it. Deleted records are
// tombstones: fields are retained so a restore can bring them back.
type Record struct {
	Fqid     Fqid                       `json:"fqid"`
	Fields   map[string]json.RawMessage `json:"fields"`
	Position Position                   `json:"position"`
	Deleted  bool                       `json:"deleted"`
}

// Clone returns a copy safe to hand out: the field map is copied, the raw
// values are immutable by convention.
func (r Record) Clone() Record {
	out := r
	out.Fields = make(map[string]json.RawMessage, len(r.Fields))
	for k, v := range r.Fields {
		out.Fields[k] = v
	}
	return out
}
