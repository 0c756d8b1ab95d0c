package model

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes. Automated handlers branch on the code; Msg is for humans.
const (
	EInternal   = "internal"
	EValidation = "validation"
	EConflict   = "conflict"
	ENotFound   = "not found"
	EStorage    = "storage"
	EDivergence = "divergence"
	EGone       = "gone"
)

// Error is the coded error carried across layer boundaries. Code targets
// automated recovery, Msg the operator, Op and Err chain a logical stack
// trace.
type Error struct {
	Code string
	Msg  string
	Op   string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	switch {
	case e.Msg != "" && e.Err != nil:
		b.WriteString(e.Msg)
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	case e.Msg != "":
		b.WriteString(e.Msg)
	case e.Err != nil:
		b.WriteString(e.Err.Error())
	default:
		fmt.Fprintf(&b, "<%s>", e.Code)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Conflict reports an optimistic-lock mismatch on one instance: the
// caller expected one position, the live state holds another.
type Conflict struct {
	Fqid     Fqid
	Expected Position
	Actual   Position
}

func (c *Conflict) Error() string {
	if c.Expected == 0 {
		return fmt.Sprintf("conflict on %s: instance already exists at position %d", c.Fqid, c.Actual)
	}
	return fmt.Sprintf("conflict on %s: expected position %d, actual %d", c.Fqid, c.Expected, c.Actual)
}

// ECode classifies any error into one of the codes above. A nil error has
// no code; unrecognized errors are internal.
func ECode(err error) string {
	if err == nil {
		return ""
	}
	var c *Conflict
	if errors.As(err, &c) {
		return EConflict
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Code != "" {
			return e.Code
		}
		if e.Err != nil {
			return ECode(e.Err)
		}
	}
	return EInternal
}
