// Package errors defines the failure taxonomy of the observation pipeline.
//
// Every collector isolates failures at the finest grain that still allows
// forward progress (row, then table, then target, then job). The types here
// let callers decide which grain a failure belongs to with errors.Is and
// errors.As:
//   - ConnectionError: target unreachable or credentials unusable; skip the target
//   - QueryError: a statement against a target failed; skip the row or table
//   - PersistenceError: a store write failed; log and continue with siblings
//   - ErrCacheUnavailable: the cache store cannot be reached; treat as a miss
//   - SynthesisParseError: AI output could not be parsed; use the fallback
package errors

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCacheUnavailable is returned by cache stores that cannot reach their backend.
	ErrCacheUnavailable = errors.New("cache unavailable")

	// ErrExtensionMissing means the target does not expose pg_stat_statements.
	ErrExtensionMissing = errors.New("pg_stat_statements extension missing")

	// ErrTargetNotFound is returned when a monitored target id does not exist.
	ErrTargetNotFound = errors.New("monitored target not found")

	// ErrJobBusy is returned when a job firing is skipped because a run is in progress.
	ErrJobBusy = errors.New("job already running")
)

// ConnectionError reports that a target could not be reached or its
// stored credential could not be decrypted.
type ConnectionError struct {
	TargetID uint
	Host     string
	Err      error
}

func NewConnectionError(targetID uint, host string, err error) *ConnectionError {
	return &ConnectionError{TargetID: targetID, Host: host, Err: err}
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect target %d (%s): %v", e.TargetID, e.Host, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// QueryError reports a failed statement against a target database.
type QueryError struct {
	Op    string // e.g. "top statements", "columns public.users"
	Query string
	Err   error
}

// queryMaxLen bounds the statement text kept in error messages.
const queryMaxLen = 100

func NewQueryError(op, query string, err error) *QueryError {
	query = strings.Join(strings.Fields(query), " ")
	if len(query) > queryMaxLen {
		query = query[:queryMaxLen] + "..."
	}
	return &QueryError{Op: op, Query: query, Err: err}
}

func (e *QueryError) Error() string {
	if e.Query == "" {
		return fmt.Sprintf("query %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("query %s [%s]: %v", e.Op, e.Query, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// PersistenceError reports a failed write to the persistent store.
type PersistenceError struct {
	Entity string
	Key    string
	Err    error
}

func NewPersistenceError(entity, key string, err error) *PersistenceError {
	return &PersistenceError{Entity: entity, Key: key, Err: err}
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s %s: %v", e.Entity, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// SynthesisParseError reports AI output that did not yield exactly three
// well-formed suggestions.
type SynthesisParseError struct {
	Reason string
	Err    error
}

func NewSynthesisParseError(reason string, err error) *SynthesisParseError {
	return &SynthesisParseError{Reason: reason, Err: err}
}

func (e *SynthesisParseError) Error() string {
	if e.Err == nil {
		return "parse suggestions: " + e.Reason
	}
	return fmt.Sprintf("parse suggestions: %s: %v", e.Reason, e.Err)
}

func (e *SynthesisParseError) Unwrap() error { return e.Err }

// MultiError aggregates independent failures, such as per-table errors of
// one schema snapshot.
type MultiError struct {
	Errors []error
}

// Add appends err; nil is ignored.
func (me *MultiError) Add(err error) {
	if err != nil {
		me.Errors = append(me.Errors, err)
	}
}

func (me *MultiError) Len() int { return len(me.Errors) }

func (me *MultiError) Error() string {
	switch len(me.Errors) {
	case 0:
		return "no errors"
	case 1:
		return me.Errors[0].Error()
	default:
		return fmt.Sprintf("%d errors occurred; first: %v", len(me.Errors), me.Errors[0])
	}
}

// Unwrap exposes every collected error to errors.Is and errors.As.
func (me *MultiError) Unwrap() []error { return me.Errors }

// ErrorOrNil returns nil when nothing was added.
func (me *MultiError) ErrorOrNil() error {
	if len(me.Errors) == 0 {
		return nil
	}
	return me
}
