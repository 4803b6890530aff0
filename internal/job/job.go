package job

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind is the timing intent a job was submitted with.
type Kind string

const (
	KindImmediate Kind = "immediate"
	KindDelayed   Kind = "delayed"
	KindRecurring Kind = "recurring"
)

// State is the dispatch state of a schedule entry.
type State string

const (
	StatePending   State = "pending"
	StateLeased    State = "leased"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether s is a final state for one-shot entries.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Payload is an opaque handle to the callable plus its arguments.
// Handler names a function registered in a Registry; Args is passed through untouched.
type Payload struct {
	Handler string          `json:"handler"`
	Args    json.RawMessage `json:"args,omitempty"`
}

// NewPayload encodes args as JSON for handler.
func NewPayload(handler string, args any) (Payload, error) {
	handler = strings.TrimSpace(handler)
	if handler == "" {
		return Payload{}, fmt.Errorf("%w: handler required", ErrInvalidArgument)
	}
	if args == nil {
		return Payload{Handler: handler}, nil
	}
	b, err := json.Marshal(args)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: encode args: %v", ErrInvalidArgument, err)
	}
	return Payload{Handler: handler, Args: b}, nil
}

// Definition is the immutable descriptor created at submission.
type Definition struct {
	ID        string    `json:"id"`
	Payload   Payload   `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// Entry is the mutable scheduling record tied to a Definition (one-shot)
// or to a named recurring rule.
//
// Invariant: State == StateLeased implies LeaseOwner != "" and LeaseExpiresAt is set.
type Entry struct {
	Definition

	Name           string    `json:"name,omitempty"`
	Kind           Kind      `json:"kind"`
	DueAt          time.Time `json:"due_at"`
	Rule           string    `json:"rule,omitempty"`
	State          State     `json:"state"`
	LeaseOwner     string    `json:"lease_owner,omitempty"`
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
	AttemptCount   int       `json:"attempt_count"`
	LastError      string    `json:"last_error,omitempty"`
	LastRunAt      time.Time `json:"last_run_at"`
	FinishedAt     time.Time `json:"finished_at"`
	UpdatedAt      time.Time `json:"updated_at"`

	// Version is bumped by the store on every write; conditional updates compare it.
	Version int64 `json:"version"`
}

// Recurring reports whether e re-arms after completion.
func (e Entry) Recurring() bool { return e.Kind == KindRecurring }

// ClearLease drops lease ownership.
func (e *Entry) ClearLease() {
	e.LeaseOwner = ""
	e.LeaseExpiresAt = time.Time{}
}

// NewID returns a fresh one-shot job id. UUIDv7 keeps ids roughly time-ordered.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// RecurringID is the stable entry id for a recurring rule name.
func RecurringID(name string) string { return "recurring:" + name }

// Filter selects entries in Store.Query. Zero fields match everything.
// Results are ordered by DueAt then ID.
type Filter struct {
	States    []State
	Kinds     []Kind
	Name      string
	DueBefore time.Time // inclusive
	Limit     int
}

// Match reports whether e satisfies f. In-memory stores use it directly.
func (f Filter) Match(e Entry) bool {
	if len(f.States) > 0 && !containsState(f.States, e.State) {
		return false
	}
	if len(f.Kinds) > 0 && !containsKind(f.Kinds, e.Kind) {
		return false
	}
	if f.Name != "" && f.Name != e.Name {
		return false
	}
	if !f.DueBefore.IsZero() && e.DueAt.After(f.DueBefore) {
		return false
	}
	return true
}

func containsState(xs []State, s State) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}

func containsKind(xs []Kind, k Kind) bool {
	for _, x := range xs {
		if x == k {
			return true
		}
	}
	return false
}

// Less orders entries earliest-due first, ties broken by id.
func Less(a, b Entry) bool {
	if !a.DueAt.Equal(b.DueAt) {
		return a.DueAt.Before(b.DueAt)
	}
	return a.ID < b.ID
}
