// Package audit implements the append-only, self-expiring audit log that
// records package state transitions.
//
// The log has no transaction of its own. Writers are bound to a transaction
// owned by the caller so that sweeping, inserting and the mutation that
// caused the entry commit or roll back together.
package audit

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	// ErrInvalidEntry is returned when an entry fails validation on insert.
	ErrInvalidEntry = errors.New("audit: invalid entry")

	// ErrSweepFailed wraps any failure while deleting expired entries.
	ErrSweepFailed = errors.New("audit: sweep failed")

	// ErrChainBroken is returned by verification when stored entries do not
	// match their hashes or links.
	ErrChainBroken = errors.New("audit: hash chain broken")
)

// Action names the kind of event an entry records.
type Action string

const (
	ActionPackageCreated  Action = "package_created"
	ActionPackageEnabled  Action = "package_enabled"
	ActionPackageDisabled Action = "package_disabled"
)

var actionPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// Validate checks that the action is a non-empty snake_case name.
func (a Action) Validate() error {
	if !actionPattern.MatchString(string(a)) {
		return fmt.Errorf("%w: action %q is not snake_case", ErrInvalidEntry, a)
	}
	return nil
}

// Payload keys every entry must carry.
const (
	KeyPackageID = "package_id"
	KeyToken     = "token"
)

// Payload is the open, event specific body of an entry.
type Payload map[string]any

// PackageID returns the subject package id, or "" if absent.
func (p Payload) PackageID() string {
	s, _ := p[KeyPackageID].(string)
	return s
}

// Token returns the correlation token, or "" if absent.
func (p Payload) Token() string {
	s, _ := p[KeyToken].(string)
	return s
}

// Validate requires the package id and token and rejects values that have
// no JSON representation.
func (p Payload) Validate() error {
	if p.PackageID() == "" {
		return fmt.Errorf("%w: payload missing %s", ErrInvalidEntry, KeyPackageID)
	}
	if p.Token() == "" {
		return fmt.Errorf("%w: payload missing %s", ErrInvalidEntry, KeyToken)
	}
	if _, err := structpb.NewStruct(p); err != nil {
		return fmt.Errorf("%w: payload: %v", ErrInvalidEntry, err)
	}
	return nil
}

// Entry is a single audit record.
type Entry struct {
	ID string `json:"id"`
	// Seq is the storage order across all packages, assigned on insert.
	Seq       uint64    `json:"seq"`
	Action    Action    `json:"action"`
	Data      Payload   `json:"data"`
	CreatedAt time.Time `json:"created_at"`
	TTL       time.Time `json:"ttl"`
	// ChainSeq is the position in the subject package's hash chain.
	ChainSeq uint64 `json:"chain_seq,omitempty"`
	PrevHash string `json:"prev_hash,omitempty"`
	Hash     string `json:"hash,omitempty"`
}

// NewEntry builds an unsealed entry that expires retention after now.
func NewEntry(action Action, data Payload, now time.Time, retention time.Duration) (Entry, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Entry{}, fmt.Errorf("generating entry id: %w", err)
	}
	now = now.UTC()
	return Entry{
		ID:        id.String(),
		Action:    action,
		Data:      data,
		CreatedAt: now,
		TTL:       now.Add(retention),
	}, nil
}

// NewToken returns a fresh correlation token.
func NewToken() string {
	return uuid.NewString()
}

// Validate checks the fields that must hold before an entry is inserted.
func (e *Entry) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidEntry)
	}
	if err := e.Action.Validate(); err != nil {
		return err
	}
	if err := e.Data.Validate(); err != nil {
		return err
	}
	if e.CreatedAt.IsZero() || e.TTL.IsZero() {
		return fmt.Errorf("%w: created_at and ttl are required", ErrInvalidEntry)
	}
	if !e.TTL.After(e.CreatedAt) {
		return fmt.Errorf("%w: ttl %s is not after created_at %s", ErrInvalidEntry,
			e.TTL.Format(time.RFC3339Nano), e.CreatedAt.Format(time.RFC3339Nano))
	}
	return nil
}

// Expired reports whether the entry's ttl is strictly before now.
func (e *Entry) Expired(now time.Time) bool {
	return e.TTL.Before(now)
}

// Filter selects entries in List.
type Filter struct {
	Action    Action
	PackageID string
	// Limit caps the result count. Zero means no limit.
	Limit int
}

// Match reports whether e passes the filter.
func (f Filter) Match(e *Entry) bool {
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.PackageID != "" && e.Data.PackageID() != f.PackageID {
		return false
	}
	return true
}

// Writer is the transaction-scoped side of a log.
type Writer interface {
	// Sweep deletes every entry whose ttl is strictly before now and returns
	// how many were removed.
	Sweep(ctx context.Context, now time.Time) (int, error)
	// Insert seals e against the head of its package's chain, stores it and
	// assigns e.Seq.
	Insert(ctx context.Context, e *Entry) error
}

// Append sweeps expired entries and then inserts e. Any error must abort
// the enclosing transaction.
func Append(ctx context.Context, w Writer, e *Entry, now time.Time) (swept int, err error) {
	if err := e.Validate(); err != nil {
		return 0, err
	}
	swept, err = w.Sweep(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrSweepFailed, err)
	}
	if err := w.Insert(ctx, e); err != nil {
		return swept, fmt.Errorf("inserting audit entry: %w", err)
	}
	return swept, nil
}
