package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrVersionConflict signals that the bounded CAS retry budget was
// exhausted by concurrent writers. Retryable at the job level.
var ErrVersionConflict = errors.New("version conflict")

// ErrRecordNotFound signals a missing versioned record.
var ErrRecordNotFound = errors.New("record not found")

// Versioned record tables.
const (
	TableConversationState = "conversation_state"
	TableCharacterState    = "character_state"
)

// RecordStore is the narrow store surface the optimistic writer needs.
type RecordStore interface {
	// GetRecord returns the document and its current version; found is
	// false when no row exists for the key.
	GetRecord(ctx context.Context, table, key string) (data json.RawMessage, version int64, found bool, err error)
	// UpdateRecordIfVersion performs the conditional write and reports
	// rows affected (0 means another writer won).
	UpdateRecordIfVersion(ctx context.Context, table, key string, version int64, data json.RawMessage) (int64, error)
	// InsertRecord creates the row at version 1.
	InsertRecord(ctx context.Context, table, key string, data json.RawMessage) error
}

// WriteOption configures an UpdateWithRetry call.
type WriteOption func(*writeOptions)

type writeOptions struct {
	maxAttempts int
	backoff     time.Duration
	sleep       func(time.Duration)
}

// WithMaxAttempts overrides the default bounded attempt count.
func WithMaxAttempts(n int) WriteOption {
	return func(o *writeOptions) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// WithBackoff sets the base delay between conflicting attempts.
func WithBackoff(d time.Duration) WriteOption {
	return func(o *writeOptions) { o.backoff = d }
}

// WithSleep replaces the sleeper, for tests.
func WithSleep(fn func(time.Duration)) WriteOption {
	return func(o *writeOptions) {
		if fn != nil {
			o.sleep = fn
		}
	}
}

// UpdateWithRetry runs one optimistic read-mutate-write cycle against a
// versioned record, retrying on version conflict with the mutation
// re-applied to freshly read state each round. Returns the new version.
func UpdateWithRetry[T any](ctx context.Context, rs RecordStore, table, key string, mutate func(*T) error, opts ...WriteOption) (int64, error) {
	o := writeOptions{maxAttempts: 4, backoff: 50 * time.Millisecond, sleep: time.Sleep}
	for _, opt := range opts {
		opt(&o)
	}

	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		raw, version, found, err := rs.GetRecord(ctx, table, key)
		if err != nil {
			return 0, fmt.Errorf("read %s/%s: %w", table, key, err)
		}
		if !found {
			return 0, fmt.Errorf("%s/%s: %w", table, key, ErrRecordNotFound)
		}

		var doc T
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &doc); err != nil {
				return 0, fmt.Errorf("decode %s/%s: %w", table, key, err)
			}
		}
		if err := mutate(&doc); err != nil {
			return 0, err
		}
		next, err := json.Marshal(doc)
		if err != nil {
			return 0, fmt.Errorf("encode %s/%s: %w", table, key, err)
		}

		rows, err := rs.UpdateRecordIfVersion(ctx, table, key, version, next)
		if err != nil {
			return 0, fmt.Errorf("write %s/%s: %w", table, key, err)
		}
		if rows > 0 {
			return version + 1, nil
		}
		// Another writer won this round; re-read and try again.
		if attempt < o.maxAttempts {
			o.sleep(o.backoff * time.Duration(attempt))
		}
	}
	return 0, fmt.Errorf("%s/%s after %d attempts: %w", table, key, o.maxAttempts, ErrVersionConflict)
}
