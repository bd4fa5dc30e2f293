// Package store is the capture ledger: one SQLite row per capture attempt
// plus one row per hashed image.
//
// SQLite tolerates a single writer. Every write goes through a one-slot
// semaphore, so concurrent writers queue instead of racing for the lock;
// a caller whose context ends while queued gets ErrStoreContention and may
// retry. Readers never queue.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/listingproof/dbopen"
)

// ErrStoreContention is a transient failure to obtain the write slot or the
// SQLite lock. Nothing was written; the caller should retry.
var ErrStoreContention = errors.New("store: write contention")

// ErrIncompleteEvidence is returned when completing an attempt that lacks
// its image pair or time proof.
var ErrIncompleteEvidence = errors.New("store: attempt lacks required evidence")

// Store is the ledger handle.
type Store struct {
	DB    *sql.DB
	write chan struct{}
	now   func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for updated_at stamps.
func WithClock(fn func() time.Time) Option {
	return func(s *Store) { s.now = fn }
}

// Open opens (or creates) the ledger at path and applies the schema.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithTxLock("immediate"), dbopen.WithSchema(Schema))
	if err != nil {
		return nil, err
	}
	return newStore(db, opts), nil
}

// New wraps an already-open database and applies the schema.
func New(db *sql.DB, opts ...Option) (*Store, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return newStore(db, opts), nil
}

func newStore(db *sql.DB, opts []Option) *Store {
	s := &Store{
		DB:    db,
		write: make(chan struct{}, 1),
		now:   time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Close closes the database.
func (s *Store) Close() error {
	return s.DB.Close()
}

// withWrite runs fn in a transaction while holding the write slot.
func (s *Store) withWrite(ctx context.Context, fn func(*sql.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreContention, err)
	}
	select {
	case s.write <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrStoreContention, ctx.Err())
	}
	defer func() { <-s.write }()

	err := dbopen.RunTx(ctx, s.DB, fn)
	if dbopen.IsBusy(err) {
		return fmt.Errorf("%w: %v", ErrStoreContention, err)
	}
	return err
}

func nanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: nanos(*t), Valid: true}
}
