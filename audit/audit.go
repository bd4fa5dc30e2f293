// Package audit records who asked the service to do what. Entries go to an
// append-only audit_log table next to the capture ledger.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/listingproof/idgen"
	"github.com/hazyhaar/listingproof/kit"
)

// Schema is the audit table. Rows are never updated or deleted.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_log (
    entry_id      TEXT PRIMARY KEY,
    timestamp     INTEGER NOT NULL,
    action        TEXT NOT NULL,
    transport     TEXT NOT NULL DEFAULT 'http',
    user_id       TEXT NOT NULL DEFAULT '',
    request_id    TEXT NOT NULL DEFAULT '',
    remote_addr   TEXT NOT NULL DEFAULT '',
    parameters    TEXT NOT NULL DEFAULT '{}',
    result        TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL DEFAULT 'success',
    error_message TEXT NOT NULL DEFAULT '',
    duration_ms   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_log(action, timestamp);

CREATE TRIGGER IF NOT EXISTS audit_log_no_update BEFORE UPDATE ON audit_log
BEGIN SELECT RAISE(ABORT, 'audit_log is append-only'); END;
CREATE TRIGGER IF NOT EXISTS audit_log_no_delete BEFORE DELETE ON audit_log
BEGIN SELECT RAISE(ABORT, 'audit_log is append-only'); END;
`

// Entry is one audited call.
type Entry struct {
	EntryID    string `json:"entry_id"`
	Timestamp  int64  `json:"timestamp"` // unix ms
	Action     string `json:"action"`
	Transport  string `json:"transport"`
	UserID     string `json:"user_id,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	RemoteAddr string `json:"remote_addr,omitempty"`
	Parameters string `json:"parameters"`
	Result     string `json:"result,omitempty"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Option configures a SQLiteLogger.
type Option func(*SQLiteLogger)

// WithIDGenerator sets the entry id generator. Default: idgen.Default.
func WithIDGenerator(g idgen.Generator) Option {
	return func(l *SQLiteLogger) { l.newID = g }
}

// WithLogger sets the logger used for write failures.
func WithLogger(logger *slog.Logger) Option {
	return func(l *SQLiteLogger) { l.logger = logger }
}

const (
	bufferSize = 256
	batchSize  = 32
	flushEvery = time.Second
)

// SQLiteLogger writes entries synchronously with Log or in batches with
// LogAsync. Close flushes pending entries.
type SQLiteLogger struct {
	db     *sql.DB
	newID  idgen.Generator
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan *Entry
	done   chan struct{}
}

// NewSQLiteLogger starts the batch writer. Call Init before logging.
func NewSQLiteLogger(db *sql.DB, opts ...Option) *SQLiteLogger {
	l := &SQLiteLogger{
		db:     db,
		newID:  idgen.Default,
		logger: slog.Default(),
		queue:  make(chan *Entry, bufferSize),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	go l.writer()
	return l
}

// Init creates the audit table.
func (l *SQLiteLogger) Init() error {
	_, err := l.db.Exec(Schema)
	return err
}

func (l *SQLiteLogger) fillDefaults(e *Entry) {
	if e.EntryID == "" {
		e.EntryID = l.newID()
	}
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	if e.Transport == "" {
		e.Transport = "http"
	}
	if e.Parameters == "" {
		e.Parameters = "{}"
	}
	if e.Status == "" {
		e.Status = "success"
		if e.Error != "" {
			e.Status = "error"
		}
	}
}

// Log writes one entry now.
func (l *SQLiteLogger) Log(ctx context.Context, e *Entry) error {
	l.fillDefaults(e)
	return insert(ctx, l.db, e)
}

// LogAsync queues an entry. When the queue is full or the logger is closed
// the entry is written synchronously so nothing is dropped.
func (l *SQLiteLogger) LogAsync(e *Entry) {
	l.fillDefaults(e)
	l.mu.RLock()
	if !l.closed {
		select {
		case l.queue <- e:
			l.mu.RUnlock()
			return
		default:
		}
	}
	l.mu.RUnlock()
	if err := insert(context.Background(), l.db, e); err != nil {
		l.logger.Error("audit: write", "action", e.Action, "error", err)
	}
}

// Close flushes queued entries and stops the writer.
func (l *SQLiteLogger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()
	<-l.done
	return nil
}

func (l *SQLiteLogger) writer() {
	defer close(l.done)
	tick := time.NewTicker(flushEvery)
	defer tick.Stop()

	batch := make([]*Entry, 0, batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := l.writeBatch(batch); err != nil {
			l.logger.Error("audit: flush", "entries", len(batch), "error", err)
		}
		batch = batch[:0]
	}
	for {
		select {
		case e, ok := <-l.queue:
			if !ok {
				flush()
				return
			}
			batch = append(batch, e)
			if len(batch) >= batchSize {
				flush()
			}
		case <-tick.C:
			flush()
		}
	}
}

func (l *SQLiteLogger) writeBatch(batch []*Entry) error {
	tx, err := l.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, e := range batch {
		if err := insert(context.Background(), tx, e); err != nil {
			return err
		}
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insert(ctx context.Context, db execer, e *Entry) error {
	_, err := db.ExecContext(ctx, `INSERT INTO audit_log
		(entry_id, timestamp, action, transport, user_id, request_id, remote_addr,
		 parameters, result, status, error_message, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EntryID, e.Timestamp, e.Action, e.Transport, e.UserID, e.RequestID, e.RemoteAddr,
		e.Parameters, e.Result, e.Status, e.Error, e.DurationMs)
	if err != nil {
		return fmt.Errorf("audit: insert %s: %w", e.Action, err)
	}
	return nil
}

// FromContext fills the request-scoped fields of an entry from ctx.
func FromContext(ctx context.Context, action string) *Entry {
	return &Entry{
		Action:     action,
		Transport:  kit.GetTransport(ctx),
		UserID:     kit.GetUserID(ctx),
		RequestID:  kit.GetRequestID(ctx),
		RemoteAddr: kit.GetRemoteAddr(ctx),
	}
}

// Identified is implemented by responses that name the record they produced.
type Identified interface {
	AuditID() string
}

// Middleware audits every call of an endpoint asynchronously.
func Middleware(l *SQLiteLogger, action string) kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)

			e := FromContext(ctx, action)
			if params, merr := json.Marshal(req); merr == nil {
				e.Parameters = string(params)
			}
			if id, ok := resp.(Identified); ok {
				e.Result = id.AuditID()
			}
			if err != nil {
				e.Error = err.Error()
			}
			e.DurationMs = time.Since(start).Milliseconds()
			l.LogAsync(e)
			return resp, err
		}
	}
}
