package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/listingproof/evidence/internal/record"
)

const attemptColumns = `id, stock_id, location_code, zip, location_json, dir, status,
	failure_stage, failure_reason, listing_status, evidence_digest, page_json,
	time_proof_json, diagnostics_json, report_path, started_at, updated_at,
	completed_at, purged_at`

// Append inserts a new attempt with its images, if any, and returns its id.
func (s *Store) Append(ctx context.Context, a *record.Attempt) (string, error) {
	if a.ID == "" {
		return "", fmt.Errorf("store: append: attempt has no id")
	}
	if a.Status == "" {
		a.Status = record.StatusPending
	}
	if !a.Status.Valid() {
		return "", fmt.Errorf("store: append: invalid status %q", a.Status)
	}
	if a.ListingStatus == "" {
		a.ListingStatus = record.ListingUnknown
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.StartedAt
	}

	locJSON, err := json.Marshal(a.Location)
	if err != nil {
		return "", fmt.Errorf("store: marshal location: %w", err)
	}
	pageJSON, err := marshalOptional(a.Page)
	if err != nil {
		return "", err
	}
	tpJSON, err := marshalOptional(a.TimeProof)
	if err != nil {
		return "", err
	}
	diagJSON, err := marshalDiagnostics(a.Diagnostics)
	if err != nil {
		return "", err
	}

	err = s.withWrite(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO capture_attempts (`+attemptColumns+`)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			a.ID, a.Request.StockID, a.Request.LocationCode, a.Request.ZIP, string(locJSON), a.Dir,
			string(a.Status), a.FailureStage, a.FailureReason, string(a.ListingStatus),
			a.EvidenceDigest, pageJSON, tpJSON, diagJSON, a.ReportPath,
			nanos(a.StartedAt), nanos(a.UpdatedAt), nullNanos(a.CompletedAt), nullNanos(a.PurgedAt))
		if err != nil {
			return fmt.Errorf("store: insert attempt: %w", err)
		}
		return insertImages(ctx, tx, a)
	})
	if err != nil {
		return "", err
	}
	return a.ID, nil
}

// Get loads one attempt with its images.
func (s *Store) Get(ctx context.Context, id string) (*record.Attempt, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM capture_attempts WHERE id = ?`, id)
	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, record.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	imgs, err := s.loadImages(ctx, `WHERE attempt_id = ?`, id)
	if err != nil {
		return nil, err
	}
	attachImages(a, imgs[a.ID])
	return a, nil
}

// ListAll returns every attempt, newest first.
func (s *Store) ListAll(ctx context.Context) ([]*record.Attempt, error) {
	return s.list(ctx, `ORDER BY started_at DESC, id DESC`)
}

// ListReclaimable returns terminal attempts started before cutoff whose
// artifacts have not been purged yet, oldest first.
func (s *Store) ListReclaimable(ctx context.Context, cutoff time.Time) ([]*record.Attempt, error) {
	return s.list(ctx, `WHERE status IN ('complete', 'failed') AND purged_at IS NULL AND started_at < ?
		ORDER BY started_at ASC, id ASC`, nanos(cutoff))
}

// ListStale returns non-terminal attempts started before cutoff.
func (s *Store) ListStale(ctx context.Context, cutoff time.Time) ([]*record.Attempt, error) {
	return s.list(ctx, `WHERE status NOT IN ('complete', 'failed') AND started_at < ?
		ORDER BY started_at ASC, id ASC`, nanos(cutoff))
}

func (s *Store) list(ctx context.Context, tail string, args ...any) ([]*record.Attempt, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+attemptColumns+` FROM capture_attempts `+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	var out []*record.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(out) == 0 {
		return out, nil
	}
	imgs, err := s.loadImages(ctx, "")
	if err != nil {
		return nil, err
	}
	for _, a := range out {
		attachImages(a, imgs[a.ID])
	}
	return out, nil
}

// Advance moves a non-terminal attempt forward to status to.
func (s *Store) Advance(ctx context.Context, id string, to record.Status) error {
	if to == record.StatusComplete {
		return fmt.Errorf("store: use Complete to finish attempt %s", id)
	}
	return s.withWrite(ctx, func(tx *sql.Tx) error {
		if err := checkTransition(ctx, tx, id, to); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE capture_attempts SET status = ?, updated_at = ? WHERE id = ?`,
			string(to), nanos(s.now()), id)
		return err
	})
}

// SaveEvidence persists the hashed images, page snapshot, listing status,
// evidence digest, time proof and diagnostics of a non-terminal attempt.
func (s *Store) SaveEvidence(ctx context.Context, a *record.Attempt) error {
	pageJSON, err := marshalOptional(a.Page)
	if err != nil {
		return err
	}
	tpJSON, err := marshalOptional(a.TimeProof)
	if err != nil {
		return err
	}
	diagJSON, err := marshalDiagnostics(a.Diagnostics)
	if err != nil {
		return err
	}
	listing := a.ListingStatus
	if listing == "" {
		listing = record.ListingUnknown
	}

	return s.withWrite(ctx, func(tx *sql.Tx) error {
		status, err := currentStatus(ctx, tx, a.ID)
		if err != nil {
			return err
		}
		if status.Terminal() {
			return &record.ErrInvalidTransition{From: status, To: status}
		}
		if err := insertMissingImages(ctx, tx, a); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE capture_attempts SET
			listing_status = ?, evidence_digest = ?, page_json = ?, time_proof_json = ?,
			diagnostics_json = ?, updated_at = ?
			WHERE id = ?`,
			string(listing), a.EvidenceDigest, pageJSON, tpJSON, diagJSON, nanos(s.now()), a.ID)
		return err
	})
}

// Fail moves a non-terminal attempt to failed with a stage and reason.
func (s *Store) Fail(ctx context.Context, id, stage, reason string, diags []record.Diagnostic) error {
	diagJSON, err := marshalDiagnostics(diags)
	if err != nil {
		return err
	}
	return s.withWrite(ctx, func(tx *sql.Tx) error {
		if err := checkTransition(ctx, tx, id, record.StatusFailed); err != nil {
			return err
		}
		now := nanos(s.now())
		_, err := tx.ExecContext(ctx, `UPDATE capture_attempts SET
			status = 'failed', failure_stage = ?, failure_reason = ?, diagnostics_json = ?,
			updated_at = ?, completed_at = ?
			WHERE id = ?`, stage, reason, diagJSON, now, now, id)
		return err
	})
}

// Complete finishes an attempt. Both image digests and a time proof must
// already be stored.
func (s *Store) Complete(ctx context.Context, id, reportPath string, diags []record.Diagnostic) error {
	diagJSON, err := marshalDiagnostics(diags)
	if err != nil {
		return err
	}
	return s.withWrite(ctx, func(tx *sql.Tx) error {
		if err := checkTransition(ctx, tx, id, record.StatusComplete); err != nil {
			return err
		}
		var images int
		var tp string
		if err := tx.QueryRowContext(ctx, `SELECT
				(SELECT COUNT(*) FROM image_evidence WHERE attempt_id = ? AND role IN ('price', 'payment') AND sha256 != ''),
				time_proof_json
			FROM capture_attempts WHERE id = ?`, id, id).Scan(&images, &tp); err != nil {
			return fmt.Errorf("store: check evidence: %w", err)
		}
		if images != 2 || tp == "" {
			return fmt.Errorf("%w: %s has %d digests, time proof present=%v", ErrIncompleteEvidence, id, images, tp != "")
		}
		var proof record.TimeProof
		if err := json.Unmarshal([]byte(tp), &proof); err != nil {
			return fmt.Errorf("store: decode time proof: %w", err)
		}
		if proof.UTCWallClock.IsZero() {
			return fmt.Errorf("%w: %s has no UTC wall clock", ErrIncompleteEvidence, id)
		}
		now := nanos(s.now())
		_, err := tx.ExecContext(ctx, `UPDATE capture_attempts SET
			status = 'complete', report_path = ?, diagnostics_json = ?, updated_at = ?, completed_at = ?
			WHERE id = ?`, reportPath, diagJSON, now, now, id)
		return err
	})
}

// AttachReport records the produced report path. Allowed on terminal
// attempts; this is the only field that may change after completion.
func (s *Store) AttachReport(ctx context.Context, id, path string) error {
	return s.withWrite(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE capture_attempts SET report_path = ?, updated_at = ? WHERE id = ?`,
			path, nanos(s.now()), id)
		if err != nil {
			return err
		}
		return requireOne(res, id)
	})
}

// MarkPurged records that the attempt's files were reclaimed.
func (s *Store) MarkPurged(ctx context.Context, id string, at time.Time) error {
	return s.withWrite(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE capture_attempts SET purged_at = ? WHERE id = ? AND purged_at IS NULL`,
			nanos(at), id)
		if err != nil {
			return err
		}
		return requireOne(res, id)
	})
}

func checkTransition(ctx context.Context, tx *sql.Tx, id string, to record.Status) error {
	from, err := currentStatus(ctx, tx, id)
	if err != nil {
		return err
	}
	if !record.CanAdvance(from, to) {
		return &record.ErrInvalidTransition{From: from, To: to}
	}
	return nil
}

func currentStatus(ctx context.Context, tx *sql.Tx, id string) (record.Status, error) {
	var st string
	err := tx.QueryRowContext(ctx, `SELECT status FROM capture_attempts WHERE id = ?`, id).Scan(&st)
	if errors.Is(err, sql.ErrNoRows) {
		return "", record.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: read status: %w", err)
	}
	return record.Status(st), nil
}

func requireOne(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", record.ErrNotFound, id)
	}
	return nil
}

func insertImages(ctx context.Context, tx *sql.Tx, a *record.Attempt) error {
	for _, img := range a.Images() {
		if err := insertImage(ctx, tx, a.ID, img); err != nil {
			return err
		}
	}
	return nil
}

// insertMissingImages writes images not yet stored; stored rows are immutable.
func insertMissingImages(ctx context.Context, tx *sql.Tx, a *record.Attempt) error {
	for _, img := range a.Images() {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM image_evidence WHERE attempt_id = ? AND role = ?`,
			a.ID, string(img.Role)).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			continue
		}
		if err := insertImage(ctx, tx, a.ID, img); err != nil {
			return err
		}
	}
	return nil
}

func insertImage(ctx context.Context, tx *sql.Tx, attemptID string, img *record.ImageEvidence) error {
	if img.SHA256 == "" {
		return fmt.Errorf("store: %s image of %s has no digest", img.Role, attemptID)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO image_evidence
		(attempt_id, role, file_path, sha256, captured_at, width, height, tooltip_text)
		VALUES (?,?,?,?,?,?,?,?)`,
		attemptID, string(img.Role), img.FilePath, img.SHA256, nanos(img.CapturedAt),
		img.Width, img.Height, img.TooltipText)
	if err != nil {
		return fmt.Errorf("store: insert %s image: %w", img.Role, err)
	}
	return nil
}

func (s *Store) loadImages(ctx context.Context, where string, args ...any) (map[string][]*record.ImageEvidence, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT attempt_id, role, file_path, sha256, captured_at,
		width, height, tooltip_text FROM image_evidence `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("store: load images: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]*record.ImageEvidence)
	for rows.Next() {
		var attemptID, role string
		var captured int64
		img := &record.ImageEvidence{}
		if err := rows.Scan(&attemptID, &role, &img.FilePath, &img.SHA256, &captured,
			&img.Width, &img.Height, &img.TooltipText); err != nil {
			return nil, fmt.Errorf("store: scan image: %w", err)
		}
		img.Role = record.Role(role)
		img.CapturedAt = fromNanos(captured)
		out[attemptID] = append(out[attemptID], img)
	}
	return out, rows.Err()
}

func attachImages(a *record.Attempt, imgs []*record.ImageEvidence) {
	for _, img := range imgs {
		switch img.Role {
		case record.RolePrice:
			a.Price = img
		case record.RolePayment:
			a.Payment = img
		}
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAttempt(sc scanner) (*record.Attempt, error) {
	var (
		a                                   record.Attempt
		status, listing                     string
		locJSON, pageJSON, tpJSON, diagJSON string
		started, updated                    int64
		completed, purged                   sql.NullInt64
	)
	err := sc.Scan(&a.ID, &a.Request.StockID, &a.Request.LocationCode, &a.Request.ZIP, &locJSON, &a.Dir,
		&status, &a.FailureStage, &a.FailureReason, &listing, &a.EvidenceDigest, &pageJSON,
		&tpJSON, &diagJSON, &a.ReportPath, &started, &updated, &completed, &purged)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("store: scan attempt: %w", err)
	}
	a.Status = record.Status(status)
	a.ListingStatus = record.ListingStatus(listing)
	a.StartedAt = fromNanos(started)
	a.UpdatedAt = fromNanos(updated)
	if completed.Valid {
		t := fromNanos(completed.Int64)
		a.CompletedAt = &t
	}
	if purged.Valid {
		t := fromNanos(purged.Int64)
		a.PurgedAt = &t
	}
	if locJSON != "" {
		if err := json.Unmarshal([]byte(locJSON), &a.Location); err != nil {
			return nil, fmt.Errorf("store: decode location of %s: %w", a.ID, err)
		}
	}
	if pageJSON != "" {
		a.Page = &record.PageSnapshot{}
		if err := json.Unmarshal([]byte(pageJSON), a.Page); err != nil {
			return nil, fmt.Errorf("store: decode page of %s: %w", a.ID, err)
		}
	}
	if tpJSON != "" {
		a.TimeProof = &record.TimeProof{}
		if err := json.Unmarshal([]byte(tpJSON), a.TimeProof); err != nil {
			return nil, fmt.Errorf("store: decode time proof of %s: %w", a.ID, err)
		}
	}
	if err := json.Unmarshal([]byte(diagJSON), &a.Diagnostics); err != nil {
		return nil, fmt.Errorf("store: decode diagnostics of %s: %w", a.ID, err)
	}
	return &a, nil
}

func marshalOptional[T any](v *T) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("store: marshal: %w", err)
	}
	return string(b), nil
}

func marshalDiagnostics(d []record.Diagnostic) (string, error) {
	if d == nil {
		d = []record.Diagnostic{}
	}
	b, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("store: marshal diagnostics: %w", err)
	}
	return string(b), nil
}
