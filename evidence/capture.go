package evidence

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hazyhaar/listingproof/evidence/internal/digest"
	"github.com/hazyhaar/listingproof/evidence/internal/record"
	"github.com/hazyhaar/listingproof/evidence/internal/timeproof"
	"github.com/hazyhaar/listingproof/horosafe"
	"github.com/hazyhaar/listingproof/observability"
)

// failTimeout bounds the detached write that records a failure.
const failTimeout = 10 * time.Second

// Validate checks a request without side effects and resolves its location.
func (s *Service) Validate(stockID, locationCode string) (Request, Location, error) {
	if stockID == "" {
		return Request{}, Location{}, &ValidationError{Field: "stock_id", Reason: "must not be empty"}
	}
	if err := horosafe.ValidateIdentifier(stockID); err != nil {
		return Request{}, Location{}, &ValidationError{Field: "stock_id", Reason: err.Error()}
	}
	loc, ok := s.locations[locationCode]
	if !ok {
		return Request{}, Location{}, &ValidationError{Field: "location_code", Reason: fmt.Sprintf("unknown location %q", locationCode)}
	}
	return Request{StockID: stockID, LocationCode: loc.Code, ZIP: loc.ZIP}, loc, nil
}

// failure is a pipeline stop with the stage and reason to record.
type failure struct {
	stage, reason string
	err           error
}

func (f *failure) Error() string { return fmt.Sprintf("%s/%s: %v", f.stage, f.reason, f.err) }
func (f *failure) Unwrap() error { return f.err }

// Capture runs one capture attempt end to end. Once the attempt is recorded
// it is always returned, failed or complete; a failed attempt comes with
// the error that stopped it. Validation errors return no attempt.
func (s *Service) Capture(ctx context.Context, stockID, locationCode string) (*Attempt, error) {
	req, loc, err := s.Validate(stockID, locationCode)
	if err != nil {
		return nil, err
	}

	id := s.newID()
	dir, err := horosafe.SafePath(s.cfg.CapturesDir, id)
	if err != nil {
		return nil, fmt.Errorf("evidence: attempt dir: %w", err)
	}
	a := &Attempt{
		ID:            id,
		Request:       req,
		Location:      loc,
		Dir:           dir,
		StartedAt:     s.now().UTC(),
		Status:        record.StatusPending,
		ListingStatus: record.ListingUnknown,
	}
	if _, err := s.store.Append(ctx, a); err != nil {
		return nil, err
	}
	log := s.logger.With("attempt", id, "stock", req.StockID, "location", loc.Code)
	log.Info("evidence: capture accepted")
	start := s.now()

	if err := s.run(ctx, a); err != nil {
		var f *failure
		if !errors.As(err, &f) {
			f = &failure{stage: string(a.Status), reason: record.ReasonStoreError, err: err}
		}
		if ctx.Err() != nil {
			f.reason = record.ReasonCancelled
		}
		a.Log(s.now(), Diagnostic{Stage: f.stage, Event: "attempt failed", Observed: f.reason, Detail: f.err.Error()})

		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failTimeout)
		defer cancel()
		if ferr := s.recordFailure(wctx, id, f, a.Diagnostics); ferr != nil {
			log.Error("evidence: record failure", "error", ferr)
			return a, errors.Join(f, ferr)
		}
		log.Warn("evidence: capture failed", "stage", f.stage, "reason", f.reason, "error", f.err)
		s.observe(a, start, f.stage, f.reason)
		got, gerr := s.store.Get(wctx, id)
		if gerr != nil {
			return a, f
		}
		return got, f
	}

	log.Info("evidence: capture complete", "report", a.ReportPath, "rfc3161", !a.TimeProof.Degraded())
	s.observe(a, start, "", "")
	got, err := s.store.Get(context.WithoutCancel(ctx), id)
	if err != nil {
		return a, nil
	}
	return got, nil
}

// recordFailure writes the failed status, retrying with backoff while the
// ledger reports contention, until ctx ends.
func (s *Service) recordFailure(ctx context.Context, id string, f *failure, diags []Diagnostic) error {
	backoff := 50 * time.Millisecond
	for {
		err := s.store.Fail(ctx, id, f.stage, f.reason, diags)
		if err == nil || !errors.Is(err, ErrStoreContention) {
			return err
		}
		s.logger.Warn("evidence: record failure contended", "attempt", id, "error", err)
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
		backoff = min(2*backoff, time.Second)
	}
}

// observe records the duration and time-proof health of a finished attempt.
func (s *Service) observe(a *Attempt, start time.Time, stage, reason string) {
	now := s.now()
	labels := map[string]string{"location": a.Location.Code, "outcome": string(StatusComplete)}
	if stage != "" {
		labels["outcome"] = string(StatusFailed)
		labels["stage"] = stage
		labels["reason"] = reason
	}
	s.metrics.Record(&observability.Metric{
		Name: observability.MetricCaptureDurationMs, Timestamp: now,
		Value: float64(now.Sub(start).Milliseconds()), Unit: "milliseconds", Labels: labels,
	})
	if a.TimeProof == nil {
		return
	}
	var failures int
	for _, at := range a.TimeProof.Attempts {
		if at.Error != "" {
			failures++
		}
	}
	degraded := 0.0
	if a.TimeProof.Degraded() {
		degraded = 1
	}
	s.metrics.Record(&observability.Metric{Name: observability.MetricAuthorityFailures, Timestamp: now, Value: float64(failures), Unit: "count"})
	s.metrics.Record(&observability.Metric{Name: observability.MetricTimeProofDegraded, Timestamp: now, Value: degraded, Unit: "bool"})
}

func (s *Service) run(ctx context.Context, a *Attempt) error {
	select {
	case s.workers <- struct{}{}:
	case <-ctx.Done():
		return &failure{stage: string(record.StatusPending), reason: record.ReasonCancelled, err: ctx.Err()}
	}
	defer func() { <-s.workers }()

	if err := s.advance(ctx, a, record.StatusCapturing); err != nil {
		return err
	}
	if err := os.MkdirAll(a.Dir, 0o755); err != nil {
		return &failure{stage: record.StageNavigation, reason: record.ReasonNavigation, err: err}
	}
	res, err := s.capturer.Capture(ctx, CaptureTarget{StockID: a.Request.StockID, Location: a.Location}, a.Dir)
	if res != nil {
		a.Diagnostics = append(a.Diagnostics, res.Diagnostics...)
	}
	if err != nil {
		var ce *CaptureError
		if errors.As(err, &ce) {
			return &failure{stage: ce.Stage, reason: ce.Reason, err: err}
		}
		return &failure{stage: record.StageNavigation, reason: record.ReasonSessionCrash, err: err}
	}
	if res.Price == nil || res.Payment == nil {
		return &failure{stage: record.StagePayment, reason: record.ReasonElementNotFound,
			err: errors.New("capturer returned an incomplete image pair")}
	}
	a.Price, a.Payment, a.Page, a.ListingStatus = res.Price, res.Payment, res.Page, res.ListingStatus

	if err := s.advance(ctx, a, record.StatusHashing); err != nil {
		return err
	}
	if err := s.hash(a); err != nil {
		return err
	}

	if err := s.advance(ctx, a, record.StatusTimestamping); err != nil {
		return err
	}
	combined, err := digest.Combine(a.Price.SHA256, a.Payment.SHA256)
	if err != nil {
		return &failure{stage: record.StageHashing, reason: record.ReasonHashError, err: err}
	}
	a.EvidenceDigest = hex.EncodeToString(combined)
	host := s.cfg.TimeProof.DateHost
	if host == "" {
		host = timeproof.HostOf(res.URL)
	}
	a.TimeProof = s.times.Acquire(ctx, host, combined)
	s.logTimeProof(a)
	if err := ctx.Err(); err != nil {
		return &failure{stage: record.StageTimestamp, reason: record.ReasonCancelled, err: err}
	}
	if err := s.store.SaveEvidence(ctx, a); err != nil {
		return &failure{stage: record.StageRecord, reason: record.ReasonStoreError, err: err}
	}

	if err := s.advance(ctx, a, record.StatusAssembling); err != nil {
		return err
	}
	path, err := s.assembler.Assemble(ctx, a)
	if err != nil {
		return &failure{stage: record.StageAssembly, reason: record.ReasonAssemblyError, err: err}
	}
	a.ReportPath = path
	a.Log(s.now(), Diagnostic{Stage: record.StageAssembly, Event: "report assembled", Observed: path})

	if err := s.store.Complete(ctx, a.ID, path, a.Diagnostics); err != nil {
		return &failure{stage: record.StageRecord, reason: record.ReasonStoreError, err: err}
	}
	a.Status = record.StatusComplete
	return nil
}

func (s *Service) advance(ctx context.Context, a *Attempt, to Status) error {
	if err := ctx.Err(); err != nil {
		return &failure{stage: string(a.Status), reason: record.ReasonCancelled, err: err}
	}
	if err := s.store.Advance(ctx, a.ID, to); err != nil {
		return &failure{stage: string(a.Status), reason: record.ReasonStoreError, err: err}
	}
	a.Status = to
	return nil
}

// hash fingerprints both screenshots and the page snapshot from disk.
func (s *Service) hash(a *Attempt) error {
	for _, img := range a.Images() {
		sum, _, err := digest.File(img.FilePath)
		if err != nil {
			return &failure{stage: record.StageHashing, reason: record.ReasonHashError, err: fmt.Errorf("%s image: %w", img.Role, err)}
		}
		img.SHA256 = sum
		a.Log(s.now(), Diagnostic{Stage: record.StageHashing, Event: "image hashed", Expected: string(img.Role), Observed: sum})
	}
	if a.Page != nil && a.Page.FilePath != "" {
		sum, _, err := digest.File(a.Page.FilePath)
		if err != nil {
			return &failure{stage: record.StageHashing, reason: record.ReasonHashError, err: fmt.Errorf("page snapshot: %w", err)}
		}
		if a.Page.SHA256 != "" && a.Page.SHA256 != sum {
			return &failure{stage: record.StageHashing, reason: record.ReasonHashError,
				err: fmt.Errorf("page snapshot changed on disk: %s != %s", sum, a.Page.SHA256)}
		}
		a.Page.SHA256 = sum
	}
	return nil
}

func (s *Service) logTimeProof(a *Attempt) {
	tp := a.TimeProof
	if tp.HTTPSDate != nil {
		a.Log(s.now(), Diagnostic{Stage: record.StageTimestamp, Event: "https date obtained", Observed: tp.HTTPSDate.RawHeader})
	} else {
		a.Log(s.now(), Diagnostic{Stage: record.StageTimestamp, Event: "https date absent", Detail: tp.HTTPSDateError})
	}
	for _, at := range tp.Attempts {
		if at.Error != "" {
			a.Log(s.now(), Diagnostic{Stage: record.StageTimestamp, Event: "authority failed", Expected: at.Authority, Detail: at.Error})
		}
	}
	if tp.RFC3161 != nil {
		a.Log(s.now(), Diagnostic{Stage: record.StageTimestamp, Event: "rfc3161 token obtained", Observed: tp.RFC3161.Authority})
	} else {
		a.Log(s.now(), Diagnostic{Stage: record.StageTimestamp, Event: "rfc3161 token absent", Detail: "all authorities failed"})
	}
}
