package lifecycle_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hazyhaar/listingproof/dbopen"
	"github.com/hazyhaar/listingproof/evidence/internal/lifecycle"
	"github.com/hazyhaar/listingproof/evidence/internal/record"
	"github.com/hazyhaar/listingproof/evidence/internal/store"
	"github.com/hazyhaar/listingproof/horosafe"
)

var now = time.Date(2026, 3, 20, 12, 0, 0, 0, time.UTC)

type fixture struct {
	root  string
	store *store.Store
	mgr   *lifecycle.Manager
}

func setup(t *testing.T, p lifecycle.Policy) *fixture {
	t.Helper()
	st, err := store.New(dbopen.OpenMemory(t))
	if err != nil {
		t.Fatal(err)
	}
	root := t.TempDir()
	return &fixture{
		root:  root,
		store: st,
		mgr:   lifecycle.New(st, lifecycle.Config{Root: root, Policy: p, Clock: func() time.Time { return now }}),
	}
}

// addComplete stores a completed attempt started at started with files on disk.
func (f *fixture) addComplete(t *testing.T, id string, started time.Time) *record.Attempt {
	t.Helper()
	ctx := context.Background()
	dir := filepath.Join(f.root, id)
	os.MkdirAll(dir, 0o755)
	for _, name := range []string{"tooltip_price.png", "tooltip_payment.png", "report.pdf"} {
		os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644)
	}
	a := &record.Attempt{
		ID:        id,
		Request:   record.Request{StockID: "2319928", LocationCode: "Portland", ZIP: "97201"},
		Dir:       dir,
		StartedAt: started,
	}
	if _, err := f.store.Append(ctx, a); err != nil {
		t.Fatal(err)
	}
	for _, s := range []record.Status{record.StatusCapturing, record.StatusHashing, record.StatusTimestamping} {
		f.store.Advance(ctx, id, s)
	}
	a.Price = &record.ImageEvidence{Role: record.RolePrice, FilePath: filepath.Join(dir, "tooltip_price.png"), SHA256: "aa", CapturedAt: started}
	a.Payment = &record.ImageEvidence{Role: record.RolePayment, FilePath: filepath.Join(dir, "tooltip_payment.png"), SHA256: "bb", CapturedAt: started}
	a.TimeProof = &record.TimeProof{UTCWallClock: started}
	if err := f.store.SaveEvidence(ctx, a); err != nil {
		t.Fatal(err)
	}
	f.store.Advance(ctx, id, record.StatusAssembling)
	if err := f.store.Complete(ctx, id, filepath.Join(dir, "report.pdf"), nil); err != nil {
		t.Fatal(err)
	}
	return a
}

// WHAT: a 10-day-old attempt under a 7-day policy loses its files but keeps its row.
// WHY: the ledger of digests is the long-lived evidence; only disk space is reclaimed.
func TestSweep_PersistentRetention(t *testing.T) {
	f := setup(t, lifecycle.Policy{Mode: lifecycle.ModePersistent, RetentionDays: 7})
	ctx := context.Background()
	old := f.addComplete(t, "old", now.Add(-10*24*time.Hour))
	f.addComplete(t, "recent", now.Add(-2*24*time.Hour))

	n, err := f.mgr.Sweep(ctx, now, f.mgr.Policy())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("reclaimed %d, want 1", n)
	}
	if _, err := os.Stat(old.Dir); !os.IsNotExist(err) {
		t.Fatalf("old dir still present: %v", err)
	}
	if _, err := os.Stat(filepath.Join(f.root, "recent", "report.pdf")); err != nil {
		t.Fatalf("recent attempt touched: %v", err)
	}

	got, err := f.store.Get(ctx, "old")
	if err != nil {
		t.Fatal(err)
	}
	if got.PurgedAt == nil || !got.PurgedAt.Equal(now) {
		t.Fatalf("purged_at = %v", got.PurgedAt)
	}
	if got.Status != record.StatusComplete || got.Price.SHA256 != "aa" || got.Payment.SHA256 != "bb" {
		t.Fatalf("row changed: %+v", got)
	}

	// A second sweep finds nothing new.
	if n, _ := f.mgr.Sweep(ctx, now, f.mgr.Policy()); n != 0 {
		t.Fatalf("second sweep reclaimed %d", n)
	}
}

func TestSweep_ZeroRetentionKeepsEverything(t *testing.T) {
	f := setup(t, lifecycle.Policy{Mode: lifecycle.ModePersistent})
	f.addComplete(t, "old", now.Add(-400*24*time.Hour))
	n, err := f.mgr.Sweep(context.Background(), now, f.mgr.Policy())
	if err != nil || n != 0 {
		t.Fatalf("n=%d err=%v", n, err)
	}
}

func TestSweep_Ephemeral(t *testing.T) {
	f := setup(t, lifecycle.Policy{Mode: lifecycle.ModeEphemeral, RetentionDays: 30})
	f.addComplete(t, "two-hours", now.Add(-2*time.Hour))
	f.addComplete(t, "ten-minutes", now.Add(-10*time.Minute))

	n, err := f.mgr.Sweep(context.Background(), now, f.mgr.Policy())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("reclaimed %d, want 1", n)
	}
	if _, err := os.Stat(filepath.Join(f.root, "ten-minutes")); err != nil {
		t.Fatal("attempt inside grace period was reclaimed")
	}
}

func TestSweep_RefusesDirectoryOutsideRoot(t *testing.T) {
	f := setup(t, lifecycle.Policy{Mode: lifecycle.ModePersistent, RetentionDays: 1})
	ctx := context.Background()
	outside := t.TempDir()
	keep := filepath.Join(outside, "keep.txt")
	os.WriteFile(keep, []byte("x"), 0o644)

	f.store.Append(ctx, &record.Attempt{ID: "rogue", Dir: outside, StartedAt: now.Add(-48 * time.Hour),
		Request: record.Request{StockID: "1", LocationCode: "Salem", ZIP: "97301"}})
	f.store.Fail(ctx, "rogue", record.StageNavigation, record.ReasonTimeout, nil)

	n, err := f.mgr.Sweep(ctx, now, f.mgr.Policy())
	if n != 0 || !errors.Is(err, horosafe.ErrPathTraversal) {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if _, err := os.Stat(keep); err != nil {
		t.Fatal("file outside the captures root was removed")
	}
}

func TestReapStale(t *testing.T) {
	f := setup(t, lifecycle.Policy{})
	ctx := context.Background()
	f.store.Append(ctx, &record.Attempt{ID: "stuck", StartedAt: now.Add(-3 * time.Hour),
		Request: record.Request{StockID: "1", LocationCode: "Bend", ZIP: "97701"}})
	f.store.Advance(ctx, "stuck", record.StatusCapturing)
	f.store.Append(ctx, &record.Attempt{ID: "running", StartedAt: now.Add(-5 * time.Minute),
		Request: record.Request{StockID: "2", LocationCode: "Bend", ZIP: "97701"}})

	n, err := f.mgr.ReapStale(ctx, now, time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	got, _ := f.store.Get(ctx, "stuck")
	if got.Status != record.StatusFailed || got.FailureReason != record.ReasonAbandoned || got.FailureStage != "capturing" {
		t.Fatalf("got %s %s %s", got.Status, got.FailureStage, got.FailureReason)
	}
	if last := got.Diagnostics[len(got.Diagnostics)-1]; last.Event != "attempt abandoned" {
		t.Fatalf("last diagnostic = %+v", last)
	}
	running, _ := f.store.Get(ctx, "running")
	if running.Status != record.StatusPending {
		t.Fatalf("young attempt reaped: %s", running.Status)
	}
}

func TestUsage(t *testing.T) {
	f := setup(t, lifecycle.Policy{Mode: lifecycle.ModePersistent, RetentionDays: 7})
	f.addComplete(t, "a", now.Add(-time.Hour))
	f.addComplete(t, "b", now.Add(-time.Hour))

	u, err := f.mgr.Usage(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if u.Attempts != 2 || u.Complete != 2 || u.Files != 6 || u.Bytes != 6 {
		t.Fatalf("usage = %+v", u)
	}
	if u.Policy.RetentionDays != 7 {
		t.Fatalf("policy = %+v", u.Policy)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := setup(t, lifecycle.Policy{Mode: lifecycle.ModeEphemeral})
	f.addComplete(t, "old", now.Add(-2*time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.mgr.Run(ctx)
		close(done)
	}()

	// The first cycle runs immediately.
	deadline := time.After(5 * time.Second)
	for {
		got, _ := f.store.Get(context.Background(), "old")
		if got.PurgedAt != nil {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first cycle did not sweep")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
