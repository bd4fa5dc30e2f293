package report

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/hazyhaar/listingproof/evidence/internal/digest"
	"github.com/hazyhaar/listingproof/evidence/internal/record"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func writeTooltip(t *testing.T, path string, w, h int, c color.Color) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
	f.Close()
	sum, _, err := digest.File(path)
	if err != nil {
		t.Fatal(err)
	}
	return sum
}

func testAttempt(t *testing.T) *record.Attempt {
	t.Helper()
	dir := t.TempDir()
	a := &record.Attempt{
		ID:            "0190aaaa-bbbb-7ccc-8ddd-eeeeeeeeeeee",
		Request:       record.Request{StockID: "2319928", LocationCode: "Portland", ZIP: "97201"},
		Location:      record.Location{Code: "Portland", City: "Portland", StateCode: "OR", ZIP: "97201"},
		Dir:           dir,
		StartedAt:     t0,
		Status:        record.StatusAssembling,
		ListingStatus: record.ListingAdvertised,
	}
	pp := filepath.Join(dir, "tooltip_price.png")
	a.Price = &record.ImageEvidence{Role: record.RolePrice, FilePath: pp, CapturedAt: t0, Width: 320, Height: 90,
		SHA256: writeTooltip(t, pp, 320, 90, color.RGBA{0x20, 0x20, 0x80, 0xff})}
	mp := filepath.Join(dir, "tooltip_payment.png")
	a.Payment = &record.ImageEvidence{Role: record.RolePayment, FilePath: mp, CapturedAt: t0.Add(2 * time.Second), Width: 280, Height: 120,
		SHA256: writeTooltip(t, mp, 280, 120, color.RGBA{0x20, 0x80, 0x20, 0xff})}
	a.EvidenceDigest = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"
	a.TimeProof = &record.TimeProof{
		UTCWallClock:   t0.Add(3 * time.Second),
		HTTPSDateError: "dial tcp: connection refused",
		Attempts: []record.AuthorityAttempt{
			{Authority: "DigiCert", Error: "timeout after 15s", Duration: 15 * time.Second},
			{Authority: "Sectigo", Error: "status 503", Duration: 120 * time.Millisecond},
		},
	}
	return a
}

// WHAT: a degraded attempt (no RFC 3161, no HTTPS Date) still yields a valid PDF.
// WHY: missing time proofs are state to report, never a reason to withhold the report.
func TestAssemble_DegradedProof(t *testing.T) {
	a := testAttempt(t)
	path, err := New(Config{}).Assemble(context.Background(), a)
	if err != nil {
		t.Fatal(err)
	}
	if path != filepath.Join(a.Dir, FileName) {
		t.Fatalf("path = %s", path)
	}
	n, err := api.PageCountFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if n < 1 {
		t.Fatalf("pages = %d", n)
	}
	// The temporary workspace is gone.
	entries, _ := os.ReadDir(a.Dir)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".report-") {
			t.Fatalf("workspace left behind: %s", e.Name())
		}
	}
}

func TestAssemble_WithToken(t *testing.T) {
	a := testAttempt(t)
	a.TimeProof.RFC3161 = &record.RFC3161Token{
		Authority: "Apple", URL: "http://timestamp.apple.com/ts01",
		Token: []byte{0x30, 0x03, 0x02, 0x01, 0x00}, TokenTime: t0, SerialNumber: "42", Verified: true,
	}
	path, err := New(Config{Title: "Evidence"}).Assemble(context.Background(), a)
	if err != nil {
		t.Fatal(err)
	}
	if err := Verify(path); err != nil {
		t.Fatal(err)
	}
}

func TestAssemble_MissingImage(t *testing.T) {
	a := testAttempt(t)
	os.Remove(a.Payment.FilePath)

	_, err := New(Config{}).Assemble(context.Background(), a)
	var ae *record.AssemblyError
	if !errors.As(err, &ae) {
		t.Fatalf("err = %v, want AssemblyError", err)
	}
	if ae.Op != "load payment image" {
		t.Fatalf("op = %q", ae.Op)
	}
	if _, err := os.Stat(filepath.Join(a.Dir, FileName)); !os.IsNotExist(err) {
		t.Fatal("report written despite failure")
	}
}

func TestAssemble_RequiresDigests(t *testing.T) {
	a := testAttempt(t)
	a.Payment.SHA256 = ""
	_, err := New(Config{}).Assemble(context.Background(), a)
	var ae *record.AssemblyError
	if !errors.As(err, &ae) {
		t.Fatalf("err = %v", err)
	}
}

func TestAssemble_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(Config{}).Assemble(ctx, testAttempt(t))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}

func TestVerify_NotAPDF(t *testing.T) {
	p := filepath.Join(t.TempDir(), "x.pdf")
	os.WriteFile(p, []byte("not a pdf"), 0o644)
	var ae *record.AssemblyError
	if err := Verify(p); !errors.As(err, &ae) || ae.Op != "verify" {
		t.Fatalf("err = %v", err)
	}
}

func TestTimeProofLines_StatesAbsence(t *testing.T) {
	a := testAttempt(t)
	var text []string
	for _, l := range TimeProofLines(a.TimeProof) {
		text = append(text, l.text)
	}
	joined := strings.Join(text, "\n")
	for _, want := range []string{
		"RFC 3161 token: ABSENT (all authorities failed: DigiCert, Sectigo)",
		"HTTPS Date: ABSENT (dial tcp: connection refused)",
		"authority DigiCert: timeout after 15s",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("missing %q in\n%s", want, joined)
		}
	}

	empty := TimeProofLines(&record.TimeProof{UTCWallClock: t0})
	if !strings.Contains(empty[2].text, "no authority configured") {
		t.Fatalf("got %q", empty[2].text)
	}
}

func TestLayout_OverflowsToNextPage(t *testing.T) {
	a := testAttempt(t)
	for i := range 80 {
		a.Log(t0, record.Diagnostic{Stage: "price", Event: fmt.Sprintf("poll %d", i)})
	}
	img := image.NewRGBA(image.Rect(0, 0, 10, 10))
	pages := Layout("Evidence", a, img, img)
	if len(pages) < 2 {
		t.Fatalf("pages = %d, want overflow", len(pages))
	}
	if b := pages[0].Bounds(); b.Dx() != PageWidth || b.Dy() != PageHeight {
		t.Fatalf("page size = %v", b)
	}
}

func TestFit_PreservesAspect(t *testing.T) {
	box := image.Rect(0, 0, 500, 400)
	r := fit(image.Rect(0, 0, 1000, 200), box)
	if r.Dx() != 500 || r.Dy() != 100 {
		t.Fatalf("wide: %v", r)
	}
	r = fit(image.Rect(0, 0, 100, 400), box)
	if r.Dx() != 100 || r.Dy() != 400 {
		t.Fatalf("tall: %v", r)
	}
	if r.Min.X != 200 {
		t.Fatalf("not centered: %v", r)
	}
}

func TestWrap(t *testing.T) {
	rows := wrap("alpha beta gamma delta", 11)
	if len(rows) != 2 || rows[0] != "alpha beta" || rows[1] != "gamma delta" {
		t.Fatalf("rows = %q", rows)
	}
	long := strings.Repeat("a", 25)
	if rows := wrap(long, 10); len(rows) != 3 || rows[2] != "aaaaa" {
		t.Fatalf("hard break: %q", rows)
	}
}
