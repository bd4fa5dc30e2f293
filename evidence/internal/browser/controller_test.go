package browser_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-rod/rod/lib/launcher"

	"github.com/hazyhaar/listingproof/evidence/internal/browser"
	"github.com/hazyhaar/listingproof/evidence/internal/record"
)

const listingPage = `<!DOCTYPE html>
<html><head><style>
  body { font-family: sans-serif; }
  .tooltip { display: none; position: absolute; background: #222; color: #fff; padding: 8px; width: 220px; }
  .wrap:hover .tooltip { display: block; }
  .wrap { position: relative; margin: 40px; display: inline-block; }
</style></head>
<body>
<main id="listing">
  <h1>2024 Example Travel Trailer</h1>
  <div class="wrap"><span class="price-label">Total Price</span>
    <div class="tooltip" role="tooltip">Total Price <b>$42,000</b> includes freight.</div></div>
  <div class="wrap"><span class="payment-label">Est. Payment</span>
    <div class="tooltip" role="tooltip">Est. Payment $299/mo for 240 months.</div></div>
  <input name="zipcode" placeholder="ZIP">
</main>
</body></html>`

const hiddenTooltipPage = `<!DOCTYPE html>
<html><body><main id="listing">
  <span class="price-label">Total Price</span>
  <div class="tooltip" role="tooltip" style="display:none">never shown</div>
</main></body></html>`

// fadingTooltipPage keeps each tooltip up for 800ms after the pointer leaves
// its label, like most JS tooltip widgets.
const fadingTooltipPage = `<!DOCTYPE html>
<html><head><style>
  .tip { display: none; position: absolute; background: #222; color: #fff; padding: 8px; width: 220px; }
  .wrap { position: relative; margin: 40px; display: inline-block; }
</style></head>
<body>
<main id="listing">
  <div class="wrap"><span class="price-label">Total Price</span>
    <div class="tip" role="tooltip">Total Price $42,000</div></div>
  <div class="wrap"><span class="payment-label">Est. Payment</span>
    <div class="tip" role="tooltip">Est. Payment $299/mo</div></div>
</main>
<script>
  for (const wrap of document.querySelectorAll('.wrap')) {
    const tip = wrap.querySelector('.tip');
    let timer;
    wrap.addEventListener('mouseenter', () => { clearTimeout(timer); tip.style.display = 'block'; });
    wrap.addEventListener('mouseleave', () => { timer = setTimeout(() => { tip.style.display = 'none'; }, 800); });
  }
</script>
</body></html>`

// requireChrome skips browser tests without a local Chrome, unless
// LISTINGPROOF_REQUIRE_CHROME is set, in which case a missing Chrome fails
// the run so CI cannot skip them silently.
func requireChrome(t *testing.T) {
	t.Helper()
	required := os.Getenv("LISTINGPROOF_REQUIRE_CHROME") != ""
	if testing.Short() && !required {
		t.Skip("browser test skipped in -short mode")
	}
	if _, ok := launcher.LookPath(); !ok {
		if required {
			t.Fatal("LISTINGPROOF_REQUIRE_CHROME is set but no local Chrome was found")
		}
		t.Skip("no local Chrome found")
	}
}

func newController(t *testing.T, target string) *browser.Controller {
	t.Helper()
	mgr := browser.NewManager(browser.ManagerConfig{})
	t.Cleanup(func() { mgr.Close() })
	return browser.New(mgr, browser.Config{
		TargetURL:         target + "/rv/{stock}?zip={zip}",
		ContentSelector:   "#listing",
		ZIPInputSelector:  "input[name*='zip']",
		NavigationTimeout: 20 * time.Second,
		ElementTimeout:    3 * time.Second,
		TooltipTimeout:    2 * time.Second,
		SettleDelay:       50 * time.Millisecond,
		FullPage:          true,
	})
}

var portland = record.Location{Code: "Portland", City: "Portland", StateCode: "OR", ZIP: "97201", Latitude: 45.5152, Longitude: -122.6784}

// WHAT: a listing with hoverable price and payment tooltips yields both images.
// WHY: the full capture path (incognito context, hover, tooltip screenshot) must work on a real browser.
func TestCapture_BothTooltips(t *testing.T) {
	requireChrome(t)
	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, listingPage)
	}))
	defer site.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	dir := t.TempDir()
	res, err := newController(t, site.URL).Capture(ctx, browser.Target{StockID: "2319928", Location: portland}, dir)
	if err != nil {
		for _, d := range res.Diagnostics {
			t.Log(d.String())
		}
		t.Fatal(err)
	}
	for _, img := range []*record.ImageEvidence{res.Price, res.Payment} {
		if img == nil {
			t.Fatal("missing image")
		}
		if img.Width == 0 || img.Height == 0 {
			t.Fatalf("%s image has no size", img.Role)
		}
		if _, err := os.Stat(img.FilePath); err != nil {
			t.Fatal(err)
		}
	}
	if res.Price.FilePath != filepath.Join(dir, "tooltip_price.png") {
		t.Fatalf("price path = %s", res.Price.FilePath)
	}
	if res.ListingStatus != record.ListingAdvertised {
		t.Fatalf("listing status = %s", res.ListingStatus)
	}
	if res.Page == nil || res.Page.SHA256 == "" || res.Page.ScreenshotPath == "" {
		t.Fatalf("page snapshot = %+v", res.Page)
	}
}

// WHAT: a tooltip that exists but never becomes visible fails the price stage with timeout.
// WHY: diagnostics must say the tooltip was present but hidden, not absent.
func TestCapture_HiddenTooltipTimesOut(t *testing.T) {
	requireChrome(t)
	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, hiddenTooltipPage)
	}))
	defer site.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	res, err := newController(t, site.URL).Capture(ctx, browser.Target{StockID: "1", Location: portland}, t.TempDir())
	var ce *record.CaptureError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want CaptureError", err)
	}
	if ce.Stage != record.StagePrice || ce.Reason != record.ReasonTimeout {
		t.Fatalf("stage=%s reason=%s", ce.Stage, ce.Reason)
	}
	if res.Price != nil || res.Payment != nil {
		t.Fatal("partial evidence returned")
	}
	found := false
	for _, d := range res.Diagnostics {
		if d.Event == "tooltip not visible" && d.Observed != "absent" {
			found = true
		}
	}
	if !found {
		t.Fatalf("diagnostics lack hidden-tooltip entry: %v", record.Lines(res.Diagnostics))
	}
}

// WHAT: a page without the price label fails with element-not-found.
func TestCapture_MissingTrigger(t *testing.T) {
	requireChrome(t)
	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><main id="listing"><h2>No Matches Found</h2></main></body></html>`)
	}))
	defer site.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	_, err := newController(t, site.URL).Capture(ctx, browser.Target{StockID: "1", Location: portland}, t.TempDir())
	var ce *record.CaptureError
	if !errors.As(err, &ce) || ce.Stage != record.StagePrice || ce.Reason != record.ReasonElementNotFound {
		t.Fatalf("err = %v", err)
	}
}

// WHAT: the price tooltip lingers after the pointer leaves, yet the payment image shows the payment tooltip.
// WHY: a lingering price tooltip must never be captured as the payment evidence.
func TestCapture_LingeringPriceTooltip(t *testing.T) {
	requireChrome(t)
	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, fadingTooltipPage)
	}))
	defer site.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	res, err := newController(t, site.URL).Capture(ctx, browser.Target{StockID: "2319928", Location: portland}, t.TempDir())
	if err != nil {
		for _, d := range res.Diagnostics {
			t.Log(d.String())
		}
		t.Fatal(err)
	}
	if !strings.Contains(res.Price.TooltipText, "Total Price") {
		t.Fatalf("price text = %q", res.Price.TooltipText)
	}
	if !strings.Contains(res.Payment.TooltipText, "Est. Payment") || strings.Contains(res.Payment.TooltipText, "Total Price") {
		t.Fatalf("payment text = %q, want the payment tooltip", res.Payment.TooltipText)
	}
}
