package browser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/png"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/listingproof/evidence/internal/digest"
	"github.com/hazyhaar/listingproof/evidence/internal/record"
)

// Trigger is an element whose hover reveals one tooltip.
type Trigger struct {
	Role     record.Role `yaml:"role" json:"role"`
	Selector string      `yaml:"selector" json:"selector"`
	Text     string      `yaml:"text" json:"text"`
}

// DefaultTriggers are the price and payment labels of the listing page.
func DefaultTriggers() []Trigger {
	return []Trigger{
		{Role: record.RolePrice, Selector: "[class*='label' i]", Text: "Total Price"},
		{Role: record.RolePayment, Selector: "[class*='label' i]", Text: "Est. Payment"},
	}
}

// DefaultTooltipSelectors are tried in order after each hover.
var DefaultTooltipSelectors = []string{
	"[role='tooltip']",
	".tooltip",
	".popover",
	"[class*='tooltip' i]",
	"[class*='Popover' i]",
	"[class*='ToolTip' i]",
}

// overlayCSS hides modals, cookie banners and chat widgets that would
// cover the tooltips.
const overlayCSS = `.modal, .overlay, [class*="Modal"], [class*="Overlay"],
.cookie-banner, .gdpr, .chat-widget, .intercom-lightweight-app,
iframe[src*="chat"], iframe[src*="zendesk"] { display: none !important; }`

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// Config configures the capture session.
type Config struct {
	// TargetURL is the listing URL template; {stock} and {zip} are replaced.
	TargetURL string

	// ContentSelector must appear before triggers are searched.
	ContentSelector string

	// ZIPInputSelector locates a ZIP field to fill after load. Optional.
	ZIPInputSelector string

	Triggers         []Trigger
	TooltipSelectors []string

	// BlockResources lists resource types to fail (media, fonts, ...).
	BlockResources []string

	NavigationTimeout time.Duration // default 60s
	ElementTimeout    time.Duration // default 15s
	TooltipTimeout    time.Duration // default 5s
	SettleDelay       time.Duration // default 500ms

	UserAgent      string
	ViewportWidth  int // default 1440
	ViewportHeight int // default 900

	// FullPage also saves a full-page screenshot next to the page HTML.
	FullPage bool

	Clock  func() time.Time
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.ContentSelector == "" {
		c.ContentSelector = "body"
	}
	if len(c.Triggers) == 0 {
		c.Triggers = DefaultTriggers()
	}
	if len(c.TooltipSelectors) == 0 {
		c.TooltipSelectors = DefaultTooltipSelectors
	}
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 60 * time.Second
	}
	if c.ElementTimeout <= 0 {
		c.ElementTimeout = 15 * time.Second
	}
	if c.TooltipTimeout <= 0 {
		c.TooltipTimeout = 5 * time.Second
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = 500 * time.Millisecond
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	if c.ViewportWidth <= 0 {
		c.ViewportWidth = 1440
	}
	if c.ViewportHeight <= 0 {
		c.ViewportHeight = 900
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Target is what one capture looks at.
type Target struct {
	StockID  string
	Location record.Location
}

// Result is a successful capture. Image digests are filled by the caller's
// hashing stage.
type Result struct {
	URL           string
	Price         *record.ImageEvidence
	Payment       *record.ImageEvidence
	Page          *record.PageSnapshot
	ListingStatus record.ListingStatus
	Diagnostics   []record.Diagnostic
}

// Controller runs capture sessions on a Manager's browser.
type Controller struct {
	mgr  *Manager
	cfg  Config
	text *tooltipText
}

// New creates a Controller.
func New(mgr *Manager, cfg Config) *Controller {
	cfg.defaults()
	return &Controller{mgr: mgr, cfg: cfg, text: newTooltipText()}
}

// RenderURL fills the {stock} and {zip} placeholders.
func RenderURL(template, stockID, zip string) string {
	r := strings.NewReplacer("{stock}", url.PathEscape(stockID), "{zip}", url.QueryEscape(zip))
	return r.Replace(template)
}

// session carries the per-capture state.
type session struct {
	c     *Controller
	ctx   context.Context
	page  *rod.Page
	url   string
	dir   string
	diags []record.Diagnostic

	// shown holds the tooltips already captured in this session.
	shown []shownTip
}

// shownTip is a captured tooltip element and the markup it had then. A later
// trigger may reuse the same element only once its content has changed.
type shownTip struct {
	el   *rod.Element
	html string
}

func (s *session) log(stage, event string, kv ...string) {
	d := record.Diagnostic{At: s.c.cfg.Clock().UTC(), Stage: stage, Event: event}
	for i := 0; i+1 < len(kv); i += 2 {
		switch kv[i] {
		case "expected":
			d.Expected = kv[i+1]
		case "observed":
			d.Observed = kv[i+1]
		case "detail":
			d.Detail = kv[i+1]
		}
	}
	s.diags = append(s.diags, d)
}

// Capture navigates to the target's listing in a fresh incognito context
// and screenshots every trigger's tooltip into dir. On error the returned
// Result carries only the diagnostics; no partial evidence is returned.
func (c *Controller) Capture(ctx context.Context, t Target, dir string) (*Result, error) {
	s := &session{c: c, ctx: ctx, dir: dir, url: RenderURL(c.cfg.TargetURL, t.StockID, t.Location.ZIP)}
	res, err := s.run(t)
	if err != nil {
		c.cfg.Logger.Warn("browser: capture failed", "stock", t.StockID, "location", t.Location.Code, "error", err)
		return &Result{URL: s.url, Diagnostics: s.diags}, err
	}
	res.Diagnostics = s.diags
	return res, nil
}

func (s *session) run(t Target) (*Result, error) {
	cfg := &s.c.cfg
	s.log(record.StageNavigation, "session start", "detail", fmt.Sprintf("url=%s location=%s lat=%.4f lon=%.4f",
		s.url, t.Location.Label(), t.Location.Latitude, t.Location.Longitude))

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, &record.CaptureError{Stage: record.StageNavigation, Reason: record.ReasonNavigation, Err: err}
	}

	b, release, err := s.c.mgr.Acquire(s.ctx)
	if err != nil {
		s.log(record.StageNavigation, "browser unavailable", "detail", err.Error())
		return nil, s.classify(record.StageNavigation, record.ReasonNavigation, err)
	}
	defer release()

	incognito, err := b.Incognito()
	if err != nil {
		s.log(record.StageNavigation, "incognito context failed", "detail", err.Error())
		go s.c.mgr.Discard(b)
		return nil, &record.CaptureError{Stage: record.StageNavigation, Reason: record.ReasonSessionCrash, Err: err}
	}
	defer incognito.Close()

	if err := s.openPage(incognito, t.Location); err != nil {
		return nil, err
	}
	if len(cfg.BlockResources) > 0 {
		router := blockResources(s.page, cfg.BlockResources)
		defer router.Stop()
	}

	if err := s.navigate(); err != nil {
		return nil, err
	}
	s.fillZIP(t.Location.ZIP)

	page, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	listing := s.listingStatus(page)

	if err := s.waitContent(listing); err != nil {
		return nil, err
	}

	res := &Result{URL: s.url, Page: page, ListingStatus: listing}
	for _, trig := range cfg.Triggers {
		img, err := s.captureTooltip(trig, res.Price != nil)
		if err != nil {
			if s.ctx.Err() == nil && isConnectionLost(err) {
				go s.c.mgr.Discard(b)
			}
			return nil, err
		}
		switch trig.Role {
		case record.RolePrice:
			res.Price = img
		case record.RolePayment:
			res.Payment = img
		}
	}
	if res.Price == nil || res.Payment == nil {
		return nil, &record.CaptureError{Stage: record.StagePayment, Reason: record.ReasonElementNotFound,
			Err: errors.New("trigger set does not cover both price and payment")}
	}
	s.log(record.StagePayment, "session complete")
	return res, nil
}

func (s *session) openPage(b *rod.Browser, loc record.Location) error {
	cfg := &s.c.cfg
	fail := func(event string, err error) error {
		s.log(record.StageNavigation, event, "detail", err.Error())
		return s.classify(record.StageNavigation, record.ReasonNavigation, err)
	}

	if err := (proto.BrowserGrantPermissions{
		Permissions:      []proto.BrowserPermissionType{proto.BrowserPermissionTypeGeolocation},
		BrowserContextID: b.BrowserContextID,
	}).Call(b); err != nil {
		return fail("grant geolocation failed", err)
	}

	p, err := stealth.Page(b)
	if err != nil {
		return fail("open page failed", err)
	}
	s.page = p.Context(s.ctx)

	if err := s.page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width: cfg.ViewportWidth, Height: cfg.ViewportHeight, DeviceScaleFactor: 1,
	}); err != nil {
		return fail("set viewport failed", err)
	}
	if err := s.page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: cfg.UserAgent}); err != nil {
		return fail("set user agent failed", err)
	}
	lat, lon, acc := loc.Latitude, loc.Longitude, 50.0
	if err := (proto.EmulationSetGeolocationOverride{Latitude: &lat, Longitude: &lon, Accuracy: &acc}).Call(s.page); err != nil {
		return fail("geolocation override failed", err)
	}
	if _, err := s.page.EvalOnNewDocument(hideOverlaysJS()); err != nil {
		return fail("overlay stylesheet failed", err)
	}
	s.log(record.StageNavigation, "page configured", "detail",
		fmt.Sprintf("viewport=%dx%d geolocation granted", cfg.ViewportWidth, cfg.ViewportHeight))
	return nil
}

func hideOverlaysJS() string {
	return fmt.Sprintf(`(() => {
	const add = () => {
		const style = document.createElement('style');
		style.textContent = %q;
		(document.head || document.documentElement).appendChild(style);
	};
	if (document.readyState === 'loading') {
		document.addEventListener('DOMContentLoaded', add);
	} else {
		add();
	}
})()`, overlayCSS)
}

func (s *session) navigate() error {
	ctx, cancel := context.WithTimeout(s.ctx, s.c.cfg.NavigationTimeout)
	defer cancel()

	p := s.page.Context(ctx)
	if err := p.Navigate(s.url); err != nil {
		s.log(record.StageNavigation, "navigation failed", "expected", s.url, "detail", err.Error())
		return s.classify(record.StageNavigation, record.ReasonNavigation, err)
	}
	if err := p.WaitLoad(); err != nil {
		s.log(record.StageNavigation, "load event not reached", "detail", err.Error())
		return s.classify(record.StageNavigation, record.ReasonNavigation, err)
	}
	s.log(record.StageNavigation, "page loaded", "observed", s.url)
	return nil
}

// fillZIP writes the location's ZIP into the page's ZIP field if present.
func (s *session) fillZIP(zip string) {
	sel := s.c.cfg.ZIPInputSelector
	if sel == "" || zip == "" {
		return
	}
	res, err := s.page.Eval(`(sel, zip) => {
		const input = document.querySelector(sel);
		if (!input) return false;
		input.value = zip;
		input.dispatchEvent(new Event('input', {bubbles: true}));
		input.dispatchEvent(new Event('change', {bubbles: true}));
		return true;
	}`, sel, zip)
	switch {
	case err != nil:
		s.log(record.StageNavigation, "zip injection failed", "detail", err.Error())
	case res.Value.Bool():
		s.log(record.StageNavigation, "zip injected", "observed", zip)
	default:
		s.log(record.StageNavigation, "zip field absent", "expected", sel)
	}
}

// snapshot saves the page HTML (and optional full-page screenshot).
func (s *session) snapshot() (*record.PageSnapshot, error) {
	markup, err := s.page.HTML()
	if err != nil {
		s.log(record.StageNavigation, "page html unavailable", "detail", err.Error())
		return nil, s.classify(record.StageNavigation, record.ReasonNavigation, err)
	}
	snap := &record.PageSnapshot{URL: s.url, FilePath: filepath.Join(s.dir, "page.html")}
	if snap.SHA256, err = writeDigested(snap.FilePath, []byte(markup)); err != nil {
		return nil, &record.CaptureError{Stage: record.StageNavigation, Reason: record.ReasonNavigation, Err: err}
	}

	if s.c.cfg.FullPage {
		shot, err := s.page.Screenshot(true, &proto.PageCaptureScreenshot{Format: proto.PageCaptureScreenshotFormatPng})
		if err != nil {
			s.log(record.StageNavigation, "full-page screenshot failed", "detail", err.Error())
		} else {
			path := filepath.Join(s.dir, "full_page.png")
			if sum, err := writeDigested(path, shot); err == nil {
				snap.ScreenshotPath, snap.ScreenshotSHA256 = path, sum
			}
		}
	}
	s.log(record.StageNavigation, "page snapshot saved", "observed", snap.SHA256)
	return snap, nil
}

func (s *session) listingStatus(page *record.PageSnapshot) record.ListingStatus {
	markup, err := os.ReadFile(page.FilePath)
	if err != nil {
		return record.ListingUnknown
	}
	texts := make([]string, 0, len(s.c.cfg.Triggers))
	for _, t := range s.c.cfg.Triggers {
		texts = append(texts, t.Text)
	}
	st := ListingStatusOf(string(markup), texts...)
	s.log(record.StageNavigation, "listing status", "observed", string(st))
	return st
}

func (s *session) waitContent(listing record.ListingStatus) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.c.cfg.ElementTimeout)
	defer cancel()
	sel := s.c.cfg.ContentSelector
	if _, err := s.page.Context(ctx).Element(sel); err != nil {
		detail := err.Error()
		if listing == record.ListingNotAdvertised {
			detail = "listing not advertised: " + detail
		}
		s.log(record.StageNavigation, "content missing", "expected", sel, "observed", "absent", "detail", detail)
		return s.classify(record.StageNavigation, record.ReasonElementNotFound, err)
	}
	return nil
}

func (s *session) captureTooltip(trig Trigger, priceDone bool) (*record.ImageEvidence, error) {
	cfg := &s.c.cfg
	stage := string(trig.Role)
	// Once the price image exists, anything other than a clean timeout or
	// missing element means the session itself went away.
	failReason := record.ReasonElementNotFound
	if priceDone {
		failReason = record.ReasonSessionCrash
	}

	s.log(stage, "locating trigger", "expected", fmt.Sprintf("%s containing %q", trig.Selector, trig.Text))
	findCtx, cancel := context.WithTimeout(s.ctx, cfg.ElementTimeout)
	el, err := s.page.Context(findCtx).ElementR(trig.Selector, "/"+regexp.QuoteMeta(trig.Text)+"/i")
	cancel()
	if err != nil {
		observed := "no candidate elements"
		if els, cerr := s.page.Elements(trig.Selector); cerr == nil && len(els) > 0 {
			observed = fmt.Sprintf("%d candidates, none containing the label", len(els))
		}
		s.log(stage, "trigger not found", "observed", observed, "detail", err.Error())
		if errors.Is(err, context.DeadlineExceeded) && s.ctx.Err() == nil {
			return nil, &record.CaptureError{Stage: stage, Reason: record.ReasonElementNotFound, Err: err}
		}
		return nil, s.classify(stage, failReason, err)
	}

	if err := el.ScrollIntoView(); err != nil {
		s.log(stage, "scroll failed", "detail", err.Error())
		return nil, s.classify(stage, failReason, err)
	}
	if err := el.Hover(); err != nil {
		s.log(stage, "hover failed", "detail", err.Error())
		return nil, s.classify(stage, failReason, err)
	}
	s.log(stage, "trigger hovered")

	tip, err := s.waitTooltip(stage)
	if err != nil {
		return nil, err
	}
	if err := sleepCtx(s.ctx, cfg.SettleDelay); err != nil {
		return nil, s.classify(stage, record.ReasonCancelled, err)
	}

	shot, err := tip.Screenshot(proto.PageCaptureScreenshotFormatPng, 0)
	if err != nil {
		s.log(stage, "tooltip screenshot failed", "detail", err.Error())
		return nil, s.classify(stage, failReason, err)
	}
	capturedAt := cfg.Clock().UTC()
	imgCfg, _, err := image.DecodeConfig(bytes.NewReader(shot))
	if err != nil {
		s.log(stage, "screenshot undecodable", "detail", err.Error())
		return nil, &record.CaptureError{Stage: stage, Reason: failReason, Err: err}
	}
	path := filepath.Join(s.dir, "tooltip_"+stage+".png")
	if err := os.WriteFile(path, shot, 0o644); err != nil {
		return nil, &record.CaptureError{Stage: stage, Reason: failReason, Err: err}
	}

	var text string
	fragment, err := tip.HTML()
	if err == nil {
		text = s.c.text.Markdown(fragment, s.url)
	}
	s.shown = append(s.shown, shownTip{el: tip, html: fragment})
	s.log(stage, "tooltip captured", "observed", fmt.Sprintf("%dx%d", imgCfg.Width, imgCfg.Height))
	s.dismiss(stage, tip)
	return &record.ImageEvidence{
		Role:        trig.Role,
		FilePath:    path,
		CapturedAt:  capturedAt,
		Width:       imgCfg.Width,
		Height:      imgCfg.Height,
		TooltipText: text,
	}, nil
}

// waitTooltip polls the tooltip selectors until one element is visible.
func (s *session) waitTooltip(stage string) (*rod.Element, error) {
	deadline := time.Now().Add(s.c.cfg.TooltipTimeout)
	hidden, stale := 0, 0
	for {
		hidden, stale = 0, 0
		for _, sel := range s.c.cfg.TooltipSelectors {
			els, err := s.page.Elements(sel)
			if err != nil {
				if s.ctx.Err() != nil {
					return nil, s.classify(stage, record.ReasonCancelled, err)
				}
				continue
			}
			for _, el := range els {
				ok, _ := el.Visible()
				if !ok {
					hidden++
					continue
				}
				if s.alreadyShown(el) {
					stale++
					continue
				}
				s.log(stage, "tooltip visible", "observed", sel)
				return el, nil
			}
		}
		if time.Now().After(deadline) {
			break
		}
		if err := sleepCtx(s.ctx, 100*time.Millisecond); err != nil {
			return nil, s.classify(stage, record.ReasonCancelled, err)
		}
	}

	observed := "absent"
	switch {
	case stale > 0:
		observed = fmt.Sprintf("only the previously captured tooltip visible (%d hidden)", hidden)
	case hidden > 0:
		observed = fmt.Sprintf("present but hidden (%d elements)", hidden)
	}
	s.log(stage, "tooltip not visible", "expected", "visible tooltip", "observed", observed,
		"detail", fmt.Sprintf("after %s", s.c.cfg.TooltipTimeout))
	return nil, &record.CaptureError{Stage: stage, Reason: record.ReasonTimeout,
		Err: fmt.Errorf("no visible tooltip after %s: %s", s.c.cfg.TooltipTimeout, observed)}
}

// alreadyShown reports whether el is a tooltip captured earlier in this
// session that still shows the same markup.
func (s *session) alreadyShown(el *rod.Element) bool {
	for _, prev := range s.shown {
		same, err := prev.el.Equal(el)
		if err != nil || !same {
			continue
		}
		html, err := el.HTML()
		if err != nil || html == prev.html {
			return true
		}
	}
	return false
}

// dismiss moves the pointer off the trigger and waits, up to the tooltip
// timeout, for tip to hide. A tooltip that stays up is only logged; the
// next trigger skips it through alreadyShown.
func (s *session) dismiss(stage string, tip *rod.Element) {
	if err := s.page.Mouse.MoveTo(proto.Point{X: 0, Y: 0}); err != nil {
		s.log(stage, "pointer reset failed", "detail", err.Error())
		return
	}
	deadline := time.Now().Add(s.c.cfg.TooltipTimeout)
	for time.Now().Before(deadline) {
		if ok, err := tip.Visible(); err != nil || !ok {
			return
		}
		if sleepCtx(s.ctx, 50*time.Millisecond) != nil {
			return
		}
	}
	s.log(stage, "tooltip still visible after pointer left", "observed", "visible")
}

// classify turns err into a CaptureError. Caller cancellation and deadline
// expiry take precedence over fallback.
func (s *session) classify(stage, fallback string, err error) *record.CaptureError {
	switch {
	case s.ctx.Err() != nil:
		return &record.CaptureError{Stage: stage, Reason: record.ReasonCancelled, Err: s.ctx.Err()}
	case errors.Is(err, context.DeadlineExceeded):
		return &record.CaptureError{Stage: stage, Reason: record.ReasonTimeout, Err: err}
	case fallback != record.ReasonSessionCrash && isConnectionLost(err):
		return &record.CaptureError{Stage: stage, Reason: record.ReasonSessionCrash, Err: err}
	}
	return &record.CaptureError{Stage: stage, Reason: fallback, Err: err}
}

// isConnectionLost reports errors raised when the DevTools connection or
// the target died underneath the session.
func isConnectionLost(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range []string{"websocket", "use of closed network connection", "connection reset",
		"broken pipe", "eof", "target closed", "session closed", "no target with given id"} {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

func writeDigested(path string, data []byte) (string, error) {
	sum, err := digest.Digest(data)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return sum, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
