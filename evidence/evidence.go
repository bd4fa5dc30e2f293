// Package evidence captures legally defensible proof that a listing page
// showed given price and payment tooltips at a given time.
//
// A capture drives a headless browser to the listing, screenshots both
// tooltips, fingerprints them with SHA-256, binds the fingerprints to
// independent time proofs (system clock, the site's HTTPS Date header, an
// RFC 3161 token) and assembles a PDF report. Every attempt, successful or
// not, is kept in a single-writer SQLite ledger.
//
//	svc, err := evidence.New(cfg, logger)
//	defer svc.Close()
//	svc.Start(ctx)
//	attempt, err := svc.Capture(ctx, "2319928", "Portland")
//	svc.RegisterMCP(mcpServer)
package evidence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/hazyhaar/listingproof/audit"
	"github.com/hazyhaar/listingproof/dbopen"
	"github.com/hazyhaar/listingproof/evidence/internal/browser"
	"github.com/hazyhaar/listingproof/evidence/internal/lifecycle"
	"github.com/hazyhaar/listingproof/evidence/internal/record"
	"github.com/hazyhaar/listingproof/evidence/internal/report"
	"github.com/hazyhaar/listingproof/evidence/internal/store"
	"github.com/hazyhaar/listingproof/evidence/internal/timeproof"
	"github.com/hazyhaar/listingproof/idgen"
	"github.com/hazyhaar/listingproof/observability"
)

// ErrReportUnavailable is returned when an attempt has no report on disk.
var ErrReportUnavailable = errors.New("evidence: report unavailable")

// Capturer produces the tooltip images of one capture. The browser
// controller is the production implementation.
type Capturer interface {
	Capture(ctx context.Context, t CaptureTarget, dir string) (*CaptureResult, error)
}

// Service is the capture pipeline and its ledger.
type Service struct {
	cfg       *Config
	logger    *slog.Logger
	store     *store.Store
	ops       *sql.DB
	browser   *browser.Manager
	capturer  Capturer
	times     *timeproof.Service
	assembler *report.Assembler
	lifecycle *lifecycle.Manager
	audit     *audit.SQLiteLogger
	metrics   *observability.MetricsManager
	workers   chan struct{}
	locations map[string]Location
	newID     idgen.Generator
	now       func() time.Time
}

// Option customises a Service.
type Option func(*options)

type options struct {
	capturer    Capturer
	authorities []Authority
	httpClient  *http.Client
	newID       idgen.Generator
	now         func() time.Time
}

// WithCapturer replaces the browser controller.
func WithCapturer(c Capturer) Option { return func(o *options) { o.capturer = c } }

// WithAuthorities replaces the configured timestamp authorities.
func WithAuthorities(a ...Authority) Option { return func(o *options) { o.authorities = a } }

// WithHTTPClient sets the client used for the HTTPS Date probe and the
// configured authorities.
func WithHTTPClient(c *http.Client) Option { return func(o *options) { o.httpClient = c } }

// WithIDGenerator sets the attempt id generator. Default: UUIDv7.
func WithIDGenerator(g idgen.Generator) Option { return func(o *options) { o.newID = g } }

// WithClock sets the clock used for attempt timestamps.
func WithClock(fn func() time.Time) Option { return func(o *options) { o.now = fn } }

// New opens the ledger and wires the pipeline. Chrome is launched lazily
// on the first capture unless a Capturer is supplied.
func New(cfg *Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	cfg.defaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	o := options{newID: idgen.Default, now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}

	if err := os.MkdirAll(cfg.CapturesDir, 0o755); err != nil {
		return nil, fmt.Errorf("evidence: captures dir: %w", err)
	}
	st, err := store.Open(cfg.DBPath, store.WithClock(o.now))
	if err != nil {
		return nil, err
	}

	// Audit, metrics and rate limits live in their own file so their
	// writers never compete with the ledger's single writer.
	ops, err := dbopen.Open(cfg.OpsDBPath, dbopen.WithMkdirAll(), dbopen.WithTxLock("immediate"))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("evidence: ops db: %w", err)
	}
	al := audit.NewSQLiteLogger(ops, audit.WithIDGenerator(o.newID), audit.WithLogger(logger))
	if err := al.Init(); err != nil {
		al.Close()
		ops.Close()
		st.Close()
		return nil, fmt.Errorf("evidence: audit schema: %w", err)
	}
	if err := observability.Init(ops); err != nil {
		al.Close()
		ops.Close()
		st.Close()
		return nil, fmt.Errorf("evidence: metrics schema: %w", err)
	}

	s := &Service{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		ops:       ops,
		audit:     al,
		metrics:   observability.NewMetricsManager(ops, logger, 100, 5*time.Second),
		capturer:  o.capturer,
		workers:   make(chan struct{}, cfg.Workers),
		locations: make(map[string]Location, len(cfg.Locations)),
		newID:     o.newID,
		now:       o.now,
	}
	for _, l := range cfg.Locations {
		s.locations[l.Code] = l
	}

	if s.capturer == nil {
		s.browser = browser.NewManager(browser.ManagerConfig{
			RemoteURL:       cfg.Browser.RemoteURL,
			Bin:             cfg.Browser.Bin,
			Headful:         cfg.Browser.Headful,
			RecycleInterval: cfg.Browser.RecycleInterval,
			Logger:          logger,
		})
		s.capturer = browser.New(s.browser, browser.Config{
			TargetURL:         cfg.Browser.TargetURL,
			ContentSelector:   cfg.Browser.ContentSelector,
			ZIPInputSelector:  cfg.Browser.ZIPInputSelector,
			Triggers:          cfg.Browser.Triggers,
			TooltipSelectors:  cfg.Browser.TooltipSelectors,
			BlockResources:    cfg.Browser.BlockResources,
			NavigationTimeout: cfg.Browser.NavigationTimeout,
			ElementTimeout:    cfg.Browser.ElementTimeout,
			TooltipTimeout:    cfg.Browser.TooltipTimeout,
			SettleDelay:       cfg.Browser.SettleDelay,
			UserAgent:         cfg.Browser.UserAgent,
			FullPage:          cfg.Browser.FullPage,
			Clock:             o.now,
			Logger:            logger,
		})
	}

	authorities := o.authorities
	if authorities == nil {
		authorities = timeproof.HTTPAuthorities(cfg.TimeProof.Authorities, o.httpClient)
	}
	s.times = timeproof.New(timeproof.Config{
		Authorities:      authorities,
		HTTPSDateTimeout: cfg.TimeProof.HTTPSDateTimeout,
		AuthorityTimeout: cfg.TimeProof.AuthorityTimeout,
		HTTPClient:       o.httpClient,
		Clock:            o.now,
		Logger:           logger,
	})
	s.assembler = report.New(report.Config{Title: cfg.Report.Title, Logger: logger})
	s.lifecycle = lifecycle.New(st, lifecycle.Config{
		Root: cfg.CapturesDir,
		Policy: lifecycle.Policy{
			Mode:          lifecycle.Mode(cfg.Retention.Mode),
			RetentionDays: cfg.Retention.Days,
		},
		EphemeralGrace: cfg.Retention.EphemeralGrace,
		StaleAfter:     cfg.Retention.StaleAfter,
		Interval:       cfg.Retention.SweepInterval,
		Clock:          o.now,
		Logger:         logger,
	})
	return s, nil
}

// Start launches the retention loop and, when the service owns Chrome, the
// browser recycle monitor. Chrome itself starts on the first capture.
func (s *Service) Start(ctx context.Context) {
	go s.lifecycle.Run(ctx)
	if s.browser != nil {
		s.browser.Start(ctx)
	}
	s.logger.Info("evidence: started", "db", s.cfg.DBPath, "captures", s.cfg.CapturesDir,
		"workers", s.cfg.Workers, "authorities", s.times.Authorities())
}

// Close shuts Chrome down, flushes the audit log and closes the ledger.
func (s *Service) Close() error {
	if s.browser != nil {
		s.browser.Close()
	}
	s.metrics.Close()
	s.audit.Close()
	s.ops.Close()
	return s.store.Close()
}

// OpsDB returns the operations database holding the audit log, metrics and
// rate-limit rules.
func (s *Service) OpsDB() *sql.DB {
	return s.ops
}

// Metrics returns the pipeline timeseries.
func (s *Service) Metrics() *observability.MetricsManager {
	return s.metrics
}

// Audit returns the audit log kept in the operations database.
func (s *Service) Audit() *audit.SQLiteLogger {
	return s.audit
}

// Store returns the underlying ledger (admin, tests).
func (s *Service) Store() *store.Store {
	return s.store
}

// Locations returns the supported locations in configuration order.
func (s *Service) Locations() []Location {
	return append([]Location(nil), s.cfg.Locations...)
}

// Get returns one attempt.
func (s *Service) Get(ctx context.Context, id string) (*Attempt, error) {
	return s.store.Get(ctx, id)
}

// List returns every attempt, newest first.
func (s *Service) List(ctx context.Context) ([]*Attempt, error) {
	return s.store.ListAll(ctx)
}

// ReportPath returns the path of a completed attempt's report while its
// artifacts are still on disk.
func (s *Service) ReportPath(ctx context.Context, id string) (string, error) {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if a.Status != record.StatusComplete || a.ReportPath == "" || a.PurgedAt != nil {
		return "", fmt.Errorf("%w: attempt %s is %s", ErrReportUnavailable, id, a.Status)
	}
	if _, err := os.Stat(a.ReportPath); err != nil {
		return "", fmt.Errorf("%w: %v", ErrReportUnavailable, err)
	}
	return a.ReportPath, nil
}

// RebuildReport assembles the report of a completed attempt again from its
// stored evidence and attaches the new path.
func (s *Service) RebuildReport(ctx context.Context, id string) (string, error) {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if a.Status != record.StatusComplete || a.PurgedAt != nil {
		return "", fmt.Errorf("%w: attempt %s is %s", ErrReportUnavailable, id, a.Status)
	}
	path, err := s.assembler.Assemble(ctx, a)
	if err != nil {
		return "", err
	}
	if err := s.store.AttachReport(ctx, id, path); err != nil {
		return "", err
	}
	return path, nil
}

// Sweep applies the configured retention policy now and prunes metrics
// older than Retention.MetricsDays.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	n, err := s.lifecycle.Sweep(ctx, now, s.lifecycle.Policy())
	s.metrics.Record(&observability.Metric{
		Name: observability.MetricArtifactsReclaimed, Timestamp: now, Value: float64(n), Unit: "count",
	})
	if _, merr := s.metrics.Cleanup(ctx, now, s.cfg.Retention.MetricsDays); merr != nil {
		s.logger.Warn("evidence: prune metrics", "error", merr)
	}
	return n, err
}

// Usage reports attempt counts and disk usage.
func (s *Service) Usage(ctx context.Context) (*Usage, error) {
	return s.lifecycle.Usage(ctx)
}
