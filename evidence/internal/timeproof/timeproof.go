// Package timeproof binds capture evidence to independent time sources: the
// local UTC clock, the target site's HTTPS Date header, and an RFC 3161 token
// from the first timestamp authority (in fixed priority order) that answers
// with a verifiable response.
//
// Acquire never fails. Every missing proof is recorded as a reason in the
// bundle so the report can state it explicitly.
package timeproof

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hazyhaar/listingproof/evidence/internal/record"
)

// Config configures the time-proof service.
type Config struct {
	// Authorities in priority order. Never reordered at runtime.
	Authorities []Authority

	// HTTPSDateTimeout bounds the Date header fetch. Default: 10s.
	HTTPSDateTimeout time.Duration

	// AuthorityTimeout bounds each authority request. Default: 15s.
	AuthorityTimeout time.Duration

	// HTTPClient is used for the Date header fetch. Default: a client with
	// redirects disabled so the Date comes from the named host.
	HTTPClient *http.Client

	// Clock returns the wall clock. Default: time.Now.
	Clock func() time.Time

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.HTTPSDateTimeout <= 0 {
		c.HTTPSDateTimeout = 10 * time.Second
	}
	if c.AuthorityTimeout <= 0 {
		c.AuthorityTimeout = 15 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Service acquires time-proof bundles.
type Service struct {
	cfg Config
}

// New creates a Service.
func New(cfg Config) *Service {
	cfg.defaults()
	return &Service{cfg: cfg}
}

// Authorities returns the configured authority names in priority order.
func (s *Service) Authorities() []string {
	names := make([]string, len(s.cfg.Authorities))
	for i, a := range s.cfg.Authorities {
		names[i] = a.Name()
	}
	return names
}

// Acquire builds the bundle for one attempt. host is the target site's
// domain (optionally with port) used for the HTTPS Date proof; digest is the
// combined evidence digest submitted to the authorities. An empty host or
// digest skips the corresponding proof.
func (s *Service) Acquire(ctx context.Context, host string, digest []byte) *record.TimeProof {
	log := s.cfg.Logger
	tp := &record.TimeProof{UTCWallClock: s.cfg.Clock().UTC()}

	if host != "" {
		d, err := s.fetchHTTPSDate(ctx, host)
		if err != nil {
			tp.HTTPSDateError = err.Error()
			log.Warn("timeproof: https date unavailable", "host", host, "error", err)
		} else {
			tp.HTTPSDate = d
		}
	} else {
		tp.HTTPSDateError = "no host configured"
	}

	if len(digest) == 0 {
		log.Warn("timeproof: no evidence digest, skipping rfc3161")
		return tp
	}

	for _, auth := range s.cfg.Authorities {
		if ctx.Err() != nil {
			tp.Attempts = append(tp.Attempts, record.AuthorityAttempt{
				Authority: auth.Name(),
				Error:     "skipped: " + ctx.Err().Error(),
			})
			continue
		}

		start := s.cfg.Clock()
		actx, cancel := context.WithTimeout(ctx, s.cfg.AuthorityTimeout)
		tok, err := auth.Stamp(actx, digest)
		cancel()
		elapsed := s.cfg.Clock().Sub(start)

		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				err = &TimeoutError{Authority: auth.Name(), After: s.cfg.AuthorityTimeout}
			}
			tp.Attempts = append(tp.Attempts, record.AuthorityAttempt{
				Authority: auth.Name(),
				Error:     err.Error(),
				Duration:  elapsed,
			})
			log.Warn("timeproof: authority failed, trying next",
				"authority", auth.Name(), "error", err, "elapsed", elapsed)
			continue
		}

		tp.Attempts = append(tp.Attempts, record.AuthorityAttempt{
			Authority: auth.Name(),
			Duration:  elapsed,
		})
		tp.RFC3161 = tok
		log.Info("timeproof: token acquired",
			"authority", tok.Authority, "token_time", tok.TokenTime, "elapsed", elapsed)
		return tp
	}

	log.Warn("timeproof: all authorities failed, bundle degraded",
		"authorities", len(s.cfg.Authorities))
	return tp
}
