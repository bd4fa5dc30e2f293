// Package lifecycle reclaims the disk space of finished capture attempts.
//
// Reclaiming removes an attempt's directory (screenshots, page snapshot,
// report) and stamps the ledger row as purged. Rows and their digests are
// never deleted. The manager also fails attempts that were left in a
// non-terminal state by a crashed process.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hazyhaar/listingproof/evidence/internal/record"
	"github.com/hazyhaar/listingproof/evidence/internal/store"
	"github.com/hazyhaar/listingproof/horosafe"
)

// Mode selects the retention behaviour.
type Mode string

const (
	// ModePersistent keeps artifacts for Policy.RetentionDays.
	ModePersistent Mode = "persistent"
	// ModeEphemeral reclaims artifacts shortly after the attempt ends.
	ModeEphemeral Mode = "ephemeral"
)

// Policy is the retention rule applied by Sweep.
type Policy struct {
	RetentionDays int  `yaml:"retention_days" json:"retention_days"`
	Mode          Mode `yaml:"mode" json:"mode"`
}

// Ledger is the subset of the record store the manager needs.
type Ledger interface {
	ListReclaimable(ctx context.Context, cutoff time.Time) ([]*record.Attempt, error)
	ListStale(ctx context.Context, cutoff time.Time) ([]*record.Attempt, error)
	MarkPurged(ctx context.Context, id string, at time.Time) error
	Fail(ctx context.Context, id, stage, reason string, diags []record.Diagnostic) error
	Stats(ctx context.Context) (*store.Stats, error)
}

// Config configures the Manager.
type Config struct {
	// Root is the captures directory; attempt directories live directly under it.
	Root string

	Policy Policy

	// EphemeralGrace is how long ephemeral artifacts survive. Default: 1h.
	EphemeralGrace time.Duration

	// StaleAfter is the age at which a non-terminal attempt is abandoned. Default: 1h.
	StaleAfter time.Duration

	// Interval between Run cycles. Default: 1h.
	Interval time.Duration

	Clock  func() time.Time
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Policy.Mode == "" {
		c.Policy.Mode = ModePersistent
	}
	if c.EphemeralGrace <= 0 {
		c.EphemeralGrace = time.Hour
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = time.Hour
	}
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager applies the retention policy.
type Manager struct {
	ledger Ledger
	cfg    Config
}

// New creates a Manager.
func New(ledger Ledger, cfg Config) *Manager {
	cfg.defaults()
	return &Manager{ledger: ledger, cfg: cfg}
}

// Policy returns the configured policy.
func (m *Manager) Policy() Policy {
	return m.cfg.Policy
}

// cutoff returns the start time before which terminal attempts are
// reclaimable, or false when the policy reclaims nothing.
func (m *Manager) cutoff(now time.Time, p Policy) (time.Time, bool) {
	switch p.Mode {
	case ModeEphemeral:
		return now.Add(-m.cfg.EphemeralGrace), true
	default:
		if p.RetentionDays <= 0 {
			return time.Time{}, false
		}
		return now.Add(-time.Duration(p.RetentionDays) * 24 * time.Hour), true
	}
}

// Sweep reclaims the artifacts of every terminal attempt older than the
// policy allows and returns how many were reclaimed. Attempts that cannot
// be reclaimed are skipped and reported in the joined error.
func (m *Manager) Sweep(ctx context.Context, now time.Time, p Policy) (int, error) {
	cutoff, ok := m.cutoff(now, p)
	if !ok {
		return 0, nil
	}
	candidates, err := m.ledger.ListReclaimable(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("lifecycle: list reclaimable: %w", err)
	}

	var errs []error
	n := 0
	for _, a := range candidates {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := m.reclaim(ctx, a, now); err != nil {
			m.cfg.Logger.Warn("lifecycle: reclaim failed", "attempt", a.ID, "error", err)
			errs = append(errs, err)
			continue
		}
		n++
	}
	if n > 0 {
		m.cfg.Logger.Info("lifecycle: swept", "reclaimed", n, "mode", p.Mode, "cutoff", cutoff)
	}
	return n, errors.Join(errs...)
}

func (m *Manager) reclaim(ctx context.Context, a *record.Attempt, now time.Time) error {
	if a.Dir != "" {
		dir, err := horosafe.SafePath(m.cfg.Root, a.ID)
		if err != nil {
			return fmt.Errorf("lifecycle: %s: %w", a.ID, err)
		}
		if filepath.Clean(a.Dir) != dir {
			return fmt.Errorf("lifecycle: %s: directory %s is not %s: %w", a.ID, a.Dir, dir, horosafe.ErrPathTraversal)
		}
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("lifecycle: remove %s: %w", dir, err)
		}
	}
	if err := m.ledger.MarkPurged(ctx, a.ID, now); err != nil {
		return fmt.Errorf("lifecycle: mark purged %s: %w", a.ID, err)
	}
	return nil
}

// ReapStale fails non-terminal attempts started more than maxAge before now.
// They are left behind when the process dies mid-capture.
func (m *Manager) ReapStale(ctx context.Context, now time.Time, maxAge time.Duration) (int, error) {
	stale, err := m.ledger.ListStale(ctx, now.Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("lifecycle: list stale: %w", err)
	}
	var errs []error
	n := 0
	for _, a := range stale {
		diags := append(a.Diagnostics, record.Diagnostic{
			At:       now.UTC(),
			Stage:    string(a.Status),
			Event:    "attempt abandoned",
			Expected: "terminal status",
			Observed: string(a.Status),
			Detail:   fmt.Sprintf("no progress since %s", a.UpdatedAt.UTC().Format(time.RFC3339)),
		})
		if err := m.ledger.Fail(ctx, a.ID, string(a.Status), record.ReasonAbandoned, diags); err != nil {
			errs = append(errs, fmt.Errorf("lifecycle: abandon %s: %w", a.ID, err))
			continue
		}
		n++
	}
	if n > 0 {
		m.cfg.Logger.Warn("lifecycle: abandoned stale attempts", "count", n)
	}
	return n, errors.Join(errs...)
}

// Usage is the storage status report.
type Usage struct {
	store.Stats
	Bytes  int64  `json:"bytes"`
	Files  int    `json:"files"`
	Root   string `json:"root"`
	Policy Policy `json:"policy"`
}

// Usage counts attempts by state and the bytes held under the root.
func (m *Manager) Usage(ctx context.Context) (*Usage, error) {
	st, err := m.ledger.Stats(ctx)
	if err != nil {
		return nil, err
	}
	u := &Usage{Stats: *st, Root: m.cfg.Root, Policy: m.cfg.Policy}
	err = filepath.WalkDir(m.cfg.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return nil
			}
			u.Bytes += info.Size()
			u.Files++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("lifecycle: walk %s: %w", m.cfg.Root, err)
	}
	return u, nil
}

// Run reaps stale attempts and sweeps with the configured policy every
// Interval. Blocks until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	m.cfg.Logger.Info("lifecycle: started", "interval", m.cfg.Interval, "mode", m.cfg.Policy.Mode,
		"retention_days", m.cfg.Policy.RetentionDays)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			m.cfg.Logger.Info("lifecycle: stopped")
			return
		case <-ticker.C:
			m.cycle(ctx)
		}
	}
}

func (m *Manager) cycle(ctx context.Context) {
	now := m.cfg.Clock()
	if _, err := m.ReapStale(ctx, now, m.cfg.StaleAfter); err != nil {
		m.cfg.Logger.Warn("lifecycle: reap", "error", err)
	}
	if _, err := m.Sweep(ctx, now, m.cfg.Policy); err != nil {
		m.cfg.Logger.Warn("lifecycle: sweep", "error", err)
	}
}
