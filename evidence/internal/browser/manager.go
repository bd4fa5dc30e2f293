// Package browser drives headless Chrome to reveal and screenshot the price
// and payment tooltips of a listing page.
//
// One Chrome process is shared through a Manager. Every capture runs in its
// own incognito browser context, so cookies, storage and permissions never
// leak between attempts.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
)

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("browser: manager is closed")

// ManagerConfig configures the Chrome process.
type ManagerConfig struct {
	// RemoteURL is the DevTools WebSocket URL of an external Chrome.
	// Empty launches a local Chrome via the rod launcher.
	RemoteURL string

	// Bin is the Chrome binary. Empty lets the launcher find or download one.
	Bin string

	// Headful runs Chrome with a visible window. Default: headless.
	Headful bool

	// RecycleInterval is the maximum lifetime of a Chrome process. Default: 4h.
	RecycleInterval time.Duration

	Logger *slog.Logger
}

func (c *ManagerConfig) defaults() {
	if c.RecycleInterval <= 0 {
		c.RecycleInterval = 4 * time.Hour
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager owns the Chrome process. Captures hold a read lock for their
// whole session; recycling takes the write lock, so it waits for in-flight
// captures to finish.
type Manager struct {
	cfg     ManagerConfig
	mu      sync.RWMutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	startAt time.Time
	closed  bool
	tick    time.Duration
}

// NewManager creates a Manager. Chrome is launched lazily on first Acquire.
func NewManager(cfg ManagerConfig) *Manager {
	cfg.defaults()
	return &Manager{cfg: cfg, tick: 30 * time.Second}
}

// Start runs the recycle monitor until ctx ends. Chrome itself is still
// launched by the first Acquire.
func (m *Manager) Start(ctx context.Context) {
	go m.monitorLoop(ctx)
}

// Acquire returns the live browser and a release func that must be called
// when the session ends. The browser is not recycled before release.
func (m *Manager) Acquire(ctx context.Context) (*rod.Browser, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if err := m.ensure(); err != nil {
		return nil, nil, err
	}
	m.mu.RLock()
	if m.closed || m.browser == nil {
		m.mu.RUnlock()
		return nil, nil, ErrClosed
	}
	return m.browser, m.mu.RUnlock, nil
}

// Discard drops b if it is still the current browser, so the next Acquire
// launches a fresh one. Used after a session crash.
func (m *Manager) Discard(b *rod.Browser) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.browser != b || b == nil {
		return
	}
	m.cfg.Logger.Warn("browser: discarding crashed chrome", "uptime", time.Since(m.startAt))
	m.cleanup()
}

// Recycle kills Chrome and starts a new one once in-flight captures end.
func (m *Manager) Recycle() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.cfg.Logger.Info("browser: recycling", "uptime", time.Since(m.startAt))
	m.cleanup()
	if err := m.launchLocked(); err != nil {
		return fmt.Errorf("browser: relaunch: %w", err)
	}
	m.cfg.Logger.Info("browser: recycled")
	return nil
}

// Close shuts Chrome down. Later Acquire calls fail with ErrClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cleanup()
	return nil
}

func (m *Manager) ensure() error {
	m.mu.RLock()
	ready := m.browser != nil
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if ready {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.browser != nil {
		return nil
	}
	return m.launchLocked()
}

func (m *Manager) launchLocked() error {
	log := m.cfg.Logger

	wsURL := m.cfg.RemoteURL
	if wsURL != "" {
		log.Info("browser: connecting to remote", "url", wsURL)
	} else {
		l := launcher.New().Headless(!m.cfg.Headful).
			Set("disable-blink-features", "AutomationControlled")
		if m.cfg.Bin != "" {
			l = l.Bin(m.cfg.Bin)
		}
		u, err := l.Launch()
		if err != nil {
			return fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		m.lnch = l
		log.Info("browser: launched local chrome", "url", wsURL, "headful", m.cfg.Headful)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		if m.lnch != nil {
			m.lnch.Cleanup()
			m.lnch = nil
		}
		return fmt.Errorf("browser: connect: %w", err)
	}
	m.browser = b
	m.startAt = time.Now()
	return nil
}

func (m *Manager) cleanup() {
	if m.browser != nil {
		m.browser.Close()
		m.browser = nil
	}
	if m.lnch != nil {
		m.lnch.Cleanup()
		m.lnch = nil
	}
}

func (m *Manager) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.isClosed() {
				return
			}
			if !m.recycleDue(time.Now()) {
				continue
			}
			if err := m.Recycle(); err != nil {
				m.cfg.Logger.Error("browser: recycle failed", "error", err)
			}
		}
	}
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// recycleDue reports whether a live Chrome has outlived RecycleInterval.
func (m *Manager) recycleDue(now time.Time) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed || m.browser == nil {
		return false
	}
	return now.Sub(m.startAt) >= m.cfg.RecycleInterval
}
