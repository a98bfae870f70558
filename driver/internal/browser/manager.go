// CLAUDE:SUMMARY Chrome lifecycle for the CDP driver: lazy launch or remote connect, age/heap based recycling, busy-aware.
// Package browser manages the Chrome process behind the CDP driver: launch
// (or connect to a remote instance) on first use, monitor JS heap, recycle on
// threshold or interval when no capture is running.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
)

// Config configures the browser manager.
type Config struct {
	// RemoteURL is the WebSocket URL of an external Chrome instance.
	// Empty = launch a local Chrome via launcher.
	RemoteURL string

	// Bin overrides the Chrome binary. Empty = launcher lookup.
	Bin string

	// MemoryLimit in bytes. Recycle Chrome when exceeded. Default: 1GB.
	MemoryLimit int64

	// RecycleInterval is the maximum lifetime of a Chrome process. Default: 4h.
	RecycleInterval time.Duration

	// CheckInterval is how often heap and age are checked. Default: 30s.
	CheckInterval time.Duration

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.MemoryLimit <= 0 {
		c.MemoryLimit = 1 << 30 // 1GB
	}
	if c.RecycleInterval <= 0 {
		c.RecycleInterval = 4 * time.Hour
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

var lookPath = sync.OnceValues(launcher.LookPath)

// LocalChrome reports whether a Chrome binary can be found. The lookup runs
// once per process.
func LocalChrome() bool {
	_, ok := lookPath()
	return ok
}

// Manager owns one Chrome process shared by all CDP drivers of a process.
type Manager struct {
	cfg     Config
	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	startAt time.Time
	busy    int
	closed  bool
	stop    context.CancelFunc
}

// NewManager creates a Manager. Chrome is started by the first Acquire.
func NewManager(cfg Config) *Manager {
	cfg.defaults()
	return &Manager{cfg: cfg}
}

// Acquire returns the browser, launching it if needed, and marks it busy.
// Every successful Acquire must be paired with Release.
func (m *Manager) Acquire(ctx context.Context) (*rod.Browser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("browser: manager is closed")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.browser == nil {
		b, err := m.launch()
		if err != nil {
			return nil, err
		}
		m.browser = b
		m.startAt = time.Now()
		if m.stop == nil {
			mctx, cancel := context.WithCancel(context.Background())
			m.stop = cancel
			go m.monitorLoop(mctx)
		}
	}
	m.busy++
	return m.browser, nil
}

// Release marks one capture as finished.
func (m *Manager) Release() {
	m.mu.Lock()
	if m.busy > 0 {
		m.busy--
	}
	m.mu.Unlock()
}

// Running reports whether a Chrome process is attached.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.browser != nil
}

// Recycle kills Chrome. The next Acquire starts a fresh one.
func (m *Manager) Recycle() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("browser: manager is closed")
	}
	m.cfg.Logger.Info("browser: recycling", "uptime", time.Since(m.startAt))
	return m.cleanup()
}

// Close shuts down Chrome and the monitor.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if m.stop != nil {
		m.stop()
	}
	return m.cleanup()
}

func (m *Manager) launch() (*rod.Browser, error) {
	log := m.cfg.Logger

	var wsURL string
	if m.cfg.RemoteURL != "" {
		wsURL = m.cfg.RemoteURL
		log.Info("browser: connecting to remote", "url", wsURL)
	} else {
		l := launcher.New().Headless(true)
		if m.cfg.Bin != "" {
			l = l.Bin(m.cfg.Bin)
		} else if bin, ok := lookPath(); ok {
			l = l.Bin(bin)
		}
		l = l.Set("disable-blink-features", "AutomationControlled").
			Set("hide-scrollbars")

		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		m.lnch = l
		log.Info("browser: launched local chrome", "url", wsURL)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		if m.lnch != nil {
			m.lnch.Cleanup()
			m.lnch = nil
		}
		return nil, fmt.Errorf("browser: connect: %w", err)
	}
	if err := b.IgnoreCertErrors(true); err != nil {
		log.Warn("browser: ignore cert errors failed", "error", err)
	}
	return b, nil
}

func (m *Manager) cleanup() error {
	var err error
	if m.browser != nil {
		err = m.browser.Close()
		m.browser = nil
	}
	if m.lnch != nil {
		m.lnch.Cleanup()
		m.lnch = nil
	}
	return err
}

func (m *Manager) monitorLoop(ctx context.Context) {
	log := m.cfg.Logger
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			b, startAt, busy := m.browser, m.startAt, m.busy
			m.mu.Unlock()
			if b == nil || busy > 0 {
				continue
			}

			if time.Since(startAt) > m.cfg.RecycleInterval {
				log.Info("browser: recycle interval reached")
				m.recycleIdle(b)
				continue
			}

			heap, err := jsHeapUsage(b)
			if err != nil {
				log.Debug("browser: heap check failed", "error", err)
				continue
			}
			if heap > m.cfg.MemoryLimit {
				log.Info("browser: memory limit exceeded", "used", heap, "limit", m.cfg.MemoryLimit)
				m.recycleIdle(b)
			}
		}
	}
}

// recycleIdle recycles only if b is still the current browser and nothing
// acquired it since the check.
func (m *Manager) recycleIdle(b *rod.Browser) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.browser != b || m.busy > 0 {
		return
	}
	m.cfg.Logger.Info("browser: recycling", "uptime", time.Since(m.startAt))
	if err := m.cleanup(); err != nil {
		m.cfg.Logger.Warn("browser: cleanup during recycle", "error", err)
	}
}

// jsHeapUsage queries the JS heap of the first open page as a proxy for the
// whole browser.
func jsHeapUsage(b *rod.Browser) (int64, error) {
	pages, err := b.Pages()
	if err != nil || len(pages) == 0 {
		return 0, fmt.Errorf("no pages for heap check")
	}
	res, err := pages[0].Eval(`() => performance.memory ? performance.memory.usedJSHeapSize : 0`)
	if err != nil {
		return 0, err
	}
	return int64(res.Value.Int()), nil
}
