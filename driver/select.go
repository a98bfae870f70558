package driver

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hazyhaar/thumbcache/driver/internal/browser"
	"github.com/hazyhaar/thumbcache/screenshot"
)

// InstallMessage explains how to enable the next-generation driver.
const InstallMessage = "To enable the CDP screenshot driver, install Chrome or Chromium " +
	"(or set browser.remote_url to a running instance's DevTools URL). " +
	"The CDP driver renders WebGL/canvas charts that the WebDriver driver may capture blank."

// Choice is the outcome of driver selection.
type Choice int

const (
	ChoiceLegacy Choice = iota
	ChoiceNextGen
	// ChoiceFallback is the legacy driver chosen because the next-gen one was
	// requested but is unavailable.
	ChoiceFallback
)

func (c Choice) String() string {
	switch c {
	case ChoiceNextGen:
		return "next-gen"
	case ChoiceFallback:
		return "fallback"
	}
	return "legacy"
}

// Choose applies the selection rules.
func Choose(flag, available bool) Choice {
	switch {
	case !flag:
		return ChoiceLegacy
	case available:
		return ChoiceNextGen
	}
	return ChoiceFallback
}

// fallbackLogged is process-wide: the fallback is explained once per process
// no matter how many Selectors exist.
var fallbackLogged atomic.Bool

// Selector builds Drivers sized to a window. It owns the Chrome instance
// shared by CDP drivers.
type Selector struct {
	cfg    Config
	logger *slog.Logger

	// localChrome is the process-wide Chrome lookup; replaced in tests.
	localChrome func() bool

	mu  sync.Mutex
	mgr *browser.Manager
}

// NewSelector returns a Selector for cfg.
func NewSelector(cfg Config, logger *slog.Logger) *Selector {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{cfg: cfg, logger: logger, localChrome: browser.LocalChrome}
}

// Available reports whether the next-gen driver can run.
func (s *Selector) Available() bool {
	return s.cfg.Browser.RemoteURL != "" || s.localChrome()
}

// Choice returns what New would build.
func (s *Selector) Choice() Choice {
	return Choose(s.cfg.NextGen, s.Available())
}

// New returns a Driver sized to window.
func (s *Selector) New(_ context.Context, window screenshot.Size) (Driver, error) {
	switch s.Choice() {
	case ChoiceNextGen:
		return newCDPDriver(s.manager(), window, s.cfg, s.logger), nil
	case ChoiceFallback:
		if fallbackLogged.CompareAndSwap(false, true) {
			s.logger.Info("driver: next-gen driver not available, falling back to WebDriver; " +
				"WebGL/canvas charts may not render correctly. " + InstallMessage)
		}
	}
	return NewWebDriver(s.cfg, window, s.logger), nil
}

// Factory adapts New to screenshot.DriverFactory.
func (s *Selector) Factory() screenshot.DriverFactory {
	return func(ctx context.Context, window screenshot.Size) (screenshot.Driver, error) {
		return s.New(ctx, window)
	}
}

func (s *Selector) manager() *browser.Manager {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mgr == nil {
		s.mgr = browser.NewManager(browser.Config{
			RemoteURL:       s.cfg.Browser.RemoteURL,
			Bin:             s.cfg.Browser.Bin,
			MemoryLimit:     s.cfg.Browser.MemoryLimit,
			RecycleInterval: s.cfg.Browser.RecycleInterval,
			Logger:          s.logger,
		})
	}
	return s.mgr
}

// Close shuts down the shared browser, if one was started.
func (s *Selector) Close() error {
	s.mu.Lock()
	mgr := s.mgr
	s.mgr = nil
	s.mu.Unlock()
	if mgr == nil {
		return nil
	}
	return mgr.Close()
}
