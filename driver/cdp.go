package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/thumbcache/driver/internal/browser"
	"github.com/hazyhaar/thumbcache/screenshot"
)

// CDPDriver captures through Chrome DevTools. Each Capture opens and closes
// its own tab on the shared browser.
type CDPDriver struct {
	mgr    *browser.Manager
	window screenshot.Size
	cfg    Config
	logger *slog.Logger
}

func newCDPDriver(mgr *browser.Manager, window screenshot.Size, cfg Config, logger *slog.Logger) *CDPDriver {
	return &CDPDriver{mgr: mgr, window: window, cfg: cfg, logger: logger}
}

// Capture navigates to url in a window-sized viewport, waits for selector
// and for spinners inside the page to clear, then screenshots the element.
func (d *CDPDriver) Capture(ctx context.Context, url, selector string) ([]byte, error) {
	b, err := d.mgr.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNextGenUnavailable, err)
	}
	defer d.mgr.Release()

	page, err := d.openTab(b)
	if err != nil {
		return nil, err
	}
	defer page.Close()

	d.logger.Debug("driver: cdp capture", "url", url, "selector", selector,
		"window", d.window, "user", screenshot.UserFromContext(ctx))

	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             d.window.Width,
		Height:            d.window.Height,
		DeviceScaleFactor: 1,
	}); err != nil {
		return nil, fmt.Errorf("driver: set viewport: %w", err)
	}

	loadPage := page.Context(ctx).Timeout(d.cfg.LoadWait)
	defer loadPage.CancelTimeout()
	if err := loadPage.Navigate(url); err != nil {
		return nil, fmt.Errorf("driver: navigate %s: %w", url, err)
	}
	if err := loadPage.WaitLoad(); err != nil {
		d.logger.Warn("driver: wait load timeout", "url", url, "error", err)
	}

	locatePage := page.Context(ctx).Timeout(d.cfg.LocateWait)
	defer locatePage.CancelTimeout()
	el, err := locatePage.Element(selector)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrElementNotFound, selector)
		}
		return nil, fmt.Errorf("driver: locate %s: %w", selector, err)
	}

	js := fmt.Sprintf(`() => document.querySelectorAll(%q).length === 0`, loadingSelector)
	waitPage := page.Context(ctx).Timeout(d.cfg.LoadWait)
	defer waitPage.CancelTimeout()
	if err := waitPage.Wait(rod.Eval(js)); err != nil {
		return nil, fmt.Errorf("driver: waiting for %s to clear: %w", loadingSelector, err)
	}

	el = el.Context(ctx).Timeout(d.cfg.LoadWait)
	defer el.CancelTimeout()
	if err := el.WaitStable(d.cfg.AnimationWait); err != nil {
		d.logger.Debug("driver: element never settled", "url", url, "error", err)
	}

	png, err := el.Screenshot(proto.PageCaptureScreenshotFormatPng, 0)
	if err != nil {
		return nil, fmt.Errorf("driver: screenshot: %w", err)
	}
	return png, nil
}

func (d *CDPDriver) openTab(b *rod.Browser) (*rod.Page, error) {
	var page *rod.Page
	var err error
	if d.cfg.Browser.Stealth {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, fmt.Errorf("driver: create tab: %w", err)
	}
	return page, nil
}

// Close is a no-op: tabs close after each capture and the browser belongs to
// the Selector.
func (d *CDPDriver) Close() error { return nil }
