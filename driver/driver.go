// CLAUDE:SUMMARY Headless browser drivers (CDP via go-rod, W3C WebDriver via resty) and the Selector that picks one.
// Package driver renders a URL in a headless browser and returns PNG bytes of
// one DOM element.
//
// Two implementations exist:
//
//   - CDPDriver talks to Chrome over the DevTools protocol (go-rod). It is the
//     next-generation driver: WebGL and canvas charts render correctly.
//   - WebDriver talks to a Selenium/chromedriver/geckodriver endpoint over the
//     W3C WebDriver HTTP protocol (resty). It is the legacy driver.
//
// Selector chooses between them from a feature flag and whether Chrome can be
// found (or a remote DevTools URL is configured).
package driver

import (
	"context"
	"errors"
	"time"

	"github.com/hazyhaar/thumbcache/screenshot"
)

var (
	// ErrElementNotFound is returned when the selector does not appear within
	// LocateWait.
	ErrElementNotFound = errors.New("driver: element not found")

	// ErrNextGenUnavailable is returned when a CDP driver is requested but no
	// Chrome binary or remote URL is available.
	ErrNextGenUnavailable = errors.New("driver: next-gen driver unavailable")
)

// Driver captures one element of a page. A Driver is sized at construction
// and may be reused for several captures until Close.
type Driver interface {
	Capture(ctx context.Context, url, selector string) ([]byte, error)
	Close() error
}

var _ screenshot.Driver = Driver(nil)

// Config configures both drivers and the Selector.
type Config struct {
	// NextGen turns on the CDP driver when it is available.
	NextGen bool `yaml:"next_gen_driver"`

	// LocateWait bounds the wait for the target element. Default: 10s.
	LocateWait time.Duration `yaml:"locate_wait"`

	// LoadWait bounds the wait for page load and for in-element spinners
	// (.loading) to disappear. Default: 60s.
	LoadWait time.Duration `yaml:"load_wait"`

	// AnimationWait is how long the element must stay visually stable before
	// the shot is taken (CDP only). Default: 500ms.
	AnimationWait time.Duration `yaml:"animation_wait"`

	WebDriver WebDriverConfig `yaml:"webdriver"`
	Browser   BrowserConfig   `yaml:"browser"`
}

// WebDriverConfig configures the legacy driver.
type WebDriverConfig struct {
	// URL of the WebDriver endpoint. Default: http://localhost:4444.
	URL string `yaml:"url"`

	// Type is chrome | firefox. Default: chrome.
	Type string `yaml:"type"`

	// OptionArgs are passed as browser command-line arguments.
	OptionArgs []string `yaml:"option_args"`

	// Configuration holds extra capabilities. Keys containing "timeout"
	// configure the HTTP client instead (see NormalizeTimeouts).
	Configuration map[string]any `yaml:"configuration"`
}

// BrowserConfig configures the Chrome instance behind the CDP driver.
type BrowserConfig struct {
	// RemoteURL is the DevTools WebSocket URL of an external Chrome.
	// Empty = launch a local one.
	RemoteURL string `yaml:"remote_url"`

	// Bin overrides the Chrome binary path.
	Bin string `yaml:"bin"`

	// Stealth creates pages through go-rod/stealth.
	Stealth bool `yaml:"stealth"`

	// MemoryLimit in bytes of JS heap before Chrome is recycled. Default: 1GB.
	MemoryLimit int64 `yaml:"memory_limit"`

	// RecycleInterval is the maximum lifetime of a Chrome process. Default: 4h.
	RecycleInterval time.Duration `yaml:"recycle_interval"`
}

// ApplyDefaults fills zero fields.
func (c *Config) ApplyDefaults() {
	if c.LocateWait <= 0 {
		c.LocateWait = 10 * time.Second
	}
	if c.LoadWait <= 0 {
		c.LoadWait = 60 * time.Second
	}
	if c.AnimationWait <= 0 {
		c.AnimationWait = 500 * time.Millisecond
	}
	if c.WebDriver.URL == "" {
		c.WebDriver.URL = "http://localhost:4444"
	}
	if c.WebDriver.Type == "" {
		c.WebDriver.Type = "chrome"
	}
}

// loadingSelector matches the spinners charts show while their query runs.
const loadingSelector = ".loading"
