package driver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/hazyhaar/thumbcache/screenshot"
)

// w3cElementKey is the JSON key of a web element reference.
const w3cElementKey = "element-6066-11e4-a52e-4f735466cecf"

// defaultHTTPTimeout bounds one WebDriver command when the configuration
// sets no timeout.
const defaultHTTPTimeout = 60 * time.Second

// WebDriver captures through a W3C WebDriver endpoint. Each Capture runs in
// its own session.
type WebDriver struct {
	client       *resty.Client
	window       screenshot.Size
	cfg          Config
	capabilities map[string]any
	logger       *slog.Logger
	pollEvery    time.Duration
}

// NewWebDriver builds a legacy driver sized to window.
func NewWebDriver(cfg Config, window screenshot.Size, logger *slog.Logger) *WebDriver {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	extra := NormalizeTimeouts(cfg.WebDriver.Configuration, logger)

	// The longest configured timeout bounds each HTTP command.
	var timeout time.Duration
	caps := map[string]any{"browserName": cfg.WebDriver.Type}
	for k, v := range extra {
		if isTimeoutKey(k) {
			if f, ok := v.(float64); ok && f > 0 {
				timeout = max(timeout, time.Duration(f*float64(time.Second)))
			}
			continue
		}
		caps[k] = v
	}
	if timeout == 0 {
		timeout = defaultHTTPTimeout
	}
	args := append([]string{"--headless"}, cfg.WebDriver.OptionArgs...)
	switch cfg.WebDriver.Type {
	case "firefox":
		caps["moz:firefoxOptions"] = map[string]any{"args": args}
	default:
		caps["goog:chromeOptions"] = map[string]any{"args": args}
	}

	client := resty.New().
		SetBaseURL(cfg.WebDriver.URL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")

	return &WebDriver{
		client:       client,
		window:       window,
		cfg:          cfg,
		capabilities: caps,
		logger:       logger,
		pollEvery:    250 * time.Millisecond,
	}
}

// w3cResponse is the envelope every WebDriver response uses.
type w3cResponse struct {
	Value json.RawMessage `json:"value"`
}

// w3cError is the value of a failed command.
type w3cError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (e *w3cError) String() string {
	if e.Message == "" {
		return e.Error
	}
	return e.Error + ": " + e.Message
}

// command sends one WebDriver command and decodes its value into out.
// It returns the W3C error code on protocol failures.
func (d *WebDriver) command(ctx context.Context, method, path string, body, out any) (string, error) {
	var res w3cResponse
	req := d.client.R().SetContext(ctx).SetResult(&res).SetError(&res)
	if body != nil {
		req.SetBody(body)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return "", fmt.Errorf("driver: %s %s: %w", method, path, err)
	}
	if resp.IsError() {
		var we w3cError
		if len(res.Value) > 0 && json.Unmarshal(res.Value, &we) == nil && we.Error != "" {
			return we.Error, fmt.Errorf("driver: %s %s: %s", method, path, we.String())
		}
		return "", fmt.Errorf("driver: %s %s: HTTP %d", method, path, resp.StatusCode())
	}
	if out != nil && len(res.Value) > 0 {
		if err := json.Unmarshal(res.Value, out); err != nil {
			return "", fmt.Errorf("driver: decode %s %s: %w", method, path, err)
		}
	}
	return "", nil
}

// Capture opens a session, loads url, waits for selector, waits for spinners
// to clear and returns the element screenshot.
func (d *WebDriver) Capture(ctx context.Context, url, selector string) ([]byte, error) {
	d.logger.Debug("driver: webdriver capture", "url", url, "selector", selector,
		"window", d.window, "user", screenshot.UserFromContext(ctx))

	id, err := d.newSession(ctx)
	if err != nil {
		return nil, err
	}
	defer d.deleteSession(id)
	base := "/session/" + id

	if _, err := d.command(ctx, http.MethodPost, base+"/window/rect",
		map[string]int{"width": d.window.Width, "height": d.window.Height}, nil); err != nil {
		d.logger.Warn("driver: set window size", "error", err)
	}

	if _, err := d.command(ctx, http.MethodPost, base+"/url", map[string]string{"url": url}, nil); err != nil {
		return nil, err
	}

	elem, err := d.locate(ctx, base, selector)
	if err != nil {
		return nil, err
	}
	if err := d.waitLoaded(ctx, base, elem); err != nil {
		return nil, err
	}

	var encoded string
	if _, err := d.command(ctx, http.MethodGet, base+"/element/"+elem+"/screenshot", nil, &encoded); err != nil {
		return nil, err
	}
	png, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("driver: decode screenshot: %w", err)
	}
	return png, nil
}

func (d *WebDriver) newSession(ctx context.Context) (string, error) {
	body := map[string]any{
		"capabilities": map[string]any{"alwaysMatch": d.capabilities},
	}
	var out struct {
		SessionID string `json:"sessionId"`
	}
	if _, err := d.command(ctx, http.MethodPost, "/session", body, &out); err != nil {
		return "", err
	}
	if out.SessionID == "" {
		return "", errors.New("driver: new session: empty session id")
	}
	return out.SessionID, nil
}

// deleteSession runs even when the capture context is done.
func (d *WebDriver) deleteSession(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := d.command(ctx, http.MethodDelete, "/session/"+id, nil, nil); err != nil {
		d.logger.Warn("driver: delete session", "session", id, "error", err)
	}
}

type elementRef map[string]string

// locate polls for selector until LocateWait elapses.
func (d *WebDriver) locate(ctx context.Context, base, selector string) (string, error) {
	deadline := time.Now().Add(d.cfg.LocateWait)
	find := map[string]string{"using": "css selector", "value": selector}
	for {
		var ref elementRef
		code, err := d.command(ctx, http.MethodPost, base+"/element", find, &ref)
		if err == nil {
			if id := ref[w3cElementKey]; id != "" {
				return id, nil
			}
		} else if code != "no such element" {
			return "", err
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("%w: %s", ErrElementNotFound, selector)
		}
		if err := d.sleep(ctx); err != nil {
			return "", err
		}
	}
}

// waitLoaded polls until no spinner is left inside the element.
func (d *WebDriver) waitLoaded(ctx context.Context, base, elem string) error {
	deadline := time.Now().Add(d.cfg.LoadWait)
	find := map[string]string{"using": "css selector", "value": loadingSelector}
	for {
		var refs []elementRef
		if _, err := d.command(ctx, http.MethodPost, base+"/element/"+elem+"/elements", find, &refs); err != nil {
			return err
		}
		if len(refs) == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("driver: timed out waiting for %s to clear", loadingSelector)
		}
		if err := d.sleep(ctx); err != nil {
			return err
		}
	}
}

func (d *WebDriver) sleep(ctx context.Context) error {
	t := time.NewTimer(d.pollEvery)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Status asks the endpoint whether it can create new sessions.
func (d *WebDriver) Status(ctx context.Context) (ready bool, message string, err error) {
	var st struct {
		Ready   bool   `json:"ready"`
		Message string `json:"message"`
	}
	if _, err := d.command(ctx, http.MethodGet, "/status", nil, &st); err != nil {
		return false, "", err
	}
	return st.Ready, st.Message, nil
}

// Close is a no-op: sessions end with each capture.
func (d *WebDriver) Close() error { return nil }
