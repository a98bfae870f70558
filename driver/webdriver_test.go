package driver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/thumbcache/screenshot"
)

// fakeW3C is a minimal WebDriver endpoint: one session at a time, an element
// that appears after appearAfter lookups and spinners that clear after
// loadingPolls polls.
type fakeW3C struct {
	t *testing.T

	png          []byte
	selector     string
	appearAfter  int32
	loadingPolls int32
	failSession  bool

	lookups  atomic.Int32
	polls    atomic.Int32
	deleted  atomic.Int32
	mu       sync.Mutex
	caps     map[string]any
	rect     map[string]int
	navigate string
}

func (f *fakeW3C) reply(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"value": value})
}

func (f *fakeW3C) fail(w http.ResponseWriter, status int, code string) {
	f.reply(w, status, map[string]string{"error": code, "message": code + " (fake)"})
}

func (f *fakeW3C) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /session", func(w http.ResponseWriter, r *http.Request) {
		if f.failSession {
			f.fail(w, http.StatusInternalServerError, "session not created")
			return
		}
		var body struct {
			Capabilities struct {
				AlwaysMatch map[string]any `json:"alwaysMatch"`
			} `json:"capabilities"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.caps = body.Capabilities.AlwaysMatch
		f.mu.Unlock()
		f.reply(w, http.StatusOK, map[string]any{"sessionId": "s1", "capabilities": map[string]any{}})
	})
	mux.HandleFunc("POST /session/s1/window/rect", func(w http.ResponseWriter, r *http.Request) {
		var rect map[string]int
		json.NewDecoder(r.Body).Decode(&rect)
		f.mu.Lock()
		f.rect = rect
		f.mu.Unlock()
		f.reply(w, http.StatusOK, rect)
	})
	mux.HandleFunc("POST /session/s1/url", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.navigate = body["url"]
		f.mu.Unlock()
		f.reply(w, http.StatusOK, nil)
	})
	mux.HandleFunc("POST /session/s1/element", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		n := f.lookups.Add(1)
		if body["value"] != f.selector || n <= f.appearAfter {
			f.fail(w, http.StatusNotFound, "no such element")
			return
		}
		f.reply(w, http.StatusOK, map[string]string{w3cElementKey: "e1"})
	})
	mux.HandleFunc("POST /session/s1/element/e1/elements", func(w http.ResponseWriter, r *http.Request) {
		if f.polls.Add(1) <= f.loadingPolls {
			f.reply(w, http.StatusOK, []map[string]string{{w3cElementKey: "spinner"}})
			return
		}
		f.reply(w, http.StatusOK, []map[string]string{})
	})
	mux.HandleFunc("GET /session/s1/element/e1/screenshot", func(w http.ResponseWriter, r *http.Request) {
		f.reply(w, http.StatusOK, base64.StdEncoding.EncodeToString(f.png))
	})
	mux.HandleFunc("DELETE /session/s1", func(w http.ResponseWriter, r *http.Request) {
		f.deleted.Add(1)
		f.reply(w, http.StatusOK, nil)
	})
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		f.reply(w, http.StatusOK, map[string]any{"ready": true, "message": "ready to go"})
	})
	return mux
}

func newFakeDriver(t *testing.T, f *fakeW3C, cfg Config) *WebDriver {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	cfg.WebDriver.URL = srv.URL
	if cfg.LocateWait == 0 {
		cfg.LocateWait = 2 * time.Second
	}
	if cfg.LoadWait == 0 {
		cfg.LoadWait = 2 * time.Second
	}
	d := NewWebDriver(cfg, screenshot.Size{Width: 800, Height: 600}, nil)
	d.pollEvery = 5 * time.Millisecond
	return d
}

func TestWebDriver_Capture(t *testing.T) {
	f := &fakeW3C{t: t, png: []byte("\x89PNG-bytes"), selector: ".chart-container", appearAfter: 2, loadingPolls: 3}
	d := newFakeDriver(t, f, Config{WebDriver: WebDriverConfig{OptionArgs: []string{"--no-sandbox"}}})

	got, err := d.Capture(context.Background(), "http://superset/explore/?slice_id=1", ".chart-container")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(f.png) {
		t.Fatalf("png = %q", got)
	}
	if f.navigate != "http://superset/explore/?slice_id=1" {
		t.Errorf("navigated to %q", f.navigate)
	}
	if f.rect["width"] != 800 || f.rect["height"] != 600 {
		t.Errorf("window rect = %v", f.rect)
	}
	if f.lookups.Load() != 3 {
		t.Errorf("element lookups = %d, want 3", f.lookups.Load())
	}
	if f.polls.Load() != 4 {
		t.Errorf("loading polls = %d, want 4", f.polls.Load())
	}
	if f.deleted.Load() != 1 {
		t.Errorf("session deleted %d times", f.deleted.Load())
	}
	opts, _ := f.caps["goog:chromeOptions"].(map[string]any)
	args, _ := opts["args"].([]any)
	if len(args) != 2 || args[1] != "--no-sandbox" {
		t.Errorf("chrome args = %v", args)
	}
}

func TestWebDriver_ElementNotFound(t *testing.T) {
	f := &fakeW3C{t: t, png: []byte("x"), selector: ".never"}
	d := newFakeDriver(t, f, Config{LocateWait: 30 * time.Millisecond})

	_, err := d.Capture(context.Background(), "http://x", ".chart-container")
	if !errors.Is(err, ErrElementNotFound) {
		t.Fatalf("err = %v, want ErrElementNotFound", err)
	}
	if f.deleted.Load() != 1 {
		t.Error("session must be deleted after a failed capture")
	}
}

func TestWebDriver_LoadingNeverClears(t *testing.T) {
	f := &fakeW3C{t: t, png: []byte("x"), selector: ".standalone", loadingPolls: 1 << 30}
	d := newFakeDriver(t, f, Config{LoadWait: 30 * time.Millisecond})

	if _, err := d.Capture(context.Background(), "http://x", ".standalone"); err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestWebDriver_SessionError(t *testing.T) {
	f := &fakeW3C{t: t, failSession: true}
	d := newFakeDriver(t, f, Config{})

	_, err := d.Capture(context.Background(), "http://x", ".chart-container")
	if err == nil {
		t.Fatal("expected error")
	}
	if f.deleted.Load() != 0 {
		t.Error("no session to delete")
	}
}

func TestWebDriver_ContextCancelled(t *testing.T) {
	f := &fakeW3C{t: t, png: []byte("x"), selector: ".never"}
	d := newFakeDriver(t, f, Config{LocateWait: time.Minute})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := d.Capture(ctx, "http://x", ".chart-container")
	if err == nil {
		t.Fatal("expected error")
	}
	if f.deleted.Load() != 1 {
		t.Error("session must be deleted even after cancellation")
	}
}

func TestWebDriver_Status(t *testing.T) {
	d := newFakeDriver(t, &fakeW3C{t: t}, Config{})
	ready, msg, err := d.Status(context.Background())
	if err != nil || !ready || msg != "ready to go" {
		t.Fatalf("Status = %v %q %v", ready, msg, err)
	}
}

func TestNewWebDriver_Capabilities(t *testing.T) {
	d := NewWebDriver(Config{WebDriver: WebDriverConfig{
		Type: "firefox",
		Configuration: map[string]any{
			"acceptInsecureCerts": true,
			"connect_timeout":     "5",
			"read_timeout":        "90",
		},
	}}, screenshot.Size{Width: 1, Height: 1}, nil)

	if d.capabilities["browserName"] != "firefox" {
		t.Errorf("browserName = %v", d.capabilities["browserName"])
	}
	if _, ok := d.capabilities["moz:firefoxOptions"]; !ok {
		t.Error("firefox options missing")
	}
	if d.capabilities["acceptInsecureCerts"] != true {
		t.Error("extra capability dropped")
	}
	if _, ok := d.capabilities["read_timeout"]; ok {
		t.Error("timeout keys must not leak into capabilities")
	}
	if got := d.client.GetClient().Timeout; got != 90*time.Second {
		t.Errorf("http timeout = %v, want 90s", got)
	}

	plain := NewWebDriver(Config{}, screenshot.Size{Width: 1, Height: 1}, nil)
	if got := plain.client.GetClient().Timeout; got != defaultHTTPTimeout {
		t.Errorf("default http timeout = %v", got)
	}
}
