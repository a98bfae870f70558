// CLAUDE:SUMMARY Pipeline and Job, the compute_and_cache protocol: decide, announce Computing, capture, resize, publish Updated or Error.
package screenshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// Pipeline holds what every Job shares: cache, driver factory, resizer,
// settings, clock and logger.
type Pipeline struct {
	cache    Cache
	drivers  DriverFactory
	resizer  Resizer
	cfg      Config
	now      func() time.Time
	logger   *slog.Logger
	recorder Recorder
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option { return func(p *Pipeline) { p.logger = l } }

// WithClock sets the clock used for timestamps and staleness (for testing).
func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.now = now } }

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option { return func(p *Pipeline) { p.recorder = r } }

// NewPipeline builds a Pipeline. cfg is copied and defaulted.
func NewPipeline(cache Cache, drivers DriverFactory, resizer Resizer, cfg Config, opts ...Option) *Pipeline {
	cfg.ApplyDefaults()
	p := &Pipeline{
		cache:   cache,
		drivers: drivers,
		resizer: resizer,
		cfg:     cfg,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Config returns the effective settings.
func (p *Pipeline) Config() Config { return p.cfg }

// Chart returns the Job for a chart screenshot.
func (p *Pipeline) Chart(url, digest string) *Job {
	return p.Job(ChartPreset, url, digest, nil)
}

// Dashboard returns the Job for a dashboard screenshot. state is the
// optional permalink state and may be nil.
func (p *Pipeline) Dashboard(url, digest string, state map[string]any) *Job {
	return p.Job(DashboardPreset, url, digest, state)
}

// Job returns a Job for an arbitrary preset.
func (p *Pipeline) Job(preset Preset, url, digest string, state map[string]any) *Job {
	return &Job{p: p, preset: preset, url: url, digest: digest, state: state}
}

// GetFromCacheKey loads the entry stored under key. A miss returns nil, nil.
func (p *Pipeline) GetFromCacheKey(ctx context.Context, key string) (*Entry, error) {
	raw, ok, err := p.cache.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("screenshot: cache get %s: %w", key, err)
	}
	if !ok {
		return nil, nil
	}
	return FromCache(raw)
}

func (p *Pipeline) set(ctx context.Context, key string, e *Entry) error {
	data, err := e.ToCache()
	if err != nil {
		return err
	}
	if err := p.cache.Set(ctx, key, data); err != nil {
		return fmt.Errorf("screenshot: cache set %s: %w", key, err)
	}
	return nil
}

// Job computes and caches the screenshot of one URL.
type Job struct {
	p      *Pipeline
	preset Preset
	url    string
	digest string
	state  map[string]any
}

func (j *Job) URL() string    { return j.url }
func (j *Job) Kind() Kind     { return j.preset.Kind }
func (j *Job) Digest() string { return j.digest }

// Request is one compute_and_cache call.
type Request struct {
	// User is the identity the page is rendered for. It is passed to the
	// driver factory through the context (see UserFromContext).
	User   string
	Force  bool
	Window Size // zero: preset, then Config.DefaultWindow
	Thumb  Size // zero: preset, then Config.DefaultThumb, then Window
}

// Result describes what ComputeAndCache did.
type Result struct {
	Key string
	// Computed is false when the decision step found nothing to do.
	Computed bool
	// Entry is the last entry published, or the one observed when
	// Computed is false (nil on an untouched miss).
	Entry *Entry
	// ReadErr is set when the cache could not be read. Nothing was written.
	ReadErr error
}

// Sizes resolves the window and thumb sizes for a request.
func (j *Job) Sizes(window, thumb Size) (Size, Size) {
	if window.IsZero() {
		window = j.preset.Window
	}
	if window.IsZero() {
		window = j.p.cfg.DefaultWindow
	}
	if thumb.IsZero() {
		thumb = j.preset.Thumb
	}
	if thumb.IsZero() {
		thumb = j.p.cfg.DefaultThumb
	}
	if thumb.IsZero() {
		thumb = window
	}
	return window, thumb
}

// CacheKey returns the key for the given sizes (zero values resolve as in
// Sizes).
func (j *Job) CacheKey(window, thumb Size) (string, error) {
	window, thumb = j.Sizes(window, thumb)
	return DeriveKey(j.p.cfg.HashAlgorithm, KeyParams{
		Kind:   j.preset.Kind,
		Digest: j.digest,
		Window: window,
		Thumb:  thumb,
		State:  j.state,
	})
}

// GetFromCache loads the entry for the given sizes. A miss returns nil, nil.
func (j *Job) GetFromCache(ctx context.Context, window, thumb Size) (*Entry, error) {
	key, err := j.CacheKey(window, thumb)
	if err != nil {
		return nil, err
	}
	return j.p.GetFromCacheKey(ctx, key)
}

// ComputeAndCache runs one attempt:
//
//  1. Decide: load the entry and stop unless ShouldRecompute.
//  2. Announce: write Computing (the only intermediate write).
//  3. Capture through the driver.
//  4. Resize when window != thumb.
//  5. Publish Updated with the final bytes, or
//  6. publish Error with the failing step.
//
// Capture and resize failures are recorded in the cache, never returned.
// A capture cut short by ctx is not a failure: the Computing lease is
// withdrawn so the next attempt recomputes.
// No lock is held across the browser call; the last writer wins.
func (j *Job) ComputeAndCache(ctx context.Context, req Request) Result {
	log := j.p.logger
	window, thumb := j.Sizes(req.Window, req.Thumb)

	key, err := j.CacheKey(window, thumb)
	if err != nil {
		// Only reachable with an invalid algorithm, which Config.Validate rejects.
		log.Error("screenshot: derive key", "url", j.url, "error", err)
		return Result{}
	}
	res := Result{Key: key}

	current, err := j.p.GetFromCacheKey(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrCorruptEntry) {
			// Without a trustworthy read there is no decision to act on.
			log.Error("screenshot: cache read failed, not computing", "key", key, "error", err)
			res.ReadErr = err
			return res
		}
		log.Warn("screenshot: corrupt cache entry, recomputing", "key", key, "error", err)
		current = nil
	}
	if !current.ShouldRecompute(req.Force, j.p.now(), j.p.cfg.StaleAfter) {
		log.Debug("screenshot: skipping compute", "key", key, "status", current.Status())
		res.Entry = current
		return res
	}

	res.Computed = true
	log.Info("screenshot: computing", "key", key, "kind", j.preset.Kind,
		"url", j.url, "window", window, "thumb", thumb, "force", req.Force)

	// Terminal writes must land even if the caller gave up mid-capture.
	pubCtx := context.WithoutCancel(ctx)

	if err := j.p.set(pubCtx, key, NewComputing(j.p.now())); err != nil {
		log.Warn("screenshot: announce failed", "key", key, "error", err)
	}

	start := time.Now()
	image, err := j.capture(WithUser(ctx, req.User), window)
	captureTime := time.Since(start)
	if err != nil && ctx.Err() != nil {
		log.Warn("screenshot: capture interrupted", "key", key, "url", j.url, "error", err)
		res.Entry = j.withdraw(pubCtx, key, current)
		j.record("interrupted", captureTime)
		return res
	}
	if err != nil {
		log.Error("screenshot: capture failed", "key", key, "url", j.url, "error", err)
		res.Entry = j.publishError(pubCtx, key, CaptureFailed, captureTime)
		return res
	}

	if window != thumb {
		image, err = j.resize(image, window, thumb)
		if err != nil {
			log.Error("screenshot: resize failed", "key", key, "window", window, "thumb", thumb, "error", err)
			res.Entry = j.publishError(pubCtx, key, ResizeFailed, captureTime)
			return res
		}
	}

	entry, err := NewUpdated(image, j.p.now())
	if err != nil {
		log.Error("screenshot: empty result", "key", key, "error", err)
		res.Entry = j.publishError(pubCtx, key, ResizeFailed, captureTime)
		return res
	}
	if err := j.p.set(pubCtx, key, entry); err != nil {
		log.Error("screenshot: publish failed", "key", key, "error", err)
	}
	j.record("updated", captureTime)
	log.Info("screenshot: updated", "key", key, "bytes", len(image), "capture_ms", captureTime.Milliseconds())
	res.Entry = entry
	return res
}

func (j *Job) publishError(ctx context.Context, key string, kind ErrorKind, captureTime time.Duration) *Entry {
	entry := NewError(kind, j.p.now())
	if err := j.p.set(ctx, key, entry); err != nil {
		j.p.logger.Error("screenshot: publish error entry failed", "key", key, "error", err)
	}
	j.record(string(kind), captureTime)
	return entry
}

// withdraw replaces our Computing lease after an interrupted capture. A
// served image is put back as it was; anything else becomes Pending.
func (j *Job) withdraw(ctx context.Context, key string, previous *Entry) *Entry {
	entry := previous
	if previous == nil || !previous.HasImage() {
		entry = NewPending(j.p.now())
	}
	if err := j.p.set(ctx, key, entry); err != nil {
		j.p.logger.Error("screenshot: withdraw lease failed", "key", key, "error", err)
	}
	return entry
}

func (j *Job) record(outcome string, captureTime time.Duration) {
	if j.p.recorder != nil {
		j.p.recorder.RecordAttempt(string(j.preset.Kind), outcome, captureTime)
	}
}

var errEmptyCapture = errors.New("screenshot: driver returned no bytes")

func (j *Job) capture(ctx context.Context, window Size) (image []byte, err error) {
	defer recoverInto(&err, "capture")

	drv, err := j.p.drivers(ctx, window)
	if err != nil {
		return nil, fmt.Errorf("screenshot: new driver: %w", err)
	}
	if c, ok := drv.(io.Closer); ok {
		defer func() {
			if cerr := c.Close(); cerr != nil {
				j.p.logger.Warn("screenshot: driver close", "error", cerr)
			}
		}()
	}

	image, err = drv.Capture(ctx, j.url, j.preset.Selector)
	if err != nil {
		return nil, err
	}
	if len(image) == 0 {
		return nil, errEmptyCapture
	}
	return image, nil
}

func (j *Job) resize(image []byte, window, thumb Size) (out []byte, err error) {
	defer recoverInto(&err, "resize")
	return j.p.resizer.Resize(image, window, thumb)
}

// recoverInto turns a panic in a dependency into an ordinary failure so the
// attempt still ends with an Error entry.
func recoverInto(err *error, step string) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("screenshot: %s panicked: %v", step, r)
	}
}

type userKey struct{}

// WithUser attaches the rendering identity to ctx.
func WithUser(ctx context.Context, user string) context.Context {
	if user == "" {
		return ctx
	}
	return context.WithValue(ctx, userKey{}, user)
}

// UserFromContext returns the rendering identity set by WithUser.
func UserFromContext(ctx context.Context) string {
	v, _ := ctx.Value(userKey{}).(string)
	return v
}
