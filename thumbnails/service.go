// CLAUDE:SUMMARY Thumbnail service wiring cache, driver selector, resizer, compute queue and metrics behind compute/status/schedule and the worker loop.
// Package thumbnails is the thumbcache service: it builds the screenshot
// pipeline from configuration and exposes compute, status, image and
// schedule operations to the CLI and MCP.
//
//	svc, err := thumbnails.New(ctx, cfg, thumbnails.WithLogger(logger))
//	defer svc.Close()
//	res, err := svc.Compute(ctx, thumbnails.Target{Kind: "chart", URL: u, Digest: d}, false)
//	svc.Run(ctx) // worker mode
package thumbnails

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/hazyhaar/thumbcache/cache"
	"github.com/hazyhaar/thumbcache/dbopen"
	"github.com/hazyhaar/thumbcache/driver"
	"github.com/hazyhaar/thumbcache/observability"
	"github.com/hazyhaar/thumbcache/resize"
	"github.com/hazyhaar/thumbcache/screenshot"
	"github.com/hazyhaar/thumbcache/vtq"
)

// ErrInvalidTarget is returned for targets with an unknown kind or no URL.
var ErrInvalidTarget = errors.New("thumbnails: invalid target")

// Service owns every component of a thumbcache process.
type Service struct {
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
	pipeline *screenshot.Pipeline
	selector *driver.Selector
	state    *sql.DB
	queue    *vtq.Q
	metrics  *observability.MetricsManager
	closers  []io.Closer
}

type options struct {
	logger  *slog.Logger
	kv      cache.KV
	drivers screenshot.DriverFactory
	resizer screenshot.Resizer
	state   *sql.DB
	now     func() time.Time
}

// Option configures New.
type Option func(*options)

func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithCache uses kv instead of opening cfg.Cache. The Service closes it.
func WithCache(kv cache.KV) Option { return func(o *options) { o.kv = kv } }

// WithDriverFactory bypasses the driver Selector.
func WithDriverFactory(f screenshot.DriverFactory) Option {
	return func(o *options) { o.drivers = f }
}

func WithResizer(r screenshot.Resizer) Option { return func(o *options) { o.resizer = r } }

// WithStateDB uses db (opened with vtq.Schema and observability.Schema)
// instead of opening cfg.Queue.Path. The caller keeps ownership.
func WithStateDB(db *sql.DB) Option { return func(o *options) { o.state = db } }

// WithClock sets the clock for staleness decisions and the queue.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// New builds a Service from cfg.
func New(ctx context.Context, cfg Config, opts ...Option) (*Service, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Service{cfg: cfg, logger: o.logger, now: o.now}

	kv := o.kv
	if kv == nil {
		var err error
		if kv, err = cache.Open(ctx, cfg.Cache, o.logger); err != nil {
			return nil, err
		}
	}
	s.closers = append(s.closers, kv)

	s.state = o.state
	if s.state == nil {
		db, err := dbopen.Open(cfg.Queue.Path,
			dbopen.WithMkdirAll(),
			dbopen.WithSchema(vtq.Schema),
			dbopen.WithSchema(observability.Schema),
		)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("thumbnails: open state db: %w", err)
		}
		s.state = db
		s.closers = append(s.closers, db)
	}

	s.queue = vtq.New(s.state, vtq.Options{
		Queue:        "compute",
		Visibility:   cfg.Queue.Visibility,
		PollInterval: cfg.Queue.PollInterval,
		RetryDelay:   cfg.Queue.RetryDelay,
		MaxAttempts:  cfg.Queue.MaxAttempts,
		Logger:       o.logger,
		Now:          o.now,
	})

	drivers := o.drivers
	if drivers == nil {
		s.selector = driver.NewSelector(cfg.Driver, o.logger)
		drivers = s.selector.Factory()
	}
	resizer := o.resizer
	if resizer == nil {
		resizer = resize.NewResizer(o.logger)
	}

	popts := []screenshot.Option{screenshot.WithLogger(o.logger), screenshot.WithClock(o.now)}
	if !cfg.Metrics.Disabled {
		s.metrics = observability.NewMetricsManager(s.state, cfg.Metrics.BufferSize, cfg.Metrics.FlushInterval, o.logger)
		popts = append(popts, screenshot.WithRecorder(s.metrics))
	}

	ns := cache.Namespaced(kv, cfg.Screenshot.HashAlgorithm.Namespace())
	s.pipeline = screenshot.NewPipeline(ns, drivers, resizer, cfg.Screenshot, popts...)
	return s, nil
}

// Config returns the effective configuration.
func (s *Service) Config() Config { return s.cfg }

// Selector returns the driver selector, or nil when a factory was injected.
func (s *Service) Selector() *driver.Selector { return s.selector }

// Target names one screenshot.
type Target struct {
	Kind   screenshot.Kind `json:"kind"`
	URL    string          `json:"url"`
	Digest string          `json:"digest"`
	// State is the dashboard permalink state, part of the key.
	State  map[string]any  `json:"state,omitempty"`
	Window screenshot.Size `json:"window,omitzero"`
	Thumb  screenshot.Size `json:"thumb,omitzero"`
	User   string          `json:"user,omitempty"`
}

func (s *Service) job(t Target) (*screenshot.Job, error) {
	preset, ok := screenshot.PresetFor(t.Kind)
	if !ok {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidTarget, t.Kind)
	}
	if t.URL == "" {
		return nil, fmt.Errorf("%w: url is required", ErrInvalidTarget)
	}
	for _, sz := range []screenshot.Size{t.Window, t.Thumb} {
		if !sz.IsZero() && !sz.Valid() {
			return nil, fmt.Errorf("%w: size %s", ErrInvalidTarget, sz)
		}
	}
	var state map[string]any
	if t.Kind == screenshot.KindDashboard {
		state = t.State
	}
	return s.pipeline.Job(preset, t.URL, t.Digest, state), nil
}

// Status describes the cache entry for a target.
type Status struct {
	Key       string    `json:"key"`
	Status    string    `json:"status"` // Pending | Computing | Updated | Error | Missing
	Timestamp time.Time `json:"timestamp,omitzero"`
	ErrorKind string    `json:"error_kind,omitempty"`
	HasImage  bool      `json:"has_image"`
	Legacy    bool      `json:"legacy,omitempty"`
	// Stale reports whether a compute without force would run now.
	Stale bool `json:"stale"`
}

// StatusMissing is reported for keys with no cache entry.
const StatusMissing = "Missing"

func (s *Service) statusOf(key string, e *screenshot.Entry) *Status {
	st := &Status{
		Key:    key,
		Status: StatusMissing,
		Stale:  e.ShouldRecompute(false, s.now(), s.cfg.Screenshot.StaleAfter),
	}
	if e != nil {
		st.Status = string(e.Status())
		st.Timestamp = e.Timestamp()
		st.ErrorKind = string(e.ErrorKind())
		st.HasImage = e.HasImage()
		st.Legacy = e.Legacy()
	}
	return st
}

// Status reads the entry for t without computing anything.
func (s *Service) Status(ctx context.Context, t Target) (*Status, error) {
	job, err := s.job(t)
	if err != nil {
		return nil, err
	}
	key, err := job.CacheKey(t.Window, t.Thumb)
	if err != nil {
		return nil, err
	}
	e, err := s.pipeline.GetFromCacheKey(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.statusOf(key, e), nil
}

// Compute runs compute_and_cache synchronously. Capture and resize failures
// show up as an Error status, not as an error; a failed cache read does not.
func (s *Service) Compute(ctx context.Context, t Target, force bool) (*Status, error) {
	job, err := s.job(t)
	if err != nil {
		return nil, err
	}
	res := job.ComputeAndCache(ctx, screenshot.Request{
		User:   t.User,
		Force:  force,
		Window: t.Window,
		Thumb:  t.Thumb,
	})
	if res.Key == "" {
		return nil, errors.New("thumbnails: key derivation failed")
	}
	if res.ReadErr != nil {
		return nil, res.ReadErr
	}
	return s.statusOf(res.Key, res.Entry), nil
}

// Image returns the cached PNG for t. It never computes.
func (s *Service) Image(ctx context.Context, t Target) ([]byte, *Status, error) {
	st, err := s.Status(ctx, t)
	if err != nil {
		return nil, nil, err
	}
	e, err := s.pipeline.GetFromCacheKey(ctx, st.Key)
	if err != nil {
		return nil, st, err
	}
	res := e.Image()
	if res.State != screenshot.ImageReady {
		return nil, st, fmt.Errorf("%w (status %s)", screenshot.ErrImageNotAvailable, st.Status)
	}
	return res.Bytes(), st, nil
}

// ScheduleResult reports what Schedule did.
type ScheduleResult struct {
	Key    string `json:"key"`
	Queued bool   `json:"queued"`
	// Reason is set when nothing was queued: "fresh" or "already_queued".
	Reason string `json:"reason,omitempty"`
}

type computeRequest struct {
	Target Target `json:"target"`
	Force  bool   `json:"force,omitempty"`
}

// Schedule queues a background compute for t. Requests for a key that is
// already queued collapse into the queued one; without force, targets whose
// entry needs no recompute are not queued.
func (s *Service) Schedule(ctx context.Context, t Target, force bool) (*ScheduleResult, error) {
	st, err := s.Status(ctx, t)
	if err != nil {
		return nil, err
	}
	if !force && !st.Stale {
		return &ScheduleResult{Key: st.Key, Reason: "fresh"}, nil
	}
	payload, err := json.Marshal(computeRequest{Target: t, Force: force})
	if err != nil {
		return nil, err
	}
	queued, err := s.queue.Publish(ctx, st.Key, payload)
	if err != nil {
		return nil, fmt.Errorf("thumbnails: enqueue: %w", err)
	}
	res := &ScheduleResult{Key: st.Key, Queued: queued}
	if !queued {
		res.Reason = "already_queued"
	}
	s.logger.Debug("thumbnails: schedule", "key", st.Key, "queued", queued, "force", force)
	return res, nil
}

// QueueStats reports the background queue depth.
func (s *Service) QueueStats(ctx context.Context) (vtq.Stats, error) {
	return s.queue.Stats(ctx)
}

// Metrics returns the metrics recorder, or nil when metrics are disabled.
func (s *Service) Metrics() *observability.MetricsManager { return s.metrics }

// Run consumes the compute queue until ctx is done, with heartbeats and
// periodic metrics cleanup.
func (s *Service) Run(ctx context.Context) {
	hb := observability.NewHeartbeatWriter(s.state, s.cfg.Queue.WorkerName, s.cfg.Queue.HeartbeatInterval,
		func(ctx context.Context) (int, int, error) {
			st, err := s.queue.Stats(ctx)
			return st.Waiting, st.InFlight, err
		}, s.logger)
	hb.Start(ctx)
	defer hb.Stop()

	if s.metrics != nil {
		if n, err := s.metrics.Cleanup(ctx, s.cfg.Metrics.Retention); err != nil {
			s.logger.Warn("thumbnails: metrics cleanup", "error", err)
		} else if n > 0 {
			s.logger.Info("thumbnails: metrics cleanup", "deleted", n)
		}
	}

	s.queue.RunBatch(ctx, s.cfg.Queue.BatchSize, s.cfg.Queue.Concurrency, s.handle)
}

func (s *Service) handle(ctx context.Context, j *vtq.Job) error {
	var req computeRequest
	if err := json.Unmarshal(j.Payload, &req); err != nil {
		// A payload that cannot be decoded never will be.
		s.logger.Error("thumbnails: dropping undecodable job", "id", j.ID, "error", err)
		return nil
	}
	// Redeliveries only follow an interrupted or crashed worker, whose
	// lease may still look fresh.
	force := req.Force || j.Attempts > 1
	st, err := s.Compute(ctx, req.Target, force)
	if err != nil {
		if errors.Is(err, ErrInvalidTarget) {
			s.logger.Error("thumbnails: dropping invalid job", "id", j.ID, "error", err)
			return nil
		}
		return err
	}
	if ctx.Err() != nil && st.Status != string(screenshot.StatusUpdated) {
		// Interrupted by shutdown: let another worker retry.
		return ctx.Err()
	}
	s.logger.Info("thumbnails: job done", "id", j.ID, "status", st.Status, "attempt", j.Attempts, "force", force)
	return nil
}

// Close flushes metrics and releases the browser, cache and state database.
func (s *Service) Close() error {
	var errs []error
	if s.metrics != nil {
		errs = append(errs, s.metrics.Close())
	}
	if s.selector != nil {
		errs = append(errs, s.selector.Close())
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i].Close())
	}
	s.closers = nil
	return errors.Join(errs...)
}
