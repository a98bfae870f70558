package screenshot

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// memCache is a goroutine-safe Cache that counts writes.
type memCache struct {
	mu     sync.Mutex
	data   map[string][]byte
	sets   int
	setErr error
	getErr error
}

func newMemCache() *memCache { return &memCache{data: make(map[string][]byte)} }

func (c *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, false, c.getErr
	}
	v, ok := c.data[key]
	return bytes.Clone(v), ok, nil
}

func (c *memCache) Set(_ context.Context, key string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.setErr != nil {
		return c.setErr
	}
	c.sets++
	c.data[key] = bytes.Clone(value)
	return nil
}

func (c *memCache) raw(key string) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bytes.Clone(c.data[key])
}

func (c *memCache) writes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sets
}

// stubDriver returns img or err and counts calls.
type stubDriver struct {
	img    []byte
	err    error
	calls  atomic.Int32
	closed atomic.Int32
	// onCapture runs inside Capture, before the result is returned.
	onCapture func()
}

func (d *stubDriver) factory(context.Context, Size) (Driver, error) { return d, nil }

func (d *stubDriver) Capture(ctx context.Context, url, selector string) ([]byte, error) {
	d.calls.Add(1)
	if d.onCapture != nil {
		d.onCapture()
	}
	if d.err != nil {
		return nil, d.err
	}
	return d.img, nil
}

func (d *stubDriver) Close() error { d.closed.Add(1); return nil }

type funcResizer func(png []byte, window, thumb Size) ([]byte, error)

func (f funcResizer) Resize(png []byte, window, thumb Size) ([]byte, error) {
	return f(png, window, thumb)
}

var identity = funcResizer(func(png []byte, _, _ Size) ([]byte, error) { return png, nil })

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu       sync.Mutex
	outcomes []string
}

func (r *recorder) RecordAttempt(kind, outcome string, _ time.Duration) {
	r.mu.Lock()
	r.outcomes = append(r.outcomes, kind+"/"+outcome)
	r.mu.Unlock()
}

func testPipeline(t *testing.T, c Cache, d DriverFactory, r Resizer, clock *fakeClock, opts ...Option) *Pipeline {
	t.Helper()
	opts = append([]Option{
		WithClock(clock.Now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	return NewPipeline(c, d, r, Config{StaleAfter: stale}, opts...)
}

func entryAt(t *testing.T, c *memCache, key string) *Entry {
	t.Helper()
	raw := c.raw(key)
	if raw == nil {
		t.Fatalf("no cache value for %s", key)
	}
	e, err := FromCache(raw)
	if err != nil {
		t.Fatalf("decode %s: %v", key, err)
	}
	return e
}

func seed(t *testing.T, c *memCache, key string, e *Entry) {
	t.Helper()
	data, err := e.ToCache()
	if err != nil {
		t.Fatal(err)
	}
	c.data[key] = data
}

func TestComputeAndCache_HappyPath(t *testing.T) {
	c := newMemCache()
	d := &stubDriver{img: []byte("0123456789")}
	clock := &fakeClock{now: t0}
	rec := &recorder{}
	p := testPipeline(t, c, d.factory, identity, clock, WithRecorder(rec))
	job := p.Chart("http://superset/chart/1", "digest-1")

	res := job.ComputeAndCache(context.Background(), Request{User: "admin"})
	if !res.Computed {
		t.Fatal("expected compute")
	}

	e := entryAt(t, c, res.Key)
	if e.Status() != StatusUpdated {
		t.Fatalf("status = %s", e.Status())
	}
	if got := e.Image().Bytes(); string(got) != "0123456789" {
		t.Fatalf("image = %q", got)
	}
	if age := e.Age(clock.Now()); age < 0 || age > time.Second {
		t.Errorf("timestamp %v not within 1s of now", e.Timestamp())
	}
	if d.calls.Load() != 1 || d.closed.Load() != 1 {
		t.Errorf("driver calls=%d closed=%d", d.calls.Load(), d.closed.Load())
	}
	// Computing then Updated.
	if c.writes() != 2 {
		t.Errorf("writes = %d, want 2", c.writes())
	}
	if len(rec.outcomes) != 1 || rec.outcomes[0] != "chart/updated" {
		t.Errorf("recorded %v", rec.outcomes)
	}
}

func TestComputeAndCache_AnnouncesComputingBeforeCapture(t *testing.T) {
	c := newMemCache()
	clock := &fakeClock{now: t0}
	d := &stubDriver{img: []byte("png")}
	p := testPipeline(t, c, d.factory, identity, clock)
	job := p.Chart("u", "d")
	key, _ := job.CacheKey(Size{}, Size{})

	var during Status
	d.onCapture = func() {
		e, err := FromCache(c.raw(key))
		if err == nil {
			during = e.Status()
		}
	}
	job.ComputeAndCache(context.Background(), Request{})
	if during != StatusComputing {
		t.Fatalf("status during capture = %q, want Computing", during)
	}
}

func TestComputeAndCache_CaptureFailsErrorIsCached(t *testing.T) {
	c := newMemCache()
	d := &stubDriver{err: errors.New("chrome crashed")}
	clock := &fakeClock{now: t0}
	p := testPipeline(t, c, d.factory, identity, clock)
	job := p.Chart("u", "d")

	res := job.ComputeAndCache(context.Background(), Request{})
	e := entryAt(t, c, res.Key)
	if e.Status() != StatusError || e.HasImage() {
		t.Fatalf("got status=%s image=%v", e.Status(), e.HasImage())
	}
	if e.ErrorKind() != CaptureFailed {
		t.Errorf("error kind = %q", e.ErrorKind())
	}

	clock.Advance(time.Second)
	res2 := job.ComputeAndCache(context.Background(), Request{})
	if res2.Computed {
		t.Fatal("fresh error entry must not trigger a recompute")
	}
	if d.calls.Load() != 1 {
		t.Fatalf("driver calls = %d, want 1", d.calls.Load())
	}

	clock.Advance(stale)
	job.ComputeAndCache(context.Background(), Request{})
	if d.calls.Load() != 2 {
		t.Fatalf("stale error entry should retry; calls = %d", d.calls.Load())
	}
}

func TestComputeAndCache_ResizeFailsErrorIsCached(t *testing.T) {
	c := newMemCache()
	d := &stubDriver{img: []byte("png")}
	clock := &fakeClock{now: t0}
	failing := funcResizer(func([]byte, Size, Size) ([]byte, error) { return nil, errors.New("bad png") })
	p := testPipeline(t, c, d.factory, failing, clock)
	job := p.Dashboard("u", "d", nil) // 1600x1200 → 800x600 resizes

	res := job.ComputeAndCache(context.Background(), Request{})
	e := entryAt(t, c, res.Key)
	if e.Status() != StatusError || e.HasImage() || e.ErrorKind() != ResizeFailed {
		t.Fatalf("got status=%s image=%v kind=%s", e.Status(), e.HasImage(), e.ErrorKind())
	}
	if d.calls.Load() != 1 {
		t.Fatalf("driver calls = %d, want 1", d.calls.Load())
	}
}

func TestComputeAndCache_ResizeOnlyWhenSizesDiffer(t *testing.T) {
	c := newMemCache()
	d := &stubDriver{img: []byte("big")}
	clock := &fakeClock{now: t0}
	var resized int
	r := funcResizer(func(png []byte, w, th Size) ([]byte, error) {
		resized++
		if w != (Size{1600, 1200}) || th != (Size{800, 600}) {
			t.Errorf("resize %s → %s", w, th)
		}
		return []byte("small"), nil
	})
	p := testPipeline(t, c, d.factory, r, clock)

	p.Chart("u", "d").ComputeAndCache(context.Background(), Request{})
	if resized != 0 {
		t.Fatalf("chart preset has equal sizes, resized %d times", resized)
	}

	res := p.Dashboard("u", "d", nil).ComputeAndCache(context.Background(), Request{})
	if resized != 1 {
		t.Fatalf("resized %d times, want 1", resized)
	}
	if got := entryAt(t, c, res.Key).Image().Bytes(); string(got) != "small" {
		t.Fatalf("stored %q, want resized bytes", got)
	}
}

func TestComputeAndCache_StaleComputingRecovered(t *testing.T) {
	c := newMemCache()
	d := &stubDriver{img: []byte("png")}
	clock := &fakeClock{now: t0}
	p := testPipeline(t, c, d.factory, identity, clock)
	job := p.Chart("u", "d")
	key, _ := job.CacheKey(Size{}, Size{})
	seed(t, c, key, NewComputing(t0.Add(-2*stale)))

	res := job.ComputeAndCache(context.Background(), Request{})
	if !res.Computed || d.calls.Load() != 1 {
		t.Fatalf("computed=%v calls=%d", res.Computed, d.calls.Load())
	}
	if s := entryAt(t, c, key).Status(); s != StatusUpdated {
		t.Fatalf("status = %s", s)
	}
}

func TestComputeAndCache_FreshComputingRespected(t *testing.T) {
	c := newMemCache()
	d := &stubDriver{img: []byte("png")}
	clock := &fakeClock{now: t0}
	p := testPipeline(t, c, d.factory, identity, clock)
	job := p.Chart("u", "d")
	key, _ := job.CacheKey(Size{}, Size{})
	seed(t, c, key, NewComputing(t0))
	before := c.raw(key)

	res := job.ComputeAndCache(context.Background(), Request{})
	if res.Computed || d.calls.Load() != 0 {
		t.Fatalf("computed=%v calls=%d", res.Computed, d.calls.Load())
	}
	if !bytes.Equal(c.raw(key), before) || c.writes() != 0 {
		t.Fatal("cache value changed")
	}
	if res.Entry == nil || res.Entry.Status() != StatusComputing {
		t.Fatalf("observed entry = %+v", res.Entry)
	}
}

func TestComputeAndCache_LegacyEntry(t *testing.T) {
	c := newMemCache()
	d := &stubDriver{img: []byte("fresh png")}
	clock := &fakeClock{now: t0}
	p := testPipeline(t, c, d.factory, identity, clock)
	job := p.Chart("u", "d")
	key, _ := job.CacheKey(Size{}, Size{})
	legacy := []byte{0x89, 'P', 'N', 'G', 9, 9}
	c.data[key] = legacy

	e, err := job.GetFromCache(context.Background(), Size{}, Size{})
	if err != nil {
		t.Fatal(err)
	}
	if e.Status() != StatusUpdated || !bytes.Equal(e.Image().Bytes(), legacy) {
		t.Fatalf("legacy read: status=%s", e.Status())
	}

	if res := job.ComputeAndCache(context.Background(), Request{}); res.Computed {
		t.Fatal("legacy entry with image should be served as is")
	}
	if d.calls.Load() != 0 {
		t.Fatal("driver invoked for legacy entry")
	}

	job.ComputeAndCache(context.Background(), Request{Force: true})
	if d.calls.Load() != 1 {
		t.Fatalf("force: driver calls = %d", d.calls.Load())
	}
	if _, ok := envelopeFields(c.raw(key)); !ok {
		t.Fatal("force did not rewrite the slot as an envelope")
	}
	got := entryAt(t, c, key)
	if got.Legacy() || string(got.Image().Bytes()) != "fresh png" {
		t.Fatalf("rewritten entry = %+v", got)
	}
}

func TestComputeAndCache_CorruptUpdatedHealed(t *testing.T) {
	c := newMemCache()
	d := &stubDriver{img: []byte("png")}
	clock := &fakeClock{now: t0}
	p := testPipeline(t, c, d.factory, identity, clock)
	job := p.Chart("u", "d")
	key, _ := job.CacheKey(Size{}, Size{})
	c.data[key] = []byte(`{"status":"Updated","image":null,"timestamp":"2020-01-01T00:00:00"}`)

	job.ComputeAndCache(context.Background(), Request{})
	if d.calls.Load() != 1 {
		t.Fatal("corrupt updated entry was not recomputed")
	}
	if e := entryAt(t, c, key); !e.HasImage() {
		t.Fatal("slot still has no image")
	}
}

func TestComputeAndCache_UnreadableEntryRecomputed(t *testing.T) {
	c := newMemCache()
	d := &stubDriver{img: []byte("png")}
	p := testPipeline(t, c, d.factory, identity, &fakeClock{now: t0})
	job := p.Chart("u", "d")
	key, _ := job.CacheKey(Size{}, Size{})
	c.data[key] = []byte(`{"status":"Weird"}`)

	job.ComputeAndCache(context.Background(), Request{})
	if d.calls.Load() != 1 {
		t.Fatal("unreadable entry should be treated as a miss")
	}
}

func TestComputeAndCache_EmptyCaptureIsFailure(t *testing.T) {
	c := newMemCache()
	d := &stubDriver{img: []byte{}}
	p := testPipeline(t, c, d.factory, identity, &fakeClock{now: t0})
	res := p.Chart("u", "d").ComputeAndCache(context.Background(), Request{})
	e := entryAt(t, c, res.Key)
	if e.Status() != StatusError || e.ErrorKind() != CaptureFailed {
		t.Fatalf("got %s/%s", e.Status(), e.ErrorKind())
	}
}

func TestComputeAndCache_DriverFactoryAndPanics(t *testing.T) {
	c := newMemCache()
	p := testPipeline(t, c, func(context.Context, Size) (Driver, error) {
		return nil, errors.New("no browser")
	}, identity, &fakeClock{now: t0})
	res := p.Chart("u", "factory").ComputeAndCache(context.Background(), Request{})
	if e := entryAt(t, c, res.Key); e.ErrorKind() != CaptureFailed {
		t.Fatalf("factory failure: %s", e.ErrorKind())
	}

	d := &stubDriver{img: []byte("png")}
	boom := funcResizer(func([]byte, Size, Size) ([]byte, error) { panic("decoder bug") })
	p = testPipeline(t, c, d.factory, boom, &fakeClock{now: t0})
	res = p.Dashboard("u", "panic", nil).ComputeAndCache(context.Background(), Request{})
	if e := entryAt(t, c, res.Key); e.ErrorKind() != ResizeFailed {
		t.Fatalf("resize panic: %s", e.ErrorKind())
	}
}

func TestComputeAndCache_CancelledCaptureWithdrawsLease(t *testing.T) {
	c := newMemCache()
	ctx, cancel := context.WithCancel(context.Background())
	d := &stubDriver{}
	d.onCapture = cancel
	d.err = context.Canceled
	rec := &recorder{}
	p := testPipeline(t, c, d.factory, identity, &fakeClock{now: t0}, WithRecorder(rec))
	job := p.Chart("u", "d")

	res := job.ComputeAndCache(ctx, Request{})
	e := entryAt(t, c, res.Key)
	if e.Status() != StatusPending {
		t.Fatalf("status = %s, want Pending", e.Status())
	}
	if len(rec.outcomes) != 1 || rec.outcomes[0] != "chart/interrupted" {
		t.Errorf("outcomes = %v", rec.outcomes)
	}

	// The next attempt does not need force.
	d.onCapture, d.err, d.img = nil, nil, []byte("png")
	res = job.ComputeAndCache(context.Background(), Request{})
	if !res.Computed || entryAt(t, c, res.Key).Status() != StatusUpdated {
		t.Fatalf("retry computed=%v status=%s", res.Computed, entryAt(t, c, res.Key).Status())
	}
}

func TestComputeAndCache_CancelledForcedCaptureKeepsImage(t *testing.T) {
	c := newMemCache()
	p := testPipeline(t, c, (&stubDriver{}).factory, identity, &fakeClock{now: t0})
	job := p.Chart("u", "d")
	key, _ := job.CacheKey(Size{}, Size{})
	seed(t, c, key, mustUpdated(t, []byte("old"), t0))

	ctx, cancel := context.WithCancel(context.Background())
	d := &stubDriver{onCapture: cancel, err: context.Canceled}
	p = testPipeline(t, c, d.factory, identity, &fakeClock{now: t0.Add(time.Minute)})

	p.Chart("u", "d").ComputeAndCache(ctx, Request{Force: true})
	e := entryAt(t, c, key)
	if e.Status() != StatusUpdated || string(e.Image().Bytes()) != "old" {
		t.Fatalf("status=%s image=%q, want the previous image back", e.Status(), e.Image().Bytes())
	}
	if !e.Timestamp().Equal(stamp(t0)) {
		t.Errorf("timestamp = %v, want %v", e.Timestamp(), stamp(t0))
	}
}

func TestComputeAndCache_ReadFailureDoesNotWrite(t *testing.T) {
	c := newMemCache()
	d := &stubDriver{err: errors.New("capture failed")}
	p := testPipeline(t, c, d.factory, identity, &fakeClock{now: t0.Add(stale + time.Hour)})
	job := p.Chart("u", "d")
	key, _ := job.CacheKey(Size{}, Size{})
	seed(t, c, key, mustUpdated(t, []byte("good"), t0))
	readErr := errors.New("i/o timeout")
	c.getErr = readErr

	for _, force := range []bool{false, true} {
		res := job.ComputeAndCache(context.Background(), Request{Force: force})
		if res.Computed || !errors.Is(res.ReadErr, readErr) {
			t.Fatalf("force=%v: computed=%v readErr=%v", force, res.Computed, res.ReadErr)
		}
	}
	if d.calls.Load() != 0 || c.writes() != 0 {
		t.Fatalf("driver calls=%d writes=%d, want none", d.calls.Load(), c.writes())
	}
	c.getErr = nil
	if e := entryAt(t, c, key); e.Status() != StatusUpdated || string(e.Image().Bytes()) != "good" {
		t.Fatalf("entry = %s %q", e.Status(), e.Image().Bytes())
	}
}

func TestComputeAndCache_TimestampIsPublicationTime(t *testing.T) {
	for _, tc := range []struct {
		name string
		err  error
		want Status
	}{
		{"updated", nil, StatusUpdated},
		{"error", errors.New("no such element"), StatusError},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := newMemCache()
			clock := &fakeClock{now: t0}
			d := &stubDriver{img: []byte("png"), err: tc.err}
			d.onCapture = func() { clock.Advance(time.Minute) }
			p := testPipeline(t, c, d.factory, identity, clock)

			res := p.Chart("u", "d").ComputeAndCache(context.Background(), Request{})
			e := entryAt(t, c, res.Key)
			if e.Status() != tc.want {
				t.Fatalf("status = %s, want %s", e.Status(), tc.want)
			}
			if want := stamp(t0.Add(time.Minute)); !e.Timestamp().Equal(want) {
				t.Errorf("timestamp = %v, want %v (publication time)", e.Timestamp(), want)
			}
		})
	}
}

func TestComputeAndCache_PassesUserAndSizes(t *testing.T) {
	c := newMemCache()
	var gotUser string
	var gotWindow Size
	drv := &stubDriver{img: []byte("png")}
	factory := func(ctx context.Context, w Size) (Driver, error) {
		gotUser = UserFromContext(ctx)
		gotWindow = w
		return drv, nil
	}
	p := testPipeline(t, c, factory, identity, &fakeClock{now: t0})
	p.Chart("u", "d").ComputeAndCache(context.Background(), Request{User: "alice", Window: Size{1024, 768}, Thumb: Size{1024, 768}})
	if gotUser != "alice" {
		t.Errorf("user = %q", gotUser)
	}
	if gotWindow != (Size{1024, 768}) {
		t.Errorf("window = %s", gotWindow)
	}
}

func TestJobSizes_Fallbacks(t *testing.T) {
	p := NewPipeline(newMemCache(), nil, nil, Config{DefaultWindow: Size{1000, 500}, DefaultThumb: Size{100, 50}})
	custom := p.Job(Preset{Kind: "table", Selector: "#t"}, "u", "d", nil)
	w, th := custom.Sizes(Size{}, Size{})
	if w != (Size{1000, 500}) || th != (Size{100, 50}) {
		t.Fatalf("got %s %s", w, th)
	}
	w, th = p.Chart("u", "d").Sizes(Size{}, Size{})
	if w != ChartPreset.Window || th != ChartPreset.Thumb {
		t.Fatalf("chart got %s %s", w, th)
	}
	p2 := NewPipeline(newMemCache(), nil, nil, Config{})
	w, th = p2.Job(Preset{Kind: "table"}, "u", "d", nil).Sizes(Size{640, 480}, Size{})
	if th != w {
		t.Fatalf("thumb should default to window, got %s %s", w, th)
	}
}

func TestComputeAndCache_AnnounceFailureDoesNotBlock(t *testing.T) {
	c := newMemCache()
	c.setErr = errors.New("cache down")
	d := &stubDriver{img: []byte("png")}
	p := testPipeline(t, c, d.factory, identity, &fakeClock{now: t0})
	res := p.Chart("u", "d").ComputeAndCache(context.Background(), Request{})
	if !res.Computed || d.calls.Load() != 1 {
		t.Fatal("cache write failure must not prevent the capture")
	}
	if res.Entry == nil || res.Entry.Status() != StatusUpdated {
		t.Fatalf("result entry = %+v", res.Entry)
	}
}

// Workers racing on one key always leave a terminal entry: every announce is
// followed by a publish from the same worker, so the last write is terminal.
func TestComputeAndCache_ConcurrentWorkersConverge(t *testing.T) {
	for round := 0; round < 20; round++ {
		c := newMemCache()
		clock := &fakeClock{now: t0}
		ok := &stubDriver{img: []byte("ok")}
		bad := &stubDriver{err: errors.New("boom")}
		pOK := testPipeline(t, c, ok.factory, identity, clock)
		pBad := testPipeline(t, c, bad.factory, identity, clock)

		var wg sync.WaitGroup
		for _, p := range []*Pipeline{pOK, pBad, pOK, pBad} {
			wg.Add(1)
			go func(p *Pipeline) {
				defer wg.Done()
				p.Chart("u", "race").ComputeAndCache(context.Background(), Request{})
			}(p)
		}
		wg.Wait()

		key, _ := pOK.Chart("u", "race").CacheKey(Size{}, Size{})
		e := entryAt(t, c, key)
		switch e.Status() {
		case StatusUpdated:
			if !e.HasImage() {
				t.Fatal("updated without image")
			}
		case StatusError:
			if e.HasImage() {
				t.Fatal("error with image")
			}
		default:
			t.Fatalf("round %d: illegal final status %s", round, e.Status())
		}
	}
}
