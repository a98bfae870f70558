// CLAUDE:SUMMARY Core screenshot cache types: sizes, kinds, chart/dashboard presets and the dependency interfaces the Job consumes.
// Package screenshot computes and caches rendered screenshots of charts and
// dashboards.
//
// A screenshot lives in a key/value cache as one Entry per Key. The Entry is
// a small state machine (Pending → Computing → Updated | Error) that lets
// concurrent workers decide, without a distributed lock, whether a new
// compute attempt should be launched:
//
//	cache.Get → Entry.ShouldRecompute → Computing → Driver → Resizer → Updated | Error
//
// The headless browser (Driver), the image resizer (Resizer) and the cache
// backend (Cache) are injected; see packages driver, resize and cache.
//
// Usage:
//
//	p := screenshot.NewPipeline(kv, drivers, resizer, cfg, screenshot.WithLogger(logger))
//	job := p.Chart(chartURL, chart.Digest)
//	res := job.ComputeAndCache(ctx, screenshot.Request{User: "admin"})
package screenshot

import (
	"context"
	"fmt"
	"time"
)

// Size is a width x height pair in CSS pixels.
type Size struct {
	Width  int `yaml:"width" json:"width"`
	Height int `yaml:"height" json:"height"`
}

// IsZero reports whether both dimensions are unset.
func (s Size) IsZero() bool { return s.Width == 0 && s.Height == 0 }

// Valid reports whether both dimensions are positive.
func (s Size) Valid() bool { return s.Width > 0 && s.Height > 0 }

func (s Size) String() string { return fmt.Sprintf("%dx%d", s.Width, s.Height) }

// pair is the form sizes take inside a key fingerprint.
func (s Size) pair() [2]int { return [2]int{s.Width, s.Height} }

// Kind identifies what is being rendered. It is part of every Key.
type Kind string

const (
	KindChart     Kind = "chart"
	KindDashboard Kind = "dashboard"
)

// Preset bundles the per-kind rendering defaults.
type Preset struct {
	Kind     Kind
	Selector string // CSS selector of the element to capture
	Window   Size   // browser viewport used for the capture
	Thumb    Size   // final stored size
}

var (
	ChartPreset = Preset{
		Kind:     KindChart,
		Selector: ".chart-container",
		Window:   Size{Width: 800, Height: 600},
		Thumb:    Size{Width: 800, Height: 600},
	}
	DashboardPreset = Preset{
		Kind:     KindDashboard,
		Selector: ".standalone",
		Window:   Size{Width: 1600, Height: 1200},
		Thumb:    Size{Width: 800, Height: 600},
	}
)

// PresetFor returns the built-in preset for kind.
func PresetFor(kind Kind) (Preset, bool) {
	switch kind {
	case KindChart:
		return ChartPreset, true
	case KindDashboard:
		return DashboardPreset, true
	}
	return Preset{}, false
}

// Cache is the key/value contract the pipeline needs. Get reports a miss
// with ok == false and a nil error. The pipeline never deletes or iterates.
type Cache interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte) error
}

// Driver renders url in a headless browser and returns PNG bytes of the
// first element matching selector. Timeouts are the Driver's concern.
type Driver interface {
	Capture(ctx context.Context, url, selector string) ([]byte, error)
}

// DriverFactory builds a Driver sized to window. A returned Driver that
// also implements io.Closer is closed after the capture.
type DriverFactory func(ctx context.Context, window Size) (Driver, error)

// Resizer turns a capture taken at window into a thumb-sized PNG.
// Identical inputs must give identical bytes.
type Resizer interface {
	Resize(png []byte, window, thumb Size) ([]byte, error)
}

// Recorder receives one observation per compute attempt. outcome is
// "updated", "capture_failed" or "resize_failed".
type Recorder interface {
	RecordAttempt(kind, outcome string, capture time.Duration)
}
