// CLAUDE:SUMMARY Screenshot cache Entry: status state machine, recompute decision, envelope codec with legacy raw-bytes support.
package screenshot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// Status is the state of a cache slot.
type Status string

// Status values match the strings older caches already hold.
const (
	StatusPending   Status = "Pending"
	StatusComputing Status = "Computing"
	StatusUpdated   Status = "Updated"
	StatusError     Status = "Error"
)

func (s Status) valid() bool {
	switch s {
	case StatusPending, StatusComputing, StatusUpdated, StatusError:
		return true
	}
	return false
}

// ErrorKind tags an ERROR entry with the step that failed.
type ErrorKind string

const (
	CaptureFailed ErrorKind = "capture_failed"
	ResizeFailed  ErrorKind = "resize_failed"
)

var (
	// ErrImageNotAvailable means the entry holds no image yet. Ask again later.
	ErrImageNotAvailable = errors.New("screenshot: image not available")
	// ErrEmptyImage is returned when building an Updated entry without bytes.
	ErrEmptyImage = errors.New("screenshot: empty image")
	// ErrCorruptEntry is returned by FromCache for envelopes it cannot trust.
	ErrCorruptEntry = errors.New("screenshot: corrupt cache entry")
)

// Entry is one cached value. Entries are immutable: every attempt builds a
// new one and overwrites the slot whole.
type Entry struct {
	status    Status
	image     []byte
	timestamp time.Time
	errorKind ErrorKind
	legacy    bool

	// Envelope fields this version does not know about, kept for round-trip.
	extra map[string]json.RawMessage
}

// NewPending returns a Pending entry stamped at now.
func NewPending(now time.Time) *Entry {
	return &Entry{status: StatusPending, timestamp: stamp(now)}
}

// NewComputing returns the lease written before a capture starts.
func NewComputing(now time.Time) *Entry {
	return &Entry{status: StatusComputing, timestamp: stamp(now)}
}

// NewUpdated returns a successful entry owning a copy of image.
func NewUpdated(image []byte, now time.Time) (*Entry, error) {
	if len(image) == 0 {
		return nil, ErrEmptyImage
	}
	return &Entry{
		status:    StatusUpdated,
		image:     bytes.Clone(image),
		timestamp: stamp(now),
	}, nil
}

// NewError returns a failed entry for the given step.
func NewError(kind ErrorKind, now time.Time) *Entry {
	return &Entry{status: StatusError, errorKind: kind, timestamp: stamp(now)}
}

// stamp drops the monotonic reading and location so that an entry compares
// equal to its decoded form.
func stamp(t time.Time) time.Time { return t.Round(0).UTC() }

func (e *Entry) Status() Status                  { return e.status }
func (e *Entry) Timestamp() time.Time            { return e.timestamp }
func (e *Entry) ErrorKind() ErrorKind            { return e.errorKind }
func (e *Entry) HasImage() bool                  { return len(e.image) > 0 }
func (e *Entry) Legacy() bool                    { return e.legacy }
func (e *Entry) Age(now time.Time) time.Duration { return now.Sub(e.timestamp) }

// Equal reports whether two entries carry the same status, payload,
// timestamp, error kind and preserved fields.
func (e *Entry) Equal(o *Entry) bool {
	if e == nil || o == nil {
		return e == o
	}
	if e.status != o.status || e.errorKind != o.errorKind ||
		!e.timestamp.Equal(o.timestamp) || !bytes.Equal(e.image, o.image) {
		return false
	}
	if len(e.extra) != len(o.extra) {
		return false
	}
	for k, v := range e.extra {
		if !bytes.Equal(v, o.extra[k]) {
			return false
		}
	}
	return true
}

// --- decision ---

// ShouldRecompute decides whether a new compute attempt should start for
// this slot. A nil Entry is a cache miss. Rules, first match wins:
//
//  1. force
//  2. miss or Pending
//  3. Computing older than staleAfter (the worker that announced it died)
//  4. Computing still fresh: no
//  5. Error older than staleAfter
//  6. Error still fresh: no (throttles retries against a failing target)
//  7. Updated without image (corrupt legacy slot)
//  8. Updated with image: no
//
// Age equal to staleAfter counts as stale.
func (e *Entry) ShouldRecompute(force bool, now time.Time, staleAfter time.Duration) bool {
	if force {
		return true
	}
	if e == nil {
		return true
	}
	switch e.status {
	case StatusPending:
		return true
	case StatusComputing:
		return e.IsComputingStale(now, staleAfter)
	case StatusError:
		return e.isStale(now, staleAfter)
	case StatusUpdated:
		return !e.HasImage()
	}
	return true
}

// IsComputingStale reports whether a Computing lease has expired.
func (e *Entry) IsComputingStale(now time.Time, staleAfter time.Duration) bool {
	return e != nil && e.status == StatusComputing && e.isStale(now, staleAfter)
}

func (e *Entry) isStale(now time.Time, staleAfter time.Duration) bool {
	return e.Age(now) >= staleAfter
}

// --- image access ---

// ImageState says what Image found in the entry.
type ImageState int

const (
	ImageReady    ImageState = iota // payload present
	ImageNotReady                   // nothing yet: pending, computing or corrupt
	ImageErrored                    // last attempt failed; see ErrorKind
)

func (s ImageState) String() string {
	switch s {
	case ImageReady:
		return "ready"
	case ImageNotReady:
		return "not_ready"
	case ImageErrored:
		return "errored"
	}
	return fmt.Sprintf("ImageState(%d)", int(s))
}

// ImageResult is the outcome of Entry.Image.
type ImageResult struct {
	State     ImageState
	ErrorKind ErrorKind
	data      []byte
}

// Reader returns a fresh stream over the payload, or nil unless Ready.
// Each call is independent of the others.
func (r ImageResult) Reader() io.Reader {
	if r.State != ImageReady {
		return nil
	}
	return bytes.NewReader(r.data)
}

// Bytes returns a copy of the payload, or nil unless Ready.
func (r ImageResult) Bytes() []byte {
	if r.State != ImageReady {
		return nil
	}
	return bytes.Clone(r.data)
}

// Image reports the payload state. A nil Entry is NotReady.
func (e *Entry) Image() ImageResult {
	switch {
	case e == nil:
		return ImageResult{State: ImageNotReady}
	case e.status == StatusUpdated && e.HasImage():
		return ImageResult{State: ImageReady, data: e.image}
	case e.status == StatusError:
		return ImageResult{State: ImageErrored, ErrorKind: e.errorKind}
	}
	return ImageResult{State: ImageNotReady}
}

// GetImage returns a fresh stream over the payload, or ErrImageNotAvailable.
func (e *Entry) GetImage() (io.Reader, error) {
	res := e.Image()
	if res.State != ImageReady {
		return nil, ErrImageNotAvailable
	}
	return res.Reader(), nil
}

// --- codec ---

// legacyTimestampLayout is the naive ISO form older writers used.
const legacyTimestampLayout = "2006-01-02T15:04:05.999999"

var knownFields = map[string]bool{
	"status": true, "image": true, "timestamp": true, "error_kind": true,
}

// ToCache encodes the entry as a JSON envelope.
func (e *Entry) ToCache() ([]byte, error) {
	out := make(map[string]any, len(e.extra)+4)
	for k, v := range e.extra {
		out[k] = v
	}
	out["status"] = e.status
	out["timestamp"] = e.timestamp.Format(time.RFC3339Nano)
	if e.HasImage() {
		out["image"] = e.image // base64 in JSON
	} else {
		out["image"] = nil
	}
	if e.errorKind != "" {
		out["error_kind"] = e.errorKind
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("screenshot: encode entry: %w", err)
	}
	return data, nil
}

// FromCache decodes a cache value. A JSON object with a "status" field is an
// envelope; anything else is a legacy value holding raw image bytes and is
// read as Updated with that image and a zero timestamp.
func FromCache(raw []byte) (*Entry, error) {
	fields, ok := envelopeFields(raw)
	if !ok {
		return &Entry{
			status: StatusUpdated,
			image:  bytes.Clone(raw),
			legacy: true,
		}, nil
	}

	e := &Entry{}
	if err := json.Unmarshal(fields["status"], &e.status); err != nil || !e.status.valid() {
		return nil, fmt.Errorf("%w: status %s", ErrCorruptEntry, fields["status"])
	}
	if v, ok := fields["image"]; ok && string(v) != "null" {
		if err := json.Unmarshal(v, &e.image); err != nil {
			return nil, fmt.Errorf("%w: image: %v", ErrCorruptEntry, err)
		}
	}
	if v, ok := fields["timestamp"]; ok && string(v) != "null" {
		var ts string
		if err := json.Unmarshal(v, &ts); err != nil {
			return nil, fmt.Errorf("%w: timestamp: %v", ErrCorruptEntry, err)
		}
		t, err := parseTimestamp(ts)
		if err != nil {
			return nil, fmt.Errorf("%w: timestamp: %v", ErrCorruptEntry, err)
		}
		e.timestamp = t
	}
	if v, ok := fields["error_kind"]; ok && string(v) != "null" {
		if err := json.Unmarshal(v, &e.errorKind); err != nil {
			return nil, fmt.Errorf("%w: error_kind: %v", ErrCorruptEntry, err)
		}
	}
	// A payload on a non-Updated envelope is never served.
	if e.status != StatusUpdated {
		e.image = nil
	}
	for k, v := range fields {
		if knownFields[k] {
			continue
		}
		if e.extra == nil {
			e.extra = make(map[string]json.RawMessage)
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, v); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorruptEntry, k, err)
		}
		e.extra[k] = buf.Bytes()
	}
	return e, nil
}

func envelopeFields(raw []byte) (map[string]json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, false
	}
	if _, ok := fields["status"]; !ok {
		return nil, false
	}
	return fields, true
}

func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.ParseInLocation(legacyTimestampLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}
