// CLAUDE:SUMMARY Buffered SQLite metrics for screenshot compute attempts (outcome counts, capture durations) and worker heartbeats.
// Package observability records screenshot compute metrics and worker
// liveness in SQLite.
//
// Persistence is async and non-blocking: datapoints are buffered and flushed
// in one transaction per batch. When the database falls behind, the oldest
// buffered points are dropped rather than slowing down captures.
package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Metric names.
const (
	MetricAttempt   = "thumbcache_attempt"
	MetricCaptureMs = "thumbcache_capture_ms"
)

// Metric is a single timeseries datapoint.
type Metric struct {
	Name      string
	Timestamp time.Time
	Value     float64
	Labels    map[string]string
	Unit      string // "count", "milliseconds"
}

// MetricsManager buffers metrics and flushes them to SQLite in batches.
type MetricsManager struct {
	db            *sql.DB
	bufferSize    int
	flushInterval time.Duration
	logger        *slog.Logger
	now           func() time.Time

	mu      sync.Mutex
	buffer  []*Metric
	dropped int

	// writeMu serializes flushes; mu is never held across database calls.
	writeMu sync.Mutex

	kick chan struct{}
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewMetricsManager creates a manager that flushes every flushInterval or
// whenever bufferSize points are pending. Defaults: 100, 5s.
func NewMetricsManager(db *sql.DB, bufferSize int, flushInterval time.Duration, logger *slog.Logger) *MetricsManager {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	mm := &MetricsManager{
		db:            db,
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		logger:        logger,
		now:           time.Now,
		buffer:        make([]*Metric, 0, bufferSize),
		kick:          make(chan struct{}, 1),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go mm.flushLoop()
	return mm
}

// Record queues a metric. It never touches the database: a full buffer
// wakes the flush goroutine.
func (mm *MetricsManager) Record(m *Metric) {
	mm.mu.Lock()
	// A failing database must not grow the buffer without bound.
	if len(mm.buffer) >= 10*mm.bufferSize {
		mm.buffer = mm.buffer[1:]
		mm.dropped++
	}
	mm.buffer = append(mm.buffer, m)
	full := len(mm.buffer) >= mm.bufferSize
	mm.mu.Unlock()

	if full {
		select {
		case mm.kick <- struct{}{}:
		default:
		}
	}
}

// RecordAttempt records one compute attempt: a count labelled by kind and
// outcome (updated, capture_failed, resize_failed, interrupted) and the capture time.
func (mm *MetricsManager) RecordAttempt(kind, outcome string, capture time.Duration) {
	now := mm.now()
	labels := map[string]string{"kind": kind, "outcome": outcome}
	mm.Record(&Metric{Name: MetricAttempt, Timestamp: now, Value: 1, Labels: labels, Unit: "count"})
	mm.Record(&Metric{
		Name:      MetricCaptureMs,
		Timestamp: now,
		Value:     float64(capture) / float64(time.Millisecond),
		Labels:    labels,
		Unit:      "milliseconds",
	})
}

// Query retrieves metrics by name (empty = all) in [start, end], newest
// first. Zero times mean unbounded.
func (mm *MetricsManager) Query(ctx context.Context, name string, start, end time.Time, limit int) ([]*Metric, error) {
	q := "SELECT metric_name, timestamp, value, labels, unit FROM metrics_timeseries WHERE 1=1"
	var args []any
	if name != "" {
		q += " AND metric_name = ?"
		args = append(args, name)
	}
	if !start.IsZero() {
		q += " AND timestamp >= ?"
		args = append(args, start.UnixMilli())
	}
	if !end.IsZero() {
		q += " AND timestamp <= ?"
		args = append(args, end.UnixMilli())
	}
	q += " ORDER BY timestamp DESC, metric_id DESC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := mm.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("observability: query metrics: %w", err)
	}
	defer rows.Close()

	var out []*Metric
	for rows.Next() {
		var m Metric
		var ts int64
		var labels, unit sql.NullString
		if err := rows.Scan(&m.Name, &ts, &m.Value, &labels, &unit); err != nil {
			return nil, fmt.Errorf("observability: scan metric: %w", err)
		}
		m.Timestamp = time.UnixMilli(ts)
		m.Unit = unit.String
		if labels.Valid {
			_ = json.Unmarshal([]byte(labels.String), &m.Labels)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// AttemptSummary counts attempts per kind and outcome.
type AttemptSummary struct {
	Kind          string  `json:"kind"`
	Outcome       string  `json:"outcome"`
	Count         int     `json:"count"`
	AvgCaptureMs  float64 `json:"avg_capture_ms"`
	LastTimestamp int64   `json:"last_timestamp_ms"`
}

// Summary aggregates attempts recorded since the given time.
func (mm *MetricsManager) Summary(ctx context.Context, since time.Time) ([]AttemptSummary, error) {
	rows, err := mm.db.QueryContext(ctx, `
		SELECT json_extract(labels, '$.kind'), json_extract(labels, '$.outcome'),
		       COUNT(*), AVG(value), MAX(timestamp)
		FROM metrics_timeseries
		WHERE metric_name = ? AND timestamp >= ?
		GROUP BY 1, 2
		ORDER BY 1, 2`,
		MetricCaptureMs, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("observability: summary: %w", err)
	}
	defer rows.Close()

	var out []AttemptSummary
	for rows.Next() {
		var s AttemptSummary
		var kind, outcome sql.NullString
		if err := rows.Scan(&kind, &outcome, &s.Count, &s.AvgCaptureMs, &s.LastTimestamp); err != nil {
			return nil, err
		}
		s.Kind, s.Outcome = kind.String, outcome.String
		out = append(out, s)
	}
	return out, rows.Err()
}

// Cleanup deletes metrics older than retention and returns the count removed.
func (mm *MetricsManager) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	threshold := mm.now().Add(-retention).UnixMilli()
	res, err := mm.db.ExecContext(ctx, "DELETE FROM metrics_timeseries WHERE timestamp < ?", threshold)
	if err != nil {
		return 0, fmt.Errorf("observability: cleanup metrics: %w", err)
	}
	return res.RowsAffected()
}

// Flush writes pending metrics now. A failed batch goes back to the
// front of the buffer.
func (mm *MetricsManager) Flush() {
	mm.writeMu.Lock()
	defer mm.writeMu.Unlock()

	mm.mu.Lock()
	batch := mm.buffer
	mm.buffer = make([]*Metric, 0, mm.bufferSize)
	dropped := mm.dropped
	mm.dropped = 0
	mm.mu.Unlock()

	if dropped > 0 {
		mm.logger.Warn("observability: dropped metrics", "count", dropped)
	}
	if len(batch) == 0 || mm.write(batch) {
		return
	}

	mm.mu.Lock()
	mm.buffer = append(batch, mm.buffer...)
	if over := len(mm.buffer) - 10*mm.bufferSize; over > 0 {
		mm.buffer = mm.buffer[over:]
		mm.dropped += over
	}
	mm.mu.Unlock()
}

// Close flushes remaining metrics and stops the background goroutine.
func (mm *MetricsManager) Close() error {
	mm.once.Do(func() {
		close(mm.stop)
		<-mm.done
	})
	return nil
}

func (mm *MetricsManager) flushLoop() {
	defer close(mm.done)
	ticker := time.NewTicker(mm.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-mm.stop:
			mm.Flush()
			return
		case <-ticker.C:
			mm.Flush()
		case <-mm.kick:
			mm.Flush()
		}
	}
}

func (mm *MetricsManager) write(batch []*Metric) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := mm.db.BeginTx(ctx, nil)
	if err != nil {
		mm.logger.Error("observability: begin tx", "error", err)
		return false
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO metrics_timeseries (metric_name, timestamp, value, labels, unit) VALUES (?,?,?,?,?)`)
	if err != nil {
		tx.Rollback()
		mm.logger.Error("observability: prepare", "error", err)
		return false
	}
	defer stmt.Close()

	for _, m := range batch {
		var labels sql.NullString
		if len(m.Labels) > 0 {
			if b, err := json.Marshal(m.Labels); err == nil {
				labels = sql.NullString{String: string(b), Valid: true}
			}
		}
		if _, err := stmt.ExecContext(ctx, m.Name, m.Timestamp.UnixMilli(), m.Value, labels, m.Unit); err != nil {
			mm.logger.Error("observability: insert", "error", err, "metric", m.Name)
		}
	}

	if err := tx.Commit(); err != nil {
		mm.logger.Error("observability: commit", "error", err)
		return false
	}
	return true
}
