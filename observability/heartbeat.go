package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/hazyhaar/thumbcache/dbopen"
)

// QueueDepth reports how many compute jobs wait and how many are claimed.
type QueueDepth func(ctx context.Context) (waiting, inFlight int, err error)

// HeartbeatWriter upserts one liveness row per worker process.
type HeartbeatWriter struct {
	db         *sql.DB
	workerName string
	hostname   string
	pid        int
	interval   time.Duration
	depth      QueueDepth
	logger     *slog.Logger
	now        func() time.Time
	stop       chan struct{}
	done       chan struct{}
}

// NewHeartbeatWriter creates a writer. depth may be nil. Recommended
// interval: 15s.
func NewHeartbeatWriter(db *sql.DB, workerName string, interval time.Duration, depth QueueDepth, logger *slog.Logger) *HeartbeatWriter {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HeartbeatWriter{
		db:         db,
		workerName: workerName,
		hostname:   hostname,
		pid:        os.Getpid(),
		interval:   interval,
		depth:      depth,
		logger:     logger,
		now:        time.Now,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start writes one heartbeat immediately, then one per interval until Stop
// or ctx is done.
func (hw *HeartbeatWriter) Start(ctx context.Context) {
	go hw.loop(ctx)
}

// WriteHeartbeat upserts the worker's row with current runtime and queue
// figures.
func (hw *HeartbeatWriter) WriteHeartbeat(ctx context.Context) error {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	var waiting, inFlight sql.NullInt64
	if hw.depth != nil {
		w, f, err := hw.depth(ctx)
		if err != nil {
			hw.logger.Debug("observability: queue depth", "error", err)
		} else {
			waiting = sql.NullInt64{Int64: int64(w), Valid: true}
			inFlight = sql.NullInt64{Int64: int64(f), Valid: true}
		}
	}

	_, err := dbopen.Exec(ctx, hw.db, `
		INSERT INTO worker_heartbeats (
			worker_name, hostname, worker_pid, timestamp,
			goroutines_count, memory_alloc_mb, queue_waiting, queue_in_flight
		) VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(worker_name, hostname, worker_pid) DO UPDATE SET
			timestamp = excluded.timestamp,
			goroutines_count = excluded.goroutines_count,
			memory_alloc_mb = excluded.memory_alloc_mb,
			queue_waiting = excluded.queue_waiting,
			queue_in_flight = excluded.queue_in_flight`,
		hw.workerName, hw.hostname, hw.pid, hw.now().UnixMilli(),
		runtime.NumGoroutine(), float64(mem.Alloc)/1024/1024, waiting, inFlight)
	if err != nil {
		return fmt.Errorf("observability: heartbeat: %w", err)
	}
	return nil
}

// Stop ends the heartbeat goroutine and waits for it.
func (hw *HeartbeatWriter) Stop() {
	select {
	case <-hw.stop:
	default:
		close(hw.stop)
	}
	<-hw.done
}

func (hw *HeartbeatWriter) loop(ctx context.Context) {
	defer close(hw.done)
	ticker := time.NewTicker(hw.interval)
	defer ticker.Stop()

	for {
		if err := hw.WriteHeartbeat(ctx); err != nil && ctx.Err() == nil {
			hw.logger.Error("observability: heartbeat write failed", "error", err, "worker", hw.workerName)
		}
		select {
		case <-ctx.Done():
			return
		case <-hw.stop:
			return
		case <-ticker.C:
		}
	}
}

// WorkerStatus is the latest heartbeat of one worker process.
type WorkerStatus struct {
	WorkerName    string    `json:"worker_name"`
	Hostname      string    `json:"hostname"`
	PID           int       `json:"pid"`
	Timestamp     time.Time `json:"timestamp"`
	Goroutines    int       `json:"goroutines"`
	MemoryAllocMB float64   `json:"memory_alloc_mb"`
	QueueWaiting  *int64    `json:"queue_waiting,omitempty"`
	QueueInFlight *int64    `json:"queue_in_flight,omitempty"`
	Alive         bool      `json:"alive"`
}

// Workers lists every worker that ever beat, newest first. A worker is alive
// when its last beat is younger than staleAfter.
func Workers(ctx context.Context, db *sql.DB, now time.Time, staleAfter time.Duration) ([]WorkerStatus, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT worker_name, hostname, worker_pid, timestamp,
		       goroutines_count, memory_alloc_mb, queue_waiting, queue_in_flight
		FROM worker_heartbeats
		ORDER BY timestamp DESC`)
	if err != nil {
		return nil, fmt.Errorf("observability: query heartbeats: %w", err)
	}
	defer rows.Close()

	var out []WorkerStatus
	for rows.Next() {
		var ws WorkerStatus
		var ts int64
		var waiting, inFlight sql.NullInt64
		if err := rows.Scan(&ws.WorkerName, &ws.Hostname, &ws.PID, &ts,
			&ws.Goroutines, &ws.MemoryAllocMB, &waiting, &inFlight); err != nil {
			return nil, err
		}
		ws.Timestamp = time.UnixMilli(ts)
		ws.Alive = now.Sub(ws.Timestamp) < staleAfter
		if waiting.Valid {
			ws.QueueWaiting = &waiting.Int64
		}
		if inFlight.Valid {
			ws.QueueInFlight = &inFlight.Int64
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}

// CleanupHeartbeats deletes heartbeats older than retention.
func CleanupHeartbeats(ctx context.Context, db *sql.DB, now time.Time, retention time.Duration) (int64, error) {
	res, err := db.ExecContext(ctx, "DELETE FROM worker_heartbeats WHERE timestamp < ?", now.Add(-retention).UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("observability: cleanup heartbeats: %w", err)
	}
	return res.RowsAffected()
}
