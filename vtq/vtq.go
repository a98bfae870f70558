// CLAUDE:SUMMARY Visibility-timeout queue on SQLite carrying background screenshot computes; duplicate job ids collapse into one row.
// Package vtq implements a Visibility Timeout Queue backed by SQLite.
//
// A claimed job is invisible to other workers for Options.Visibility. The
// worker acks it when done; if the worker dies the job reappears once the
// visibility window passes and another worker picks it up.
//
// Job ids are caller-chosen. Publishing an id that is already queued is a
// no-op, which is how repeated schedule requests for the same screenshot
// collapse into a single compute.
//
// All workers sharing the database file share the queue; there is no broker.
package vtq

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/thumbcache/dbopen"
)

// Schema for the compute_queue table, for dbopen.WithSchema.
const Schema = `
CREATE TABLE IF NOT EXISTS compute_queue (
	id          TEXT NOT NULL,
	queue       TEXT NOT NULL DEFAULT '',
	payload     BLOB,
	visible_at  INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (queue, id)
);
CREATE INDEX IF NOT EXISTS idx_compute_queue_visible ON compute_queue (queue, visible_at);
`

// Job is a row in the queue.
type Job struct {
	ID        string
	Queue     string
	Payload   []byte
	VisibleAt time.Time
	CreatedAt time.Time
	Attempts  int
}

// Options configures queue behaviour.
type Options struct {
	// Queue is the logical queue name. Default: "".
	Queue string
	// Visibility is how long a claimed job stays invisible. It should exceed
	// the longest capture. Default: 5m.
	Visibility time.Duration
	// PollInterval is the delay between claim attempts in RunBatch.
	// Default: 1s.
	PollInterval time.Duration
	// RetryDelay is how long a nacked job waits before reappearing.
	// Default: 0 (immediately).
	RetryDelay time.Duration
	// MaxAttempts limits redeliveries before a job is discarded.
	// 0 means unlimited.
	MaxAttempts int
	Logger      *slog.Logger
	// Now is the clock. Default: time.Now.
	Now func() time.Time
}

func (o *Options) defaults() {
	if o.Visibility <= 0 {
		o.Visibility = 5 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Q is the queue handle.
type Q struct {
	db   *sql.DB
	opts Options
}

// New creates a queue handle on a database opened with Schema.
func New(db *sql.DB, opts Options) *Q {
	opts.defaults()
	return &Q{db: db, opts: opts}
}

// Publish inserts a job that is immediately visible. It reports false when a
// job with the same id is already queued.
func (q *Q) Publish(ctx context.Context, id string, payload []byte) (bool, error) {
	now := q.opts.Now().UnixMilli()
	res, err := dbopen.Exec(ctx, q.db,
		`INSERT OR IGNORE INTO compute_queue (id, queue, payload, visible_at, created_at) VALUES (?,?,?,?,?)`,
		id, q.opts.Queue, payload, now, now,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

const returning = `RETURNING id, queue, payload, visible_at, created_at, attempts`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*Job, error) {
	var j Job
	var visAt, creAt int64
	if err := s.Scan(&j.ID, &j.Queue, &j.Payload, &visAt, &creAt, &j.Attempts); err != nil {
		return nil, err
	}
	j.VisibleAt = time.UnixMilli(visAt)
	j.CreatedAt = time.UnixMilli(creAt)
	return &j, nil
}

// Claim atomically picks the oldest visible job and hides it for the
// visibility duration. Returns nil, nil if no job is available.
func (q *Q) Claim(ctx context.Context) (*Job, error) {
	now := q.opts.Now()
	row := q.db.QueryRowContext(ctx, `
		UPDATE compute_queue
		SET visible_at = ?, attempts = attempts + 1
		WHERE queue = ? AND id = (
			SELECT id FROM compute_queue
			WHERE queue = ? AND visible_at <= ?
			ORDER BY visible_at ASC
			LIMIT 1
		)
		`+returning,
		now.Add(q.opts.Visibility).UnixMilli(), q.opts.Queue, q.opts.Queue, now.UnixMilli(),
	)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

// BatchClaim atomically claims up to n visible jobs. It returns an empty
// (non-nil) slice when no jobs are available.
func (q *Q) BatchClaim(ctx context.Context, n int) ([]*Job, error) {
	now := q.opts.Now()
	rows, err := q.db.QueryContext(ctx, `
		UPDATE compute_queue
		SET visible_at = ?, attempts = attempts + 1
		WHERE queue = ? AND id IN (
			SELECT id FROM compute_queue
			WHERE queue = ? AND visible_at <= ?
			ORDER BY visible_at ASC
			LIMIT ?
		)
		`+returning,
		now.Add(q.opts.Visibility).UnixMilli(), q.opts.Queue, q.opts.Queue, now.UnixMilli(), n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []*Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Ack deletes a processed job.
func (q *Q) Ack(ctx context.Context, id string) error {
	_, err := dbopen.Exec(ctx, q.db,
		`DELETE FROM compute_queue WHERE id = ? AND queue = ?`, id, q.opts.Queue,
	)
	return err
}

// Nack makes a job visible again after RetryDelay.
func (q *Q) Nack(ctx context.Context, id string) error {
	_, err := dbopen.Exec(ctx, q.db,
		`UPDATE compute_queue SET visible_at = ? WHERE id = ? AND queue = ?`,
		q.opts.Now().Add(q.opts.RetryDelay).UnixMilli(), id, q.opts.Queue,
	)
	return err
}

// Len returns the number of jobs, visible or not.
func (q *Q) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM compute_queue WHERE queue = ?`, q.opts.Queue,
	).Scan(&n)
	return n, err
}

// Stats splits the queue into waiting and claimed jobs.
type Stats struct {
	Waiting  int `json:"waiting"`
	InFlight int `json:"in_flight"`
}

// Stats counts waiting and in-flight jobs.
func (q *Q) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := q.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN visible_at <= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN visible_at >  ? THEN 1 ELSE 0 END), 0)
		FROM compute_queue WHERE queue = ?`,
		q.opts.Now().UnixMilli(), q.opts.Now().UnixMilli(), q.opts.Queue,
	).Scan(&s.Waiting, &s.InFlight)
	return s, err
}

// Handler processes a claimed job. Return nil to ack, non-nil to nack.
type Handler func(ctx context.Context, job *Job) error

// RunBatch polls in batches and processes jobs with bounded concurrency.
// It blocks until ctx is cancelled, draining in-flight handlers before
// returning.
func (q *Q) RunBatch(ctx context.Context, batchSize, maxConcurrency int, handler Handler) {
	log := q.opts.Logger
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	if batchSize <= 0 {
		batchSize = maxConcurrency
	}
	log.Info("vtq: consumer started",
		"queue", q.opts.Queue,
		"batch_size", batchSize,
		"max_concurrency", maxConcurrency,
		"visibility", q.opts.Visibility,
	)

	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			log.Info("vtq: consumer stopped", "queue", q.opts.Queue)
			return
		case <-ticker.C:
			jobs, err := q.BatchClaim(ctx, batchSize)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				log.Warn("vtq: batch claim failed", "error", err, "queue", q.opts.Queue)
				continue
			}

			for _, job := range jobs {
				if q.opts.MaxAttempts > 0 && job.Attempts > q.opts.MaxAttempts {
					log.Warn("vtq: job exceeded max attempts, discarding",
						"id", job.ID, "attempts", job.Attempts, "queue", q.opts.Queue)
					_ = q.Ack(ctx, job.ID)
					continue
				}

				acquired := false
				select {
				case sem <- struct{}{}:
					acquired = true
				case <-ctx.Done():
				}
				if ctx.Err() != nil {
					// Hand unstarted jobs back for the next worker.
					if acquired {
						<-sem
					}
					_ = q.Nack(context.WithoutCancel(ctx), job.ID)
					continue
				}

				wg.Add(1)
				go func(j *Job) {
					defer wg.Done()
					defer func() { <-sem }()

					done := context.WithoutCancel(ctx)
					if err := handler(ctx, j); err != nil {
						log.Warn("vtq: handler failed, nacking", "id", j.ID, "error", err, "queue", q.opts.Queue)
						_ = q.Nack(done, j.ID)
					} else {
						_ = q.Ack(done, j.ID)
					}
				}(job)
			}
		}
	}
}
