package observability

import "database/sql"

// Schema is the DDL for the metrics and heartbeat tables. It can live in the
// cache database or a separate one.
const Schema = `
CREATE TABLE IF NOT EXISTS metrics_timeseries (
    metric_id   INTEGER PRIMARY KEY AUTOINCREMENT,
    metric_name TEXT NOT NULL,
    timestamp   INTEGER NOT NULL,  -- milliseconds since epoch
    value       REAL NOT NULL,
    labels      TEXT,
    unit        TEXT
);
CREATE INDEX IF NOT EXISTS idx_metrics_name_time
    ON metrics_timeseries(metric_name, timestamp DESC);

CREATE TABLE IF NOT EXISTS worker_heartbeats (
    worker_name      TEXT NOT NULL,
    hostname         TEXT NOT NULL,
    worker_pid       INTEGER NOT NULL,
    timestamp        INTEGER NOT NULL,  -- milliseconds since epoch
    goroutines_count INTEGER,
    memory_alloc_mb  REAL,
    queue_waiting    INTEGER,
    queue_in_flight  INTEGER,
    PRIMARY KEY (worker_name, hostname, worker_pid)
);
`

// Init applies Schema to db.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
