package repository

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"
)

// DB wraps the Postgres connection pool
type DB struct {
	*sql.DB
}

// NewDB opens and pings a Postgres database
func NewDB(databaseURL string) (*DB, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}
	conn.SetMaxOpenConns(10)
	conn.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "pinging database")
	}
	return &DB{DB: conn}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS render_jobs (
	id                TEXT PRIMARY KEY,
	lineage_id        TEXT NOT NULL,
	attempt           INTEGER NOT NULL,
	status            TEXT NOT NULL,
	forced            BOOLEAN NOT NULL DEFAULT FALSE,
	provider          TEXT NOT NULL DEFAULT '',
	region            TEXT NOT NULL DEFAULT '',
	accelerator_type  TEXT NOT NULL DEFAULT '',
	accelerator_count INTEGER NOT NULL DEFAULT 0,
	machine_shape     TEXT NOT NULL DEFAULT '',
	preemptible       BOOLEAN NOT NULL DEFAULT FALSE,
	price_per_hour    DOUBLE PRECISION NOT NULL DEFAULT 0,
	backend_handle    TEXT NOT NULL DEFAULT '',
	config_uri        TEXT NOT NULL DEFAULT '',
	video_url         TEXT NOT NULL DEFAULT '',
	last_error        TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS render_jobs_lineage_idx ON render_jobs (lineage_id, attempt);

CREATE TABLE IF NOT EXISTS job_events (
	id          BIGSERIAL PRIMARY KEY,
	job_id      TEXT NOT NULL REFERENCES render_jobs (id),
	lineage_id  TEXT NOT NULL,
	at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	from_status TEXT,
	to_status   TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	meta_json   TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS job_events_job_idx ON job_events (job_id, at);

CREATE TABLE IF NOT EXISTS job_artifacts (
	id         BIGSERIAL PRIMARY KEY,
	job_id     TEXT NOT NULL REFERENCES render_jobs (id),
	type       TEXT NOT NULL,
	uri        TEXT NOT NULL,
	meta_json  TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (job_id, type, uri)
);
`

// EnsureSchema creates the tables if they do not exist
func (db *DB) EnsureSchema(ctx context.Context) error {
	_, err := db.ExecContext(ctx, schema)
	return errors.Wrap(err, "creating schema")
}
