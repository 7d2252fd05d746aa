package coderelay

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"
)

const archiveSchema = `
CREATE TABLE IF NOT EXISTS task_archive (
	task_id      TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	worker       TEXT NOT NULL DEFAULT '',
	prompt       TEXT NOT NULL DEFAULT '',
	repository   TEXT NOT NULL DEFAULT '',
	linear_issue TEXT NOT NULL DEFAULT '',
	record       JSONB NOT NULL,
	created_at   TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	archived_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresArchive copies terminal tasks into Postgres for long-term audit.
// Redis stays the authoritative store; the archive is written best-effort
// after the callback claim and re-archiving the same task is an upsert.
type PostgresArchive struct {
	db  *sql.DB
	log Logger
}

// NewPostgresArchive opens the archive database and ensures its schema.
func NewPostgresArchive(ctx context.Context, dsn string, logger Logger) (*PostgresArchive, error) {
	if logger == nil {
		logger = noopLogger{}
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, archiveSchema); err != nil {
		db.Close()
		return nil, err
	}
	return &PostgresArchive{db: db, log: logger}, nil
}

// Archive upserts the terminal task. The full record is stored as JSONB with
// the webhook secret redacted; hot query columns are lifted out of it.
func (a *PostgresArchive) Archive(ctx context.Context, t *Task) error {
	redacted := *t
	redacted.WebhookSecret = RedactSecret(t.WebhookSecret)
	record, err := (&JSONEncoder{}).Encode(&redacted)
	if err != nil {
		return err
	}

	_, err = a.db.ExecContext(ctx, `
		INSERT INTO task_archive
			(task_id, user_id, status, worker, prompt, repository, linear_issue,
			 record, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (task_id) DO UPDATE SET
			status = EXCLUDED.status,
			record = EXCLUDED.record,
			completed_at = EXCLUDED.completed_at,
			archived_at = now()`,
		t.TaskID, t.UserID, string(t.Status), t.WorkerLocation, t.Prompt,
		t.Repository, t.LinearIssueID, record,
		msToTime(t.CreatedAt), msToTime(t.CompletedAt),
	)
	return err
}

// Close releases the database handle.
func (a *PostgresArchive) Close() error { return a.db.Close() }

func msToTime(ms int64) any {
	if ms == 0 {
		return nil
	}
	return time.UnixMilli(ms).UTC()
}
