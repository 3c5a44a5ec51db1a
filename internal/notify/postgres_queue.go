package notify

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresQueue is a Queue backed by the email_jobs table.
type PostgresQueue struct {
	db *sql.DB
}

// NewPostgresQueue creates a queue over db.
func NewPostgresQueue(db *sql.DB) *PostgresQueue {
	return &PostgresQueue{db: db}
}

var _ Queue = (*PostgresQueue)(nil)

func (q *PostgresQueue) Enqueue(ctx context.Context, msg Message) error {
	if msg.To == "" {
		return ErrNoRecipient
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO email_jobs (id, template, recipient, subject, html_body, text_body)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.NewString(), msg.Template, msg.To, msg.Subject, msg.HTML, msg.Text,
	)
	return err
}

// Claim selects due jobs with FOR UPDATE SKIP LOCKED and pushes their
// next_attempt_at past the lease in the same transaction.
func (q *PostgresQueue) Claim(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*Job, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, template, recipient, subject, html_body, text_body,
		       attempts, last_error, status, next_attempt_at, created_at
		FROM email_jobs
		WHERE status = 'pending' AND next_attempt_at <= $1
		ORDER BY next_attempt_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`,
		now, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		jobs []*Job
		ids  []string
	)
	for rows.Next() {
		j := &Job{}
		var lastErr sql.NullString
		var status string
		if err := rows.Scan(
			&j.ID, &j.Message.Template, &j.Message.To, &j.Message.Subject, &j.Message.HTML, &j.Message.Text,
			&j.Attempts, &lastErr, &status, &j.NextAttemptAt, &j.CreatedAt,
		); err != nil {
			return nil, err
		}
		j.LastError = lastErr.String
		j.Status = JobStatus(status)
		jobs = append(jobs, j)
		ids = append(ids, j.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE email_jobs SET next_attempt_at = $1 WHERE id = ANY($2)`,
		now.Add(lease), pq.Array(ids),
	); err != nil {
		return nil, fmt.Errorf("lease email jobs: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (q *PostgresQueue) Complete(ctx context.Context, id string) error {
	result, err := q.db.ExecContext(ctx,
		`UPDATE email_jobs SET status = 'sent', last_error = NULL WHERE id = $1`, id)
	return expectJob(result, err)
}

func (q *PostgresQueue) Retry(ctx context.Context, id string, attempts int, lastErr string, next time.Time) error {
	result, err := q.db.ExecContext(ctx,
		`UPDATE email_jobs SET attempts = $1, last_error = $2, next_attempt_at = $3 WHERE id = $4`,
		attempts, lastErr, next, id)
	return expectJob(result, err)
}

func (q *PostgresQueue) Bury(ctx context.Context, id string, attempts int, lastErr string) error {
	result, err := q.db.ExecContext(ctx,
		`UPDATE email_jobs SET status = 'dead', attempts = $1, last_error = $2 WHERE id = $3`,
		attempts, lastErr, id)
	return expectJob(result, err)
}

func (q *PostgresQueue) Depth(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM email_jobs WHERE status = 'pending'`).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

func expectJob(result sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}
