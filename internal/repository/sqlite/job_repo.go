// Package sqlite contains the single-instance SQLite implementation of repository interfaces.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/and161185/ipakeeper/internal/errs"
	"github.com/and161185/ipakeeper/internal/migrate"
	"github.com/and161185/ipakeeper/internal/model"
	"github.com/and161185/ipakeeper/internal/repository"
)

// JobRepo implements JobRepository on a local SQLite file.
type JobRepo struct {
	db  *sql.DB
	now func() time.Time
}

var _ repository.JobRepository = (*JobRepo)(nil)

// Open creates the database file if needed and applies migrations.
func Open(ctx context.Context, path string, log *zap.Logger) (*JobRepo, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	db, err := sql.Open("sqlite3", migrate.SQLiteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.UpDB(ctx, db, migrate.DriverSQLite, log); err != nil {
		db.Close()
		return nil, err
	}
	// single writer
	db.SetMaxOpenConns(1)
	return &JobRepo{db: db, now: time.Now}, nil
}

// Close closes the database connection.
func (r *JobRepo) Close() error { return r.db.Close() }

// List selects every job ordered by creation time.
func (r *JobRepo) List(ctx context.Context) ([]model.Job, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT payload, status, percent, speed, error FROM jobs ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []model.Job
	for rows.Next() {
		var (
			payload []byte
			status  string
			st      model.JobState
		)
		if err := rows.Scan(&payload, &status, &st.Percent, &st.Speed, &st.Error); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		st.Status = model.Status(status)
		job, err := repository.DecodePayload(payload, st)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// Upsert inserts or replaces a job row by ID.
func (r *JobRepo) Upsert(ctx context.Context, job model.Job) error {
	payload, err := repository.EncodePayload(job)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO jobs (id, app_id, version_id, account_id, payload, status, percent, speed, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			app_id=excluded.app_id, version_id=excluded.version_id, account_id=excluded.account_id,
			payload=excluded.payload, status=excluded.status, percent=excluded.percent,
			speed=excluded.speed, error=excluded.error, updated_at=excluded.updated_at`,
		job.ID.String(), job.App.ID, job.VersionID, job.AccountID.String(), payload,
		string(job.State.Status), job.State.Percent, job.State.Speed, job.State.Error,
		job.CreatedAt.UnixNano(), r.now().UnixNano(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("job for app %d version %s: %w", job.App.ID, job.VersionID, errs.ErrAlreadyExists)
		}
		return fmt.Errorf("upsert job: %w", err)
	}
	return nil
}

// UpdateStates writes all updates in one transaction.
func (r *JobRepo) UpdateStates(ctx context.Context, updates []repository.StateUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`UPDATE jobs SET status=?, percent=?, speed=?, error=?, updated_at=? WHERE id=?`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	now := r.now().UnixNano()
	for _, u := range updates {
		if _, err := stmt.ExecContext(ctx, string(u.State.Status), u.State.Percent, u.State.Speed, u.State.Error, now, u.ID.String()); err != nil {
			return fmt.Errorf("update job %s: %w", u.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Delete removes a job row.
func (r *JobRepo) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM jobs WHERE id=?`, id.String()); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
}
