package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/cartoonify/internal/domain"
)

const jobColumns = `id, status, source_bucket, source_key, source_size, event_name,
	output_bucket, output_key, width, height, person_pixels, saturated,
	failure_stage, failure_message, created_at, updated_at, completed_at`

// sqlJobStore holds the queries shared by the PostgreSQL and SQLite
// backends. Queries are written with "?" and rebound per dialect.
type sqlJobStore struct {
	db          *sql.DB
	positional  bool
	isDuplicate func(error) bool
	now         func() time.Time
}

func (s *sqlJobStore) rebind(query string) string {
	if !s.positional {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlJobStore) Close() error {
	return s.db.Close()
}

func (s *sqlJobStore) Create(ctx context.Context, job domain.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(
		ctx,
		s.rebind(`INSERT INTO jobs (`+jobColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		job.ID,
		job.Status,
		job.SourceBucket,
		job.SourceKey,
		job.SourceSize,
		job.EventName,
		job.OutputBucket,
		job.OutputKey,
		job.Width,
		job.Height,
		job.PersonPixels,
		job.Saturated,
		job.FailureStage,
		job.FailureMessage,
		job.CreatedAt.UTC(),
		job.UpdatedAt.UTC(),
		nullTime(job.CompletedAt),
	)
	if err != nil {
		if s.isDuplicate != nil && s.isDuplicate(err) {
			return ErrJobExists
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *sqlJobStore) Get(ctx context.Context, id string) (domain.Job, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		s.rebind(`SELECT `+jobColumns+`
		 FROM jobs
		 WHERE id = ?`),
		id,
	)

	var (
		job       domain.Job
		completed sql.NullTime
	)
	if err := row.Scan(
		&job.ID,
		&job.Status,
		&job.SourceBucket,
		&job.SourceKey,
		&job.SourceSize,
		&job.EventName,
		&job.OutputBucket,
		&job.OutputKey,
		&job.Width,
		&job.Height,
		&job.PersonPixels,
		&job.Saturated,
		&job.FailureStage,
		&job.FailureMessage,
		&job.CreatedAt,
		&job.UpdatedAt,
		&completed,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, false, nil
		}
		return domain.Job{}, false, fmt.Errorf("query job: %w", err)
	}

	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	if completed.Valid {
		t := completed.Time.UTC()
		job.CompletedAt = &t
	}
	return job, true, nil
}

func (s *sqlJobStore) UpdateStatus(ctx context.Context, id, status string) (domain.Job, error) {
	return s.exec(ctx, id, "update job status",
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`,
		status, s.now().UTC(), id,
	)
}

func (s *sqlJobStore) Complete(ctx context.Context, id string, outcome domain.JobOutcome) (domain.Job, error) {
	now := s.now().UTC()
	return s.exec(ctx, id, "complete job",
		`UPDATE jobs
		 SET status = ?, output_bucket = ?, output_key = ?, width = ?, height = ?,
		     person_pixels = ?, saturated = ?, failure_stage = '', failure_message = '',
		     updated_at = ?, completed_at = ?
		 WHERE id = ?`,
		domain.JobStatusSucceeded,
		outcome.OutputBucket,
		outcome.OutputKey,
		outcome.Width,
		outcome.Height,
		outcome.PersonPixels,
		outcome.Saturated,
		now,
		now,
		id,
	)
}

func (s *sqlJobStore) Fail(ctx context.Context, id, stage, message string) (domain.Job, error) {
	now := s.now().UTC()
	return s.exec(ctx, id, "fail job",
		`UPDATE jobs
		 SET status = ?, failure_stage = ?, failure_message = ?, updated_at = ?, completed_at = ?
		 WHERE id = ?`,
		domain.JobStatusFailed, stage, message, now, now, id,
	)
}

func (s *sqlJobStore) exec(ctx context.Context, id, op, query string, args ...any) (domain.Job, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return domain.Job{}, fmt.Errorf("%s: %w", op, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.Job{}, ErrJobNotFound
	}

	job, ok, err := s.Get(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}
	return job, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
