package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dunamismax/cartoonify/internal/domain"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobExists   = errors.New("job already exists")
)

type JobStore interface {
	Create(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, bool, error)
	UpdateStatus(ctx context.Context, id, status string) (domain.Job, error)
	Complete(ctx context.Context, id string, outcome domain.JobOutcome) (domain.Job, error)
	Fail(ctx context.Context, id, stage, message string) (domain.Job, error)
	Close() error
}

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	Driver string
	// DSN is the PostgreSQL connection string or the SQLite file path.
	DSN string
}

// Open returns the JobStore selected by cfg.Driver.
func Open(ctx context.Context, cfg Config) (JobStore, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverMemory:
		return NewMemoryJobStore(), nil
	case DriverPostgres:
		s, err := NewPostgresJobStore(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverSQLite, "sqlite3":
		s, err := NewSQLiteJobStore(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Driver)
	}
}
