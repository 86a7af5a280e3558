// Package history persists finished runs in a SQL database so that trends
// across runtime versions can be queried.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/mlOS-foundation/system-test/pkg/config"
	"github.com/mlOS-foundation/system-test/pkg/result"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// DefaultListLimit caps ListRuns when no limit is given.
const DefaultListLimit = 50

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run not found")

// RunFilter narrows ListRuns.
type RunFilter struct {
	RuntimeVersion string
	Status         string
	Limit          int
}

// Store provides persistence for run history.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// SaveRun inserts or replaces a run and its workloads.
	SaveRun(ctx context.Context, dir string, run *result.RunResult) error
	// ImportDir saves the run stored in a run directory.
	ImportDir(ctx context.Context, dir string) (*result.RunResult, error)

	ListRuns(ctx context.Context, filter RunFilter) ([]Run, error)
	GetRun(ctx context.Context, runID string) (*Run, error)
	LatestRun(ctx context.Context) (*Run, error)
	ListWorkloads(ctx context.Context, runID string) ([]Workload, error)

	// Name and Publish let the store record runs as they finish.
	Name() string
	Publish(ctx context.Context, runDir string, run *result.RunResult) error
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.HistoryConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.HistoryConfig,
) Store {
	return &store{
		log: log.WithField("component", "history"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case config.DriverSQLite:
		if dir := filepath.Dir(s.cfg.SQLite.Path); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("creating database directory: %w", err)
			}
		}

		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case config.DriverPostgres:
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening history database: %w", err)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Run{},
		&Workload{},
	); err != nil {
		return fmt.Errorf("running history migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).
		Info("History database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// Name identifies the store as a publisher.
func (s *store) Name() string {
	return "history"
}

// Publish records a finished run.
func (s *store) Publish(ctx context.Context, runDir string, run *result.RunResult) error {
	return s.SaveRun(ctx, runDir, run)
}

// SaveRun upserts the run keyed by run_id and replaces its workload rows.
func (s *store) SaveRun(ctx context.Context, dir string, run *result.RunResult) error {
	row, err := newRun(dir, run)
	if err != nil {
		return err
	}

	workloads := newWorkloads(run)

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "run_id"}},
			UpdateAll: true,
		}).Create(row).Error; err != nil {
			return fmt.Errorf("upserting run: %w", err)
		}

		if err := tx.Where("run_id = ?", run.RunID).
			Delete(&Workload{}).Error; err != nil {
			return fmt.Errorf("deleting workloads: %w", err)
		}

		if len(workloads) == 0 {
			return nil
		}

		if err := tx.CreateInBatches(workloads, 100).Error; err != nil {
			return fmt.Errorf("inserting workloads: %w", err)
		}

		return nil
	})
	if err != nil {
		return err
	}

	s.log.WithFields(logrus.Fields{
		"run_id":    run.RunID,
		"workloads": len(workloads),
	}).Debug("Run saved")

	return nil
}

// ImportDir reads result.json from dir and saves it.
func (s *store) ImportDir(ctx context.Context, dir string) (*result.RunResult, error) {
	run, err := result.ReadRunResult(dir)
	if err != nil {
		return nil, err
	}

	if err := s.SaveRun(ctx, dir, run); err != nil {
		return nil, err
	}

	return run, nil
}

// ListRuns returns runs matching filter, newest first.
func (s *store) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	q := s.db.WithContext(ctx).Omit("result_json")

	if filter.RuntimeVersion != "" {
		q = q.Where("runtime_version = ?", filter.RuntimeVersion)
	}

	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}

	var runs []Run
	if err := q.Order("started_at DESC").
		Limit(limit).
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	return runs, nil
}

// GetRun returns the run with runID, including its serialized result.
func (s *store) GetRun(ctx context.Context, runID string) (*Run, error) {
	var run Run

	err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("getting run: %w", err)
	}

	return &run, nil
}

// LatestRun returns the most recently started run.
func (s *store) LatestRun(ctx context.Context) (*Run, error) {
	var run Run

	err := s.db.WithContext(ctx).
		Order("started_at DESC").
		First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("getting latest run: %w", err)
	}

	return &run, nil
}

// ListWorkloads returns the workloads of a run ordered by name.
func (s *store) ListWorkloads(ctx context.Context, runID string) ([]Workload, error) {
	var workloads []Workload
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("name ASC").
		Find(&workloads).Error; err != nil {
		return nil, fmt.Errorf("listing workloads: %w", err)
	}

	return workloads, nil
}

func newRun(dir string, run *result.RunResult) (*Run, error) {
	data, err := json.Marshal(run)
	if err != nil {
		return nil, fmt.Errorf("marshaling run result: %w", err)
	}

	row := &Run{
		RunID:                 run.RunID,
		Dir:                   filepath.Base(dir),
		Status:                string(run.Status),
		RuntimeVersion:        run.Versions.Runtime,
		ToolVersion:           run.Versions.Tool,
		StartedAt:             run.StartedAt,
		FinishedAt:            run.FinishedAt,
		DurationMs:            run.Duration().Milliseconds(),
		ModelsInstalled:       run.Totals.ModelsInstalled,
		TotalInvocations:      run.Totals.TotalInvocations,
		SuccessfulInvocations: run.Totals.SuccessfulInvocations,
		FailedInvocations:     run.Totals.FailedInvocations,
		SuccessRate:           run.Totals.SuccessRate,
		ResultJSON:            string(data),
		IndexedAt:             time.Now().UTC(),
	}

	if run.Hardware != nil {
		row.Hostname = run.Hardware.Hostname
	}

	if run.Idle != nil && run.Idle.Available {
		row.IdleAvgCPU = run.Idle.AvgCPU
		row.IdleMaxMemMB = run.Idle.MaxMemMB
	}

	if run.Loaded != nil && run.Loaded.Available {
		row.LoadedAvgCPU = run.Loaded.AvgCPU
		row.LoadedMaxMemMB = run.Loaded.MaxMemMB
	}

	if run.Status == result.RunAborted {
		for _, p := range run.Phases {
			if p.Status == result.StatusFailed {
				row.AbortedPhase = string(p.Name)

				break
			}
		}
	}

	return row, nil
}

func newWorkloads(run *result.RunResult) []*Workload {
	rows := make([]*Workload, 0, len(run.Workloads))

	for _, name := range run.WorkloadOrder {
		w, ok := run.Workloads[name]
		if !ok {
			continue
		}

		row := &Workload{
			RunID:      run.RunID,
			Name:       w.Name,
			WorkloadID: w.ID,
			Category:   w.Category,
		}

		for _, step := range []struct {
			s      *result.StepResult
			status *string
			ms     *int64
		}{
			{w.Install, &row.InstallStatus, &row.InstallMs},
			{w.Register, &row.RegisterStatus, &row.RegisterMs},
		} {
			if step.s == nil {
				continue
			}

			*step.status = string(step.s.Status)
			*step.ms = step.s.DurationMs

			if row.ErrorKind == "" {
				row.ErrorKind = string(step.s.ErrorKind)
			}
		}

		if inv := w.Invocation(result.VariantSmall); inv != nil {
			row.SmallStatus = string(inv.Status)
			row.SmallLatencyMs = inv.LatencyMs

			if row.ErrorKind == "" {
				row.ErrorKind = string(inv.ErrorKind)
			}
		}

		if inv := w.Invocation(result.VariantLarge); inv != nil {
			row.LargeStatus = string(inv.Status)
			row.LargeLatencyMs = inv.LatencyMs

			if row.ErrorKind == "" {
				row.ErrorKind = string(inv.ErrorKind)
			}
		}

		rows = append(rows, row)
	}

	return rows
}
