// Package postgres stores deployment reports so operators can see what ran where.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/crabzie/fog-fleet/internal/core/domain"
	"github.com/crabzie/fog-fleet/internal/core/port"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const defaultHistoryLimit = 10

type deploymentRepository struct {
	db  *pgxpool.Pool
	qb  *squirrel.StatementBuilderType
	log *zap.Logger
}

// NewDeploymentRepository creates a new postgres deployment history repository
func NewDeploymentRepository(db *pgxpool.Pool, qb *squirrel.StatementBuilderType, log *zap.Logger) port.DeploymentRecorder {
	return &deploymentRepository{
		db:  db,
		qb:  qb,
		log: log,
	}
}

func insertRun(qb *squirrel.StatementBuilderType, report *domain.Report) squirrel.InsertBuilder {
	return qb.Insert("deployment_runs").
		Columns("id", "operation", "version", "started_at", "finished_at", "succeeded", "failed").
		Values(report.ID, report.Operation, report.Version, report.StartedAt, report.FinishedAt,
			report.Count(domain.OutcomeSucceeded), report.Count(domain.OutcomeFailed))
}

// insertOutcomes writes every outcome in one statement; position keeps report order
func insertOutcomes(qb *squirrel.StatementBuilderType, report *domain.Report) squirrel.InsertBuilder {
	q := qb.Insert("deployment_outcomes").
		Columns("run_id", "position", "node", "address", "status", "kind", "reason", "duration_ms")
	for i, o := range report.Outcomes {
		q = q.Values(report.ID, i, o.Node, o.Address, string(o.Status), o.Kind, o.Reason, o.Duration.Milliseconds())
	}
	return q
}

func recentRuns(qb *squirrel.StatementBuilderType, limit int) squirrel.SelectBuilder {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return qb.Select("id", "operation", "version", "started_at", "finished_at").
		From("deployment_runs").
		OrderBy("started_at DESC").
		Limit(uint64(limit))
}

func runOutcomes(qb *squirrel.StatementBuilderType, ids []string) squirrel.SelectBuilder {
	return qb.Select("run_id", "node", "address", "status", "kind", "reason", "duration_ms").
		From("deployment_outcomes").
		Where("run_id = ANY(?::uuid[])", ids).
		OrderBy("run_id", "position")
}

func (r *deploymentRepository) Record(ctx context.Context, report *domain.Report) error {
	runSQL, runArgs, err := insertRun(r.qb, report).ToSql()
	if err != nil {
		return err
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", domain.ErrExternalServiceUnavailable, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, runSQL, runArgs...); err != nil {
		r.log.Error("Failed to save deployment run", zap.String("id", report.ID), zap.Error(err))
		return err
	}

	if len(report.Outcomes) > 0 {
		outcomeSQL, outcomeArgs, err := insertOutcomes(r.qb, report).ToSql()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, outcomeSQL, outcomeArgs...); err != nil {
			r.log.Error("Failed to save deployment outcomes", zap.String("id", report.ID), zap.Error(err))
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	r.log.Debug("Deployment recorded", zap.String("id", report.ID), zap.Int("outcomes", len(report.Outcomes)))
	return nil
}

// runRow and outcomeRow mirror the table columns
type runRow struct {
	ID         string
	Operation  string
	Version    string
	StartedAt  time.Time
	FinishedAt time.Time
}

type outcomeRow struct {
	RunID      string
	Node       string
	Address    string
	Status     string
	Kind       string
	Reason     string
	DurationMS int64
}

func (r *deploymentRepository) Recent(ctx context.Context, limit int) ([]*domain.Report, error) {
	query, args, err := recentRuns(r.qb, limit).ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var runs []runRow
	var ids []string
	for rows.Next() {
		var run runRow
		if err := rows.Scan(&run.ID, &run.Operation, &run.Version, &run.StartedAt, &run.FinishedAt); err != nil {
			rows.Close()
			return nil, err
		}
		runs = append(runs, run)
		ids = append(ids, run.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}

	query, args, err = runOutcomes(r.qb, ids).ToSql()
	if err != nil {
		return nil, err
	}
	rows, err = r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outcomes []outcomeRow
	for rows.Next() {
		var o outcomeRow
		if err := rows.Scan(&o.RunID, &o.Node, &o.Address, &o.Status, &o.Kind, &o.Reason, &o.DurationMS); err != nil {
			return nil, err
		}
		outcomes = append(outcomes, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return assemble(runs, outcomes), nil
}

// assemble groups outcome rows under their runs, keeping run order
func assemble(runs []runRow, outcomes []outcomeRow) []*domain.Report {
	reports := make([]*domain.Report, 0, len(runs))
	byID := make(map[string]*domain.Report, len(runs))
	for _, run := range runs {
		rep := &domain.Report{
			ID:         run.ID,
			Operation:  run.Operation,
			Version:    run.Version,
			StartedAt:  run.StartedAt,
			FinishedAt: run.FinishedAt,
		}
		reports = append(reports, rep)
		byID[run.ID] = rep
	}
	for _, o := range outcomes {
		rep, ok := byID[o.RunID]
		if !ok {
			continue
		}
		rep.Add(domain.Outcome{
			Node:     o.Node,
			Address:  o.Address,
			Status:   domain.OutcomeStatus(o.Status),
			Kind:     o.Kind,
			Reason:   o.Reason,
			Duration: time.Duration(o.DurationMS) * time.Millisecond,
		})
	}
	return reports
}
