// Package postgres persists runs in PostgreSQL, so that
// registrations survive orchestrator restarts and several
// orchestrators can share one book.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	kpool "github.com/cwlops/confrun/pkg/conn/db/postgres/pool"
	"github.com/cwlops/confrun/pkg/domain"
	domerr "github.com/cwlops/confrun/pkg/domain/errors"
	"github.com/cwlops/confrun/pkg/registry"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"k8s.io/apimachinery/pkg/api/resource"
)

//go:embed schema.sql
var schema string

type runPG struct {
	pool kpool.Pool
}

var _ registry.Registry = &runPG{}

// New wraps a connection pool as a run registry.
//
// Call Init once before use; the schema is idempotent.
func New(pool kpool.Pool) *runPG {
	return &runPG{pool: pool}
}

// Init applies the run table schema.
func (r *runPG) Init(ctx context.Context) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, schema); err != nil {
		return fmt.Errorf("applying run schema: %w", err)
	}
	return nil
}

func (r *runPG) Create(
	ctx context.Context, runId string, spec domain.RunSpec,
) (*domain.Run, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	// the partial unique index on live statuses enforces the
	// one-live-run-per-version rule; no pre-check needed.
	if _, err := tx.Exec(
		ctx,
		`
		insert into "run" (
			"run_id", "version", "status",
			"manifest", "tool", "badge_dir",
			"max_ram", "max_cores", "image", "extra_args", "retries"
		) values ($1, $2, 'provisioning', $3, $4, $5, $6, $7, $8, $9, $10)
		`,
		runId, spec.Version,
		spec.Manifest, spec.Tool, spec.BadgeDir,
		spec.MaxRAM.String(), spec.MaxCores, spec.Image,
		textArray(spec.ExtraArgs), spec.Retries,
	); err != nil {
		if pgerr := new(pgconn.PgError); errors.As(err, &pgerr) &&
			pgerr.Code == pgerrcode.UniqueViolation {
			return nil, domerr.NewConflictCausedBy(
				"run "+runId+" of version "+spec.Version, err,
			)
		}
		return nil, err
	}

	run, err := get(ctx, tx, runId)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return run, nil
}

func (r *runPG) Get(ctx context.Context, runId string) (*domain.Run, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	return get(ctx, conn, runId)
}

func (r *runPG) Latest(ctx context.Context, version string) (*domain.Run, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	var runId string
	if err := conn.QueryRow(
		ctx,
		`
		select "run_id" from "run"
		where "version" = $1
		order by "updated_at" desc, "run_id" desc
		limit 1
		`,
		version,
	).Scan(&runId); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domerr.NewMissing("version " + version)
		}
		return nil, err
	}

	return get(ctx, conn, runId)
}

func (r *runPG) SetStatus(
	ctx context.Context, runId string, next domain.RunStatus,
) (*domain.Run, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	run, err := lock(ctx, tx, runId)
	if err != nil {
		return nil, err
	}

	retryRemains := run.Attempts < run.Spec.MaxInvocations()
	if !run.Status.CanTransit(next, retryRemains) {
		return nil, domain.ErrInvalidStatusChange{From: run.Status, To: next}
	}

	query := `update "run" set "status" = $1, "updated_at" = now() where "run_id" = $2`
	if next == domain.Running {
		query = `
		update "run" set "status" = $1, "attempts" = "attempts" + 1,
			"updated_at" = now()
		where "run_id" = $2
		`
	}
	if _, err := tx.Exec(ctx, query, string(next), runId); err != nil {
		return nil, err
	}

	updated, err := get(ctx, tx, runId)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *runPG) Record(
	ctx context.Context, runId string, result domain.RunResult,
) (*domain.Run, error) {
	next := domain.Failed
	if result.Ok() {
		next = domain.Succeeded
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	run, err := lock(ctx, tx, runId)
	if err != nil {
		return nil, err
	}

	retryRemains := run.Attempts < run.Spec.MaxInvocations()
	if !run.Status.CanTransit(next, retryRemains) && run.Status != next {
		return nil, domain.ErrInvalidStatusChange{From: run.Status, To: next}
	}

	if _, err := tx.Exec(
		ctx,
		`
		update "run" set
			"status" = $1, "attempts" = $2,
			"exit_code" = $3, "reason" = $4, "result_badge_dir" = $5,
			"result_attempts" = $6, "started_at" = $7, "finished_at" = $8,
			"updated_at" = now()
		where "run_id" = $9
		`,
		string(next), result.Attempts,
		int16(result.ExitCode), result.Reason, result.BadgeDir,
		result.Attempts, result.StartedAt, result.FinishedAt,
		runId,
	); err != nil {
		return nil, err
	}

	updated, err := get(ctx, tx, runId)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *runPG) Close() {
	r.pool.Close()
}

// lock reads a run under "for update", holding the row until the
// surrounding transaction ends.
func lock(ctx context.Context, tx kpool.Tx, runId string) (*domain.Run, error) {
	return scanRun(tx.QueryRow(
		ctx, selectRun+` where "run_id" = $1 for update`, runId,
	), runId)
}

func get(ctx context.Context, q kpool.Queryer, runId string) (*domain.Run, error) {
	return scanRun(q.QueryRow(
		ctx, selectRun+` where "run_id" = $1`, runId,
	), runId)
}

const selectRun = `
	select
		"run_id", "version", "status", "attempts", "updated_at",
		"manifest", "tool", "badge_dir",
		"max_ram", "max_cores", "image", "extra_args", "retries",
		"exit_code", "reason", "result_badge_dir",
		"result_attempts", "started_at", "finished_at"
	from "run"
`

func scanRun(row pgx.Row, runId string) (*domain.Run, error) {
	var (
		run    domain.Run
		status string
		maxRAM string

		extraArgs pgtype.TextArray

		exitCode       pgtype.Int2
		reason         pgtype.Text
		resultBadgeDir pgtype.Text
		resultAttempts pgtype.Int4
		startedAt      pgtype.Timestamptz
		finishedAt     pgtype.Timestamptz
	)
	if err := row.Scan(
		&run.Id, &run.Version, &status, &run.Attempts, &run.UpdatedAt,
		&run.Spec.Manifest, &run.Spec.Tool, &run.Spec.BadgeDir,
		&maxRAM, &run.Spec.MaxCores, &run.Spec.Image, &extraArgs, &run.Spec.Retries,
		&exitCode, &reason, &resultBadgeDir,
		&resultAttempts, &startedAt, &finishedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domerr.NewMissing("run " + runId)
		}
		return nil, err
	}

	run.Status = domain.RunStatus(status)
	run.Spec.Version = run.Version

	ram, err := resource.ParseQuantity(maxRAM)
	if err != nil {
		return nil, fmt.Errorf("run %s: broken max RAM record: %w", run.Id, err)
	}
	run.Spec.MaxRAM = ram

	if err := extraArgs.AssignTo(&run.Spec.ExtraArgs); err != nil {
		return nil, fmt.Errorf("run %s: broken extra args record: %w", run.Id, err)
	}

	if exitCode.Status == pgtype.Present {
		result := domain.RunResult{
			ExitCode: uint8(exitCode.Int),
			Reason:   reason.String,
			BadgeDir: resultBadgeDir.String,
			Attempts: uint(resultAttempts.Int),
		}
		result.StartedAt = startedAt.Time
		result.FinishedAt = finishedAt.Time
		run.Result = &result
	}

	return &run, nil
}

func textArray(ss []string) pgtype.TextArray {
	if ss == nil {
		ss = []string{} // nil would encode as NULL
	}
	arr := pgtype.TextArray{}
	if err := arr.Set(ss); err != nil {
		// []string always assigns; Set fails only on foreign types.
		panic(err)
	}
	return arr
}
