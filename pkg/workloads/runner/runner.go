package runner

import (
	"context"
	"io"
	"time"

	"github.com/cwlops/confrun/pkg/configs"
	"github.com/cwlops/confrun/pkg/domain"
	domerr "github.com/cwlops/confrun/pkg/domain/errors"
	"github.com/cwlops/confrun/pkg/utils/retry"
	k8s "github.com/cwlops/confrun/pkg/workloads/k8s"
	"github.com/cwlops/confrun/pkg/workloads/volumes"
	kubebatch "k8s.io/api/batch/v1"
)

type Status string

const (
	Pending Status = "pending"
	Running Status = "running"
	Done    Status = "done"
	Failed  Status = "failed"
)

// Runner is a live (or finished) tool invocation in the cluster.
type Runner interface {
	// RunId returns the run ID of the invocation.
	RunId() string

	// JobStatus returns the status of the job.
	JobStatus() Status

	// ExitCode returns the exit code of the main container of the job.
	//
	// # Returns
	//
	// - exitCode : the exit code of the main container.
	//
	// - reason : the reason of the exit.
	//
	// - ok : true if the invocation has been stopped, false otherwise.
	ExitCode() (uint8, string, bool)

	// Log returns the log of the main container.
	Log(ctx context.Context) (io.ReadCloser, error)

	// Close drops the underlying Job from the cluster.
	Close() error
}

type runner struct {
	runId string
	job   k8s.Job
}

func (r *runner) RunId() string {
	return r.runId
}

func (r *runner) JobStatus() Status {
	switch r.job.Status() {
	case k8s.Succeeded:
		return Done
	case k8s.Failed:
		return Failed
	case k8s.Pending:
		return Pending
	default:
		return Running
	}
}

func (r *runner) ExitCode() (uint8, string, bool) {
	return r.job.ExitCode("main")
}

func (r *runner) Log(ctx context.Context) (io.ReadCloser, error) {
	return r.job.Log(ctx, "main")
}

func (r *runner) Close() error {
	return r.job.Close()
}

// Spawn submits a new invocation Job and returns without waiting for it.
//
// PVCs for the run should have been provisioned already.
func Spawn(
	ctx context.Context,
	cluster k8s.Cluster,
	conf *configs.Config,
	ex *Executable,
) (Runner, error) {
	prom := <-cluster.NewJob(
		ctx,
		retry.StaticBackoff(3*time.Second),
		ex.Build(conf),
	)

	if prom.Err != nil {
		return nil, prom.Err
	}

	return &runner{
		runId: ex.Id(),
		job:   prom.Value,
	}, nil
}

// Await blocks until the invocation Job of ex reaches a terminal
// condition (or ctx expires), and returns it.
func Await(
	ctx context.Context,
	cluster k8s.Cluster,
	backoff retry.Backoff,
	ex *Executable,
) (Runner, error) {
	prom := <-cluster.GetJob(
		ctx, backoff, ex.Instance(), k8s.JobIsTerminal,
	)
	if prom.Err != nil {
		return nil, prom.Err
	}
	return &runner{
		runId: ex.Id(),
		job:   prom.Value,
	}, nil
}

// Find looks up the invocation Job of a run, terminal or not.
func Find(
	ctx context.Context,
	cluster k8s.Cluster,
	runBody domain.RunBody,
) (Runner, error) {
	prom := <-cluster.GetJob(
		ctx,
		retry.StaticBackoff(3*time.Second),
		RunIdentifier{RunBody: runBody}.Instance(),
	)
	if prom.Err != nil {
		return nil, prom.Err
	}
	return &runner{
		runId: runBody.Id,
		job:   prom.Value,
	}, nil
}

// jobIsRemoved keeps GetJob polling as long as the Job is still there.
var jobIsRemoved k8s.Requirement[*kubebatch.Job] = func(*kubebatch.Job) error {
	return retry.ErrRetry
}

// awaitRemoval blocks until the invocation Job of ex has vanished from
// the cluster. Job deletion is asynchronous, and a Job of the same name
// submitted while the old one lingers is answered with AlreadyExists,
// which Spawn's caller would mistake for a Job worth adopting.
func awaitRemoval(
	ctx context.Context,
	cluster k8s.Cluster,
	backoff retry.Backoff,
	ex *Executable,
) error {
	prom := <-cluster.GetJob(ctx, backoff, ex.Instance(), jobIsRemoved)
	if domerr.AsMissing(prom.Err) {
		return nil
	}
	return prom.Err
}

// Execute drives a run to a terminal outcome.
//
// It submits the invocation Job and blocks until it finishes. A failed
// invocation is dropped and re-submitted while the spec's retry budget
// remains, so at most Spec.MaxInvocations() Jobs are submitted in total.
// A leftover Job of an interrupted run with the same name is adopted
// instead of re-created.
//
// # Returns
//
// - *domain.RunResult : non-nil whenever the tool ran to an exit code,
//   even a non-zero one. Inspect Ok() for the verdict.
//
// - error : the run could not be carried out. domerr.AsInvocation
//   holds when the run itself is malformed, domerr.AsEnvironment when
//   the cluster broke the run.
func Execute(
	ctx context.Context,
	cluster k8s.Cluster,
	conf *configs.Config,
	backoff retry.Backoff,
	run *domain.Run,
	mounts volumes.Provisioned,
) (*domain.RunResult, error) {
	ex, err := New(run, mounts)
	if err != nil {
		return nil, domerr.NewInvocationCausedBy("malformed run", err)
	}

	startedAt := time.Now()
	budget := run.Spec.MaxInvocations()

	for attempt := uint(1); ; attempt++ {
		if _, err := Spawn(ctx, cluster, conf, ex); err != nil {
			if !domerr.AsConflict(err) {
				return nil, domerr.NewEnvironmentCausedBy("submitting job", err)
			}
			// a Job with this name is already there (interrupted run).
			// fall through and watch it instead.
		}

		done, err := Await(ctx, cluster, backoff, ex)
		if err != nil {
			return nil, domerr.NewEnvironmentCausedBy("watching job", err)
		}

		exit, reason, ok := done.ExitCode()
		if !ok {
			return nil, domerr.NewEnvironment("job finished without an exit code")
		}

		if exit == 0 || budget <= attempt {
			// the Job is left in the cluster for postmortem.
			return &domain.RunResult{
				ExitCode:   exit,
				Reason:     reason,
				BadgeDir:   run.Spec.BadgeDir,
				Attempts:   attempt,
				StartedAt:  startedAt,
				FinishedAt: time.Now(),
			}, nil
		}

		// failed with budget remaining. drop the Job and go again.
		if err := done.Close(); err != nil {
			return nil, domerr.NewEnvironmentCausedBy("dropping failed job", err)
		}
		// do not re-submit until the dropped Job is really gone, or the
		// next attempt would adopt the corpse and replay its exit code.
		if err := awaitRemoval(ctx, cluster, backoff, ex); err != nil {
			return nil, domerr.NewEnvironmentCausedBy("dropping failed job", err)
		}
	}
}
