// Package mem is the in-memory Registry, for single-process
// orchestration and tests.
package mem

import (
	"context"
	"sync"
	"time"

	"github.com/cwlops/confrun/pkg/domain"
	domerr "github.com/cwlops/confrun/pkg/domain/errors"
	"github.com/cwlops/confrun/pkg/registry"
)

type runRegistry struct {
	mux  sync.Mutex
	runs map[string]*domain.Run
}

var _ registry.Registry = &runRegistry{}

func New() registry.Registry {
	return &runRegistry{runs: map[string]*domain.Run{}}
}

func (r *runRegistry) Create(_ context.Context, runId string, spec domain.RunSpec) (*domain.Run, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	r.mux.Lock()
	defer r.mux.Unlock()

	if _, ok := r.runs[runId]; ok {
		return nil, domerr.NewConflict("run " + runId)
	}
	for _, run := range r.runs {
		// a failed run does not block: it only comes back to running
		// through its own retry loop, never through a new registration.
		if run.Version != spec.Version {
			continue
		}
		if run.Status == domain.Provisioning || run.Status == domain.Running {
			return nil, domerr.NewConflict(
				"version " + spec.Version + " has a live run: " + run.Id,
			)
		}
	}

	run := &domain.Run{
		RunBody: domain.RunBody{
			Id:        runId,
			Version:   spec.Version,
			Status:    domain.Provisioning,
			Attempts:  0,
			UpdatedAt: time.Now(),
		},
		Spec: spec,
	}
	r.runs[runId] = run

	copied := *run
	return &copied, nil
}

func (r *runRegistry) Get(_ context.Context, runId string) (*domain.Run, error) {
	r.mux.Lock()
	defer r.mux.Unlock()

	run, ok := r.runs[runId]
	if !ok {
		return nil, domerr.NewMissing("run " + runId)
	}
	copied := *run
	return &copied, nil
}

func (r *runRegistry) Latest(_ context.Context, version string) (*domain.Run, error) {
	r.mux.Lock()
	defer r.mux.Unlock()

	var latest *domain.Run
	for _, run := range r.runs {
		if run.Version != version {
			continue
		}
		if latest == nil || latest.UpdatedAt.Before(run.UpdatedAt) ||
			(latest.UpdatedAt.Equal(run.UpdatedAt) && latest.Id < run.Id) {
			latest = run
		}
	}
	if latest == nil {
		return nil, domerr.NewMissing("version " + version)
	}
	copied := *latest
	return &copied, nil
}

func (r *runRegistry) SetStatus(_ context.Context, runId string, next domain.RunStatus) (*domain.Run, error) {
	r.mux.Lock()
	defer r.mux.Unlock()

	run, ok := r.runs[runId]
	if !ok {
		return nil, domerr.NewMissing("run " + runId)
	}

	retryRemains := run.Attempts < run.Spec.MaxInvocations()
	if !run.Status.CanTransit(next, retryRemains) {
		return nil, domain.ErrInvalidStatusChange{From: run.Status, To: next}
	}

	if next == domain.Running {
		run.Attempts += 1
	}
	run.Status = next
	run.UpdatedAt = time.Now()

	copied := *run
	return &copied, nil
}

func (r *runRegistry) Record(_ context.Context, runId string, result domain.RunResult) (*domain.Run, error) {
	r.mux.Lock()
	defer r.mux.Unlock()

	run, ok := r.runs[runId]
	if !ok {
		return nil, domerr.NewMissing("run " + runId)
	}

	next := domain.Failed
	if result.Ok() {
		next = domain.Succeeded
	}
	// recording a result always ends the run; no retry may follow.
	if !run.Status.CanTransit(next, false) && run.Status != next {
		return nil, domain.ErrInvalidStatusChange{From: run.Status, To: next}
	}

	run.Status = next
	run.Attempts = result.Attempts
	run.Result = &result
	run.UpdatedAt = time.Now()

	copied := *run
	return &copied, nil
}

func (r *runRegistry) Close() {}
