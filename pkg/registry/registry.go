// Package registry keeps the book of conformance runs: their specs,
// lifecycle states, and results.
package registry

import (
	"context"
	"time"

	"github.com/cwlops/confrun/pkg/domain"
)

// Registry records runs. Implementations live in subpackages:
// mem (process-local) and postgres.
type Registry interface {
	// Create registers a new run for spec, in Provisioning state with
	// zero attempts.
	//
	// Only one non-terminal run per suite version may exist;
	// a second one is ErrConflict.
	Create(ctx context.Context, runId string, spec domain.RunSpec) (*domain.Run, error)

	// Get finds a run by id. A run that is not there is ErrMissing.
	Get(ctx context.Context, runId string) (*domain.Run, error)

	// Latest returns the most recently updated run of the version,
	// terminal or not. ErrMissing when the version never ran.
	Latest(ctx context.Context, version string) (*domain.Run, error)

	// SetStatus moves a run along its lifecycle.
	//
	// A transition the state machine does not allow is
	// domain.ErrInvalidStatusChange. Entering Running increments
	// Attempts.
	SetStatus(ctx context.Context, runId string, next domain.RunStatus) (*domain.Run, error)

	// Record stores the result of a run and moves it to the matching
	// terminal state (Succeeded when result.Ok(), Failed otherwise).
	Record(ctx context.Context, runId string, result domain.RunResult) (*domain.Run, error)

	// Close releases what the registry holds.
	Close()
}

// NewRunId names a run after its suite version and start time.
//
// Ids sort chronologically per version and stay k8s-name friendly.
func NewRunId(version string, at time.Time) string {
	return "cwl-" + version + "-" + at.UTC().Format("20060102-150405")
}
