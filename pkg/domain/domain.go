package domain

import (
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/api/resource"
)

// RunStatus is the lifecycle state of a conformance run.
type RunStatus string

const (
	// storage is being prepared. No tool has started.
	Provisioning RunStatus = "provisioning"

	// the test tool has been submitted and has not finished.
	Running RunStatus = "running"

	// the tool exited 0 and badge output is in place. Terminal.
	Succeeded RunStatus = "succeeded"

	// the tool exited non-zero, or the environment broke the run.
	//
	// Terminal, except that a run with retry budget left may go back
	// to Running.
	Failed RunStatus = "failed"
)

func (s RunStatus) String() string {
	return string(s)
}

// Terminal reports whether no further transition can happen from s,
// given whether the run still has retry budget.
func (s RunStatus) Terminal(retryRemains bool) bool {
	switch s {
	case Succeeded:
		return true
	case Failed:
		return !retryRemains
	default:
		return false
	}
}

// CanTransit reports whether a run may move from s to next.
//
// Allowed transitions are Provisioning -> Running -> {Succeeded, Failed},
// and Failed -> Running only while retryRemains.
func (s RunStatus) CanTransit(next RunStatus, retryRemains bool) bool {
	switch s {
	case Provisioning:
		return next == Running || next == Failed
	case Running:
		return next == Succeeded || next == Failed
	case Failed:
		return next == Running && retryRemains
	default:
		return false
	}
}

// ErrInvalidStatusChange is returned when a run is asked to take
// a transition its state machine does not allow.
type ErrInvalidStatusChange struct {
	From, To RunStatus
}

func (e ErrInvalidStatusChange) Error() string {
	return fmt.Sprintf("run status can not change: %s -> %s", e.From, e.To)
}

// RunSpec is the full parameter set of one conformance-suite invocation.
//
// It is sealed from configuration before the run starts and is
// immutable afterwards.
type RunSpec struct {
	// specification version label, like "1.2" or "1.2.1".
	Version string

	// path of the conformance test manifest, under the input volume.
	Manifest string

	// name of the tool under test, passed to cwltest --tool.
	Tool string

	// badge output directory, under the output volume.
	BadgeDir string

	// upper bound of RAM the tool may schedule.
	MaxRAM resource.Quantity

	// upper bound of CPU cores the tool may schedule.
	MaxCores int

	// default container image for test steps.
	Image string

	// extra arguments passed through to the tool after the fixed set.
	ExtraArgs []string

	// how many times a failed invocation may be re-submitted.
	// Zero means a single invocation, no retry.
	Retries uint
}

// Validate checks the invariants every runnable spec must hold.
func (s RunSpec) Validate() error {
	if s.Version == "" {
		return fmt.Errorf("run spec: no version label")
	}
	if s.Manifest == "" {
		return fmt.Errorf("run spec [version:%s]: no test manifest", s.Version)
	}
	if s.Tool == "" {
		return fmt.Errorf("run spec [version:%s]: no tool name", s.Version)
	}
	if s.BadgeDir == "" {
		return fmt.Errorf("run spec [version:%s]: no badge directory", s.Version)
	}
	if s.MaxRAM.IsZero() || s.MaxRAM.Sign() <= 0 {
		return fmt.Errorf("run spec [version:%s]: max RAM must be positive", s.Version)
	}
	if s.MaxCores <= 0 {
		return fmt.Errorf("run spec [version:%s]: max cores must be positive", s.Version)
	}
	if s.Image == "" {
		return fmt.Errorf("run spec [version:%s]: no default container image", s.Version)
	}
	return nil
}

// MaxInvocations is the submission budget: one initial invocation
// plus Retries re-submissions.
func (s RunSpec) MaxInvocations() uint {
	return s.Retries + 1
}

// RunBody identifies a run and carries its mutable lifecycle fields.
type RunBody struct {
	// run id. Unique among runs.
	Id string

	// version label of the suite this run executes.
	Version string

	Status RunStatus

	// how many invocations have been submitted so far.
	Attempts uint

	UpdatedAt time.Time
}

// Run is a RunBody together with its immutable spec and, once
// terminal, its result.
type Run struct {
	RunBody

	Spec RunSpec

	// non-nil only after the run reached a terminal state.
	Result *RunResult
}

// RunResult is the outcome of a completed run. Never mutated after
// being written.
type RunResult struct {
	// exit code of the tool's main container.
	ExitCode uint8

	// termination reason reported by the container runtime.
	Reason string

	// badge directory reference, under the output volume.
	BadgeDir string

	// invocations actually performed.
	Attempts uint

	StartedAt  time.Time
	FinishedAt time.Time
}

// Ok reports whether the result is a conformance pass.
func (r RunResult) Ok() bool {
	return r.ExitCode == 0
}
