// Package pipeline drives one conformance run end to end:
// register, provision volumes, invoke the tool, record the verdict.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cwlops/confrun/pkg/configs"
	"github.com/cwlops/confrun/pkg/domain"
	"github.com/cwlops/confrun/pkg/registry"
	"github.com/cwlops/confrun/pkg/utils/retry"
	"github.com/cwlops/confrun/pkg/workloads/k8s"
	"github.com/cwlops/confrun/pkg/workloads/runner"
	"github.com/cwlops/confrun/pkg/workloads/volumes"
)

type Pipeline struct {
	Cluster  k8s.Cluster
	Conf     *configs.Config
	Registry registry.Registry

	// polling interval while waiting on the tool's Job.
	// Default 10 seconds.
	Interval time.Duration

	// Default log.Default().
	Logger *log.Logger
}

func (p Pipeline) interval() time.Duration {
	if p.Interval <= 0 {
		return 10 * time.Second
	}
	return p.Interval
}

func (p Pipeline) logger() *log.Logger {
	if p.Logger == nil {
		return log.Default()
	}
	return p.Logger
}

// RunSuite carries a single suite through its whole lifecycle.
//
// The returned run is terminal whenever error is nil; inspect
// run.Result for the conformance verdict. On error the run, if it got
// registered at all, has been moved to Failed.
func (p Pipeline) RunSuite(ctx context.Context, suite configs.SuiteConfig) (*domain.Run, error) {
	version := suite.Version()
	l := p.logger()

	runId := registry.NewRunId(version, time.Now())
	run, err := p.Registry.Create(ctx, runId, suite.RunSpec())
	if err != nil {
		return nil, fmt.Errorf("suite %s: registering run: %w", version, err)
	}
	l.Printf("suite %s: run %s registered", version, runId)

	mounts, err := volumes.Ensure(ctx, p.Cluster, p.Conf, version)
	if err != nil {
		p.abandon(ctx, runId)
		return nil, fmt.Errorf("suite %s: %w", version, err)
	}
	l.Printf(
		"suite %s: volumes ready (input: %s, output: %s)",
		version, mounts.InputClaim, mounts.OutputClaim,
	)

	if run, err = p.Registry.SetStatus(ctx, runId, domain.Running); err != nil {
		p.abandon(ctx, runId)
		return nil, fmt.Errorf("suite %s: %w", version, err)
	}

	result, err := runner.Execute(
		ctx, p.Cluster, p.Conf, retry.StaticBackoff(p.interval()), run, *mounts,
	)
	if err != nil {
		p.abandon(ctx, runId)
		return nil, fmt.Errorf("suite %s: %w", version, err)
	}

	run, err = p.Registry.Record(ctx, runId, *result)
	if err != nil {
		return nil, fmt.Errorf("suite %s: recording result: %w", version, err)
	}
	l.Printf(
		"suite %s: run %s %s (exit code %d after %d invocation(s))",
		version, runId, run.Status, result.ExitCode, result.Attempts,
	)
	return run, nil
}

// abandon moves a run to Failed on a best-effort basis. The error the
// caller is about to report matters more than this bookkeeping.
func (p Pipeline) abandon(ctx context.Context, runId string) {
	if _, err := p.Registry.SetStatus(ctx, runId, domain.Failed); err != nil {
		p.logger().Printf("run %s: could not be marked failed: %s", runId, err)
	}
}

// RunAll runs every suite concurrently and waits for all of them.
//
// The returned map holds the terminal run per version for suites that
// finished; errs collects everything that went wrong.
func (p Pipeline) RunAll(ctx context.Context, suites []configs.SuiteConfig) (map[string]*domain.Run, []error) {
	type outcome struct {
		version string
		run     *domain.Run
		err     error
	}

	wg := sync.WaitGroup{}
	outcomes := make(chan outcome, len(suites))
	for _, suite := range suites {
		wg.Add(1)
		go func(suite configs.SuiteConfig) {
			defer wg.Done()
			run, err := p.RunSuite(ctx, suite)
			outcomes <- outcome{version: suite.Version(), run: run, err: err}
		}(suite)
	}
	wg.Wait()
	close(outcomes)

	runs := map[string]*domain.Run{}
	errs := []error{}
	for o := range outcomes {
		if o.err != nil {
			errs = append(errs, o.err)
			continue
		}
		runs[o.version] = o.run
	}
	return runs, errs
}
