package pipeline_test

import (
	"context"
	"errors"
	"log"
	"testing"
	"time"

	"github.com/cwlops/confrun/cmd/confrun/pipeline"
	"github.com/cwlops/confrun/pkg/configs"
	"github.com/cwlops/confrun/pkg/domain"
	domerr "github.com/cwlops/confrun/pkg/domain/errors"
	"github.com/cwlops/confrun/pkg/registry"
	"github.com/cwlops/confrun/pkg/registry/mem"
	k8s "github.com/cwlops/confrun/pkg/workloads/k8s"
	"github.com/cwlops/confrun/pkg/workloads/k8s/mock"
	kubebatch "k8s.io/api/batch/v1"
	kubecore "k8s.io/api/core/v1"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"
)

func testConf(t *testing.T) *configs.Config {
	t.Helper()
	conf, err := configs.Unmarshal([]byte(`
cluster:
    namespace: fake-namespace
    storageClassName: standard
volumes:
    input:
        claimName: conformance-input
        capacity: 10Gi
    output:
        claimPrefix: conformance-output
        capacity: 5Gi
runner:
    image: ghcr.io/example/calrissian:0.18.0
    prepImage: docker.io/library/busybox:1.36
    serviceAccount: conformance-runner
suites:
    - version: "1.2"
      manifest: /conformance/cwl-v1.2-1.2.0/conformance_tests.yaml
      tool: cwltool
      maxRAM: 8G
      maxCores: 4
      image: docker.io/commonworkflowlanguage/cwltool:1.2
`))
	if err != nil {
		t.Fatalf("config fixture is broken: %+v", err)
	}
	return conf
}

// fakeCluster makes the mock client answer every provisioning and
// invocation call: claims bind instantly, each submitted Job turns
// terminal with the next exit code from exits.
func fakeCluster(client *mock.MockClient, exits []int32) {
	client.Impl.CreatePVC = func(_ context.Context, _ string, pvc *kubecore.PersistentVolumeClaim) (*kubecore.PersistentVolumeClaim, error) {
		p := pvc.DeepCopy()
		p.Status.Phase = kubecore.ClaimBound
		return p, nil
	}
	client.Impl.CreateJob = func(_ context.Context, _ string, j *kubebatch.Job) (*kubebatch.Job, error) {
		created := j.DeepCopy()
		created.Spec.Selector = &kubeapimeta.LabelSelector{
			MatchLabels: map[string]string{"job-name": j.Name},
		}
		return created, nil
	}
	client.Impl.DeleteJob = func(_ context.Context, _ string, _ string) error {
		return nil
	}
	exitOfLatest := func() int32 {
		nth := client.Called.CreateJob
		if uint64(len(exits)) < nth {
			nth = uint64(len(exits))
		}
		return exits[nth-1]
	}
	client.Impl.GetJob = func(_ context.Context, _ string, name string) (*kubebatch.Job, error) {
		cond := kubebatch.JobComplete
		if exitOfLatest() != 0 {
			cond = kubebatch.JobFailed
		}
		return &kubebatch.Job{
			ObjectMeta: kubeapimeta.ObjectMeta{Name: name},
			Spec: kubebatch.JobSpec{
				Selector: &kubeapimeta.LabelSelector{
					MatchLabels: map[string]string{"job-name": name},
				},
			},
			Status: kubebatch.JobStatus{
				Conditions: []kubebatch.JobCondition{{Type: cond, Status: "True"}},
			},
		}, nil
	}
	client.Impl.FindPods = func(_ context.Context, _ string, _ k8s.LabelSelector) ([]kubecore.Pod, error) {
		exit := exitOfLatest()
		phase := kubecore.PodSucceeded
		if exit != 0 {
			phase = kubecore.PodFailed
		}
		return []kubecore.Pod{
			{
				Status: kubecore.PodStatus{
					Phase: phase,
					ContainerStatuses: []kubecore.ContainerStatus{
						{
							Name: "main",
							State: kubecore.ContainerState{
								Terminated: &kubecore.ContainerStateTerminated{
									ExitCode: exit, Reason: "Completed",
								},
							},
						},
					},
				},
			},
		}, nil
	}
}

func testPipeline(cluster k8s.Cluster, conf *configs.Config) (pipeline.Pipeline, registry.Registry) {
	reg := mem.New()
	return pipeline.Pipeline{
		Cluster:  cluster,
		Conf:     conf,
		Registry: reg,
		Interval: 10 * time.Millisecond,
		Logger:   log.New(log.Writer(), "[test] ", log.Flags()),
	}, reg
}

// runningRefused delegates to the wrapped registry, except that moving
// a run to Running always breaks.
type runningRefused struct {
	registry.Registry
}

func (r runningRefused) SetStatus(ctx context.Context, runId string, next domain.RunStatus) (*domain.Run, error) {
	if next == domain.Running {
		return nil, errors.New("fake registry outage")
	}
	return r.Registry.SetStatus(ctx, runId, next)
}

func TestRunSuite(t *testing.T) {
	ctx := context.Background()

	t.Run("a conforming suite ends Succeeded", func(t *testing.T) {
		conf := testConf(t)
		cluster, client := mock.NewCluster()
		fakeCluster(client, []int32{0})
		p, reg := testPipeline(cluster, conf)
		defer reg.Close()

		run, err := p.RunSuite(ctx, conf.Suites()[0])
		if err != nil {
			t.Fatalf("RunSuite() causes error: %+v", err)
		}
		if run.Status != domain.Succeeded {
			t.Errorf("status: (actual, expected) = (%s, %s)", run.Status, domain.Succeeded)
		}
		if run.Result == nil || !run.Result.Ok() {
			t.Errorf("result: unexpected: %+v", run.Result)
		}
		if client.Called.CreatePVC != 2 {
			t.Errorf("CreatePVC: (actual, expected) = (%d, 2)", client.Called.CreatePVC)
		}
		if client.Called.CreateJob != 1 {
			t.Errorf("CreateJob: (actual, expected) = (%d, 1)", client.Called.CreateJob)
		}

		recorded, err := reg.Get(ctx, run.Id)
		if err != nil {
			t.Fatalf("Get() causes error: %+v", err)
		}
		if recorded.Status != domain.Succeeded {
			t.Errorf(
				"registered status: (actual, expected) = (%s, %s)",
				recorded.Status, domain.Succeeded,
			)
		}
	})

	t.Run("a provisioning breakdown fails the run before any invocation", func(t *testing.T) {
		conf := testConf(t)
		cluster, client := mock.NewCluster()
		fakeCluster(client, []int32{0})
		client.Impl.CreatePVC = func(_ context.Context, _ string, _ *kubecore.PersistentVolumeClaim) (*kubecore.PersistentVolumeClaim, error) {
			return nil, errors.New("fake quota exceeded")
		}
		p, reg := testPipeline(cluster, conf)
		defer reg.Close()

		_, err := p.RunSuite(ctx, conf.Suites()[0])
		if !domerr.AsProvisioning(err) {
			t.Fatalf("error should be ErrProvisioning: %+v", err)
		}
		if client.Called.CreateJob != 0 {
			t.Errorf("no Job should be submitted: CreateJob = %d", client.Called.CreateJob)
		}

		latest, err := reg.Latest(ctx, "1.2")
		if err != nil {
			t.Fatalf("Latest() causes error: %+v", err)
		}
		if latest.Status != domain.Failed {
			t.Errorf(
				"abandoned run status: (actual, expected) = (%s, %s)",
				latest.Status, domain.Failed,
			)
		}
	})

	t.Run("a run that cannot enter Running is abandoned", func(t *testing.T) {
		conf := testConf(t)
		cluster, client := mock.NewCluster()
		fakeCluster(client, []int32{0})
		p, reg := testPipeline(cluster, conf)
		defer reg.Close()
		p.Registry = runningRefused{Registry: reg}

		if _, err := p.RunSuite(ctx, conf.Suites()[0]); err == nil {
			t.Fatal("RunSuite() should report the registry breakdown")
		}
		if client.Called.CreateJob != 0 {
			t.Errorf("no Job should be submitted: CreateJob = %d", client.Called.CreateJob)
		}

		latest, err := reg.Latest(ctx, "1.2")
		if err != nil {
			t.Fatalf("Latest() causes error: %+v", err)
		}
		if latest.Status != domain.Failed {
			t.Errorf(
				"abandoned run status: (actual, expected) = (%s, %s)",
				latest.Status, domain.Failed,
			)
		}

		// the version must not stay blocked by the abandoned run.
		newId := registry.NewRunId("1.2", time.Now().Add(time.Hour))
		if _, err := reg.Create(ctx, newId, conf.Suites()[0].RunSpec()); err != nil {
			t.Errorf("a fresh registration should be accepted: %+v", err)
		}
	})

	t.Run("a non-conforming suite ends Failed, without error", func(t *testing.T) {
		conf := testConf(t)
		cluster, client := mock.NewCluster()
		fakeCluster(client, []int32{33})
		p, reg := testPipeline(cluster, conf)
		defer reg.Close()

		run, err := p.RunSuite(ctx, conf.Suites()[0])
		if err != nil {
			t.Fatalf("RunSuite() causes error: %+v", err)
		}
		if run.Status != domain.Failed {
			t.Errorf("status: (actual, expected) = (%s, %s)", run.Status, domain.Failed)
		}
		if run.Result == nil || run.Result.Ok() {
			t.Errorf("result: unexpected: %+v", run.Result)
		}
		if run.Result != nil && run.Result.ExitCode != 33 {
			t.Errorf("exit code: (actual, expected) = (%d, 33)", run.Result.ExitCode)
		}
		// no retry configured: a single submission.
		if client.Called.CreateJob != 1 {
			t.Errorf("CreateJob: (actual, expected) = (%d, 1)", client.Called.CreateJob)
		}
	})
}

func TestRunAll(t *testing.T) {
	ctx := context.Background()

	conf := testConf(t)
	cluster, client := mock.NewCluster()
	fakeCluster(client, []int32{0})
	p, reg := testPipeline(cluster, conf)
	defer reg.Close()

	runs, errs := p.RunAll(ctx, conf.Suites())
	if len(errs) != 0 {
		t.Fatalf("RunAll() causes errors: %+v", errs)
	}
	run, ok := runs["1.2"]
	if !ok {
		t.Fatalf("no run for suite 1.2: %+v", runs)
	}
	if run.Status != domain.Succeeded {
		t.Errorf("status: (actual, expected) = (%s, %s)", run.Status, domain.Succeeded)
	}
}
