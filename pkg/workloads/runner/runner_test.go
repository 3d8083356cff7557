package runner_test

import (
	"context"
	"testing"
	"time"

	"github.com/cwlops/confrun/pkg/configs"
	"github.com/cwlops/confrun/pkg/domain"
	domerr "github.com/cwlops/confrun/pkg/domain/errors"
	"github.com/cwlops/confrun/pkg/utils/cmp"
	"github.com/cwlops/confrun/pkg/utils/retry"
	k8s "github.com/cwlops/confrun/pkg/workloads/k8s"
	"github.com/cwlops/confrun/pkg/workloads/k8s/mock"
	"github.com/cwlops/confrun/pkg/workloads/runner"
	"github.com/cwlops/confrun/pkg/workloads/volumes"
	kubebatch "k8s.io/api/batch/v1"
	kubecore "k8s.io/api/core/v1"
	kubeerr "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
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

func testRun(retries uint) *domain.Run {
	return &domain.Run{
		RunBody: domain.RunBody{
			Id:      "cwl-1.2-20260830",
			Version: "1.2",
			Status:  domain.Running,
		},
		Spec: domain.RunSpec{
			Version:   "1.2",
			Manifest:  "/conformance/cwl-v1.2-1.2.0/conformance_tests.yaml",
			Tool:      "cwltool",
			BadgeDir:  "badges-1.2",
			MaxRAM:    resource.MustParse("8G"),
			MaxCores:  4,
			Image:     "docker.io/commonworkflowlanguage/cwltool:1.2",
			ExtraArgs: []string{"--timeout", "3600"},
			Retries:   retries,
		},
	}
}

var testMounts = volumes.Provisioned{
	InputClaim:  "conformance-input",
	OutputClaim: "conformance-output-1.2",
}

func TestExecutable(t *testing.T) {
	t.Run("Args assembles the fixed tool command line", func(t *testing.T) {
		ex, err := runner.New(testRun(1), testMounts)
		if err != nil {
			t.Fatalf("New() causes error: %+v", err)
		}

		expected := []string{
			"--test", "/conformance/cwl-v1.2-1.2.0/conformance_tests.yaml",
			"--tool", "cwltool",
			"--badgedir", "/output/badges-1.2",
			"-j", "4",
			"--",
			"--max-ram", "8G",
			"--max-cores", "4",
			"--default-container", "docker.io/commonworkflowlanguage/cwltool:1.2",
			"--outdir", "/output/outdir",
			"--tmpdir-prefix", "/output/tmp/",
			"--timeout", "3600",
		}
		if actual := ex.Args(); !cmp.SliceEq(actual, expected) {
			t.Errorf("args:\n(actual)   %v\n(expected) %v", actual, expected)
		}
	})

	t.Run("Build composes the invocation Job", func(t *testing.T) {
		ex, err := runner.New(testRun(0), testMounts)
		if err != nil {
			t.Fatalf("New() causes error: %+v", err)
		}

		job := ex.Build(testConf(t))

		if job.Name != "runner-cwl-1.2-20260830" {
			t.Errorf("job name: (actual, expected) = (%s, runner-cwl-1.2-20260830)", job.Name)
		}
		if job.Namespace != "fake-namespace" {
			t.Errorf("namespace: (actual, expected) = (%s, fake-namespace)", job.Namespace)
		}
		if id := job.Labels["confrun/runner.run_id"]; id != "cwl-1.2-20260830" {
			t.Errorf("run_id label: (actual, expected) = (%s, cwl-1.2-20260830)", id)
		}
		if v := job.Labels["confrun/runner.version"]; v != "1.2" {
			t.Errorf("version label: (actual, expected) = (%s, 1.2)", v)
		}

		if p := job.Spec.Parallelism; p == nil || *p != 1 {
			t.Errorf("parallelism: unexpected: %v", p)
		}
		if b := job.Spec.BackoffLimit; b == nil || *b != 0 {
			t.Errorf("backoff limit: unexpected: %v", b)
		}

		podSpec := job.Spec.Template.Spec
		if podSpec.RestartPolicy != kubecore.RestartPolicyNever {
			t.Errorf("restart policy: (actual, expected) = (%s, Never)", podSpec.RestartPolicy)
		}
		if podSpec.ServiceAccountName != "conformance-runner" {
			t.Errorf("service account: unexpected: %s", podSpec.ServiceAccountName)
		}

		if len(podSpec.InitContainers) != 1 {
			t.Fatalf("init containers: (actual, expected) = (%d, 1)", len(podSpec.InitContainers))
		}
		prep := podSpec.InitContainers[0]
		if prep.Name != "prep" || prep.Image != "docker.io/library/busybox:1.36" {
			t.Errorf("prep container: unexpected: %+v", prep)
		}

		if len(podSpec.Containers) != 1 {
			t.Fatalf("containers: (actual, expected) = (%d, 1)", len(podSpec.Containers))
		}
		main := podSpec.Containers[0]
		if main.Name != "main" || main.Image != "ghcr.io/example/calrissian:0.18.0" {
			t.Errorf("main container: unexpected: %+v", main)
		}
		if !cmp.SliceEq(main.Command, []string{"cwltest"}) {
			t.Errorf("main command: unexpected: %v", main.Command)
		}
		if !cmp.SliceEq(main.Args, ex.Args()) {
			t.Errorf("main args: unexpected: %v", main.Args)
		}
		if ram := main.Resources.Limits[kubecore.ResourceMemory]; ram.String() != "8G" {
			t.Errorf("memory limit: (actual, expected) = (%s, 8G)", ram.String())
		}

		claims := map[string]string{}
		for _, v := range podSpec.Volumes {
			if v.PersistentVolumeClaim != nil {
				claims[v.Name] = v.PersistentVolumeClaim.ClaimName
			}
		}
		if !cmp.MapEq(claims, map[string]string{
			"input":  "conformance-input",
			"output": "conformance-output-1.2",
		}) {
			t.Errorf("volume claims: unexpected: %v", claims)
		}

		for _, m := range main.VolumeMounts {
			switch m.Name {
			case "input":
				if !m.ReadOnly || m.MountPath != "/conformance" {
					t.Errorf("input mount: unexpected: %+v", m)
				}
			case "output":
				if m.ReadOnly || m.MountPath != "/output" {
					t.Errorf("output mount: unexpected: %+v", m)
				}
			}
		}
	})

	t.Run("New rejects a malformed run", func(t *testing.T) {
		broken := testRun(0)
		broken.Spec.Tool = ""
		if _, err := runner.New(broken, testMounts); err == nil {
			t.Error("New() should reject a run without tool")
		}

		if _, err := runner.New(testRun(0), volumes.Provisioned{}); err == nil {
			t.Error("New() should reject missing claims")
		}
	})
}

func terminalJob(name string, cond kubebatch.JobConditionType) *kubebatch.Job {
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
	}
}

// fakeInvocations wires the mock cluster so that the n-th submitted Job
// finishes with exits[n-1]. Deleted Jobs vanish on the spot.
func fakeInvocations(client *mock.MockClient, exits []int32) {
	removed := false
	client.Impl.CreateJob = func(_ context.Context, _ string, j *kubebatch.Job) (*kubebatch.Job, error) {
		removed = false
		created := j.DeepCopy()
		created.Spec.Selector = &kubeapimeta.LabelSelector{
			MatchLabels: map[string]string{"job-name": j.Name},
		}
		return created, nil
	}
	client.Impl.DeleteJob = func(_ context.Context, _ string, _ string) error {
		removed = true
		return nil
	}
	client.Impl.GetJob = func(_ context.Context, _ string, name string) (*kubebatch.Job, error) {
		if removed {
			return nil, kubeerr.NewNotFound(schema.GroupResource{Resource: "jobs"}, name)
		}
		nth := client.Called.CreateJob
		if uint64(len(exits)) < nth {
			nth = uint64(len(exits))
		}
		cond := kubebatch.JobComplete
		if exits[nth-1] != 0 {
			cond = kubebatch.JobFailed
		}
		return terminalJob(name, cond), nil
	}
	client.Impl.FindPods = func(_ context.Context, _ string, _ k8s.LabelSelector) ([]kubecore.Pod, error) {
		return nil, nil
	}
}

func TestExecute(t *testing.T) {
	pod := func(exit int32, reason string) []kubecore.Pod {
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
									ExitCode: exit, Reason: reason,
								},
							},
						},
					},
				},
			},
		}
	}

	type When struct {
		retries uint
		exits   []int32
	}
	type Then struct {
		exitCode    uint8
		attempts    uint
		submissions uint64
		dropped     uint64
	}

	theory := func(when When, then Then) func(*testing.T) {
		return func(t *testing.T) {
			ctx := context.Background()
			cluster, client := mock.NewCluster()

			fakeInvocations(client, when.exits)

			podsForAttempt := func() []kubecore.Pod {
				nth := client.Called.CreateJob
				if uint64(len(when.exits)) < nth {
					nth = uint64(len(when.exits))
				}
				exit := when.exits[nth-1]
				reason := "Completed"
				if exit != 0 {
					reason = "Error"
				}
				return pod(exit, reason)
			}
			client.Impl.FindPods = func(_ context.Context, _ string, _ k8s.LabelSelector) ([]kubecore.Pod, error) {
				return podsForAttempt(), nil
			}

			result, err := runner.Execute(
				ctx, cluster, testConf(t),
				retry.StaticBackoff(1*time.Millisecond),
				testRun(when.retries), testMounts,
			)
			if err != nil {
				t.Fatalf("Execute() causes error: %+v", err)
			}

			if result.ExitCode != then.exitCode {
				t.Errorf("exit code: (actual, expected) = (%d, %d)", result.ExitCode, then.exitCode)
			}
			if result.Attempts != then.attempts {
				t.Errorf("attempts: (actual, expected) = (%d, %d)", result.Attempts, then.attempts)
			}
			if result.BadgeDir != "badges-1.2" {
				t.Errorf("badge dir: (actual, expected) = (%s, badges-1.2)", result.BadgeDir)
			}
			if client.Called.CreateJob != then.submissions {
				t.Errorf(
					"submissions: (actual, expected) = (%d, %d)",
					client.Called.CreateJob, then.submissions,
				)
			}
			if client.Called.DeleteJob != then.dropped {
				t.Errorf(
					"dropped jobs: (actual, expected) = (%d, %d)",
					client.Called.DeleteJob, then.dropped,
				)
			}
		}
	}

	t.Run("a passing invocation needs a single submission", theory(
		When{retries: 1, exits: []int32{0}},
		Then{exitCode: 0, attempts: 1, submissions: 1, dropped: 0},
	))

	t.Run("no retry happens by default", theory(
		When{retries: 0, exits: []int32{33}},
		Then{exitCode: 33, attempts: 1, submissions: 1, dropped: 0},
	))

	t.Run("a failed invocation is re-submitted while budget remains", theory(
		When{retries: 1, exits: []int32{33, 0}},
		Then{exitCode: 0, attempts: 2, submissions: 2, dropped: 1},
	))

	t.Run("retry budget bounds submissions", theory(
		When{retries: 1, exits: []int32{33, 33}},
		Then{exitCode: 33, attempts: 2, submissions: 2, dropped: 1},
	))

	t.Run("it adopts a leftover job of an interrupted run", func(t *testing.T) {
		ctx := context.Background()
		cluster, client := mock.NewCluster()

		client.Impl.CreateJob = func(_ context.Context, _ string, j *kubebatch.Job) (*kubebatch.Job, error) {
			return nil, kubeerr.NewAlreadyExists(
				schema.GroupResource{Resource: "jobs"}, j.Name,
			)
		}
		client.Impl.GetJob = func(_ context.Context, _ string, name string) (*kubebatch.Job, error) {
			return &kubebatch.Job{
				ObjectMeta: kubeapimeta.ObjectMeta{Name: name},
				Spec: kubebatch.JobSpec{
					Selector: &kubeapimeta.LabelSelector{
						MatchLabels: map[string]string{"job-name": name},
					},
				},
				Status: kubebatch.JobStatus{
					Conditions: []kubebatch.JobCondition{
						{Type: kubebatch.JobComplete, Status: "True"},
					},
				},
			}, nil
		}
		client.Impl.FindPods = func(_ context.Context, _ string, _ k8s.LabelSelector) ([]kubecore.Pod, error) {
			return pod(0, "Completed"), nil
		}

		result, err := runner.Execute(
			ctx, cluster, testConf(t),
			retry.StaticBackoff(1*time.Millisecond),
			testRun(0), testMounts,
		)
		if err != nil {
			t.Fatalf("Execute() should adopt the leftover job: %+v", err)
		}
		if !result.Ok() {
			t.Errorf("result: unexpected: %+v", result)
		}
	})

	t.Run("a re-submission waits out the asynchronous job deletion", func(t *testing.T) {
		ctx := context.Background()
		cluster, client := mock.NewCluster()

		// after DeleteJob the failed Job stays visible for a few polls,
		// and a Job of the same name cannot be created meanwhile.
		deleted := false
		linger := 0
		client.Impl.CreateJob = func(_ context.Context, _ string, j *kubebatch.Job) (*kubebatch.Job, error) {
			if deleted && 0 < linger {
				return nil, kubeerr.NewAlreadyExists(
					schema.GroupResource{Resource: "jobs"}, j.Name,
				)
			}
			created := j.DeepCopy()
			created.Spec.Selector = &kubeapimeta.LabelSelector{
				MatchLabels: map[string]string{"job-name": j.Name},
			}
			return created, nil
		}
		client.Impl.DeleteJob = func(_ context.Context, _ string, _ string) error {
			deleted = true
			linger = 3
			return nil
		}
		client.Impl.GetJob = func(_ context.Context, _ string, name string) (*kubebatch.Job, error) {
			if !deleted {
				return terminalJob(name, kubebatch.JobFailed), nil
			}
			if 0 < linger {
				linger--
				return terminalJob(name, kubebatch.JobFailed), nil
			}
			if client.Called.CreateJob < 2 {
				return nil, kubeerr.NewNotFound(schema.GroupResource{Resource: "jobs"}, name)
			}
			return terminalJob(name, kubebatch.JobComplete), nil
		}
		client.Impl.FindPods = func(_ context.Context, _ string, _ k8s.LabelSelector) ([]kubecore.Pod, error) {
			if client.Called.CreateJob < 2 {
				return pod(33, "Error"), nil
			}
			return pod(0, "Completed"), nil
		}

		result, err := runner.Execute(
			ctx, cluster, testConf(t),
			retry.StaticBackoff(1*time.Millisecond),
			testRun(1), testMounts,
		)
		if err != nil {
			t.Fatalf("Execute() causes error: %+v", err)
		}
		if !result.Ok() {
			t.Errorf("result: the retried invocation should pass: %+v", result)
		}
		if result.Attempts != 2 {
			t.Errorf("attempts: (actual, expected) = (%d, 2)", result.Attempts)
		}
		if client.Called.CreateJob != 2 {
			t.Errorf(
				"submissions: the retry must run a fresh Job: (actual, expected) = (%d, 2)",
				client.Called.CreateJob,
			)
		}
	})

	t.Run("a malformed run is an invocation failure", func(t *testing.T) {
		ctx := context.Background()
		cluster, _ := mock.NewCluster()

		broken := testRun(0)
		broken.Spec.Manifest = ""

		_, err := runner.Execute(
			ctx, cluster, testConf(t),
			retry.StaticBackoff(1*time.Millisecond),
			broken, testMounts,
		)
		if err == nil {
			t.Fatal("Execute() should fail")
		}
		if !domerr.AsInvocation(err) {
			t.Errorf("error should be an invocation failure: %+v", err)
		}
	})

	t.Run("a broken cluster is an environment failure", func(t *testing.T) {
		ctx := context.Background()
		cluster, client := mock.NewCluster()

		client.Impl.CreateJob = func(_ context.Context, _ string, _ *kubebatch.Job) (*kubebatch.Job, error) {
			return nil, kubeerr.NewServiceUnavailable("apiserver is down")
		}

		_, err := runner.Execute(
			ctx, cluster, testConf(t),
			retry.StaticBackoff(1*time.Millisecond),
			testRun(0), testMounts,
		)
		if err == nil {
			t.Fatal("Execute() should fail")
		}
		if !domerr.AsEnvironment(err) {
			t.Errorf("error should be an environment failure: %+v", err)
		}
	})
}
