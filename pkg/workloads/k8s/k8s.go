package k8s

import (
	"context"
	"errors"
	"io"

	kubebatch "k8s.io/api/batch/v1"
	kubecore "k8s.io/api/core/v1"
	kubeerr "k8s.io/apimachinery/pkg/api/errors"
	kubeapiresource "k8s.io/apimachinery/pkg/api/resource"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8s "k8s.io/client-go/kubernetes"

	domerr "github.com/cwlops/confrun/pkg/domain/errors"
	"github.com/cwlops/confrun/pkg/utils/retry"
)

// K8sClient is the subset of k8s.Clientset this system touches.
type K8sClient interface {
	GetPVC(ctx context.Context, namespace string, pvcname string) (*kubecore.PersistentVolumeClaim, error)
	CreatePVC(ctx context.Context, namespace string, pvc *kubecore.PersistentVolumeClaim) (*kubecore.PersistentVolumeClaim, error)
	DeletePVC(ctx context.Context, namespace string, pvcname string) error

	GetJob(ctx context.Context, namespace string, name string) (*kubebatch.Job, error)
	CreateJob(ctx context.Context, namespace string, spec *kubebatch.Job) (*kubebatch.Job, error)
	DeleteJob(ctx context.Context, namespace string, name string) error

	FindPods(ctx context.Context, namespace string, labelSelector LabelSelector) ([]kubecore.Pod, error)

	Log(ctx context.Context, namespace string, podname string, container string) (io.ReadCloser, error)
}

// thin wrapper for k8s.Clientset, flattening its chain-style invocations.
type k8sClient struct {
	client *k8s.Clientset
}

var _ K8sClient = &k8sClient{}

func WrapK8sClient(c *k8s.Clientset) K8sClient {
	return &k8sClient{client: c}
}

func (k *k8sClient) CreatePVC(ctx context.Context, namespace string, pvc *kubecore.PersistentVolumeClaim) (*kubecore.PersistentVolumeClaim, error) {
	return k.client.CoreV1().PersistentVolumeClaims(namespace).Create(ctx, pvc, kubeapimeta.CreateOptions{})
}

func (k *k8sClient) GetPVC(ctx context.Context, namespace string, pvcname string) (*kubecore.PersistentVolumeClaim, error) {
	return k.client.CoreV1().PersistentVolumeClaims(namespace).Get(ctx, pvcname, kubeapimeta.GetOptions{})
}

func (k *k8sClient) DeletePVC(ctx context.Context, namespace string, pvcname string) error {
	return k.client.CoreV1().PersistentVolumeClaims(namespace).Delete(ctx, pvcname, *kubeapimeta.NewDeleteOptions(0))
}

func (k *k8sClient) CreateJob(ctx context.Context, namespace string, job *kubebatch.Job) (*kubebatch.Job, error) {
	return k.client.BatchV1().Jobs(namespace).Create(ctx, job, kubeapimeta.CreateOptions{})
}

func (k *k8sClient) GetJob(ctx context.Context, namespace string, name string) (*kubebatch.Job, error) {
	return k.client.BatchV1().Jobs(namespace).Get(ctx, name, kubeapimeta.GetOptions{})
}

func (k *k8sClient) DeleteJob(ctx context.Context, namespace string, name string) error {
	foreground := kubeapimeta.DeletePropagationForeground
	zero := int64(0)
	return k.client.BatchV1().Jobs(namespace).Delete(ctx, name, kubeapimeta.DeleteOptions{
		GracePeriodSeconds: &zero,
		PropagationPolicy:  &foreground,
	})
}

func (k *k8sClient) FindPods(ctx context.Context, namespace string, labels LabelSelector) ([]kubecore.Pod, error) {
	resp, err := k.client.CoreV1().Pods(namespace).List(ctx, kubeapimeta.ListOptions{
		LabelSelector: labels.QueryString(),
	})
	if err != nil {
		return nil, err
	}
	return resp.Items, nil
}

func (k *k8sClient) Log(ctx context.Context, namespace string, podname string, container string) (io.ReadCloser, error) {
	return k.client.
		CoreV1().
		Pods(namespace).
		GetLogs(podname, &kubecore.PodLogOptions{Container: container, Follow: true}).
		Stream(ctx)
}

// PVC is an abstraction of a bound PersistentVolumeClaim.
type PVC interface {
	Name() string
	Namespace() string
	VolumeName() string

	// capacity in claim.
	ClaimedCapacity() kubeapiresource.Quantity

	// destroy the PVC.
	Close() error
}

type pvc struct {
	resource *kubecore.PersistentVolumeClaim
	onClose  func() error
}

func (p *pvc) Name() string {
	return p.resource.GetName()
}

func (p *pvc) Namespace() string {
	return p.resource.GetNamespace()
}

func (p *pvc) VolumeName() string {
	return p.resource.Spec.VolumeName
}

func (p *pvc) ClaimedCapacity() kubeapiresource.Quantity {
	return p.resource.Spec.Resources.Requests["storage"]
}

func (p *pvc) Close() error {
	if p.onClose == nil {
		return nil
	}
	return p.onClose()
}

type JobStatus string

const (
	// no pods have been started.
	Pending JobStatus = "Pending"

	// at least one pod has started and the job has not completed.
	Running JobStatus = "Running"

	// the job has completed.
	Succeeded JobStatus = "Succeeded"

	// the job has failed.
	Failed JobStatus = "Failed"
)

// Job is an abstraction of a batch/v1 Job.
type Job interface {
	Name() string
	Namespace() string

	// how far the job has progressed.
	//
	// This is a SNAPSHOT taken when the instance was obtained.
	// To refresh, get a new instance with Cluster.GetJob.
	Status() JobStatus

	// ExitCode returns the exit code of the named container,
	// the termination reason, and whether the container has stopped.
	ExitCode(container string) (uint8, string, bool)

	// Log streams the log of the named container.
	Log(ctx context.Context, containerName string) (io.ReadCloser, error)

	// destroy the job. A pending or running job is aborted.
	Close() error
}

type job struct {
	job    *kubebatch.Job
	pods   []kubecore.Pod
	client K8sClient
	close  func() error
}

var _ Job = &job{}

func (j *job) Name() string {
	return j.job.Name
}

func (j *job) Namespace() string {
	return j.job.Namespace
}

func (j *job) Status() JobStatus {
	for _, sc := range j.job.Status.Conditions {
		if sc.Status != "True" {
			continue
		}
		switch sc.Type {
		case kubebatch.JobComplete:
			return Succeeded
		case kubebatch.JobFailed:
			return Failed
		}
	}

	for _, p := range j.pods {
		// one pod having run means the job has been running.
		switch p.Status.Phase {
		case kubecore.PodRunning, kubecore.PodSucceeded, kubecore.PodFailed:
			return Running
		}
	}

	return Pending
}

func (j *job) ExitCode(container string) (uint8, string, bool) {
	for _, p := range j.pods {
		for _, c := range p.Status.ContainerStatuses {
			if c.Name != container {
				continue
			}
			if term := c.State.Terminated; term != nil {
				return uint8(term.ExitCode), term.Reason, true
			}
			break
		}
	}
	return 0, "", false
}

func (j *job) Log(ctx context.Context, containerName string) (io.ReadCloser, error) {
	if len(j.pods) == 0 {
		return nil, errors.New("no pods")
	}
	pod := j.pods[0]
	return j.client.Log(ctx, pod.Namespace, pod.Name, containerName)
}

func (j *job) Close() error {
	if j.close == nil {
		return nil
	}
	return j.close()
}

// Requirement checks whether a created resource is usable yet.
//
// Return nil when the value satisfies the requirement, retry.ErrRetry
// while it is still waiting, and any other error to give up.
type Requirement[T any] func(value T) error

func satisfyAll[T any](value T, req []Requirement[T]) error {
	for _, r := range req {
		if err := r(value); err != nil {
			return err
		}
	}
	return nil
}

// Cluster provisions and finds workloads in a fixed namespace.
type Cluster interface {
	Namespace() string
	Domain() string

	// NewPVC creates a PVC and resolves when it satisfies requirements
	// (PVCIsBound if none are given).
	//
	// The Promise may carry domain errors ErrConflict (already exists)
	// or ErrMissing (vanished while waiting). Whether or not it carries
	// an error, the PVC can have been created; Close() it when done.
	NewPVC(context.Context, retry.Backoff, *kubecore.PersistentVolumeClaim, ...Requirement[*kubecore.PersistentVolumeClaim]) retry.Promise[PVC]

	// GetPVC finds an existing PVC, waiting for requirements
	// (PVCIsBound if none are given).
	GetPVC(context.Context, retry.Backoff, string, ...Requirement[*kubecore.PersistentVolumeClaim]) retry.Promise[PVC]

	// NewJob creates a Job and resolves when it satisfies requirements
	// (JobHasBeenCreated if none are given).
	NewJob(context.Context, retry.Backoff, *kubebatch.Job, ...Requirement[*kubebatch.Job]) retry.Promise[Job]

	// GetJob finds an existing Job, waiting for requirements
	// (JobHasBeenCreated if none are given).
	GetJob(context.Context, retry.Backoff, string, ...Requirement[*kubebatch.Job]) retry.Promise[Job]
}

type k8sCluster struct {
	client    K8sClient
	namespace string
	domain    string
}

var _ Cluster = &k8sCluster{}

// AttachCluster binds a client to a namespace.
//
// When domain is empty, "cluster.local" is used.
func AttachCluster(client K8sClient, namespace string, domain string) Cluster {
	if domain == "" {
		domain = "cluster.local"
	}
	return &k8sCluster{client: client, namespace: namespace, domain: domain}
}

func (c *k8sCluster) Namespace() string {
	return c.namespace
}

func (c *k8sCluster) Domain() string {
	return c.domain
}

var PVCIsBound Requirement[*kubecore.PersistentVolumeClaim] = func(value *kubecore.PersistentVolumeClaim) error {
	if value.Status.Phase == kubecore.ClaimBound {
		return nil
	}
	return retry.ErrRetry
}

func (c *k8sCluster) NewPVC(
	ctx context.Context, backoff retry.Backoff, pvcconf *kubecore.PersistentVolumeClaim,
	requirements ...Requirement[*kubecore.PersistentVolumeClaim],
) retry.Promise[PVC] {
	if len(requirements) == 0 {
		requirements = []Requirement[*kubecore.PersistentVolumeClaim]{PVCIsBound}
	}

	select {
	case <-ctx.Done():
		return retry.Failed[PVC](ctx.Err())
	default:
	}

	_pvc, err := c.client.CreatePVC(ctx, c.namespace, pvcconf)
	if err != nil {
		if kubeerr.IsAlreadyExists(err) {
			return retry.Failed[PVC](domerr.NewConflictCausedBy("", err))
		}
		return retry.Failed[PVC](err)
	}

	_close := func() error {
		// close should run even if the given context has closed.
		return c.client.DeletePVC(context.Background(), c.namespace, pvcconf.ObjectMeta.Name)
	}
	if err := satisfyAll(_pvc, requirements); err == nil {
		return retry.Ok[PVC](&pvc{resource: _pvc, onClose: _close})
	} else if !errors.Is(err, retry.ErrRetry) {
		return retry.Failed[PVC](err)
	}

	return c.GetPVC(ctx, backoff, pvcconf.ObjectMeta.Name, requirements...)
}

func (c *k8sCluster) GetPVC(
	ctx context.Context, backoff retry.Backoff, pvcname string,
	requirements ...Requirement[*kubecore.PersistentVolumeClaim],
) retry.Promise[PVC] {
	if len(requirements) == 0 {
		requirements = []Requirement[*kubecore.PersistentVolumeClaim]{PVCIsBound}
	}

	_close := func() error {
		return c.client.DeletePVC(context.Background(), c.namespace, pvcname)
	}
	return retry.Go(ctx, backoff, func() (PVC, error) {
		_pvc, err := c.client.GetPVC(ctx, c.namespace, pvcname)
		ret := &pvc{resource: _pvc, onClose: _close}
		if err != nil {
			if kubeerr.IsNotFound(err) {
				return ret, domerr.NewMissingCausedBy("", err)
			}
			return ret, err
		}
		return ret, satisfyAll(_pvc, requirements)
	})
}

var JobHasBeenCreated Requirement[*kubebatch.Job] = func(value *kubebatch.Job) error {
	return nil
}

// JobIsTerminal waits until the job has a Complete or Failed condition.
var JobIsTerminal Requirement[*kubebatch.Job] = func(value *kubebatch.Job) error {
	for _, sc := range value.Status.Conditions {
		if sc.Status != "True" {
			continue
		}
		switch sc.Type {
		case kubebatch.JobComplete, kubebatch.JobFailed:
			return nil
		}
	}
	return retry.ErrRetry
}

func (c *k8sCluster) NewJob(
	ctx context.Context, backoff retry.Backoff, j *kubebatch.Job,
	requirements ...Requirement[*kubebatch.Job],
) retry.Promise[Job] {
	if len(requirements) == 0 {
		requirements = []Requirement[*kubebatch.Job]{JobHasBeenCreated}
	}

	select {
	case <-ctx.Done():
		return retry.Failed[Job](ctx.Err())
	default:
	}

	_job, err := c.client.CreateJob(ctx, c.namespace, j)
	if err != nil {
		if kubeerr.IsAlreadyExists(err) {
			return retry.Failed[Job](domerr.NewConflictCausedBy("", err))
		}
		return retry.Failed[Job](err)
	}
	_close := func() error {
		return c.client.DeleteJob(context.Background(), c.namespace, _job.ObjectMeta.Name)
	}

	if err := satisfyAll(_job, requirements); err == nil {
		pods, err := c.client.FindPods(
			ctx, c.namespace,
			LabelSelector(_job.Spec.Selector.MatchLabels),
		)
		if err != nil {
			pods = []kubecore.Pod{}
		}
		return retry.Ok[Job](&job{job: _job, pods: pods, client: c.client, close: _close})
	} else if !errors.Is(err, retry.ErrRetry) {
		return retry.Failed[Job](err)
	}

	return c.GetJob(ctx, backoff, _job.ObjectMeta.Name, requirements...)
}

func (c *k8sCluster) GetJob(
	ctx context.Context, backoff retry.Backoff, name string,
	requirements ...Requirement[*kubebatch.Job],
) retry.Promise[Job] {
	if len(requirements) == 0 {
		requirements = []Requirement[*kubebatch.Job]{JobHasBeenCreated}
	}
	_close := func() error {
		return c.client.DeleteJob(context.Background(), c.namespace, name)
	}

	return retry.Go(ctx, backoff, func() (Job, error) {
		_job, err := c.client.GetJob(ctx, c.namespace, name)
		ret := &job{job: _job, close: _close, client: c.client}

		if err != nil {
			if kubeerr.IsNotFound(err) {
				return ret, domerr.NewMissingCausedBy("", err)
			}
			return ret, err
		}

		if err := satisfyAll(_job, requirements); err != nil {
			return ret, err
		}

		pods, err := c.client.FindPods(
			ctx, c.namespace,
			LabelSelector(_job.Spec.Selector.MatchLabels),
		)
		if err == nil {
			ret.pods = pods
		}
		return ret, nil
	})
}
