package mock

import (
	"context"
	"errors"
	"io"

	"github.com/cwlops/confrun/pkg/workloads/k8s"
	kubebatch "k8s.io/api/batch/v1"
	kubecore "k8s.io/api/core/v1"
)

// NewCluster returns a k8s.Cluster backed by a fresh MockClient.
//
// Fake cluster behaviours by filling MockClient.Impl, and spy on usage
// through MockClient.Called.
func NewCluster() (k8s.Cluster, *MockClient) {
	client := &MockClient{}

	namespace := "fake-namespace"
	domain := "fake.local"

	return k8s.AttachCluster(client, namespace, domain), client
}

type MockClient struct {
	Impl struct {
		GetPVC    func(ctx context.Context, namespace string, pvcname string) (*kubecore.PersistentVolumeClaim, error)
		CreatePVC func(ctx context.Context, namespace string, pvc *kubecore.PersistentVolumeClaim) (*kubecore.PersistentVolumeClaim, error)
		DeletePVC func(ctx context.Context, namespace string, pvcname string) error

		GetJob    func(ctx context.Context, namespace string, name string) (*kubebatch.Job, error)
		CreateJob func(ctx context.Context, namespace string, job *kubebatch.Job) (*kubebatch.Job, error)
		DeleteJob func(ctx context.Context, namespace string, name string) error

		FindPods func(ctx context.Context, namespace string, ls k8s.LabelSelector) ([]kubecore.Pod, error)

		Log func(ctx context.Context, namespace string, pod string, container string) (io.ReadCloser, error)
	}
	Called struct {
		GetPVC    uint64
		CreatePVC uint64
		DeletePVC uint64

		GetJob    uint64
		CreateJob uint64
		DeleteJob uint64

		FindPods uint64

		Log uint64
	}
}

var _ k8s.K8sClient = &MockClient{}

func (m *MockClient) GetPVC(ctx context.Context, namespace string, pvcname string) (*kubecore.PersistentVolumeClaim, error) {
	m.Called.GetPVC += 1
	if m.Impl.GetPVC == nil {
		return nil, errors.New("[MOCK] not implemented")
	}
	return m.Impl.GetPVC(ctx, namespace, pvcname)
}

func (m *MockClient) CreatePVC(ctx context.Context, namespace string, pvc *kubecore.PersistentVolumeClaim) (*kubecore.PersistentVolumeClaim, error) {
	m.Called.CreatePVC += 1
	if m.Impl.CreatePVC == nil {
		return nil, errors.New("[MOCK] not implemented")
	}
	return m.Impl.CreatePVC(ctx, namespace, pvc)
}

func (m *MockClient) DeletePVC(ctx context.Context, namespace string, pvcname string) error {
	m.Called.DeletePVC += 1
	if m.Impl.DeletePVC == nil {
		return errors.New("[MOCK] not implemented")
	}
	return m.Impl.DeletePVC(ctx, namespace, pvcname)
}

func (m *MockClient) GetJob(ctx context.Context, namespace string, name string) (*kubebatch.Job, error) {
	m.Called.GetJob += 1
	if m.Impl.GetJob == nil {
		return nil, errors.New("[MOCK] not implemented")
	}
	return m.Impl.GetJob(ctx, namespace, name)
}

func (m *MockClient) CreateJob(ctx context.Context, namespace string, job *kubebatch.Job) (*kubebatch.Job, error) {
	m.Called.CreateJob += 1
	if m.Impl.CreateJob == nil {
		return nil, errors.New("[MOCK] not implemented")
	}
	return m.Impl.CreateJob(ctx, namespace, job)
}

func (m *MockClient) DeleteJob(ctx context.Context, namespace string, name string) error {
	m.Called.DeleteJob += 1
	if m.Impl.DeleteJob == nil {
		return errors.New("[MOCK] not implemented")
	}
	return m.Impl.DeleteJob(ctx, namespace, name)
}

func (m *MockClient) FindPods(ctx context.Context, namespace string, ls k8s.LabelSelector) ([]kubecore.Pod, error) {
	m.Called.FindPods += 1
	if m.Impl.FindPods == nil {
		return nil, errors.New("[MOCK] not implemented")
	}
	return m.Impl.FindPods(ctx, namespace, ls)
}

func (m *MockClient) Log(ctx context.Context, namespace string, pod string, container string) (io.ReadCloser, error) {
	m.Called.Log += 1
	if m.Impl.Log == nil {
		return nil, errors.New("[MOCK] not implemented")
	}
	return m.Impl.Log(ctx, namespace, pod, container)
}
