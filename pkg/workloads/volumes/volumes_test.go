package volumes_test

import (
	"context"
	"errors"
	"testing"

	"github.com/cwlops/confrun/pkg/configs"
	domerr "github.com/cwlops/confrun/pkg/domain/errors"
	"github.com/cwlops/confrun/pkg/workloads/k8s/mock"
	"github.com/cwlops/confrun/pkg/workloads/volumes"
	kubecore "k8s.io/api/core/v1"
	kubeerr "k8s.io/apimachinery/pkg/api/errors"
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
suites:
    - version: "1.2"
      manifest: /conformance/cwl-v1.2-1.2.0/conformance_tests.yaml
      tool: cwltool
      maxRAM: 8G
      maxCores: 4
      image: ghcr.io/example/calrissian:0.18.0
`))
	if err != nil {
		t.Fatalf("config fixture is broken: %+v", err)
	}
	return conf
}

func bound(pvc *kubecore.PersistentVolumeClaim) *kubecore.PersistentVolumeClaim {
	p := pvc.DeepCopy()
	p.Status.Phase = kubecore.ClaimBound
	return p
}

func TestEnsure(t *testing.T) {
	t.Run("when no claims exist, it creates input and output claims", func(t *testing.T) {
		ctx := context.Background()
		cluster, client := mock.NewCluster()

		created := map[string]*kubecore.PersistentVolumeClaim{}
		client.Impl.CreatePVC = func(_ context.Context, _ string, pvc *kubecore.PersistentVolumeClaim) (*kubecore.PersistentVolumeClaim, error) {
			created[pvc.Name] = pvc
			return bound(pvc), nil
		}

		prov, err := volumes.Ensure(ctx, cluster, testConf(t), "1.2")
		if err != nil {
			t.Fatalf("Ensure() causes error: %+v", err)
		}

		if prov.InputClaim != "conformance-input" {
			t.Errorf("input claim: (actual, expected) = (%s, conformance-input)", prov.InputClaim)
		}
		if prov.OutputClaim != "conformance-output-1.2" {
			t.Errorf("output claim: (actual, expected) = (%s, conformance-output-1.2)", prov.OutputClaim)
		}

		if client.Called.CreatePVC != 2 {
			t.Errorf("CreatePVC calls: (actual, expected) = (%d, 2)", client.Called.CreatePVC)
		}

		in, ok := created["conformance-input"]
		if !ok {
			t.Fatal("input claim is not created")
		}
		if len(in.Spec.AccessModes) != 1 || in.Spec.AccessModes[0] != kubecore.ReadOnlyMany {
			t.Errorf("input access modes: unexpected: %v", in.Spec.AccessModes)
		}
		if cap := in.Spec.Resources.Requests[kubecore.ResourceStorage]; cap.String() != "10Gi" {
			t.Errorf("input capacity: (actual, expected) = (%s, 10Gi)", cap.String())
		}

		out, ok := created["conformance-output-1.2"]
		if !ok {
			t.Fatal("output claim is not created")
		}
		if len(out.Spec.AccessModes) != 1 || out.Spec.AccessModes[0] != kubecore.ReadWriteOnce {
			t.Errorf("output access modes: unexpected: %v", out.Spec.AccessModes)
		}
		if sc := out.Spec.StorageClassName; sc == nil || *sc != "standard" {
			t.Errorf("output storage class: unexpected: %v", sc)
		}
	})

	t.Run("when claims are left from an earlier run, it adopts them", func(t *testing.T) {
		ctx := context.Background()
		cluster, client := mock.NewCluster()

		client.Impl.CreatePVC = func(_ context.Context, _ string, pvc *kubecore.PersistentVolumeClaim) (*kubecore.PersistentVolumeClaim, error) {
			return nil, kubeerr.NewAlreadyExists(
				schema.GroupResource{Resource: "persistentvolumeclaims"},
				pvc.Name,
			)
		}
		client.Impl.GetPVC = func(_ context.Context, _ string, pvcname string) (*kubecore.PersistentVolumeClaim, error) {
			p := &kubecore.PersistentVolumeClaim{}
			p.Name = pvcname
			return bound(p), nil
		}

		prov, err := volumes.Ensure(ctx, cluster, testConf(t), "1.2")
		if err != nil {
			t.Fatalf("Ensure() should adopt existing claims: %+v", err)
		}
		if prov.InputClaim != "conformance-input" || prov.OutputClaim != "conformance-output-1.2" {
			t.Errorf("adopted claims: unexpected: %+v", prov)
		}
		if client.Called.GetPVC != 2 {
			t.Errorf("GetPVC calls: (actual, expected) = (%d, 2)", client.Called.GetPVC)
		}
		if client.Called.DeletePVC != 0 {
			t.Errorf("DeletePVC should not be called: %d", client.Called.DeletePVC)
		}
	})

	t.Run("when the cluster denies creation, the error is a provisioning failure", func(t *testing.T) {
		ctx := context.Background()
		cluster, client := mock.NewCluster()

		expectedErr := errors.New("fake error")
		client.Impl.CreatePVC = func(_ context.Context, _ string, _ *kubecore.PersistentVolumeClaim) (*kubecore.PersistentVolumeClaim, error) {
			return nil, expectedErr
		}

		if _, err := volumes.Ensure(ctx, cluster, testConf(t), "1.2"); err == nil {
			t.Error("Ensure() should fail")
		} else if !domerr.AsProvisioning(err) {
			t.Errorf("error should be a provisioning failure: %+v", err)
		} else if !errors.Is(err, expectedErr) {
			t.Errorf("error should wrap the cause: %+v", err)
		}
	})
}
