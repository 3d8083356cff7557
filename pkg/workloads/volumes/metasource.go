package volumes

import (
	"strings"

	"github.com/cwlops/confrun/pkg/configs"
	"github.com/cwlops/confrun/pkg/workloads/metasource"
	kubecore "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// SafeName converts a value into a k8s-object-name-friendly form.
//
// Underscores become dashes and letters are lowered.
func SafeName(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, "_", "-"))
}

// k8s resource builder for a conformance volume.
//
// Instance() determines the PVC name.
type Builder interface {
	metasource.ResourceBuilder[*configs.Config, *kubecore.PersistentVolumeClaim]
}

// InputVolume describes the claim holding conformance suites and tools.
//
// The claim is shared by every run, mounted read-only.
func InputVolume() Builder {
	return inputVolume{}
}

// OutputVolume describes the writable claim of a run for the given suite version.
func OutputVolume(version string) Builder {
	return outputVolume{version: version}
}

type inputVolume struct{}

var _ Builder = inputVolume{}

func (inputVolume) Component() string {
	return "volume"
}

func (inputVolume) Name() string {
	return "conformance-input"
}

func (v inputVolume) Instance() string {
	// the claim name comes from config; labels only.
	return v.Name()
}

func (inputVolume) Id() string {
	return "input"
}

func (inputVolume) IdType() string {
	return "role"
}

func (v inputVolume) ObjectMeta(namespace string) kubeapimeta.ObjectMeta {
	return metasource.ToObjectMeta(v, namespace)
}

func (v inputVolume) Build(conf *configs.Config) *kubecore.PersistentVolumeClaim {
	in := conf.Volumes().Input()
	meta := v.ObjectMeta(conf.Cluster().Namespace())
	meta.Name = SafeName(in.ClaimName())
	return buildClaim(
		meta,
		conf.Cluster().StorageClassName(),
		in.Capacity(),
		kubecore.ReadOnlyMany,
	)
}

type outputVolume struct {
	version string
}

var _ Builder = outputVolume{}

func (outputVolume) Component() string {
	return "volume"
}

func (outputVolume) Name() string {
	return "conformance-output"
}

func (v outputVolume) Instance() string {
	return v.Name() + "-" + SafeName(v.version)
}

func (v outputVolume) Id() string {
	return v.version
}

func (outputVolume) IdType() string {
	return "version"
}

func (v outputVolume) Extras() map[string]string {
	return map[string]string{"role": "output"}
}

func (v outputVolume) ObjectMeta(namespace string) kubeapimeta.ObjectMeta {
	return metasource.ToObjectMeta(v, namespace)
}

func (v outputVolume) Build(conf *configs.Config) *kubecore.PersistentVolumeClaim {
	out := conf.Volumes().Output()
	meta := v.ObjectMeta(conf.Cluster().Namespace())
	meta.Name = SafeName(out.ClaimFor(v.version))
	return buildClaim(
		meta,
		conf.Cluster().StorageClassName(),
		out.Capacity(),
		kubecore.ReadWriteOnce,
	)
}

func buildClaim(
	meta kubeapimeta.ObjectMeta,
	storageClass string,
	capacity resource.Quantity,
	mode kubecore.PersistentVolumeAccessMode,
) *kubecore.PersistentVolumeClaim {
	return &kubecore.PersistentVolumeClaim{
		ObjectMeta: meta,
		Spec: kubecore.PersistentVolumeClaimSpec{
			AccessModes:      []kubecore.PersistentVolumeAccessMode{mode},
			StorageClassName: &storageClass,
			Resources: kubecore.VolumeResourceRequirements{
				Requests: kubecore.ResourceList{
					kubecore.ResourceStorage: capacity,
				},
			},
		},
	}
}
