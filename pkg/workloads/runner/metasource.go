package runner

import (
	"fmt"
	"path"
	"strconv"

	"github.com/cwlops/confrun/pkg/configs"
	"github.com/cwlops/confrun/pkg/domain"
	ptr "github.com/cwlops/confrun/pkg/utils/pointer"
	"github.com/cwlops/confrun/pkg/utils/slices"
	"github.com/cwlops/confrun/pkg/workloads/metasource"
	"github.com/cwlops/confrun/pkg/workloads/volumes"
	kubebatch "k8s.io/api/batch/v1"
	kubecore "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const (
	// where the input claim is mounted in the tool container.
	InputMountPath = "/conformance"

	// where the output claim is mounted in the tool container.
	OutputMountPath = "/output"
)

type RunIdentifier struct{ domain.RunBody }

// The name of application/resource.
//
// For `ObjectMeta.Name`, USE `Instance()`, NOT THIS.
//
// This is set as a value of k8s label "app.kubernetes.io/name".
func (ri RunIdentifier) Name() string {
	return ri.Component()
}

// This is set as a value of k8s label "app.kubernetes.io/instance"
// AND ALSO `ObjectMeta.Name` .
//
// This determines the naming convention of runner Jobs.
func (ri RunIdentifier) Instance() string {
	return "runner-" + volumes.SafeName(ri.RunBody.Id)
}

// Where is this positioned in system archetecture.
//
// This is set as a value of k8s label "app.kubernetes.io/component".
func (ri RunIdentifier) Component() string {
	return "runner"
}

// Identifier of entity in the confrun object model.
func (ri RunIdentifier) Id() string {
	return ri.RunBody.Id
}

// type of "Id()"
func (ri RunIdentifier) IdType() string {
	return "run_id"
}

func (ri RunIdentifier) Extras() map[string]string {
	return map[string]string{
		"version": ri.RunBody.Version,
	}
}

func (ri RunIdentifier) ObjectMeta(namespace string) kubeapimeta.ObjectMeta {
	return metasource.ToObjectMeta(ri, namespace)
}

// Executable is a run which is ready to be a k8s Job.
type Executable struct {
	RunIdentifier

	Spec domain.RunSpec

	Mounts volumes.Provisioned
}

var _ metasource.ResourceBuilder[*configs.Config, *kubebatch.Job] = &Executable{}

// New verifies a run and converts it into an Executable.
//
// Volumes should have been provisioned already.
func New(run *domain.Run, mounts volumes.Provisioned) (*Executable, error) {
	if err := run.Spec.Validate(); err != nil {
		return nil, err
	}
	if mounts.InputClaim == "" {
		return nil, fmt.Errorf(
			"malformed [runId:%s]: no input claim", run.Id,
		)
	}
	if mounts.OutputClaim == "" {
		return nil, fmt.Errorf(
			"malformed [runId:%s]: no output claim", run.Id,
		)
	}

	return &Executable{
		RunIdentifier: RunIdentifier{RunBody: run.RunBody},
		Spec:          run.Spec,
		Mounts:        mounts,
	}, nil
}

// BadgePath is where the tool writes badges, under the output mount.
func (ex *Executable) BadgePath() string {
	return path.Join(OutputMountPath, ex.Spec.BadgeDir)
}

// Args is the fixed command line of the tool invocation.
//
// Everything comes from the run spec. Nothing is read from the
// runner's own environment, so re-submissions are reproducible.
func (ex *Executable) Args() []string {
	cores := strconv.Itoa(ex.Spec.MaxCores)
	return slices.Concat(
		[]string{
			"--test", ex.Spec.Manifest,
			"--tool", ex.Spec.Tool,
			"--badgedir", ex.BadgePath(),
			"-j", cores,
			"--",
			"--max-ram", ex.Spec.MaxRAM.String(),
			"--max-cores", cores,
			"--default-container", ex.Spec.Image,
			"--outdir", path.Join(OutputMountPath, "outdir"),
			"--tmpdir-prefix", path.Join(OutputMountPath, "tmp") + "/",
		},
		ex.Spec.ExtraArgs,
	)
}

func (ex *Executable) ObjectMeta(namespace string) kubeapimeta.ObjectMeta {
	return metasource.ToObjectMeta(ex, namespace)
}

// convert Executable into a kubernetes Job spec.
func (ex *Executable) Build(conf *configs.Config) *kubebatch.Job {
	rc := conf.Runner()

	inputMount := kubecore.VolumeMount{
		Name:      "input",
		MountPath: InputMountPath,
		ReadOnly:  true,
	}
	outputMount := kubecore.VolumeMount{
		Name:      "output",
		MountPath: OutputMountPath,
	}

	volumes := []kubecore.Volume{
		{
			Name: "input",
			VolumeSource: kubecore.VolumeSource{
				PersistentVolumeClaim: &kubecore.PersistentVolumeClaimVolumeSource{
					ClaimName: ex.Mounts.InputClaim,
				},
			},
		},
		{
			Name: "output",
			VolumeSource: kubecore.VolumeSource{
				PersistentVolumeClaim: &kubecore.PersistentVolumeClaimVolumeSource{
					ClaimName: ex.Mounts.OutputClaim,
				},
			},
		},
	}

	// badge / scratch directories must exist and be writable
	// before the tool container starts.
	prep := kubecore.Container{
		Name:    "prep",
		Image:   rc.PrepImage(),
		Command: []string{"sh", "-c"},
		Args: []string{
			fmt.Sprintf(
				"mkdir -p %q %q %q && chmod -R 0777 %q",
				ex.BadgePath(),
				path.Join(OutputMountPath, "outdir"),
				path.Join(OutputMountPath, "tmp"),
				OutputMountPath,
			),
		},
		VolumeMounts: []kubecore.VolumeMount{outputMount},
		Resources: kubecore.ResourceRequirements{
			Limits: kubecore.ResourceList{
				"cpu":    resource.MustParse("50m"),
				"memory": resource.MustParse("100Mi"),
			},
		},
	}

	main := kubecore.Container{
		Name:         "main",
		Image:        rc.Image(),
		Command:      []string{"cwltest"},
		Args:         ex.Args(),
		VolumeMounts: []kubecore.VolumeMount{inputMount, outputMount},
		Resources: kubecore.ResourceRequirements{
			Limits: kubecore.ResourceList{
				kubecore.ResourceCPU:    *resource.NewQuantity(int64(ex.Spec.MaxCores), resource.DecimalSI),
				kubecore.ResourceMemory: ex.Spec.MaxRAM,
			},
		},
		Env: []kubecore.EnvVar{
			{
				Name: "POD_NAME",
				ValueFrom: &kubecore.EnvVarSource{
					FieldRef: &kubecore.ObjectFieldSelector{FieldPath: "metadata.name"},
				},
			},
			{
				Name: "NAMESPACE",
				ValueFrom: &kubecore.EnvVarSource{
					FieldRef: &kubecore.ObjectFieldSelector{FieldPath: "metadata.namespace"},
				},
			},
		},
	}

	automount := false
	if rc.ServiceAccount() != "" {
		automount = true
	}

	return &kubebatch.Job{
		ObjectMeta: ex.ObjectMeta(conf.Cluster().Namespace()),
		Spec: kubebatch.JobSpec{
			Parallelism:  ptr.Ref[int32](1),
			BackoffLimit: ptr.Ref[int32](0),
			Template: kubecore.PodTemplateSpec{
				Spec: kubecore.PodSpec{
					RestartPolicy:                kubecore.RestartPolicyNever,
					ServiceAccountName:           rc.ServiceAccount(),
					AutomountServiceAccountToken: &automount,
					EnableServiceLinks:           ptr.Ref(false),
					InitContainers:               []kubecore.Container{prep},
					Containers:                   []kubecore.Container{main},
					Volumes:                      volumes,
				},
			},
		},
	}
}
