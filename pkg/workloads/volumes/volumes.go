package volumes

import (
	"context"
	"time"

	"github.com/cwlops/confrun/pkg/configs"
	domerr "github.com/cwlops/confrun/pkg/domain/errors"
	"github.com/cwlops/confrun/pkg/utils/retry"
	k8s "github.com/cwlops/confrun/pkg/workloads/k8s"
)

// Provisioned holds the claim names a run mounts.
type Provisioned struct {
	// claim holding conformance manifests and tools. read-only for runs.
	InputClaim string

	// claim receiving results and badges of a single run.
	OutputClaim string
}

// Ensure provisions the volumes a run of the given suite version needs.
//
// It is idempotent: claims left by an earlier run are adopted, not an error.
// Volumes must be bound before any runner Job is spawned,
// so Ensure blocks until both claims are bound or ctx expires.
//
// # Returns
//
// - *Provisioned : claim names to mount.
//
// - error : wrapped so that domerr.AsProvisioning(err) holds.
func Ensure(
	ctx context.Context,
	cluster k8s.Cluster,
	conf *configs.Config,
	version string,
) (*Provisioned, error) {
	// Do not Close() these: closing drops the claim,
	// but conformance volumes outlive the provisioner.
	input, err := ensureClaim(ctx, cluster, conf, InputVolume())
	if err != nil {
		return nil, domerr.NewProvisioningCausedBy("input volume", err)
	}

	output, err := ensureClaim(ctx, cluster, conf, OutputVolume(version))
	if err != nil {
		return nil, domerr.NewProvisioningCausedBy("output volume", err)
	}

	return &Provisioned{
		InputClaim:  input.Name(),
		OutputClaim: output.Name(),
	}, nil
}

func ensureClaim(
	ctx context.Context,
	cluster k8s.Cluster,
	conf *configs.Config,
	builder Builder,
) (k8s.PVC, error) {
	spec := builder.Build(conf)

	result := <-cluster.NewPVC(
		ctx, retry.StaticBackoff(3*time.Second), spec,
		k8s.PVCIsBound,
	)
	if result.Err == nil {
		return result.Value, nil
	}
	if !domerr.AsConflict(result.Err) {
		return nil, result.Err
	}

	// someone (or a past run) has made it already. adopt it.
	found := <-cluster.GetPVC(
		ctx, retry.StaticBackoff(3*time.Second), spec.ObjectMeta.Name,
		k8s.PVCIsBound,
	)
	if found.Err != nil {
		return nil, found.Err
	}
	return found.Value, nil
}
