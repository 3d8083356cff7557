package configs

import (
	"github.com/cwlops/confrun/pkg/domain"
	"k8s.io/apimachinery/pkg/api/resource"
)

// Config for a confrun deployment.
//
// To get a Config instance, use `Load` or `ConfigMarshall.TrySeal()`.
type Config struct {
	cluster  *ClusterConfig
	volumes  *VolumesConfig
	runner   *RunnerConfig
	registry *RegistryConfig
	resultd  *ResultdConfig
	suites   []SuiteConfig
}

func (c *Config) Cluster() *ClusterConfig {
	return c.cluster
}

func (c *Config) Volumes() *VolumesConfig {
	return c.volumes
}

func (c *Config) Runner() *RunnerConfig {
	return c.runner
}

// Registry is nil when no database is configured.
func (c *Config) Registry() *RegistryConfig {
	return c.registry
}

// Resultd is nil when the result server is not configured.
func (c *Config) Resultd() *ResultdConfig {
	return c.resultd
}

func (c *Config) Suites() []SuiteConfig {
	return c.suites
}

// Suite finds the suite configured for a version label.
func (c *Config) Suite(version string) (SuiteConfig, bool) {
	for _, s := range c.suites {
		if s.Version() == version {
			return s, true
		}
	}
	return SuiteConfig{}, false
}

type ClusterConfig struct {
	namespace        string
	domain           string
	storageClassName string
}

// k8s namespace where runs are placed.
func (c *ClusterConfig) Namespace() string {
	return c.namespace
}

// k8s cluster-internal domain. default = "cluster.local"
func (c *ClusterConfig) Domain() string {
	return c.domain
}

// storage class for provisioned claims.
func (c *ClusterConfig) StorageClassName() string {
	return c.storageClassName
}

type VolumesConfig struct {
	input  *InputVolumeConfig
	output *OutputVolumeConfig
}

func (v *VolumesConfig) Input() *InputVolumeConfig {
	return v.input
}

func (v *VolumesConfig) Output() *OutputVolumeConfig {
	return v.output
}

// InputVolumeConfig names the shared read-only dataset claim.
type InputVolumeConfig struct {
	claimName string
	capacity  resource.Quantity
}

func (c *InputVolumeConfig) ClaimName() string {
	return c.claimName
}

func (c *InputVolumeConfig) Capacity() resource.Quantity {
	return c.capacity
}

// OutputVolumeConfig describes the writable per-run claims.
//
// Each run gets its own claim named `<claimPrefix>-<version>`.
type OutputVolumeConfig struct {
	claimPrefix string
	capacity    resource.Quantity
}

func (c *OutputVolumeConfig) ClaimPrefix() string {
	return c.claimPrefix
}

func (c *OutputVolumeConfig) Capacity() resource.Quantity {
	return c.capacity
}

// ClaimFor returns the claim name for a run of the given suite version.
func (c *OutputVolumeConfig) ClaimFor(version string) string {
	return c.claimPrefix + "-" + version
}

type RunnerConfig struct {
	image          string
	prepImage      string
	serviceAccount string
}

// image of the conformance-test tool container.
func (c *RunnerConfig) Image() string {
	return c.image
}

// image of the init container preparing output directories.
func (c *RunnerConfig) PrepImage() string {
	return c.prepImage
}

// service account the tool pod runs as.
// The tool itself schedules pods, so it needs API access.
func (c *RunnerConfig) ServiceAccount() string {
	return c.serviceAccount
}

type RegistryConfig struct {
	database string
}

// connection string for the run-record database.
func (c *RegistryConfig) Database() string {
	return c.database
}

type ResultdConfig struct {
	port    int32
	path    string
	keyFile string
}

func (c *ResultdConfig) Port() int32 {
	return c.port
}

// directory of the mounted output volume to serve.
func (c *ResultdConfig) Path() string {
	return c.path
}

// HS256 key file for access tokens. Empty means no authentication.
func (c *ResultdConfig) KeyFile() string {
	return c.keyFile
}

// SuiteConfig is the sealed per-version parameter set.
type SuiteConfig struct {
	version   string
	manifest  string
	tool      string
	badgeDir  string
	maxRAM    resource.Quantity
	maxCores  int
	image     string
	extraArgs []string
	retries   uint
}

func (s SuiteConfig) Version() string {
	return s.version
}

func (s SuiteConfig) Manifest() string {
	return s.manifest
}

func (s SuiteConfig) Tool() string {
	return s.tool
}

// badge output subdirectory under the output volume root.
func (s SuiteConfig) BadgeDir() string {
	return s.badgeDir
}

func (s SuiteConfig) MaxRAM() resource.Quantity {
	return s.maxRAM
}

func (s SuiteConfig) MaxCores() int {
	return s.maxCores
}

func (s SuiteConfig) Image() string {
	return s.image
}

func (s SuiteConfig) ExtraArgs() []string {
	return s.extraArgs
}

func (s SuiteConfig) Retries() uint {
	return s.retries
}

// RunSpec converts the suite into the immutable run parameter set.
func (s SuiteConfig) RunSpec() domain.RunSpec {
	return domain.RunSpec{
		Version:   s.version,
		Manifest:  s.manifest,
		Tool:      s.tool,
		BadgeDir:  s.badgeDir,
		MaxRAM:    s.maxRAM,
		MaxCores:  s.maxCores,
		Image:     s.image,
		ExtraArgs: s.extraArgs,
		Retries:   s.retries,
	}
}
