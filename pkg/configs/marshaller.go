package configs

import (
	"fmt"
	"os"

	"github.com/cwlops/confrun/pkg/images"
	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/api/resource"
)

// Load reads a confrun config file.
//
// returns (*Config, nil) on success, (nil, error) otherwise.
func Load(filepath string) (*Config, error) {
	content, err := os.ReadFile(filepath)
	if err != nil {
		return nil, err
	}
	return Unmarshal(content)
}

func Unmarshal(conf []byte) (out *Config, err error) {
	var _out *ConfigMarshall
	if err := yaml.Unmarshal(conf, &_out); err != nil {
		return nil, err
	}
	if _out == nil {
		return nil, fmt.Errorf("empty config")
	}

	// trySeal panics on misconfiguration; turn that into an error here.
	defer func() {
		if r := recover(); r != nil {
			out = nil
			if e, ok := r.(error); ok {
				err = e
				return
			}
			err = fmt.Errorf("%+v", r)
		}
	}()
	out = _out.TrySeal()
	return out, nil
}

type Marshalled[S any] interface {
	trySeal(string) S
}

// ConfigMarshall is the mutable, yaml-facing version of Config.
//
// Prefer the immutable Config; get one with `TrySeal()`.
type ConfigMarshall struct {
	Cluster  *ClusterConfigMarshall  `yaml:"cluster"`
	Volumes  *VolumesConfigMarshall  `yaml:"volumes"`
	Runner   *RunnerConfigMarshall   `yaml:"runner"`
	Registry *RegistryConfigMarshall `yaml:"registry,omitempty"`
	Resultd  *ResultdConfigMarshall  `yaml:"resultd,omitempty"`
	Suites   []*SuiteConfigMarshall  `yaml:"suites"`
}

var _ Marshalled[*Config] = &ConfigMarshall{}

// TrySeal verifies the configuration and creates the readonly version.
//
// IT WILL PANIC on any misconfiguration, naming the config path.
func (cm *ConfigMarshall) TrySeal() *Config {
	return cm.trySeal("(root)")
}

func (cm *ConfigMarshall) trySeal(path string) *Config {
	if len(cm.Suites) == 0 {
		panic(fmt.Errorf("%s.suites: at least one suite is required", path))
	}

	suites := make([]SuiteConfig, 0, len(cm.Suites))
	seen := map[string]struct{}{}
	for nth, s := range cm.Suites {
		p := fmt.Sprintf("%s.suites[%d]", path, nth)
		sealed := nonnil(s, p).trySeal(p)
		if _, ok := seen[sealed.version]; ok {
			panic(fmt.Errorf("%s: version %q is configured twice", p, sealed.version))
		}
		seen[sealed.version] = struct{}{}
		suites = append(suites, sealed)
	}

	c := &Config{
		cluster: nonnil(cm.Cluster, path+".cluster").trySeal(path + ".cluster"),
		volumes: nonnil(cm.Volumes, path+".volumes").trySeal(path + ".volumes"),
		runner:  nonnil(cm.Runner, path+".runner").trySeal(path + ".runner"),
		suites:  suites,
	}
	if cm.Registry != nil {
		c.registry = cm.Registry.trySeal(path + ".registry")
	}
	if cm.Resultd != nil {
		c.resultd = cm.Resultd.trySeal(path + ".resultd")
	}
	return c
}

type ClusterConfigMarshall struct {
	Namespace        string `yaml:"namespace"`
	Domain           string `yaml:"domain,omitempty"`
	StorageClassName string `yaml:"storageClassName"`
}

func (cm *ClusterConfigMarshall) trySeal(path string) *ClusterConfig {
	domain := cm.Domain
	if domain == "" {
		domain = "cluster.local"
	}
	return &ClusterConfig{
		namespace:        required(cm.Namespace, path+".namespace"),
		domain:           domain,
		storageClassName: required(cm.StorageClassName, path+".storageClassName"),
	}
}

type VolumesConfigMarshall struct {
	Input  *InputVolumeConfigMarshall  `yaml:"input"`
	Output *OutputVolumeConfigMarshall `yaml:"output"`
}

func (vm *VolumesConfigMarshall) trySeal(path string) *VolumesConfig {
	return &VolumesConfig{
		input:  nonnil(vm.Input, path+".input").trySeal(path + ".input"),
		output: nonnil(vm.Output, path+".output").trySeal(path + ".output"),
	}
}

type InputVolumeConfigMarshall struct {
	ClaimName string `yaml:"claimName"`
	Capacity  string `yaml:"capacity"`
}

func (im *InputVolumeConfigMarshall) trySeal(path string) *InputVolumeConfig {
	return &InputVolumeConfig{
		claimName: required(im.ClaimName, path+".claimName"),
		capacity:  quantity(im.Capacity, path+".capacity"),
	}
}

type OutputVolumeConfigMarshall struct {
	ClaimPrefix string `yaml:"claimPrefix"`
	Capacity    string `yaml:"capacity"`
}

func (om *OutputVolumeConfigMarshall) trySeal(path string) *OutputVolumeConfig {
	return &OutputVolumeConfig{
		claimPrefix: required(om.ClaimPrefix, path+".claimPrefix"),
		capacity:    quantity(om.Capacity, path+".capacity"),
	}
}

type RunnerConfigMarshall struct {
	Image          string `yaml:"image"`
	PrepImage      string `yaml:"prepImage"`
	ServiceAccount string `yaml:"serviceAccount,omitempty"`
}

func (rm *RunnerConfigMarshall) trySeal(path string) *RunnerConfig {
	return &RunnerConfig{
		image:          imageRef(rm.Image, path+".image"),
		prepImage:      imageRef(rm.PrepImage, path+".prepImage"),
		serviceAccount: rm.ServiceAccount,
	}
}

type RegistryConfigMarshall struct {
	Database string `yaml:"database"`
}

func (rm *RegistryConfigMarshall) trySeal(path string) *RegistryConfig {
	return &RegistryConfig{
		database: required(rm.Database, path+".database"),
	}
}

type ResultdConfigMarshall struct {
	Port    int32  `yaml:"port"`
	Path    string `yaml:"path"`
	KeyFile string `yaml:"keyFile,omitempty"`
}

func (rm *ResultdConfigMarshall) trySeal(path string) *ResultdConfig {
	return &ResultdConfig{
		port:    required(rm.Port, path+".port"),
		path:    required(rm.Path, path+".path"),
		keyFile: rm.KeyFile,
	}
}

type SuiteConfigMarshall struct {
	Version   string   `yaml:"version"`
	Manifest  string   `yaml:"manifest"`
	Tool      string   `yaml:"tool"`
	BadgeDir  string   `yaml:"badgeDir,omitempty"`
	MaxRAM    string   `yaml:"maxRAM"`
	MaxCores  int      `yaml:"maxCores"`
	Image     string   `yaml:"image"`
	ExtraArgs []string `yaml:"extraArgs,omitempty"`
	Retries   uint     `yaml:"retries,omitempty"`
}

func (sm *SuiteConfigMarshall) trySeal(path string) SuiteConfig {
	version := required(sm.Version, path+".version")

	badgeDir := sm.BadgeDir
	if badgeDir == "" {
		badgeDir = "badges-" + version
	}

	maxCores := sm.MaxCores
	if maxCores <= 0 {
		panic(fmt.Errorf("%s.maxCores must be positive: %d", path, maxCores))
	}

	return SuiteConfig{
		version:   version,
		manifest:  required(sm.Manifest, path+".manifest"),
		tool:      required(sm.Tool, path+".tool"),
		badgeDir:  badgeDir,
		maxRAM:    quantity(sm.MaxRAM, path+".maxRAM"),
		maxCores:  maxCores,
		image:     imageRef(sm.Image, path+".image"),
		extraArgs: sm.ExtraArgs,
		retries:   sm.Retries,
	}
}

func required[T comparable](value T, path string) T {
	if value == *new(T) {
		panic(fmt.Errorf("%s is required", path))
	}
	return value
}

func nonnil[T any](value *T, path string) *T {
	if value == nil {
		panic(fmt.Errorf("%s is required", path))
	}
	return value
}

func quantity(value string, path string) resource.Quantity {
	q, err := resource.ParseQuantity(required(value, path))
	if err != nil {
		panic(fmt.Errorf("%s can not be parsed: %w", path, err))
	}
	if q.Sign() <= 0 {
		panic(fmt.Errorf("%s must be positive: %s", path, value))
	}
	return q
}

// imageRef validates value as an image reference and returns it as the
// operator wrote it.
func imageRef(value string, path string) string {
	if _, err := images.ParseRef(required(value, path)); err != nil {
		panic(fmt.Errorf("%s: %w", path, err))
	}
	return value
}
