package metasource

import (
	"fmt"

	"github.com/cwlops/confrun/pkg/buildtime"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"
)

type SpecBuilder[C any, D any] interface {
	// Build k8s resource descriptor(s)
	Build(conf C) D
}

// confrun component metadata which is placed in the k8s cluster.
//
// ToLabels converts a MetaSource into k8s labels.
type MetaSource interface {
	// The name of application/resource.
	//
	// If there are many resources running a same app, they may have same `Name()`.
	//
	// For `ObjectMeta.Name`, USE `Instance()`, NOT THIS.
	//
	// This is set as a value of k8s label "app.kubernetes.io/name".
	//
	// see: https://kubernetes.io/docs/concepts/overview/working-with-objects/common-labels/
	Name() string

	// This is set as a value of k8s label "app.kubernetes.io/instance"
	// AND ALSO `ObjectMeta.Name` .
	//
	// This will identify an instance from others sharing Name() and Component().
	//
	// see: https://kubernetes.io/docs/concepts/overview/working-with-objects/common-labels/
	Instance() string

	// Where is this positioned in system archetecture.
	//
	// example: provisioner, runner, ...
	//
	// This is set as a value of k8s label "app.kubernetes.io/component".
	//
	// see: https://kubernetes.io/docs/concepts/overview/working-with-objects/common-labels/
	Component() string

	// Identifier of entity in the confrun object model.
	Id() string

	// type of "Id()"
	//
	// example: run_id, version, ...
	IdType() string

	// convert to ObjectMeta
	ObjectMeta(namespace string) kubeapimeta.ObjectMeta
}

type Extraer interface {

	// Extra labels.
	//
	// See document of `ToLabels` for more details.
	Extras() map[string]string
}

type ResourceBuilder[C any, D any] interface {
	MetaSource
	SpecBuilder[C, D]
}

// convert from MetaSource to k8s labels, including "recommended labels".
//
// https://kubernetes.io/docs/concepts/overview/working-with-objects/common-labels/
//
// # Recommended Labels:
//
// - "app.kubernetes.io/version"    : build version of confrun.
//
// - "app.kubernetes.io/part-of"    : "confrun"
//
// - "app.kubernetes.io/managed-by" : "confrun"
//
// - "app.kubernetes.io/component"  : s.Component()
//
// - "app.kubernetes.io/name"       : s.Name()
//
// - "app.kubernetes.io/instance"   : s.Instance()
//
// # Confrun Labels:
//
// Confrun specific labels are prefixed with "confrun/" .
//
// - "confrun/${s.Name()}.${s.IdType()}" : s.Id()
//
// - "confrun/${s.Name()}.KEY"           : s.Extras()[KEY] (if any)
//
// CAPITALIZED `KEY` is a key in `s.Extras()`,
// only if `s` implements `Extraer` (otherwise, they are not appeared).
func ToLabels(s MetaSource) map[string]string {
	labelPrefix := fmt.Sprintf("confrun/%s.", s.Name())

	l := map[string]string{
		"app.kubernetes.io/version":    buildtime.VERSION(),
		"app.kubernetes.io/name":       s.Name(),
		"app.kubernetes.io/instance":   s.Instance(),
		"app.kubernetes.io/component":  s.Component(),
		"app.kubernetes.io/part-of":    "confrun",
		"app.kubernetes.io/managed-by": "confrun",

		// confrun/NAME.ID_TYPE: ID  --  example: `confrun/runner.run_id: cwl-1.2-...`
		labelPrefix + s.IdType(): s.Id(),
	}

	if withEx, ok := s.(Extraer); ok {
		for k, v := range withEx.Extras() {
			l[labelPrefix+k] = v
		}
	}

	return l
}

// default (and reference) implementation of MetaSource.ObjectMeta.
//
// This is a helper for MetaSource implementers, not for users.
// When using a specific MetaSource implementation,
// prefer its ObjectMeta method to respect each type.
func ToObjectMeta(m MetaSource, namespace string) kubeapimeta.ObjectMeta {
	labels := ToLabels(m)
	return kubeapimeta.ObjectMeta{
		Name:      m.Instance(),
		Namespace: namespace,
		Labels:    labels,
	}
}
