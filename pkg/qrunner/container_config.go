package qrunner

import (
	"fmt"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
)

// ContainerConfig describes the pipeline container used by the Kubernetes
// runner. The image must read RUNBOOK_* variables and upload its output to
// RUNBOOK_OUTPUT_KEY in the artifact bucket.
type ContainerConfig struct {
	Image          string
	Command        []string
	ServiceAccount string
	Resources      ResourceRequirements
	// SecretEnvFrom names Secrets whose keys are exposed as environment
	// variables, e.g. the S3 credentials.
	SecretEnvFrom []string
}

// ResourceRequirements uses Kubernetes quantity syntax ("500m", "1Gi").
// Empty values are omitted.
type ResourceRequirements struct {
	CPURequest    string
	MemoryRequest string
	CPULimit      string
	MemoryLimit   string
}

// DefaultContainerConfig returns the defaults for the pipeline container.
func DefaultContainerConfig() ContainerConfig {
	return ContainerConfig{
		Image:   "ghcr.io/quatton/runbookgen-pipeline:latest",
		Command: []string{"python", "-m", "runbookgen.pipeline"},
		Resources: ResourceRequirements{
			CPURequest:    "500m",
			MemoryRequest: "1Gi",
			CPULimit:      "2",
			MemoryLimit:   "4Gi",
		},
	}
}

func (r ResourceRequirements) toK8s() (corev1.ResourceRequirements, error) {
	var out corev1.ResourceRequirements
	add := func(list *corev1.ResourceList, name corev1.ResourceName, value string) error {
		if value == "" {
			return nil
		}
		q, err := resource.ParseQuantity(value)
		if err != nil {
			return fmt.Errorf("invalid %s quantity %q: %w", name, value, err)
		}
		if *list == nil {
			*list = corev1.ResourceList{}
		}
		(*list)[name] = q
		return nil
	}
	if err := add(&out.Requests, corev1.ResourceCPU, r.CPURequest); err != nil {
		return out, err
	}
	if err := add(&out.Requests, corev1.ResourceMemory, r.MemoryRequest); err != nil {
		return out, err
	}
	if err := add(&out.Limits, corev1.ResourceCPU, r.CPULimit); err != nil {
		return out, err
	}
	if err := add(&out.Limits, corev1.ResourceMemory, r.MemoryLimit); err != nil {
		return out, err
	}
	return out, nil
}
