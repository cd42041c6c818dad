// Package apply validates the kind-keyed object envelope the Apply API
// accepts, one validator per kind.
package apply

import (
	"encoding/json"
	"fmt"
)

// APIVersion is the only envelope version this control plane accepts.
const APIVersion = "replicante.io/v0"

// Kind names the supported Apply API object kinds.
type Kind string

const (
	KindNamespace   Kind = "Namespace"
	KindClusterSpec Kind = "ClusterSpec"
	KindPlatform    Kind = "Platform"
	KindNAction     Kind = "NAction"
	KindOAction     Kind = "OAction"
)

// Metadata is the envelope's addressing block. Namespace/Name scope
// every kind; ClusterID additionally scopes cluster-level kinds.
type Metadata struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
	ClusterID string `json:"cluster_id,omitempty"`
	NodeID    string `json:"node_id,omitempty"`
}

// Envelope is the Apply API's request body shape.
type Envelope struct {
	APIVersion string          `json:"apiVersion"`
	Kind       Kind            `json:"kind"`
	Metadata   Metadata        `json:"metadata"`
	Spec       json.RawMessage `json:"spec"`
}

// Violation is one schema or transition-rule failure, returned in the
// taxonomy's "violations array" for 400 responses.
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError collects every Violation found for one Envelope.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%d validation violation(s)", len(e.Violations))
}

func (e *ValidationError) add(field, message string) {
	e.Violations = append(e.Violations, Violation{Field: field, Message: message})
}

// ErrUnsupportedKind is returned for Kind values the envelope does not
// recognize, or that this deployment does not accept via Apply.
type ErrUnsupportedKind struct{ Kind Kind }

func (e *ErrUnsupportedKind) Error() string {
	return fmt.Sprintf("unsupported apply kind %q", e.Kind)
}

// ValidateEnvelope checks the fields every kind shares: apiVersion,
// metadata.name, and metadata.namespace (except Namespace itself, whose
// own name IS the namespace).
func ValidateEnvelope(env Envelope) *ValidationError {
	verr := &ValidationError{}
	if env.APIVersion != APIVersion {
		verr.add("apiVersion", fmt.Sprintf("must be %q", APIVersion))
	}
	if env.Metadata.Name == "" {
		verr.add("metadata.name", "must not be empty")
	}
	if env.Kind != KindNamespace && env.Metadata.Namespace == "" {
		verr.add("metadata.namespace", "must not be empty")
	}
	if len(verr.Violations) > 0 {
		return verr
	}
	return nil
}
