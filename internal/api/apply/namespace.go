package apply

import (
	"encoding/json"
	"fmt"

	"github.com/khryptorgraphics/orchestrall/internal/orchtypes"
)

// NamespaceSpec is the Apply API's spec.spec body for kind Namespace.
type NamespaceSpec struct {
	Status   orchtypes.NamespaceStatus   `json:"status"`
	Settings orchtypes.NamespaceSettings `json:"settings"`
}

// Namespace validates env as a Namespace object and, when current is
// non-nil, enforces status-transition rule
// (Deleted is terminal). current is nil for a first-time create.
func Namespace(env Envelope, current *orchtypes.Namespace) (orchtypes.Namespace, error) {
	if env.Kind != KindNamespace {
		return orchtypes.Namespace{}, &ErrUnsupportedKind{Kind: env.Kind}
	}
	var spec NamespaceSpec
	if err := json.Unmarshal(env.Spec, &spec); err != nil {
		return orchtypes.Namespace{}, fmt.Errorf("decode namespace spec: %w", err)
	}

	verr := &ValidationError{}
	switch spec.Status {
	case orchtypes.NamespaceActive, orchtypes.NamespaceDeleting, orchtypes.NamespaceDeleted:
	default:
		verr.add("spec.status", fmt.Sprintf("unknown namespace status %q", spec.Status))
	}
	if spec.Settings.Orchestrate.MaxNActionScheduleAttempts < 0 {
		verr.add("spec.settings.orchestrate.max_naction_schedule_attempts", "must not be negative")
	}
	if len(verr.Violations) > 0 {
		return orchtypes.Namespace{}, verr
	}

	if current != nil && !current.Status.CanTransition(spec.Status) {
		message := fmt.Sprintf("cannot transition namespace from %q to %q", current.Status, spec.Status)
		if current.Status == orchtypes.NamespaceDeleted {
			message = "deleted namespaces cannot be change"
		}
		verr.add("spec.status", message)
		return orchtypes.Namespace{}, verr
	}

	return orchtypes.Namespace{ID: env.Metadata.Name, Status: spec.Status, Settings: spec.Settings}, nil
}
