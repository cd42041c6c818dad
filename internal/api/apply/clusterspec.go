package apply

import (
	"encoding/json"
	"fmt"

	"github.com/khryptorgraphics/orchestrall/internal/orchtypes"
)

// ClusterSpec validates env as a ClusterSpec object. env.Spec decodes
// directly into orchtypes.Declaration since that's the whole of a
// cluster spec's mutable content.
func ClusterSpec(env Envelope) (orchtypes.ClusterSpec, error) {
	if env.Kind != KindClusterSpec {
		return orchtypes.ClusterSpec{}, &ErrUnsupportedKind{Kind: env.Kind}
	}
	var decl orchtypes.Declaration
	if err := json.Unmarshal(env.Spec, &decl); err != nil {
		return orchtypes.ClusterSpec{}, fmt.Errorf("decode cluster spec: %w", err)
	}

	verr := &ValidationError{}
	switch decl.Mode {
	case orchtypes.OrchestrationModeAct, orchtypes.OrchestrationModeObserve:
	default:
		verr.add("spec.mode", fmt.Sprintf("unknown orchestration mode %q", decl.Mode))
	}
	switch decl.Approval {
	case orchtypes.ApprovalGranted, orchtypes.ApprovalRequired:
	default:
		verr.add("spec.approval", fmt.Sprintf("unknown approval mode %q", decl.Approval))
	}
	switch decl.Initialise.Mode {
	case orchtypes.InitialiseManaged, orchtypes.InitialiseNotManaged, "":
	default:
		verr.add("spec.initialise.mode", fmt.Sprintf("unknown initialise mode %q", decl.Initialise.Mode))
	}
	for group, def := range decl.Definition.Nodes {
		if def.DesiredCount < 0 {
			verr.add(fmt.Sprintf("spec.definition.nodes.%s.desired_count", group), "must not be negative")
		}
	}
	if len(verr.Violations) > 0 {
		return orchtypes.ClusterSpec{}, verr
	}

	return orchtypes.ClusterSpec{NsID: env.Metadata.Namespace, Name: env.Metadata.Name, Declaration: decl}, nil
}
