package apply_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khryptorgraphics/orchestrall/internal/api/apply"
	"github.com/khryptorgraphics/orchestrall/internal/orchtypes"
)

func envelope(kind apply.Kind, ns, name string, spec interface{}) apply.Envelope {
	raw, _ := json.Marshal(spec)
	return apply.Envelope{
		APIVersion: apply.APIVersion,
		Kind:       kind,
		Metadata:   apply.Metadata{Namespace: ns, Name: name},
		Spec:       raw,
	}
}

func TestValidateEnvelope(t *testing.T) {
	cases := []struct {
		name   string
		env    apply.Envelope
		fields []string
	}{
		{
			name: "valid",
			env:  envelope(apply.KindClusterSpec, "ns1", "c1", map[string]interface{}{}),
		},
		{
			name:   "wrong api version",
			env:    apply.Envelope{APIVersion: "replicante.io/v1", Kind: apply.KindClusterSpec, Metadata: apply.Metadata{Namespace: "ns1", Name: "c1"}},
			fields: []string{"apiVersion"},
		},
		{
			name:   "missing name",
			env:    apply.Envelope{APIVersion: apply.APIVersion, Kind: apply.KindClusterSpec, Metadata: apply.Metadata{Namespace: "ns1"}},
			fields: []string{"metadata.name"},
		},
		{
			name: "namespace kind needs no namespace field",
			env:  apply.Envelope{APIVersion: apply.APIVersion, Kind: apply.KindNamespace, Metadata: apply.Metadata{Name: "tenant"}},
		},
		{
			name:   "other kinds need a namespace",
			env:    apply.Envelope{APIVersion: apply.APIVersion, Kind: apply.KindClusterSpec, Metadata: apply.Metadata{Name: "c1"}},
			fields: []string{"metadata.namespace"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			verr := apply.ValidateEnvelope(tc.env)
			if len(tc.fields) == 0 {
				assert.Nil(t, verr)
				return
			}
			require.NotNil(t, verr)
			require.Len(t, verr.Violations, len(tc.fields))
			for i, f := range tc.fields {
				assert.Equal(t, f, verr.Violations[i].Field)
			}
		})
	}
}

func TestNamespace_DeletedIsTerminal(t *testing.T) {
	env := envelope(apply.KindNamespace, "", "t", apply.NamespaceSpec{Status: orchtypes.NamespaceDeleted})
	ns, err := apply.Namespace(env, nil)
	require.NoError(t, err)
	assert.Equal(t, orchtypes.NamespaceDeleted, ns.Status)

	// Re-apply attempting to resurrect the namespace.
	env = envelope(apply.KindNamespace, "", "t", apply.NamespaceSpec{Status: orchtypes.NamespaceActive})
	_, err = apply.Namespace(env, &ns)
	require.Error(t, err)
	var verr *apply.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Violations, 1)
	assert.Equal(t, "spec.status", verr.Violations[0].Field)
	assert.Equal(t, "deleted namespaces cannot be change", verr.Violations[0].Message)
}

func TestNamespace_DeletingOnlyBecomesDeleted(t *testing.T) {
	current := orchtypes.Namespace{ID: "t", Status: orchtypes.NamespaceDeleting}

	env := envelope(apply.KindNamespace, "", "t", apply.NamespaceSpec{Status: orchtypes.NamespaceActive})
	_, err := apply.Namespace(env, &current)
	require.Error(t, err)

	env = envelope(apply.KindNamespace, "", "t", apply.NamespaceSpec{Status: orchtypes.NamespaceDeleted})
	ns, err := apply.Namespace(env, &current)
	require.NoError(t, err)
	assert.Equal(t, orchtypes.NamespaceDeleted, ns.Status)
}

func TestNamespace_UnknownStatusRejected(t *testing.T) {
	env := envelope(apply.KindNamespace, "", "t", map[string]string{"status": "Paused"})
	_, err := apply.Namespace(env, nil)
	var verr *apply.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestClusterSpec_ValidatesEnums(t *testing.T) {
	env := envelope(apply.KindClusterSpec, "ns1", "c1", map[string]interface{}{
		"active":   true,
		"mode":     "Act",
		"approval": "Granted",
		"definition": map[string]interface{}{
			"nodes": map[string]interface{}{"data": map[string]int{"desired_count": 3}},
		},
	})
	spec, err := apply.ClusterSpec(env)
	require.NoError(t, err)
	assert.Equal(t, "ns1", spec.NsID)
	assert.Equal(t, "c1", spec.Name)
	assert.Equal(t, 3, spec.Declaration.Definition.Nodes["data"].DesiredCount)

	bad := envelope(apply.KindClusterSpec, "ns1", "c1", map[string]interface{}{
		"mode":     "Sometimes",
		"approval": "Granted",
	})
	_, err = apply.ClusterSpec(bad)
	var verr *apply.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestClusterSpec_NegativeDesiredCountRejected(t *testing.T) {
	env := envelope(apply.KindClusterSpec, "ns1", "c1", map[string]interface{}{
		"mode":     "Act",
		"approval": "Granted",
		"definition": map[string]interface{}{
			"nodes": map[string]interface{}{"data": map[string]int{"desired_count": -1}},
		},
	})
	_, err := apply.ClusterSpec(env)
	var verr *apply.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestNAction_MintsPendingActionWithApprovalGate(t *testing.T) {
	now := time.Now()
	env := envelope(apply.KindNAction, "ns1", "restart-n1", apply.NActionSpec{Kind: "node.restart", Approval: orchtypes.ApprovalRequired})
	env.Metadata.ClusterID = "c1"
	env.Metadata.NodeID = "n1"

	a, err := apply.NAction(env, now)
	require.NoError(t, err)
	assert.Equal(t, orchtypes.PhasePendingApprove, a.State.Phase)
	assert.Equal(t, "c1", a.ClusterID)
	assert.Equal(t, "n1", a.NodeID)
	assert.Equal(t, now, a.CreatedTime)

	granted := envelope(apply.KindNAction, "ns1", "restart-n1", apply.NActionSpec{Kind: "node.restart", Approval: orchtypes.ApprovalGranted})
	granted.Metadata.ClusterID = "c1"
	granted.Metadata.NodeID = "n1"
	b, err := apply.NAction(granted, now)
	require.NoError(t, err)
	assert.Equal(t, orchtypes.PhasePendingSchedule, b.State.Phase)
	assert.NotEqual(t, a.ActionID, b.ActionID)
}

func TestNAction_MissingTargetsRejected(t *testing.T) {
	env := envelope(apply.KindNAction, "ns1", "restart", apply.NActionSpec{Kind: "node.restart", Approval: orchtypes.ApprovalGranted})
	_, err := apply.NAction(env, time.Now())
	var verr *apply.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Violations, 2)
}

func TestOAction_Valid(t *testing.T) {
	env := envelope(apply.KindOAction, "ns1", "provision", apply.OActionSpec{Kind: "platform.node.provision", Approval: orchtypes.ApprovalGranted})
	env.Metadata.ClusterID = "c1"
	a, err := apply.OAction(env, time.Now())
	require.NoError(t, err)
	assert.Equal(t, orchtypes.PhasePendingSchedule, a.State)
	assert.Equal(t, "c1", a.ClusterID)
}

func TestPlatform_TLSRequiresCertAndKey(t *testing.T) {
	env := envelope(apply.KindPlatform, "ns1", "aws", apply.PlatformSpec{BaseURL: "https://platform.internal", TLSEnabled: true})
	_, err := apply.Platform(env)
	var verr *apply.ValidationError
	require.ErrorAs(t, err, &verr)

	env = envelope(apply.KindPlatform, "ns1", "aws", apply.PlatformSpec{
		BaseURL: "https://platform.internal", TLSEnabled: true,
		TLSCertFile: "/etc/ssl/client.pem", TLSKeyFile: "/etc/ssl/client.key",
	})
	p, err := apply.Platform(env)
	require.NoError(t, err)
	assert.Equal(t, "aws", p.Name)
}

func TestWrongKindDispatch(t *testing.T) {
	env := envelope(apply.KindNamespace, "ns1", "c1", map[string]interface{}{})
	_, err := apply.ClusterSpec(env)
	var unsupported *apply.ErrUnsupportedKind
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, apply.KindNamespace, unsupported.Kind)
}
