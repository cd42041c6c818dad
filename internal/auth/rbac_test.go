package auth_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khryptorgraphics/orchestrall/internal/auth"
)

func TestRBAC_CreateAndAuthenticate(t *testing.T) {
	rbac := auth.NewRBAC()
	require.NoError(t, rbac.CreateOperator("op-1", "alice", "hunter2", auth.RoleOperator))

	op, err := rbac.Authenticate("alice", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "op-1", op.ID)
	assert.Equal(t, auth.RoleOperator, op.Role)
}

func TestRBAC_Authenticate_WrongPassword(t *testing.T) {
	rbac := auth.NewRBAC()
	require.NoError(t, rbac.CreateOperator("op-1", "alice", "hunter2", auth.RoleViewer))

	_, err := rbac.Authenticate("alice", "wrong")
	assert.ErrorIs(t, err, auth.ErrBadCredentials)
}

func TestRBAC_CreateOperator_Duplicate(t *testing.T) {
	rbac := auth.NewRBAC()
	require.NoError(t, rbac.CreateOperator("op-1", "alice", "hunter2", auth.RoleViewer))

	err := rbac.CreateOperator("op-2", "alice", "other", auth.RoleViewer)
	assert.ErrorIs(t, err, auth.ErrOperatorExists)
}

func TestRBAC_CreateOperator_UnknownRole(t *testing.T) {
	rbac := auth.NewRBAC()
	err := rbac.CreateOperator("op-1", "alice", "hunter2", "superuser")
	assert.Error(t, err)
}

func TestHasPermission(t *testing.T) {
	assert.True(t, auth.HasPermission(auth.RoleAdmin, auth.PermissionApply))
	assert.True(t, auth.HasPermission(auth.RoleOperator, auth.PermissionApprove))
	assert.False(t, auth.HasPermission(auth.RoleViewer, auth.PermissionApply))
	assert.False(t, auth.HasPermission(auth.RoleOperator, auth.PermissionAdmin))
}

func TestRBAC_GetByID_NotFound(t *testing.T) {
	rbac := auth.NewRBAC()
	_, err := rbac.GetByID("missing")
	assert.ErrorIs(t, err, auth.ErrOperatorNotFound)
}
