package auth

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// Permission names the orchestration API's RequirePermission gates check.
type Permission string

const (
	// PermissionView covers reading namespaces, cluster specs, actions,
	// reports, and the node/shard cluster view.
	PermissionView Permission = "orchestrall:view"
	// PermissionApprove covers approving, rejecting, and cancelling
	// pending NActions/OActions.
	PermissionApprove Permission = "orchestrall:approve"
	// PermissionApply covers creating/updating namespaces, cluster
	// specs, and triggering an orchestrate cycle out of band.
	PermissionApply Permission = "orchestrall:apply"
	// PermissionAdmin covers operator account management itself.
	PermissionAdmin Permission = "orchestrall:admin"
)

const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

var ErrOperatorNotFound = errors.New("operator not found")
var ErrOperatorExists = errors.New("operator already exists")
var ErrBadCredentials = errors.New("invalid username or password")

// rolePermissions is the fixed role -> permission-set hierarchy. A
// static table, not a mutable Role graph: this control plane has
// exactly three roles and they are not operator-defined.
var rolePermissions = map[string][]Permission{
	RoleViewer:   {PermissionView},
	RoleOperator: {PermissionView, PermissionApprove, PermissionApply},
	RoleAdmin:    {PermissionView, PermissionApprove, PermissionApply, PermissionAdmin},
}

// Operator is an authenticated control-plane actor. PasswordHash is
// bcrypt.
type Operator struct {
	ID           string
	Username     string
	PasswordHash string
	Role         string
	Active       bool
}

// HasPermission reports whether role grants perm.
func HasPermission(role string, perm Permission) bool {
	for _, p := range rolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}

// RBAC is an in-memory operator registry seeded at startup. There is no
// Role/Permission CRUD surface; the three roles are fixed.
type RBAC struct {
	mu        sync.RWMutex
	operators map[string]*Operator // keyed by username
}

// NewRBAC returns an empty registry; call CreateOperator to populate it.
func NewRBAC() *RBAC {
	return &RBAC{operators: make(map[string]*Operator)}
}

// CreateOperator hashes password and registers a new operator account.
func (r *RBAC) CreateOperator(id, username, password, role string) error {
	if _, ok := rolePermissions[role]; !ok {
		return fmt.Errorf("unknown role %q", role)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash operator password: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.operators[username]; exists {
		return ErrOperatorExists
	}
	r.operators[username] = &Operator{ID: id, Username: username, PasswordHash: string(hash), Role: role, Active: true}
	return nil
}

// Authenticate validates username/password and returns the operator on
// success.
func (r *RBAC) Authenticate(username, password string) (*Operator, error) {
	r.mu.RLock()
	op, ok := r.operators[username]
	r.mu.RUnlock()
	if !ok || !op.Active {
		return nil, ErrBadCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(password)); err != nil {
		return nil, ErrBadCredentials
	}
	return op, nil
}

// GetByID returns the operator with the given ID, used by middleware
// to confirm a validated token's subject still resolves to an active
// account.
func (r *RBAC) GetByID(id string) (*Operator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, op := range r.operators {
		if op.ID == id {
			return op, nil
		}
	}
	return nil, ErrOperatorNotFound
}
