// Package rbac decides whether a role holds a permission.
package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/telhawk-systems/authcore/internal/logging"
	"github.com/telhawk-systems/authcore/internal/models"
	"github.com/telhawk-systems/authcore/internal/repository"
)

// ErrSuperuserGrant is returned when grants are edited for the superuser role,
// whose authority does not come from grant rows.
var ErrSuperuserGrant = errors.New("superuser permissions cannot be edited")

// Evaluator answers authorization questions from the role → permission table.
type Evaluator struct {
	grants repository.GrantRepository
}

func NewEvaluator(grants repository.GrantRepository) *Evaluator {
	return &Evaluator{grants: grants}
}

// PermissionsFor returns the catalog permissions granted to role, sorted. Unknown
// roles have none. Stored codes that are no longer in the catalog are dropped.
func (e *Evaluator) PermissionsFor(ctx context.Context, role models.Role) ([]models.Permission, error) {
	if role == models.RoleAdmin {
		all := models.PermissionCatalog().Entries
		perms := make([]models.Permission, 0, len(all))
		for _, entry := range all {
			perms = append(perms, entry.Code)
		}
		slices.Sort(perms)
		return perms, nil
	}

	stored, err := e.grants.GetRolePermissions(ctx, role)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrStorageUnavailable, err)
	}
	perms := make([]models.Permission, 0, len(stored))
	for _, p := range stored {
		if !p.Known() {
			slog.WarnContext(ctx, "Ignoring grant for unknown permission",
				logging.Role(string(role)), logging.Permission(string(p)))
			continue
		}
		perms = append(perms, p)
	}
	slices.Sort(perms)
	return slices.Compact(perms), nil
}

// Authorize reports whether role holds permission. Lookup failures deny.
func (e *Evaluator) Authorize(ctx context.Context, role models.Role, permission models.Permission) bool {
	if !permission.Known() {
		return false
	}
	if role == models.RoleAdmin {
		slog.DebugContext(ctx, "Superuser bypass",
			logging.Role(string(role)), logging.Permission(string(permission)))
		return true
	}
	if role == "" {
		return false
	}

	perms, err := e.PermissionsFor(ctx, role)
	if err != nil {
		slog.WarnContext(ctx, "Permission lookup failed, denying",
			logging.Role(string(role)), logging.Permission(string(permission)), logging.Error(err))
		return false
	}
	_, found := slices.BinarySearch(perms, permission)
	return found
}

// SetPermissions replaces the grant set for role with codes. Every code must be in
// the catalog; duplicates are collapsed. An empty list clears the role.
func (e *Evaluator) SetPermissions(ctx context.Context, role models.Role, codes []string) ([]models.Permission, error) {
	if role == models.RoleAdmin {
		return nil, ErrSuperuserGrant
	}
	perms, err := models.ParsePermissions(codes)
	if err != nil {
		return nil, err
	}
	if err := e.grants.ReplaceRolePermissions(ctx, role, perms); err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrStorageUnavailable, err)
	}
	return perms, nil
}

// Roles lists roles that currently hold at least one grant.
func (e *Evaluator) Roles(ctx context.Context) ([]models.Role, error) {
	roles, err := e.grants.ListRoles(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrStorageUnavailable, err)
	}
	return roles, nil
}
