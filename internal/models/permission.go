package models

import (
	"fmt"
	"slices"
	"strings"
)

// Role is a coarse-grained tag that selects a principal's permission set.
type Role string

const (
	// RoleAdmin is the superuser. It is authorized for every permission by a single
	// hard-coded check in the evaluator and never through grant rows.
	RoleAdmin      Role = "admin"
	RoleOperator   Role = "operator"
	RoleClientUser Role = "client_user"
)

// ParseRole validates a role tag supplied at a boundary. Roles are data-driven, so any
// non-empty lower-case tag is accepted; unknown roles simply hold no permissions.
func ParseRole(s string) (Role, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("role is required")
	}
	if strings.ToLower(s) != s || strings.ContainsAny(s, " \t\n") {
		return "", fmt.Errorf("invalid role %q", s)
	}
	return Role(s), nil
}

// Permission is a namespaced permission code drawn from the static catalog.
type Permission string

// Permission codes, namespaced by feature.
const (
	PermEmployeesRead      Permission = "employees.read"
	PermEmployeesCreate    Permission = "employees.create"
	PermEmployeesUpdate    Permission = "employees.update"
	PermAdmissionsRead     Permission = "admissions.read"
	PermAdmissionsCreate   Permission = "admissions.create"
	PermDismissalsRead     Permission = "dismissals.read"
	PermDismissalsCreate   Permission = "dismissals.create"
	PermCompaniesRead      Permission = "companies.read"
	PermCompaniesManage    Permission = "companies.manage"
	PermDocumentsUpload    Permission = "documents.upload"
	PermReportsRead        Permission = "reports.read"
	PermReportsExport      Permission = "reports.export"
	PermAuditRead          Permission = "audit.read"
	PermUsersManage        Permission = "users.manage"
	PermRolesRead          Permission = "roles.read"
	PermRolesManage        Permission = "roles.manage"
	PermIntegrationsManage Permission = "integrations.manage"
)

// CatalogEntry describes one permission for administrative UIs.
type CatalogEntry struct {
	Code     Permission `json:"code" yaml:"code"`
	Label    string     `json:"label" yaml:"label"`
	Category string     `json:"category" yaml:"category"`
}

// Catalog is the versioned, immutable list of known permissions.
type Catalog struct {
	Version string         `json:"version" yaml:"version"`
	Entries []CatalogEntry `json:"permissions" yaml:"permissions"`
}

// CatalogVersion changes whenever a code is added or retired.
const CatalogVersion = "2026.2"

var catalogEntries = []CatalogEntry{
	{PermEmployeesRead, "View employees", "employees"},
	{PermEmployeesCreate, "Register employees", "employees"},
	{PermEmployeesUpdate, "Edit employee records", "employees"},
	{PermAdmissionsRead, "View admissions", "admissions"},
	{PermAdmissionsCreate, "Submit admissions", "admissions"},
	{PermDismissalsRead, "View dismissals", "dismissals"},
	{PermDismissalsCreate, "Submit dismissals", "dismissals"},
	{PermCompaniesRead, "View companies", "companies"},
	{PermCompaniesManage, "Manage companies", "companies"},
	{PermDocumentsUpload, "Upload documents", "documents"},
	{PermReportsRead, "View reports", "reports"},
	{PermReportsExport, "Export reports", "reports"},
	{PermAuditRead, "Read the audit trail", "administration"},
	{PermUsersManage, "Manage users and passwords", "administration"},
	{PermRolesRead, "View role permissions", "administration"},
	{PermRolesManage, "Edit role permissions", "administration"},
	{PermIntegrationsManage, "Manage third-party integrations", "administration"},
}

var catalogIndex = func() map[Permission]CatalogEntry {
	idx := make(map[Permission]CatalogEntry, len(catalogEntries))
	for _, e := range catalogEntries {
		idx[e.Code] = e
	}
	return idx
}()

// PermissionCatalog returns a copy of the static catalog.
func PermissionCatalog() Catalog {
	return Catalog{Version: CatalogVersion, Entries: slices.Clone(catalogEntries)}
}

// Known reports whether the code is part of the catalog.
func (p Permission) Known() bool {
	_, ok := catalogIndex[p]
	return ok
}

// ParsePermission converts a free string into a catalog permission.
func ParsePermission(s string) (Permission, error) {
	p := Permission(strings.TrimSpace(s))
	if !p.Known() {
		return "", fmt.Errorf("%w: %q", ErrUnknownPermission, s)
	}
	return p, nil
}

// ParsePermissions validates and de-duplicates a list of codes, preserving order.
func ParsePermissions(codes []string) ([]Permission, error) {
	out := make([]Permission, 0, len(codes))
	seen := make(map[Permission]struct{}, len(codes))
	for _, c := range codes {
		p, err := ParsePermission(c)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out, nil
}

// Grant pairs a role with one permission.
type Grant struct {
	Role       Role       `json:"role"`
	Permission Permission `json:"permission"`
}
