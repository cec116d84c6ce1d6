package authz

// RoleFallback is assigned when a profile is created without explicit roles.
const (
	RoleSuperAdmin   = "super_admin"
	RoleAdmin        = "admin"
	RoleCoordinator  = "coordinador"
	RoleTechnician   = "tecnico"
	RoleViewer       = "visualizador"
	RoleFallback     = RoleViewer
	ScopeOwnCenter   = "own_center"
	ScopeBasicAccess = "basic"
)

// Permissions guarded by this service's own administrative surface.
const (
	PermManageRoles  = "manage:roles"
	PermManageGrants = "manage:grants"
	PermReadAudit    = "read:audit"
)

// BuiltinRoles is the default role catalog, replaced only by an explicit
// catalog file at startup. Level ordering: lower is more authority.
var BuiltinRoles = []Role{
	{
		ID:          RoleSuperAdmin,
		Name:        "Super administrator",
		Level:       0,
		Permissions: []string{Wildcard},
		Description: "Unrestricted access to every action and resource",
	},
	{
		ID:    RoleAdmin,
		Name:  "Administrator",
		Level: 1,
		Permissions: []string{
			"read:*",
			"write:projects",
			"write:contracts",
			"write:users",
			PermManageRoles,
			PermManageGrants,
			PermReadAudit,
		},
		Description: "Full management of projects, contracts and users",
	},
	{
		ID:    RoleCoordinator,
		Name:  "Coordinator",
		Level: 2,
		Permissions: []string{
			"read:projects",
			"read:contracts",
			"read:reports",
			"write:projects:own_center",
			"write:contracts:own_center",
		},
		Description: "Manages projects and contracts of the assigned center",
	},
	{
		ID:    RoleTechnician,
		Name:  "Technician",
		Level: 3,
		Permissions: []string{
			"read:projects:own_center",
			"read:contracts:own_center",
			"write:reports:own_center",
		},
		Description: "Works on records belonging to the assigned center",
	},
	{
		ID:    RoleViewer,
		Name:  "Viewer",
		Level: 4,
		Permissions: []string{
			"read:projects:basic",
		},
		Description: "Read-only access to basic project data",
	},
}
