package authz

import "errors"

var (
	// ErrUnauthenticated means no valid identity claim was presented.
	ErrUnauthenticated = errors.New("authz: unauthenticated")
	// ErrForbidden means the identity is valid but the permission is missing.
	// Wrapped instances carry the permission that was required, never the
	// caller's own permission set.
	ErrForbidden = errors.New("authz: forbidden")
	// ErrInvalidPermission means a permission string failed to parse.
	ErrInvalidPermission = errors.New("authz: invalid permission")
	// ErrInvalidExpiration means a grant expiration is not strictly in the future.
	ErrInvalidExpiration = errors.New("authz: expiration must be in the future")
	// ErrDuplicateRole means a role id was registered twice; fatal at startup.
	ErrDuplicateRole = errors.New("authz: duplicate role")
	// ErrRoleNotFound means the registry has no role with the given id.
	ErrRoleNotFound = errors.New("authz: role not found")
	// ErrProfileNotFound means the target user has no authorization profile.
	// Enforcement treats it as a denial, never as an implicit default grant.
	ErrProfileNotFound = errors.New("authz: profile not found")
)
