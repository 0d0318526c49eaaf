// Package auth provides permission levels and the authorization checks the
// data plane performs against the external profile service.
package auth

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrUnauthorized is returned when no usable credential was supplied.
	ErrUnauthorized = errors.New("missing authentication")

	// ErrForbidden is returned when the credential's permission level is too low.
	ErrForbidden = errors.New("missing permissions")
)

// =============================================================================
// Permission Levels
// =============================================================================

// Permission is a totally ordered permission level. Each level includes the
// lower ones.
type Permission int

const (
	None Permission = iota
	Read
	Write
	Admin
	GlobalAdmin
)

func (p Permission) String() string {
	switch p {
	case None:
		return "none"
	case Read:
		return "read"
	case Write:
		return "write"
	case Admin:
		return "admin"
	case GlobalAdmin:
		return "global_admin"
	}
	return fmt.Sprintf("permission(%d)", int(p))
}

// =============================================================================
// Credentials
// =============================================================================

// Credential is the caller identity passed to every authorized operation.
type Credential struct {
	token  string
	system bool
}

// Token wraps an encoded JWT issued by the profile service.
func Token(jwt string) Credential {
	return Credential{token: jwt}
}

// System is the credential the data plane uses for its own processing. It
// passes every check without contacting the profile service.
func System() Credential {
	return Credential{system: true}
}

// IsSystem reports whether c is the system credential.
func (c Credential) IsSystem() bool { return c.system }

// Empty reports whether c carries no token and is not the system credential.
func (c Credential) Empty() bool { return !c.system && c.token == "" }

// JWT returns the encoded token.
func (c Credential) JWT() string { return c.token }

// =============================================================================
// Profiles
// =============================================================================

// Membership is a user's membership in an organization.
type Membership struct {
	OrganizationID int64
	Admin          bool
}

// Profile is what the profile service reports about a user.
type Profile struct {
	GlobalAdmin   bool
	Organizations []Membership
}

// PermissionFor returns the user's level within an organization. Global
// admins get GlobalAdmin, organization admins Admin, other members Read.
func (p Profile) PermissionFor(organizationID int64) Permission {
	if p.GlobalAdmin {
		return GlobalAdmin
	}
	for _, m := range p.Organizations {
		if m.OrganizationID == organizationID {
			if m.Admin {
				return Admin
			}
			return Read
		}
	}
	return None
}

// =============================================================================
// Authorizer
// =============================================================================

// Authorizer checks that a credential holds at least a permission level.
type Authorizer interface {
	CheckApp(ctx context.Context, cred Credential, applicationID int64, min Permission) error
	CheckOrg(ctx context.Context, cred Credential, organizationID int64, min Permission) error
}

// Source answers identity questions for an encoded token.
type Source interface {
	Profile(ctx context.Context, jwt string) (Profile, error)
	ApplicationOrganization(ctx context.Context, jwt string, applicationID int64) (int64, error)
}

// Checker implements Authorizer on top of a Source.
type Checker struct {
	source Source
}

// NewChecker creates a Checker.
func NewChecker(source Source) *Checker {
	return &Checker{source: source}
}

// CheckApp checks the caller's level in the application's organization.
func (c *Checker) CheckApp(ctx context.Context, cred Credential, applicationID int64, min Permission) error {
	if cred.IsSystem() {
		return nil
	}
	if cred.Empty() {
		return ErrUnauthorized
	}
	orgID, err := c.source.ApplicationOrganization(ctx, cred.JWT(), applicationID)
	if err != nil {
		return err
	}
	return c.check(ctx, cred, orgID, min)
}

// CheckOrg checks the caller's level in an organization.
func (c *Checker) CheckOrg(ctx context.Context, cred Credential, organizationID int64, min Permission) error {
	if cred.IsSystem() {
		return nil
	}
	if cred.Empty() {
		return ErrUnauthorized
	}
	return c.check(ctx, cred, organizationID, min)
}

func (c *Checker) check(ctx context.Context, cred Credential, organizationID int64, min Permission) error {
	profile, err := c.source.Profile(ctx, cred.JWT())
	if err != nil {
		return err
	}
	if got := profile.PermissionFor(organizationID); got < min {
		return fmt.Errorf("%w: need %s, have %s", ErrForbidden, min, got)
	}
	return nil
}
