package model

import (
	"fmt"
	"time"
)

// Role is the canonical role enum. The backend speaks snake_case on the wire
// (see RoleFromWire); everything inside this module uses these values.
type Role string

const (
	RoleSuperAdmin        Role = "SUPER_ADMIN"
	RoleOrganizationAdmin Role = "ORGANIZATION_ADMIN"
	RoleDeliveryUser      Role = "DELIVERY_USER"
)

// RoleFromWire maps the backend role format to the canonical enum.
func RoleFromWire(s string) (Role, error) {
	switch s {
	case "super_admin", string(RoleSuperAdmin):
		return RoleSuperAdmin, nil
	case "organization_admin", string(RoleOrganizationAdmin):
		return RoleOrganizationAdmin, nil
	case "delivery_user", string(RoleDeliveryUser):
		return RoleDeliveryUser, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// CanManageTracking reports whether the role may acknowledge/resolve
// emergencies and view organization-wide tracking state.
func (r Role) CanManageTracking() bool {
	return r == RoleSuperAdmin || r == RoleOrganizationAdmin
}

// IsDeliveryUser reports whether the role is a tracked delivery subject.
func (r Role) IsDeliveryUser() bool {
	return r == RoleDeliveryUser
}

type User struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Email            string     `json:"email"`
	Role             Role       `json:"role"`
	OrganizationID   string     `json:"organizationId,omitempty"`
	OrganizationName string     `json:"organizationName,omitempty"`
	IsActive         bool       `json:"isActive"`
	LastLoginAt      *time.Time `json:"lastLoginAt,omitempty"`
}

// Tokens is the access/refresh pair returned by login and refresh.
type Tokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn,omitempty"`
}

// Pagination is the normalized page/limit/total triple used by every
// paginated backend response.
type Pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}
