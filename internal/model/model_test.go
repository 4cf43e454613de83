package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoleFromWire(t *testing.T) {
	tests := []struct {
		wire string
		want Role
	}{
		{"super_admin", RoleSuperAdmin},
		{"organization_admin", RoleOrganizationAdmin},
		{"delivery_user", RoleDeliveryUser},
		{"SUPER_ADMIN", RoleSuperAdmin},
		{"ORGANIZATION_ADMIN", RoleOrganizationAdmin},
		{"DELIVERY_USER", RoleDeliveryUser},
	}
	for _, tt := range tests {
		got, err := RoleFromWire(tt.wire)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := RoleFromWire("janitor")
	assert.Error(t, err)
}

func TestRolePermissions(t *testing.T) {
	assert.True(t, RoleSuperAdmin.CanManageTracking())
	assert.True(t, RoleOrganizationAdmin.CanManageTracking())
	assert.False(t, RoleDeliveryUser.CanManageTracking())

	assert.True(t, RoleDeliveryUser.IsDeliveryUser())
	assert.False(t, RoleSuperAdmin.IsDeliveryUser())
	assert.False(t, RoleOrganizationAdmin.IsDeliveryUser())
}
