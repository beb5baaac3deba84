package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weighline/internal/domain"
)

type sites map[string]string

func (s sites) CompanyOf(id string) (string, bool) {
	c, ok := s[id]
	return c, ok
}

func TestAllows(t *testing.T) {
	admin := domain.Actor{ID: "a", Role: domain.RoleAdministrator}
	manager := domain.Actor{ID: "m", Role: domain.RoleManager, SiteID: "S1", CompanyID: "C1"}
	supervisor := domain.Actor{ID: "s", Role: domain.RoleSupervisor, SiteID: "S1", CompanyID: "C1"}
	dock := domain.Actor{ID: "d", Role: domain.RoleDockAgent, SiteID: "S1", CompanyID: "C1"}
	gate := domain.Actor{ID: "g", Role: domain.RoleGateAgent, SiteID: "S2", CompanyID: "C1"}
	stranger := domain.Actor{ID: "x", Role: "VISITOR", SiteID: "S1", CompanyID: "C1"}

	cases := []struct {
		name   string
		actor  domain.Actor
		target Target
		want   bool
	}{
		{"admin any site", admin, Target{SiteID: "S9"}, true},
		{"admin empty target", admin, Target{}, true},
		{"manager own company", manager, Target{CompanyID: "C1"}, true},
		{"manager other company", manager, Target{CompanyID: "C2"}, false},
		{"manager own site", manager, Target{SiteID: "S1"}, true},
		{"manager sibling site single-site scoping", manager, Target{SiteID: "S2"}, false},
		{"manager empty target", manager, Target{}, false},
		{"supervisor own site", supervisor, Target{SiteID: "S1"}, true},
		{"supervisor other site", supervisor, Target{SiteID: "S2"}, false},
		{"supervisor company target", supervisor, Target{CompanyID: "C1"}, false},
		{"dock own site", dock, Target{SiteID: "S1"}, true},
		{"gate own site", gate, Target{SiteID: "S2"}, true},
		{"gate other site", gate, Target{SiteID: "S1"}, false},
		{"unknown role", stranger, Target{SiteID: "S1"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Allows(tc.actor, tc.target))
		})
	}
}

func TestAllowsMultiSiteManagers(t *testing.T) {
	r := Resolver{Sites: sites{"S1": "C1", "S2": "C1", "S3": "C2"}, MultiSiteManagers: true}
	manager := domain.Actor{ID: "m", Role: domain.RoleManager, SiteID: "S1", CompanyID: "C1"}
	assert.True(t, r.Allows(manager, Target{SiteID: "S2"}))
	assert.False(t, r.Allows(manager, Target{SiteID: "S3"}))
	assert.False(t, r.Allows(manager, Target{SiteID: "unknown"}))

	supervisor := domain.Actor{ID: "s", Role: domain.RoleSupervisor, SiteID: "S1", CompanyID: "C1"}
	assert.False(t, r.Allows(supervisor, Target{SiteID: "S2"}), "only managers widen to company")
}

func TestExpand(t *testing.T) {
	all, err := Expand(domain.RoleAdministrator, []string{"*"}, Catalog)
	require.NoError(t, err)
	assert.Len(t, all, len(Catalog))

	perms, err := Expand(domain.RoleSupervisor, []string{"queue:*", "ticket:read", "queue:read"}, Catalog)
	require.NoError(t, err)
	assert.Equal(t, []string{"queue:manage", "queue:read", "ticket:read"}, perms)

	_, err = Expand(domain.RoleManager, []string{"*"}, Catalog)
	assert.Error(t, err, "global wildcard is administrator only")

	_, err = Expand(domain.RoleManager, []string{"ticket:fly"}, Catalog)
	assert.Error(t, err)

	_, err = Expand(domain.RoleManager, []string{"truck:*"}, Catalog)
	assert.Error(t, err)
}

func TestPermissionsHas(t *testing.T) {
	p := NewPermissions(map[domain.Role][]string{
		domain.RoleDockAgent: {PermQueueManage, PermTicketStatus},
	})
	dock := domain.Actor{Role: domain.RoleDockAgent}
	assert.True(t, p.Has(dock, PermQueueManage))
	assert.False(t, p.Has(dock, PermTicketCancel))
	assert.False(t, p.Has(domain.Actor{Role: "UNKNOWN"}, PermQueueManage))

	override := domain.Actor{Role: domain.RoleDockAgent, Permissions: []string{PermTicketCancel}}
	assert.True(t, p.Has(override, PermTicketCancel))
	assert.False(t, p.Has(override, PermQueueManage))

	assert.Equal(t, []string{PermQueueManage, PermTicketStatus}, p.Of(domain.RoleDockAgent))
}

func TestForbiddenErrorMessage(t *testing.T) {
	assert.Equal(t, "permission queue:manage required", ForbiddenError{Permission: PermQueueManage}.Error())
	assert.Equal(t, "site S2 outside actor scope", ForbiddenError{SiteID: "S2"}.Error())
}
