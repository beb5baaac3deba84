package auth

import (
	"fmt"
	"sort"
	"strings"

	"weighline/internal/domain"
)

const (
	PermTicketCreate   = "ticket:create"
	PermTicketRead     = "ticket:read"
	PermTicketStatus   = "ticket:status"
	PermTicketAnomaly  = "ticket:anomaly"
	PermTicketCancel   = "ticket:cancel"
	PermTicketTransfer = "ticket:transfer"
	PermQueueRead      = "queue:read"
	PermQueueManage    = "queue:manage"
	PermDeliveryNote   = "delivery_note:issue"
	PermWorkflowRead   = "workflow:read"
	PermRBACManage     = "rbac:manage"
)

// Catalog is every permission a role can hold.
var Catalog = []string{
	PermTicketCreate,
	PermTicketRead,
	PermTicketStatus,
	PermTicketAnomaly,
	PermTicketCancel,
	PermTicketTransfer,
	PermQueueRead,
	PermQueueManage,
	PermDeliveryNote,
	PermWorkflowRead,
	PermRBACManage,
}

var descriptions = map[string]string{
	PermTicketCreate:   "Register an arriving vehicle",
	PermTicketRead:     "Read tickets and their history",
	PermTicketStatus:   "Advance a ticket along its workflow",
	PermTicketAnomaly:  "Flag or resolve a weighing anomaly",
	PermTicketCancel:   "Cancel a ticket",
	PermTicketTransfer: "Move a ticket to another category",
	PermQueueRead:      "Read queues and positions",
	PermQueueManage:    "Call tickets and change priorities",
	PermDeliveryNote:   "Issue delivery notes",
	PermWorkflowRead:   "Read workflow definitions",
	PermRBACManage:     "Manage roles and API keys",
}

func Description(perm string) string { return descriptions[perm] }

// Expand turns permission patterns into concrete catalog entries. "*" is
// reserved to ADMINISTRATOR; "resource:*" selects every permission of resource.
// Expansion happens once, when a role is seeded, never at check time.
func Expand(role domain.Role, patterns []string, catalog []string) ([]string, error) {
	known := make(map[string]bool, len(catalog))
	for _, p := range catalog {
		known[p] = true
	}
	set := map[string]bool{}
	for _, raw := range patterns {
		p := strings.TrimSpace(raw)
		switch {
		case p == "":
			return nil, fmt.Errorf("role %s has empty permission", role)
		case p == "*":
			if role != domain.RoleAdministrator {
				return nil, fmt.Errorf("global wildcard is reserved to %s, not %s", domain.RoleAdministrator, role)
			}
			for _, c := range catalog {
				set[c] = true
			}
		case strings.HasSuffix(p, ":*"):
			resource := strings.TrimSuffix(p, "*")
			matched := false
			for _, c := range catalog {
				if strings.HasPrefix(c, resource) {
					set[c] = true
					matched = true
				}
			}
			if !matched {
				return nil, fmt.Errorf("role %s: wildcard %s matches no permission", role, p)
			}
		default:
			if !known[p] {
				return nil, fmt.Errorf("role %s: unknown permission %s", role, p)
			}
			set[p] = true
		}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// Permissions is the expanded role -> permission set, checked by membership.
type Permissions struct {
	byRole map[domain.Role]map[string]struct{}
}

func NewPermissions(byRole map[domain.Role][]string) Permissions {
	p := Permissions{byRole: make(map[domain.Role]map[string]struct{}, len(byRole))}
	for role, perms := range byRole {
		set := make(map[string]struct{}, len(perms))
		for _, perm := range perms {
			set[perm] = struct{}{}
		}
		p.byRole[role] = set
	}
	return p
}

// Has reports whether actor holds perm. Permissions carried by the actor
// itself replace the role's set.
func (p Permissions) Has(actor domain.Actor, perm string) bool {
	if len(actor.Permissions) > 0 {
		for _, ap := range actor.Permissions {
			if ap == perm {
				return true
			}
		}
		return false
	}
	_, ok := p.byRole[actor.Role][perm]
	return ok
}

// Of returns the sorted permissions of role.
func (p Permissions) Of(role domain.Role) []string {
	out := make([]string, 0, len(p.byRole[role]))
	for perm := range p.byRole[role] {
		out = append(out, perm)
	}
	sort.Strings(out)
	return out
}
