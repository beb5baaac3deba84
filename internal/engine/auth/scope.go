package auth

import "weighline/internal/domain"

// Target is what an action touches: a site, a company, or both.
type Target struct {
	SiteID    string
	CompanyID string
}

// SiteDirectory resolves the company owning a site.
type SiteDirectory interface {
	CompanyOf(siteID string) (string, bool)
}

// Resolver decides whether an actor's scope covers a target. The zero value
// applies single-site manager scoping: a MANAGER given a site-only target is
// compared on site id. Setting MultiSiteManagers with a Sites directory lets a
// manager act on every site of their company instead.
type Resolver struct {
	Sites             SiteDirectory
	MultiSiteManagers bool
}

// Allows is Resolver{}.Allows.
func Allows(actor domain.Actor, target Target) bool {
	return Resolver{}.Allows(actor, target)
}

func (r Resolver) Allows(actor domain.Actor, target Target) bool {
	switch actor.Role {
	case domain.RoleAdministrator:
		return true
	case domain.RoleManager:
		if target.CompanyID != "" {
			return actor.CompanyID != "" && target.CompanyID == actor.CompanyID
		}
		if target.SiteID == "" {
			return false
		}
		if r.MultiSiteManagers && r.Sites != nil {
			company, ok := r.Sites.CompanyOf(target.SiteID)
			return ok && actor.CompanyID != "" && company == actor.CompanyID
		}
		return actor.SiteID != "" && target.SiteID == actor.SiteID
	case domain.RoleSupervisor, domain.RoleDockAgent, domain.RoleGateAgent:
		if target.SiteID == "" {
			return false
		}
		return actor.SiteID != "" && target.SiteID == actor.SiteID
	default:
		return false
	}
}
