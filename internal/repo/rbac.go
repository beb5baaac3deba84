package repo

import (
	"context"
	"database/sql"
	"fmt"

	"weighline/internal/domain"
)

// RoleRecord is a seeded role with its expanded permission links.
type RoleRecord struct {
	ID          string   `json:"id"`
	Description string   `json:"description,omitempty"`
	Permissions []string `json:"permissions"`
}

func (r Repo) ListRoles(ctx context.Context) ([]RoleRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT r.id, COALESCE(r.description,''), COALESCE(rp.permission_id,'')
FROM roles r LEFT JOIN role_permissions rp ON rp.role_id = r.id
ORDER BY r.id, rp.permission_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RoleRecord
	for rows.Next() {
		var id, desc, perm string
		if err := rows.Scan(&id, &desc, &perm); err != nil {
			return nil, err
		}
		if len(out) == 0 || out[len(out)-1].ID != id {
			out = append(out, RoleRecord{ID: id, Description: desc})
		}
		if perm != "" {
			last := &out[len(out)-1]
			last.Permissions = append(last.Permissions, perm)
		}
	}
	return out, rows.Err()
}

func (r Repo) GetActor(ctx context.Context, id string) (domain.ActorRecord, error) {
	var a domain.ActorRecord
	var role string
	err := r.DB.QueryRowContext(ctx, `SELECT id, role, COALESCE(site_id,''), COALESCE(company_id,''), created_at FROM actors WHERE id=?`, id).
		Scan(&a.ID, &role, &a.SiteID, &a.CompanyID, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, fmt.Errorf("actor %s: %w", id, err)
	}
	a.Role = domain.Role(role)
	return a, nil
}

func (r Repo) ListActors(ctx context.Context) ([]domain.ActorRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, role, COALESCE(site_id,''), COALESCE(company_id,''), created_at FROM actors ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ActorRecord
	for rows.Next() {
		var a domain.ActorRecord
		var role string
		if err := rows.Scan(&a.ID, &role, &a.SiteID, &a.CompanyID, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Role = domain.Role(role)
		out = append(out, a)
	}
	return out, rows.Err()
}
