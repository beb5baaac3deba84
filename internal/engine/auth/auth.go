package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"weighline/internal/domain"
)

// ForbiddenError indicates a missing permission or an out-of-scope target.
type ForbiddenError struct {
	Permission string
	SiteID     string
	CompanyID  string
}

func (e ForbiddenError) Error() string {
	switch {
	case e.Permission != "":
		return fmt.Sprintf("permission %s required", e.Permission)
	case e.SiteID != "":
		return fmt.Sprintf("site %s outside actor scope", e.SiteID)
	case e.CompanyID != "":
		return fmt.Sprintf("company %s outside actor scope", e.CompanyID)
	}
	return "forbidden"
}

// Service persists expanded role permissions.
type Service struct {
	DB *sql.DB
}

// SeedRole replaces the permission links of role with the expansion of patterns.
func (s Service) SeedRole(ctx context.Context, tx *sql.Tx, role domain.Role, description string, patterns []string) ([]string, error) {
	if role == "" {
		return nil, errors.New("role id required")
	}
	perms, err := Expand(role, patterns, Catalog)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO roles(id, description) VALUES (?,?)
ON CONFLICT(id) DO UPDATE SET description=excluded.description`, string(role), description); err != nil {
		return nil, fmt.Errorf("insert role: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM role_permissions WHERE role_id=?`, string(role)); err != nil {
		return nil, fmt.Errorf("clear role permissions: %w", err)
	}
	for _, p := range perms {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO permissions(id, description) VALUES (?,?)`, p, Description(p)); err != nil {
			return nil, fmt.Errorf("insert permission: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO role_permissions(role_id, permission_id) VALUES (?,?)`, string(role), p); err != nil {
			return nil, fmt.Errorf("link permission: %w", err)
		}
	}
	return perms, nil
}

// Load reads every role's expanded permissions.
func (s Service) Load(ctx context.Context) (Permissions, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT role_id, permission_id FROM role_permissions ORDER BY role_id, permission_id`)
	if err != nil {
		return Permissions{}, err
	}
	defer rows.Close()
	byRole := map[domain.Role][]string{}
	for rows.Next() {
		var role, perm string
		if err := rows.Scan(&role, &perm); err != nil {
			return Permissions{}, err
		}
		byRole[domain.Role(role)] = append(byRole[domain.Role(role)], perm)
	}
	if err := rows.Err(); err != nil {
		return Permissions{}, err
	}
	return NewPermissions(byRole), nil
}

func (s Service) EnsureActor(ctx context.Context, tx *sql.Tx, a domain.ActorRecord) error {
	if a.ID == "" {
		return errors.New("actor_id required")
	}
	if a.CreatedAt == "" {
		a.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO actors(id, role, site_id, company_id, created_at) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET role=excluded.role, site_id=excluded.site_id, company_id=excluded.company_id`,
		a.ID, string(a.Role), nullable(a.SiteID), nullable(a.CompanyID), a.CreatedAt)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
