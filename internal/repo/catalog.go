package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"weighline/internal/domain"
)

// Catalog is the configuration a site runs on, as stored in the database.
type Catalog struct {
	Companies  []domain.Company
	Sites      []domain.Site
	Categories []domain.Category
	Workflows  []domain.Workflow
	Queues     []domain.Queue
}

// ImportCatalog upserts every configuration entity. Rows are never deleted:
// tickets keep referencing workflows and steps that left the file.
func (r Repo) ImportCatalog(ctx context.Context, tx *sql.Tx, c Catalog, now time.Time) error {
	ts := formatTime(now)
	for _, co := range c.Companies {
		if _, err := tx.ExecContext(ctx, `INSERT INTO companies(id,name,created_at) VALUES (?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name`, co.ID, co.Name, ts); err != nil {
			return fmt.Errorf("upsert company %s: %w", co.ID, err)
		}
	}
	for _, s := range c.Sites {
		if _, err := tx.ExecContext(ctx, `INSERT INTO sites(id,company_id,name,created_at) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET company_id=excluded.company_id, name=excluded.name`, s.ID, s.CompanyID, s.Name, ts); err != nil {
			return fmt.Errorf("upsert site %s: %w", s.ID, err)
		}
	}
	for _, cat := range c.Categories {
		if _, err := tx.ExecContext(ctx, `INSERT INTO categories(id,name,prefix,capacity_hint,service_minutes_hint) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, prefix=excluded.prefix, capacity_hint=excluded.capacity_hint, service_minutes_hint=excluded.service_minutes_hint`,
			cat.ID, cat.Name, cat.Prefix, cat.CapacityHint, cat.ServiceMinutesHint); err != nil {
			return fmt.Errorf("upsert category %s: %w", cat.ID, err)
		}
	}
	for _, wf := range c.Workflows {
		cats, err := json.Marshal(wf.Categories)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO workflows(id,name,site_id,active,direction,categories_json) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, site_id=excluded.site_id, active=excluded.active, direction=excluded.direction, categories_json=excluded.categories_json`,
			wf.ID, wf.Name, wf.SiteID, boolInt(wf.Active), string(wf.Direction), string(cats)); err != nil {
			return fmt.Errorf("upsert workflow %s: %w", wf.ID, err)
		}
	}
	// Queues reference workflows and steps reference queues.
	for _, q := range c.Queues {
		if _, err := tx.ExecContext(ctx, `INSERT INTO queues(id,name,site_id,workflow_id,priority_weight) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, site_id=excluded.site_id, workflow_id=excluded.workflow_id, priority_weight=excluded.priority_weight`,
			q.ID, q.Name, q.SiteID, q.WorkflowID, q.PriorityWeight); err != nil {
			return fmt.Errorf("upsert queue %s: %w", q.ID, err)
		}
	}
	for _, wf := range c.Workflows {
		// Orders may be renumbered, so free them before re-inserting.
		if _, err := tx.ExecContext(ctx, `UPDATE workflow_steps SET ord = -rowid WHERE workflow_id=?`, wf.ID); err != nil {
			return fmt.Errorf("renumber steps of %s: %w", wf.ID, err)
		}
		for _, s := range wf.Steps {
			statuses, err := json.Marshal(s.Statuses)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO workflow_steps(id,workflow_id,ord,code,queue_id,is_initial,is_final,statuses_json,guard) VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET workflow_id=excluded.workflow_id, ord=excluded.ord, code=excluded.code, queue_id=excluded.queue_id,
is_initial=excluded.is_initial, is_final=excluded.is_final, statuses_json=excluded.statuses_json, guard=excluded.guard`,
				s.ID, wf.ID, s.Order, s.Code, nullable(s.QueueID), boolInt(s.IsInitial), boolInt(s.IsFinal), string(statuses), nullable(s.Guard)); err != nil {
				return fmt.Errorf("upsert step %s: %w", s.ID, err)
			}
		}
	}
	return nil
}

// LoadCatalog reads the stored configuration back.
func (r Repo) LoadCatalog(ctx context.Context) (Catalog, error) {
	var c Catalog
	var err error
	if c.Companies, err = r.listCompanies(ctx); err != nil {
		return c, err
	}
	if c.Sites, err = r.ListSites(ctx); err != nil {
		return c, err
	}
	if c.Categories, err = r.listCategories(ctx); err != nil {
		return c, err
	}
	if c.Workflows, err = r.listWorkflows(ctx); err != nil {
		return c, err
	}
	if c.Queues, err = r.listQueues(ctx); err != nil {
		return c, err
	}
	return c, nil
}

func (r Repo) listCompanies(ctx context.Context) ([]domain.Company, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,created_at FROM companies ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Company
	for rows.Next() {
		var co domain.Company
		if err := rows.Scan(&co.ID, &co.Name, &co.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, co)
	}
	return out, rows.Err()
}

func (r Repo) ListSites(ctx context.Context) ([]domain.Site, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,company_id,name,created_at FROM sites ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Site
	for rows.Next() {
		var s domain.Site
		if err := rows.Scan(&s.ID, &s.CompanyID, &s.Name, &s.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r Repo) listCategories(ctx context.Context) ([]domain.Category, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,prefix,capacity_hint,service_minutes_hint FROM categories ORDER BY prefix`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Category
	for rows.Next() {
		var c domain.Category
		if err := rows.Scan(&c.ID, &c.Name, &c.Prefix, &c.CapacityHint, &c.ServiceMinutesHint); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r Repo) listWorkflows(ctx context.Context) ([]domain.Workflow, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,site_id,active,direction,categories_json FROM workflows ORDER BY id`)
	if err != nil {
		return nil, err
	}
	var (
		out   []domain.Workflow
		index = map[string]int{}
	)
	for rows.Next() {
		var wf domain.Workflow
		var active int
		var direction, cats string
		if err := rows.Scan(&wf.ID, &wf.Name, &wf.SiteID, &active, &direction, &cats); err != nil {
			rows.Close()
			return nil, err
		}
		wf.Active = active != 0
		wf.Direction = domain.Direction(direction)
		if err := json.Unmarshal([]byte(cats), &wf.Categories); err != nil {
			rows.Close()
			return nil, fmt.Errorf("workflow %s categories: %w", wf.ID, err)
		}
		index[wf.ID] = len(out)
		out = append(out, wf)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	steps, err := r.DB.QueryContext(ctx, `SELECT id,workflow_id,ord,code,COALESCE(queue_id,''),is_initial,is_final,statuses_json,COALESCE(guard,'')
FROM workflow_steps WHERE ord >= 0 ORDER BY workflow_id, ord`)
	if err != nil {
		return nil, err
	}
	defer steps.Close()
	for steps.Next() {
		var s domain.WorkflowStep
		var initial, final int
		var statuses string
		if err := steps.Scan(&s.ID, &s.WorkflowID, &s.Order, &s.Code, &s.QueueID, &initial, &final, &statuses, &s.Guard); err != nil {
			return nil, err
		}
		s.IsInitial = initial != 0
		s.IsFinal = final != 0
		if err := json.Unmarshal([]byte(statuses), &s.Statuses); err != nil {
			return nil, fmt.Errorf("step %s statuses: %w", s.ID, err)
		}
		if i, ok := index[s.WorkflowID]; ok {
			out[i].Steps = append(out[i].Steps, s)
		}
	}
	return out, steps.Err()
}

func (r Repo) listQueues(ctx context.Context) ([]domain.Queue, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,site_id,workflow_id,priority_weight FROM queues ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Queue
	for rows.Next() {
		var q domain.Queue
		if err := rows.Scan(&q.ID, &q.Name, &q.SiteID, &q.WorkflowID, &q.PriorityWeight); err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// SaveConfigDocument keeps the YAML the catalog was imported from.
func (r Repo) SaveConfigDocument(ctx context.Context, tx *sql.Tx, yaml []byte, now time.Time) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO config_documents(id,yaml,updated_at) VALUES (1,?,?)
ON CONFLICT(id) DO UPDATE SET yaml=excluded.yaml, updated_at=excluded.updated_at`, string(yaml), formatTime(now))
	return err
}

func (r Repo) ConfigDocument(ctx context.Context) ([]byte, error) {
	var doc string
	err := r.DB.QueryRowContext(ctx, `SELECT yaml FROM config_documents WHERE id=1`).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(doc), nil
}
