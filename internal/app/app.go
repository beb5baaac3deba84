package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"weighline/internal/config"
	"weighline/internal/db"
	"weighline/internal/domain"
	"weighline/internal/engine"
	"weighline/internal/engine/auth"
	"weighline/internal/events"
	"weighline/internal/migrate"
	"weighline/internal/repo"
	"weighline/internal/sequence"
	"weighline/internal/workflow"
)

// Options controls how a workspace is opened.
type Options struct {
	Workspace string
	// ConfigFile, when set, is imported instead of the workspace's weighline.yml.
	ConfigFile string
	// RedisURL and PostgresDSN override the sequence backend endpoints of the config.
	RedisURL    string
	PostgresDSN string
	Logger      *slog.Logger
	// Publishers receive every committed event, alongside the redis stream when configured.
	Publishers []events.Publisher
}

// App is an opened workspace: database, imported configuration and an engine
// whose queue board has been rebuilt from persisted tickets.
type App struct {
	DB     *sql.DB
	Repo   repo.Repo
	Config *config.Config
	Engine *engine.Engine

	closers []func()
}

// Open migrates the workspace database, imports configuration and builds the engine.
func Open(ctx context.Context, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	a := &App{DB: conn, Repo: repo.Repo{DB: conn}}
	a.closers = append(a.closers, func() { _ = conn.Close() })
	if err := a.open(ctx, opts, logger); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) open(ctx context.Context, opts Options, logger *slog.Logger) error {
	if err := migrate.Migrate(ctx, a.DB); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	cfg, err := ResolveConfig(ctx, opts.Workspace, opts.ConfigFile, a.Repo)
	if err != nil {
		return err
	}
	if opts.RedisURL != "" {
		cfg.Sequence.RedisURL = opts.RedisURL
		if cfg.Events.RedisURL == "" {
			cfg.Events.RedisURL = opts.RedisURL
		}
	}
	if opts.PostgresDSN != "" {
		cfg.Sequence.PostgresDSN = opts.PostgresDSN
	}
	if err := Import(ctx, a.Repo, cfg, time.Now()); err != nil {
		return err
	}
	a.Config = cfg

	eng, err := Build(ctx, a.Repo, cfg)
	if err != nil {
		return err
	}
	eng.Logger = logger

	counter, closeCounter, err := NewCounter(ctx, cfg.Sequence)
	if err != nil {
		return fmt.Errorf("sequence backend %s: %w", cfg.Sequence.Backend, err)
	}
	eng.Counter = counter
	a.closers = append(a.closers, closeCounter)

	pubs := append([]events.Publisher(nil), opts.Publishers...)
	if cfg.Events.RedisURL != "" {
		pub, err := events.NewStreamPublisher(cfg.Events.RedisURL, cfg.Events.RedisStream)
		if err != nil {
			return fmt.Errorf("event stream: %w", err)
		}
		if c, ok := pub.Client.(io.Closer); ok {
			a.closers = append(a.closers, func() { _ = c.Close() })
		}
		pubs = append(pubs, pub)
		logger.Info("event stream enabled", "stream", pub.Stream)
	}
	switch len(pubs) {
	case 0:
	case 1:
		eng.Publisher = pubs[0]
	default:
		eng.Publisher = events.Multi(pubs)
	}

	if _, err := eng.RebuildBoard(ctx); err != nil {
		return fmt.Errorf("rebuild queues: %w", err)
	}
	a.Engine = eng
	return nil
}

// Close releases the database and any sequence backend connection.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// ResolveConfig picks the configuration to run on: an explicit file, then the
// workspace's weighline.yml, then the document stored by the last import,
// then the built-in default.
func ResolveConfig(ctx context.Context, workspace, file string, r repo.Repo) (*config.Config, error) {
	if file != "" {
		return config.FromFile(file)
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		return cfg, nil
	}
	doc, err := r.ConfigDocument(ctx)
	switch {
	case err == nil:
		return config.FromYAML(doc)
	case errors.Is(err, repo.ErrNotFound):
		return config.Default(), nil
	default:
		return nil, err
	}
}

// Import writes the configuration entities, the YAML document and the
// expanded role permissions in one transaction. The graph is checked first so
// a broken workflow never reaches the database.
func Import(ctx context.Context, r repo.Repo, cfg *config.Config, now time.Time) error {
	if _, err := workflow.NewRegistry(cfg.DomainWorkflows(), nil); err != nil {
		return err
	}
	raw, err := cfg.ToYAML()
	if err != nil {
		return err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	err = r.ImportCatalog(ctx, tx, repo.Catalog{
		Companies:  cfg.DomainCompanies(),
		Sites:      cfg.DomainSites(),
		Categories: cfg.DomainCategories(),
		Workflows:  cfg.DomainWorkflows(),
		Queues:     cfg.DomainQueues(),
	}, now)
	if err != nil {
		return fmt.Errorf("import catalog: %w", err)
	}
	if err := r.SaveConfigDocument(ctx, tx, raw, now); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	roles := make([]string, 0, len(cfg.RBAC.Roles))
	for id := range cfg.RBAC.Roles {
		roles = append(roles, id)
	}
	sort.Strings(roles)
	svc := auth.Service{DB: r.DB}
	for _, id := range roles {
		role := cfg.RBAC.Roles[id]
		if _, err := svc.SeedRole(ctx, tx, domain.Role(id), role.Description, role.Permissions); err != nil {
			return fmt.Errorf("seed role %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// Build creates an engine from the catalog and role permissions stored in the
// database. The board is empty until RebuildBoard runs.
func Build(ctx context.Context, r repo.Repo, cfg *config.Config) (*engine.Engine, error) {
	cat, err := r.LoadCatalog(ctx)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	reg, err := workflow.NewRegistry(cat.Workflows, nil)
	if err != nil {
		return nil, err
	}
	perms, err := auth.Service{DB: r.DB}.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load permissions: %w", err)
	}
	eng := engine.New(r.DB, reg, perms)
	for _, q := range cat.Queues {
		eng.Queues[q.ID] = q
	}
	eng.Scope = auth.Resolver{Sites: NewSiteDirectory(cat.Sites), MultiSiteManagers: cfg.RBAC.MultiSiteManagers}
	eng.Location = cfg.Location()
	return eng, nil
}

// SiteDirectory maps site ids to their company.
type SiteDirectory map[string]string

func NewSiteDirectory(sites []domain.Site) SiteDirectory {
	d := make(SiteDirectory, len(sites))
	for _, s := range sites {
		d[s.ID] = s.CompanyID
	}
	return d
}

func (d SiteDirectory) CompanyOf(siteID string) (string, bool) {
	c, ok := d[siteID]
	return c, ok
}

// NewCounter opens the configured sequence backend. A nil counter means the
// SQLite table, incremented inside each ticket's transaction.
func NewCounter(ctx context.Context, sc config.SequenceConfig) (sequence.Counter, func(), error) {
	noop := func() {}
	switch sc.Backend {
	case "", "sqlite":
		return nil, noop, nil
	case "memory":
		return &sequence.MemoryCounter{}, noop, nil
	case "redis":
		c, err := sequence.NewRedisCounter(ctx, sc.RedisURL)
		if err != nil {
			return nil, noop, err
		}
		return c, c.Close, nil
	case "postgres":
		c, err := sequence.NewPostgresCounter(ctx, sc.PostgresDSN)
		if err != nil {
			return nil, noop, err
		}
		return c, c.Close, nil
	}
	return nil, noop, fmt.Errorf("unknown sequence backend %q", sc.Backend)
}

// IssuedKey is a freshly minted API key. Raw is shown once and never stored.
type IssuedKey struct {
	ID      string `json:"id"`
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	Raw     string `json:"key"`
}

// IssueAPIKey registers actor (creating or updating it) and mints a key for it.
func IssueAPIKey(ctx context.Context, r repo.Repo, actor domain.ActorRecord, name string) (IssuedKey, error) {
	if strings.TrimSpace(actor.ID) == "" {
		return IssuedKey{}, errors.New("actor id required")
	}
	switch actor.Role {
	case domain.RoleAdministrator, domain.RoleManager, domain.RoleSupervisor, domain.RoleDockAgent, domain.RoleGateAgent:
	default:
		return IssuedKey{}, fmt.Errorf("unknown role %q", actor.Role)
	}
	raw, err := randomKey()
	if err != nil {
		return IssuedKey{}, err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return IssuedKey{}, err
	}
	defer tx.Rollback()
	if err := (auth.Service{DB: r.DB}).EnsureActor(ctx, tx, actor); err != nil {
		return IssuedKey{}, fmt.Errorf("ensure actor: %w", err)
	}
	key := domain.APIKey{ID: uuid.NewString(), ActorID: actor.ID, Name: name, KeyHash: repo.HashAPIKey(raw)}
	if err := r.InsertAPIKey(ctx, tx, key); err != nil {
		return IssuedKey{}, fmt.Errorf("insert api key: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return IssuedKey{}, err
	}
	return IssuedKey{ID: key.ID, ActorID: actor.ID, Name: name, Raw: raw}, nil
}

func randomKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "wl_" + hex.EncodeToString(buf), nil
}
