package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"weighline/internal/domain"
)

// Config models weighline.yml.
type Config struct {
	Timezone   string           `yaml:"timezone"`
	Companies  []CompanyConfig  `yaml:"companies"`
	Sites      []SiteConfig     `yaml:"sites"`
	Categories []CategoryConfig `yaml:"categories"`
	Workflows  []WorkflowConfig `yaml:"workflows"`
	Queues     []QueueConfig    `yaml:"queues"`
	Sequence   SequenceConfig   `yaml:"sequence"`
	RBAC       struct {
		Roles             map[string]RBACRole `yaml:"roles"`
		MultiSiteManagers bool                `yaml:"multi_site_managers"`
	} `yaml:"rbac"`
	Events struct {
		RedisURL    string `yaml:"redis_url"`
		RedisStream string `yaml:"redis_stream"`
	} `yaml:"events"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type CompanyConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

type SiteConfig struct {
	ID      string `yaml:"id"`
	Company string `yaml:"company"`
	Name    string `yaml:"name"`
}

type CategoryConfig struct {
	ID                 string `yaml:"id"`
	Name               string `yaml:"name"`
	Prefix             string `yaml:"prefix"`
	CapacityHint       int    `yaml:"capacity_hint"`
	ServiceMinutesHint int    `yaml:"service_minutes_hint"`
}

type WorkflowConfig struct {
	ID         string       `yaml:"id"`
	Name       string       `yaml:"name"`
	Site       string       `yaml:"site"`
	Active     *bool        `yaml:"active"`
	Direction  string       `yaml:"direction"`
	Categories []string     `yaml:"categories"`
	Steps      []StepConfig `yaml:"steps"`
}

type StepConfig struct {
	ID       string   `yaml:"id"`
	Order    int      `yaml:"order"`
	Code     string   `yaml:"code"`
	Queue    string   `yaml:"queue"`
	Initial  bool     `yaml:"initial"`
	Final    bool     `yaml:"final"`
	Statuses []string `yaml:"statuses"`
	Guard    string   `yaml:"guard"`
}

type QueueConfig struct {
	ID             string `yaml:"id"`
	Name           string `yaml:"name"`
	Site           string `yaml:"site"`
	Workflow       string `yaml:"workflow"`
	PriorityWeight int    `yaml:"priority_weight"`
}

type SequenceConfig struct {
	Backend     string `yaml:"backend"`
	RedisURL    string `yaml:"redis_url"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

type WebhookConfig struct {
	// ID names the hook's delivery cursor. Empty means the URL does.
	ID             string   `yaml:"id,omitempty"`
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Sites          []string `yaml:"sites,omitempty"`
}

// Key identifies the hook across restarts.
func (w WebhookConfig) Key() string {
	if id := strings.TrimSpace(w.ID); id != "" {
		return id
	}
	return strings.TrimSpace(w.URL)
}

var sequenceBackends = map[string]bool{"": true, "sqlite": true, "memory": true, "redis": true, "postgres": true}

// Validate ensures the config meets required structure and that every
// reference points at a declared entity. Workflow graph rules are checked by
// the workflow package when the config is loaded.
func (c *Config) Validate() error {
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return fmt.Errorf("config.timezone: %w", err)
		}
	}
	companies := map[string]bool{}
	for _, co := range c.Companies {
		if co.ID == "" {
			return fmt.Errorf("config.companies contains empty id")
		}
		companies[co.ID] = true
	}
	sites := map[string]bool{}
	for _, s := range c.Sites {
		if s.ID == "" {
			return fmt.Errorf("config.sites contains empty id")
		}
		if !companies[s.Company] {
			return fmt.Errorf("site %s references unknown company %q", s.ID, s.Company)
		}
		sites[s.ID] = true
	}
	prefixes := map[string]bool{}
	for _, cat := range c.Categories {
		if cat.ID == "" || cat.Prefix == "" {
			return fmt.Errorf("category %q requires id and prefix", cat.Name)
		}
		if cat.Prefix != strings.ToUpper(cat.Prefix) || strings.ContainsAny(cat.Prefix, "- ") {
			return fmt.Errorf("category %s prefix %q must be upper case without dashes", cat.ID, cat.Prefix)
		}
		if prefixes[cat.Prefix] {
			return fmt.Errorf("category prefix %s declared twice", cat.Prefix)
		}
		prefixes[cat.Prefix] = true
	}
	workflows := map[string]string{}
	for _, wf := range c.Workflows {
		if wf.ID == "" {
			return fmt.Errorf("config.workflows contains empty id")
		}
		if !sites[wf.Site] {
			return fmt.Errorf("workflow %s references unknown site %q", wf.ID, wf.Site)
		}
		switch domain.Direction(wf.Direction) {
		case "", domain.DirectionLoading, domain.DirectionUnloading:
		default:
			return fmt.Errorf("workflow %s direction must be loading or unloading", wf.ID)
		}
		for _, p := range wf.Categories {
			if !prefixes[p] {
				return fmt.Errorf("workflow %s references unknown category prefix %s", wf.ID, p)
			}
		}
		for _, st := range wf.Steps {
			for _, s := range st.Statuses {
				if !domain.Status(s).Valid() {
					return fmt.Errorf("workflow %s step %s: unknown status %s", wf.ID, st.ID, s)
				}
			}
		}
		workflows[wf.ID] = wf.Site
	}
	queues := map[string]bool{}
	for _, q := range c.Queues {
		if q.ID == "" {
			return fmt.Errorf("config.queues contains empty id")
		}
		site, ok := workflows[q.Workflow]
		if !ok {
			return fmt.Errorf("queue %s references unknown workflow %q", q.ID, q.Workflow)
		}
		if q.Site != site {
			return fmt.Errorf("queue %s is at site %s but workflow %s runs at %s", q.ID, q.Site, q.Workflow, site)
		}
		queues[q.ID] = true
	}
	for _, wf := range c.Workflows {
		for _, st := range wf.Steps {
			if st.Queue != "" && !queues[st.Queue] {
				return fmt.Errorf("workflow %s step %s references unknown queue %s", wf.ID, st.ID, st.Queue)
			}
		}
	}
	if !sequenceBackends[c.Sequence.Backend] {
		return fmt.Errorf("config.sequence.backend %q not supported", c.Sequence.Backend)
	}
	if c.Sequence.Backend == "redis" && c.Sequence.RedisURL == "" {
		return fmt.Errorf("config.sequence.redis_url is required for the redis backend")
	}
	if c.Sequence.Backend == "postgres" && c.Sequence.PostgresDSN == "" {
		return fmt.Errorf("config.sequence.postgres_dsn is required for the postgres backend")
	}
	for roleID, role := range c.RBAC.Roles {
		if roleID == "" {
			return fmt.Errorf("config.rbac.roles contains empty role id")
		}
		for _, perm := range role.Permissions {
			if perm == "" {
				return fmt.Errorf("role %s has empty permission id", roleID)
			}
		}
	}
	hooks := make(map[string]int, len(c.Webhooks))
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
		if prev, ok := hooks[hook.Key()]; ok {
			return fmt.Errorf("webhooks %d and %d share key %q; set distinct ids", prev, i, hook.Key())
		}
		hooks[hook.Key()] = i
	}
	return nil
}

// Location returns the configured timezone, UTC when unset.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *Config) DomainCompanies() []domain.Company {
	out := make([]domain.Company, 0, len(c.Companies))
	for _, co := range c.Companies {
		out = append(out, domain.Company{ID: co.ID, Name: co.Name})
	}
	return out
}

func (c *Config) DomainSites() []domain.Site {
	out := make([]domain.Site, 0, len(c.Sites))
	for _, s := range c.Sites {
		out = append(out, domain.Site{ID: s.ID, CompanyID: s.Company, Name: s.Name})
	}
	return out
}

func (c *Config) DomainCategories() []domain.Category {
	out := make([]domain.Category, 0, len(c.Categories))
	for _, cat := range c.Categories {
		out = append(out, domain.Category{
			ID:                 cat.ID,
			Name:               cat.Name,
			Prefix:             cat.Prefix,
			CapacityHint:       cat.CapacityHint,
			ServiceMinutesHint: cat.ServiceMinutesHint,
		})
	}
	return out
}

func (c *Config) DomainWorkflows() []domain.Workflow {
	out := make([]domain.Workflow, 0, len(c.Workflows))
	for _, wf := range c.Workflows {
		active := true
		if wf.Active != nil {
			active = *wf.Active
		}
		dw := domain.Workflow{
			ID:         wf.ID,
			Name:       wf.Name,
			SiteID:     wf.Site,
			Active:     active,
			Direction:  domain.Direction(wf.Direction),
			Categories: append([]string{}, wf.Categories...),
		}
		if dw.Direction == "" {
			dw.Direction = domain.DirectionLoading
		}
		for _, st := range wf.Steps {
			step := domain.WorkflowStep{
				ID:         st.ID,
				WorkflowID: wf.ID,
				Order:      st.Order,
				Code:       st.Code,
				QueueID:    st.Queue,
				IsInitial:  st.Initial,
				IsFinal:    st.Final,
				Guard:      st.Guard,
			}
			for _, s := range st.Statuses {
				step.Statuses = append(step.Statuses, domain.Status(s))
			}
			dw.Steps = append(dw.Steps, step)
		}
		out = append(out, dw)
	}
	return out
}

func (c *Config) DomainQueues() []domain.Queue {
	out := make([]domain.Queue, 0, len(c.Queues))
	for _, q := range c.Queues {
		out = append(out, domain.Queue{ID: q.ID, Name: q.Name, SiteID: q.Site, WorkflowID: q.Workflow, PriorityWeight: q.PriorityWeight})
	}
	return out
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "weighline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with weighline config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the seeded weighing-site configuration.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// ToYAML renders cfg back to YAML.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}
