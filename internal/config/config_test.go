package config

import (
	"strings"
	"testing"

	"weighline/internal/domain"
	"weighline/internal/workflow"
)

func TestDefaultConfigIsValidAndLoadable(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	reg, err := workflow.NewRegistry(cfg.DomainWorkflows(), nil)
	if err != nil {
		t.Fatalf("default workflows: %v", err)
	}
	g, err := reg.ForCategory("S1", "ELECT")
	if err != nil {
		t.Fatalf("elect workflow: %v", err)
	}
	if g.Direction() != domain.DirectionUnloading {
		t.Fatalf("expected unloading direction, got %s", g.Direction())
	}
	if g.InitialStep().QueueID == "" {
		t.Fatalf("initial step should be bound to a queue")
	}
	if len(cfg.DomainQueues()) != 12 {
		t.Fatalf("expected 12 queues, got %d", len(cfg.DomainQueues()))
	}
}

func TestRoundTripThroughYAML(t *testing.T) {
	data, err := Default().ToYAML()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	cfg, err := FromYAML(data)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if len(cfg.Workflows) != 3 || cfg.RBAC.Roles["ADMINISTRATOR"].Permissions[0] != "*" {
		t.Fatalf("unexpected reparsed config: %+v", cfg.RBAC.Roles)
	}
}

func TestValidateRejectsDanglingReferences(t *testing.T) {
	cases := map[string]struct {
		mutate func(*Config)
		want   string
	}{
		"unknown queue": {func(c *Config) { c.Workflows[0].Steps[0].Queue = "nope" }, "unknown queue"},
		"unknown site":  {func(c *Config) { c.Workflows[0].Site = "S9" }, "unknown site"},
		"bad status":    {func(c *Config) { c.Workflows[0].Steps[0].Statuses = []string{"PARKED"} }, "unknown status"},
		"bad prefix":    {func(c *Config) { c.Categories[0].Prefix = "in-f" }, "upper case"},
		"bad backend":   {func(c *Config) { c.Sequence.Backend = "etcd" }, "not supported"},
		"redis no url":  {func(c *Config) { c.Sequence.Backend = "redis" }, "redis_url"},
		"bad direction": {func(c *Config) { c.Workflows[0].Direction = "sideways" }, "direction"},
		"queue site":    {func(c *Config) { c.Queues[0].Site = "S2" }, "runs at"},
		"empty perm":    {func(c *Config) { c.RBAC.Roles["MANAGER"] = RBACRole{Permissions: []string{""}} }, "empty permission"},
		"bad timezone":  {func(c *Config) { c.Timezone = "Mars/Olympus" }, "timezone"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestValidateRejectsWebhooksSharingACursor(t *testing.T) {
	cfg := Default()
	cfg.Webhooks = []WebhookConfig{
		{URL: "http://audit.local/hook", Events: []string{"ticket.created"}},
		{URL: "http://audit.local/hook", Events: []string{"ticket.transitioned"}},
	}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "share key") {
		t.Fatalf("expected shared key error, got %v", err)
	}
	cfg.Webhooks[1].ID = "audit-transitions"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("distinct ids should validate: %v", err)
	}
	if got := cfg.Webhooks[0].Key(); got != "http://audit.local/hook" {
		t.Fatalf("key = %q", got)
	}
}
