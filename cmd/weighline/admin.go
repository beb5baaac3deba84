package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"weighline/internal/app"
	"weighline/internal/config"
	"weighline/internal/domain"
	"weighline/internal/engine/auth"
	"weighline/internal/repo"
	"weighline/internal/server"
	"weighline/internal/workflow"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Manage site configuration"}
	cmd.AddCommand(configInitCmd())
	cmd.AddCommand(configValidateCmd())
	cmd.AddCommand(configImportCmd())
	cmd.AddCommand(configExportCmd())
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default weighline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configValidateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a config file and its workflow graphs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				file = config.Path(viper.GetString("workspace"))
			}
			cfg, err := config.FromFile(file)
			if err != nil {
				return err
			}
			reg, err := workflow.NewRegistry(cfg.DomainWorkflows(), nil)
			if err != nil {
				return err
			}
			fmt.Printf("%s: ok (%d workflows, %d queues)\n", file, len(reg.All()), len(cfg.Queues))
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "config file (defaults to the workspace weighline.yml)")
	return cmd
}

func configImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import a config file into the workspace database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			viper.Set("config", args[0])
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				fmt.Printf("imported %s (%d sites, %d workflows)\n", args[0], len(a.Config.Sites), len(a.Config.Workflows))
				return nil
			})
		},
	}
	return cmd
}

func configExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Print the configuration stored in the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				doc, err := a.Repo.ConfigDocument(ctx)
				if err != nil {
					return err
				}
				_, err = os.Stdout.Write(doc)
				return err
			})
		},
	}
	return cmd
}

func workflowCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "workflow", Short: "Inspect workflows"}
	cmd.AddCommand(workflowListCmd())
	cmd.AddCommand(workflowShowCmd())
	return cmd
}

func workflowListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Workflows(cliActor(a))
				if err != nil {
					return err
				}
				return printJSONOrTable(items, func() {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"ID", "Name", "Site", "Direction", "Categories", "Steps", "Active"})
					for _, wf := range items {
						tw.AppendRow(table.Row{wf.ID, wf.Name, wf.SiteID, wf.Direction, strings.Join(wf.Categories, ","), len(wf.Steps), wf.Active})
					}
					tw.Render()
				})
			})
		},
	}
	return cmd
}

func workflowShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <workflow-id>",
		Short: "Show the steps of a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Workflows(cliActor(a))
				if err != nil {
					return err
				}
				for _, wf := range items {
					if wf.ID != args[0] {
						continue
					}
					return printJSONOrTable(wf, func() {
						tw := table.NewWriter()
						tw.SetOutputMirror(os.Stdout)
						tw.SetTitle(wf.Name)
						tw.AppendHeader(table.Row{"#", "Code", "Queue", "Statuses", "Guard", "Initial", "Final"})
						for _, s := range wf.Steps {
							statuses := make([]string, 0, len(s.Statuses))
							for _, st := range s.Statuses {
								statuses = append(statuses, string(st))
							}
							tw.AppendRow(table.Row{s.Order, s.Code, s.QueueID, strings.Join(statuses, ","), s.Guard, s.IsInitial, s.IsFinal})
						}
						tw.Render()
					})
				}
				return fmt.Errorf("workflow %s not found", args[0])
			})
		},
	}
	return cmd
}

func rbacCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "rbac", Short: "Roles, API keys and tokens"}
	cmd.AddCommand(rbacRolesCmd())
	cmd.AddCommand(rbacActorsCmd())
	cmd.AddCommand(rbacAPIKeyCmd())
	cmd.AddCommand(rbacTokenCmd())
	return cmd
}

func requireRBAC(a *app.App) error {
	actor := cliActor(a)
	if !a.Engine.Perms.Has(actor, auth.PermRBACManage) {
		return auth.ForbiddenError{Permission: auth.PermRBACManage}
	}
	return nil
}

func rbacRolesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "roles",
		Short: "List roles and their permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := requireRBAC(a); err != nil {
					return err
				}
				roles, err := a.Repo.ListRoles(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(roles, func() {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"Role", "Description", "Permissions"})
					for _, r := range roles {
						tw.AppendRow(table.Row{r.ID, r.Description, strings.Join(r.Permissions, " ")})
					}
					tw.Render()
				})
			})
		},
	}
	return cmd
}

func rbacActorsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "actors",
		Short: "List actors that hold API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := requireRBAC(a); err != nil {
					return err
				}
				actors, err := a.Repo.ListActors(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(actors, func() {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"Actor", "Role", "Site", "Company", "Created"})
					for _, r := range actors {
						tw.AppendRow(table.Row{r.ID, r.Role, r.SiteID, r.CompanyID, r.CreatedAt})
					}
					tw.Render()
				})
			})
		},
	}
	return cmd
}

func rbacAPIKeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	cmd.AddCommand(rbacAPIKeyCreateCmd())
	cmd.AddCommand(rbacAPIKeyListCmd())
	cmd.AddCommand(rbacAPIKeyDeleteCmd())
	return cmd
}

func rbacAPIKeyCreateCmd() *cobra.Command {
	var rec domain.ActorRecord
	var role, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key for an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if rec.ID == "" || role == "" {
				return fmt.Errorf("--for and --for-role required")
			}
			rec.Role = domain.Role(strings.ToUpper(role))
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := requireRBAC(a); err != nil {
					return err
				}
				if company, ok := app.NewSiteDirectory(a.Config.DomainSites()).CompanyOf(rec.SiteID); ok && rec.CompanyID == "" {
					rec.CompanyID = company
				}
				key, err := app.IssueAPIKey(ctx, a.Repo, rec, name)
				if err != nil {
					return err
				}
				fmt.Fprintln(os.Stderr, "store this key now; it is not shown again")
				return printJSON(key)
			})
		},
	}
	cmd.Flags().StringVar(&rec.ID, "for", "", "actor id the key authenticates as")
	cmd.Flags().StringVar(&role, "for-role", "", "role of that actor")
	cmd.Flags().StringVar(&rec.SiteID, "for-site", "", "site of that actor")
	cmd.Flags().StringVar(&rec.CompanyID, "for-company", "", "company of that actor (defaults to the site's)")
	cmd.Flags().StringVar(&name, "name", "", "label")
	return cmd
}

func rbacAPIKeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := requireRBAC(a); err != nil {
					return err
				}
				keys, err := a.Repo.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys, func() {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
					for _, k := range keys {
						tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
					}
					tw.Render()
				})
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "for", "", "only keys of this actor")
	return cmd
}

func rbacAPIKeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := requireRBAC(a); err != nil {
					return err
				}
				if err := a.Repo.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("revoked", args[0])
				return nil
			})
		},
	}
	return cmd
}

func rbacTokenCmd() *cobra.Command {
	var actor domain.Actor
	var role string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token with WEIGHLINE_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("WEIGHLINE_JWT_SECRET is required")
			}
			if actor.ID == "" {
				return fmt.Errorf("--for required")
			}
			actor.Role = domain.Role(strings.ToUpper(role))
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := requireRBAC(a); err != nil {
					return err
				}
				// Known actors keep their stored identity unless overridden.
				if rec, err := a.Repo.GetActor(ctx, actor.ID); err == nil {
					if actor.Role == "" {
						actor.Role = rec.Role
					}
					if actor.SiteID == "" {
						actor.SiteID = rec.SiteID
					}
				} else if !errors.Is(err, repo.ErrNotFound) {
					return err
				}
				if actor.Role == "" {
					return fmt.Errorf("--for-role required for unknown actor %s", actor.ID)
				}
				if company, ok := app.NewSiteDirectory(a.Config.DomainSites()).CompanyOf(actor.SiteID); ok {
					actor.CompanyID = company
				}
				actor.Permissions = a.Engine.Perms.Of(actor.Role)
				if len(actor.Permissions) == 0 {
					return fmt.Errorf("role %s has no permissions", actor.Role)
				}
				token, err := server.SignToken(secret, actor, ttl)
				if err != nil {
					return err
				}
				fmt.Println(token)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor.ID, "for", "", "actor id")
	cmd.Flags().StringVar(&role, "for-role", "", "actor role")
	cmd.Flags().StringVar(&actor.SiteID, "for-site", "", "actor site")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Event log"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var site, ticketID string
	var follow bool
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail ticket events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				actor := cliActor(a)
				if actor.Role != domain.RoleAdministrator {
					if site != "" && site != actor.SiteID {
						return auth.ForbiddenError{SiteID: site}
					}
					site = actor.SiteID
				}
				items, err := a.Repo.ListEvents(ctx, n, 0, site, ticketID)
				if err != nil {
					return err
				}
				// Oldest first, like tail.
				for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
					items[i], items[j] = items[j], items[i]
				}
				if !follow {
					return printJSONOrTable(items, func() { renderEvents(items) })
				}
				var last int64
				for _, evt := range items {
					_ = printJSON(evt)
					last = evt.ID
				}
				var sites []string
				if site != "" {
					sites = []string{site}
				}
				ticker := time.NewTicker(time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
					batch, err := a.Repo.EventsAfter(ctx, 100, last, sites)
					if err != nil {
						return err
					}
					for _, evt := range batch {
						if ticketID != "" && evt.TicketID != ticketID {
							last = evt.ID
							continue
						}
						_ = printJSON(evt)
						last = evt.ID
					}
				}
			})
		},
	}
	cmd.Flags().IntVarP(&n, "lines", "n", 20, "number of events")
	cmd.Flags().StringVar(&site, "event-site", "", "only events of this site")
	cmd.Flags().StringVar(&ticketID, "ticket", "", "only events of this ticket")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new events")
	return cmd
}

func renderEvents(items []domain.Event) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "TS", "Type", "Site", "Ticket", "From", "To", "Actor"})
	for _, e := range items {
		tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.SiteID, e.TicketNumber, e.OldStatus, e.NewStatus, e.ActorID})
	}
	tw.Render()
}
