package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"weighline/internal/app"
	"weighline/internal/domain"
	"weighline/internal/engine"
	"weighline/internal/repo"
)

func ticketCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "ticket", Short: "Create and move tickets"}
	cmd.AddCommand(ticketCreateCmd())
	cmd.AddCommand(ticketShowCmd())
	cmd.AddCommand(ticketListCmd())
	cmd.AddCommand(ticketActCmd())
	cmd.AddCommand(ticketTransferCmd())
	cmd.AddCommand(ticketPriorityCmd())
	return cmd
}

func ticketCreateCmd() *cobra.Command {
	var categories []string
	var site, tier, notes string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register an arriving vehicle",
		RunE: func(cmd *cobra.Command, args []string) error {
			if site == "" {
				site = viper.GetString("site")
			}
			if len(categories) == 0 || site == "" {
				return fmt.Errorf("--category and --ticket-site (or --site) required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.CreateTicket(ctx, engine.CreateTicketOptions{
					Categories: categories,
					SiteID:     site,
					Tier:       domain.Tier(strings.ToUpper(tier)),
					Notes:      notes,
					Actor:      cliActor(a),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t, func() { renderTickets([]domain.Ticket{t}) })
			})
		},
	}
	cmd.Flags().StringSliceVar(&categories, "category", nil, "category prefix (repeatable, first one picks the workflow)")
	cmd.Flags().StringVar(&site, "ticket-site", "", "site the vehicle arrived at (defaults to --site)")
	cmd.Flags().StringVar(&tier, "tier", string(domain.TierNormal), "priority tier (CRITIQUE|URGENT|NORMAL)")
	cmd.Flags().StringVar(&notes, "notes", "", "free-form notes")
	return cmd
}

func ticketShowCmd() *cobra.Command {
	var byNumber bool
	cmd := &cobra.Command{
		Use:   "show <id|number>",
		Short: "Show ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var (
					t   domain.Ticket
					err error
				)
				if byNumber {
					t, err = a.Engine.TicketByNumber(ctx, args[0], cliActor(a))
				} else {
					t, err = a.Engine.Ticket(ctx, args[0], cliActor(a))
				}
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	cmd.Flags().BoolVar(&byNumber, "number", false, "look the ticket up by its number")
	return cmd
}

func ticketListCmd() *cobra.Command {
	var f repo.TicketFilter
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tickets",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.Status(strings.ToUpper(status))
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Tickets(ctx, f, cliActor(a))
				if err != nil {
					return err
				}
				return printJSONOrTable(items, func() { renderTickets(items) })
			})
		},
	}
	cmd.Flags().StringVar(&f.SiteID, "ticket-site", "", "filter by site")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&f.WorkflowID, "workflow", "", "filter by workflow")
	cmd.Flags().BoolVar(&f.ActiveOnly, "active", false, "only tickets still in flow")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "max rows")
	return cmd
}

func ticketActCmd() *cobra.Command {
	var weight, notes, category string
	var manual bool
	cmd := &cobra.Command{
		Use:   "act <ticket-id> <action>",
		Short: "Apply an action to a ticket",
		Long:  "Actions: " + strings.Join(engine.Actions(), ", "),
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.Act(ctx, cliActor(a), engine.Action{
					TicketID: args[0],
					Name:     args[1],
					Payload:  engine.Payload{Weight: weight, Manual: manual, Notes: notes},
					Category: category,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res, func() {
					items := []domain.Ticket{res.Ticket}
					if res.Transfer != nil {
						items = []domain.Ticket{res.Transfer.Old, res.Transfer.New}
					}
					renderTickets(items)
				})
			})
		},
	}
	cmd.Flags().StringVar(&weight, "weight", "", "scale reading in kg")
	cmd.Flags().BoolVar(&manual, "manual", false, "weight was typed in, not read from the scale")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	cmd.Flags().StringVar(&category, "category", "", "target category of transferCategory")
	return cmd
}

func ticketTransferCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transfer <ticket-id> <category>",
		Short: "Close a ticket and reissue it under another category",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.TransferCategory(ctx, args[0], args[1], cliActor(a))
				if err != nil {
					return err
				}
				return printJSONOrTable(res, func() { renderTickets([]domain.Ticket{res.Old, res.New}) })
			})
		},
	}
	return cmd
}

func ticketPriorityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reprioritize <ticket-id> <tier>",
		Short: "Change the priority tier of a waiting ticket",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.Reprioritize(ctx, args[0], domain.Tier(strings.ToUpper(args[1])), cliActor(a))
				if err != nil {
					return err
				}
				return printJSONOrTable(t, func() { renderTickets([]domain.Ticket{t}) })
			})
		},
	}
	return cmd
}

func renderTickets(items []domain.Ticket) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Number", "Site", "Status", "Tier", "Arrived", "Net", "Rev"})
	for _, t := range items {
		net := ""
		if t.NetWeight != nil {
			net = t.NetWeight.String()
		}
		tw.AppendRow(table.Row{t.ID, t.Number, t.SiteID, t.Status, t.Tier, formatTime(&t.ArrivedAt), net, t.Revision})
	}
	tw.Render()
}

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "queue", Short: "Inspect and call queues"}
	cmd.AddCommand(queueListCmd())
	cmd.AddCommand(queueShowCmd())
	cmd.AddCommand(queueNextCmd())
	cmd.AddCommand(queueCallCmd())
	cmd.AddCommand(queuePositionCmd())
	return cmd
}

func queueListCmd() *cobra.Command {
	var site string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queues with their length",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				views, err := a.Engine.QueueViews(ctx, site, cliActor(a))
				if err != nil {
					return err
				}
				return printJSONOrTable(views, func() {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"Queue", "Name", "Site", "Step", "Waiting", "Head"})
					for _, v := range views {
						head := ""
						if len(v.Members) > 0 {
							head = v.Members[0].Number
						}
						tw.AppendRow(table.Row{v.Queue.ID, v.Queue.Name, v.Queue.SiteID, v.StepCode, len(v.Members), head})
					}
					tw.Render()
				})
			})
		},
	}
	cmd.Flags().StringVar(&site, "queue-site", "", "only queues of this site")
	return cmd
}

func queueShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <queue-id>",
		Short: "Show queue members in call order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				v, err := a.Engine.QueueView(ctx, args[0], cliActor(a))
				if err != nil {
					return err
				}
				return printJSONOrTable(v, func() {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.SetTitle(fmt.Sprintf("%s (%s)", v.Queue.Name, v.StepCode))
					tw.AppendHeader(table.Row{"#", "Number", "Tier", "Status", "Arrived"})
					for _, m := range v.Members {
						tw.AppendRow(table.Row{m.Position, m.Number, m.Tier, m.Status, formatTime(&m.ArrivedAt)})
					}
					tw.Render()
				})
			})
		},
	}
	return cmd
}

func queueNextCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "next <queue-id>",
		Short: "Show the ticket that would be called next",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				head, ok, err := a.Engine.PeekNext(ctx, args[0], cliActor(a))
				if err != nil {
					return err
				}
				if !ok {
					return engine.ErrQueueEmpty
				}
				return printJSON(head)
			})
		},
	}
	return cmd
}

func queueCallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call <queue-id>",
		Short: "Call the head of a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.CallNext(ctx, args[0], cliActor(a))
				if err != nil {
					return err
				}
				return printJSONOrTable(t, func() { renderTickets([]domain.Ticket{t}) })
			})
		},
	}
	return cmd
}

func queuePositionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "position <ticket-id>",
		Short: "Show where a ticket waits",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				pos, err := a.Engine.Position(ctx, args[0], cliActor(a))
				if err != nil {
					return err
				}
				return printJSONOrTable(pos, func() {
					fmt.Printf("%s is %d of %d in %s (%s)\n", pos.Number, pos.Position, pos.Length, pos.QueueID, pos.Status)
				})
			})
		},
	}
	return cmd
}
