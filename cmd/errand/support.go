package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"errandline/internal/api"
	"errandline/internal/app"
	"errandline/internal/domain"
)

func supportCmd() *cobra.Command {
	support := &cobra.Command{Use: "support", Short: "Support tickets"}
	support.AddCommand(supportListCmd())
	support.AddCommand(supportShowCmd())
	support.AddCommand(supportNewCmd())
	support.AddCommand(supportReplyCmd())
	return support
}

func supportListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List your tickets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, c *app.Client, _ domain.Identity) error {
				tickets, err := call(ctx, c, func(ctx context.Context, token string) ([]domain.SupportTicket, error) {
					return c.API.ListSupportTickets(ctx, token)
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tickets)
				}
				tw := newTable(table.Row{"ID", "Category", "Subject", "Status", "Priority", "Task", "Last message"})
				for _, t := range tickets {
					tw.AppendRow(table.Row{t.ID, t.Category, deref(t.Subject), t.Status, t.Priority, deref(t.RelatedTaskID), t.LastMessageAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func supportShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <ticketId>",
		Short: "Show a ticket conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, c *app.Client, _ domain.Identity) error {
				t, err := call(ctx, c, func(ctx context.Context, token string) (domain.SupportTicketDetail, error) {
					return c.API.GetSupportTicket(ctx, token, args[0])
				})
				if err != nil {
					return err
				}
				return printTicket(t)
			})
		},
	}
}

func printTicket(t domain.SupportTicketDetail) error {
	if viper.GetBool("json") {
		return printJSON(t)
	}
	fmt.Printf("%s [%s] %s (%s)\n", t.ID, t.Category, deref(t.Subject), t.Status)
	for _, m := range t.Messages {
		fmt.Printf("  %s %-5s %s\n", m.CreatedAt, m.AuthorType, m.Message)
	}
	return nil
}

func supportNewCmd() *cobra.Command {
	var category, subject, message, taskID string
	cmd := &cobra.Command{
		Use:   "new",
		Short: "Open a ticket",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, c *app.Client, _ domain.Identity) error {
				req := api.NewTicket{
					Category:      domain.TicketCategory(strings.ToUpper(category)),
					Subject:       optionalString(subject),
					Message:       message,
					RelatedTaskID: optionalString(taskID),
				}
				t, err := call(ctx, c, func(ctx context.Context, token string) (domain.SupportTicketDetail, error) {
					return c.API.CreateSupportTicket(ctx, token, req)
				})
				if err != nil {
					return err
				}
				return printTicket(t)
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", string(domain.CategoryOther), "PAYMENT, SAFETY, QUALITY, CANCELLATION, PRICING, TECH or OTHER")
	cmd.Flags().StringVar(&subject, "subject", "", "subject line")
	cmd.Flags().StringVar(&message, "message", "", "first message")
	cmd.Flags().StringVar(&taskID, "task", "", "related task id")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func supportReplyCmd() *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "reply <ticketId>",
		Short: "Add a message to a ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, c *app.Client, _ domain.Identity) error {
				m, err := call(ctx, c, func(ctx context.Context, token string) (domain.SupportMessage, error) {
					return c.API.AddSupportMessage(ctx, token, args[0], message)
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(m)
				}
				fmt.Printf("Message %s added\n", m.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&message, "message", "", "message text")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}
