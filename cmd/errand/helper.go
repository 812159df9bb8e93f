package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"errandline/internal/api"
	"errandline/internal/app"
	"errandline/internal/domain"
	"errandline/internal/gateway"
)

func helperCmd() *cobra.Command {
	helper := &cobra.Command{Use: "helper", Short: "Helper availability, verification and offers"}
	helper.AddCommand(helperOnlineCmd())
	helper.AddCommand(helperOfflineCmd())
	helper.AddCommand(helperProfileCmd())
	helper.AddCommand(helperKYCCmd())
	helper.AddCommand(helperOffersCmd())
	return helper
}

func helperOnlineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "online",
		Short: "Become eligible for nearby offers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, c *app.Client, _ domain.Identity) error {
				loc, err := c.Tasks.GoOnline(ctx)
				if err != nil {
					return err
				}
				if loc == nil {
					fmt.Println("Online (no position shared)")
					return nil
				}
				fmt.Printf("Online at %.5f,%.5f\n", loc.Lat, loc.Lng)
				return nil
			})
		},
	}
}

func helperOfflineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "offline",
		Short: "Stop receiving offers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, c *app.Client, _ domain.Identity) error {
				if err := c.Tasks.GoOffline(ctx); err != nil {
					return err
				}
				fmt.Println("Offline")
				return nil
			})
		},
	}
}

func helperProfileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "profile",
		Short: "Show verification status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, c *app.Client, _ domain.Identity) error {
				p, err := call(ctx, c, func(ctx context.Context, token string) (domain.HelperProfile, error) {
					return c.API.HelperProfile(ctx, token)
				})
				if err != nil {
					return err
				}
				return printProfile(p)
			})
		},
	}
}

func printProfile(p domain.HelperProfile) error {
	if viper.GetBool("json") {
		return printJSON(p)
	}
	status := string(p.KYCStatus)
	if status == "" {
		status = "NOT_SUBMITTED"
	}
	tw := newTable(table.Row{"KYC", "Name", "Submitted", "Reason"})
	tw.AppendRow(table.Row{status, deref(p.KYCFullName), deref(p.KYCSubmittedAt), deref(p.KYCRejectionReason)})
	tw.Render()
	return nil
}

func helperKYCCmd() *cobra.Command {
	var name, idNumber, front, back, selfie string
	cmd := &cobra.Command{
		Use:   "kyc",
		Short: "Submit identity documents for review",
		RunE: func(cmd *cobra.Command, args []string) error {
			sub := api.KYCSubmission{FullName: name, IDNumber: idNumber}
			for _, f := range []struct {
				dst   *gateway.File
				field string
				path  string
			}{{&sub.IDFront, "idFront", front}, {&sub.IDBack, "idBack", back}, {&sub.Selfie, "selfie", selfie}} {
				img, err := readImage(f.path)
				if err != nil {
					return fmt.Errorf("%s: %w", f.field, err)
				}
				*f.dst = gateway.File{Field: f.field, Name: img.Name, ContentType: img.ContentType, Data: img.Data}
			}
			return withSession(cmd.Context(), func(ctx context.Context, c *app.Client, _ domain.Identity) error {
				p, err := call(ctx, c, func(ctx context.Context, token string) (domain.HelperProfile, error) {
					return c.API.SubmitKYC(ctx, token, sub)
				})
				if err != nil {
					return err
				}
				return printProfile(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "full legal name")
	cmd.Flags().StringVar(&idNumber, "id-number", "", "identity document number")
	cmd.Flags().StringVar(&front, "front", "", "document front image")
	cmd.Flags().StringVar(&back, "back", "", "document back image")
	cmd.Flags().StringVar(&selfie, "selfie", "", "selfie image")
	for _, f := range []string{"name", "id-number", "front", "back", "selfie"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

func helperOffersCmd() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "offers",
		Short: "Listen for task offers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, c *app.Client, id domain.Identity) error {
				if id.Role != domain.RoleHelper {
					return fmt.Errorf("offers are for helpers; signed in as %s", id.Role)
				}
				c.Follow(ctx)
				fmt.Fprintf(os.Stderr, "Listening for offers (%s)...\n", waitLabel(wait))
				waitFor(ctx, wait)
				offers := c.Tasks.Offers()
				if viper.GetBool("json") {
					return printJSON(offers)
				}
				if len(offers) == 0 {
					fmt.Println("No offers")
					return nil
				}
				tw := newTable(table.Row{"Task", "Title", "Urgency", "Budget", "Minutes", "Distance"})
				for _, o := range offers {
					tw.AppendRow(table.Row{o.TaskID, o.Title, o.Urgency, rupees(o.BudgetPaise), o.TimeMinutes, fmt.Sprintf("%.0f m", o.DistanceMeters)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 30*time.Second, "how long to listen (0 waits for Ctrl-C)")
	return cmd
}

func waitLabel(d time.Duration) string {
	if d <= 0 {
		return "Ctrl-C to stop"
	}
	return d.String()
}
