package main

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"errandline/internal/app"
	"errandline/internal/domain"
	"errandline/internal/lifecycle"
)

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Post, claim and work through tasks"}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskAcceptCmd())
	task.AddCommand(taskAdvanceCmd())
	task.AddCommand(taskEvidenceCmd())
	task.AddCommand(taskRateCmd())
	task.AddCommand(taskEventsCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var (
		title, description, urgency, address string
		minutes                              int
		budget                               int64
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Post a task at the device position",
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := domain.ParseUrgency(urgency)
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, c *app.Client, _ domain.Identity) error {
				loc, ok := c.Config.FallbackLocation()
				if raw := viper.GetString("at"); raw != "" {
					loc, ok = domain.ParseLatLng(raw)
				}
				if !ok {
					return fmt.Errorf("task location unknown; pass --at lat,lng")
				}
				res, err := c.Tasks.Create(ctx, domain.CreateTaskRequest{
					Title:       title,
					Description: description,
					Urgency:     u,
					TimeMinutes: minutes,
					BudgetPaise: budget,
					Lat:         loc.Lat,
					Lng:         loc.Lng,
					AddressText: optionalString(address),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Task %s posted, offered to %d helper(s)\n", res.TaskID, len(res.OfferedTo))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "short title")
	cmd.Flags().StringVar(&description, "description", "", "what needs doing")
	cmd.Flags().StringVar(&urgency, "urgency", string(domain.UrgencyNormal), "LOW, NORMAL, HIGH or CRITICAL")
	cmd.Flags().IntVar(&minutes, "minutes", 30, "expected duration in minutes")
	cmd.Flags().Int64Var(&budget, "budget-paise", 0, "budget in paise")
	cmd.Flags().StringVar(&address, "address", "", "address text")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <taskId>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, c *app.Client, _ domain.Identity) error {
				v, err := c.Tasks.Load(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(v.Task)
				}
				printTasks([]domain.Task{v.Task})
				t := v.Task
				if t.ArrivalOTP != nil {
					fmt.Printf("Arrival code: %s\n", *t.ArrivalOTP)
				}
				if t.CompletionOTP != nil {
					fmt.Printf("Completion code: %s\n", *t.CompletionOTP)
				}
				for _, stage := range []domain.EvidenceStage{domain.StageArrival, domain.StageCompletion} {
					if t.HasEvidence(stage) {
						fmt.Printf("%s evidence on file\n", stage)
					}
				}
				return nil
			})
		},
	}
}

func taskListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tasks you posted or work on",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, c *app.Client, _ domain.Identity) error {
				tasks, err := c.Tasks.List(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				if len(tasks) == 0 {
					fmt.Println("No tasks")
					return nil
				}
				printTasks(tasks)
				return nil
			})
		},
	}
}

func printTasks(tasks []domain.Task) {
	tw := newTable(table.Row{"ID", "Title", "Status", "Urgency", "Budget", "Helper", "Created"})
	for _, t := range tasks {
		tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.Urgency, rupees(t.BudgetPaise), deref(t.AssignedHelperID), t.CreatedAt})
	}
	tw.Render()
}

func taskAcceptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accept <taskId>",
		Short: "Claim an offered task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, c *app.Client, _ domain.Identity) error {
				t, err := c.Tasks.Accept(ctx, args[0])
				if err != nil {
					return err
				}
				return printTask(t, "Accepted")
			})
		},
	}
}

func taskAdvanceCmd() *cobra.Command {
	var to, code string
	cmd := &cobra.Command{
		Use:   "advance <taskId>",
		Short: "Move a task one step forward",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, c *app.Client, _ domain.Identity) error {
				target, err := advanceTarget(ctx, c, args[0], to)
				if err != nil {
					return err
				}
				t, err := c.Tasks.Advance(ctx, args[0], target, code)
				if err != nil {
					return err
				}
				return printTask(t, "Now")
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target status (defaults to the next one)")
	cmd.Flags().StringVar(&code, "code", "", "arrival or completion code")
	return cmd
}

func advanceTarget(ctx context.Context, c *app.Client, taskID, to string) (domain.TaskStatus, error) {
	if to != "" {
		return domain.ParseStatus(to)
	}
	v, err := c.Tasks.Load(ctx, taskID)
	if err != nil {
		return "", err
	}
	next, ok := v.Task.Status.Next()
	if !ok {
		return "", fmt.Errorf("task %s is already %s", taskID, v.Task.Status)
	}
	return next, nil
}

func taskEvidenceCmd() *cobra.Command {
	var stage, file string
	cmd := &cobra.Command{
		Use:   "evidence <taskId>",
		Short: "Upload an arrival or completion photo",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, err := readImage(file)
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, c *app.Client, _ domain.Identity) error {
				ev, err := c.Tasks.CaptureEvidence(ctx, args[0], domain.EvidenceStage(stage), img)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ev)
				}
				fmt.Printf("%s evidence stored at %.5f,%.5f\n", ev.Stage, ev.Location.Lat, ev.Location.Lng)
				if ev.AddressText != "" {
					fmt.Println(ev.AddressText)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", string(domain.StageArrival), "ARRIVAL or COMPLETION")
	cmd.Flags().StringVar(&file, "file", "", "image file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func readImage(path string) (lifecycle.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return lifecycle.Image{}, err
	}
	ct := mime.TypeByExtension(filepath.Ext(path))
	if ct == "" {
		ct = "image/jpeg"
	}
	return lifecycle.Image{Name: filepath.Base(path), ContentType: ct, Data: data}, nil
}

func taskRateCmd() *cobra.Command {
	var stars int
	var comment string
	cmd := &cobra.Command{
		Use:   "rate <taskId>",
		Short: "Rate the other party of a completed task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, c *app.Client, _ domain.Identity) error {
				t, err := c.Tasks.Rate(ctx, args[0], stars, comment)
				if err != nil {
					return err
				}
				return printTask(t, "Rated")
			})
		},
	}
	cmd.Flags().IntVar(&stars, "stars", 5, "1 to 5")
	cmd.Flags().StringVar(&comment, "comment", "", "optional comment")
	return cmd
}

func taskEventsCmd() *cobra.Command {
	var after int64
	var limit int
	cmd := &cobra.Command{
		Use:   "events <taskId>",
		Short: "Show a task's audit log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, c *app.Client, _ domain.Identity) error {
				events, err := call(ctx, c, func(ctx context.Context, token string) ([]domain.TaskEvent, error) {
					return c.API.ListTaskEvents(ctx, token, args[0], after, limit)
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable(table.Row{"ID", "Time", "Type", "Actor"})
				for _, ev := range events {
					tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "only events after this id")
	cmd.Flags().IntVar(&limit, "limit", 100, "page size")
	return cmd
}

func printTask(t domain.Task, verb string) error {
	if viper.GetBool("json") {
		return printJSON(t)
	}
	fmt.Printf("%s: %s is %s\n", verb, t.ID, t.Status)
	return nil
}
