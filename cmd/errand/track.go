package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"errandline/internal/app"
	"errandline/internal/domain"
	"errandline/internal/geo"
)

func trackCmd() *cobra.Command {
	var (
		replay string
		every  time.Duration
		limit  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "track <taskId>",
		Short: "Share (helper) or follow (buyer) live position for a task",
		Long: `As a helper, track streams the device position into the task room until
interrupted. --replay feeds a file of lat,lng lines instead of the device.
As a buyer, track prints the helper's distance and ETA until the task is
completed or --for elapses.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, c *app.Client, id domain.Identity) error {
				if limit > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, limit)
					defer cancel()
				}
				c.Follow(ctx)
				if _, err := c.Tasks.Load(ctx, args[0]); err != nil {
					return err
				}
				if id.Role == domain.RoleHelper {
					return shareLocation(ctx, c, args[0], replay)
				}
				return followHelper(ctx, c, args[0], every)
			})
		},
	}
	cmd.Flags().StringVar(&replay, "replay", "", "file of lat,lng lines to publish instead of the device position")
	cmd.Flags().DurationVar(&every, "every", 2*time.Second, "buyer refresh interval")
	cmd.Flags().DurationVar(&limit, "for", 0, "stop after this long (0 runs until Ctrl-C)")
	return cmd
}

func shareLocation(ctx context.Context, c *app.Client, taskID, replay string) error {
	var source geo.PositionSource
	if replay != "" {
		f, err := os.Open(replay)
		if err != nil {
			return err
		}
		points, err := geo.ReadPoints(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("%s: %w", replay, err)
		}
		source = &geo.ReplaySource{Points: points, Interval: c.Config.Tracking.PublishInterval}
	} else {
		src, err := devicePosition(c.Config)
		if err != nil {
			return err
		}
		if src == nil {
			return fmt.Errorf("no device position; pass --at lat,lng or --replay")
		}
		source = src
	}
	pub := c.Publisher(source, taskID)
	if err := pub.Start(ctx); err != nil {
		return err
	}
	defer pub.Stop()
	c.Log.Info("sharing location", zap.String("task", taskID))
	fmt.Fprintln(os.Stderr, "Sharing location; Ctrl-C to stop")
	<-ctx.Done()
	return nil
}

func followHelper(ctx context.Context, c *app.Client, taskID string, every time.Duration) error {
	if every <= 0 {
		every = 2 * time.Second
	}
	obs := c.Tasks.Observer(taskID)
	if obs == nil {
		return fmt.Errorf("task %s has no usable location", taskID)
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		v, _ := c.Tasks.View(taskID)
		snap := obs.Snapshot()
		if err := printTracking(v.Task, snap); err != nil {
			return err
		}
		if v.Task.Status.Terminal() {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

func printTracking(t domain.Task, s geo.Tracking) error {
	if viper.GetBool("json") {
		return printJSON(struct {
			Status   domain.TaskStatus `json:"status"`
			Tracking geo.Tracking      `json:"tracking"`
		}{t.Status, s})
	}
	if s.Position == nil {
		fmt.Printf("%s  waiting for helper position\n", t.Status)
		return nil
	}
	state := fmt.Sprintf("%.0f m away, ETA %d min", s.DistanceMeters, s.ETAMinutes)
	if s.Arrived {
		state = "arrived"
	}
	fmt.Printf("%s  %.5f,%.5f  %s  (updated %ds ago)\n", t.Status, s.Position.Lat, s.Position.Lng, state, s.SecondsSinceUpdate)
	return nil
}
