package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"errandline/internal/app"
	"errandline/internal/config"
	"errandline/internal/domain"
	"errandline/internal/geo"
	"errandline/internal/session"
)

var rootCmd = &cobra.Command{
	Use:   "errand",
	Short: "Errandline CLI",
	Long: `Errandline is a client for a two-sided errand marketplace.
Core concepts:
- Buyer: posts a task with a budget and a location, then watches a helper come and do it.
- Helper: goes online near tasks, receives offers, accepts one and works through it.
- Lifecycle: SEARCHING -> ASSIGNED -> ARRIVED -> STARTED -> COMPLETED, one step at a time.
- Checkpoints: an arrival photo before ARRIVED, the buyer's arrival code to start, a completion photo plus the completion code to finish.
- Tracking: the helper's position streams over the realtime channel; the buyer sees distance and ETA.
- Workspace: errandline.yml plus the sealed credential store under storage.data_dir.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ERRANDLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("api-url", "", "backend base url (overrides api.base_url)")
	rootCmd.PersistentFlags().String("realtime-url", "", "realtime url (overrides realtime.url)")
	rootCmd.PersistentFlags().String("at", "", "device position as lat,lng")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides log.level)")
	for _, name := range []string{"workspace", "json", "api-url", "realtime-url", "at", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(authCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(helperCmd())
	rootCmd.AddCommand(trackCmd())
	rootCmd.AddCommand(supportCmd())
	rootCmd.AddCommand(devCmd())
}

// loadConfig reads the workspace config and applies flag and environment overrides.
func loadConfig() (*config.Config, error) {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("api-url"); v != "" {
		cfg.API.BaseURL = v
	}
	if v := viper.GetString("realtime-url"); v != "" {
		cfg.Realtime.URL = v
	}
	if v := viper.GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if !filepath.IsAbs(cfg.Storage.DataDir) {
		cfg.Storage.DataDir = filepath.Join(workspace, cfg.Storage.DataDir)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// devicePosition is the --at flag, falling back to dev.fallback_location.
func devicePosition(cfg *config.Config) (geo.PositionSource, error) {
	if raw := viper.GetString("at"); raw != "" {
		p, ok := domain.ParseLatLng(raw)
		if !ok {
			return nil, fmt.Errorf("--at %q must be lat,lng", raw)
		}
		return geo.NewStaticSource(p, cfg.Tracking.PublishInterval), nil
	}
	if p, ok := cfg.FallbackLocation(); ok {
		return geo.NewStaticSource(p, cfg.Tracking.PublishInterval), nil
	}
	return nil, nil
}

func withClient(ctx context.Context, fn func(context.Context, *app.Client) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := app.NewLogger(cfg.Log.Level)
	if err != nil {
		return err
	}
	defer log.Sync()
	positions, err := devicePosition(cfg)
	if err != nil {
		return err
	}
	c, err := app.Open(ctx, cfg, app.Options{Positions: positions, Log: log})
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}

// withSession is withClient for commands that need a signed-in user.
func withSession(ctx context.Context, fn func(context.Context, *app.Client, domain.Identity) error) error {
	return withClient(ctx, func(ctx context.Context, c *app.Client) error {
		id, ok := c.Session.CurrentIdentity()
		if !ok {
			return fmt.Errorf("not signed in; run errand auth otp start")
		}
		return fn(ctx, c, id)
	})
}

func call[T any](ctx context.Context, c *app.Client, op func(ctx context.Context, token string) (T, error)) (T, error) {
	return session.Do(ctx, c.Session, op)
}

func printConfig(cfg *config.Config) error {
	if viper.GetBool("json") {
		return printJSON(cfg)
	}
	rows, err := configRows(cfg)
	if err != nil {
		return err
	}
	tw := newTable(table.Row{"Key", "Value"})
	for _, r := range rows {
		tw.AppendRow(table.Row{r[0], r[1]})
	}
	tw.Render()
	return nil
}

// configRows flattens cfg into sorted dotted yaml keys, the names errandline.yml uses.
func configRows(cfg *config.Config) ([][2]string, error) {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var tree map[string]any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return nil, err
	}
	var rows [][2]string
	var walk func(prefix string, v any)
	walk = func(prefix string, v any) {
		m, ok := v.(map[string]any)
		if !ok {
			rows = append(rows, [2]string{prefix, fmt.Sprint(v)})
			return
		}
		for k, child := range m {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			walk(key, child)
		}
	}
	walk("", tree)
	sort.Slice(rows, func(i, j int) bool { return rows[i][0] < rows[j][0] })
	return rows, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
}

func printIdentity(id domain.Identity) error {
	if viper.GetBool("json") {
		return printJSON(id)
	}
	tw := newTable(table.Row{"ID", "Role", "Phone", "Email", "Name"})
	tw.AppendRow(table.Row{id.ID, id.Role, id.Phone, deref(id.Email), deref(id.DisplayName)})
	tw.Render()
	return nil
}

func rupees(paise int64) string {
	sign := ""
	if paise < 0 {
		sign, paise = "-", -paise
	}
	return fmt.Sprintf("%s₹%d.%02d", sign, paise/100, paise%100)
}

func deref[T any](p *T) any {
	if p == nil {
		return ""
	}
	return *p
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func waitFor(ctx context.Context, d time.Duration) {
	if d <= 0 {
		<-ctx.Done()
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
