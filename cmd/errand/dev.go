package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"errandline/internal/app"
	"errandline/internal/config"
	"errandline/internal/db"
	"errandline/internal/domain"
	"errandline/internal/engine"
	"errandline/internal/migrate"
	"errandline/internal/server"
)

const serverDBName = "server.db"

func devCmd() *cobra.Command {
	dev := &cobra.Command{Use: "dev", Short: "Local marketplace backend for development"}
	dev.AddCommand(devServeCmd())
	dev.AddCommand(devKYCCmd())
	return dev
}

// openBackend opens and migrates the local backend database.
func openBackend(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	conn, err := db.Open(db.Config{DataDir: cfg.Storage.DataDir, Name: serverDBName})
	if err != nil {
		return nil, err
	}
	if err := migrate.Apply(ctx, conn, migrate.Server); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func devServeCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the local marketplace API and realtime hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if s := os.Getenv("ERRANDLINE_JWT_SECRET"); s != "" {
				cfg.Dev.JWTSecret = s
			}
			if cfg.Dev.JWTSecret == "" {
				return fmt.Errorf("dev.jwt_secret or ERRANDLINE_JWT_SECRET is required")
			}
			if addr == "" {
				addr = cfg.Dev.ServerAddr
			}
			log, err := app.NewLogger(cfg.Log.Level)
			if err != nil {
				return err
			}
			defer log.Sync()

			conn, err := openBackend(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer conn.Close()

			e := engine.New(conn, cfg)
			e.Log = log.Named("engine")
			hub := server.NewHub(e, log.Named("hub"))
			e.Notify = hub
			handler, err := server.New(server.Config{Engine: e, Hub: hub, BasePath: basePath, Dev: true, Log: log})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				hub.Close()
				srv.Shutdown(ctx)
			}()
			log.Info("serving", zap.String("addr", addr), zap.String("base_path", basePath))
			fmt.Printf("Serving Errandline API on http://%s%s (OpenAPI at /openapi.json, realtime at ws://%s/ws)\n", addr, basePath, addr)
			if !strings.Contains(cfg.Realtime.URL, addr) {
				fmt.Printf("Hint: point clients at it with --api-url http://%s --realtime-url http://%s\n", addr, addr)
			}
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to dev.server_addr)")
	cmd.Flags().StringVar(&basePath, "base-path", server.DefaultBasePath, "API base path")
	return cmd
}

func devKYCCmd() *cobra.Command {
	var status, reason string
	cmd := &cobra.Command{
		Use:   "kyc <helperId>",
		Short: "Approve or reject a helper's KYC in the local backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			conn, err := openBackend(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer conn.Close()
			p, err := engine.New(conn, cfg).DecideKYC(cmd.Context(), args[0], domain.KYCStatus(strings.ToUpper(status)), reason)
			if err != nil {
				return err
			}
			return printProfile(p)
		},
	}
	cmd.Flags().StringVar(&status, "status", string(domain.KYCApproved), "APPROVED, REJECTED or PENDING")
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	return cmd
}
