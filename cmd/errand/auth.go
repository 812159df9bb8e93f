package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"errandline/internal/app"
	"errandline/internal/config"
	"errandline/internal/domain"
	"errandline/internal/session"
)

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage errandline.yml"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default errandline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.DefaultYAML), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printConfig(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate errandline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	}
}

func authCmd() *cobra.Command {
	auth := &cobra.Command{Use: "auth", Short: "Sign in and out"}
	otp := &cobra.Command{Use: "otp", Short: "Phone one-time code sign-in"}
	otp.AddCommand(otpStartCmd())
	otp.AddCommand(otpVerifyCmd())
	auth.AddCommand(otp)
	auth.AddCommand(loginCmd())
	auth.AddCommand(signupCmd())
	auth.AddCommand(logoutCmd())
	auth.AddCommand(whoamiCmd())
	return auth
}

func otpStartCmd() *cobra.Command {
	var phone, role, channel string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Send a sign-in code to a phone",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := domain.ParseRole(role)
			if err != nil {
				return err
			}
			return withClient(cmd.Context(), func(ctx context.Context, c *app.Client) error {
				if channel == "" {
					channel = c.Config.Auth.OTPChannel
				}
				res, err := c.Session.StartOTP(ctx, phone, r, channel)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Code sent to %s\n", phone)
				if code := res.Code(); code != "" && c.Config.Dev.ShowOTP {
					fmt.Printf("Dev code: %s\n", code)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&phone, "phone", "", "phone number")
	cmd.Flags().StringVar(&role, "role", "BUYER", "BUYER or HELPER")
	cmd.Flags().StringVar(&channel, "channel", "", "delivery channel (sms, call, whatsapp)")
	_ = cmd.MarkFlagRequired("phone")
	return cmd
}

func otpVerifyCmd() *cobra.Command {
	var phone, role, code string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Exchange a sign-in code for a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := domain.ParseRole(role)
			if err != nil {
				return err
			}
			return withClient(cmd.Context(), func(ctx context.Context, c *app.Client) error {
				id, err := c.Session.Authenticate(ctx, session.OTPVerify{Phone: phone, Code: code, Role: r})
				if err != nil {
					return err
				}
				return printIdentity(id)
			})
		},
	}
	cmd.Flags().StringVar(&phone, "phone", "", "phone number")
	cmd.Flags().StringVar(&role, "role", "BUYER", "BUYER or HELPER")
	cmd.Flags().StringVar(&code, "code", "", "code received")
	_ = cmd.MarkFlagRequired("phone")
	_ = cmd.MarkFlagRequired("code")
	return cmd
}

func loginCmd() *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with email and password",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = os.Getenv("ERRANDLINE_PASSWORD")
			}
			return withClient(cmd.Context(), func(ctx context.Context, c *app.Client) error {
				id, err := c.Session.Authenticate(ctx, session.PasswordLogin{Email: email, Password: password})
				if err != nil {
					return err
				}
				return printIdentity(id)
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "email")
	cmd.Flags().StringVar(&password, "password", "", "password (or ERRANDLINE_PASSWORD)")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func signupCmd() *cobra.Command {
	var m session.PasswordSignup
	var role string
	cmd := &cobra.Command{
		Use:   "signup",
		Short: "Create an email and password account",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := domain.ParseRole(role)
			if err != nil {
				return err
			}
			m.Role = r
			if m.Password == "" {
				m.Password = os.Getenv("ERRANDLINE_PASSWORD")
			}
			return withClient(cmd.Context(), func(ctx context.Context, c *app.Client) error {
				id, err := c.Session.Authenticate(ctx, m)
				if err != nil {
					return err
				}
				return printIdentity(id)
			})
		},
	}
	cmd.Flags().StringVar(&m.Email, "email", "", "email")
	cmd.Flags().StringVar(&m.Password, "password", "", "password (or ERRANDLINE_PASSWORD)")
	cmd.Flags().StringVar(&m.Phone, "phone", "", "phone number")
	cmd.Flags().StringVar(&m.DisplayName, "name", "", "display name")
	cmd.Flags().StringVar(&role, "role", "BUYER", "BUYER or HELPER")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *app.Client) error {
				if err := c.Session.SignOut(ctx); err != nil {
					return err
				}
				fmt.Println("Signed out")
				return nil
			})
		},
	}
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, c *app.Client, _ domain.Identity) error {
				me, err := call(ctx, c, func(ctx context.Context, token string) (domain.MeProfile, error) {
					return c.API.GetMe(ctx, token)
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(me)
				}
				tw := newTable(table.Row{"ID", "Role", "Phone", "Email", "Name", "Balance"})
				balance := ""
				if me.DemoBalancePaise != nil {
					balance = rupees(*me.DemoBalancePaise)
				}
				tw.AppendRow(table.Row{me.ID, me.Role, deref(me.Phone), deref(me.Email), deref(me.DisplayName), balance})
				tw.Render()
				return nil
			})
		},
	}
}
