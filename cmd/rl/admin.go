package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"repairline/internal/app"
	"repairline/internal/config"
	"repairline/internal/domain"
	"repairline/internal/engine/auth"
	"repairline/internal/report"
	"repairline/internal/repo"
)

func technicianCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "technician",
		Short: "Manage technicians",
	}
	cmd.AddCommand(technicianAddCmd())
	cmd.AddCommand(technicianListCmd())
	cmd.AddCommand(technicianSetActiveCmd("disable", false))
	cmd.AddCommand(technicianSetActiveCmd("enable", true))
	return cmd
}

func technicianAddCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "add <technician-id>",
		Short: "Register a technician",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				t, err := rt.Repo.EnsureTechnician(ctx, args[0], name)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	return cmd
}

func technicianListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List technicians",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Repo.ListTechnicians(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Active", "Created"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Name, t.Active, t.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func technicianSetActiveCmd(use string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <technician-id>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " a technician",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Repo.SetTechnicianActive(ctx, args[0], active); err != nil {
					return err
				}
				fmt.Printf("technician %s %sd\n", args[0], use)
				return nil
			})
		},
	}
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage technician API keys",
	}
	cmd.AddCommand(apiKeyCreateCmd())
	cmd.AddCommand(apiKeyListCmd())
	cmd.AddCommand(apiKeyDeleteCmd())
	return cmd
}

func newRawAPIKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "rl_" + hex.EncodeToString(b), nil
}

func apiKeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key for the acting technician",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTechnician(cmd.Context(), func(ctx context.Context, rt *app.Runtime, techID string) error {
				raw, err := newRawAPIKey()
				if err != nil {
					return err
				}
				key := domain.APIKey{ID: uuid.NewString(), TechnicianID: techID, Name: name, KeyHash: repo.HashAPIKey(raw)}
				if err := rt.Repo.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "technician_id": techID, "key": raw})
				}
				fmt.Printf("api key %s for %s (shown once):\n%s\n", key.ID, techID, raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "label for the key")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var techID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				keys, err := rt.Repo.ListAPIKeys(ctx, techID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Technician", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.TechnicianID, k.Name, k.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&techID, "for", "", "technician filter")
	return cmd
}

func apiKeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Repo.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("api key %s deleted\n", args[0])
				return nil
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Bearer tokens for the HTTP API",
	}
	var ttl time.Duration
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Sign a token for the acting technician with " + app.JWTSecretEnv,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv(app.JWTSecretEnv)
			if secret == "" {
				return fmt.Errorf("%s is not set; run rl config init or export it", app.JWTSecretEnv)
			}
			return withTechnician(cmd.Context(), func(ctx context.Context, rt *app.Runtime, techID string) error {
				token, err := auth.IssueToken(secret, techID, ttl, time.Now())
				if err != nil {
					return err
				}
				fmt.Println(token)
				return nil
			})
		},
	}
	issue.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime (0 for no expiry)")
	cmd.AddCommand(issue)
	return cmd
}

func reportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Reports over recorded work",
	}
	var techID, from, to, xlsxPath string
	timesheet := &cobra.Command{
		Use:   "timesheet",
		Short: "Worked minutes per technician, visit and day",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := report.Filter{TechnicianID: techID}
			var err error
			if from != "" {
				if f.From, err = parseDate(from); err != nil {
					return err
				}
			}
			if to != "" {
				if f.To, err = parseDate(to); err != nil {
					return err
				}
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				orders, err := rt.Repo.LoadAll(ctx)
				if err != nil {
					return err
				}
				rows := report.Timesheet(orders, f)
				if xlsxPath != "" {
					out, err := os.Create(xlsxPath)
					if err != nil {
						return err
					}
					if err := report.WriteXLSX(out, rows); err != nil {
						out.Close()
						return err
					}
					if err := out.Close(); err != nil {
						return err
					}
					fmt.Printf("timesheet with %d rows written to %s\n", len(rows), xlsxPath)
					return nil
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Technician", "Day", "Order", "Visit", "Type", "Status", "Sessions", "Minutes"})
				for _, r := range rows {
					tw.AppendRow(table.Row{r.TechnicianID, r.Day, r.OrderNumber, r.VisitID, r.VisitType, r.VisitStatus, r.Sessions, r.Minutes})
				}
				totals := report.Totals(rows)
				techs := make([]string, 0, len(totals))
				for t := range totals {
					techs = append(techs, t)
				}
				sort.Strings(techs)
				for _, t := range techs {
					tw.AppendFooter(table.Row{t, "", "", "", "", "", "total", totals[t]})
				}
				tw.Render()
				return nil
			})
		},
	}
	timesheet.Flags().StringVar(&techID, "for", "", "technician filter")
	timesheet.Flags().StringVar(&from, "from", "", "first day (inclusive)")
	timesheet.Flags().StringVar(&to, "to", "", "last day (exclusive)")
	timesheet.Flags().StringVar(&xlsxPath, "xlsx", "", "write an Excel workbook instead of printing")
	cmd.AddCommand(timesheet)
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every order and visit change, in the order it was recorded.",
	}
	var f repo.EventFilter
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if f.OrderID != "" {
					if o, err := rt.Repo.Get(ctx, f.OrderID); err == nil {
						f.OrderID = o.ID
					}
				}
				events, err := rt.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				for i := len(events) - 1; i >= 0; i-- {
					evt := events[i]
					fmt.Printf("%d %s %s %s/%s by %s %s\n", evt.ID, evt.TS.Format(time.RFC3339), evt.Type, evt.EntityKind, evt.EntityID, evt.ActorID, evt.Payload)
				}
				return nil
			})
		},
	}
	tail.Flags().IntVarP(&f.Limit, "lines", "n", 20, "number of events")
	tail.Flags().StringVar(&f.Type, "type", "", "event type filter")
	tail.Flags().StringVar(&f.OrderID, "order", "", "order number or id")
	tail.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id filter")
	log.AddCommand(tail)
	return log
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Workspace config",
		Long:  "repairline.yml holds completion rules, visit id settings and the store, lock and notification backends.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default repairline.yml and a JWT secret in .env",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			if os.Getenv(app.JWTSecretEnv) != "" {
				return nil
			}
			secret := make([]byte, 32)
			if _, err := rand.Read(secret); err != nil {
				return err
			}
			envPath := filepath.Join(workspace, ".env")
			if err := setEnvValue(envPath, app.JWTSecretEnv, hex.EncodeToString(secret)); err != nil {
				return err
			}
			fmt.Printf("wrote %s to %s\n", app.JWTSecretEnv, envPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate repairline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}
