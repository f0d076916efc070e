package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/memtensor/dynabot/api"
	"github.com/memtensor/dynabot/pkg/config"
	"github.com/memtensor/dynabot/pkg/engine"
)

func newServeCmd() *cobra.Command {
	var (
		host string
		port int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			if host != "" {
				cfg.API.Host = host
			}
			if port != 0 {
				cfg.API.Port = port
			}

			ctx := cmd.Context()
			log.Info("Starting dynabot", map[string]interface{}{
				"version":    Version,
				"build_time": BuildTime,
				"git_commit": GitCommit,
			})

			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			jobs, err := newMaintenance(a.engine, a.sweepSessions, cfg.Retention, log)
			if err != nil {
				return err
			}
			jobs.Start()
			defer jobs.Stop()

			if configFile != "" {
				err := config.Watch(ctx, configFile, func(next *config.Config) {
					jobs.SetDaysToKeep(next.Retention.DaysToKeep)
					log.Info("configuration reloaded", map[string]interface{}{
						"days_to_keep": next.Retention.DaysToKeep,
						"note":         "other changes apply on restart",
					})
				}, func(err error) {
					log.Warn("ignoring invalid configuration change", map[string]interface{}{"error": err.Error()})
				})
				if err != nil {
					log.Warn("configuration watch disabled", map[string]interface{}{"error": err.Error()})
				}
			}

			server := api.NewServer(a.engine, cfg.API, log,
				api.WithRetention(cfg.Retention),
				api.WithMetrics(a.metrics),
			)
			return server.Start(ctx)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "Override the listen host")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "Override the listen port")
	return cmd
}

func newChatCmd() *cobra.Command {
	var (
		userID  string
		verbose bool
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the assistant in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			r := &repl{
				bot:     a.engine,
				name:    cfg.Chatbot.Name,
				userID:  userID,
				verbose: verbose,
				in:      cmd.InOrStdin(),
				out:     cmd.OutOrStdout(),
			}
			return r.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "cli_user", "User the conversation belongs to")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show confidence and context details for every reply")
	return cmd
}

func newCleanupCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete stored conversations older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("days") {
				days = cfg.Retention.DaysToKeep
			}
			a, err := newApp(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.engine.Cleanup(cmd.Context(), days)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d turns and %d session summaries older than %d days\n",
				result.TurnsDeleted, result.SummariesDeleted, days)
			return nil
		},
	}
	cmd.Flags().IntVarP(&days, "days", "d", 30, "Days of conversations to keep")
	return cmd
}

func newInsightsCmd() *cobra.Command {
	var (
		userID string
		days   int
	)
	cmd := &cobra.Command{
		Use:   "insights",
		Short: "Print what has been learned, as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			return printInsights(cmd, a.engine, userID, days)
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "Restrict to one user (default: everyone)")
	cmd.Flags().IntVarP(&days, "days", "d", 7, "Window in days")
	return cmd
}

func printInsights(cmd *cobra.Command, bot *engine.Engine, userID string, days int) error {
	insights, err := bot.Insights(cmd.Context(), userID, days)
	if err != nil {
		return err
	}
	out := map[string]interface{}{"insights": insights}
	if userID != "" {
		prefs, err := bot.Preferences(cmd.Context(), userID)
		if err != nil {
			return err
		}
		out["preferences"] = prefs
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
