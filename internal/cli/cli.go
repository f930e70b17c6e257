// Package cli implements worklogctl, the operator tool for running and
// inspecting collections outside the scheduler.
//
//	worklogctl
//	├── collect      --user ID [--date YYYY-MM-DD]   run one user's collection now
//	├── collect-all                                  run the bulk collection once
//	├── enqueue      --user ID [--date YYYY-MM-DD]   queue a manual sync for the worker
//	├── daily        --user ID --date YYYY-MM-DD     print a stored daily work log
//	├── sync-users   [--only jira|slack]             copy the Jira and Slack user directories
//	├── assign       --user ID --jira ACCOUNT|--slack MEMBER
//	│                                                link a synced account to a user
//	└── token        --user ID [--ttl 24h]           issue an API token
//
// --config points at a YAML file; environment variables still override it.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/suPer8Hu/worklog/internal/app"
	"github.com/suPer8Hu/worklog/internal/common"
	"github.com/suPer8Hu/worklog/internal/config"
	"github.com/suPer8Hu/worklog/internal/httpapi/middleware"
	"github.com/suPer8Hu/worklog/internal/logging"
	"github.com/suPer8Hu/worklog/internal/metrics"
	"github.com/suPer8Hu/worklog/internal/platform"
	"github.com/suPer8Hu/worklog/internal/store/rabbitmq"
	"github.com/suPer8Hu/worklog/internal/users"
	"github.com/suPer8Hu/worklog/internal/worklog"
	"gorm.io/gorm"
)

var Version = "dev"

type rootOptions struct {
	configFile string
}

func BuildCLI() *cobra.Command {
	o := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "worklogctl",
		Short: "Operate the daily work log collector",
		Long: `worklogctl runs and inspects daily work log collections:
- run a user's collection or the bulk pass on demand
- queue manual syncs for the worker
- read stored daily logs`,
		Version:      Version,
		SilenceUsage: true,
	}
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if o.configFile != "" {
			return os.Setenv("CONFIG_FILE", o.configFile)
		}
		return nil
	}

	rootCmd.PersistentFlags().StringVarP(&o.configFile, "config", "c", "", "YAML config file (overrides CONFIG_FILE)")

	rootCmd.AddCommand(buildCollectCommand())
	rootCmd.AddCommand(buildCollectAllCommand())
	rootCmd.AddCommand(buildEnqueueCommand())
	rootCmd.AddCommand(buildDailyCommand())
	rootCmd.AddCommand(buildSyncUsersCommand())
	rootCmd.AddCommand(buildAssignCommand())
	rootCmd.AddCommand(buildTokenCommand())

	return rootCmd
}

func buildCollectCommand() *cobra.Command {
	var userID uint64
	var date string

	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Collect and summarize one user's day now",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := optionalDate(date)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				c, err := a.Collector(ctx)
				if err != nil {
					return err
				}
				job, err := c.CollectUser(ctx, userID, d, metrics.TriggerCLI)
				if err != nil {
					return err
				}
				if job == nil {
					return fmt.Errorf("collection for user %d is already running", userID)
				}
				printJob(cmd.OutOrStdout(), job)
				return nil
			})
		},
	}

	cmd.Flags().Uint64VarP(&userID, "user", "u", 0, "user id")
	cmd.Flags().StringVarP(&date, "date", "d", "", "target date YYYY-MM-DD (default: yesterday in the user's timezone)")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func buildCollectAllCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "collect-all",
		Short: "Run yesterday's collection for every user once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				c, err := a.Collector(ctx)
				if err != nil {
					return err
				}
				res, err := c.CollectAll(ctx, metrics.TriggerCLI)
				if err != nil {
					return err
				}
				if res.Skipped {
					return errors.New("bulk collection is already running")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "users=%d succeeded=%d failed=%d busy=%d unlinked=%d\n",
					res.Users, res.Succeeded, res.Failed, res.Busy, res.Unlinked)
				return nil
			})
		},
	}
}

func buildEnqueueCommand() *cobra.Command {
	var userID uint64
	var date string

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a manual sync for the worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := optionalDate(date)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if d.IsZero() {
					u, err := a.Users.FindByID(ctx, userID)
					if err != nil {
						return fmt.Errorf("load user %d: %w", userID, err)
					}
					d = u.Yesterday(time.Now())
				}
				jobID, err := common.NewULID()
				if err != nil {
					return err
				}
				pub, err := rabbitmq.NewPublisher(a.Cfg.RabbitURL, a.Cfg.RabbitQueue)
				if err != nil {
					return fmt.Errorf("rabbit publisher: %w", err)
				}
				defer pub.Close()

				msg := rabbitmq.JobMessage{JobID: jobID, UserID: userID, TargetDate: d.Format(time.DateOnly)}
				if err := pub.PublishJob(ctx, msg); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "queued job %s for user %d on %s\n", jobID, userID, msg.TargetDate)
				return nil
			})
		},
	}

	cmd.Flags().Uint64VarP(&userID, "user", "u", 0, "user id")
	cmd.Flags().StringVarP(&date, "date", "d", "", "target date YYYY-MM-DD (default: yesterday in the user's timezone)")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func buildDailyCommand() *cobra.Command {
	var userID uint64
	var date string

	cmd := &cobra.Command{
		Use:   "daily",
		Short: "Print a stored daily work log",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := worklog.ParseDate(date)
			if err != nil {
				return fmt.Errorf("--date: %w", err)
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				l, err := a.WorkLogs.DailyWorkLog(ctx, worklog.NewKey(userID, d))
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), l.Content)
				return nil
			})
		},
	}

	cmd.Flags().Uint64VarP(&userID, "user", "u", 0, "user id")
	cmd.Flags().StringVarP(&date, "date", "d", "", "target date YYYY-MM-DD")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("date")

	return cmd
}

func buildSyncUsersCommand() *cobra.Command {
	var only string

	cmd := &cobra.Command{
		Use:   "sync-users",
		Short: "Copy new Jira and Slack directory accounts into the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			if only != "" && only != "jira" && only != "slack" {
				return fmt.Errorf("--only must be jira or slack, got %q", only)
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				s := a.UserSyncer()
				runs := []struct {
					name string
					fn   func(context.Context) (users.SyncResult, error)
				}{
					{"jira", s.SyncJiraUsers},
					{"slack", s.SyncSlackUsers},
				}
				for _, r := range runs {
					if only != "" && only != r.name {
						continue
					}
					res, err := r.fn(ctx)
					if err != nil {
						return fmt.Errorf("%s: %w", r.name, err)
					}
					if res.Skipped {
						fmt.Fprintf(cmd.OutOrStdout(), "%s: already running\n", r.name)
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s: fetched=%d added=%d\n", r.name, res.Fetched, res.Added)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&only, "only", "", "sync a single directory: jira or slack")

	return cmd
}

func buildAssignCommand() *cobra.Command {
	var userID uint64
	var jiraAccount, jiraProject, slackMember string

	cmd := &cobra.Command{
		Use:   "assign",
		Short: "Link a synced Jira account or Slack member to a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (jiraAccount == "") == (slackMember == "") {
				return errors.New("exactly one of --jira or --slack is required")
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				var err error
				if jiraAccount != "" {
					err = a.Users.AssignJiraUser(ctx, userID, jiraAccount, jiraProject)
				} else {
					err = a.Users.AssignSlackUser(ctx, userID, slackMember)
				}
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return errors.New("account not found; run sync-users first")
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "user %d linked\n", userID)
				return nil
			})
		},
	}

	cmd.Flags().Uint64VarP(&userID, "user", "u", 0, "user id")
	cmd.Flags().StringVar(&jiraAccount, "jira", "", "Jira account id")
	cmd.Flags().StringVar(&jiraProject, "project", "", "Jira project key (default: the synced project)")
	cmd.Flags().StringVar(&slackMember, "slack", "", "Slack member id")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func buildTokenCommand() *cobra.Command {
	var userID uint64
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == 0 {
				return errors.New("--user must be positive")
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			tok, err := middleware.IssueToken(cfg.JWTSecret, userID, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}

	cmd.Flags().Uint64VarP(&userID, "user", "u", 0, "user id")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

// withApp loads config, logs to stderr and hands fn a connected App.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.Setup(cfg.LogLevel, false).Output(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr()})

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func optionalDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	d, err := worklog.ParseDate(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("--date: %w", err)
	}
	return d, nil
}

func printJob(w io.Writer, job *worklog.Job) {
	fmt.Fprintf(w, "job %s user=%d date=%s took=%s\n",
		job.ID, job.UserID, job.Key().Date(), job.FinishedAt.Sub(job.StartedAt).Round(time.Millisecond))
	for _, p := range platform.Collected() {
		r, ok := job.Results[p]
		if !ok {
			continue
		}
		line := fmt.Sprintf("  %-6s %-14s items=%d", p, r.Status, r.Items)
		if r.Err != nil {
			line += " err=" + r.Err.Error()
		}
		fmt.Fprintln(w, line)
	}
}
