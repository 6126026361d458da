package cli

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"mailpilot/internal/triage"
	"mailpilot/migrations"
	"mailpilot/pkg/auth"
	"mailpilot/pkg/db"
	"mailpilot/pkg/outbox"
)

func parseUserID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid user id %q", s)
	}
	return id, nil
}

func newMigrateCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back database migrations",
	}
	for _, dir := range []db.MigrateDirection{db.MigrateUp, db.MigrateDown} {
		cmd.AddCommand(&cobra.Command{
			Use:   string(dir),
			Short: fmt.Sprintf("Migrate %s (down rolls back one version)", dir),
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, log, err := opts.load()
				if err != nil {
					return err
				}
				defer log.Sync()
				return db.Migrate(cfg.DB, migrations.FS, dir, log)
			},
		})
	}
	return cmd
}

func newSyncCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "sync <user-id>...",
		Short: "Run one sync and triage cycle for one or more users in the foreground",
		Long: `Sync runs the same cycle as the worker for each user. Different users are
synced concurrently up to runner.concurrency; a failing user does not stop the others.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, arg := range args {
				id, err := parseUserID(arg)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}
			infra, err := opts.infra()
			if err != nil {
				return err
			}
			defer infra.Close()

			pipeline, err := infra.NewPipeline(cmd.Context(), infra.Gmail())
			if err != nil {
				return err
			}

			failed := 0
			out := cmd.OutOrStdout()
			for _, res := range pipeline.Runner.RunUsers(cmd.Context(), ids) {
				if res.Err != nil {
					failed++
					fmt.Fprintf(out, "user %d: %v\n", res.UserID, res.Err)
					continue
				}
				printReport(out, res.UserID, res.Report)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d user syncs failed", failed, len(ids))
			}
			return nil
		},
	}
}

func printReport(out io.Writer, userID int64, report triage.Report) {
	fmt.Fprintf(out, "user %d: listed %d, ingested %d, duplicates %d, cursor advanced %t\n",
		userID, report.Listed, report.Ingested, report.Duplicates, report.CursorAdvanced)
	fmt.Fprintf(out, "  processed %d, failed %d, manual %d\n",
		report.Processed, report.Failed, report.ManualQueued)
	fmt.Fprintf(out, "  auto executed %d, queued %d, escalated %d, execution failures %d\n",
		report.AutoExecuted, report.Queued, report.Escalated, report.ExecutionFailures)
}

func newLearnCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "learn <user-id>",
		Short: "Rebuild a user's writing style profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			infra, err := opts.infra()
			if err != nil {
				return err
			}
			defer infra.Close()

			pipeline, err := infra.NewPipeline(cmd.Context(), infra.Gmail())
			if err != nil {
				return err
			}
			profile, err := pipeline.Learner.Run(cmd.Context(), userID)
			if err != nil {
				return fmt.Errorf("learn style for user %d: %w", userID, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "tone %q, formality %.2f, avg words %d, samples %d\n",
				profile.Tone, profile.Formality, profile.AvgWords, profile.SampleSize)
			return nil
		},
	}
}

func newReplayCommand(opts *options) *cobra.Command {
	var (
		eventID int64
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "replay-outbox",
		Short: "Republish failed outbox events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			infra, err := opts.infra()
			if err != nil {
				return err
			}
			defer infra.Close()

			replay := outbox.NewReplayService(infra.Outbox, infra.Publisher, infra.Logger)
			if eventID > 0 {
				if err := replay.ReplayEvent(cmd.Context(), eventID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "replayed event %d\n", eventID)
				return nil
			}
			n, err := replay.ReplayFailedEvents(cmd.Context(), limit)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "replayed %d events\n", n)
			return nil
		},
	}
	cmd.Flags().Int64Var(&eventID, "id", 0, "replay a single event")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum failed events to replay")
	return cmd
}

func newConnectCommand(opts *options) *cobra.Command {
	var credentialsFile string
	cmd := &cobra.Command{
		Use:   "connect <user-id>",
		Short: "Store mailbox credentials for a user and clear the reconnect flag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			raw, err := os.ReadFile(credentialsFile)
			if err != nil {
				return fmt.Errorf("reading credentials: %w", err)
			}

			infra, err := opts.infra()
			if err != nil {
				return err
			}
			defer infra.Close()

			if err := infra.Repo.SaveCredentials(cmd.Context(), userID, raw); err != nil {
				return err
			}
			if _, err := infra.Requester.RequestSync(cmd.Context(), userID, "connect"); err != nil {
				return fmt.Errorf("credentials saved but sync request failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "credentials stored for user %d, sync queued\n", userID)
			return nil
		},
	}
	cmd.Flags().StringVar(&credentialsFile, "credentials", "", "path to the OAuth token JSON")
	_ = cmd.MarkFlagRequired("credentials")
	return cmd
}

func newTokenCommand(opts *options) *cobra.Command {
	var (
		orgID int64
		admin bool
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue an API access token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			cfg, _, err := opts.load()
			if err != nil {
				return err
			}
			if cfg.JWT.Secret == "" {
				return fmt.Errorf("jwt.secret is not configured")
			}
			if ttl <= 0 {
				ttl = time.Duration(cfg.JWT.TTLHours) * time.Hour
			}
			if ttl <= 0 {
				ttl = 24 * time.Hour
			}
			token, err := auth.GenerateToken(userID, orgID, admin, cfg.JWT.Secret, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().Int64Var(&orgID, "org", 0, "organization id")
	cmd.Flags().BoolVar(&admin, "admin", false, "grant admin routes")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default jwt.ttl_hours)")
	return cmd
}
