package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"escrowflow/auth"
	"escrowflow/blob"
	"escrowflow/config"
	"escrowflow/db"
	"escrowflow/draft"
	"escrowflow/escrow"
	"escrowflow/logging"
	"escrowflow/migrations"
	"escrowflow/settlement"
	"escrowflow/stepup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

var configPath string

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	return cfg, nil
}

// openPool loads the config and connects. The caller must close the pool.
func openPool(ctx context.Context) (config.Config, *pgxpool.Pool, error) {
	cfg, err := loadConfig()
	if err != nil {
		return cfg, nil, err
	}
	pool, err := db.Open(ctx, cfg.DB)
	if err != nil {
		return cfg, nil, fmt.Errorf("connecting to database: %w", err)
	}
	return cfg, pool, nil
}

func blobOptions(c config.BlobConfig) blob.Options {
	return blob.Options{
		Backend:      c.Backend,
		Region:       c.Region,
		Endpoint:     c.Endpoint,
		UsePathStyle: c.UsePathStyle,
		HTTPTimeout:  c.HTTPTimeout.Duration,
	}
}

// newEscrow builds the lifecycle service the way the API does.
func newEscrow(ctx context.Context) (*escrow.Service, *pgxpool.Pool, error) {
	cfg, pool, err := openPool(ctx)
	if err != nil {
		return nil, nil, err
	}
	mode, err := settlement.ParseMode(cfg.Settlement.Mode)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	adapter, err := settlement.New(settlement.Options{
		Mode:            mode,
		RPCURL:          cfg.Settlement.RPCURL,
		AuthToken:       cfg.Settlement.AuthToken,
		ChainID:         cfg.Settlement.ChainID,
		OperatorAddress: cfg.Settlement.OperatorAddress,
		AuthorityKey:    cfg.Settlement.AuthorityKey,
		Timeout:         cfg.Settlement.Timeout.Duration,
		GatewayProvider: cfg.Settlement.GatewayProvider,
	}, nil)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("settlement adapter: %w", err)
	}
	guard := stepup.NewGuard(pool, stepup.NewPGStore(), stepup.Options{TTL: cfg.StepUp.TTL.Duration, Digits: cfg.StepUp.Digits})
	svc, err := escrow.NewService(pool, escrow.NewPostgresDeps(pool, adapter, guard))
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return svc, pool, nil
}

var rootCmd = &cobra.Command{
	Use:          "escrowctl",
	Short:        "Operator tooling for the escrow service",
	SilenceUsage: true,
}

// migrate command
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the database schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := migrations.Up(cfg.DB.DSN); err != nil {
			return err
		}
		st, err := migrations.Current(cfg.DB.DSN)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Schema at version %d\n", st.Version)
		return nil
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back every migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			return fmt.Errorf("refusing to drop the schema without --yes")
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := migrations.Down(cfg.DB.DSN); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Schema rolled back")
		return nil
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show applied and latest schema versions",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := migrations.Current(cfg.DB.DSN)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Version: %d\n", st.Version)
		fmt.Fprintf(out, "Latest:  %d\n", st.Latest)
		fmt.Fprintf(out, "Pending: %d\n", st.Pending())
		if st.Dirty {
			fmt.Fprintln(out, "Dirty:   yes (fix manually before migrating)")
		}
		return nil
	},
}

// reconcile command
var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Review settlement effects that have no local record",
}

var reconcileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending reconciliation markers",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		admin, _ := cmd.Flags().GetString("admin")

		svc, pool, err := newEscrow(cmd.Context())
		if err != nil {
			return err
		}
		defer pool.Close()

		markers, err := svc.PendingReconciliations(cmd.Context(), auth.Actor{ID: admin, Role: auth.RoleAdmin}, limit)
		if err != nil {
			return err
		}
		if len(markers) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No pending markers.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPROJECT\tTRANSITION\tEXTERNAL TX\tCREATED\tCAUSE")
		for _, m := range markers {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				m.ID, m.ProjectID, m.Transition, m.ExternalTxID, m.CreatedAt.Format(time.RFC3339), m.Cause)
		}
		return w.Flush()
	},
}

var reconcileResolveCmd = &cobra.Command{
	Use:   "resolve <marker-id>",
	Short: "Mark a reconciliation marker as handled",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		note, _ := cmd.Flags().GetString("note")
		admin, _ := cmd.Flags().GetString("admin")

		svc, pool, err := newEscrow(cmd.Context())
		if err != nil {
			return err
		}
		defer pool.Close()

		m, err := svc.ResolveReconciliation(cmd.Context(), auth.Actor{ID: admin, Role: auth.RoleAdmin}, args[0], note)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Resolved %s (external tx %s)\n", m.ID, m.ExternalTxID)
		return nil
	},
}

// draft command
var draftCmd = &cobra.Command{
	Use:   "draft",
	Short: "Inspect draft deliverables",
}

var draftVerifyCmd = &cobra.Command{
	Use:   "verify <draft-id>",
	Short: "Re-hash a draft's file and compare it with the recorded digest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, pool, err := openPool(cmd.Context())
		if err != nil {
			return err
		}
		defer pool.Close()

		blobs, err := blob.New(cmd.Context(), blobOptions(cfg.Blob))
		if err != nil {
			return err
		}
		res, err := draft.NewVerifier(draft.NewRepository(pool), blobs).VerifyDraft(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printVerification(cmd, res)
		if res.Outcome != draft.OutcomeMatch {
			return fmt.Errorf("draft %s does not match its recorded digest", args[0])
		}
		return nil
	},
}

var draftDigestCmd = &cobra.Command{
	Use:   "digest <file-url> <sha256>",
	Short: "Check any blob URL against an expected SHA-256",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		blobs, err := blob.New(cmd.Context(), blobOptions(cfg.Blob))
		if err != nil {
			return err
		}
		res, err := draft.NewVerifier(nil, blobs).VerifyDigest(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		printVerification(cmd, res)
		return nil
	},
}

func printVerification(cmd *cobra.Command, res draft.Verification) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Outcome:  %s\n", res.Outcome)
	fmt.Fprintf(out, "Expected: %s\n", res.Expected)
	fmt.Fprintf(out, "Actual:   %s\n", res.Actual)
}

// token command
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage bearer tokens",
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a bearer token for a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		roleFlag, _ := cmd.Flags().GetString("role")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		role := auth.ParseRole(roleFlag)
		if role == "" {
			return fmt.Errorf("unknown role %q", roleFlag)
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if ttl <= 0 {
			ttl = cfg.Auth.TokenTTL.Duration
		}
		svc, err := auth.NewService(cfg.Auth.JWTSecret)
		if err != nil {
			return err
		}
		token, err := svc.IssueToken(auth.Actor{ID: user, Role: role}, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

// stepup command
var stepupCmd = &cobra.Command{
	Use:   "stepup",
	Short: "Issue step-up codes through the operator channel",
}

var stepupIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a step-up code for an admin and purpose",
	RunE: func(cmd *cobra.Command, args []string) error {
		actor, _ := cmd.Flags().GetString("actor")
		purpose, _ := cmd.Flags().GetString("purpose")

		cfg, pool, err := openPool(cmd.Context())
		if err != nil {
			return err
		}
		defer pool.Close()

		guard := stepup.NewGuard(pool, stepup.NewPGStore(), stepup.Options{
			TTL:        cfg.StepUp.TTL.Duration,
			Digits:     cfg.StepUp.Digits,
			BcryptCost: cfg.StepUp.BcryptCost,
		})
		issued, err := guard.Issue(cmd.Context(), actor, stepup.Purpose(purpose))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s (expires %s)\n", issued.Code, issued.ExpiresAt.Format(time.RFC3339))
		return nil
	},
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Validate and print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Env:             %s\n", cfg.Env)
		fmt.Fprintf(out, "HTTP addr:       %s\n", cfg.Server.Addr)
		fmt.Fprintf(out, "Settlement mode: %s\n", cfg.Settlement.Mode)
		fmt.Fprintf(out, "Authority key:   %s\n", logging.Mask(cfg.Settlement.AuthorityKey))
		fmt.Fprintf(out, "JWT secret:      %s\n", logging.Mask(cfg.Auth.JWTSecret))
		fmt.Fprintf(out, "Blob backend:    %s\n", cfg.Blob.Backend)
		fmt.Fprintf(out, "Step-up TTL:     %s\n", cfg.StepUp.TTL.Duration)
		fmt.Fprintf(out, "Review window:   %s\n", cfg.Review.Window.Duration)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML config (defaults to $ESCROW_CONFIG or configs/config.yaml)")

	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
	migrateCmd.AddCommand(migrateStatusCmd)
	migrateDownCmd.Flags().Bool("yes", false, "Confirm dropping the schema")

	reconcileCmd.AddCommand(reconcileListCmd)
	reconcileCmd.AddCommand(reconcileResolveCmd)
	reconcileCmd.PersistentFlags().String("admin", "escrowctl", "Admin id recorded on resolutions")
	reconcileListCmd.Flags().IntP("limit", "n", 50, "Maximum number of markers to show")
	reconcileResolveCmd.Flags().String("note", "", "What was done to reconcile the external effect")
	_ = reconcileResolveCmd.MarkFlagRequired("note")

	draftCmd.AddCommand(draftVerifyCmd)
	draftCmd.AddCommand(draftDigestCmd)

	tokenCmd.AddCommand(tokenIssueCmd)
	tokenIssueCmd.Flags().String("user", "", "User id carried by the token")
	tokenIssueCmd.Flags().String("role", "", "client, designer or admin")
	tokenIssueCmd.Flags().Duration("ttl", 0, "Token lifetime (defaults to auth.token_ttl)")
	_ = tokenIssueCmd.MarkFlagRequired("user")
	_ = tokenIssueCmd.MarkFlagRequired("role")

	stepupCmd.AddCommand(stepupIssueCmd)
	stepupIssueCmd.Flags().String("actor", "", "Admin id the code is bound to")
	stepupIssueCmd.Flags().String("purpose", "", "release_funds, refund_funds, arbitrate_dispute, pause_escrow or resume_escrow")
	_ = stepupIssueCmd.MarkFlagRequired("actor")
	_ = stepupIssueCmd.MarkFlagRequired("purpose")

	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(draftCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(stepupCmd)
	rootCmd.AddCommand(configCmd)
}
