package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"churn_server/core/agent/llm"
	"churn_server/core/domain"
	"churn_server/infra/database"
	"churn_server/infra/middleware"
	"churn_server/internal/bootstrap"
	"churn_server/pkg/logger"
)

var (
	tenantFlag  string
	userFlag    string
	daysFlag    int
	confirmFlag bool
	ttlFlag     time.Duration
)

func tenantArg() (uuid.UUID, error) {
	if tenantFlag == "" {
		return uuid.Nil, errors.New("--tenant is required")
	}
	id, err := uuid.Parse(tenantFlag)
	if err != nil {
		return uuid.Nil, fmt.Errorf("--tenant: %w", err)
	}
	return id, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import and analyze a tenant's recent tickets",
	RunE: func(cmd *cobra.Command, _ []string) error {
		tenantID, err := tenantArg()
		if err != nil {
			return err
		}
		if daysFlag < 1 || daysFlag > 90 {
			return errors.New("--days must be between 1 and 90")
		}
		return withDeps(cmd.Context(), func(deps *bootstrap.Dependencies) error {
			start := time.Now()
			summary, err := deps.Ingestion.ImportRecent(cmd.Context(), tenantID, time.Duration(daysFlag)*24*time.Hour)
			logger.WithDuration(time.Since(start)).WithField("tenant_id", tenantID).Info("Import finished")
			if perr := printJSON(summary); perr != nil {
				return perr
			}
			return err
		})
	},
}

var suggestCmd = &cobra.Command{
	Use:   "suggest",
	Short: "Detect rule suggestions from recent manual corrections",
	RunE: func(cmd *cobra.Command, _ []string) error {
		tenantID, err := tenantArg()
		if err != nil {
			return err
		}
		return withDeps(cmd.Context(), func(deps *bootstrap.Dependencies) error {
			rules, err := deps.Rules.DetectSuggestions(cmd.Context(), tenantID)
			if err != nil {
				return err
			}
			return printJSON(rules)
		})
	},
}

var teardownCmd = &cobra.Command{
	Use:   "teardown",
	Short: "Delete a tenant and everything it owns",
	RunE: func(cmd *cobra.Command, _ []string) error {
		tenantID, err := tenantArg()
		if err != nil {
			return err
		}
		if !confirmFlag {
			return errors.New("teardown is irreversible; pass --yes to confirm")
		}
		return withDeps(cmd.Context(), func(deps *bootstrap.Dependencies) error {
			report, err := deps.Tenants.Teardown(cmd.Context(), tenantID)
			if err != nil {
				return err
			}
			tables := make([]string, 0, len(report.Deleted))
			for table := range report.Deleted {
				tables = append(tables, table)
			}
			sort.Strings(tables)
			for _, table := range tables {
				fmt.Fprintf(cmd.OutOrStdout(), "%-20s %d\n", table, report.Deleted[table])
			}
			return nil
		})
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		pg, err := database.NewPostgres(cmd.Context(), cfg.DatabaseURL, database.DefaultPostgresConfig())
		if err != nil {
			return err
		}
		defer pg.Close()

		applied, err := database.Migrate(cmd.Context(), pg.DB)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "applied %d migrations\n", applied)
		return nil
	},
}

// promptsCmd checks prompt templates before they are deployed through
// LLM_PROMPT_DIR. Without a directory it checks the builtin set.
var promptsCmd = &cobra.Command{
	Use:   "prompts [dir]",
	Short: "Validate prompt templates",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		set := llm.BuiltinPromptTemplates()
		source := "builtin"
		if len(args) == 1 {
			loaded, err := llm.LoadPromptTemplates(os.DirFS(args[0]), ".")
			if err != nil {
				return err
			}
			set, source = loaded, args[0]
		}
		if _, _, err := llm.RenderPrompt(set, domain.AnalysisInput{Content: "x"}, 0); err != nil {
			return err
		}

		names := make([]string, 0, len(set))
		for name := range set {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(cmd.OutOrStdout(), "%-28s %d variables\n", name, len(set[name].Variables))
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d templates ok\n", source, len(set))
		return nil
	},
}

// tokenCmd issues a tenant token for local use and scripts.
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an API token for a tenant",
	RunE: func(cmd *cobra.Command, _ []string) error {
		tenantID, err := tenantArg()
		if err != nil {
			return err
		}
		var userID *uuid.UUID
		if userFlag != "" {
			id, err := uuid.Parse(userFlag)
			if err != nil {
				return fmt.Errorf("--user: %w", err)
			}
			userID = &id
		}
		token, err := middleware.IssueTokenFor(middleware.AuthConfig{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer}, tenantID, userID, ttlFlag)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{importCmd, suggestCmd, teardownCmd, tokenCmd} {
		c.Flags().StringVar(&tenantFlag, "tenant", "", "tenant id")
	}
	importCmd.Flags().IntVar(&daysFlag, "days", 7, "import window in days (1-90)")
	teardownCmd.Flags().BoolVar(&confirmFlag, "yes", false, "confirm the teardown")
	tokenCmd.Flags().StringVar(&userFlag, "user", "", "user id recorded as comment author")
	tokenCmd.Flags().DurationVar(&ttlFlag, "ttl", 24*time.Hour, "token lifetime")
}
