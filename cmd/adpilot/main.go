package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"adpilot/internal/app"
	"adpilot/internal/config"
	"adpilot/internal/db"
	"adpilot/internal/domain"
	"adpilot/internal/engine"
	"adpilot/internal/meta"
	"adpilot/internal/migrate"
	"adpilot/internal/repo"
	"adpilot/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "adpilot",
	Short: "Adpilot CLI",
	Long: `Adpilot manages the lifecycle of ad-automation decisions.
Core concepts:
- Workspace: your .adpilot directory with the database; per-account config lives in the DB and is imported explicitly.
- Account: one advertising account with its campaigns, ad sets, and automation policy.
- Policy: autonomous executes everything, approval_required queues everything, hybrid auto-executes only low-enough risk.
- Decisions: proposed changes flow pending_approval -> approved -> executed, or exit via rejected / execution_failed.
- Knowledge: rule documents ("pause adsets when CTR is below 1.0") parsed into machine-checkable rules.
- Evaluation: one cycle reads metrics, applies rules and CPA heuristics, and files decisions per policy.
- Event log: diary of changes, view with 'adpilot log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ADPILOT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("account", "", "account id or external id (overrides single-account default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("account", rootCmd.PersistentFlags().Lookup("account"))
}

func registerCommands() {
	rootCmd.AddCommand(accountCmd())
	rootCmd.AddCommand(campaignCmd())
	rootCmd.AddCommand(adsetCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(evaluateCmd())
	rootCmd.AddCommand(decisionCmd())
	rootCmd.AddCommand(knowledgeCmd())
	rootCmd.AddCommand(metricsCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func accountCmd() *cobra.Command {
	acc := &cobra.Command{Use: "account", Short: "Manage ad accounts"}
	acc.AddCommand(accountInitCmd())
	acc.AddCommand(accountListCmd())
	acc.AddCommand(accountShowCmd())
	acc.AddCommand(accountUpdateCmd())
	acc.AddCommand(accountDeleteCmd())
	acc.AddCommand(accountConfigCmd())
	acc.AddCommand(accountUseCmd())
	return acc
}

func accountInitCmd() *cobra.Command {
	var externalID, name, currency string
	var targetCPA, targetCPL float64
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Register an ad account with default config and policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.AccountCreateOptions{
				ExternalID: externalID,
				Name:       name,
				Currency:   currency,
				ActorID:    viper.GetString("actor-id"),
			}
			if cmd.Flags().Changed("target-cpa") {
				opts.TargetCPA = &targetCPA
			}
			if cmd.Flags().Changed("target-cpl") {
				opts.TargetCPL = &targetCPL
			}
			return withBareEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.InitAccount(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&externalID, "external-id", "", "platform account id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&currency, "currency", "USD", "currency code")
	cmd.Flags().Float64Var(&targetCPA, "target-cpa", 0, "target cost per acquisition")
	cmd.Flags().Float64Var(&targetCPL, "target-cpl", 0, "target cost per lead")
	_ = cmd.MarkFlagRequired("external-id")
	return cmd
}

func accountListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAccounts(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "External ID", "Name", "Currency"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.ExternalID, a.Name, a.Currency})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func accountShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the active account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccount(cmd.Context(), func(ctx context.Context, e engine.Engine, accountID string, _ *config.Config) error {
				a, err := e.Repo.GetAccount(ctx, accountID)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func accountUpdateCmd() *cobra.Command {
	var name, currency string
	var targetCPA, targetCPL float64
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update account fields",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccount(cmd.Context(), func(ctx context.Context, e engine.Engine, accountID string, _ *config.Config) error {
				var namePtr, currencyPtr *string
				var cpaPtr, cplPtr *float64
				if cmd.Flags().Changed("name") {
					namePtr = &name
				}
				if cmd.Flags().Changed("currency") {
					currencyPtr = &currency
				}
				if cmd.Flags().Changed("target-cpa") {
					cpaPtr = &targetCPA
				}
				if cmd.Flags().Changed("target-cpl") {
					cplPtr = &targetCPL
				}
				if err := e.Repo.UpdateAccount(ctx, accountID, namePtr, currencyPtr, cpaPtr, cplPtr); err != nil {
					return err
				}
				a, err := e.Repo.GetAccount(ctx, accountID)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&currency, "currency", "", "currency code")
	cmd.Flags().Float64Var(&targetCPA, "target-cpa", 0, "target cost per acquisition")
	cmd.Flags().Float64Var(&targetCPL, "target-cpl", 0, "target cost per lead")
	return cmd
}

func accountDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete the active account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccount(cmd.Context(), func(ctx context.Context, e engine.Engine, accountID string, _ *config.Config) error {
				return e.Repo.DeleteAccount(ctx, accountID)
			})
		},
	}
	return cmd
}

func accountUseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use <id>",
		Short: "Set current account for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID := strings.TrimSpace(args[0])
			if accountID == "" {
				return fmt.Errorf("account id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "ADPILOT_ACCOUNT", accountID); err != nil {
				return err
			}
			fmt.Printf("Set ADPILOT_ACCOUNT=%s in %s/.env\n", accountID, workspace)
			return nil
		},
	}
	return cmd
}

func accountConfigCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage account config",
	}
	cfg.AddCommand(accountConfigShowCmd())
	cfg.AddCommand(accountConfigImportCmd())
	cfg.AddCommand(accountConfigInitCmd())
	cfg.AddCommand(accountConfigValidateCmd())
	return cfg
}

func accountConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show account config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccount(cmd.Context(), func(ctx context.Context, e engine.Engine, accountID string, cfg *config.Config) error {
				return printJSONOrTable(cfg)
			})
		},
	}
	return cmd
}

func accountConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import account config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withAccount(cmd.Context(), func(ctx context.Context, e engine.Engine, accountID string, _ *config.Config) error {
				if cfg.Account.ID == "" {
					cfg.Account.ID = accountID
				}
				if err := e.Repo.UpsertAccountConfig(ctx, cfg.Account.ID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func accountConfigInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init-template",
		Short: "Write a default adpilot.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			accountID := viper.GetString("account")
			if accountID == "" {
				accountID = "my-account"
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(accountID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func accountConfigValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withAccount(cmd.Context(), func(ctx context.Context, e engine.Engine, accountID string, cfg *config.Config) error {
				return cfg.Validate()
			})
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
	return cmd
}

func campaignCmd() *cobra.Command {
	c := &cobra.Command{Use: "campaign", Short: "Manage the local campaign catalog"}
	c.AddCommand(campaignAddCmd())
	c.AddCommand(campaignListCmd())
	return c
}

func campaignAddCmd() *cobra.Command {
	var externalID, name, status, objective string
	var dailyBudget float64
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a campaign",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccount(cmd.Context(), func(ctx context.Context, e engine.Engine, accountID string, _ *config.Config) error {
				var budget *float64
				if cmd.Flags().Changed("daily-budget") {
					budget = &dailyBudget
				}
				c, err := e.AddCampaign(ctx, accountID, externalID, name, status, objective, budget, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&externalID, "external-id", "", "platform campaign id")
	cmd.Flags().StringVar(&name, "name", "", "campaign name")
	cmd.Flags().StringVar(&status, "status", "ACTIVE", "status (ACTIVE, PAUSED, ARCHIVED)")
	cmd.Flags().StringVar(&objective, "objective", "", "campaign objective")
	cmd.Flags().Float64Var(&dailyBudget, "daily-budget", 0, "daily budget")
	_ = cmd.MarkFlagRequired("external-id")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func campaignListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List campaigns",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccount(cmd.Context(), func(ctx context.Context, e engine.Engine, accountID string, _ *config.Config) error {
				items, err := e.Repo.ListCampaigns(ctx, accountID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Objective", "Daily Budget"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.Name, c.Status, c.Objective, floatOrDash(c.DailyBudget)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func adsetCmd() *cobra.Command {
	a := &cobra.Command{Use: "adset", Short: "Manage the local ad set catalog"}
	a.AddCommand(adsetAddCmd())
	a.AddCommand(adsetListCmd())
	return a
}

func adsetAddCmd() *cobra.Command {
	var campaignID, externalID, name, status string
	var dailyBudget float64
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register an ad set",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccount(cmd.Context(), func(ctx context.Context, e engine.Engine, accountID string, _ *config.Config) error {
				var budget *float64
				if cmd.Flags().Changed("daily-budget") {
					budget = &dailyBudget
				}
				a, err := e.AddAdSet(ctx, campaignID, externalID, name, status, budget, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&campaignID, "campaign", "", "campaign id")
	cmd.Flags().StringVar(&externalID, "external-id", "", "platform ad set id")
	cmd.Flags().StringVar(&name, "name", "", "ad set name")
	cmd.Flags().StringVar(&status, "status", "ACTIVE", "status (ACTIVE, PAUSED, ARCHIVED)")
	cmd.Flags().Float64Var(&dailyBudget, "daily-budget", 0, "daily budget")
	_ = cmd.MarkFlagRequired("campaign")
	_ = cmd.MarkFlagRequired("external-id")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func adsetListCmd() *cobra.Command {
	var campaignID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List ad sets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccount(cmd.Context(), func(ctx context.Context, e engine.Engine, accountID string, _ *config.Config) error {
				items, err := e.Repo.ListAdSets(ctx, accountID, campaignID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Campaign", "Name", "Status", "Daily Budget"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.CampaignID, a.Name, a.Status, floatOrDash(a.DailyBudget)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&campaignID, "campaign", "", "campaign filter")
	return cmd
}

func policyCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "policy",
		Short: "Automation policy",
		Long:  "The policy decides what executes without a human: autonomous (everything), approval_required (nothing), hybrid (risk at or below the threshold).",
	}
	p.AddCommand(policyShowCmd())
	p.AddCommand(policySetCmd())
	return p
}

func policyShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the automation policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccount(cmd.Context(), func(ctx context.Context, e engine.Engine, accountID string, _ *config.Config) error {
				p, err := e.Repo.GetPolicy(ctx, accountID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func policySetCmd() *cobra.Command {
	var mode, threshold string
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Update the automation policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccount(cmd.Context(), func(ctx context.Context, e engine.Engine, accountID string, _ *config.Config) error {
				p, err := e.SetPolicy(ctx, accountID, domain.AutomationMode(mode), domain.RiskLevel(threshold), viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "mode (autonomous, hybrid, approval_required)")
	cmd.Flags().StringVar(&threshold, "risk-threshold", "", "risk threshold (low, medium, high)")
	_ = cmd.MarkFlagRequired("mode")
	_ = cmd.MarkFlagRequired("risk-threshold")
	return cmd
}

func evaluateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Run an evaluation cycle over all campaigns and ad sets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccount(cmd.Context(), func(ctx context.Context, e engine.Engine, accountID string, _ *config.Config) error {
				summary, err := e.EvaluateAccount(ctx, accountID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(summary)
				}
				fmt.Printf("Evaluated %d entities: %d decisions (%d auto-executed, %d pending, %d failed), %d skipped\n",
					len(summary.Entities), summary.Created, summary.AutoExecuted, summary.PendingApproval, summary.Failed, summary.Skipped)
				for _, out := range summary.Entities {
					if out.Error != "" {
						fmt.Printf("  %s %s: %s (%s)\n", out.Entity.Kind, out.Entity.ID, out.Outcome, out.Error)
					}
				}
				return nil
			})
		},
	}
	return cmd
}

func decisionCmd() *cobra.Command {
	dec := &cobra.Command{
		Use:   "decision",
		Short: "Manage decisions",
		Long:  "Decisions are proposed account changes with risk, confidence, and an approval lifecycle.",
	}
	dec.AddCommand(decisionCreateCmd())
	dec.AddCommand(decisionListCmd())
	dec.AddCommand(decisionGetCmd())
	dec.AddCommand(decisionApproveCmd())
	dec.AddCommand(decisionRejectCmd())
	return dec
}

func decisionCreateCmd() *cobra.Command {
	var decisionType, entityKind, entityID, detailsJSON, reasoning string
	var confidence float64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a decision from a recommendation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccount(cmd.Context(), func(ctx context.Context, e engine.Engine, accountID string, _ *config.Config) error {
				rec := domain.Recommendation{
					Type:        domain.DecisionType(decisionType),
					Entity:      domain.EntityRef{Kind: domain.EntityKind(entityKind), ID: entityID},
					DetailsJSON: detailsJSON,
					Reasoning:   reasoning,
					Confidence:  confidence,
				}
				d, err := e.CreateDecision(ctx, accountID, rec, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&decisionType, "type", "", "decision type (adjust_budget, toggle_adset, create_campaign, adjust_targeting, adjust_bidding)")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind (account, campaign, adset)")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	cmd.Flags().StringVar(&detailsJSON, "details-json", "", "details JSON")
	cmd.Flags().StringVar(&reasoning, "reasoning", "", "reasoning")
	cmd.Flags().Float64Var(&confidence, "confidence", 50, "confidence score [0,100]")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("entity-kind")
	_ = cmd.MarkFlagRequired("entity-id")
	_ = cmd.MarkFlagRequired("details-json")
	return cmd
}

func decisionListCmd() *cobra.Command {
	var f repo.DecisionFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List decisions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccount(cmd.Context(), func(ctx context.Context, e engine.Engine, accountID string, _ *config.Config) error {
				f.AccountID = accountID
				items, err := e.ListDecisions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Entity", "Risk", "Status", "Confidence"})
				for _, d := range items {
					entity := fmt.Sprintf("%s/%s", d.Entity.Kind, d.Entity.ID)
					tw.AppendRow(table.Row{d.ID, d.Type, entity, d.RiskLevel, d.Status, d.Confidence})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "decision type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind filter")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id filter")
	cmd.Flags().StringVar(&f.RiskLevel, "risk-level", "", "risk level filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max results")
	return cmd
}

func decisionGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withAccount(cmd.Context(), func(ctx context.Context, e engine.Engine, accountID string, _ *config.Config) error {
				d, err := e.GetDecision(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	return cmd
}

func decisionApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve and execute a pending decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withAccount(cmd.Context(), func(ctx context.Context, e engine.Engine, accountID string, _ *config.Config) error {
				d, err := e.Approve(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	return cmd
}

func decisionRejectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a pending decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withAccount(cmd.Context(), func(ctx context.Context, e engine.Engine, accountID string, _ *config.Config) error {
				d, err := e.Reject(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	return cmd
}

func knowledgeCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "knowledge",
		Short: "Manage knowledge documents and rules",
		Long:  "Knowledge documents hold optimization statements; numeric ones become machine-checkable rules that drive evaluation.",
	}
	k.AddCommand(knowledgeImportCmd())
	k.AddCommand(knowledgeListCmd())
	k.AddCommand(knowledgeRulesCmd())
	return k
}

func knowledgeImportCmd() *cobra.Command {
	var title, category, filePath string
	var statements []string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a knowledge document",
		RunE: func(cmd *cobra.Command, args []string) error {
			all := statements
			if filePath != "" {
				fromFile, err := readStatements(filePath)
				if err != nil {
					return err
				}
				all = append(all, fromFile...)
			}
			return withAccount(cmd.Context(), func(ctx context.Context, e engine.Engine, accountID string, _ *config.Config) error {
				doc, rules, err := e.ImportDocument(ctx, accountID, title, category, all, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"document": doc, "rules": rules})
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "document title")
	cmd.Flags().StringVar(&category, "category", "", "rule category")
	cmd.Flags().StringArrayVar(&statements, "statement", []string{}, "rule statement (repeatable)")
	cmd.Flags().StringVar(&filePath, "file", "", "file with one statement per line")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func knowledgeListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List knowledge documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccount(cmd.Context(), func(ctx context.Context, e engine.Engine, accountID string, _ *config.Config) error {
				items, err := e.Repo.ListDocuments(ctx, accountID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func knowledgeRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "List parsed rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccount(cmd.Context(), func(ctx context.Context, e engine.Engine, accountID string, _ *config.Config) error {
				items, err := e.Repo.ListRules(ctx, accountID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Metric", "Comparison", "Threshold", "Action", "Text"})
				for _, rule := range items {
					tw.AppendRow(table.Row{rule.ID, rule.Metric, rule.Comparison, floatOrDash(rule.Threshold), rule.ActionHint, rule.RuleText})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func metricsCmd() *cobra.Command {
	m := &cobra.Command{Use: "metrics", Short: "Record and inspect metrics snapshots"}
	m.AddCommand(metricsRecordCmd())
	m.AddCommand(metricsListCmd())
	return m
}

func metricsRecordCmd() *cobra.Command {
	var entityKind, entityID, date string
	var impressions, clicks, conversions int64
	var spend float64
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record a metrics snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccount(cmd.Context(), func(ctx context.Context, e engine.Engine, accountID string, _ *config.Config) error {
				s, err := e.RecordSnapshot(ctx, domain.MetricsSnapshot{
					AccountID:   accountID,
					EntityKind:  domain.EntityKind(entityKind),
					EntityID:    entityID,
					Date:        date,
					Impressions: impressions,
					Clicks:      clicks,
					Spend:       spend,
					Conversions: conversions,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind (account, campaign, adset)")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	cmd.Flags().StringVar(&date, "date", "", "observation date (YYYY-MM-DD)")
	cmd.Flags().Int64Var(&impressions, "impressions", 0, "impressions")
	cmd.Flags().Int64Var(&clicks, "clicks", 0, "clicks")
	cmd.Flags().Int64Var(&conversions, "conversions", 0, "conversions")
	cmd.Flags().Float64Var(&spend, "spend", 0, "spend")
	_ = cmd.MarkFlagRequired("entity-kind")
	_ = cmd.MarkFlagRequired("entity-id")
	return cmd
}

func metricsListCmd() *cobra.Command {
	var f repo.SnapshotFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List metrics snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccount(cmd.Context(), func(ctx context.Context, e engine.Engine, accountID string, _ *config.Config) error {
				f.AccountID = accountID
				items, err := e.Repo.ListSnapshots(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind filter")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id filter")
	cmd.Flags().StringVar(&f.Since, "since", "", "only snapshots on or after this date")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max results")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show account status",
		Long:  "The scoreboard for your account: policy, decision counts by status, and catalog size.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccount(cmd.Context(), func(ctx context.Context, e engine.Engine, accountID string, _ *config.Config) error {
				a, err := e.Repo.GetAccount(ctx, accountID)
				if err != nil {
					return err
				}
				p, err := e.Repo.GetPolicy(ctx, accountID)
				if err != nil && !errors.Is(err, repo.ErrNotFound) {
					return err
				}
				counts, err := e.Repo.CountDecisionsByStatus(ctx, accountID)
				if err != nil {
					return err
				}
				campaigns, err := e.Repo.ListCampaigns(ctx, accountID)
				if err != nil {
					return err
				}
				adsets, err := e.Repo.ListAdSets(ctx, accountID, "")
				if err != nil {
					return err
				}
				out := map[string]any{
					"account_id":      a.ID,
					"name":            a.Name,
					"policy":          p,
					"decision_counts": counts,
					"campaigns":       len(campaigns),
					"ad_sets":         len(adsets),
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Account: %s (%s)\n", a.ID, a.Name)
				fmt.Printf("Policy: %s, risk threshold %s\n", p.Mode, p.RiskThreshold)
				fmt.Printf("Catalog: %d campaigns, %d ad sets\n", len(campaigns), len(adsets))
				fmt.Println("Decisions:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				return nil
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyDeleteCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				secret := uuid.New().String() + uuid.New().String()
				key := domain.APIKey{
					ID:      uuid.New().String(),
					ActorID: actorID,
					Name:    name,
					KeyHash: repo.HashAPIKey(secret),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "key": secret})
				}
				fmt.Printf("API key %s for actor %s\n", key.ID, key.ActorID)
				fmt.Printf("Secret (store it now, it is not kept): %s\n", secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor filter")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the API (requires ADPILOT_JWT_SECRET)",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("ADPILOT_JWT_SECRET")
			token, err := server.SignToken(secret, viper.GetString("actor-id"), ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: decisions, executions, policy updates, and more.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccount(cmd.Context(), func(ctx context.Context, e engine.Engine, accountID string, _ *config.Config) error {
				events, err := e.Repo.LatestEvents(ctx, n, accountID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			accountID, cfg, err := app.ResolveAccountAndConfig(cmd.Context(), viper.GetString("account"), r)
			if err != nil {
				return err
			}
			e := newEngineFromRepo(r)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("ADPILOT_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("ADPILOT_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(e, accountID, cfg.Webhooks)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Adpilot API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

// localExecutor accepts every decision without calling the platform. Used
// when no platform credentials are configured; the engine still mirrors the
// change onto the local catalog.
type localExecutor struct{}

func (localExecutor) Apply(ctx context.Context, d domain.Decision) error { return nil }

func withAccount(ctx context.Context, fn func(context.Context, engine.Engine, string, *config.Config) error) error {
	return withRepo(ctx, func(ctx context.Context, r repo.Repo) error {
		accountID, cfg, err := app.ResolveAccountAndConfig(ctx, viper.GetString("account"), r)
		if err != nil {
			return err
		}
		e := newEngineFromRepo(r)
		return fn(ctx, e, accountID, cfg)
	})
}

func withBareEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withRepo(ctx, func(ctx context.Context, r repo.Repo) error {
		return fn(ctx, newEngineFromRepo(r))
	})
}

// newEngineFromRepo wires the engine with a platform client when credentials
// are present, and the local executor otherwise.
func newEngineFromRepo(r repo.Repo) engine.Engine {
	baseURL := os.Getenv("ADPILOT_META_BASE_URL")
	if baseURL == "" {
		return engine.New(r.DB, localExecutor{})
	}
	client := meta.NewClient(baseURL, os.Getenv("ADPILOT_META_ACCESS_TOKEN"), r)
	e := engine.New(r.DB, client)
	if os.Getenv("ADPILOT_META_LIVE_METRICS") == "1" {
		e.Metrics = client
	}
	return e
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	return fn(ctx, r)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func floatOrDash(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *v)
}

func readStatements(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, scanner.Err()
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
