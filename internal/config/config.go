package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"adpilot/internal/domain"
)

// Config models adpilot.yml, the per-account rulebook stored in the DB.
type Config struct {
	Account struct {
		ID       string `yaml:"id" json:"id"`
		Currency string `yaml:"currency" json:"currency"`
	} `yaml:"account" json:"account"`
	Automation struct {
		Mode          string `yaml:"mode" json:"mode"`
		RiskThreshold string `yaml:"risk_threshold" json:"risk_threshold"`
	} `yaml:"automation" json:"automation"`
	Risk struct {
		BudgetLowPct    float64 `yaml:"budget_low_pct" json:"budget_low_pct"`
		BudgetMediumPct float64 `yaml:"budget_medium_pct" json:"budget_medium_pct"`
	} `yaml:"risk" json:"risk"`
	Evaluation struct {
		MinImpressions  int64   `yaml:"min_impressions" json:"min_impressions"`
		MinConversions  int64   `yaml:"min_conversions" json:"min_conversions"`
		BudgetStepPct   float64 `yaml:"budget_step_pct" json:"budget_step_pct"`
		PoorCPAMultiple float64 `yaml:"poor_cpa_multiple" json:"poor_cpa_multiple"`
		MinSpend        float64 `yaml:"min_spend" json:"min_spend"`
	} `yaml:"evaluation" json:"evaluation"`
	Execution struct {
		TimeoutSeconds int `yaml:"timeout_seconds" json:"timeout_seconds"`
	} `yaml:"execution" json:"execution"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Secret         string   `yaml:"secret,omitempty" json:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty" json:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Account.ID == "" {
		return fmt.Errorf("config.account.id is required")
	}
	switch domain.AutomationMode(c.Automation.Mode) {
	case domain.ModeAutonomous, domain.ModeHybrid, domain.ModeApprovalRequired:
	default:
		return fmt.Errorf("config.automation.mode must be autonomous, hybrid or approval_required")
	}
	switch domain.RiskLevel(c.Automation.RiskThreshold) {
	case domain.RiskLow, domain.RiskMedium, domain.RiskHigh:
	default:
		return fmt.Errorf("config.automation.risk_threshold must be low, medium or high")
	}
	if c.Risk.BudgetLowPct <= 0 || c.Risk.BudgetMediumPct <= 0 {
		return fmt.Errorf("config.risk budget percentages must be positive")
	}
	if c.Risk.BudgetLowPct >= c.Risk.BudgetMediumPct {
		return fmt.Errorf("config.risk.budget_low_pct must be below budget_medium_pct")
	}
	if c.Evaluation.BudgetStepPct <= 0 || c.Evaluation.BudgetStepPct >= 1 {
		return fmt.Errorf("config.evaluation.budget_step_pct must be in (0,1)")
	}
	if c.Evaluation.PoorCPAMultiple < 1 {
		return fmt.Errorf("config.evaluation.poor_cpa_multiple must be >= 1")
	}
	if c.Execution.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.execution.timeout_seconds must be positive")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "adpilot.yml")
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with adpilot account config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault(accountID string) string {
	return fmt.Sprintf(defaultTemplate, accountID)
}

// Default returns the default Config struct for an account.
func Default(accountID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, accountID))).Decode(&cfg)
	cfg.Account.ID = accountID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `account:
  id: %s
  currency: USD

automation:
  mode: hybrid
  risk_threshold: low

risk:
  budget_low_pct: 0.10
  budget_medium_pct: 0.50

evaluation:
  min_impressions: 100
  min_conversions: 5
  budget_step_pct: 0.20
  poor_cpa_multiple: 2.5
  min_spend: 50

execution:
  timeout_seconds: 10
`
