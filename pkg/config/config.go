package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/caarlos0/env/v11"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so lists can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	// Try []string first
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	// Try []interface{} to handle mixed types
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

type Config struct {
	Assistant     AssistantConfig     `json:"assistant"`
	HomeAssistant HomeAssistantConfig `json:"home_assistant"`
	LLM           LLMConfig           `json:"llm"`
	Privacy       PrivacyConfig       `json:"privacy"`
	Policy        PolicyConfig        `json:"policy"`
	Budget        BudgetConfig        `json:"budget"`
	Learning      LearningConfig      `json:"learning"`
	Retrieval     RetrievalConfig     `json:"retrieval"`
	Maintenance   MaintenanceConfig   `json:"maintenance"`
	mu            sync.RWMutex
}

// HomeAssistantConfig points at the Home Assistant instance. An empty
// URL means the assistant runs without a home platform: conversation,
// profile and search gating all still work.
type HomeAssistantConfig struct {
	URL   string `json:"url" env:"HEARTHMIND_HOMEASSISTANT_URL"`
	Token string `json:"token" env:"HEARTHMIND_HOMEASSISTANT_TOKEN"`
}

type AssistantConfig struct {
	Workspace             string `json:"workspace" env:"HEARTHMIND_ASSISTANT_WORKSPACE"`
	SessionTimeoutMinutes int    `json:"session_timeout_minutes" env:"HEARTHMIND_ASSISTANT_SESSION_TIMEOUT_MINUTES"`
	Verbose               bool   `json:"verbose" env:"HEARTHMIND_ASSISTANT_VERBOSE"`
}

type LLMConfig struct {
	APIKey         string `json:"api_key" env:"HEARTHMIND_LLM_API_KEY"`
	APIBase        string `json:"api_base" env:"HEARTHMIND_LLM_API_BASE"`
	Model          string `json:"model" env:"HEARTHMIND_LLM_MODEL"`
	SummaryModel   string `json:"summary_model" env:"HEARTHMIND_LLM_SUMMARY_MODEL"`
	EmbeddingModel string `json:"embedding_model" env:"HEARTHMIND_LLM_EMBEDDING_MODEL"`
}

type PrivacyConfig struct {
	BlockedKeywords    FlexibleStringSlice `json:"blocked_keywords" env:"HEARTHMIND_PRIVACY_BLOCKED_KEYWORDS"`
	MaxRedactions      int                 `json:"max_redactions" env:"HEARTHMIND_PRIVACY_MAX_REDACTIONS"`
	SearchAuditEnabled bool                `json:"search_audit_enabled" env:"HEARTHMIND_PRIVACY_SEARCH_AUDIT_ENABLED"`
}

type PolicyConfig struct {
	AllowedDomains              FlexibleStringSlice `json:"allowed_domains" env:"HEARTHMIND_POLICY_ALLOWED_DOMAINS"`
	RestrictedDomains           FlexibleStringSlice `json:"restricted_domains" env:"HEARTHMIND_POLICY_RESTRICTED_DOMAINS"`
	BlockedDomains              FlexibleStringSlice `json:"blocked_domains" env:"HEARTHMIND_POLICY_BLOCKED_DOMAINS"`
	RequireConfirmationServices FlexibleStringSlice `json:"require_confirmation_services" env:"HEARTHMIND_POLICY_REQUIRE_CONFIRMATION_SERVICES"`
	ConfirmationTimeoutSeconds  int                 `json:"confirmation_timeout_seconds" env:"HEARTHMIND_POLICY_CONFIRMATION_TIMEOUT_SECONDS"`
}

type BudgetConfig struct {
	TotalTokens int `json:"total_tokens" env:"HEARTHMIND_BUDGET_TOTAL_TOKENS"`
}

type LearningConfig struct {
	Enabled       bool    `json:"enabled" env:"HEARTHMIND_LEARNING_ENABLED"`
	QueueSize     int     `json:"queue_size" env:"HEARTHMIND_LEARNING_QUEUE_SIZE"`
	MinConfidence float64 `json:"min_confidence" env:"HEARTHMIND_LEARNING_MIN_CONFIDENCE"`
	DecayFactor   float64 `json:"decay_factor" env:"HEARTHMIND_LEARNING_DECAY_FACTOR"`
}

type RetrievalConfig struct {
	TopK int `json:"top_k" env:"HEARTHMIND_RETRIEVAL_TOP_K"`
}

type MaintenanceConfig struct {
	DecayCron            string `json:"decay_cron" env:"HEARTHMIND_MAINTENANCE_DECAY_CRON"`
	ReindexCron          string `json:"reindex_cron" env:"HEARTHMIND_MAINTENANCE_REINDEX_CRON"`
	ObserveCron          string `json:"observe_cron" env:"HEARTHMIND_MAINTENANCE_OBSERVE_CRON"`
	PatternCron          string `json:"pattern_cron" env:"HEARTHMIND_MAINTENANCE_PATTERN_CRON"`
	SweepIntervalSeconds int    `json:"sweep_interval_seconds" env:"HEARTHMIND_MAINTENANCE_SWEEP_INTERVAL_SECONDS"`
}

func DefaultConfig() *Config {
	return &Config{
		Assistant: AssistantConfig{
			Workspace:             "~/.hearthmind",
			SessionTimeoutMinutes: 30,
			Verbose:               false,
		},
		LLM: LLMConfig{
			APIBase:        "http://localhost:11434/v1",
			Model:          "qwen3:8b",
			SummaryModel:   "",
			EmbeddingModel: "nomic-embed-text",
		},
		Privacy: PrivacyConfig{
			BlockedKeywords:    FlexibleStringSlice{},
			MaxRedactions:      2,
			SearchAuditEnabled: true,
		},
		Policy: PolicyConfig{
			AllowedDomains:    FlexibleStringSlice{"*"},
			RestrictedDomains: FlexibleStringSlice{"lock", "camera"},
			BlockedDomains:    FlexibleStringSlice{"homeassistant"},
			RequireConfirmationServices: FlexibleStringSlice{
				"lock.unlock",
				"lock.lock",
				"camera.turn_on",
				"camera.turn_off",
				"camera.enable_motion_detection",
				"camera.disable_motion_detection",
			},
			ConfirmationTimeoutSeconds: 60,
		},
		Budget: BudgetConfig{
			TotalTokens: 6000,
		},
		Learning: LearningConfig{
			Enabled:       true,
			QueueSize:     64,
			MinConfidence: 0.3,
			DecayFactor:   0.95,
		},
		Retrieval: RetrievalConfig{
			TopK: 5,
		},
		Maintenance: MaintenanceConfig{
			DecayCron:            "0 3 * * *",
			ReindexCron:          "0 4 * * *",
			ObserveCron:          "*/15 * * * *",
			PatternCron:          "30 4 * * *",
			SweepIntervalSeconds: 15,
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Assistant.Workspace)
}

// DatabasePath is the sqlite file inside the workspace.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.WorkspacePath(), "hearthmind.db")
}

func (c *Config) GetAPIKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.LLM.APIKey != "" {
		return c.LLM.APIKey
	}
	// Ollama ignores the key but the client requires one.
	return "ollama"
}

func (c *Config) GetAPIBase() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.LLM.APIBase != "" {
		return c.LLM.APIBase
	}
	return "http://localhost:11434/v1"
}

func (c *Config) GetSummaryModel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.LLM.SummaryModel != "" {
		return c.LLM.SummaryModel
	}
	return c.LLM.Model
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
