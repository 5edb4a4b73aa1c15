package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server       ServerConfig       `json:"server"`
	Database     DatabaseConfig     `json:"database"`
	Coordination CoordinationConfig `json:"coordination"`
	Automation   AutomationConfig   `json:"automation"`
	Decision     DecisionConfig     `json:"decision"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

// CoordinationConfig controls the stage machine guards and the reviewer
// pool the matcher draws from.
type CoordinationConfig struct {
	RequiredReviews  int                `json:"required_reviews"`
	ReviewMaxAgeDays int                `json:"review_max_age_days"`
	ReviewerPool     map[string]float64 `json:"reviewer_pool,omitempty"`
}

// AutomationConfig controls the rule engine. Thresholds are deployment
// defaults, overridable per install.
type AutomationConfig struct {
	TickSeconds               int `json:"tick_seconds"`
	RemindAfterDays           int `json:"remind_after_days"`
	ReviewDueDays             int `json:"review_due_days"`
	EscalateAfterDays         int `json:"escalate_after_days"`
	RemindersBeforeEscalation int `json:"reminders_before_escalation"`
	ActionTimeoutSeconds      int `json:"action_timeout_seconds"`
}

// DecisionConfig controls candidate ranking and conflict negotiation.
type DecisionConfig struct {
	GoalWeight       float64 `json:"goal_weight"`
	RiskWeight       float64 `json:"risk_weight"`
	NearTieThreshold float64 `json:"near_tie_threshold"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
// Fields absent from the file keep their Default() values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	cfg := Default()
	if err := json.Unmarshal([]byte(resolved), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a config with every threshold at its shipped default.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080, LogLevel: "info"},
		Coordination: CoordinationConfig{
			RequiredReviews:  2,
			ReviewMaxAgeDays: 90,
		},
		Automation: AutomationConfig{
			TickSeconds:               300,
			RemindAfterDays:           7,
			ReviewDueDays:             14,
			EscalateAfterDays:         3,
			RemindersBeforeEscalation: 2,
			ActionTimeoutSeconds:      15,
		},
		Decision: DecisionConfig{
			GoalWeight:       0.6,
			RiskWeight:       0.4,
			NearTieThreshold: 0.05,
		},
	}
}

// TickInterval returns the automation tick period as a duration.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Automation.TickSeconds) * time.Second
}

// ActionTimeout bounds any single outbound action or capability call.
func (c *Config) ActionTimeout() time.Duration {
	return time.Duration(c.Automation.ActionTimeoutSeconds) * time.Second
}

// ReviewMaxAge is how old a submitted review may be before it stops
// counting toward completeness.
func (c *Config) ReviewMaxAge() time.Duration {
	return time.Duration(c.Coordination.ReviewMaxAgeDays) * 24 * time.Hour
}
