// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the orchestrator's hierarchical configuration via viper.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config is the top-level application configuration.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Store        StoreConfig        `mapstructure:"store"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	LLM          LLMConfig          `mapstructure:"llm"`
	Log          LogConfig          `mapstructure:"log"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
}

// ServerConfig is the HTTP/SSE surface bind address.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// StoreConfig selects and configures the Repository backend.
type StoreConfig struct {
	Driver string `mapstructure:"driver"` // memory | postgres
	DSN    string `mapstructure:"dsn"`
}

// OrchestratorConfig holds the run constraint defaults applied when a run's
// own constraints omit a field.
type OrchestratorConfig struct {
	DefaultBudgetUSD               float64 `mapstructure:"default_budget_usd"`
	DefaultTimeoutS                int     `mapstructure:"default_timeout_s"`
	DefaultMaxSteps                int     `mapstructure:"default_max_steps"`
	DefaultReflectionIntervalSteps int     `mapstructure:"default_reflection_interval_steps"`
	CostLedgerApp                  string  `mapstructure:"cost_ledger_app"`
}

// LLMConfig configures the model router, cost estimator, and provider
// adapters. APIKey accepts a `${VAR}`-style reference resolved against the
// process environment (see resolveEnvSecret).
type LLMConfig struct {
	Provider                 string  `mapstructure:"provider"` // mock | openai | anthropic
	APIKey                   string  `mapstructure:"api_key"`
	BaseURL                  string  `mapstructure:"base_url"`
	CheapModel               string  `mapstructure:"cheap_model"`
	DefaultModel             string  `mapstructure:"default_model"`
	ExpensiveModel           string  `mapstructure:"expensive_model"`
	CheapPromptPer1K         float64 `mapstructure:"cheap_prompt_per_1k"`
	CheapCompletionPer1K     float64 `mapstructure:"cheap_completion_per_1k"`
	DefaultPromptPer1K       float64 `mapstructure:"default_prompt_per_1k"`
	DefaultCompletionPer1K   float64 `mapstructure:"default_completion_per_1k"`
	ExpensivePromptPer1K     float64 `mapstructure:"expensive_prompt_per_1k"`
	ExpensiveCompletionPer1K float64 `mapstructure:"expensive_completion_per_1k"`
	RateLimitRPS             float64 `mapstructure:"rate_limit_rps"`
}

// LogConfig is passed straight through to pkg/log.Config.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig controls the optional Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Defaults is the configuration used when no file or environment override
// is present.
func Defaults() Config {
	return Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8000},
		Store:  StoreConfig{Driver: "memory"},
		Orchestrator: OrchestratorConfig{
			DefaultBudgetUSD:               2.0,
			DefaultTimeoutS:                300,
			DefaultMaxSteps:                30,
			DefaultReflectionIntervalSteps: 2,
			CostLedgerApp:                  "taskflow-orchestrator",
		},
		LLM: LLMConfig{
			Provider:                 "mock",
			CheapModel:               "mock-cheap",
			DefaultModel:             "mock-default",
			ExpensiveModel:           "mock-expensive",
			CheapPromptPer1K:         0.0001,
			CheapCompletionPer1K:     0.0002,
			DefaultPromptPer1K:       0.0005,
			DefaultCompletionPer1K:   0.001,
			ExpensivePromptPer1K:     0.002,
			ExpensiveCompletionPer1K: 0.004,
			RateLimitRPS:             5,
		},
		Log:     LogConfig{Level: "info", Format: "json"},
		Metrics: MetricsConfig{Enabled: true, Addr: ":9090"},
	}
}

// Load reads configPath (if non-empty and present) over the defaults, then
// applies environment overrides (TASKFLOW_<SECTION>_<FIELD>) and resolves
// `${VAR}` secret references.
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	v := viper.New()
	v.SetEnvPrefix("taskflow")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only consults the environment for keys viper already
	// knows, so every field is bound explicitly.
	for _, key := range []string{
		"server.host", "server.port", "store.driver", "store.dsn",
		"orchestrator.default_budget_usd", "orchestrator.default_timeout_s", "orchestrator.default_max_steps",
		"orchestrator.default_reflection_interval_steps", "orchestrator.cost_ledger_app",
		"llm.provider", "llm.api_key", "llm.base_url", "llm.cheap_model", "llm.default_model", "llm.expensive_model",
		"llm.cheap_prompt_per_1k", "llm.cheap_completion_per_1k", "llm.default_prompt_per_1k",
		"llm.default_completion_per_1k", "llm.expensive_prompt_per_1k", "llm.expensive_completion_per_1k",
		"llm.rate_limit_rps", "log.level", "log.format", "metrics.enabled", "metrics.addr",
	} {
		_ = v.BindEnv(key)
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	resolveEnvSecret(&cfg.LLM.APIKey)
	return &cfg, nil
}

// resolveEnvSecret replaces a `${VAR}` placeholder with its environment
// value, so API keys never have to live in the config file itself.
func resolveEnvSecret(value *string) {
	if !strings.HasPrefix(*value, "${") || !strings.HasSuffix(*value, "}") {
		return
	}
	envVar := strings.TrimSuffix(strings.TrimPrefix(*value, "${"), "}")
	if v := os.Getenv(envVar); v != "" {
		*value = v
	}
}
