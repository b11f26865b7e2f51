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

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Orchestrator.DefaultBudgetUSD != 2.0 {
		t.Errorf("DefaultBudgetUSD: got %v", cfg.Orchestrator.DefaultBudgetUSD)
	}
	if cfg.LLM.Provider != "mock" {
		t.Errorf("LLM.Provider: got %q", cfg.LLM.Provider)
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	yaml := `
server:
  port: 9000
  host: "127.0.0.1"
log:
  level: "debug"
orchestrator:
  default_max_steps: 50
`
	path := filepath.Join(dir, "test.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port: got %d", cfg.Server.Port)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host: got %q", cfg.Server.Host)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level: got %q", cfg.Log.Level)
	}
	if cfg.Orchestrator.DefaultMaxSteps != 50 {
		t.Errorf("Orchestrator.DefaultMaxSteps: got %d", cfg.Orchestrator.DefaultMaxSteps)
	}
}

func TestLoad_EnvSecret(t *testing.T) {
	t.Setenv("MY_API_KEY", "secret-value")
	dir := t.TempDir()
	yaml := `
llm:
  api_key: "${MY_API_KEY}"
`
	path := filepath.Join(dir, "test.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.APIKey != "secret-value" {
		t.Errorf("LLM.APIKey: got %q", cfg.LLM.APIKey)
	}
}
