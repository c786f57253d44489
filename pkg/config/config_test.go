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
	"time"
)

func TestLoadConfig_FromFile(t *testing.T) {
	dir := t.TempDir()
	yaml := `
api:
  port: 9000
  host: "127.0.0.1"
broker:
  type: amqp
  url: "${DOCFLOW_TEST_AMQP_URL}"
  exchange: documents.events
status_store:
  type: redis
  addr: "localhost:6379"
  ttl: "1h"
worker:
  role: document
  supported_extensions: [".pdf", ".txt"]
log:
  level: "debug"
`
	path := filepath.Join(dir, "test.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	t.Setenv("DOCFLOW_TEST_AMQP_URL", "amqp://guest:guest@mq:5672/")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.API.Port != 9000 {
		t.Errorf("API.Port: got %d", cfg.API.Port)
	}
	if cfg.API.Host != "127.0.0.1" {
		t.Errorf("API.Host: got %q", cfg.API.Host)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level: got %q", cfg.Log.Level)
	}
	if cfg.Broker.URL != "amqp://guest:guest@mq:5672/" {
		t.Errorf("Broker.URL not expanded: %q", cfg.Broker.URL)
	}
	if cfg.Worker.Role != "document" || len(cfg.Worker.SupportedExtensions) != 2 {
		t.Errorf("Worker: got %+v", cfg.Worker)
	}
	if cfg.StatusStore.Addr != "localhost:6379" {
		t.Errorf("StatusStore.Addr: got %q", cfg.StatusStore.Addr)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestDuration(t *testing.T) {
	tests := []struct {
		in   string
		def  time.Duration
		want time.Duration
	}{
		{"", time.Second, time.Second},
		{"250ms", time.Second, 250 * time.Millisecond},
		{"bogus", 2 * time.Second, 2 * time.Second},
		{"-1s", 3 * time.Second, 3 * time.Second},
	}
	for _, tt := range tests {
		if got := Duration(tt.in, tt.def); got != tt.want {
			t.Errorf("Duration(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLoadConfig_UnknownSecretProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	yaml := "secrets:\n  provider: k8s\nbroker:\n  url: \"${DOCFLOW_TEST_UNSET}\"\n"
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for unsupported secret provider")
	}
}

func TestLoadConfig_UnresolvedReferenceKept(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unset.yaml")
	yaml := "broker:\n  url: \"${DOCFLOW_TEST_UNSET}\"\n"
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Broker.URL != "${DOCFLOW_TEST_UNSET}" {
		t.Errorf("Broker.URL: got %q", cfg.Broker.URL)
	}
}
