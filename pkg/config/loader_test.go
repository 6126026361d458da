package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

type sample struct {
	DB struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		Password string `yaml:"password"`
	} `yaml:"db"`
	Token string `yaml:"token"`
	Empty string `yaml:"empty"`
}

func TestLoadIntoMergesLayers(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
db:
  host: localhost
  port: 5432
  password: ${DB_PASSWORD}
token: ${API_TOKEN}
empty: ${NOT_SET_ANYWHERE}
`)
	writeFile(t, dir, "staging.yaml", `
db:
  host: staging-db
`)
	writeFile(t, dir, "secrets.env", `
# comment
DB_PASSWORD="from-secrets"
API_TOKEN=from-secrets
`)
	t.Setenv("API_TOKEN", "from-env")

	var cfg sample
	if err := LoadInto("staging", dir, &cfg); err != nil {
		t.Fatalf("LoadInto: %v", err)
	}
	if cfg.DB.Host != "staging-db" || cfg.DB.Port != 5432 {
		t.Fatalf("env file must override base and keep siblings: %+v", cfg.DB)
	}
	if cfg.DB.Password != "from-secrets" {
		t.Fatalf("password = %q", cfg.DB.Password)
	}
	if cfg.Token != "from-env" {
		t.Fatalf("process env must win over secrets.env, got %q", cfg.Token)
	}
	if cfg.Empty != "" {
		t.Fatalf("unset placeholder should be empty, got %q", cfg.Empty)
	}
}

func TestLoadIntoMissingEnvFileIsOptional(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", "token: plain\n")

	var cfg sample
	if err := LoadInto("nope", dir, &cfg); err != nil {
		t.Fatalf("LoadInto: %v", err)
	}
	if cfg.Token != "plain" {
		t.Fatalf("token = %q", cfg.Token)
	}
}

func TestLoadIntoRequiresBase(t *testing.T) {
	var cfg sample
	if err := LoadInto("local", t.TempDir(), &cfg); err == nil {
		t.Fatal("expected error when base.yaml is missing")
	}
}
