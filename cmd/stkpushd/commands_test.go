package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goliatone/go-stkpush/migrations"
)

func TestRootCommand_RegistersSubcommands(t *testing.T) {
	root := newRootCommand()
	want := map[string]bool{"serve": false, "migrate": false, "test-connection": false, "sweep": false}
	for _, cmd := range root.Commands() {
		if _, ok := want[cmd.Name()]; ok {
			want[cmd.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Fatalf("expected %s subcommand", name)
		}
	}
}

func TestLoadConfig_ReadsDotenvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	content := "MPESA_SHORTCODE=600999\nMPESA_ENVIRONMENT=production\n"
	if err := os.WriteFile(envFile, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("MPESA_SHORTCODE", "")
	_ = os.Unsetenv("MPESA_SHORTCODE")
	t.Setenv("MPESA_ENVIRONMENT", "")
	_ = os.Unsetenv("MPESA_ENVIRONMENT")

	cfg, err := loadConfig(context.Background(), envFile)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Mpesa.ShortCode != "600999" {
		t.Fatalf("expected shortcode from dotenv, got %q", cfg.Mpesa.ShortCode)
	}
	if cfg.Mpesa.Environment != "production" {
		t.Fatalf("expected production environment, got %q", cfg.Mpesa.Environment)
	}
}

func TestLoadConfig_IgnoresMissingDotenvFile(t *testing.T) {
	if _, err := loadConfig(context.Background(), filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("expected missing dotenv file to be ignored: %v", err)
	}
}

func TestOpenPersistence_SelectsDialect(t *testing.T) {
	cases := []struct {
		name    string
		driver  string
		dialect string
		wantErr bool
	}{
		{name: "sqlite default", driver: "", dialect: migrations.DialectSQLite},
		{name: "sqlite3 alias", driver: "sqlite3", dialect: migrations.DialectSQLite},
		{name: "unknown driver", driver: "oracle", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testDatabaseConfig(t)
			cfg.Driver = tc.driver
			client, dialect, err := openPersistence(context.Background(), cfg)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for driver %q", tc.driver)
				}
				return
			}
			if err != nil {
				t.Fatalf("open persistence: %v", err)
			}
			defer func() { _ = client.Close() }()
			if dialect != tc.dialect {
				t.Fatalf("expected dialect %q, got %q", tc.dialect, dialect)
			}
		})
	}
}

func TestSweepCommand_RunsAgainstMigratedSQLite(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("DATABASE_DSN", testDatabaseConfig(t).DSN)
	t.Setenv("MPESA_CONSUMER_KEY", "consumer_key")
	t.Setenv("MPESA_CONSUMER_SECRET", "consumer_secret")
	t.Setenv("MPESA_SHORTCODE", "174379")
	t.Setenv("MPESA_PASSKEY", "passkey")
	t.Setenv("MPESA_CALLBACK_URL", "https://example.com/mpesa/callback")
	t.Setenv("REDIS_ADDR", "")

	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--env-file", "", "migrate"})
	if err := root.Execute(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	root = newRootCommand()
	out.Reset()
	root.SetOut(&out)
	root.SetArgs([]string{"--env-file", "", "sweep"})
	if err := root.Execute(); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	var payload struct {
		Sweep struct {
			Scanned int `json:"Scanned"`
		} `json:"sweep"`
	}
	if err := json.Unmarshal(out.Bytes(), &payload); err != nil {
		t.Fatalf("decode sweep output %q: %v", out.String(), err)
	}
	if payload.Sweep.Scanned != 0 {
		t.Fatalf("expected empty sweep on a fresh database, got %d", payload.Sweep.Scanned)
	}
	if !strings.Contains(out.String(), "dispatch") {
		t.Fatalf("expected outbox dispatch stats in output: %s", out.String())
	}
}
