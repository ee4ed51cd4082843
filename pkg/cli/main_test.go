package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nimburion/keyrotate/pkg/config"
	"github.com/nimburion/keyrotate/pkg/keystore"
	"github.com/nimburion/keyrotate/pkg/observability/logger"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewCommand(Options{Name: "keyrotate", Description: "test"})
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func sqliteArgs(t *testing.T) []string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keys.db")
	return []string{"--database-type", "sqlite", "--database-url", path, "--log-level", "error"}
}

func TestNewCommand_Subcommands(t *testing.T) {
	cmd := NewCommand(Options{})
	for _, path := range [][]string{
		{"serve"}, {"migrate"}, {"keys", "list"}, {"autorun", "status"},
		{"config", "show"}, {"config", "validate"}, {"config", "schema"}, {"healthcheck"}, {"version"},
	} {
		found, _, err := cmd.Find(path)
		if err != nil || found.Name() != path[len(path)-1] {
			t.Fatalf("expected command %v, got %v (%v)", path, found, err)
		}
	}
	if cmd.RunE == nil {
		t.Fatal("bare command must serve")
	}
	for name := range config.FlagKeys {
		if cmd.PersistentFlags().Lookup(name) == nil {
			t.Fatalf("flag %q not registered", name)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out, "Service:    keyrotate") || !strings.Contains(out, "Version:") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestConfigShow_MasksPassword(t *testing.T) {
	out, err := run(t, "config", "show",
		"--database-type", "postgres",
		"--database-url", "postgres://rotator:hunter2@db:5432/keys",
		"--port", "9090",
	)
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	if strings.Contains(out, "hunter2") {
		t.Fatalf("password leaked:\n%s", out)
	}
	if !strings.Contains(out, "rotator:xxxxx@db:5432") || !strings.Contains(out, "port: 9090") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestConfigValidate(t *testing.T) {
	if out, err := run(t, "config", "validate", "--database-type", "memory"); err != nil || !strings.Contains(out, "valid") {
		t.Fatalf("expected valid config, got %q (%v)", out, err)
	}
	if _, err := run(t, "config", "validate", "--database-type", "cassandra"); err == nil {
		t.Fatal("expected validation error for unsupported database type")
	}
}

func TestConfigSchema(t *testing.T) {
	out, err := run(t, "config", "schema")
	if err != nil {
		t.Fatalf("config schema: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("schema is not JSON: %v\n%s", err, out)
	}
	props, _ := doc["properties"].(map[string]any)
	if _, ok := props["ownership"]; !ok {
		t.Fatalf("expected ownership section, got %v", props)
	}
}

func TestKeysAndAutoRunCommands(t *testing.T) {
	args := sqliteArgs(t)
	if _, err := run(t, append([]string{"migrate"}, args...)...); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	dbURL := args[3]
	store, err := keystore.New(config.DatabaseConfig{Type: "sqlite", URL: dbURL}, logger.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	ctx := context.Background()
	now := time.Now().UTC()
	for _, k := range []keystore.Key{
		{ID: "alpha", Secret: "SecretAlphaValue", IsActive: true, CreatedAt: now, LastRotatedAt: now, RotationIntervalSeconds: 60},
		{ID: "beta", Secret: "token_beta_value", IsActive: false, CreatedAt: now.Add(time.Second), RotationIntervalSeconds: 30},
	} {
		if err := store.CreateKey(ctx, k); err != nil {
			t.Fatalf("create %s: %v", k.ID, err)
		}
	}
	if _, _, err := store.ClaimOwner(ctx, "worker-7", 0); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	out, err := run(t, append([]string{"keys", "list"}, args...)...)
	if err != nil {
		t.Fatalf("keys list: %v", err)
	}
	if !strings.Contains(out, "alpha") || !strings.Contains(out, "beta") || strings.Contains(out, "SecretAlphaValue") {
		t.Fatalf("unexpected list output:\n%s", out)
	}
	if strings.Index(out, "beta") > strings.Index(out, "alpha") {
		t.Fatalf("expected newest first:\n%s", out)
	}

	out, err = run(t, append([]string{"keys", "list", "--search", "TOKEN", "--json"}, args...)...)
	if err != nil {
		t.Fatalf("keys search: %v", err)
	}
	if !strings.Contains(out, `"id": "beta"`) || strings.Contains(out, `"id": "alpha"`) {
		t.Fatalf("unexpected search output:\n%s", out)
	}

	out, err = run(t, append([]string{"autorun", "status"}, args...)...)
	if err != nil {
		t.Fatalf("autorun status: %v", err)
	}
	if !strings.Contains(out, "auto-run: enabled") || !strings.Contains(out, "owner:    worker-7") {
		t.Fatalf("unexpected status output:\n%s", out)
	}

	out, err = run(t, append([]string{"healthcheck"}, args...)...)
	if err != nil || !strings.Contains(out, "key store: ok") {
		t.Fatalf("healthcheck: %q (%v)", out, err)
	}
}

func TestHealthcheck_FailsOnUnreachableStore(t *testing.T) {
	_, err := run(t, "healthcheck",
		"--database-type", "redis",
		"--database-url", "redis://127.0.0.1:1/0",
		"--log-level", "error",
	)
	if err == nil {
		t.Fatal("expected error for unreachable redis")
	}
}
