package configschema

import (
	"encoding/json"
	"testing"
)

func TestBuild_UsesConfigKeys(t *testing.T) {
	schema, err := Build()
	if err != nil {
		t.Fatalf("build schema: %v", err)
	}
	for _, section := range []string{"service", "http", "database", "rotation", "ownership", "fetcher", "observability"} {
		if _, ok := schema.Properties[section]; !ok {
			t.Fatalf("expected %q section, got %v", section, keys(schema.Properties))
		}
	}
	ownership := schema.Properties["ownership"]
	if _, ok := ownership.Properties["lease_ttl"]; !ok {
		t.Fatalf("expected snake_case keys, got %v", keys(ownership.Properties))
	}
	if _, ok := schema.Properties["HTTP"]; ok {
		t.Fatal("Go field names must not leak into the schema")
	}
}

func TestBuild_DefaultsAndDurations(t *testing.T) {
	schema, err := Build()
	if err != nil {
		t.Fatalf("build schema: %v", err)
	}
	timeout := schema.Properties["fetcher"].Properties["timeout"]
	if timeout.Type != "string" || string(timeout.Default) != `"30s"` {
		t.Fatalf("expected string duration defaulting to 30s, got type=%q default=%s", timeout.Type, timeout.Default)
	}
	shutdown := schema.Properties["http"].Properties["shutdown_timeout"]
	if string(shutdown.Default) != `"15s"` {
		t.Fatalf("durations must not share a default, got %s", shutdown.Default)
	}
	var port int
	if err := json.Unmarshal(schema.Properties["http"].Properties["port"].Default, &port); err != nil || port != 8080 {
		t.Fatalf("expected port default 8080, got %d (%v)", port, err)
	}
	if len(schema.Required) != 0 {
		t.Fatalf("fully defaulted sections must not be required, got %v", schema.Required)
	}
}

func TestBuild_Enums(t *testing.T) {
	schema, err := Build()
	if err != nil {
		t.Fatalf("build schema: %v", err)
	}
	dbType := schema.Properties["database"].Properties["type"]
	if len(dbType.Enum) != 5 {
		t.Fatalf("expected 5 database types, got %v", dbType.Enum)
	}
	if schema.Schema == "" || schema.Title == "" {
		t.Fatal("expected $schema and title")
	}
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
