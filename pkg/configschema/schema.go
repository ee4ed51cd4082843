// Package configschema renders a JSON Schema describing the keyrotate config file.
package configschema

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/nimburion/keyrotate/pkg/config"
)

const draft = "https://json-schema.org/draft/2020-12/schema"

var durationType = reflect.TypeOf(time.Duration(0))

// enums restricts string settings to the values Validate accepts.
var enums = map[string][]any{
	"database.type":            {config.DatabaseTypeSQLite, config.DatabaseTypePostgres, config.DatabaseTypeMySQL, config.DatabaseTypeRedis, config.DatabaseTypeMemory},
	"observability.log_level":  {"debug", "info", "warn", "warning", "error"},
	"observability.log_format": {"json", "text", "console"},
}

// Build returns the schema for config.Config with every default from
// config.DefaultConfig filled in. Durations are strings such as "30s".
func Build() (*jsonschema.Schema, error) {
	t := reflect.TypeOf(config.Config{})
	schema, err := jsonschema.ForType(t, &jsonschema.ForOptions{
		IgnoreInvalidTypes: true,
		TypeSchemas: map[reflect.Type]*jsonschema.Schema{
			durationType: {Type: "string"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("build config schema: %w", err)
	}

	applyFieldNames(schema, t, "")
	injectDefaults(schema, reflect.ValueOf(*config.DefaultConfig()))
	pruneRequiredWithDefaults(schema)

	schema.Schema = draft
	schema.Title = "keyrotate configuration"
	schema.Description = "Settings read from the config file; KEYROTATE_* environment variables and flags override them."
	return schema, nil
}

// applyFieldNames renames properties from Go field names to the mapstructure
// keys viper reads, gives each duration its own schema and attaches enums.
func applyFieldNames(schema *jsonschema.Schema, t reflect.Type, prefix string) {
	if schema == nil || t.Kind() != reflect.Struct || len(schema.Properties) == 0 {
		return
	}
	renamed := make(map[string]string, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		key := fieldKeyName(field)
		prop, ok := schema.Properties[field.Name]
		if !ok {
			continue
		}
		delete(schema.Properties, field.Name)
		renamed[field.Name] = key

		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		if field.Type == durationType {
			prop = &jsonschema.Schema{Type: "string", Description: "Go duration, e.g. 30s or 5m"}
		}
		if values, ok := enums[path]; ok {
			prop.Enum = values
		}
		schema.Properties[key] = prop
		applyFieldNames(prop, field.Type, path)
	}
	schema.Required = renameAll(schema.Required, renamed)
	schema.PropertyOrder = renameAll(schema.PropertyOrder, renamed)
}

func renameAll(names []string, renamed map[string]string) []string {
	if len(names) == 0 {
		return names
	}
	out := make([]string, 0, len(names))
	for _, name := range names {
		if mapped, ok := renamed[name]; ok {
			name = mapped
		}
		out = append(out, name)
	}
	return out
}

func injectDefaults(schema *jsonschema.Schema, value reflect.Value) {
	if schema == nil || !value.IsValid() {
		return
	}
	if value.Kind() == reflect.Struct && value.Type() != durationType {
		t := value.Type()
		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)
			if !field.IsExported() {
				continue
			}
			if prop, ok := schema.Properties[fieldKeyName(field)]; ok {
				injectDefaults(prop, value.Field(i))
			}
		}
		return
	}
	if schema.Default != nil {
		return
	}
	var raw any = value.Interface()
	if value.Type() == durationType {
		raw = value.Interface().(time.Duration).String()
	}
	if payload, err := json.Marshal(raw); err == nil {
		schema.Default = payload
	}
}

// pruneRequiredWithDefaults drops required entries that have a default, and
// sections whose fields all have one, so a partial config file still validates.
func pruneRequiredWithDefaults(schema *jsonschema.Schema) {
	if schema == nil {
		return
	}
	for _, prop := range schema.Properties {
		pruneRequiredWithDefaults(prop)
	}
	kept := schema.Required[:0]
	for _, name := range schema.Required {
		prop := schema.Properties[name]
		if prop == nil || (prop.Default == nil && !(prop.Type == "object" && len(prop.Required) == 0)) {
			kept = append(kept, name)
		}
	}
	schema.Required = kept
}

func fieldKeyName(field reflect.StructField) string {
	for _, tag := range []string{"mapstructure", "yaml"} {
		if name, _, _ := strings.Cut(field.Tag.Get(tag), ","); name != "" && name != "-" {
			return name
		}
	}
	return strings.ToLower(field.Name)
}
