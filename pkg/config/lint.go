package config

import (
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/mitchellh/mapstructure"
)

// LintResult collects structural problems in a raw config document.
type LintResult struct {
	UnknownFields []string
	TypeErrors    []string
}

// Valid returns true if there are no structural problems.
func (r *LintResult) Valid() bool {
	return len(r.UnknownFields) == 0 && len(r.TypeErrors) == 0
}

// FormatErrors returns a human-readable report.
func (r *LintResult) FormatErrors() string {
	if r.Valid() {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("Configuration validation errors:\n")

	if len(r.UnknownFields) > 0 {
		sb.WriteString("\nUnknown fields (typos or wrong nesting):\n")
		for _, field := range r.UnknownFields {
			sb.WriteString(fmt.Sprintf("  - %s\n", field))
		}
	}

	if len(r.TypeErrors) > 0 {
		sb.WriteString("\nType errors:\n")
		for _, err := range r.TypeErrors {
			sb.WriteString(fmt.Sprintf("  - %s\n", err))
		}
	}

	return sb.String()
}

// Lint decodes raw bytes strictly, catching unknown keys and type mismatches
// before the tolerant loader runs. The loader itself stays weakly typed so
// that old configs keep loading; lint is the opt-in strict pass.
func Lint(data []byte) (*LintResult, error) {
	rawMap, err := parseBytes(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	expanded := expandEnvVars(rawMap)

	result := &LintResult{}
	cfg := &Config{}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      cfg,
		TagName:     "yaml",
		ErrorUnused: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(expanded); err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "has invalid keys:") || strings.Contains(errStr, "unused key") {
			result.UnknownFields = extractUnknownFields(errStr)
		} else {
			result.TypeErrors = append(result.TypeErrors, errStr)
		}
	}

	return result, nil
}

// extractUnknownFields parses mapstructure's "has invalid keys: a, b" format.
func extractUnknownFields(errMsg string) []string {
	var fields []string

	if idx := strings.Index(errMsg, "has invalid keys:"); idx != -1 {
		keysStr := strings.TrimSpace(errMsg[idx+len("has invalid keys:"):])
		for _, key := range strings.Split(keysStr, ",") {
			if key = strings.TrimSpace(key); key != "" {
				fields = append(fields, key)
			}
		}
	}

	if len(fields) == 0 {
		fields = []string{errMsg}
	}

	return fields
}

// Schema generates the JSON schema of the full configuration tree, for
// editor completion and docs.
func Schema() (map[string]any, error) {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             false,
	}

	schema := reflector.Reflect(&Config{})

	raw, err := schema.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}

	result, err := parseBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to convert schema: %w", err)
	}
	return result, nil
}
