package prompts

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/moprocor/planning"
)

//go:embed templates/instructions.yaml
var defaultTemplate []byte

// Fallback texts used when no template can be loaded.
const (
	fallbackBase = "You are an expert in optimizing production plans for a corrugated box manufacturer. " +
		"Produce a weekly plan made of production runs that minimizes refile and respects delivery dates."
	genericInstruction = "Please analyze the following data and provide an optimized production plan."
)

var fallbackKinds = map[planning.ActionKind]string{
	planning.KindRegister:     "This prompt refers to a registration of a new purchase.",
	planning.KindQuantity:     "This prompt refers to updating the quantity of an existing purchase.",
	planning.KindDeliveryDate: "This prompt refers to updating the delivery date of an existing purchase.",
	planning.KindCancel:       "This prompt refers to the cancellation of an existing purchase.",
}

// KindTemplate is the per-action part of a template.
type KindTemplate struct {
	Instructions string `yaml:"instructions"`
	OutputFormat any    `yaml:"output_format,omitempty"`
}

// Template holds the instruction text and output shapes for every kind.
type Template struct {
	Version      string
	Instructions string
	OutputFormat any
	Kinds        map[planning.ActionKind]KindTemplate
}

// templateFile is the on-disk layout. Besides the nested "actions" map the
// flat legacy keys "<kind>_instructions" and "<kind>_output_format" are
// accepted, including "update_info" for delivery-date updates.
type templateFile struct {
	Version      string                  `yaml:"version"`
	Instructions string                  `yaml:"instructions"`
	OutputFormat any                     `yaml:"output_format"`
	Actions      map[string]KindTemplate `yaml:"actions"`
	Legacy       map[string]any          `yaml:",inline"`
}

// ParseTemplate decodes a YAML or JSON template.
func ParseTemplate(data []byte) (*Template, error) {
	var f templateFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	if strings.TrimSpace(f.Instructions) == "" {
		return nil, fmt.Errorf("template has no base instructions")
	}

	t := &Template{
		Version:      f.Version,
		Instructions: strings.TrimSpace(f.Instructions),
		OutputFormat: normalize(f.OutputFormat),
		Kinds:        make(map[planning.ActionKind]KindTemplate),
	}

	for key, kt := range f.Actions {
		kind, err := planning.ParseActionKind(key)
		if err != nil {
			return nil, fmt.Errorf("template actions: %w", err)
		}
		kt.Instructions = strings.TrimSpace(kt.Instructions)
		kt.OutputFormat = normalize(kt.OutputFormat)
		t.Kinds[kind] = kt
	}

	for key, value := range f.Legacy {
		var name, field string
		switch {
		case strings.HasSuffix(key, "_instructions"):
			name, field = strings.TrimSuffix(key, "_instructions"), "instructions"
		case strings.HasSuffix(key, "_output_format"):
			name, field = strings.TrimSuffix(key, "_output_format"), "output_format"
		default:
			continue
		}
		kind, err := planning.ParseActionKind(name)
		if err != nil {
			continue
		}
		kt := t.Kinds[kind]
		if field == "instructions" {
			s, ok := value.(string)
			if !ok {
				return nil, fmt.Errorf("template key %s must be a string", key)
			}
			kt.Instructions = strings.TrimSpace(s)
		} else {
			kt.OutputFormat = normalize(value)
		}
		t.Kinds[kind] = kt
	}

	return t, nil
}

// LoadTemplate reads and parses a template file.
func LoadTemplate(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template: %w", err)
	}
	return ParseTemplate(data)
}

// DefaultTemplate returns the template compiled into the binary.
func DefaultTemplate() *Template {
	t, err := ParseTemplate(defaultTemplate)
	if err != nil {
		return FallbackTemplate()
	}
	return t
}

// FallbackTemplate returns the minimal built-in template.
func FallbackTemplate() *Template {
	t := &Template{
		Version:      "builtin",
		Instructions: fallbackBase,
		OutputFormat: map[string]any{"production_runs": []any{}},
		Kinds:        make(map[planning.ActionKind]KindTemplate, len(fallbackKinds)),
	}
	for kind, text := range fallbackKinds {
		t.Kinds[kind] = KindTemplate{Instructions: text}
	}
	t.Kinds[planning.KindDeliveryDate] = KindTemplate{
		Instructions: fallbackKinds[planning.KindDeliveryDate],
		OutputFormat: map[string]any{
			"original_program_planning": map[string]any{"production_runs": []any{}},
			"new_program_planning":      map[string]any{"production_runs": []any{}},
		},
	}
	return t
}

// normalize converts yaml.v3 output into values encoding/json can marshal.
// yaml.v3 already decodes mappings as map[string]any; nested values are
// walked so non-string keys from hand-written YAML are stringified.
func normalize(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = normalize(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}
