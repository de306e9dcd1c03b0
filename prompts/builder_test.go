package prompts

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/moprocor/planning"
)

func sampleData() map[string]any {
	return map[string]any{
		"purchase": planning.PurchaseOrder{
			ArapackLot:            "52341",
			OrderNumber:           "4500247311",
			Symbol:                "DEG SUA CE-01 4017016 (PDA)",
			Quantity:              10000,
			EstimatedDeliveryDate: time.Date(2025, 5, 8, 0, 0, 0, 0, time.UTC),
			WeekOfYear:            19,
		},
		"program_planning": planning.NewWeeklyPlan(19, time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)),
	}
}

func TestBuild_DefaultTemplate(t *testing.T) {
	b := NewBuilder("")

	tests := []struct {
		kind planning.ActionKind
		want string
	}{
		{planning.KindRegister, "This prompt refers to a registration of a new purchase"},
		{planning.KindQuantity, "This prompt refers to updating the quantity of an existing purchase"},
		{planning.KindDeliveryDate, "This prompt refers to updating the delivery date of an existing purchase"},
		{planning.KindCancel, "This prompt refers to the cancellation of an existing purchase"},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			prompt := b.Build(tt.kind, sampleData())

			assert.True(t, strings.HasPrefix(prompt, "You are an expert in optimizing production plans"))
			assert.Contains(t, prompt, tt.want)
			assert.Contains(t, prompt, "Here is the data to process:")
			assert.Contains(t, prompt, `"arapack_lot": "52341"`)
			assert.Contains(t, prompt, `"estimated_delivery_date": "2025-05-08T00:00:00Z"`)
			assert.Contains(t, prompt, "valid JSON object")
			assert.Contains(t, prompt, `"production_runs"`)
		})
	}
}

func TestBuild_DeliveryDateHasProgramsFormat(t *testing.T) {
	b := NewBuilder("")

	delivery := b.Build(planning.KindDeliveryDate, sampleData())
	assert.Contains(t, delivery, "Output format for programs:")
	assert.Contains(t, delivery, `"original_program_planning"`)
	assert.Contains(t, delivery, `"new_program_planning"`)

	register := b.Build(planning.KindRegister, sampleData())
	assert.NotContains(t, register, "Output format for programs:")
}

func TestBuild_Deterministic(t *testing.T) {
	b := NewBuilder("")
	first := b.Build(planning.KindRegister, sampleData())
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, b.Build(planning.KindRegister, sampleData()))
	}

	// map keys are sorted
	prompt := b.Build(planning.KindCancel, map[string]any{"zeta": 1, "alpha": 2})
	assert.Less(t, strings.Index(prompt, `"alpha"`), strings.Index(prompt, `"zeta"`))
}

func TestBuild_UnknownKind(t *testing.T) {
	b := NewBuilder("")
	prompt := b.Build(planning.ActionKind("reprint"), sampleData())

	assert.Contains(t, prompt, "Please analyze the following data and provide an optimized production plan")
	assert.Contains(t, prompt, `"order_number": "4500247311"`)
}

func TestBuild_MissingTemplateFallsBack(t *testing.T) {
	b := NewBuilder(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.Equal(t, "builtin", b.Version())

	prompt := b.Build(planning.KindRegister, sampleData())
	assert.NotEmpty(t, prompt)
	assert.Contains(t, prompt, "You are an expert in optimizing production plans")
	assert.Contains(t, prompt, "This prompt refers to a registration of a new purchase")
	assert.Contains(t, prompt, `"symbol": "DEG SUA CE-01 4017016 (PDA)"`)

	delivery := b.Build(planning.KindDeliveryDate, sampleData())
	assert.Contains(t, delivery, "Output format for programs:")
}

func TestBuild_InvalidTemplateFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instructions.yaml")
	require.NoError(t, os.WriteFile(path, []byte("instructions: [unterminated"), 0o644))

	b := NewBuilder(path)
	assert.Equal(t, "builtin", b.Version())
	assert.Contains(t, b.Build(planning.KindCancel, sampleData()), "cancellation")
}

func TestBuild_UnencodableData(t *testing.T) {
	b := NewBuilder("")
	prompt := b.Build(planning.KindRegister, map[string]any{"ch": make(chan int)})
	assert.Contains(t, prompt, "Here is the data to process:")
	assert.Contains(t, prompt, "ch:")
}

func TestParseTemplate_LegacyFlatKeys(t *testing.T) {
	legacy := `{
  "instructions": "Base rules.",
  "register_instructions": "Register text.",
  "update_info_instructions": "Date text.",
  "output_format": {"production_runs": []},
  "update_info_output_format": {"original_program_planning": {}, "new_program_planning": {}}
}`

	tmpl, err := ParseTemplate([]byte(legacy))
	require.NoError(t, err)

	assert.Equal(t, "Register text.", tmpl.Kinds[planning.KindRegister].Instructions)
	assert.Equal(t, "Date text.", tmpl.Kinds[planning.KindDeliveryDate].Instructions)
	assert.NotNil(t, tmpl.Kinds[planning.KindDeliveryDate].OutputFormat)

	prompt := NewBuilderFromTemplate(tmpl).Build(planning.KindQuantity, map[string]any{})
	// quantity has no text in this template, so the built-in block is used
	assert.Contains(t, prompt, "This prompt refers to updating the quantity of an existing purchase")
}

func TestParseTemplate_Errors(t *testing.T) {
	_, err := ParseTemplate([]byte(`version: "1"`))
	assert.Error(t, err, "base instructions are required")

	_, err = ParseTemplate([]byte("instructions: x\nactions:\n  reprint:\n    instructions: y\n"))
	assert.Error(t, err, "unknown action kinds are rejected")
}

func TestReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instructions.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: v1\ninstructions: First.\n"), 0o644))

	b := NewBuilder(path)
	assert.Equal(t, "v1", b.Version())

	require.NoError(t, os.WriteFile(path, []byte("version: v2\ninstructions: Second.\n"), 0o644))
	require.NoError(t, b.Reload())
	assert.Equal(t, "v2", b.Version())

	require.NoError(t, os.WriteFile(path, []byte("version: v3\n"), 0o644))
	assert.Error(t, b.Reload())
	assert.Equal(t, "v2", b.Version(), "a bad template keeps the previous one")
}

func TestWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instructions.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: v1\ninstructions: First.\n"), 0o644))

	b := NewBuilder(path)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, b.Watch(ctx))

	require.NoError(t, os.WriteFile(path, []byte("version: v2\ninstructions: Second.\n"), 0o644))

	require.Eventually(t, func() bool {
		return b.Version() == "v2"
	}, 5*time.Second, 20*time.Millisecond)
	assert.True(t, strings.HasPrefix(b.Build(planning.KindCancel, nil), "Second."))
}
