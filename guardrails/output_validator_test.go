package guardrails

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestOutputValidator_Validate(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		cfg       OutputValidatorConfig
		text      string
		wantValid bool
		wantScore float64
		reason    string
	}{
		{
			name:   "empty",
			text:   " \n",
			reason: "empty output",
		},
		{
			name:   "too long counts runes",
			cfg:    OutputValidatorConfig{MaxLength: 3},
			text:   "ação!",
			reason: "maximum length (5 > 3)",
		},
		{
			name:      "exact length passes",
			cfg:       OutputValidatorConfig{MaxLength: 4},
			text:      "ação",
			wantValid: true,
			wantScore: 1.0,
		},
		{
			name:   "invalid json",
			cfg:    OutputValidatorConfig{Format: FormatJSON},
			text:   "{not json",
			reason: "invalid JSON",
		},
		{
			name:   "array expected",
			cfg:    OutputValidatorConfig{Format: FormatJSONArray},
			text:   `{"a":1}`,
			reason: "expected a JSON array",
		},
		{
			name:      "array item missing field",
			cfg:       OutputValidatorConfig{Format: FormatJSONArray, RequiredFields: []string{"messages"}},
			text:      `[{"x":1}]`,
			wantScore: 0.3,
			reason:    "missing required fields: [messages]",
		},
		{
			name:      "non object items skipped",
			cfg:       OutputValidatorConfig{Format: FormatJSONArray, RequiredFields: []string{"messages"}},
			text:      `[1, "a", {"messages": []}]`,
			wantValid: true,
			wantScore: 1.0,
		},
		{
			name:      "json array items checked",
			cfg:       OutputValidatorConfig{Format: FormatJSON, RequiredFields: []string{"messages"}},
			text:      `[{"messages": []}, {"x":1}]`,
			wantScore: 0.3,
			reason:    "item 1 is missing required fields: [messages]",
		},
		{
			name:      "json array items complete",
			cfg:       OutputValidatorConfig{Format: FormatJSON, RequiredFields: []string{"messages"}},
			text:      `[{"messages": []}]`,
			wantValid: true,
			wantScore: 1.0,
		},
		{
			name:      "object missing fields",
			cfg:       OutputValidatorConfig{Format: FormatJSON, RequiredFields: []string{"a", "b", "c"}},
			text:      `{"b":2}`,
			wantScore: 0.3,
			reason:    "[a c]",
		},
		{
			name:      "object ok",
			cfg:       OutputValidatorConfig{Format: FormatJSON, RequiredFields: []string{"a"}},
			text:      `{"a":null}`,
			wantValid: true,
			wantScore: 1.0,
		},
		{
			name:   "api key leak",
			text:   "use api_key: sk-or-v1-abcdefghijklmnopqrstuvwxyz",
			reason: "sensitive information",
		},
		{
			name:   "connection string leak",
			text:   "conecte em postgresql://admin:segredo@db:5432/app",
			reason: "sensitive information",
		},
		{
			name:   "env marker leak",
			text:   "defina DB_PASSWORD no ambiente",
			reason: "sensitive information",
		},
		{
			name:      "short password-like text passes",
			text:      "a password: curta",
			wantValid: true,
			wantScore: 1.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewOutputValidator(tt.cfg, zap.NewNop())
			got := v.Validate(ctx, tt.text, nil)
			assert.Equal(t, tt.wantValid, got.IsValid)
			assert.Equal(t, tt.wantScore, got.Score)
			if tt.reason != "" {
				assert.Contains(t, got.Reason, tt.reason)
			}
		})
	}
}

func TestOutputValidator_Presets(t *testing.T) {
	ds := NewDatasetValidator(nil)
	cfg := ds.Config()
	assert.Equal(t, FormatJSONArray, cfg.Format)
	assert.Equal(t, []string{"messages"}, cfg.RequiredFields)

	obj := NewJSONValidator([]string{"id"}, false, nil)
	assert.Equal(t, FormatJSON, obj.Config().Format)

	text := NewOutputValidator(OutputValidatorConfig{}, nil)
	assert.Equal(t, FormatText, text.Config().Format)
}

func TestSanitize(t *testing.T) {
	in := `api_key="abcdefghijklmnopqrstuvwxyz" secret: ABCDEFGHIJKLMNOPQRSTUVWX password=hunter2hunter2`
	out := Sanitize(in)

	assert.Contains(t, out, "[API_KEY_REDACTED]")
	assert.Contains(t, out, "[SECRET_REDACTED]")
	assert.Contains(t, out, "[PASSWORD_REDACTED]")
	assert.NotContains(t, out, "abcdefghijklmnopqrstuvwxyz")
	assert.NotContains(t, out, "hunter2")

	assert.Equal(t, "nada a esconder", NewOutputValidator(OutputValidatorConfig{}, nil).Sanitize("nada a esconder"))
}

func TestExtractJSONFromText(t *testing.T) {
	tests := []struct {
		name string
		text string
		want any
	}{
		{
			name: "object in prose",
			text: `Here is the data: {"a":1} thanks`,
			want: map[string]any{"a": float64(1)},
		},
		{
			name: "array first",
			text: "```json\n[{\"messages\": []}]\n```",
			want: []any{map[string]any{"messages": []any{}}},
		},
		{
			name: "brackets inside strings",
			text: `resultado: {"s": "a } b ] \" {", "n": [1,2]} fim`,
			want: map[string]any{"s": `a } b ] " {`, "n": []any{float64(1), float64(2)}},
		},
		{
			name: "skips broken candidate",
			text: `{oops} depois {"ok": true}`,
			want: map[string]any{"ok": true},
		},
		{
			name: "nested start after failed outer",
			text: `{"a": {"b": 1}`,
			want: map[string]any{"b": float64(1)},
		},
		{
			name: "nothing",
			text: "sem json aqui",
			want: nil,
		},
		{
			name: "unbalanced",
			text: `{"a": 1`,
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractJSONFromText(tt.text))
		})
	}
}

func TestValidateToolCalls(t *testing.T) {
	valid := map[string]any{
		"messages": []any{
			map[string]any{"role": "user", "content": "qual a cotação da PETR4?"},
			map[string]any{
				"role":    "assistant",
				"content": "",
				"tool_calls": []any{
					map[string]any{"name": "get_quote", "arguments": map[string]any{"ticker": "PETR4"}},
				},
			},
		},
	}

	tests := []struct {
		name   string
		input  any
		ok     bool
		reason string
	}{
		{name: "single object", input: valid, ok: true},
		{name: "list", input: []any{valid, valid}, ok: true},
		{name: "scalar", input: "x", reason: "expected a JSON object or array"},
		{name: "item not object", input: []any{valid, 3}, reason: "item 1 is not an object"},
		{name: "missing messages", input: []any{map[string]any{"x": 1}}, reason: "item 0 is missing 'messages'"},
		{name: "messages not list", input: map[string]any{"messages": "oi"}, reason: "'messages' must be a list"},
		{
			name:   "message missing content",
			input:  map[string]any{"messages": []any{map[string]any{"role": "user"}}},
			reason: "message 0 is missing 'content'",
		},
		{
			name: "tool_calls not list",
			input: map[string]any{"messages": []any{
				map[string]any{"role": "assistant", "content": "", "tool_calls": map[string]any{}},
			}},
			reason: "'tool_calls' must be a list",
		},
		{
			name: "tool call missing arguments",
			input: map[string]any{"messages": []any{
				map[string]any{"role": "assistant", "content": "", "tool_calls": []any{map[string]any{"name": "f"}}},
			}},
			reason: "tool_call 0 is missing 'arguments'",
		},
		{
			name: "user tool_calls ignored",
			input: map[string]any{"messages": []any{
				map[string]any{"role": "user", "content": "x", "tool_calls": "whatever"},
			}},
			ok: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ValidateToolCalls(tt.input)
			require.Equal(t, tt.ok, got.IsValid, got.Reason)
			if !tt.ok {
				assert.Contains(t, got.Reason, tt.reason)
				assert.Equal(t, 0.0, got.Score)
			}
		})
	}
}

func TestExtractThenValidateDataset(t *testing.T) {
	raw := "Claro! Aqui está:\n" + `[{"messages":[{"role":"user","content":"oi"}]}]` + "\nEspero ter ajudado."
	parsed := ExtractJSONFromText(raw)
	require.NotNil(t, parsed)
	assert.True(t, ValidateToolCalls(parsed).IsValid)
}
