package budget

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoadPricingTable_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
openrouter:
  openai/gpt-4o-mini:
    in_usd_per_1k: 0.00015
    out_usd_per_1k: 0.0006
  mistralai/mistral-7b-instruct:
    in_usd_per_1k: 0.00007
`), 0o644))

	table := LoadPricingTable(path, DefaultUnknownPrice(), zap.NewNop())
	assert.Equal(t, path, table.Source())

	p, ok := table.Lookup("openai/gpt-4o-mini")
	require.True(t, ok)
	assert.True(t, d("0.00015").Equal(p.InputPer1K))
	assert.True(t, d("0.0006").Equal(p.OutputPer1K))

	// 缺失字段回退到未知模型价格
	p, ok = table.Lookup("mistralai/mistral-7b-instruct")
	require.True(t, ok)
	assert.True(t, d("0.00007").Equal(p.InputPer1K))
	assert.True(t, d("0.20").Equal(p.OutputPer1K))

	models := table.Models()
	require.Len(t, models, 2)
	assert.Equal(t, "mistralai/mistral-7b-instruct", models[0].Model)
}

func TestLoadPricingTable_Fallbacks(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("openrouter:\n  m:\n    in_usd_per_1k: abc\n"), 0o644))
	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("other: {}\n"), 0o644))

	for _, path := range []string{"", filepath.Join(dir, "missing.yaml"), bad, empty} {
		core, logs := observer.New(zap.WarnLevel)
		table := LoadPricingTable(path, DefaultUnknownPrice(), zap.New(core))

		assert.Equal(t, "embedded", table.Source(), path)
		assert.Len(t, table.Models(), len(DefaultPrices()))
		assert.Equal(t, 1, logs.Len(), path)
	}
}

func TestPricingTable_UnknownModel(t *testing.T) {
	table := NewPricingTable(DefaultPrices(), DefaultUnknownPrice())
	p, ok := table.Lookup("nope/nope")
	assert.False(t, ok)
	assert.True(t, d("0.10").Equal(p.InputPer1K))
	assert.True(t, d("0.20").Equal(p.OutputPer1K))
}

func TestPricingTable_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.yaml")
	table := NewPricingTable(DefaultPrices(), DefaultUnknownPrice())

	require.Error(t, table.Reload(path), "missing file")
	assert.Equal(t, "embedded", table.Source())

	require.NoError(t, os.WriteFile(path, []byte("openrouter:\n  x/y:\n    in_usd_per_1k: 1\n    out_usd_per_1k: 2\n"), 0o644))
	require.NoError(t, table.Reload(path))
	assert.Equal(t, path, table.Source())
	require.Len(t, table.Models(), 1)

	_, ok := table.Lookup("openai/gpt-4o-mini")
	assert.False(t, ok, "reload replaces the whole table")

	require.NoError(t, os.WriteFile(path, []byte("openrouter:\n  x/y:\n    in_usd_per_1k: -1\n"), 0o644))
	require.Error(t, table.Reload(path))
	p, ok := table.Lookup("x/y")
	require.True(t, ok, "failed reload keeps the previous prices")
	assert.True(t, d("2").Equal(p.OutputPer1K))
}
