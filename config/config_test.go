package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-pipelinev1/internal/condition"
	"signal-pipelinev1/internal/strategy"
	"signal-pipelinev1/internal/variant"
	"signal-pipelinev1/pkg/errors"
)

func TestLoad_DefaultsAndEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SQLITE_PATH", "/tmp/x.db")
	t.Setenv("SHARDS", "8")
	t.Setenv("FEED_SYMBOLS", "btc, eth,")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x.db", cfg.SQLitePath)
	assert.Equal(t, 8, cfg.Shards)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
	assert.Equal(t, []string{"BTC", "ETH"}, cfg.Symbols())
	assert.True(t, cfg.BudgetCap().Equal(decimal.NewFromInt(10000)))
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mode: backtest\nglobal_budget_cap: \"1500\"\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "backtest", cfg.Mode)
	assert.Equal(t, "1500", cfg.GlobalBudgetCap)
}

func TestLoad_Invalid(t *testing.T) {
	t.Chdir(t.TempDir())

	t.Setenv("MODE", "yolo")
	_, err := Load("")
	assert.True(t, errors.HasCode(err, errors.ErrCodeConfig))

	t.Setenv("MODE", "paper")
	t.Setenv("GLOBAL_BUDGET_CAP", "-5")
	_, err = Load("")
	assert.True(t, errors.HasCode(err, errors.ErrCodeConfig))

	t.Setenv("GLOBAL_BUDGET_CAP", "100")
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")
	_, err = Load("")
	assert.True(t, errors.HasCode(err, errors.ErrCodeConfig), "bot token without chat id")
	t.Setenv("TELEGRAM_CHAT_ID", "-10042")
	_, err = Load("")
	assert.NoError(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, errors.HasCode(err, errors.ErrCodeConfig))
}

func TestLoadStrategyFile_Example(t *testing.T) {
	f, err := LoadStrategyFile("strategies.yaml")
	require.NoError(t, err)
	require.Len(t, f.Strategies, 1)

	def, ok := f.Strategy("pump-rider")
	require.True(t, ok)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, def.Symbols)
	assert.Equal(t, condition.OR, def.Sections[condition.E1].Logic)
	assert.Equal(t, strategy.CancelFirst, def.SignalPriority)

	reg := variant.NewRegistry()
	require.NoError(t, f.RegisterVariants(reg))
	vs, err := strategy.ResolveKeys(&def, reg)
	require.NoError(t, err)
	assert.Len(t, vs, 5)
}

func TestParseStrategyFile_Rejects(t *testing.T) {
	dup := `
strategies:
  - id: a
    budget: "10"
    sections:
      S1: {conditions: [{indicator: x, operator: ">", value: 1}]}
      Z1: {conditions: [{indicator: x, operator: ">", value: 1}]}
      E1: {logic: OR, conditions: [{indicator: x, operator: ">", value: 1}]}
  - id: a
    budget: "10"
`
	_, err := ParseStrategyFile([]byte(dup))
	assert.True(t, errors.HasCode(err, errors.ErrCodeConfig))

	_, err = ParseStrategyFile([]byte("strategies: [{id: b, budget: \"5\"}]"))
	assert.True(t, errors.HasCode(err, errors.ErrCodeConfig), "missing sections")
}
