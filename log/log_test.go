package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("trace")
	require.NoError(t, err)
	assert.Equal(t, LevelTrace, lvl)

	lvl, err = ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, LevelInfo, lvl)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestModuleFiltering(t *testing.T) {
	prev := Root()
	defer SetDefault(prev)

	var buf bytes.Buffer
	SetDefault(NewLogger(NewJSONHandlerWithLevel(&buf, LevelTrace)))

	DisableModule(VerifyMonitoring)
	Debug(VerifyMonitoring, "hidden")
	assert.Zero(t, buf.Len())

	EnableModules("verify_mod, chain_mod")
	defer DisableModule(VerifyMonitoring)
	defer DisableModule(ChainMonitoring)
	Debug(VerifyMonitoring, "shown", "input", "did:ethr:0x1:0xabc")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "shown", rec["msg"])
	assert.Equal(t, "debug", rec["level"])
	assert.Equal(t, VerifyMonitoring, rec["module"])
	assert.Equal(t, "did:ethr:0x1:0xabc", rec["input"])
}

func TestWarnIgnoresModuleFilter(t *testing.T) {
	prev := Root()
	defer SetDefault(prev)

	var buf bytes.Buffer
	SetDefault(NewLogger(NewTerminalHandlerWithLevel(&buf, LevelInfo)))
	Warn(StoreMonitoring, "fallback used")
	assert.Contains(t, buf.String(), "level=warn")
	assert.Contains(t, buf.String(), "module=store_mod")
}
