package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
listen: 0.0.0.0:9000
data_dir: /var/lib/certd
log:
  level: debug
  json: true
  modules: verify_mod,chain_mod
chain:
  mode: rpc
  rpc_url: http://localhost:8545
  contract: "0x5FbDB2315678afecb367f032d93F642f64180aa3"
  chain_id: 31337
  timeout: 2s
  retries: 2
issuance:
  concurrency: 4
  issuer: Example University
verify:
  fallback_to_first: false
  fragment_search: true
  base_url: https://certs.example.edu/verify
admin_token: s3cret
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "certd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, ChainModeSimulated, c.Chain.Mode)
	assert.True(t, c.Verify.FallbackToFirst)
	assert.Equal(t, filepath.Join(c.DataDir, "store"), c.StoreDir())
}

func TestLoadFile(t *testing.T) {
	c, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	assert.Equal(t, "0.0.0.0:9000", c.Listen)
	assert.Equal(t, "debug", c.Log.Level)
	assert.True(t, c.Log.JSON)
	assert.Equal(t, ChainModeRPC, c.Chain.Mode)
	assert.Equal(t, uint64(31337), c.Chain.ChainID)
	assert.Equal(t, 2*time.Second, c.Chain.Timeout)
	assert.Equal(t, 2, c.Chain.Retries)
	assert.Equal(t, 4, c.Issuance.Concurrency)
	assert.False(t, c.Verify.FallbackToFirst)
	assert.Equal(t, "s3cret", c.AdminToken)
	// untouched keys keep their defaults
	assert.Equal(t, 100, c.Log.MaxSizeMB)
	assert.Equal(t, "certd", c.Telemetry.ServiceName)
}

func TestEnvOverrides(t *testing.T) {
	env := map[string]string{
		"CERTD_LISTEN":        ":7000",
		"CERTD_CHAIN_ID":      "0x7a69",
		"CERTD_CHAIN_TIMEOUT": "750ms",
		"CERTD_ADMIN_TOKEN":   "from-env",
		"CERTD_LOG_JSON":      "true",
	}
	c := Default()
	require.NoError(t, c.applyEnv(func(k string) (string, bool) { v, ok := env[k]; return v, ok }))
	assert.Equal(t, ":7000", c.Listen)
	assert.Equal(t, uint64(31337), c.Chain.ChainID)
	assert.Equal(t, 750*time.Millisecond, c.Chain.Timeout)
	assert.Equal(t, "from-env", c.AdminToken)
	assert.True(t, c.Log.JSON)

	bad := map[string]string{"CERTD_CHAIN_RETRIES": "many", "CERTD_CONCURRENCY": "x"}
	err := Default().applyEnv(func(k string) (string, bool) { v, ok := bad[k]; return v, ok })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CERTD_CHAIN_RETRIES")
	assert.Contains(t, err.Error(), "CERTD_CONCURRENCY")
}

func TestValidate(t *testing.T) {
	c := Default()
	c.Chain.Mode = ChainModeRPC
	c.Chain.Contract = "nope"
	c.Issuance.Concurrency = 0
	c.Log.Level = "loud"
	err := c.Validate()
	require.Error(t, err)
	for _, want := range []string{"rpc_url", "chain.contract", "concurrency", "invalid level"} {
		assert.Contains(t, err.Error(), want)
	}

	c = Default()
	c.Chain.Mode = "ganache"
	assert.Error(t, c.Validate())
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "chain: [not, a, map]"))
	assert.Error(t, err)
}
