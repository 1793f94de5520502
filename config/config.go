// Package config loads the certd YAML configuration. Values come from the
// defaults, then the file, then CERTD_* environment variables; command line
// flags are applied last by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/colorfulnotion/certchain/common"
	"github.com/colorfulnotion/certchain/log"
	"gopkg.in/yaml.v3"
)

const (
	ChainModeSimulated = "simulated"
	ChainModeRPC       = "rpc"

	EnvPrefix = "CERTD_"
)

type Config struct {
	Listen     string          `yaml:"listen"`
	DataDir    string          `yaml:"data_dir"`
	Log        log.Config      `yaml:"log"`
	Chain      ChainConfig     `yaml:"chain"`
	Issuance   IssuanceConfig  `yaml:"issuance"`
	Verify     VerifyConfig    `yaml:"verify"`
	AdminToken string          `yaml:"admin_token"`
	Telemetry  TelemetryConfig `yaml:"telemetry"`
}

type ChainConfig struct {
	Mode      string        `yaml:"mode"`
	RPCURL    string        `yaml:"rpc_url"`
	Contract  string        `yaml:"contract"`
	ChainID   uint64        `yaml:"chain_id"`
	IssuerKey string        `yaml:"issuer_key"`
	Timeout   time.Duration `yaml:"timeout"`
	Retries   int           `yaml:"retries"`
}

type IssuanceConfig struct {
	Concurrency int    `yaml:"concurrency"`
	Issuer      string `yaml:"issuer"`
}

type VerifyConfig struct {
	FallbackToFirst bool   `yaml:"fallback_to_first"`
	FragmentSearch  bool   `yaml:"fragment_search"`
	BaseURL         string `yaml:"base_url"`
}

type TelemetryConfig struct {
	// Endpoint is an OTLP/HTTP collector address; empty disables export.
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// Default is a single-node simulated setup using the first dev account.
func Default() *Config {
	_, devKey := common.GetEVMDevAccount(0)
	return &Config{
		Listen:  "127.0.0.1:8645",
		DataDir: "./certd-data",
		Log:     log.Config{Level: "info", MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 30},
		Chain: ChainConfig{
			Mode:      ChainModeSimulated,
			ChainID:   1337,
			IssuerKey: devKey,
			Timeout:   5 * time.Second,
			Retries:   1,
		},
		Issuance: IssuanceConfig{Concurrency: 8},
		Verify: VerifyConfig{
			FallbackToFirst: true,
			FragmentSearch:  true,
			BaseURL:         "http://127.0.0.1:8645/verify",
		},
		Telemetry: TelemetryConfig{ServiceName: "certd"},
	}
}

// Load reads path over the defaults. An empty path skips the file.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config load: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("config unmarshal %s: %w", filepath.Base(path), err)
		}
	}
	if err := c.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	parse := func(key string, set func(string) error) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			if err := set(v); err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			}
		}
	}

	str("LISTEN", &c.Listen)
	str("DATA_DIR", &c.DataDir)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FILE", &c.Log.File)
	str("LOG_MODULES", &c.Log.Modules)
	str("CHAIN_MODE", &c.Chain.Mode)
	str("RPC_URL", &c.Chain.RPCURL)
	str("CONTRACT", &c.Chain.Contract)
	str("ISSUER_KEY", &c.Chain.IssuerKey)
	str("ISSUER", &c.Issuance.Issuer)
	str("VERIFY_BASE_URL", &c.Verify.BaseURL)
	str("ADMIN_TOKEN", &c.AdminToken)
	str("OTLP_ENDPOINT", &c.Telemetry.Endpoint)

	parse("CHAIN_ID", func(v string) (err error) {
		c.Chain.ChainID, err = strconv.ParseUint(v, 0, 64)
		return err
	})
	parse("CHAIN_TIMEOUT", func(v string) (err error) {
		c.Chain.Timeout, err = time.ParseDuration(v)
		return err
	})
	parse("CHAIN_RETRIES", func(v string) (err error) {
		c.Chain.Retries, err = strconv.Atoi(v)
		return err
	})
	parse("CONCURRENCY", func(v string) (err error) {
		c.Issuance.Concurrency, err = strconv.Atoi(v)
		return err
	})
	parse("LOG_JSON", func(v string) (err error) {
		c.Log.JSON, err = strconv.ParseBool(v)
		return err
	})
	return errors.Join(errs...)
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Chain.Mode {
	case ChainModeSimulated:
	case ChainModeRPC:
		if c.Chain.RPCURL == "" {
			errs = append(errs, errors.New("chain.rpc_url is required in rpc mode"))
		}
		if !common.IsHexAddress(c.Chain.Contract) {
			errs = append(errs, fmt.Errorf("chain.contract %q is not an address", c.Chain.Contract))
		}
	default:
		errs = append(errs, fmt.Errorf("chain.mode %q: want %s or %s", c.Chain.Mode, ChainModeSimulated, ChainModeRPC))
	}
	if c.Chain.ChainID == 0 {
		errs = append(errs, errors.New("chain.chain_id must be set"))
	}
	if c.Chain.Retries < 0 {
		errs = append(errs, errors.New("chain.retries must not be negative"))
	}
	if c.Chain.Timeout < 0 {
		errs = append(errs, errors.New("chain.timeout must not be negative"))
	}
	if c.Issuance.Concurrency < 1 {
		errs = append(errs, errors.New("issuance.concurrency must be at least 1"))
	}
	if k := strings.TrimPrefix(c.Chain.IssuerKey, "0x"); k != "" && len(k) != 64 {
		errs = append(errs, errors.New("chain.issuer_key must be 32 bytes of hex"))
	}
	return errors.Join(errs...)
}

// StoreDir and ChainDir are the LevelDB directories under DataDir.
func (c *Config) StoreDir() string {
	return filepath.Join(c.DataDir, "store")
}

func (c *Config) ChainDir() string {
	return filepath.Join(c.DataDir, "chain")
}
