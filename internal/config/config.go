package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models herbcert.yml. All external-service credentials live here,
// server-side; they are never echoed to API callers.
type Config struct {
	Lab struct {
		LicenseID string `yaml:"license_id"`
		Name      string `yaml:"name"`
	} `yaml:"lab"`
	Analysis struct {
		BaseURL string        `yaml:"base_url"`
		APIKey  string        `yaml:"api_key"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"analysis"`
	PinStore struct {
		APIBase    string `yaml:"api_base"`
		APIKey     string `yaml:"api_key"`
		APISecret  string `yaml:"api_secret"`
		GatewayURL string `yaml:"gateway_url"`
	} `yaml:"pin_store"`
	Ledger struct {
		RPCURL          string        `yaml:"rpc_url"`
		ContractAddress string        `yaml:"contract_address"`
		ChainID         int64         `yaml:"chain_id"`
		ConfirmTimeout  time.Duration `yaml:"confirm_timeout"`
	} `yaml:"ledger"`
	Archive struct {
		BaseURL string `yaml:"base_url"`
		APIKey  string `yaml:"api_key"`
	} `yaml:"archive"`
	Workflow struct {
		AutoAnchor      bool `yaml:"auto_anchor"`
		AnalysisRetries int  `yaml:"analysis_retries"`
	} `yaml:"workflow"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with herbcert config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets the required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Lab.LicenseID) == "" {
		return fmt.Errorf("config.lab.license_id is required")
	}
	if c.Analysis.BaseURL == "" {
		return fmt.Errorf("config.analysis.base_url is required")
	}
	if c.PinStore.APIBase == "" {
		return fmt.Errorf("config.pin_store.api_base is required")
	}
	if c.PinStore.GatewayURL == "" {
		return fmt.Errorf("config.pin_store.gateway_url is required")
	}
	if c.Ledger.RPCURL == "" {
		return fmt.Errorf("config.ledger.rpc_url is required")
	}
	if c.Ledger.ContractAddress == "" {
		return fmt.Errorf("config.ledger.contract_address is required")
	}
	if c.Archive.BaseURL == "" {
		return fmt.Errorf("config.archive.base_url is required")
	}
	if c.Analysis.Timeout < 0 || c.Ledger.ConfirmTimeout < 0 {
		return fmt.Errorf("config timeouts must not be negative")
	}
	if c.Workflow.AnalysisRetries < 0 {
		return fmt.Errorf("config.workflow.analysis_retries must be >= 0")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "herbcert.yml")
}

// Default returns the default Config for a lab license, with placeholder
// service endpoints filled in.
func Default(licenseID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, licenseID)), &cfg)
	return &cfg
}

// GenerateDefault returns the default config YAML.
func GenerateDefault(licenseID string) string {
	return fmt.Sprintf(defaultTemplate, licenseID)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `lab:
  license_id: %s
  name: ""

analysis:
  base_url: https://analysis.example.com
  api_key: ""
  timeout: 30s

pin_store:
  api_base: https://api.pinata.cloud
  api_key: ""
  api_secret: ""
  gateway_url: https://ipfs.io

ledger:
  rpc_url: https://rpc.example.com
  contract_address: "0x0000000000000000000000000000000000000000"
  chain_id: 1
  confirm_timeout: 2m

archive:
  base_url: https://archive.example.com
  api_key: ""

workflow:
  auto_anchor: false
  analysis_retries: 0
`
