// Package config loads the hub's single JSON configuration file: defaults
// first, then the file's fields on top, then validation.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
)

// PluginVariant identifies which upstream-adapter family a plugin uses.
type PluginVariant string

const (
	VariantDirectWS    PluginVariant = "direct_ws"    // Blockbook family
	VariantBlockPoller PluginVariant = "block_poller" // EVM-RPC family
	VariantWebhook     PluginVariant = "webhook"      // Alchemy family
)

// PluginConfig describes one configured chain plugin.
type PluginConfig struct {
	PluginID string        `json:"pluginId"`
	Variant  PluginVariant `json:"variant"`

	// DirectWS: BlockbookWSURL is dialed by every data connection and by the
	// dedicated block-notification connection. When it is empty,
	// BlockbookURLs[0] is used instead; later entries are not used.
	BlockbookURLs  []string `json:"blockbookUrls,omitempty"`
	BlockbookWSURL string   `json:"blockbookWsUrl,omitempty"`

	// BlockPoller: ordered fallback JSON-RPC endpoints (may contain
	// {{keyName}} placeholders resolved via ServiceKeyURLParams), plus
	// whether internal-transfer tracing is enabled (default true).
	RPCURLs           []string `json:"rpcUrls,omitempty"`
	InternalTransfers *bool    `json:"internalTransfers,omitempty"`
	ScanBackendURLs   []string `json:"scanBackendUrls,omitempty"`
	// ScanChainID selects the v2 URL shape (`{base}/v2/api?...&chainId=...`)
	// for every configured scan backend; empty selects v1 (`{base}/api?...`).
	ScanChainID string `json:"scanChainId,omitempty"`

	// Webhook: the upstream network identifier Alchemy expects
	// (e.g. "ETH_MAINNET").
	AlchemyNetwork string `json:"alchemyNetwork,omitempty"`

	// EVM chains normalize addresses to lower-case.
	NormalizeAddress bool `json:"normalizeAddress"`
}

// InternalTransfersEnabled reports the effective internal-transfer tracing
// setting, defaulting to on.
func (p PluginConfig) InternalTransfersEnabled() bool {
	if p.InternalTransfers == nil {
		return true
	}
	return *p.InternalTransfers
}

// Config is the full process configuration.
type Config struct {
	InstanceCount int `json:"instanceCount"`

	ListenHost string `json:"listenHost"`
	ListenPort int    `json:"listenPort"`

	MetricsHost string `json:"metricsHost"`
	MetricsPort int    `json:"metricsPort"`

	PublicURI        string `json:"publicUri"`
	AlchemyAuthToken string `json:"alchemyAuthToken"`
	NowNodesAPIKey   string `json:"nowNodesApiKey"`

	// ServiceKeys maps a URL host[:port] pattern to a list of API keys,
	// matched by longest-suffix.
	ServiceKeys map[string][]string `json:"serviceKeys"`

	// ServiceKeyURLParams resolves {{name}} placeholders in upstream URLs.
	ServiceKeyURLParams map[string]string `json:"serviceKeyUrlParams"`

	Plugins []PluginConfig `json:"plugins"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		InstanceCount:       runtime.NumCPU(),
		ListenHost:          "127.0.0.1",
		ListenPort:          8008,
		MetricsHost:         "127.0.0.1",
		MetricsPort:         8009,
		ServiceKeys:         map[string][]string{},
		ServiceKeyURLParams: map[string]string{},
	}
}

// Load reads and parses the JSON configuration file at path, applying
// defaults for any zero-valued top-level field.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.InstanceCount <= 0 {
		cfg.InstanceCount = runtime.NumCPU()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.InstanceCount <= 0 {
		return fmt.Errorf("config: instanceCount must be positive")
	}
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("config: invalid listenPort %d", c.ListenPort)
	}
	if c.MetricsPort <= 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("config: invalid metricsPort %d", c.MetricsPort)
	}
	seen := make(map[string]bool, len(c.Plugins))
	for _, p := range c.Plugins {
		if p.PluginID == "" {
			return fmt.Errorf("config: plugin entry missing pluginId")
		}
		if seen[p.PluginID] {
			return fmt.Errorf("config: duplicate pluginId %q", p.PluginID)
		}
		seen[p.PluginID] = true
		switch p.Variant {
		case VariantDirectWS, VariantBlockPoller, VariantWebhook:
		default:
			return fmt.Errorf("config: plugin %q has unknown variant %q", p.PluginID, p.Variant)
		}
	}
	return nil
}
