package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/viper"
)

// AllRegions selects every enabled region on the CLI.
const AllRegions = "all-regions"

// RegionConfig is one gateway the CLI can talk to.
type RegionConfig struct {
	Name        string `mapstructure:"name"`
	DisplayName string `mapstructure:"display_name"`
	APIKey      string `mapstructure:"api_key"`
	GatewayURL  string `mapstructure:"gateway_url"`
}

// Enabled reports whether the region has both a key and a gateway URL.
func (r RegionConfig) Enabled() bool {
	return strings.TrimSpace(r.APIKey) != "" && strings.TrimSpace(r.GatewayURL) != ""
}

// ClientConfig is the CLI region table.
type ClientConfig struct {
	Regions []RegionConfig `mapstructure:"regions"`
}

// LoadClient reads the region table from path. Region keys may be overridden with
// SITECAPTURE_<NAME>_API_KEY.
func LoadClient(path string) (ClientConfig, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return ClientConfig{}, fmt.Errorf("read client config: %w", err)
		}
	}
	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return ClientConfig{}, fmt.Errorf("unmarshal client config: %w", err)
	}

	env := viper.New()
	env.SetEnvPrefix(EnvPrefix)
	env.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	env.AutomaticEnv()
	seen := make(map[string]bool, len(cfg.Regions))
	for i, r := range cfg.Regions {
		if r.Name == "" {
			return ClientConfig{}, fmt.Errorf("regions[%d]: name is required", i)
		}
		if r.Name == AllRegions {
			return ClientConfig{}, fmt.Errorf("regions[%d]: %q is reserved", i, AllRegions)
		}
		if seen[r.Name] {
			return ClientConfig{}, fmt.Errorf("regions[%d]: duplicate region %q", i, r.Name)
		}
		seen[r.Name] = true
		if key := env.GetString(r.Name + "_api_key"); key != "" {
			cfg.Regions[i].APIKey = key
		}
		if cfg.Regions[i].DisplayName == "" {
			cfg.Regions[i].DisplayName = r.Name
		}
	}
	return cfg, nil
}

// EnabledRegions returns the enabled regions sorted by name.
func (c ClientConfig) EnabledRegions() []RegionConfig {
	var out []RegionConfig
	for _, r := range c.Regions {
		if r.Enabled() {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Select resolves a region name, or AllRegions, to enabled regions.
func (c ClientConfig) Select(name string) ([]RegionConfig, error) {
	enabled := c.EnabledRegions()
	if name == AllRegions {
		if len(enabled) == 0 {
			return nil, fmt.Errorf("no regions are enabled")
		}
		return enabled, nil
	}
	for _, r := range enabled {
		if r.Name == name {
			return []RegionConfig{r}, nil
		}
	}
	return nil, fmt.Errorf("region %q is not enabled", name)
}
