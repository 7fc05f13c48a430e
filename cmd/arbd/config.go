package main

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mevlab/arb-engine/params"
)

// loadConfig reads the YAML file over the defaults and overlays the process
// environment. Signing keys and simulation endpoints live only in the
// environment, never in the file.
func loadConfig(path string) (*params.Config, error) {
	cfg := params.DefaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	for name, chain := range cfg.Chains {
		if chain.Name == "" {
			chain.Name = name
		}
	}
	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *params.Config) {
	if cfg.Provider.PrivateKeys == nil {
		cfg.Provider.PrivateKeys = make(map[string]string)
	}
	for name := range cfg.Chains {
		if key := os.Getenv(keyEnvVar(name)); key != "" {
			cfg.Provider.PrivateKeys[name] = key
		}
	}
	if v := os.Getenv("ARB_TENDERLY_URL"); v != "" {
		cfg.Simulation.TenderlyURL = v
	}
	if v := os.Getenv("ARB_TENDERLY_ACCESS_KEY"); v != "" {
		cfg.Simulation.TenderlyKey = v
	}
	if v := os.Getenv("ARB_ALCHEMY_SIM_URL"); v != "" {
		cfg.Simulation.AlchemyURL = v
	}
}

// keyEnvVar maps a chain name to its signing key variable, for example
// arbitrum-nova becomes ARB_PRIVATE_KEY_ARBITRUM_NOVA.
func keyEnvVar(chain string) string {
	return "ARB_PRIVATE_KEY_" + strings.ToUpper(strings.ReplaceAll(chain, "-", "_"))
}
