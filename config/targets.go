package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/urizennnn/gh-prospector/planner"
)

// targetsFile mirrors the TOML repository list:
//
//	[[tiers]]
//	repos = [
//	  { name = "paradigmxyz/reth", label = "reth" },
//	  { name = "ethereum/go-ethereum", label = "geth" },
//	]
//
//	[[tiers]]
//	repos = [{ name = "bitcoin/bitcoin" }]
//
// Tier numbers come from position: the first [[tiers]] block is tier 0.
type targetsFile struct {
	Tiers []struct {
		Repos []struct {
			Name  string `mapstructure:"name"`
			Label string `mapstructure:"label"`
		} `mapstructure:"repos"`
	} `mapstructure:"tiers"`
}

// LoadTargets reads the tiered repository list. Order within the file is
// preserved; it is part of the resume contract.
func LoadTargets(path string) ([]planner.Target, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read targets %s: %w", path, err)
	}
	var tf targetsFile
	if err := v.Unmarshal(&tf); err != nil {
		return nil, fmt.Errorf("config: parse targets %s: %w", path, err)
	}

	var targets []planner.Target
	for tier, block := range tf.Tiers {
		for _, r := range block.Repos {
			if r.Name == "" {
				return nil, fmt.Errorf("config: tier %d has a repo with no name", tier)
			}
			targets = append(targets, planner.Target{Name: r.Name, Label: r.Label, Tier: tier})
		}
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("config: no repositories defined in %s", path)
	}
	return targets, nil
}
