package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// SymbolSets groups the instruments subscribed at startup by segment.
type SymbolSets struct {
	Forex   []string `yaml:"forex"`
	Metals  []string `yaml:"metals"`
	Crypto  []string `yaml:"crypto"`
	Indices []string `yaml:"indices"`
	Energy  []string `yaml:"energy"`
}

// All flattens the sets into one upper-cased list without duplicates,
// keeping file order.
func (s *SymbolSets) All() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, group := range [][]string{s.Forex, s.Metals, s.Crypto, s.Indices, s.Energy} {
		for _, sym := range group {
			sym = strings.ToUpper(strings.TrimSpace(sym))
			if sym == "" {
				continue
			}
			if _, ok := seen[sym]; ok {
				continue
			}
			seen[sym] = struct{}{}
			out = append(out, sym)
		}
	}
	return out
}

// LoadSymbolSets loads a symbol list file from the given path.
func LoadSymbolSets(path string) (*SymbolSets, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read symbols file: %w", err)
	}
	var sets SymbolSets
	if err := yaml.Unmarshal(data, &sets); err != nil {
		return nil, fmt.Errorf("failed to parse symbols file: %w", err)
	}
	return &sets, nil
}
