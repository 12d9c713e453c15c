package store

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"pricefeed/models"
)

type fileRule struct {
	Scope      string  `yaml:"scope"`
	Segment    string  `yaml:"segment"`
	Symbol     string  `yaml:"symbol"`
	SpreadPips float64 `yaml:"spread_pips"`
	IsActive   bool    `yaml:"is_active"`
}

type ruleFile struct {
	Rules []fileRule `yaml:"rules"`
}

// FileStore reads rules from a YAML file on every call so edits take effect
// on the next refresh.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) FindActiveSpreadRules(ctx context.Context) ([]models.SpreadRule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read spread rules file: %w", err)
	}
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse spread rules file: %w", err)
	}

	rules := make([]models.SpreadRule, 0, len(f.Rules))
	for i, r := range f.Rules {
		if !r.IsActive {
			continue
		}
		scope, ok := parseScope(r.Scope)
		if !ok {
			return nil, fmt.Errorf("rule %d: unknown scope '%s'", i, r.Scope)
		}
		rules = append(rules, models.SpreadRule{
			Scope:      scope,
			Segment:    models.Segment(strings.ToLower(strings.TrimSpace(r.Segment))),
			Symbol:     strings.ToUpper(strings.TrimSpace(r.Symbol)),
			SpreadPips: decimal.NewFromFloat(r.SpreadPips),
			IsActive:   true,
		})
	}
	return rules, nil
}
