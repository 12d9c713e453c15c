// Package store loads administrator-configured spread rules.
package store

import (
	"context"

	"pricefeed/models"
)

// SpreadRuleStore returns the currently active spread rules. Implementations
// must be safe for concurrent use.
type SpreadRuleStore interface {
	FindActiveSpreadRules(ctx context.Context) ([]models.SpreadRule, error)
}

// Static serves a fixed rule set. It backs the "none" store kind and tests.
type Static []models.SpreadRule

func (s Static) FindActiveSpreadRules(context.Context) ([]models.SpreadRule, error) {
	out := make([]models.SpreadRule, 0, len(s))
	for _, r := range s {
		if r.IsActive {
			out = append(out, r)
		}
	}
	return out, nil
}
