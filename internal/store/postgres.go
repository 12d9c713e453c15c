package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	appconfig "pricefeed/config"
	"pricefeed/logger"
	"pricefeed/models"
)

// TradingCharge is the admin-managed charges row; only the spread columns
// are read here.
type TradingCharge struct {
	ID         uint            `gorm:"primaryKey"`
	ScopeType  string          `gorm:"column:scope_type;size:16;index"`
	Segment    string          `gorm:"column:segment;size:32"`
	Symbol     string          `gorm:"column:symbol;size:32"`
	SpreadPips decimal.Decimal `gorm:"column:spread_pips;type:numeric(12,4)"`
	IsActive   bool            `gorm:"column:is_active;index"`
	UpdatedAt  time.Time
}

func (TradingCharge) TableName() string { return "trading_charges" }

// PostgresStore reads spread rules from the trading_charges table.
type PostgresStore struct {
	db  *gorm.DB
	log *logger.Log
}

// NewPostgresStore opens a pooled connection using the configured DSN.
func NewPostgresStore(cfg appconfig.PostgresConfig) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access sql pool: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return NewGormStore(db), nil
}

// NewGormStore wraps an existing gorm handle.
func NewGormStore(db *gorm.DB) *PostgresStore {
	return &PostgresStore{db: db, log: logger.GetLogger()}
}

func (s *PostgresStore) FindActiveSpreadRules(ctx context.Context) ([]models.SpreadRule, error) {
	var rows []TradingCharge
	if err := s.db.WithContext(ctx).Where("is_active = ?", true).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query trading_charges: %w", err)
	}
	rules := make([]models.SpreadRule, 0, len(rows))
	for _, row := range rows {
		rule, ok := row.toRule()
		if !ok {
			s.log.WithComponent("spread_store").WithFields(logger.Fields{
				"id":         row.ID,
				"scope_type": row.ScopeType,
			}).Warn("skipping trading charge with unknown scope")
			continue
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (row TradingCharge) toRule() (models.SpreadRule, bool) {
	scope, ok := parseScope(row.ScopeType)
	if !ok {
		return models.SpreadRule{}, false
	}
	return models.SpreadRule{
		Scope:      scope,
		Segment:    models.Segment(strings.ToLower(strings.TrimSpace(row.Segment))),
		Symbol:     strings.ToUpper(strings.TrimSpace(row.Symbol)),
		SpreadPips: row.SpreadPips,
		IsActive:   row.IsActive,
	}, true
}

func parseScope(s string) (models.SpreadScope, bool) {
	switch models.SpreadScope(strings.ToLower(strings.TrimSpace(s))) {
	case models.ScopeGlobal:
		return models.ScopeGlobal, true
	case models.ScopeSegment:
		return models.ScopeSegment, true
	case models.ScopeSymbol:
		return models.ScopeSymbol, true
	}
	return "", false
}
