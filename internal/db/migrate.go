package db

import (
	"fmt"

	"github.com/tokenbilling/creditledger/internal/models"
	"gorm.io/gorm"
)

// Migrate applies schema migrations for all billing engine tables.
//
// AutoMigrate only adds columns and indexes; it never rewrites or drops
// existing data, so historical ledger rows survive upgrades untouched.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}

	if errMigrate := conn.AutoMigrate(
		&models.ModelPrice{},
		&models.MarginConfig{},
		&models.TierPrice{},
		&models.CreditBalance{},
		&models.CreditGrant{},
		&models.UsageRecord{},
		&models.ProrationRecord{},
		&models.Setting{},
	); errMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errMigrate)
	}

	return nil
}
