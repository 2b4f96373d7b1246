package db

import (
	"tradeengine/internal/models"
)

func AutoMigrate(db *DB) error {
	if db == nil || db.Gorm == nil || db.SQL == nil {
		return nil
	}

	return db.Gorm.AutoMigrate(
		&models.Broker{},
		&models.Strategy{},
		&models.Trade{},
		&models.Order{},
		&models.DailyProfit{},
	)
}
