package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tradeengine/internal/config"
)

type DB struct {
	Gorm *gorm.DB
	SQL  *sql.DB
}

func Open(cfg config.DBConfig) (*DB, error) {
	mode := logger.Silent
	if cfg.Debug {
		mode = logger.Info
	}
	gcfg := &gorm.Config{
		Logger:  logger.Default.LogMode(mode),
		NowFunc: NowUTC,
	}

	gdb, err := gorm.Open(postgres.Open(cfg.DSN), gcfg)
	if err != nil {
		return nil, err
	}

	sqldb, err := gdb.DB()
	if err != nil {
		return nil, err
	}

	// database/sql has no overflow notion; the overflow budget widens the open cap.
	sqldb.SetMaxOpenConns(cfg.MaxOpenConns + cfg.MaxOverflow)
	sqldb.SetMaxIdleConns(cfg.MaxIdleConns)
	sqldb.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqldb.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	return &DB{Gorm: gdb, SQL: sqldb}, nil
}

func Close(db *DB) error {
	if db == nil || db.SQL == nil {
		return nil
	}
	return db.SQL.Close()
}

func Ping(ctx context.Context, db *DB) error {
	if db == nil || db.SQL == nil {
		return nil
	}
	return db.SQL.PingContext(ctx)
}

func SetTimezone(db *DB, tz string) error {
	if tz == "" {
		return nil
	}
	// SET cannot take a bind parameter; only names the tz database knows are sent.
	if _, err := time.LoadLocation(tz); err != nil {
		return fmt.Errorf("timezone %q: %w", tz, err)
	}
	_, err := db.SQL.Exec("SET TIME ZONE '" + tz + "'")
	return err
}

func NowUTC() time.Time {
	return time.Now().UTC()
}
