package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/MarkoPoloResearchLab/tokenpay/internal/migration"
	"github.com/MarkoPoloResearchLab/tokenpay/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/tokenpay/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/tokenpay/pkg/ledger"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	driverPostgres = "postgres"
	driverSQLite   = "sqlite"
)

// openStore opens the configured store and returns it with its cleanup.
func openStore(ctx context.Context, cfg *runtimeConfig) (ledger.Store, func(), error) {
	driver, sqlitePath, err := resolveDriver(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if cfg.MigrateOnStart && driver == driverPostgres {
		if err := applyMigrations(cfg.DatabaseURL); err != nil {
			return nil, nil, err
		}
	}

	if cfg.StoreDriver == storeDriverPgx {
		if driver != driverPostgres {
			return nil, nil, fmt.Errorf("store %q requires a postgres database url", storeDriverPgx)
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("pgx pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("pgx ping: %w", err)
		}
		return pgstore.New(pool), pool.Close, nil
	}

	gormDB, cleanup, err := openDatabase(ctx, driver, cfg.DatabaseURL, sqlitePath)
	if err != nil {
		return nil, nil, fmt.Errorf("database open: %w", err)
	}
	if err := prepareSchema(gormDB, driver); err != nil {
		_ = cleanup()
		return nil, nil, err
	}
	return gormstore.New(gormDB), func() { _ = cleanup() }, nil
}

func openDatabase(ctx context.Context, driver string, dsn string, sqlitePath string) (*gorm.DB, func() error, error) {
	var (
		db  *gorm.DB
		err error
	)
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}
	switch driver {
	case driverPostgres:
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	case driverSQLite:
		db, err = gorm.Open(sqlite.Open(sqlitePath), cfg)
	default:
		return nil, nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	if driver == driverSQLite {
		// SQLite has no row locks; one connection serializes writers.
		sqlDB.SetMaxOpenConns(1)
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return driverPostgres, "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "tokenpay.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return driverSQLite, sqlitePath, err
	}
	sqlitePath, err := normalizeSQLitePath(dsn)
	return driverSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

// prepareSchema auto-migrates SQLite; postgres schemas come from the migrate command.
func prepareSchema(db *gorm.DB, driver string) error {
	if driver != driverSQLite {
		return nil
	}
	if err := db.AutoMigrate(gormstore.Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func applyMigrations(databaseURL string) error {
	db, err := migration.Open(databaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := migration.RunMigrations(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
