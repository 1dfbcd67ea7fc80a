package main

import (
	"database/sql"
	"fmt"

	"github.com/kadirpekel/devicebroker/pkg/config"
)

// openDatabase opens the shared *sql.DB backing the Repository and
// Stream Store, and returns the dialect string repository.NewSQLRepository
// and streamstore.NewSQLStore expect. Driver registration (sqlite3,
// postgres, mysql) happens via the blank imports in pkg/repository.
func openDatabase(cfg config.DatabaseConfig) (*sql.DB, string, error) {
	driverName, dialect, err := sqlDriverFor(cfg.Driver)
	if err != nil {
		return nil, "", err
	}
	db, err := sql.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, "", fmt.Errorf("devicebroker: open %s database: %w", dialect, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, "", fmt.Errorf("devicebroker: connect to %s database: %w", dialect, err)
	}
	return db, dialect, nil
}

func sqlDriverFor(driver string) (driverName, dialect string, err error) {
	switch driver {
	case "", "sqlite", "sqlite3":
		return "sqlite3", "sqlite", nil
	case "postgres", "postgresql":
		return "postgres", "postgres", nil
	case "mysql":
		return "mysql", "mysql", nil
	default:
		return "", "", fmt.Errorf("devicebroker: unsupported database driver %q", driver)
	}
}
