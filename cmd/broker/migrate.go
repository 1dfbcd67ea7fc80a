package main

import (
	"fmt"

	"github.com/kadirpekel/devicebroker/pkg/config"
	"github.com/kadirpekel/devicebroker/pkg/repository"
	"github.com/kadirpekel/devicebroker/pkg/streamstore"
)

// MigrateCmd applies the Repository and Stream Store schema to a
// fresh database. Both NewSQLRepository and NewSQLStore create their
// own tables on construction, so migrating is just constructing them
// once and discarding the result.
type MigrateCmd struct {
	Driver   string `help:"Database driver (sqlite, postgres, mysql)." default:"sqlite"`
	DSN      string `help:"Database connection string." default:".devicebroker/devicebroker.db"`
	BlobRoot string `help:"Stream store blob directory." default:".devicebroker/blobs"`
}

func (c *MigrateCmd) Run(cli *CLI) error {
	db, dialect, err := openDatabase(config.DatabaseConfig{Driver: c.Driver, DSN: c.DSN})
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := repository.NewSQLRepository(db, dialect); err != nil {
		return fmt.Errorf("devicebroker: migrate repository schema: %w", err)
	}

	blobs, err := streamstore.NewFilesystemBlobStore(c.BlobRoot)
	if err != nil {
		return fmt.Errorf("devicebroker: create blob store: %w", err)
	}
	if _, err := streamstore.NewSQLStore(db, dialect, blobs); err != nil {
		return fmt.Errorf("devicebroker: migrate stream store schema: %w", err)
	}

	fmt.Printf("devicebroker: migrated %s database at %s\n", dialect, c.DSN)
	return nil
}
