// Package store implements the §6 repository interfaces on top of SQLite,
// adapted from the teacher's singleton-connection, raw-SQL, wrapTransaction
// pattern and repurposed to the Account/Post/Follow/Favourite/
// MediaAttachment/CustomEmoji/job-queue schema of SPEC_FULL.md §3.
package store

import (
	"context"
	"database/sql"
	"log"
	"sync"
	"time"

	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"

	"github.com/kitsune-fed/kitsune/config"
)

// DB wraps the singleton *sql.DB connection every repository delegates to.
type DB struct {
	conn *sql.DB
}

var (
	dbInstance *DB
	dbOnce     sync.Once
)

// GetDB opens (once) the SQLite connection at the configured database path,
// tunes it for a concurrent ActivityPub workload, and runs migrations.
func GetDB() *DB {
	dbOnce.Do(func() {
		dbPath := config.ResolveFilePath("kitsune.db")
		log.Printf("store: using database at %s", dbPath)

		conn, err := sql.Open("sqlite", dbPath)
		if err != nil {
			panic(err)
		}

		conn.SetMaxOpenConns(25)
		conn.SetMaxIdleConns(5)
		conn.SetConnMaxLifetime(time.Hour)

		var journalMode string
		if err := conn.QueryRow("PRAGMA journal_mode=WAL2").Scan(&journalMode); err != nil || journalMode == "delete" {
			if err := conn.QueryRow("PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
				log.Printf("store: failed to enable WAL mode: %v", err)
			} else {
				log.Printf("store: journal mode %s (WAL2 unsupported, using WAL)", journalMode)
			}
		} else {
			log.Printf("store: journal mode %s", journalMode)
		}

		conn.Exec("PRAGMA synchronous = NORMAL")
		conn.Exec("PRAGMA cache_size = -64000")
		conn.Exec("PRAGMA temp_store = MEMORY")
		conn.Exec("PRAGMA busy_timeout = 5000")
		conn.Exec("PRAGMA foreign_keys = ON")
		conn.Exec("PRAGMA auto_vacuum = INCREMENTAL")

		dbInstance = &DB{conn: conn}

		if err := dbInstance.migrate(); err != nil {
			panic(err)
		}
	})
	return dbInstance
}

// wrapTransaction runs f inside a transaction, retrying on SQLITE_BUSY.
func (d *DB) wrapTransaction(ctx context.Context, f func(tx *sql.Tx) error) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for {
		err = f(tx)
		if err != nil {
			if serr, ok := err.(*sqlite.Error); ok && serr.Code() == sqlitelib.SQLITE_BUSY {
				continue
			}
			tx.Rollback()
			return err
		}
		if err = tx.Commit(); err != nil {
			return err
		}
		break
	}
	return nil
}
