package grouplog

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// schemaVersion is the current expected schema version.
const schemaVersion = 2

type migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations are applied in order, each exactly once, tracked in the
// schema_version table.
var migrations = []migration{
	{
		Version:     1,
		Description: "group_messages",
		SQL: `
		CREATE TABLE IF NOT EXISTS group_messages (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			msg_id      TEXT NOT NULL,
			msg_hash    TEXT NOT NULL UNIQUE,
			msg_type    TEXT NOT NULL,
			sender      TEXT,
			chat_id     TEXT NOT NULL,
			content     TEXT,
			is_group    INTEGER NOT NULL DEFAULT 1,
			is_at_me    INTEGER NOT NULL DEFAULT 0,
			payload     TEXT,
			created_at  INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_group_messages_chat ON group_messages(chat_id, created_at);
		`,
	},
	{
		Version:     2,
		Description: "sender lookup and retention scan indexes",
		SQL: `
		CREATE INDEX IF NOT EXISTS idx_group_messages_sender ON group_messages(chat_id, sender);
		CREATE INDEX IF NOT EXISTS idx_group_messages_time ON group_messages(created_at);
		`,
	},
}

// runMigrations applies all pending migrations.
func runMigrations(db *sql.DB, logger *slog.Logger) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := schemaVersionOf(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		logger.Info("applying migration", "version", m.Version, "description", m.Description)

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration v%d: %w", m.Version, err)
		}
		for _, stmt := range splitSQL(m.SQL) {
			if _, err := tx.Exec(stmt); err != nil {
				if strings.Contains(strings.ToLower(err.Error()), "already exists") {
					logger.Debug("migration statement skipped", "version", m.Version)
					continue
				}
				_ = tx.Rollback()
				return fmt.Errorf("migration v%d: %w", m.Version, err)
			}
		}
		if _, err := tx.Exec(
			"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.Version, err)
		}
	}
	return nil
}

func schemaVersionOf(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	return v, nil
}

func splitSQL(script string) []string {
	var out []string
	for _, s := range strings.Split(script, ";") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
