package store

import (
	"database/sql"

	"codeberg.org/mutker/kpid/internal/errors"
	"codeberg.org/mutker/kpid/internal/logger"
)

const (
	SchemaVersion = 1

	createTablesSQL = `
	   CREATE TABLE IF NOT EXISTS schema_versions (
	       version     INTEGER PRIMARY KEY,
	       applied_at  TEXT NOT NULL
	   );
	   CREATE TABLE IF NOT EXISTS kpi_data (
	       id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	       object_id           INTEGER NOT NULL,
	       value_definition_id TEXT NOT NULL,
	       timestamp           INTEGER NOT NULL CHECK (typeof(timestamp) = 'integer'),
	       value               TEXT,
	       color_rule_id       TEXT
	   );
	   CREATE INDEX IF NOT EXISTS kpi_data_lookup
	       ON kpi_data (value_definition_id, object_id, timestamp);
	   CREATE TABLE IF NOT EXISTS scheduler_state (
	       id             INTEGER PRIMARY KEY AUTOINCREMENT,
	       action_uuid    TEXT NOT NULL,
	       transaction_id TEXT NOT NULL,
	       is_running     INTEGER NOT NULL CHECK (is_running IN (0, 1)),
	       last_update    INTEGER NOT NULL
	   );
	   CREATE INDEX IF NOT EXISTS scheduler_state_running
	       ON scheduler_state (action_uuid, is_running);`

	insertDataPointSQL = `
    INSERT INTO kpi_data (
        object_id, value_definition_id, timestamp, value, color_rule_id
    ) VALUES (?, ?, ?, ?, ?)`

	selectLastDataPointSQL = `
    SELECT id, object_id, value_definition_id, timestamp, value, color_rule_id
    FROM kpi_data
    WHERE value_definition_id = ? AND object_id = ?
    ORDER BY timestamp DESC, id DESC
    LIMIT 1`

	selectDataPointRangeSQL = `
    SELECT id, object_id, value_definition_id, timestamp, value, color_rule_id
    FROM kpi_data
    WHERE value_definition_id = ? AND object_id = ?
      AND value IS NOT NULL
      AND timestamp >= ? AND timestamp <= ?
    ORDER BY timestamp ASC, id ASC`

	updateColorRuleSQL = `UPDATE kpi_data SET color_rule_id = ? WHERE id = ?`

	selectRunningStateSQL = `
    SELECT id, action_uuid, transaction_id, is_running, last_update
    FROM scheduler_state
    WHERE action_uuid = ? AND is_running = 1
    ORDER BY last_update DESC
    LIMIT 1`

	insertStateSQL = `
    INSERT INTO scheduler_state (action_uuid, transaction_id, is_running, last_update)
    VALUES (?, ?, ?, ?)`

	completeStateSQL = `
    UPDATE scheduler_state SET is_running = 0, last_update = ?
    WHERE action_uuid = ? AND transaction_id = ? AND is_running = 1`

	flushOldStatesSQL = `DELETE FROM scheduler_state WHERE last_update < ?`
	flushAllStatesSQL = `DELETE FROM scheduler_state`
)

// InitSchema creates a new database schema with the current version
func InitSchema(db *sql.DB, log logger.Logger) error {
	errFactory := errors.New()

	log.Debug().Msg("Creating database...")

	tx, err := db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil {
				if !errors.Is(err, sql.ErrTxDone) {
					log.Debug().Err(err).Msg("Failed to rollback transaction")
				}
			}
		}
	}()

	if _, err := tx.Exec(createTablesSQL); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Error string
			SQL   string
		}{
			Error: err.Error(),
			SQL:   createTablesSQL,
		})
	}

	if _, err := tx.Exec(`
        INSERT INTO schema_versions (version, applied_at)
        VALUES (?, datetime('now'))
    `, SchemaVersion); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Error string
			Phase string
		}{
			Error: err.Error(),
			Phase: "record_version",
		})
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}
	committed = true

	log.Info().
		Int("version", SchemaVersion).
		Msg("Schema initialized successfully")

	return nil
}

// GetSchemaVersion returns the current schema version
func GetSchemaVersion(db *sql.DB) (int, error) {
	errFactory := errors.New()

	exists, err := TableExists(db, "schema_versions")
	if err != nil {
		return 0, errFactory.Wrap(ErrSchemaValidationFailed, err)
	}
	if !exists {
		return 0, nil
	}

	var version int
	err = db.QueryRow(`
        SELECT version
        FROM schema_versions
        ORDER BY version DESC
        LIMIT 1
    `).Scan(&version)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errFactory.WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Error string
		}{
			Phase: "get_version",
			Error: err.Error(),
		})
	}

	return version, nil
}

// TableExists checks if a table exists
func TableExists(db *sql.DB, tableName string) (bool, error) {
	var exists bool
	err := db.QueryRow(`
        SELECT EXISTS (
            SELECT 1 FROM sqlite_master
            WHERE type='table' AND name=?
        )
    `, tableName).Scan(&exists)
	if err != nil {
		return false, errors.New().WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Table string
			Error string
		}{
			Phase: "check_table_exists",
			Table: tableName,
			Error: err.Error(),
		})
	}
	return exists, nil
}
