package stagecache

import (
	"database/sql"
	"fmt"
)

// SetSchemaVersionForTest rewrites the recorded schema version.
func SetSchemaVersionForTest(path string, version int) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return err
	}
	defer db.Close()
	if _, err := db.Exec("UPDATE schema_version SET version = ?", version); err != nil {
		return fmt.Errorf("update schema version: %w", err)
	}
	return nil
}
