package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
)

// kvSchemaVersion is stamped into PRAGMA user_version once the kv table
// matches the layout kv.OpenSQLite expects.
const kvSchemaVersion = 1

type sqliteColumn struct {
	Name        string
	Type        string
	NotNull     bool
	DefaultText string
}

// migrateSQLite upgrades kv tables written by older builds: it adds the
// updated_at column, clears NULL values, collapses duplicate keys to the
// newest row and enforces key uniqueness so upserts work.
func migrateSQLite(ctx context.Context, db *sql.DB) error {
	path := sqlitePath(ctx, db)
	userVersion, err := sqliteUserVersion(ctx, db)
	if err != nil {
		return fmt.Errorf("sqlite: user_version: %w", err)
	}

	log.Printf("guard: sqlite: path=%s user_version=%d", path, userVersion)

	columns, err := sqliteTableInfo(ctx, db, "kv")
	if err != nil {
		return fmt.Errorf("sqlite: describe kv: %w", err)
	}
	if len(columns) == 0 {
		log.Printf("guard: sqlite: kv table missing; skipping migration")
		return nil
	}

	if _, ok := columns["updated_at"]; !ok {
		if _, err := db.ExecContext(ctx, `ALTER TABLE kv ADD COLUMN updated_at TEXT NOT NULL DEFAULT '';`); err != nil {
			return fmt.Errorf("sqlite: ensure updated_at column: %w", err)
		}
		log.Printf("guard: sqlite: added updated_at column to kv")
	}

	normalize := []struct {
		query string
		label string
	}{
		{`UPDATE kv SET value='' WHERE value IS NULL;`, "value"},
		{`UPDATE kv SET value='[]' WHERE key LIKE 'validSuperchats:%' AND TRIM(value)='';`, "ledger"},
	}
	for _, step := range normalize {
		res, execErr := db.ExecContext(ctx, step.query)
		if execErr != nil {
			return fmt.Errorf("sqlite: normalize %s: %w", step.label, execErr)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			log.Printf("guard: sqlite: normalized %s rows=%d", step.label, n)
		}
	}

	dedupeSQL := `DELETE FROM kv
WHERE rowid NOT IN (
  SELECT MAX(rowid) FROM kv GROUP BY key
);`
	if res, execErr := db.ExecContext(ctx, dedupeSQL); execErr != nil {
		return fmt.Errorf("sqlite: dedupe kv keys: %w", execErr)
	} else if n, err := res.RowsAffected(); err == nil && n > 0 {
		log.Printf("guard: sqlite: removed %d duplicate kv rows", n)
	}

	if _, err := db.ExecContext(ctx, `CREATE UNIQUE INDEX IF NOT EXISTS kv_uq_key ON kv(key);`); err != nil {
		return fmt.Errorf("sqlite: ensure kv_uq_key: %w", err)
	}

	hasIndex, err := sqliteHasIndex(ctx, db, "kv", "kv_uq_key")
	if err != nil {
		return fmt.Errorf("sqlite: inspect indices: %w", err)
	}

	var ledgers int64
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kv WHERE key LIKE 'validSuperchats:%';`).Scan(&ledgers); err != nil {
		return fmt.Errorf("sqlite: count ledgers: %w", err)
	}

	if userVersion < kvSchemaVersion {
		if _, err := db.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d;`, kvSchemaVersion)); err != nil {
			return fmt.Errorf("sqlite: set user_version: %w", err)
		}
	}

	log.Printf("guard: sqlite: kv_uq_key=%v ledgers=%d schema_version=%d", hasIndex, ledgers, kvSchemaVersion)
	return nil
}

func sqlitePath(ctx context.Context, db *sql.DB) string {
	rows, err := db.QueryContext(ctx, `PRAGMA database_list;`)
	if err != nil {
		return "(unknown)"
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq  int
			name string
			file sql.NullString
		)
		if err := rows.Scan(&seq, &name, &file); err != nil {
			return "(unknown)"
		}
		if strings.EqualFold(strings.TrimSpace(name), "main") {
			if file.Valid && strings.TrimSpace(file.String) != "" {
				return file.String
			}
			return "(memory)"
		}
	}
	return "(unknown)"
}

func sqliteUserVersion(ctx context.Context, db *sql.DB) (int, error) {
	var userVersion int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&userVersion); err != nil {
		return 0, err
	}
	return userVersion, nil
}

func sqliteTableInfo(ctx context.Context, db *sql.DB, table string) (map[string]sqliteColumn, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s);`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]sqliteColumn)
	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return nil, err
		}
		out[strings.ToLower(strings.TrimSpace(name))] = sqliteColumn{
			Name:        name,
			Type:        strings.TrimSpace(colType),
			NotNull:     notNull == 1,
			DefaultText: strings.TrimSpace(defaultVal.String),
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func sqliteHasIndex(ctx context.Context, db *sql.DB, table, index string) (bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA index_list('%s');`, table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq     int
			name    string
			unique  int
			origin  string
			partial int
		)
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			return false, err
		}
		if strings.EqualFold(strings.TrimSpace(name), index) {
			return true, nil
		}
	}
	if err := rows.Err(); err != nil {
		return false, err
	}
	return false, nil
}
