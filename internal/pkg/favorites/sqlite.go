package favorites

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/jake-scott/controlsd/internal/pkg/controls"
)

// SQLiteStore keeps the favorites list in a sqlite table, one row per
// entry, ordered by position
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrapf(err, "opening favorites database %s", dbPath)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	statements := []string{
		`PRAGMA journal_mode = WAL;`,
		`CREATE TABLE IF NOT EXISTS favorites (
			position INTEGER PRIMARY KEY,
			control_id TEXT NOT NULL UNIQUE,
			provider_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			display_type TEXT NOT NULL DEFAULT ''
		);`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "migrating favorites database")
		}
	}

	return nil
}

func (s *SQLiteStore) Load(ctx context.Context) ([]controls.Favorite, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT control_id, provider_id, title, display_type
		FROM favorites
		ORDER BY position`)
	if err != nil {
		return nil, errors.Wrap(err, "querying favorites")
	}
	defer rows.Close()

	var list []controls.Favorite
	for rows.Next() {
		var f controls.Favorite
		if err := rows.Scan(&f.ControlID, &f.ProviderID, &f.Title, &f.DisplayType); err != nil {
			return nil, errors.Wrap(err, "reading favorite")
		}
		list = append(list, f)
	}

	return list, errors.Wrap(rows.Err(), "reading favorites")
}

// Save replaces the whole list in one transaction
func (s *SQLiteStore) Save(ctx context.Context, list []controls.Favorite) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "starting favorites transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM favorites`); err != nil {
		return errors.Wrap(err, "clearing favorites")
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO favorites (position, control_id, provider_id, title, display_type)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "preparing favorites insert")
	}
	defer stmt.Close()

	for i, f := range list {
		if _, err := stmt.ExecContext(ctx, i, f.ControlID, f.ProviderID, f.Title, f.DisplayType); err != nil {
			return errors.Wrapf(err, "storing favorite %s", f.ControlID)
		}
	}

	return errors.Wrap(tx.Commit(), "committing favorites")
}
