// ABOUTME: Per-hub correspondence store mapping a message id to its mirrors
// ABOUTME: One SQLite table with a nullable id column per connected platform

package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no correspondence row matches a lookup.
var ErrNotFound = errors.New("not found")

// Store persists the cross-platform id mapping for one hub. The table has
// a uuid primary key plus one nullable VARCHAR column per platform; a row
// is one logical message, its columns the ids of that message's mirrors.
//
// All operations are single autocommitted statements; WAL mode allows
// concurrent access from the connector goroutines that share the store.
type Store struct {
	db        *sql.DB
	platforms []string
	logger    *slog.Logger
}

// Open opens (or creates) the correspondence database at path for the given
// fixed set of platforms. With keepData false any existing table is dropped
// first. The platform set cannot change for the lifetime of the store.
func Open(path string, platforms []string, keepData bool) (*Store, error) {
	if len(platforms) == 0 {
		return nil, fmt.Errorf("opening store %s: no platforms configured", path)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &Store{
		db:        db,
		platforms: append([]string(nil), platforms...),
		logger:    slog.Default().With("component", "store", "path", path),
	}

	if err := s.createSchema(keepData); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s.logger.Info("correspondence store initialized", "platforms", platforms)
	return s, nil
}

// createSchema creates the messages table, dropping any previous one when
// keepData is false. Column names are literal platform names and are always
// quoted, both here and in every built statement.
func (s *Store) createSchema(keepData bool) error {
	if !keepData {
		if _, err := s.db.Exec(`DROP TABLE IF EXISTS "messages"`); err != nil {
			return fmt.Errorf("dropping messages table: %w", err)
		}
	}

	cols := make([]string, 0, len(s.platforms)+1)
	cols = append(cols, `"logical_id" TEXT PRIMARY KEY`)
	for _, p := range s.platforms {
		cols = append(cols, fmt.Sprintf("%s VARCHAR(255)", quoteIdent(p)))
	}

	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS "messages" (%s)`, strings.Join(cols, ", "))
	_, err := s.db.Exec(schema)
	return err
}

// Platforms returns the fixed platform column set.
func (s *Store) Platforms() []string {
	return append([]string(nil), s.platforms...)
}

// InsertOrigin appends a new logical message row with only the origin
// platform's column set.
func (s *Store) InsertOrigin(originPlatform, originID string) error {
	if err := s.checkPlatform(originPlatform); err != nil {
		return err
	}

	query := fmt.Sprintf(
		`INSERT INTO "messages" ("logical_id", %s) VALUES (?, ?)`,
		quoteIdent(originPlatform),
	)
	if _, err := s.db.Exec(query, uuid.New().String(), originID); err != nil {
		return fmt.Errorf("inserting origin row: %w", err)
	}

	s.logger.Debug("recorded origin", "platform", originPlatform, "id", originID)
	return nil
}

// SetSibling records the remote id a sibling platform assigned to the
// logical message identified by its origin pair. Zero matched rows is a
// warning, not an error: the origin insert may have failed earlier, in
// which case fan-out bookkeeping for that message is abandoned.
func (s *Store) SetSibling(originPlatform, originID, siblingPlatform, siblingID string) error {
	if err := s.checkPlatform(originPlatform); err != nil {
		return err
	}
	if err := s.checkPlatform(siblingPlatform); err != nil {
		return err
	}

	query := fmt.Sprintf(
		`UPDATE "messages" SET %s = ? WHERE %s = ?`,
		quoteIdent(siblingPlatform), quoteIdent(originPlatform),
	)
	result, err := s.db.Exec(query, siblingID, originID)
	if err != nil {
		return fmt.Errorf("updating sibling id: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		s.logger.Warn("sibling update matched no row",
			"origin", originPlatform, "origin_id", originID,
			"sibling", siblingPlatform, "sibling_id", siblingID)
	}
	return nil
}

// FindRow returns the platform → id mapping of the single row whose
// lookupPlatform column equals lookupID. Absent columns are omitted from
// the map. Returns ErrNotFound on a miss, which is a normal condition for
// messages that predate the process.
func (s *Store) FindRow(lookupPlatform, lookupID string) (map[string]string, error) {
	if err := s.checkPlatform(lookupPlatform); err != nil {
		return nil, err
	}

	selects := make([]string, len(s.platforms))
	for i, p := range s.platforms {
		selects[i] = quoteIdent(p)
	}
	query := fmt.Sprintf(
		`SELECT %s FROM "messages" WHERE %s = ?`,
		strings.Join(selects, ", "), quoteIdent(lookupPlatform),
	)

	values := make([]sql.NullString, len(s.platforms))
	dest := make([]any, len(s.platforms))
	for i := range values {
		dest[i] = &values[i]
	}

	err := s.db.QueryRow(query, lookupID).Scan(dest...)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying correspondence row: %w", err)
	}

	row := make(map[string]string, len(s.platforms))
	for i, p := range s.platforms {
		if values[i].Valid {
			row[p] = values[i].String
		}
	}
	return row, nil
}

// Translate maps a message id from one platform's id space into another's.
// Returns ErrNotFound when either the row or the target column is absent.
func (s *Store) Translate(fromPlatform, id, toPlatform string) (string, error) {
	row, err := s.FindRow(fromPlatform, id)
	if err != nil {
		return "", err
	}
	translated, ok := row[toPlatform]
	if !ok {
		return "", ErrNotFound
	}
	return translated, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.logger.Debug("closing correspondence store")
	return s.db.Close()
}

func (s *Store) checkPlatform(name string) error {
	for _, p := range s.platforms {
		if p == name {
			return nil
		}
	}
	return fmt.Errorf("unknown platform column %q", name)
}

// quoteIdent quotes a column identifier for string-built SQL. Platform
// names come from code, not user input, but embedded quotes are doubled
// anyway per SQL quoting rules.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
