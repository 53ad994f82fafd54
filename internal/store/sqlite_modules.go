package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/ashureev/aj-server/internal/domain"
)

const moduleColumns = `module_id, name, description, schemas_json, settings_json, created_at, updated_at`

// ListModules returns the user's modules ordered by name.
func (s *SQLiteStore) ListModules(ctx context.Context, userID string) ([]*domain.Module, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+moduleColumns+`
		FROM modules WHERE user_id = ? ORDER BY name, module_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query modules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var modules []*domain.Module
	for rows.Next() {
		m, err := scanModule(rows)
		if err != nil {
			return nil, err
		}
		modules = append(modules, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate modules: %w", err)
	}
	return modules, nil
}

// GetModule loads one module.
func (s *SQLiteStore) GetModule(ctx context.Context, userID, moduleID string) (*domain.Module, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+moduleColumns+`
		FROM modules WHERE user_id = ? AND module_id = ?`, userID, moduleID)
	m, err := scanModule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

// UpsertModule creates or replaces a module definition. Existing entries
// are left untouched.
func (s *SQLiteStore) UpsertModule(ctx context.Context, userID string, module *domain.Module) error {
	if module.ID == "" {
		module.ID = uuid.New().String()
	}
	now := s.now()
	if module.CreatedAt.IsZero() {
		module.CreatedAt = now
	}
	module.UpdatedAt = now

	schemas := module.Schemas
	if schemas == nil {
		schemas = map[string]domain.Schema{}
	}
	schemasJSON, err := json.Marshal(schemas)
	if err != nil {
		return fmt.Errorf("encode schemas: %w", err)
	}
	settingsJSON, err := marshalNullable(module.Settings, len(module.Settings) == 0)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO modules (user_id, module_id, name, description, schemas_json, settings_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, module_id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			schemas_json = excluded.schemas_json,
			settings_json = excluded.settings_json,
			updated_at = excluded.updated_at`,
		userID, module.ID, module.Name, module.Description, string(schemasJSON), settingsJSON,
		module.CreatedAt.UnixNano(), module.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("upsert module: %w", err)
	}
	return nil
}

func scanModule(row rowScanner) (*domain.Module, error) {
	var m domain.Module
	var schemasJSON string
	var settingsJSON sql.NullString
	var createdAt, updatedAt int64
	if err := row.Scan(&m.ID, &m.Name, &m.Description, &schemasJSON, &settingsJSON, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan module: %w", err)
	}
	if err := json.Unmarshal([]byte(schemasJSON), &m.Schemas); err != nil {
		return nil, fmt.Errorf("decode schemas for module %s: %w", m.ID, err)
	}
	if settingsJSON.Valid {
		if err := json.Unmarshal([]byte(settingsJSON.String), &m.Settings); err != nil {
			return nil, fmt.Errorf("decode settings for module %s: %w", m.ID, err)
		}
	}
	m.CreatedAt = fromUnixNano(createdAt)
	m.UpdatedAt = fromUnixNano(updatedAt)
	return &m, nil
}

const entryColumns = `entry_id, module_id, schema_key, schema_version, data_json, created_at, updated_at`

// GetEntry loads one entry.
func (s *SQLiteStore) GetEntry(ctx context.Context, userID, moduleID, entryID string) (*domain.Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+`
		FROM entries WHERE user_id = ? AND module_id = ? AND entry_id = ?`, userID, moduleID, entryID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// ListEntries returns entries newest first. An empty schemaKey lists all schemas.
func (s *SQLiteStore) ListEntries(ctx context.Context, userID, moduleID, schemaKey string) ([]*domain.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM entries WHERE user_id = ? AND module_id = ?`
	args := []any{userID, moduleID}
	if schemaKey != "" {
		query += ` AND schema_key = ?`
		args = append(args, schemaKey)
	}
	query += ` ORDER BY created_at DESC, entry_id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*domain.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}

// InsertEntries writes all entries or none.
func (s *SQLiteStore) InsertEntries(ctx context.Context, userID, moduleID string, entries []*domain.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	now := s.now()
	for _, e := range entries {
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		e.ModuleID = moduleID
		if e.SchemaKey == "" {
			e.SchemaKey = domain.DefaultSchemaKey
		}
		if e.SchemaVersion <= 0 {
			e.SchemaVersion = 1
		}
		if e.Data == nil {
			e.Data = map[string]any{}
		}
		e.CreatedAt = now
		e.UpdatedAt = now
	}

	return s.inTx(ctx, "insert entries", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO entries (user_id, module_id, entry_id, schema_key, schema_version, data_json, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare entry insert: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		for _, e := range entries {
			data, err := json.Marshal(e.Data)
			if err != nil {
				return fmt.Errorf("encode entry %s: %w", e.ID, err)
			}
			if _, err := stmt.ExecContext(ctx, userID, moduleID, e.ID, e.SchemaKey, e.SchemaVersion,
				string(data), now.UnixNano(), now.UnixNano()); err != nil {
				return fmt.Errorf("insert entry %s: %w", e.ID, err)
			}
		}
		return nil
	})
}

// MergeEntryFields shallow-merges fields into each entry's data.
func (s *SQLiteStore) MergeEntryFields(ctx context.Context, userID, moduleID string, updates map[string]map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	ids := make([]string, 0, len(updates))
	for id := range updates {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return s.inTx(ctx, "merge entry fields", func(tx *sql.Tx) error {
		now := s.now().UnixNano()
		for _, id := range ids {
			var dataJSON string
			err := tx.QueryRowContext(ctx,
				`SELECT data_json FROM entries WHERE user_id = ? AND module_id = ? AND entry_id = ?`,
				userID, moduleID, id).Scan(&dataJSON)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("entry %s: %w", id, ErrNotFound)
			}
			if err != nil {
				return fmt.Errorf("read entry %s: %w", id, err)
			}

			data := map[string]any{}
			if err := json.Unmarshal([]byte(dataJSON), &data); err != nil {
				return fmt.Errorf("decode entry %s: %w", id, err)
			}
			for k, v := range updates[id] {
				data[k] = v
			}
			merged, err := json.Marshal(data)
			if err != nil {
				return fmt.Errorf("encode entry %s: %w", id, err)
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE entries SET data_json = ?, updated_at = ? WHERE user_id = ? AND module_id = ? AND entry_id = ?`,
				string(merged), now, userID, moduleID, id); err != nil {
				return fmt.Errorf("update entry %s: %w", id, err)
			}
		}
		return nil
	})
}

func scanEntry(row rowScanner) (*domain.Entry, error) {
	var e domain.Entry
	var dataJSON string
	var createdAt, updatedAt int64
	if err := row.Scan(&e.ID, &e.ModuleID, &e.SchemaKey, &e.SchemaVersion, &dataJSON, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan entry: %w", err)
	}
	if err := json.Unmarshal([]byte(dataJSON), &e.Data); err != nil {
		return nil, fmt.Errorf("decode entry %s: %w", e.ID, err)
	}
	if e.Data == nil {
		e.Data = map[string]any{}
	}
	e.CreatedAt = fromUnixNano(createdAt)
	e.UpdatedAt = fromUnixNano(updatedAt)
	return &e, nil
}
