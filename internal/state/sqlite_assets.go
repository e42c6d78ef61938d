package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/leapstack-labs/leapgraph/pkg/core"
)

const assetColumns = `id, connection_id, schema_name, name, asset_type, file_id, description, tags, meta,
	stale, last_seen_pass, created_at, updated_at`

func scanAsset(row scanner) (*core.Asset, error) {
	a := &core.Asset{}
	var (
		fileID               sql.NullString
		tags                 stringList
		meta                 string
		stale                int
		createdAt, updatedAt int64
	)
	err := row.Scan(&a.ID, &a.ConnectionID, &a.Schema, &a.Name, &a.Type, &fileID,
		&a.Metadata.Description, &tags, &meta, &stale, &a.LastSeenPass, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	a.FileID = stringPtr(fileID)
	a.Metadata.Tags = tags
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &a.Metadata.Meta); err != nil {
			return nil, fmt.Errorf("failed to decode asset meta: %w", err)
		}
	}
	a.Stale = stale != 0
	a.CreatedAt = fromMillis(createdAt)
	a.UpdatedAt = fromMillis(updatedAt)
	return a, nil
}

func collectAssets(rows *sql.Rows) ([]*core.Asset, error) {
	defer rows.Close()
	var out []*core.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan asset: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpsertAsset inserts or updates the asset keyed by (connection, schema, name).
// Identity is case-insensitive; the display name of the latest write is kept.
// Empty metadata fields never erase stored values, and a "source" placeholder
// never downgrades a more specific stored type.
func (s *SQLiteStore) UpsertAsset(ctx context.Context, in core.AssetInput, pass int64) (*core.Asset, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	tags, err := stringList(in.Metadata.Tags).Value()
	if err != nil {
		return nil, fmt.Errorf("failed to encode tags: %w", err)
	}
	meta := "{}"
	if len(in.Metadata.Meta) > 0 {
		if meta, err = jsonText(in.Metadata.Meta); err != nil {
			return nil, fmt.Errorf("failed to encode meta: %w", err)
		}
	}

	now := toMillis(time.Now())
	var a *core.Asset
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			INSERT INTO assets (id, connection_id, schema_name, name, schema_key, name_key, asset_type, file_id,
				description, tags, meta, stale, last_seen_pass, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
			ON CONFLICT (connection_id, schema_key, name_key) DO UPDATE SET
				name = excluded.name,
				schema_name = excluded.schema_name,
				asset_type = CASE WHEN excluded.asset_type = 'source' THEN assets.asset_type ELSE excluded.asset_type END,
				file_id = COALESCE(excluded.file_id, assets.file_id),
				description = CASE WHEN excluded.description = '' THEN assets.description ELSE excluded.description END,
				tags = CASE WHEN excluded.tags = '[]' THEN assets.tags ELSE excluded.tags END,
				meta = CASE WHEN excluded.meta = '{}' THEN assets.meta ELSE excluded.meta END,
				stale = CASE WHEN excluded.last_seen_pass > 0 THEN 0 ELSE assets.stale END,
				last_seen_pass = MAX(assets.last_seen_pass, excluded.last_seen_pass),
				updated_at = excluded.updated_at
			RETURNING `+assetColumns,
			generateID(), in.ConnectionID, in.Schema, in.Name, identityKey(in.Schema), identityKey(in.Name),
			string(in.Type), nullableString(in.FileID), in.Metadata.Description, tags, meta, pass, now, now,
		)
		var err error
		if a, err = scanAsset(row); err != nil {
			return err
		}
		if pass <= 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO asset_sightings (asset_id, pass) VALUES (?, ?) ON CONFLICT DO NOTHING`, a.ID, pass)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert asset %s: %w", core.QualifiedName(in.Schema, in.Name), err)
	}
	return a, nil
}

// GetAsset retrieves an asset by ID.
func (s *SQLiteStore) GetAsset(ctx context.Context, id string) (*core.Asset, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	a, err := scanAsset(s.db.QueryRowContext(ctx, `SELECT `+assetColumns+` FROM assets WHERE id = ?`, id))
	if isNoRows(err) {
		return nil, core.ErrNotFound("asset not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get asset: %w", err)
	}
	return a, nil
}

// FindAsset retrieves an asset by its identity key.
func (s *SQLiteStore) FindAsset(ctx context.Context, connectionID, schema, name string) (*core.Asset, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	a, err := scanAsset(s.db.QueryRowContext(ctx, `
		SELECT `+assetColumns+` FROM assets
		WHERE connection_id = ? AND schema_key = ? AND name_key = ?`,
		connectionID, identityKey(schema), identityKey(name)))
	if isNoRows(err) {
		return nil, core.ErrNotFound("asset not found: %s", core.QualifiedName(schema, name))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find asset: %w", err)
	}
	return a, nil
}

// FindAssetsByName returns every asset of the connection with the bare name,
// most recently updated first.
func (s *SQLiteStore) FindAssetsByName(ctx context.Context, connectionID, name string) ([]*core.Asset, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+assetColumns+` FROM assets
		WHERE connection_id = ? AND name_key = ?
		ORDER BY updated_at DESC, schema_key`,
		connectionID, identityKey(name))
	if err != nil {
		return nil, fmt.Errorf("failed to find assets by name: %w", err)
	}
	return collectAssets(rows)
}

// ListAssets returns every asset of the connection ordered by qualified name.
func (s *SQLiteStore) ListAssets(ctx context.Context, connectionID string) ([]*core.Asset, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+assetColumns+` FROM assets
		WHERE connection_id = ?
		ORDER BY schema_key, name_key`, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list assets: %w", err)
	}
	return collectAssets(rows)
}

// MarkStale flags assets of the connection last seen before pass that no
// repository's current pass has seen, then drops sightings of superseded
// passes. Nothing is deleted from assets.
func (s *SQLiteStore) MarkStale(ctx context.Context, connectionID string, pass int64) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	var n int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE assets SET stale = 1, updated_at = ?
			WHERE connection_id = ? AND last_seen_pass < ? AND stale = 0
			AND NOT EXISTS (
				SELECT 1 FROM asset_sightings s
				JOIN repositories r ON r.current_pass = s.pass AND r.connection_id = assets.connection_id
				WHERE s.asset_id = assets.id
			)`,
			toMillis(time.Now()), connectionID, pass)
		if err != nil {
			return err
		}
		if n, err = res.RowsAffected(); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			DELETE FROM asset_sightings
			WHERE asset_id IN (SELECT id FROM assets WHERE connection_id = ?)
			AND pass < ?
			AND pass NOT IN (SELECT current_pass FROM repositories WHERE connection_id = ?)`,
			connectionID, pass, connectionID)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to mark stale assets: %w", err)
	}
	return n, nil
}

// CountAssetsSeen returns how many assets of the connection pass saw.
func (s *SQLiteStore) CountAssetsSeen(ctx context.Context, connectionID string, pass int64) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM asset_sightings s
		JOIN assets a ON a.id = s.asset_id
		WHERE a.connection_id = ? AND s.pass = ?`, connectionID, pass).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count seen assets: %w", err)
	}
	return n, nil
}

const columnColumns = `id, asset_id, name, data_type, invalidated_at`

func scanColumn(row scanner) (*core.Column, error) {
	c := &core.Column{}
	var (
		dataType    sql.NullString
		invalidated sql.NullInt64
	)
	if err := row.Scan(&c.ID, &c.AssetID, &c.Name, &dataType, &invalidated); err != nil {
		return nil, err
	}
	c.DataType = stringPtr(dataType)
	c.InvalidatedAt = timePtr(invalidated)
	return c, nil
}

// UpsertColumn inserts or updates a column keyed by (asset, name) and clears
// any prior invalidation. A nil data type keeps the stored one.
func (s *SQLiteStore) UpsertColumn(ctx context.Context, assetID, name string, dataType *string) (*core.Column, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	now := toMillis(time.Now())
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO columns (id, asset_id, name, name_key, data_type, invalidated_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, NULL, ?, ?)
		ON CONFLICT (asset_id, name_key) DO UPDATE SET
			name = excluded.name,
			data_type = COALESCE(excluded.data_type, columns.data_type),
			invalidated_at = NULL,
			updated_at = excluded.updated_at
		RETURNING `+columnColumns,
		generateID(), assetID, name, identityKey(name), nullableString(dataType), now, now,
	)
	c, err := scanColumn(row)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert column %s: %w", name, err)
	}
	return c, nil
}

// InvalidateColumns soft-invalidates the asset's live columns whose names are not in keep.
func (s *SQLiteStore) InvalidateColumns(ctx context.Context, assetID string, keep []string, at time.Time) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}

	query := `UPDATE columns SET invalidated_at = ?, updated_at = ?
		WHERE asset_id = ? AND invalidated_at IS NULL`
	args := []any{toMillis(at), toMillis(at), assetID}
	if len(keep) > 0 {
		placeholders := make([]string, len(keep))
		for i, name := range keep {
			placeholders[i] = "?"
			args = append(args, identityKey(name))
		}
		query += ` AND name_key NOT IN (` + strings.Join(placeholders, ", ") + `)`
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to invalidate columns: %w", err)
	}
	return res.RowsAffected()
}

// GetColumnsForAsset returns the asset's columns ordered by name.
func (s *SQLiteStore) GetColumnsForAsset(ctx context.Context, assetID string, includeInvalidated bool) ([]*core.Column, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	query := `SELECT ` + columnColumns + ` FROM columns WHERE asset_id = ?`
	if !includeInvalidated {
		query += ` AND invalidated_at IS NULL`
	}
	query += ` ORDER BY name_key`

	rows, err := s.db.QueryContext(ctx, query, assetID)
	if err != nil {
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}
	defer rows.Close()

	var out []*core.Column
	for rows.Next() {
		c, err := scanColumn(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan column: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
