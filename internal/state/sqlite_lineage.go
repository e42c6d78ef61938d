package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/leapstack-labs/leapgraph/pkg/core"
)

const assetLineageColumns = `l.id, l.source_asset_id, l.target_asset_id, l.relationship_type, l.operation_type,
	l.transformation_logic, l.confidence_score, l.tier, l.pass_through, l.created_at, l.updated_at`

func scanAssetLineage(row scanner) (*core.AssetLineage, error) {
	l := &core.AssetLineage{}
	var (
		passThrough          int
		createdAt, updatedAt int64
	)
	err := row.Scan(&l.ID, &l.SourceAssetID, &l.TargetAssetID, &l.RelationshipType, &l.OperationType,
		&l.TransformationLogic, &l.ConfidenceScore, &l.Tier, &passThrough, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	l.PassThrough = passThrough != 0
	l.CreatedAt = fromMillis(createdAt)
	l.UpdatedAt = fromMillis(updatedAt)
	return l, nil
}

// UpsertAssetLineage stores the edge keyed by (source, target, relationship type).
// Rediscovery keeps the highest confidence and merges file discoveries.
func (s *SQLiteStore) UpsertAssetLineage(ctx context.Context, l *core.AssetLineage) (*core.AssetLineage, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if l.SourceAssetID == l.TargetAssetID && !l.PassThrough {
		return nil, core.ErrValidation("self-loop lineage on asset %s is not a pass-through", l.SourceAssetID)
	}

	var out *core.AssetLineage
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := toMillis(time.Now())
		var id string
		err := tx.QueryRowContext(ctx, `
			INSERT INTO asset_lineage (id, source_asset_id, target_asset_id, relationship_type, operation_type,
				transformation_logic, confidence_score, tier, pass_through, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (source_asset_id, target_asset_id, relationship_type) DO UPDATE SET
				operation_type = excluded.operation_type,
				transformation_logic = CASE WHEN excluded.transformation_logic = ''
					THEN asset_lineage.transformation_logic ELSE excluded.transformation_logic END,
				tier = CASE WHEN excluded.confidence_score >= asset_lineage.confidence_score
					THEN excluded.tier ELSE asset_lineage.tier END,
				confidence_score = MAX(asset_lineage.confidence_score, excluded.confidence_score),
				pass_through = MAX(asset_lineage.pass_through, excluded.pass_through),
				updated_at = excluded.updated_at
			RETURNING id`,
			generateID(), l.SourceAssetID, l.TargetAssetID, string(l.RelationshipType), string(l.OperationType),
			l.TransformationLogic, l.ConfidenceScore, string(l.Tier), boolInt(l.PassThrough), now, now,
		).Scan(&id)
		if err != nil {
			return fmt.Errorf("failed to upsert asset lineage: %w", err)
		}

		for _, d := range l.Discoveries {
			var line sql.NullInt64
			if d.Line != nil {
				line = sql.NullInt64{Int64: int64(*d.Line), Valid: true}
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO asset_lineage_files (asset_lineage_id, file_id, line, discovered_at)
				VALUES (?, ?, ?, ?)
				ON CONFLICT (asset_lineage_id, file_id) DO UPDATE SET
					line = COALESCE(excluded.line, asset_lineage_files.line)`,
				id, d.FileID, line, now,
			)
			if err != nil {
				return fmt.Errorf("failed to record discovery in file %s: %w", d.FileID, err)
			}
		}

		out, err = getAssetLineage(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func getAssetLineage(ctx context.Context, q queryer, id string) (*core.AssetLineage, error) {
	l, err := scanAssetLineage(q.QueryRowContext(ctx,
		`SELECT `+assetLineageColumns+` FROM asset_lineage l WHERE l.id = ?`, id))
	if isNoRows(err) {
		return nil, core.ErrNotFound("asset lineage not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get asset lineage: %w", err)
	}

	discoveries, err := loadDiscoveries(ctx, q, `WHERE f.asset_lineage_id = ?`, id)
	if err != nil {
		return nil, err
	}
	l.Discoveries = discoveries[id]
	return l, nil
}

func loadDiscoveries(ctx context.Context, q queryer, where string, args ...any) (map[string][]core.Discovery, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT f.asset_lineage_id, f.file_id, f.line
		FROM asset_lineage_files f
		JOIN asset_lineage l ON l.id = f.asset_lineage_id
		JOIN assets a ON a.id = l.source_asset_id
		`+where+`
		ORDER BY f.discovered_at, f.rowid`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load discoveries: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]core.Discovery)
	for rows.Next() {
		var (
			lineageID string
			d         core.Discovery
			line      sql.NullInt64
		)
		if err := rows.Scan(&lineageID, &d.FileID, &line); err != nil {
			return nil, fmt.Errorf("failed to scan discovery: %w", err)
		}
		if line.Valid {
			n := int(line.Int64)
			d.Line = &n
		}
		out[lineageID] = append(out[lineageID], d)
	}
	return out, rows.Err()
}

// GetAssetLineage retrieves a table-level lineage row with its discoveries.
func (s *SQLiteStore) GetAssetLineage(ctx context.Context, id string) (*core.AssetLineage, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return getAssetLineage(ctx, s.db, id)
}

// ListAssetLineage returns every lineage row whose source belongs to the connection.
func (s *SQLiteStore) ListAssetLineage(ctx context.Context, connectionID string) ([]*core.AssetLineage, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	var out []*core.AssetLineage
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+assetLineageColumns+`
			FROM asset_lineage l
			JOIN assets a ON a.id = l.source_asset_id
			WHERE a.connection_id = ?
			ORDER BY l.created_at, l.id`, connectionID)
		if err != nil {
			return fmt.Errorf("failed to list asset lineage: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			l, err := scanAssetLineage(rows)
			if err != nil {
				return fmt.Errorf("failed to scan asset lineage: %w", err)
			}
			out = append(out, l)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		_ = rows.Close()

		discoveries, err := loadDiscoveries(ctx, tx, `WHERE a.connection_id = ?`, connectionID)
		if err != nil {
			return err
		}
		for _, l := range out {
			l.Discoveries = discoveries[l.ID]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

const columnLineageColumns = `id, asset_lineage_id, source_column_id, target_column_id, transformation_type,
	confidence, tier, match_kind, low_confidence`

func scanColumnLineage(row scanner) (*core.ColumnLineage, error) {
	c := &core.ColumnLineage{}
	var low int
	err := row.Scan(&c.ID, &c.AssetLineageID, &c.SourceColumnID, &c.TargetColumnID, &c.TransformationType,
		&c.Confidence, &c.Tier, &c.MatchKind, &low)
	if err != nil {
		return nil, err
	}
	c.LowConfidence = low != 0
	return c, nil
}

// UpsertColumnLineage stores a column edge keyed by (asset lineage, source column, target column).
func (s *SQLiteStore) UpsertColumnLineage(ctx context.Context, c *core.ColumnLineage) (*core.ColumnLineage, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	now := toMillis(time.Now())
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO column_lineage (id, asset_lineage_id, source_column_id, target_column_id, transformation_type,
			confidence, tier, match_kind, low_confidence, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (asset_lineage_id, source_column_id, target_column_id) DO UPDATE SET
			transformation_type = excluded.transformation_type,
			confidence = excluded.confidence,
			tier = excluded.tier,
			match_kind = excluded.match_kind,
			low_confidence = excluded.low_confidence,
			updated_at = excluded.updated_at
		RETURNING `+columnLineageColumns,
		generateID(), c.AssetLineageID, c.SourceColumnID, c.TargetColumnID, string(c.TransformationType),
		c.Confidence, string(c.Tier), string(c.MatchKind), boolInt(c.LowConfidence), now, now,
	)
	out, err := scanColumnLineage(row)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert column lineage: %w", err)
	}
	return out, nil
}

// ListColumnLineage returns the column edges of an asset lineage row.
func (s *SQLiteStore) ListColumnLineage(ctx context.Context, assetLineageID string) ([]*core.ColumnLineage, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+columnLineageColumns+` FROM column_lineage
		WHERE asset_lineage_id = ?
		ORDER BY created_at, id`, assetLineageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list column lineage: %w", err)
	}
	defer rows.Close()

	var out []*core.ColumnLineage
	for rows.Next() {
		c, err := scanColumnLineage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan column lineage: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
