package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/leapstack-labs/leapgraph/pkg/core"
)

// ReplaceGraph swaps the repository's edges and cycles in one transaction.
func (s *SQLiteStore) ReplaceGraph(ctx context.Context, repoID string, snap *core.GraphSnapshot) error {
	if err := s.ready(); err != nil {
		return err
	}
	builtAt := snap.BuiltAt
	if builtAt.IsZero() {
		builtAt = time.Now()
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM dependency_edges WHERE repository_id = ?`, repoID); err != nil {
			return fmt.Errorf("failed to clear dependency edges: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM circular_dependencies WHERE repository_id = ?`, repoID); err != nil {
			return fmt.Errorf("failed to clear circular dependencies: %w", err)
		}

		for _, e := range snap.Edges {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO dependency_edges (repository_id, source_asset_id, target_asset_id, dependency_type,
					reasons, file_ids, confidence, low_confidence, in_cycle, built_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				repoID, e.SourceAssetID, e.TargetAssetID, string(e.DependencyType),
				stringList(e.Reasons), stringList(e.FileIDs), e.Confidence, boolInt(e.LowConfidence),
				boolInt(e.InCycle), toMillis(builtAt),
			)
			if err != nil {
				return fmt.Errorf("failed to insert edge %s -> %s: %w", e.SourceAssetID, e.TargetAssetID, err)
			}
		}

		for _, c := range snap.Cycles {
			path, err := json.Marshal(c.Path)
			if err != nil {
				return fmt.Errorf("failed to encode cycle: %w", err)
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO circular_dependencies (repository_id, path, built_at) VALUES (?, ?, ?)`,
				repoID, string(path), toMillis(builtAt),
			)
			if err != nil {
				return fmt.Errorf("failed to insert cycle: %w", err)
			}
		}
		return nil
	})
}

// LoadGraph reads the repository's snapshot inside one read transaction.
func (s *SQLiteStore) LoadGraph(ctx context.Context, repoID string) (*core.GraphSnapshot, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	snap := &core.GraphSnapshot{}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		edges, builtAt, err := loadEdges(ctx, tx, `WHERE e.repository_id = ?`, repoID)
		if err != nil {
			return err
		}
		snap.Edges = edges
		snap.BuiltAt = builtAt

		rows, err := tx.QueryContext(ctx,
			`SELECT path FROM circular_dependencies WHERE repository_id = ? ORDER BY id`, repoID)
		if err != nil {
			return fmt.Errorf("failed to load cycles: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var path stringList
			if err := rows.Scan(&path); err != nil {
				return fmt.Errorf("failed to scan cycle: %w", err)
			}
			snap.Cycles = append(snap.Cycles, core.CircularDependency{Path: path})
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// LoadConnectionGraph reads the edges of every repository bound to the connection.
// Cycles are not included.
func (s *SQLiteStore) LoadConnectionGraph(ctx context.Context, connectionID string) (*core.GraphSnapshot, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	snap := &core.GraphSnapshot{}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		edges, builtAt, err := loadEdges(ctx, tx, `
			JOIN repositories r ON r.id = e.repository_id
			WHERE r.connection_id = ?`, connectionID)
		if err != nil {
			return err
		}
		snap.Edges = edges
		snap.BuiltAt = builtAt
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func loadEdges(ctx context.Context, q queryer, where string, args ...any) ([]core.GraphEdge, time.Time, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT e.source_asset_id, e.target_asset_id, e.dependency_type, e.reasons, e.file_ids,
			e.confidence, e.low_confidence, e.in_cycle, e.built_at
		FROM dependency_edges e
		`+where+`
		ORDER BY e.source_asset_id, e.target_asset_id`, args...)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to load dependency edges: %w", err)
	}
	defer rows.Close()

	var (
		edges  []core.GraphEdge
		latest int64
	)
	for rows.Next() {
		var (
			e       core.GraphEdge
			reasons stringList
			files   stringList
			low     int
			inCycle int
			builtAt int64
		)
		err := rows.Scan(&e.SourceAssetID, &e.TargetAssetID, &e.DependencyType, &reasons, &files,
			&e.Confidence, &low, &inCycle, &builtAt)
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("failed to scan dependency edge: %w", err)
		}
		e.Reasons = reasons
		e.FileIDs = files
		e.LowConfidence = low != 0
		e.InCycle = inCycle != 0
		if builtAt > latest {
			latest = builtAt
		}
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, time.Time{}, err
	}

	var builtAt time.Time
	if latest > 0 {
		builtAt = fromMillis(latest)
	}
	return edges, builtAt, nil
}
