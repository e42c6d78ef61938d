// Package registry is the canonical asset and column registry.
// It validates identity input before any write and keeps writes
// append-or-update only: stale assets are flagged by a terminal
// reconciliation step, never removed.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/leapstack-labs/leapgraph/pkg/core"
)

// Store is the persistence the registry needs.
type Store interface {
	core.AssetStore
	BeginPass(ctx context.Context, repoID string) (int64, error)
}

// Registry registers assets and columns.
type Registry struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a registry over store.
func New(store Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: store, logger: logger, now: time.Now}
}

// NormalizeInput trims identity fields and validates them.
// An empty type defaults to model.
func NormalizeInput(in core.AssetInput) (core.AssetInput, error) {
	in.ConnectionID = strings.TrimSpace(in.ConnectionID)
	in.Schema = strings.TrimSpace(in.Schema)
	in.Name = strings.TrimSpace(in.Name)

	switch {
	case in.ConnectionID == "":
		return in, core.ErrValidation("asset connection is required")
	case in.Schema == "":
		return in, core.ErrValidation("asset schema is required for %q", in.Name)
	case in.Name == "":
		return in, core.ErrValidation("asset name is required")
	}

	t, err := core.ParseAssetType(string(in.Type))
	if err != nil {
		return in, err
	}
	in.Type = t

	if in.FileID != nil && strings.TrimSpace(*in.FileID) == "" {
		in.FileID = nil
	}
	return in, nil
}

// UpsertAsset registers an asset outside of any extraction pass and returns its id.
// Repeated calls with the same key return the same id and update metadata in place.
func (r *Registry) UpsertAsset(ctx context.Context, in core.AssetInput) (string, error) {
	a, err := r.Register(ctx, in, 0)
	if err != nil {
		return "", err
	}
	return a.ID, nil
}

// Register upserts an asset and stamps it as seen in pass.
func (r *Registry) Register(ctx context.Context, in core.AssetInput, pass int64) (*core.Asset, error) {
	in, err := NormalizeInput(in)
	if err != nil {
		return nil, err
	}
	a, err := r.store.UpsertAsset(ctx, in, pass)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("asset registered", "asset", a.QualifiedName(), "id", a.ID, "pass", pass)
	return a, nil
}

// UpsertColumn registers a column on an existing asset and returns its id.
// An empty data type is recorded as unknown.
func (r *Registry) UpsertColumn(ctx context.Context, assetID, name, dataType string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", core.ErrValidation("column name is required")
	}
	if err := r.requireAsset(ctx, assetID); err != nil {
		return "", err
	}
	c, err := r.store.UpsertColumn(ctx, assetID, name, optional(dataType))
	if err != nil {
		return "", err
	}
	return c.ID, nil
}

// SyncColumns makes defs the asset's live column set. Columns no longer
// declared are soft-invalidated; an empty defs list leaves columns untouched.
func (r *Registry) SyncColumns(ctx context.Context, assetID string, defs []core.ColumnDef) ([]*core.Column, error) {
	if len(defs) == 0 {
		return r.store.GetColumnsForAsset(ctx, assetID, false)
	}
	if err := r.requireAsset(ctx, assetID); err != nil {
		return nil, err
	}

	keep := make([]string, 0, len(defs))
	for _, d := range defs {
		name := strings.TrimSpace(d.Name)
		if name == "" {
			return nil, core.ErrValidation("column name is required")
		}
		if _, err := r.store.UpsertColumn(ctx, assetID, name, optional(d.DataType)); err != nil {
			return nil, err
		}
		keep = append(keep, name)
	}

	n, err := r.store.InvalidateColumns(ctx, assetID, keep, r.now())
	if err != nil {
		return nil, err
	}
	if n > 0 {
		r.logger.Info("columns invalidated", "asset_id", assetID, "count", n)
	}
	return r.store.GetColumnsForAsset(ctx, assetID, false)
}

// BeginPass starts an extraction pass for the repository.
func (r *Registry) BeginPass(ctx context.Context, repoID string) (int64, error) {
	return r.store.BeginPass(ctx, repoID)
}

// Reconcile marks the connection's assets that no repository's current pass
// has seen as stale. pass is the pass that just finished.
func (r *Registry) Reconcile(ctx context.Context, connectionID string, pass int64) (int64, error) {
	if pass <= 0 {
		return 0, nil
	}
	n, err := r.store.MarkStale(ctx, connectionID, pass)
	if err != nil {
		return 0, fmt.Errorf("failed to reconcile connection %s: %w", connectionID, err)
	}
	if n > 0 {
		r.logger.Info("stale assets marked", "connection", connectionID, "pass", pass, "count", n)
	}
	return n, nil
}

// GetAsset retrieves an asset by id.
func (r *Registry) GetAsset(ctx context.Context, id string) (*core.Asset, error) {
	return r.store.GetAsset(ctx, id)
}

// FindAsset retrieves an asset by its identity key.
func (r *Registry) FindAsset(ctx context.Context, connectionID, schema, name string) (*core.Asset, error) {
	return r.store.FindAsset(ctx, connectionID, strings.TrimSpace(schema), strings.TrimSpace(name))
}

// FindAssetsByName returns the connection's assets with the bare name.
func (r *Registry) FindAssetsByName(ctx context.Context, connectionID, name string) ([]*core.Asset, error) {
	return r.store.FindAssetsByName(ctx, connectionID, strings.TrimSpace(name))
}

// GetColumnsForAsset returns the asset's columns.
func (r *Registry) GetColumnsForAsset(ctx context.Context, assetID string, includeInvalidated bool) ([]*core.Column, error) {
	return r.store.GetColumnsForAsset(ctx, assetID, includeInvalidated)
}

func (r *Registry) requireAsset(ctx context.Context, assetID string) error {
	if _, err := r.store.GetAsset(ctx, assetID); err != nil {
		if core.IsNotFound(err) {
			return core.ErrValidation("unknown asset id %q", assetID)
		}
		return err
	}
	return nil
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
