// Package resolver binds the asset references of parse facts to registry
// assets across all files of a repository.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/leapstack-labs/leapgraph/internal/lineage"
	"github.com/leapstack-labs/leapgraph/pkg/core"
)

// Registry is the subset of the asset registry the resolver uses.
type Registry interface {
	Register(ctx context.Context, in core.AssetInput, pass int64) (*core.Asset, error)
	FindAsset(ctx context.Context, connectionID, schema, name string) (*core.Asset, error)
	FindAssetsByName(ctx context.Context, connectionID, name string) ([]*core.Asset, error)
	GetColumnsForAsset(ctx context.Context, assetID string, includeInvalidated bool) ([]*core.Column, error)
}

// FileFacts are the decoded facts of one source file.
type FileFacts struct {
	FileID        string
	DefaultSchema string
	Facts         []lineage.Fact
}

// Input is one resolution run over a repository.
type Input struct {
	ConnectionID string
	// Pass stamps assets created during resolution; zero means outside a pass.
	Pass  int64
	Files []FileFacts
}

// Edge is a deduplicated table-level dependency with every discovering file.
type Edge struct {
	SourceAssetID string
	TargetAssetID string
	FileIDs       []string
}

// Output holds the resolved facts and the merged edge set.
type Output struct {
	Facts []lineage.ResolvedFact
	Edges []Edge
	// Warnings holds *core.AmbiguousReferenceWarning and
	// *core.CrossConnectionReference values.
	Warnings []error
}

// Resolver resolves references against a registry.
type Resolver struct {
	registry Registry
	logger   *slog.Logger
}

// New creates a resolver.
func New(registry Registry, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{registry: registry, logger: logger}
}

// run carries the caches of a single Resolve call.
type run struct {
	*Resolver
	in      Input
	assets  map[string]*core.Asset
	columns map[string][]*core.Column
}

// Resolve binds every fact's target and sources. An ambiguous reference is
// reported as a warning and produces no edge; a fact whose target is
// ambiguous is skipped.
func (r *Resolver) Resolve(ctx context.Context, in Input) (Output, error) {
	if strings.TrimSpace(in.ConnectionID) == "" {
		return Output{}, core.ErrValidation("connection is required")
	}
	rn := &run{
		Resolver: r,
		in:       in,
		assets:   make(map[string]*core.Asset),
		columns:  make(map[string][]*core.Column),
	}

	var out Output
	edges := make(map[[2]string]int)

	for _, file := range in.Files {
		if err := ctx.Err(); err != nil {
			return Output{}, err
		}
		for _, fact := range file.Facts {
			rf, warnings, err := rn.resolveFact(ctx, file, fact)
			if err != nil {
				return Output{}, err
			}
			out.Warnings = append(out.Warnings, warnings...)
			if rf == nil {
				continue
			}
			out.Facts = append(out.Facts, *rf)

			for _, src := range rf.Sources {
				if src.Asset.ID == rf.Target.Asset.ID && !fact.Base().PassThrough {
					continue
				}
				key := [2]string{src.Asset.ID, rf.Target.Asset.ID}
				i, ok := edges[key]
				if !ok {
					i = len(out.Edges)
					edges[key] = i
					out.Edges = append(out.Edges, Edge{SourceAssetID: key[0], TargetAssetID: key[1]})
				}
				out.Edges[i].FileIDs = appendUnique(out.Edges[i].FileIDs, file.FileID)
			}
		}
	}

	r.logger.Debug("references resolved",
		"connection", in.ConnectionID,
		"files", len(in.Files),
		"facts", len(out.Facts),
		"edges", len(out.Edges),
		"warnings", len(out.Warnings))
	return out, nil
}

func (rn *run) resolveFact(ctx context.Context, file FileFacts, fact lineage.Fact) (*lineage.ResolvedFact, []error, error) {
	base := fact.Base()
	var warnings []error

	if !base.Target.InConnection(rn.in.ConnectionID) {
		return nil, []error{rn.crossConnection(file, base.Target)}, nil
	}
	target, warn, err := rn.resolveRef(ctx, file, base.Target, targetType(base.Target))
	if err != nil {
		return nil, nil, err
	}
	if warn != nil {
		return nil, []error{warn}, nil
	}
	rf := &lineage.ResolvedFact{Fact: fact, FileID: file.FileID}
	if rf.Target, err = rn.withColumns(ctx, target); err != nil {
		return nil, nil, err
	}

	for _, ref := range base.Sources {
		if !ref.InConnection(rn.in.ConnectionID) {
			warnings = append(warnings, rn.crossConnection(file, ref))
			continue
		}
		src, warn, err := rn.resolveRef(ctx, file, ref, core.AssetTypeSource)
		if err != nil {
			return nil, nil, err
		}
		if warn != nil {
			warnings = append(warnings, warn)
			continue
		}
		ra, err := rn.withColumns(ctx, src)
		if err != nil {
			return nil, nil, err
		}
		rf.Sources = append(rf.Sources, ra)
	}
	return rf, warnings, nil
}

func (rn *run) crossConnection(file FileFacts, ref lineage.AssetRef) error {
	return &core.CrossConnectionReference{FileID: file.FileID, Reference: ref.String(), ConnectionID: rn.in.ConnectionID}
}

// resolveRef returns the asset ref names, creating it with typ when absent.
// A non-nil warning means the reference could not be bound.
func (rn *run) resolveRef(ctx context.Context, file FileFacts, ref lineage.AssetRef, typ core.AssetType) (*core.Asset, *core.AmbiguousReferenceWarning, error) {
	name := strings.TrimSpace(ref.Name)
	if name == "" {
		return nil, nil, core.ErrValidation("asset reference in file %s has no name", file.FileID)
	}
	defaultSchema := strings.TrimSpace(file.DefaultSchema)

	key := strings.ToLower(core.QualifiedName(strings.TrimSpace(ref.Schema), name))
	if !ref.Qualified() {
		key = "?" + strings.ToLower(defaultSchema) + "|" + strings.ToLower(name)
	}
	if a, ok := rn.assets[key]; ok {
		return a, nil, nil
	}

	var (
		a   *core.Asset
		err error
	)
	if ref.Qualified() {
		a, err = rn.findOrCreate(ctx, file, strings.TrimSpace(ref.Schema), name, typ)
	} else {
		var warn *core.AmbiguousReferenceWarning
		a, warn, err = rn.resolveBare(ctx, file, name, defaultSchema, typ)
		if warn != nil || err != nil {
			return nil, warn, err
		}
	}
	if err != nil {
		return nil, nil, err
	}
	rn.assets[key] = a
	return a, nil, nil
}

func (rn *run) resolveBare(ctx context.Context, file FileFacts, name, defaultSchema string, typ core.AssetType) (*core.Asset, *core.AmbiguousReferenceWarning, error) {
	candidates, err := rn.registry.FindAssetsByName(ctx, rn.in.ConnectionID, name)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to look up %q: %w", name, err)
	}

	switch len(candidates) {
	case 0:
		if defaultSchema == "" {
			return nil, nil, core.ErrValidation("cannot place unqualified reference %q in file %s: no default schema", name, file.FileID)
		}
		a, err := rn.findOrCreate(ctx, file, defaultSchema, name, typ)
		return a, nil, err
	case 1:
		return candidates[0], nil, nil
	}

	if a := pick(candidates, defaultSchema); a != nil {
		return a, nil, nil
	}

	names := make([]string, len(candidates))
	for i, c := range candidates {
		names[i] = c.QualifiedName()
	}
	sort.Strings(names)
	warn := &core.AmbiguousReferenceWarning{FileID: file.FileID, Reference: name, Candidates: names}
	rn.logger.Warn("ambiguous reference",
		"file_id", file.FileID,
		"reference", name,
		"candidates", strings.Join(names, ","))
	return nil, warn, nil
}

// pick applies the tie-break rules: the candidate in the default schema,
// then the single most recently updated one.
func pick(candidates []*core.Asset, defaultSchema string) *core.Asset {
	if defaultSchema != "" {
		for _, c := range candidates {
			if strings.EqualFold(c.Schema, defaultSchema) {
				return c
			}
		}
	}
	var newest *core.Asset
	tied := false
	for _, c := range candidates {
		switch {
		case newest == nil || c.UpdatedAt.After(newest.UpdatedAt):
			newest, tied = c, false
		case c.UpdatedAt.Equal(newest.UpdatedAt):
			tied = true
		}
	}
	if tied {
		return nil
	}
	return newest
}

func (rn *run) findOrCreate(ctx context.Context, file FileFacts, schema, name string, typ core.AssetType) (*core.Asset, error) {
	a, err := rn.registry.FindAsset(ctx, rn.in.ConnectionID, schema, name)
	if err == nil {
		return a, nil
	}
	if !core.IsNotFound(err) {
		return nil, fmt.Errorf("failed to look up %s: %w", core.QualifiedName(schema, name), err)
	}
	a, err = rn.registry.Register(ctx, core.AssetInput{
		ConnectionID: rn.in.ConnectionID,
		Schema:       schema,
		Name:         name,
		Type:         typ,
	}, rn.in.Pass)
	if err != nil {
		return nil, err
	}
	rn.logger.Debug("asset created on first reference", "asset", a.QualifiedName(), "type", a.Type, "file_id", file.FileID)
	return a, nil
}

func (rn *run) withColumns(ctx context.Context, a *core.Asset) (lineage.ResolvedAsset, error) {
	cols, ok := rn.columns[a.ID]
	if !ok {
		var err error
		cols, err = rn.registry.GetColumnsForAsset(ctx, a.ID, false)
		if err != nil {
			return lineage.ResolvedAsset{}, fmt.Errorf("failed to load columns of %s: %w", a.QualifiedName(), err)
		}
		rn.columns[a.ID] = cols
	}
	return lineage.ResolvedAsset{Asset: a, Columns: cols}, nil
}

func targetType(ref lineage.AssetRef) core.AssetType {
	if ref.Type != "" {
		return ref.Type
	}
	return core.AssetTypeModel
}

func appendUnique(list []string, s string) []string {
	if s == "" {
		return list
	}
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
