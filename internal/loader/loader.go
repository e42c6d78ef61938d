// Package loader reads a repository tree into source files of encoded parse
// facts. It understands fact files (YAML or JSON), dbt manifest.json and SQL
// model files with YAML frontmatter.
package loader

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/leapstack-labs/leapgraph/internal/lineage"
	"github.com/leapstack-labs/leapgraph/pkg/core"
	"github.com/minio/highwayhash"
	"github.com/viant/afs"
)

// Store is the part of the state store the loader writes to.
type Store interface {
	UpsertSourceFile(ctx context.Context, f *core.SourceFile) (*core.SourceFile, error)
	ListSourceFiles(ctx context.Context, repoID string) ([]*core.SourceFile, error)
	DeleteSourceFile(ctx context.Context, id string) error
}

// skipDirs are never descended into.
var skipDirs = map[string]bool{
	"node_modules": true,
	"dbt_packages": true,
	"logs":         true,
}

// hashKey keys the content hash; it must be 32 bytes.
var hashKey = []byte("leapgraph-content-hash-key-32by!")

// FileError is a file that could not be parsed. The repository keeps the
// file's previously loaded facts.
type FileError struct {
	Path string
	Err  error
}

func (e *FileError) Error() string { return fmt.Sprintf("%s: %v", e.Path, e.Err) }

func (e *FileError) Unwrap() error { return e.Err }

// Result summarizes one load.
type Result struct {
	// Files is the number of files the repository holds after the load.
	Files   int
	Changed []string
	Removed []string
	Skipped []*FileError
}

// Dirty reports whether the load changed the repository's files.
func (r *Result) Dirty() bool { return len(r.Changed) > 0 || len(r.Removed) > 0 }

// Loader records repository files in the state store.
type Loader struct {
	store  Store
	fs     afs.Service
	logger *slog.Logger
}

// New creates a loader.
func New(store Store, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{store: store, fs: afs.New(), logger: logger}
}

// entry is one file's worth of facts, keyed by its slash path under root.
type entry struct {
	path   string
	schema string
	facts  []lineage.Fact
}

// Load walks root and records every fact-bearing file for repo. Files whose
// facts are unchanged are left alone, and files gone from the tree are
// removed. Per-file parse errors are collected in the result.
func (l *Loader) Load(ctx context.Context, repo *core.Repository, root string) (*Result, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read repository root: %w", err)
	}
	if !info.IsDir() {
		return nil, core.ErrValidation("repository root %s is not a directory", root)
	}

	paths, err := collect(root)
	if err != nil {
		return nil, err
	}
	res := &Result{}
	entries, failed := l.parse(ctx, root, paths, res)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	files, err := l.store.ListSourceFiles(ctx, repo.ID)
	if err != nil {
		return nil, err
	}
	existing := make(map[string]*core.SourceFile, len(files))
	for _, f := range files {
		existing[f.Path] = f
	}

	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		seen[e.path] = true
		changed, err := l.record(ctx, repo, existing[e.path], e)
		if err != nil {
			return nil, err
		}
		if changed {
			res.Changed = append(res.Changed, e.path)
		}
	}
	for _, f := range files {
		if seen[f.Path] || failed[f.Path] {
			continue
		}
		if err := l.store.DeleteSourceFile(ctx, f.ID); err != nil && !core.IsNotFound(err) {
			return nil, err
		}
		res.Removed = append(res.Removed, f.Path)
	}
	res.Files = len(seen)
	for p := range failed {
		if _, ok := existing[p]; ok && !seen[p] {
			res.Files++
		}
	}

	l.logger.Info("repository loaded",
		"repository", repo.Name,
		"files", res.Files,
		"changed", len(res.Changed),
		"removed", len(res.Removed),
		"skipped", len(res.Skipped))
	return res, nil
}

// parse reads manifests first; SQL files a manifest covers are skipped.
// The returned set holds the paths that failed to parse.
func (l *Loader) parse(ctx context.Context, root string, paths []string, res *Result) ([]entry, map[string]bool) {
	var entries []entry
	failed := make(map[string]bool)
	covered := make(map[string]bool)
	fail := func(p string, err error) {
		failed[p] = true
		res.Skipped = append(res.Skipped, &FileError{Path: p, Err: err})
		l.logger.Warn("skipping file", "file", p, "error", err)
	}

	for _, p := range paths {
		if path.Base(p) != ManifestFileName {
			continue
		}
		data, err := l.read(ctx, root, p)
		if err != nil {
			fail(p, err)
			continue
		}
		nodes, err := ParseManifest(data)
		if err != nil {
			fail(p, err)
			continue
		}
		project := manifestProject(p)
		for _, n := range nodes {
			np := path.Join(project, n.Path)
			covered[np] = true
			entries = append(entries, entry{path: np, facts: []lineage.Fact{n.Fact}})
		}
	}

	for _, p := range paths {
		if ctx.Err() != nil {
			break
		}
		if path.Base(p) == ManifestFileName || covered[p] {
			continue
		}
		data, err := l.read(ctx, root, p)
		if err != nil {
			fail(p, err)
			continue
		}
		if strings.EqualFold(path.Ext(p), ".sql") {
			f, err := ParseSQLFile(p, data)
			if err != nil {
				fail(p, err)
				continue
			}
			entries = append(entries, entry{path: p, facts: []lineage.Fact{f}})
			continue
		}
		ff, facts, err := ParseFactFile(data)
		if errors.Is(err, ErrNotFactFile) {
			l.logger.Debug("ignoring file without facts", "file", p)
			continue
		}
		if err != nil {
			fail(p, err)
			continue
		}
		entries = append(entries, entry{path: p, schema: ff.DefaultSchema, facts: facts})
	}
	return entries, failed
}

func (l *Loader) read(ctx context.Context, root, p string) ([]byte, error) {
	data, err := l.fs.DownloadWithURL(ctx, filepath.Join(root, filepath.FromSlash(p)))
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return data, nil
}

// record writes the entry when its payload or schema differs from the
// stored file, returning whether it wrote.
func (l *Loader) record(ctx context.Context, repo *core.Repository, prev *core.SourceFile, e entry) (bool, error) {
	payload, err := lineage.EncodeFacts(e.facts)
	if err != nil {
		return false, fmt.Errorf("failed to encode facts of %s: %w", e.path, err)
	}
	hash := contentHash(e.schema, payload)
	if prev != nil && prev.ContentHash == hash {
		return false, nil
	}
	_, err = l.store.UpsertSourceFile(ctx, &core.SourceFile{
		RepositoryID:  repo.ID,
		Path:          e.path,
		DefaultSchema: e.schema,
		Payload:       payload,
		ContentHash:   hash,
	})
	if err != nil {
		return false, err
	}
	l.logger.Debug("file recorded", "file", e.path, "facts", len(e.facts))
	return true, nil
}

func contentHash(schema string, payload []byte) string {
	data := make([]byte, 0, len(schema)+1+len(payload))
	data = append(data, schema...)
	data = append(data, 0)
	data = append(data, payload...)
	return fmt.Sprintf("%016x", highwayhash.Sum64(data, hashKey))
}

// manifestProject returns the dbt project directory of a manifest path;
// dbt writes the manifest to <project>/target/manifest.json.
func manifestProject(p string) string {
	dir := path.Dir(p)
	if path.Base(dir) == "target" {
		return path.Dir(dir)
	}
	return dir
}

// collect lists the candidate files under root as sorted slash paths.
// Inside a target directory only the manifest is kept.
func collect(root string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != root && (strings.HasPrefix(d.Name(), ".") || skipDirs[d.Name()]) {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !candidate(rel) {
			return nil
		}
		out = append(out, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}
	return out, nil
}

func candidate(rel string) bool {
	base := path.Base(rel)
	if strings.HasPrefix(base, ".") {
		return false
	}
	for _, part := range strings.Split(path.Dir(rel), "/") {
		if part == "target" {
			return base == ManifestFileName
		}
	}
	switch strings.ToLower(path.Ext(base)) {
	case ".sql", ".yaml", ".yml", ".json":
		return true
	}
	return false
}
