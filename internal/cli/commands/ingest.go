package commands

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/leapstack-labs/leapgraph/internal/loader"
	"github.com/leapstack-labs/leapgraph/pkg/core"
)

// IngestOptions holds options for the ingest command.
type IngestOptions struct {
	Repo       string
	Connection string
	Schema     string
	Watch      bool
	NoProcess  bool
	Debounce   time.Duration
}

// NewIngestCommand creates the ingest command.
func NewIngestCommand() *cobra.Command {
	opts := &IngestOptions{}

	cmd := &cobra.Command{
		Use:   "ingest [path]",
		Short: "Load a repository and build its lineage graph",
		Long: `Load the fact files, dbt manifests and SQL models of a repository, enqueue
its processing pipeline and run it to completion.

Files whose facts did not change are not rewritten. With --watch the
repository is reloaded and reprocessed whenever a file changes.`,
		Example: `  # Ingest the repository declared in leapgraph.yaml
  leapgraph ingest --repo shop

  # Ingest a directory directly
  leapgraph ingest ./dbt --repo shop --connection warehouse --schema analytics

  # Keep the graph current while editing
  leapgraph ingest ./dbt --repo shop --connection warehouse --watch`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			return runIngest(cmd, path, opts)
		},
	}

	repositoryFlag(cmd, &opts.Repo)
	cmd.Flags().StringVar(&opts.Connection, "connection", "", "Warehouse connection the repository writes to")
	cmd.Flags().StringVar(&opts.Schema, "schema", "", "Default schema for unqualified names")
	cmd.Flags().BoolVarP(&opts.Watch, "watch", "w", false, "Reprocess on file changes")
	cmd.Flags().BoolVar(&opts.NoProcess, "no-process", false, "Load and enqueue without running the pipeline")
	cmd.Flags().DurationVar(&opts.Debounce, "debounce", 300*time.Millisecond, "Quiet period before a watched change is processed")

	return cmd
}

// ingestTarget is the repository an ingest writes to and the tree it reads.
type ingestTarget struct {
	repo core.Repository
	root string
}

func runIngest(cmd *cobra.Command, path string, opts *IngestOptions) error {
	cctx, cleanup, err := NewCommandContext(cmd)
	if err != nil {
		return err
	}
	defer cleanup()
	ctx := cmd.Context()

	target, err := ingestTargetFor(cctx, path, opts)
	if err != nil {
		return err
	}
	repo, err := cctx.Engine.AddRepository(ctx, target.repo)
	if err != nil {
		return err
	}
	l := loader.New(cctx.Engine.Store(), cctx.Logger.With("component", "loader"))

	if err := ingestOnce(ctx, cctx, l, repo, target.root, opts, true); err != nil {
		return err
	}
	if !opts.Watch {
		return nil
	}
	return watch(ctx, cctx, target.root, opts.Debounce, func() error {
		return ingestOnce(ctx, cctx, l, repo, target.root, opts, false)
	})
}

// ingestTargetFor merges the configured repository with the flags and path.
func ingestTargetFor(cctx *CommandContext, path string, opts *IngestOptions) (*ingestTarget, error) {
	name := opts.Repo
	if name == "" && len(cctx.Cfg.Repositories) == 1 {
		name = cctx.Cfg.Repositories[0].Name
	}
	if name == "" && path != "" {
		if abs, err := filepath.Abs(path); err == nil {
			name = filepath.Base(abs)
		}
	}
	if name == "" {
		return nil, core.ErrValidation("name the repository with --repo or declare it in the config file")
	}

	rc, _ := cctx.Cfg.Repository(name)
	t := &ingestTarget{
		repo: core.Repository{Name: name, ConnectionID: rc.Connection, DefaultSchema: rc.DefaultSchema},
		root: rc.Path,
	}
	if opts.Connection != "" {
		t.repo.ConnectionID = opts.Connection
	}
	if opts.Schema != "" {
		t.repo.DefaultSchema = opts.Schema
	}
	if path != "" {
		t.root = path
	}
	if t.root == "" {
		return nil, core.ErrValidation("repository %q has no path, pass one as an argument", name)
	}
	if t.repo.ConnectionID == "" {
		return nil, core.ErrValidation("repository %q needs a connection, pass --connection", name)
	}
	return t, nil
}

// ingestOnce loads the tree and, when files changed or nothing was ever
// processed, requeues and drains the pipeline.
func ingestOnce(ctx context.Context, cctx *CommandContext, l *loader.Loader, repo *core.Repository, root string, opts *IngestOptions, first bool) error {
	r := cctx.Renderer
	res, err := l.Load(ctx, repo, root)
	if err != nil {
		return err
	}
	for _, s := range res.Skipped {
		r.Warning(s.Error())
	}

	status, err := cctx.Engine.Jobs().Status(ctx, repo.ID)
	if err != nil {
		return err
	}
	if !res.Dirty() && len(status) > 0 {
		if first {
			r.Println(r.Muted(fmt.Sprintf("%s: %d files, no changes", repo.Name, res.Files)))
		}
		return nil
	}
	if err := cctx.Engine.Reprocess(ctx, repo.ID); err != nil {
		return err
	}
	r.Printf("%s: %d files, %d changed, %d removed\n", repo.Name, res.Files, len(res.Changed), len(res.Removed))
	if opts.NoProcess {
		return nil
	}

	if err := cctx.Engine.Drain(ctx); err != nil {
		return err
	}
	status, err = cctx.Engine.Jobs().Status(ctx, repo.ID)
	if err != nil {
		return err
	}
	for _, s := range status {
		if s.Status == core.JobFailed {
			r.Error(fmt.Sprintf("%s phase failed: %s", s.Phase, s.ErrorDetail))
			return fmt.Errorf("pipeline of %s failed in the %s phase", repo.Name, s.Phase)
		}
	}
	report, err := cctx.Engine.GetAnalysisReport(ctx, repo.ID)
	if err != nil {
		return err
	}
	r.Success(fmt.Sprintf("%d assets, %d edges, %d cycles, %d stale", report.AssetCount, report.EdgeCount, report.CycleCount, report.StaleCount))
	return nil
}

// watch calls fn after each burst of file changes under root until ctx is done.
func watch(ctx context.Context, cctx *CommandContext, root string, debounce time.Duration, fn func() error) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}
	defer w.Close()

	if err := watchTree(w, root); err != nil {
		return err
	}
	cctx.Renderer.Println(cctx.Renderer.Muted("watching " + root + " (ctrl-c to stop)"))

	timer := time.NewTimer(debounce)
	timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				// New directories are watched too; a plain file is ignored.
				_ = watchTree(w, ev.Name)
			}
			if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
				continue
			}
			cctx.Logger.Debug("file changed", "file", ev.Name, "op", ev.Op.String())
			timer.Reset(debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			cctx.Logger.Warn("watch error", "error", err)
		case <-timer.C:
			if err := fn(); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				cctx.Renderer.Error(err.Error())
			}
		}
	}
}

// watchTree adds root and its non-hidden subdirectories to the watcher.
func watchTree(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := w.Add(p); err != nil {
			return fmt.Errorf("failed to watch %s: %w", p, err)
		}
		return nil
	})
}
