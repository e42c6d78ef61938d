package state

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/leapstack-labs/leapgraph/pkg/core"
)

const repositoryColumns = `id, name, connection_id, default_schema, current_pass, created_at, updated_at`

func scanRepository(row scanner) (*core.Repository, error) {
	r := &core.Repository{}
	var createdAt, updatedAt int64
	if err := row.Scan(&r.ID, &r.Name, &r.ConnectionID, &r.DefaultSchema, &r.CurrentPass, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	r.CreatedAt = fromMillis(createdAt)
	r.UpdatedAt = fromMillis(updatedAt)
	return r, nil
}

// UpsertRepository inserts or updates a repository keyed by name.
func (s *SQLiteStore) UpsertRepository(ctx context.Context, repo *core.Repository) (*core.Repository, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(repo.Name)
	if name == "" || strings.TrimSpace(repo.ConnectionID) == "" {
		return nil, core.ErrValidation("repository name and connection are required")
	}

	now := toMillis(time.Now())
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO repositories (id, name, connection_id, default_schema, current_pass, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			connection_id = excluded.connection_id,
			default_schema = excluded.default_schema,
			updated_at = excluded.updated_at
		RETURNING `+repositoryColumns,
		generateID(), name, strings.TrimSpace(repo.ConnectionID), strings.TrimSpace(repo.DefaultSchema), now, now,
	)
	out, err := scanRepository(row)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert repository %s: %w", name, err)
	}
	return out, nil
}

// GetRepository retrieves a repository by ID.
func (s *SQLiteStore) GetRepository(ctx context.Context, id string) (*core.Repository, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	out, err := scanRepository(s.db.QueryRowContext(ctx,
		`SELECT `+repositoryColumns+` FROM repositories WHERE id = ?`, id))
	if isNoRows(err) {
		return nil, core.ErrNotFound("repository not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get repository: %w", err)
	}
	return out, nil
}

// GetRepositoryByName retrieves a repository by its unique name.
func (s *SQLiteStore) GetRepositoryByName(ctx context.Context, name string) (*core.Repository, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	out, err := scanRepository(s.db.QueryRowContext(ctx,
		`SELECT `+repositoryColumns+` FROM repositories WHERE name = ?`, strings.TrimSpace(name)))
	if isNoRows(err) {
		return nil, core.ErrNotFound("repository not found: %s", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get repository: %w", err)
	}
	return out, nil
}

// ListRepositories returns all repositories ordered by name.
func (s *SQLiteStore) ListRepositories(ctx context.Context) ([]*core.Repository, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+repositoryColumns+` FROM repositories ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list repositories: %w", err)
	}
	defer rows.Close()

	var out []*core.Repository
	for rows.Next() {
		r, err := scanRepository(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan repository: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// BeginPass allocates the repository's next extraction pass. Passes are
// numbered per connection, so no two repositories sharing one hold the
// same pass.
func (s *SQLiteStore) BeginPass(ctx context.Context, repoID string) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	var pass int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE repositories SET current_pass = (
			SELECT MAX(r.current_pass) + 1 FROM repositories r
			WHERE r.connection_id = repositories.connection_id
		), updated_at = ?
		WHERE id = ?
		RETURNING current_pass`,
		toMillis(time.Now()), repoID,
	).Scan(&pass)
	if isNoRows(err) {
		return 0, core.ErrNotFound("repository not found: %s", repoID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to begin pass: %w", err)
	}
	return pass, nil
}

const sourceFileColumns = `id, repository_id, path, default_schema, payload, content_hash, updated_at`

func scanSourceFile(row scanner) (*core.SourceFile, error) {
	f := &core.SourceFile{}
	var updatedAt int64
	if err := row.Scan(&f.ID, &f.RepositoryID, &f.Path, &f.DefaultSchema, &f.Payload, &f.ContentHash, &updatedAt); err != nil {
		return nil, err
	}
	f.UpdatedAt = fromMillis(updatedAt)
	return f, nil
}

// UpsertSourceFile inserts or updates a file keyed by (repository, path).
func (s *SQLiteStore) UpsertSourceFile(ctx context.Context, f *core.SourceFile) (*core.SourceFile, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(f.Path) == "" {
		return nil, core.ErrValidation("file path is required")
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO repository_files (id, repository_id, path, default_schema, payload, content_hash, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (repository_id, path) DO UPDATE SET
			default_schema = excluded.default_schema,
			payload = excluded.payload,
			content_hash = excluded.content_hash,
			updated_at = excluded.updated_at
		RETURNING `+sourceFileColumns,
		generateID(), f.RepositoryID, f.Path, f.DefaultSchema, f.Payload, f.ContentHash, toMillis(time.Now()),
	)
	out, err := scanSourceFile(row)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert file %s: %w", f.Path, err)
	}
	return out, nil
}

// GetSourceFile retrieves a file by ID.
func (s *SQLiteStore) GetSourceFile(ctx context.Context, id string) (*core.SourceFile, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	out, err := scanSourceFile(s.db.QueryRowContext(ctx,
		`SELECT `+sourceFileColumns+` FROM repository_files WHERE id = ?`, id))
	if isNoRows(err) {
		return nil, core.ErrNotFound("file not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get file: %w", err)
	}
	return out, nil
}

// ListSourceFiles returns the repository's files ordered by path.
func (s *SQLiteStore) ListSourceFiles(ctx context.Context, repoID string) ([]*core.SourceFile, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sourceFileColumns+` FROM repository_files WHERE repository_id = ? ORDER BY path`, repoID)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	defer rows.Close()

	var out []*core.SourceFile
	for rows.Next() {
		f, err := scanSourceFile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// DeleteSourceFile removes a file by ID. Assets it defined are kept and
// become stale on the next pass.
func (s *SQLiteStore) DeleteSourceFile(ctx context.Context, id string) error {
	if err := s.ready(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM repository_files WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrNotFound("file not found: %s", id)
	}
	return nil
}

// SaveAnalysisReport replaces the repository's analysis report.
func (s *SQLiteStore) SaveAnalysisReport(ctx context.Context, r *core.AnalysisReport) error {
	if err := s.ready(); err != nil {
		return err
	}
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode analysis report: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO analysis_reports (repository_id, report, generated_at) VALUES (?, ?, ?)
		ON CONFLICT (repository_id) DO UPDATE SET report = excluded.report, generated_at = excluded.generated_at`,
		r.RepositoryID, string(body), toMillis(r.GeneratedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save analysis report: %w", err)
	}
	return nil
}

// GetAnalysisReport retrieves the latest analysis report of a repository.
func (s *SQLiteStore) GetAnalysisReport(ctx context.Context, repoID string) (*core.AnalysisReport, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT report FROM analysis_reports WHERE repository_id = ?`, repoID).Scan(&body)
	if isNoRows(err) {
		return nil, core.ErrNotFound("no analysis report for repository %s", repoID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get analysis report: %w", err)
	}
	r := &core.AnalysisReport{}
	if err := json.Unmarshal([]byte(body), r); err != nil {
		return nil, fmt.Errorf("failed to decode analysis report: %w", err)
	}
	return r, nil
}
