package core

import "time"

// Phase is one step of the per-repository processing pipeline.
type Phase string

// Phase constants, in pipeline order.
const (
	PhaseDocumentation Phase = "documentation"
	PhaseVectors       Phase = "vectors"
	PhaseLineage       Phase = "lineage"
	PhaseDependencies  Phase = "dependencies"
	PhaseAnalysis      Phase = "analysis"
)

// Phases lists every phase in the order it must run.
var Phases = []Phase{
	PhaseDocumentation,
	PhaseVectors,
	PhaseLineage,
	PhaseDependencies,
	PhaseAnalysis,
}

// Index returns the position of p in Phases, or -1 if p is unknown.
func (p Phase) Index() int {
	for i, v := range Phases {
		if v == p {
			return i
		}
	}
	return -1
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool { return p.Index() >= 0 }

// Predecessor returns the phase that must complete before p can start.
// The first phase has none.
func (p Phase) Predecessor() (Phase, bool) {
	i := p.Index()
	if i <= 0 {
		return "", false
	}
	return Phases[i-1], true
}

// ParsePhase validates s as a phase name.
func ParsePhase(s string) (Phase, error) {
	p := Phase(s)
	if !p.Valid() {
		return "", ErrValidation("unknown phase %q", s)
	}
	return p, nil
}

// JobStatus is the state of a processing job.
// Transitions are pending -> processing -> completed|failed; only a reset returns to pending.
type JobStatus string

// Job status constants.
const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Progress counts processed units of a job.
type Progress struct {
	CompletedFiles int `json:"completed_files"`
	FailedFiles    int `json:"failed_files"`
	TotalFiles     int `json:"total_files"`
}

// Done reports whether every unit has been accounted for.
func (p Progress) Done() bool {
	return p.CompletedFiles+p.FailedFiles == p.TotalFiles
}

// Pending returns the number of units not yet processed.
func (p Progress) Pending() int {
	n := p.TotalFiles - p.CompletedFiles - p.FailedFiles
	if n < 0 {
		return 0
	}
	return n
}

// Percent returns processed units as a percentage. An empty job is 100% once done.
func (p Progress) Percent() float64 {
	if p.TotalFiles <= 0 {
		return 100
	}
	return float64(p.CompletedFiles+p.FailedFiles) * 100 / float64(p.TotalFiles)
}

// Job is the persisted state of one (repository, phase) pair.
type Job struct {
	ID             string
	RepositoryID   string
	Phase          Phase
	Status         JobStatus
	Progress       Progress
	ErrorDetail    string
	LeaseOwner     string
	LeaseExpiresAt *time.Time
	Attempt        int
	CreatedAt      time.Time
	StartedAt      *time.Time
	LastUpdatedAt  time.Time
	CompletedAt    *time.Time
}

// PhaseStatus is the caller-visible status object of a job.
type PhaseStatus struct {
	Phase          Phase     `json:"phase"`
	Status         JobStatus `json:"status"`
	Progress       float64   `json:"progress"`
	CompletedFiles int       `json:"completed_files"`
	TotalFiles     int       `json:"total_files"`
	FailedFiles    int       `json:"failed_files"`
	ErrorDetail    string    `json:"error_detail,omitempty"`
	LeaseOwner     string    `json:"lease_owner,omitempty"`
}

// StatusOf converts a job into its status object.
func StatusOf(j *Job) PhaseStatus {
	return PhaseStatus{
		Phase:          j.Phase,
		Status:         j.Status,
		Progress:       j.Progress.Percent(),
		CompletedFiles: j.Progress.CompletedFiles,
		TotalFiles:     j.Progress.TotalFiles,
		FailedFiles:    j.Progress.FailedFiles,
		ErrorDetail:    j.ErrorDetail,
		LeaseOwner:     j.LeaseOwner,
	}
}

// FileResultStatus is the outcome of one unit of a job.
type FileResultStatus string

// File result constants.
const (
	FileCompleted FileResultStatus = "completed"
	FileFailed    FileResultStatus = "failed"
)

// FileResult records the outcome of processing one file within a job.
type FileResult struct {
	JobID     string
	FileID    string
	Status    FileResultStatus
	Attempts  int
	Error     string
	UpdatedAt time.Time
}

// Repository is an ingested analytics codebase bound to one connection.
type Repository struct {
	ID            string
	Name          string
	ConnectionID  string
	DefaultSchema string
	CurrentPass   int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SourceFile is a repository file together with its encoded parse facts.
type SourceFile struct {
	ID           string
	RepositoryID string
	Path         string
	// DefaultSchema overrides the repository default when set.
	DefaultSchema string
	Payload       []byte
	ContentHash   string
	UpdatedAt     time.Time
}

// EffectiveSchema returns the file's default schema, falling back to the repository's.
func (f *SourceFile) EffectiveSchema(repo *Repository) string {
	if f.DefaultSchema != "" {
		return f.DefaultSchema
	}
	if repo != nil {
		return repo.DefaultSchema
	}
	return ""
}

// BlastRadiusSummary is the persisted headline of a blast radius report.
type BlastRadiusSummary struct {
	AssetID         string  `json:"asset_id"`
	QualifiedName   string  `json:"qualified_name"`
	RiskScore       float64 `json:"risk_score"`
	DownstreamCount int     `json:"downstream_count"`
	UncertainCount  int     `json:"uncertain_count"`
}

// AnalysisReport is the output of the analysis phase for one repository.
type AnalysisReport struct {
	RepositoryID    string               `json:"repository_id"`
	ComplexityScore float64              `json:"complexity_score"`
	FileCount       int                  `json:"file_count"`
	AssetCount      int                  `json:"asset_count"`
	EdgeCount       int                  `json:"edge_count"`
	CycleCount      int                  `json:"cycle_count"`
	StaleCount      int                  `json:"stale_count"`
	BlastRadius     []BlastRadiusSummary `json:"blast_radius,omitempty"`
	GeneratedAt     time.Time            `json:"generated_at"`
}
