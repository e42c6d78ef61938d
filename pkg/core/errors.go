package core

import (
	"errors"
	"fmt"
	"strings"
)

// ErrStoreNotOpen is returned by store operations before Open succeeds.
var ErrStoreNotOpen = errors.New("database not opened")

// ValidationError indicates malformed identity input, rejected before any registry write.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// ErrValidation creates a ValidationError with a formatted message.
func ErrValidation(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// NotFoundError indicates a resource was not found.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// ErrNotFound creates a NotFoundError with a formatted message.
func ErrNotFound(format string, args ...any) *NotFoundError {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}

// IsNotFound reports whether err is, or wraps, a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// AmbiguousReferenceWarning is reported when a bare name matches several assets
// and no rule picks one. No edge is created for the reference.
type AmbiguousReferenceWarning struct {
	FileID     string
	Reference  string
	Candidates []string
}

func (w *AmbiguousReferenceWarning) Error() string {
	return fmt.Sprintf("ambiguous reference %q in file %s: candidates %s",
		w.Reference, w.FileID, strings.Join(w.Candidates, ", "))
}

// CrossConnectionReference is reported when a reference names a database
// other than the repository's connection. No asset or edge is created for it.
type CrossConnectionReference struct {
	FileID       string
	Reference    string
	ConnectionID string
}

func (w *CrossConnectionReference) Error() string {
	return fmt.Sprintf("reference %q in file %s is outside connection %s",
		w.Reference, w.FileID, w.ConnectionID)
}

// LowConfidenceMatch is reported for column lineage created from a heuristic match.
type LowConfidenceMatch struct {
	TargetColumn string
	SourceColumn string
	Confidence   float64
}

func (w *LowConfidenceMatch) Error() string {
	return fmt.Sprintf("low confidence match %s -> %s (%.2f)", w.SourceColumn, w.TargetColumn, w.Confidence)
}

// CircularDependencyDetected is reported for every cycle found while ordering the graph.
type CircularDependencyDetected struct {
	Path []string
}

func (w *CircularDependencyDetected) Error() string {
	return "circular dependency detected: " + strings.Join(w.Path, " -> ")
}

// ExtractionFailure is a per-file failure recorded after retries are exhausted.
type ExtractionFailure struct {
	FileID   string
	Attempts int
	Err      error
}

func (e *ExtractionFailure) Error() string {
	return fmt.Sprintf("extraction of file %s failed after %d attempt(s): %v", e.FileID, e.Attempts, e.Err)
}

func (e *ExtractionFailure) Unwrap() error { return e.Err }

// LeaseConflictError is returned when a worker acts on a job it does not hold.
type LeaseConflictError struct {
	JobID    string
	WorkerID string
}

func (e *LeaseConflictError) Error() string {
	return fmt.Sprintf("worker %s does not hold the lease on job %s", e.WorkerID, e.JobID)
}

// IsLeaseConflict reports whether err is, or wraps, a LeaseConflictError.
func IsLeaseConflict(err error) bool {
	var lc *LeaseConflictError
	return errors.As(err, &lc)
}

// PhaseBlockedError is returned when a phase cannot start because its
// predecessor has not completed.
type PhaseBlockedError struct {
	RepositoryID      string
	Phase             Phase
	Predecessor       Phase
	PredecessorStatus JobStatus
}

func (e *PhaseBlockedError) Error() string {
	return fmt.Sprintf("phase %s of repository %s is blocked: %s is %s",
		e.Phase, e.RepositoryID, e.Predecessor, e.PredecessorStatus)
}
