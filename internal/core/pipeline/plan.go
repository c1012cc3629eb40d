// Package pipeline provides the pure planning logic behind the deployment
// driver: chunk partitioning, coarse progress milestones, and stage outcome
// classification. This is part of the Functional Core - no I/O happens here.
package pipeline

import "github.com/harborline/stevedore/internal/core/domain"

// =============================================================================
// Chunk Partitioning
// =============================================================================

// DefaultBuildConcurrency bounds simultaneous build invocations.
const DefaultBuildConcurrency = 2

// Chunk partitions projects into chunks of at most size elements, preserving
// order. Chunks are processed sequentially, projects within a chunk in
// parallel, so size is the hard upper bound on in-flight operations.
func Chunk(projects []string, size int) [][]string {
	if size <= 0 {
		size = DefaultBuildConcurrency
	}
	var chunks [][]string
	for start := 0; start < len(projects); start += size {
		end := start + size
		if end > len(projects) {
			end = len(projects)
		}
		chunks = append(chunks, projects[start:end])
	}
	return chunks
}

// =============================================================================
// Coarse Progress Milestones
// =============================================================================

// Progress maps each stage boundary to the coarse job-level percentage
// reported to the task queue. The fine-grained per-project progress lives in
// ProjectStageStatus; this table only feeds queue introspection and is
// monotonically non-decreasing along the success path.
func Progress(s domain.Stage) int {
	switch s {
	case domain.StagePending:
		return 5
	case domain.StageCloning:
		return 20
	case domain.StageBuilding:
		return 50
	case domain.StageUploading:
		return 60
	case domain.StageConfiguring:
		return 80
	case domain.StageCompleted:
		return 100
	default:
		return 0
	}
}

// ProgressNotifying is the milestone reported right before the notification
// dispatch at the end of a successful run.
const ProgressNotifying = 90

// =============================================================================
// Stage Outcomes
// =============================================================================

// Outcome classifies how a stage operation resolved. The driver's
// stage-advance logic consumes outcomes uniformly instead of inspecting
// error types ad hoc.
type Outcome int

const (
	// OutcomeOK means the operation succeeded.
	OutcomeOK Outcome = iota
	// OutcomeRetryable means the operation failed but a job-level retry may
	// succeed (recorded per-project or re-thrown to the queue).
	OutcomeRetryable
	// OutcomeFatal means the whole deployment must abort with no partial
	// result.
	OutcomeFatal
)

// StageResult carries one project operation's resolution through a fan-in
// barrier.
type StageResult struct {
	Project  string
	Outcome  Outcome
	Artifact string // local artifact or checkout path, set on OutcomeOK
	Err      error
}

// Ok builds a successful result.
func Ok(project, artifact string) StageResult {
	return StageResult{Project: project, Outcome: OutcomeOK, Artifact: artifact}
}

// Retryable builds a per-project recoverable failure.
func Retryable(project string, err error) StageResult {
	return StageResult{Project: project, Outcome: OutcomeRetryable, Err: err}
}

// Fatal builds a whole-deployment failure.
func Fatal(project string, err error) StageResult {
	return StageResult{Project: project, Outcome: OutcomeFatal, Err: err}
}

// Collect splits fan-in results into succeeded and failed sets.
func Collect(results []StageResult) (ok []StageResult, failed []StageResult) {
	for _, r := range results {
		if r.Outcome == OutcomeOK {
			ok = append(ok, r)
		} else {
			failed = append(failed, r)
		}
	}
	return ok, failed
}
