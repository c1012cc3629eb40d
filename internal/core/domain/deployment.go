// Package domain defines the deployment data model and its state machine.
// This is part of the Functional Core - no I/O happens here.
package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Errors
// =============================================================================

var (
	ErrInvalidTransition = errors.New("invalid stage transition")
	ErrNoProjects        = errors.New("deployment has no projects")
	ErrTooManyProjects   = errors.New("deployment exceeds the project limit")
	ErrUnknownProject    = errors.New("project is not part of this deployment")
)

// MaxProjects bounds the project set of a single deployment.
const MaxProjects = 10

// =============================================================================
// Priority
// =============================================================================

// Priority classifies how urgently a deployment should be dequeued.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Weight returns the numeric dequeue weight; higher is dequeued first.
func (p Priority) Weight() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	default:
		return 0
	}
}

// Valid reports whether p is a known priority class.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh:
		return true
	}
	return false
}

// =============================================================================
// Stages
// =============================================================================

// Stage is one phase of the fixed per-project pipeline.
type Stage string

const (
	StagePending     Stage = "pending"
	StageCloning     Stage = "cloning"
	StageBuilding    Stage = "building"
	StageUploading   Stage = "uploading"
	StageConfiguring Stage = "configuring"
	StageCompleted   Stage = "completed"
	StageFailed      Stage = "failed"
)

// stageOrder defines the success path. StageFailed is reachable from any
// non-terminal stage and is terminal.
var stageOrder = map[Stage]Stage{
	StagePending:     StageCloning,
	StageCloning:     StageBuilding,
	StageBuilding:    StageUploading,
	StageUploading:   StageConfiguring,
	StageConfiguring: StageCompleted,
}

// Terminal reports whether no further automatic transition occurs from s.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// ValidateStageTransition checks that from → to follows the success path or
// fails from a non-terminal stage.
func ValidateStageTransition(from, to Stage) error {
	if to == StageFailed {
		if from.Terminal() {
			return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
		}
		return nil
	}
	if next, ok := stageOrder[from]; ok && next == to {
		return nil
	}
	return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
}

// =============================================================================
// Deployment
// =============================================================================

// Deployment is one trigger event spanning one or more projects processed as
// a unit. Immutable once created; owned exclusively by the job carrying it.
type Deployment struct {
	ID        string    `json:"id"`
	Projects  []string  `json:"projects"`
	Branch    string    `json:"branch"`
	CommitRef string    `json:"commit_ref,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	Priority  Priority  `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
}

// NewDeployment creates a deployment with a time-ordered id. The project set
// must be non-empty and within MaxProjects.
func NewDeployment(projects []string, branch, commitRef, actor string, priority Priority) (*Deployment, error) {
	if len(projects) == 0 {
		return nil, ErrNoProjects
	}
	if len(projects) > MaxProjects {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyProjects, len(projects), MaxProjects)
	}
	if !priority.Valid() {
		priority = PriorityNormal
	}
	return &Deployment{
		ID:        NewDeploymentID(),
		Projects:  append([]string(nil), projects...),
		Branch:    branch,
		CommitRef: commitRef,
		Actor:     actor,
		Priority:  priority,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// NewDeploymentID returns a time-ordered, collision-resistant identifier.
func NewDeploymentID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return "dep-" + id.String()
}

// =============================================================================
// Per-Project Status
// =============================================================================

// ProjectStageStatus tracks one project's progress through the pipeline.
// Mutated only by the pipeline execution that owns the deployment.
type ProjectStageStatus struct {
	Project  string `json:"project"`
	Stage    Stage  `json:"stage"`
	Progress int    `json:"progress"` // 0..100
	Message  string `json:"message,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Advance moves the project to the next stage on the success path.
func (p *ProjectStageStatus) Advance(to Stage, message string) error {
	if err := ValidateStageTransition(p.Stage, to); err != nil {
		return err
	}
	p.Stage = to
	p.Message = message
	if to == StageCompleted {
		p.Progress = 100
	}
	return nil
}

// Fail marks the project failed with an error detail. Failing a terminal
// project is rejected so a completed project can never regress.
func (p *ProjectStageStatus) Fail(message, detail string) error {
	if err := ValidateStageTransition(p.Stage, StageFailed); err != nil {
		return err
	}
	p.Stage = StageFailed
	p.Message = message
	p.Error = detail
	return nil
}

// =============================================================================
// Aggregate Status
// =============================================================================

// OverallStatus is the aggregate outcome over all projects of a deployment.
type OverallStatus string

const (
	OverallPending        OverallStatus = "pending"
	OverallInProgress     OverallStatus = "in_progress"
	OverallCompleted      OverallStatus = "completed"
	OverallFailed         OverallStatus = "failed"
	OverallPartialSuccess OverallStatus = "partial_success"
)

// DeploymentStatus aggregates the per-project records for one deployment.
type DeploymentStatus struct {
	DeploymentID string                         `json:"deployment_id"`
	Overall      OverallStatus                  `json:"overall"`
	Message      string                         `json:"message,omitempty"`
	Projects     map[string]*ProjectStageStatus `json:"projects"`
	StartedAt    time.Time                      `json:"started_at"`
	FinishedAt   *time.Time                     `json:"finished_at,omitempty"`
}

// NewDeploymentStatus initializes every project to pending.
func NewDeploymentStatus(d *Deployment) *DeploymentStatus {
	projects := make(map[string]*ProjectStageStatus, len(d.Projects))
	for _, name := range d.Projects {
		projects[name] = &ProjectStageStatus{Project: name, Stage: StagePending}
	}
	return &DeploymentStatus{
		DeploymentID: d.ID,
		Overall:      OverallPending,
		Projects:     projects,
		StartedAt:    time.Now().UTC(),
	}
}

// Project returns the status record for a project name.
func (s *DeploymentStatus) Project(name string) (*ProjectStageStatus, error) {
	p, ok := s.Projects[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProject, name)
	}
	return p, nil
}

// Derive recomputes the aggregate from the per-project records:
// completed only when every project completed; failed when any project
// failed and none completed; partial_success when the outcomes are mixed.
func (s *DeploymentStatus) Derive() OverallStatus {
	var completed, failed int
	for _, p := range s.Projects {
		switch p.Stage {
		case StageCompleted:
			completed++
		case StageFailed:
			failed++
		default:
			return OverallInProgress
		}
	}
	switch {
	case failed == 0:
		return OverallCompleted
	case completed == 0:
		return OverallFailed
	default:
		return OverallPartialSuccess
	}
}

// Finish stamps the terminal aggregate outcome.
func (s *DeploymentStatus) Finish(overall OverallStatus, message string) {
	s.Overall = overall
	s.Message = message
	now := time.Now().UTC()
	s.FinishedAt = &now
}

// Terminal reports whether the aggregate reached a terminal state.
func (s *DeploymentStatus) Terminal() bool {
	switch s.Overall {
	case OverallCompleted, OverallFailed, OverallPartialSuccess:
		return true
	}
	return false
}
