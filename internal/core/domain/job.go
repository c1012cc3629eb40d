package domain

import (
	"encoding/json"
	"time"
)

// =============================================================================
// Job Status
// =============================================================================

// JobStatus is the task queue's view of a job's lifecycle.
type JobStatus string

const (
	JobWaiting   JobStatus = "waiting"
	JobActive    JobStatus = "active"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether the job will not run again.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// =============================================================================
// Backoff
// =============================================================================

// BackoffKind selects the retry delay curve.
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

// Backoff describes the retry delay policy of a job.
type Backoff struct {
	Kind  BackoffKind   `json:"kind"`
	Delay time.Duration `json:"delay"`
}

// DefaultBackoff doubles a 5s base delay per attempt.
func DefaultBackoff() Backoff {
	return Backoff{Kind: BackoffExponential, Delay: 5 * time.Second}
}

// NextDelay returns the delay before re-running a job that has already made
// attempt attempts (attempt >= 1).
func (b Backoff) NextDelay(attempt int) time.Duration {
	if b.Delay <= 0 {
		return 0
	}
	if b.Kind != BackoffExponential || attempt <= 1 {
		return b.Delay
	}
	d := b.Delay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > 10*time.Minute {
			return 10 * time.Minute
		}
	}
	return d
}

// =============================================================================
// Job Payload
// =============================================================================

// JobTypeBuildAndDeploy is the only job type the pipeline driver processes.
const JobTypeBuildAndDeploy = "build_and_deploy"

// BuildAndDeploy is the tagged payload variant for deployment jobs. It is
// validated at the queue boundary, not inside handlers.
type BuildAndDeploy struct {
	DeploymentID string   `json:"deployment_id"`
	Projects     []string `json:"projects"`
	Branch       string   `json:"branch"`
	CommitRef    string   `json:"commit_ref,omitempty"`
	Actor        string   `json:"actor,omitempty"`
}

// PayloadFor serializes the deployment into its job payload.
func PayloadFor(d *Deployment) ([]byte, error) {
	return json.Marshal(BuildAndDeploy{
		DeploymentID: d.ID,
		Projects:     d.Projects,
		Branch:       d.Branch,
		CommitRef:    d.CommitRef,
		Actor:        d.Actor,
	})
}

// ParseBuildAndDeploy decodes and sanity-checks a job payload.
func ParseBuildAndDeploy(payload []byte) (*BuildAndDeploy, error) {
	var p BuildAndDeploy
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, &ValidationError{Field: "payload", Message: err.Error()}
	}
	if p.DeploymentID == "" {
		return nil, &ValidationError{Field: "deployment_id", Message: "required"}
	}
	if len(p.Projects) == 0 {
		return nil, &ValidationError{Field: "projects", Message: "must not be empty"}
	}
	if len(p.Projects) > MaxProjects {
		return nil, &ValidationError{Field: "projects", Message: "exceeds project limit"}
	}
	return &p, nil
}

// =============================================================================
// Job Record
// =============================================================================

// JobRecord is the task queue's internal bookkeeping for one job. The id
// equals the deployment id so enqueue is idempotent per deployment.
type JobRecord struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Payload     []byte    `json:"payload"`
	Attempt     int       `json:"attempt"`
	MaxAttempts int       `json:"max_attempts"`
	Backoff     Backoff   `json:"backoff"`
	Status      JobStatus `json:"status"`
	Priority    Priority  `json:"priority"`
	Progress    int       `json:"progress"`
	LastError   string    `json:"last_error,omitempty"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
