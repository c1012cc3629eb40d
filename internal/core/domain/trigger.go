package domain

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Trigger Request
// =============================================================================

// TriggerRequest is the inbound deployment-trigger payload. It is validated
// before a deployment or job is created; a rejected trigger is never retried.
type TriggerRequest struct {
	Projects  []string `json:"projects" validate:"required,min=1,max=10,dive,required,hostname_rfc1123"`
	Branch    string   `json:"branch" validate:"required"`
	CommitRef string   `json:"commit_ref,omitempty" validate:"omitempty,alphanum,max=64"`
	Actor     string   `json:"actor,omitempty" validate:"omitempty,max=128"`
	Priority  string   `json:"priority,omitempty" validate:"omitempty,oneof=low normal high"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateTrigger checks the payload and returns a Deployment ready to
// enqueue. All failures are ValidationErrors.
func ValidateTrigger(req TriggerRequest) (*Deployment, error) {
	for i := range req.Projects {
		req.Projects[i] = strings.TrimSpace(req.Projects[i])
	}
	req.Branch = strings.TrimSpace(req.Branch)

	if err := validate.Struct(req); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return nil, &ValidationError{
				Field:   strings.ToLower(fe.Field()),
				Message: "failed " + fe.Tag() + " check",
			}
		}
		return nil, &ValidationError{Message: err.Error()}
	}

	seen := make(map[string]bool, len(req.Projects))
	for _, p := range req.Projects {
		if seen[p] {
			return nil, &ValidationError{Field: "projects", Message: "duplicate project " + p}
		}
		seen[p] = true
	}

	priority := Priority(req.Priority)
	if req.Priority == "" {
		priority = PriorityNormal
	}
	return NewDeployment(req.Projects, req.Branch, req.CommitRef, req.Actor, priority)
}
