// Package notify dispatches deployment outcome events to external hooks.
// This is part of the Imperative Shell - fires webhooks.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/harborline/stevedore/internal/core/domain"
)

// =============================================================================
// Events
// =============================================================================

// Event is the final aggregate outcome of one deployment. It is dispatched
// exactly once per pipeline run, best-effort.
type Event struct {
	DeploymentID string                  `json:"deployment_id"`
	Status       domain.OverallStatus    `json:"status"`
	Message      string                  `json:"message,omitempty"`
	Projects     map[string]domain.Stage `json:"projects"`
	FinishedAt   time.Time               `json:"finished_at"`
}

// EventFor builds the outcome event from a terminal status record.
func EventFor(st *domain.DeploymentStatus) Event {
	projects := make(map[string]domain.Stage, len(st.Projects))
	for name, p := range st.Projects {
		projects[name] = p.Stage
	}
	finished := time.Now().UTC()
	if st.FinishedAt != nil {
		finished = *st.FinishedAt
	}
	return Event{
		DeploymentID: st.DeploymentID,
		Status:       st.Overall,
		Message:      st.Message,
		Projects:     projects,
		FinishedAt:   finished,
	}
}

// =============================================================================
// Notifier
// =============================================================================

// Notifier delivers an outcome event. Failures are the caller's to log, never
// to propagate into the deployment result.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// NoopNotifier is used when no hook is configured.
type NoopNotifier struct{}

func (NoopNotifier) Notify(context.Context, Event) error { return nil }

// =============================================================================
// Webhook Notifier
// =============================================================================

// WebhookNotifier POSTs events as JSON to a configured URL.
type WebhookNotifier struct {
	url    string
	secret string
	client *http.Client
	logger *slog.Logger
}

// NewWebhookNotifier creates a webhook notifier. The secret, when set, is
// sent as a bearer token.
func NewWebhookNotifier(url, secret string, logger *slog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger.With("component", "notify"),
	}
}

// Notify posts the event. Any non-2xx response is an error.
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.secret != "" {
		req.Header.Set("Authorization", "Bearer "+n.secret)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	n.logger.Info("notification dispatched",
		"deployment_id", event.DeploymentID,
		"status", string(event.Status))
	return nil
}
