// Package events defines the session lifecycle events spawnd publishes
// on its event bus and the subjects they travel on.
package events

// Subjects for orchestration lifecycle events. External consumers can
// subscribe with NATS wildcards, e.g. "spawnd.session.*".
const (
	SubjectSessionStarted   = "spawnd.session.started"
	SubjectSessionQueued    = "spawnd.session.queued"
	SubjectSessionCompleted = "spawnd.session.completed"
	SubjectSessionFailed    = "spawnd.session.failed"
	SubjectWorktreeCreated  = "spawnd.worktree.created"
	SubjectWorktreeRemoved  = "spawnd.worktree.removed"
	SubjectProviderDegraded = "spawnd.provider.degraded"
)

// SubjectWebhookReceived carries parsed issue-tracker webhooks into the
// daemon. The HTTP receiver validating signatures lives outside this
// process and publishes the decoded payload here.
const SubjectWebhookReceived = "spawnd.webhook.received"

// Source identifies this service on the bus.
const Source = "spawnd-orchestrator"

// SessionPayload builds the data map for session lifecycle events.
func SessionPayload(issueID, sessionID, provider string, extra map[string]any) map[string]any {
	data := map[string]any{
		"issueId": issueID,
	}
	if sessionID != "" {
		data["sessionId"] = sessionID
	}
	if provider != "" {
		data["provider"] = provider
	}
	for k, v := range extra {
		data[k] = v
	}
	return data
}
