// Package webhook defines the parsed issue-tracker webhook payloads the
// orchestrator consumes. Signature validation and JSON decoding happen in
// the HTTP receiver, which hands the core a populated Webhook value.
package webhook

// Action identifies what an agent-session webhook reports.
type Action string

const (
	ActionCreated  Action = "created"
	ActionPrompted Action = "prompted"
	ActionResponse Action = "response"
)

// Team carries the issue team key, e.g. "ROM".
type Team struct {
	Key string `json:"key"`
}

// Project carries the issue project name.
type Project struct {
	Name string `json:"name"`
}

// Issue is the work item extracted from a webhook payload.
type Issue struct {
	ID          string   `json:"id"`
	Identifier  string   `json:"identifier"` // e.g. ABC-123, used in commits and worktree paths
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	Project     *Project `json:"project,omitempty"`
	Team        *Team    `json:"team,omitempty"`
	State       string   `json:"state,omitempty"`
}

// TeamKey returns the issue team key, or "" when absent.
func (i *Issue) TeamKey() string {
	if i.Team == nil {
		return ""
	}
	return i.Team.Key
}

// ProjectName returns the issue project name, or "" when absent.
func (i *Issue) ProjectName() string {
	if i.Project == nil {
		return ""
	}
	return i.Project.Name
}

// AgentSession identifies an agent-session webhook's session context.
type AgentSession struct {
	ID    string `json:"id"`
	Issue *Issue `json:"issue,omitempty"`
}

// Webhook is the parsed payload handed to the orchestrator. Exactly one of
// AgentSession, Data, or Notification is set depending on the event family.
type Webhook struct {
	// Agent-session events
	Action         Action        `json:"action,omitempty"`
	OrganizationID string        `json:"organizationId,omitempty"`
	AgentSession   *AgentSession `json:"agentSession,omitempty"`
	// Selection value carried by "response" events
	ResponseValue string `json:"responseValue,omitempty"`

	// Entity events
	Type string `json:"type,omitempty"` // "Issue"
	Data *Issue `json:"data,omitempty"`

	// Notification events
	Notification *Notification `json:"notification,omitempty"`
}

// Notification is the notification-event payload shape.
type Notification struct {
	Issue *Issue `json:"issue"`
}

// WorkItem extracts the issue this webhook concerns, regardless of the
// event family, or nil when the payload carries none.
func (w *Webhook) WorkItem() *Issue {
	switch {
	case w.AgentSession != nil && w.AgentSession.Issue != nil:
		return w.AgentSession.Issue
	case w.Data != nil:
		return w.Data
	case w.Notification != nil:
		return w.Notification.Issue
	default:
		return nil
	}
}

// AgentSessionID returns the agent session ID, or "" for entity and
// notification events.
func (w *Webhook) AgentSessionID() string {
	if w.AgentSession == nil {
		return ""
	}
	return w.AgentSession.ID
}
