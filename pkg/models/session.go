package models

import "time"

// SessionState is the lifecycle state of a session.
type SessionState string

// Session states. A session is created active and ends expired or closed.
// Expired sessions are not revivable; a new session must be created.
const (
	SessionStateActive  SessionState = "active"
	SessionStateExpired SessionState = "expired"
	SessionStateClosed  SessionState = "closed"
)

// SessionSnapshot is a read-only view of a session, safe to hand to the
// triage engine and task executors.
type SessionSnapshot struct {
	SessionID     string       `json:"session_id"`
	TokenID       string       `json:"token_id"`
	State         SessionState `json:"state"`
	InputType     InputType    `json:"input_type"`
	AuditTrailID  string       `json:"audit_trail_id"`
	CreatedAt     time.Time    `json:"created_at"`
	LastTouchedAt time.Time    `json:"last_touched_at"`
	InputCount    int          `json:"input_count"`
	Outcome       string       `json:"outcome,omitempty"`
}
