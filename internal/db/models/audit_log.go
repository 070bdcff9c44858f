// Package models - audit_log.go defines the AuditLog model: one immutable record of an
// administrative or voter action, with a snapshot of the actor taken when the act happened.
package models

import "time"

// Audit actions. Anything else stored in the action column is the raw HTTP method of a
// request the classifier had no better name for.
const (
	ActionCreate                   = "CREATE"
	ActionUpdate                   = "UPDATE"
	ActionDelete                   = "DELETE"
	ActionLogin                    = "LOGIN"
	ActionLoginFailed              = "LOGIN_FAILED"
	ActionLogout                   = "LOGOUT"
	ActionApprove                  = "APPROVE"
	ActionReject                   = "REJECT"
	ActionRestore                  = "RESTORE"
	ActionUnlock                   = "UNLOCK"
	ActionResetPassword            = "RESET_PASSWORD"
	ActionVote                     = "VOTE"
	ActionCreateElectionWithBallot = "CREATE_ELECTION_WITH_BALLOT"

	// ActionSMSVerified is written by the SMS flow and never reported.
	ActionSMSVerified = "SMS_VERIFIED"
)

// UnknownValue fills provenance and identity fields that could not be determined.
const UnknownValue = "unknown"

// AuditLog represents an audit log entry. Rows are append-only; the only mutation
// is bulk deletion by age.
type AuditLog struct {
	ID         int64                  `json:"id"`
	UserID     *int64                 `json:"user_id"` // 0 for unauthenticated login failures
	UserEmail  string                 `json:"user_email"`
	UserRole   string                 `json:"user_role"` // snapshot at action time
	Action     string                 `json:"action"`
	EntityType string                 `json:"entity_type"`
	EntityID   *int64                 `json:"entity_id"`
	Details    map[string]interface{} `json:"details"` // stored as JSON text
	IPAddress  string                 `json:"ip_address"`
	UserAgent  string                 `json:"user_agent"`
	CreatedAt  time.Time              `json:"created_at"`
}

// ActorID returns the actor ID or 0 when unset.
func (a *AuditLog) ActorID() int64 {
	if a.UserID == nil {
		return 0
	}
	return *a.UserID
}

// Int64Ptr is a small helper for building optional IDs.
func Int64Ptr(v int64) *int64 {
	return &v
}
