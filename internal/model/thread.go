// Package model defines the core thread and solution types.
package model

import "time"

// ThreadState is the lifecycle state of a monitored thread.
type ThreadState string

const (
	StateOpen           ThreadState = "OPEN"
	StatePendingClosure ThreadState = "PENDING_CLOSURE"
	StateClosed         ThreadState = "CLOSED"
	StateArchived       ThreadState = "ARCHIVED"
)

// ValidStates are the allowed thread states.
var ValidStates = map[ThreadState]bool{
	StateOpen:           true,
	StatePendingClosure: true,
	StateClosed:         true,
	StateArchived:       true,
}

var transitions = map[ThreadState][]ThreadState{
	StateOpen:           {StatePendingClosure, StateClosed},
	StatePendingClosure: {StateOpen, StateClosed, StateArchived},
	StateClosed:         {StateArchived},
}

// CanTransition reports whether a thread may move from s to next.
func (s ThreadState) CanTransition(next ThreadState) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the thread no longer accepts messages.
func (s ThreadState) Terminal() bool {
	return s == StateClosed || s == StateArchived
}

// Thread is one tracked conversation tied to an incident report.
type Thread struct {
	ID              string      `json:"id"`
	ChannelID       string      `json:"channel_id"`
	State           ThreadState `json:"state"`
	CreatedAt       time.Time   `json:"created_at"`
	LastActivityAt  time.Time   `json:"last_activity_at"`
	StateChangedAt  time.Time   `json:"state_changed_at"`
	ClosureAttempts int         `json:"closure_attempts"`
	MessageCount    int         `json:"message_count"`
}

// Message is a single entry of a thread's append-only log.
type Message struct {
	ThreadID  string    `json:"thread_id"`
	MessageID string    `json:"message_id"`
	Seq       int       `json:"seq"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"ts"`
}

// AuditEntry records a lifecycle decision that produced no solution row,
// or one that changed an existing record.
type AuditEntry struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id,omitempty"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Audit kinds.
const (
	AuditNoSolution       = "no_solution"
	AuditExtractionFailed = "extraction_failed"
	AuditClosureCancelled = "closure_cancelled"
	AuditClosureAbandoned = "closure_abandoned"
	AuditMerged           = "merged"
	AuditCorrected        = "corrected"
	AuditArchived         = "archived"
	AuditResolved         = "resolved"
	AuditFeedback         = "feedback"
)
