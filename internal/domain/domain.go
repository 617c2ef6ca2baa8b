package domain

import "fmt"

// SystemActor marks actions produced by the pipeline itself rather than a user.
const SystemActor = "system"

// Status is the lifecycle state of a complaint. The pipeline only ever moves a
// complaint into StatusEscalated; every other transition comes from intake or
// operator activity.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusEscalated  Status = "escalated"
	StatusClosed     Status = "closed"
)

// Valid reports whether s is a known complaint status.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusEscalated, StatusClosed:
		return true
	}
	return false
}

// EnsureTransition validates a status change. Legal transitions:
//
//	open        -> in_progress, escalated, closed
//	in_progress -> escalated, closed
//	escalated   -> in_progress, closed
//	closed      -> open
//
// force bypasses the check for administrative repair.
func EnsureTransition(from, to Status, force bool) error {
	if force || from == to {
		return nil
	}
	switch from {
	case StatusOpen:
		if to == StatusInProgress || to == StatusEscalated || to == StatusClosed {
			return nil
		}
	case StatusInProgress:
		if to == StatusEscalated || to == StatusClosed {
			return nil
		}
	case StatusEscalated:
		if to == StatusInProgress || to == StatusClosed {
			return nil
		}
	case StatusClosed:
		if to == StatusOpen {
			return nil
		}
	}
	return fmt.Errorf("invalid complaint status transition %s -> %s", from, to)
}

// Priority is the intake-assigned urgency of a complaint.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Complaint is a citizen service complaint. ComplaintNumber is the immutable
// external reference; Status is the only field the pipeline mutates.
type Complaint struct {
	ID              int64    `json:"id"`
	ComplaintNumber string   `json:"complaint_number"`
	Type            string   `json:"type"`
	Description     string   `json:"description,omitempty"`
	Borough         string   `json:"borough,omitempty"`
	Agency          string   `json:"agency,omitempty"`
	Address         string   `json:"address,omitempty"`
	Status          Status   `json:"status"`
	Priority        Priority `json:"priority"`
	SubmittedAt     string   `json:"submitted_at" format:"date-time"`
	ResolvedAt      *string  `json:"resolved_at,omitempty" format:"date-time"`
	DueAt           *string  `json:"due_at,omitempty" format:"date-time"`
	DeletedAt       *string  `json:"deleted_at,omitempty" format:"date-time"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
	UpdatedAt       string   `json:"updated_at" format:"date-time"`
}

// Analysis is the AI risk assessment for a complaint. At most one analysis
// exists per complaint; once written it is never mutated.
type Analysis struct {
	ID          int64    `json:"id"`
	ComplaintID int64    `json:"complaint_id"`
	RiskScore   float64  `json:"risk_score"`
	Category    string   `json:"category"`
	Tags        []string `json:"tags"`
	Summary     string   `json:"summary"`
	Model       string   `json:"model,omitempty"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
}

// ActionType identifies the kind of ledger entry.
type ActionType string

const (
	ActionEscalate          ActionType = "escalate"
	ActionNotify            ActionType = "notify"
	ActionAnalyze           ActionType = "analyze"
	ActionAnalysisTriggered ActionType = "analysis_triggered"
	ActionStatusChange      ActionType = "status_change"
	ActionComplaintDeleted  ActionType = "complaint_deleted"
	ActionComplaintRestored ActionType = "complaint_restored"
)

// Action is one immutable entry in the audit ledger. ComplaintID is a weak
// reference: removing a complaint nulls it rather than deleting the entry.
// Parameters holds the stage-specific payload serialized as JSON at rest.
type Action struct {
	ID          int64          `json:"id"`
	Type        ActionType     `json:"type"`
	ComplaintID *int64         `json:"complaint_id,omitempty"`
	Parameters  map[string]any `json:"parameters"`
	TriggeredBy string         `json:"triggered_by"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
}
