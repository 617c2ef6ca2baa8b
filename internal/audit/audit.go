// Package audit appends entries to the action ledger, the pipeline's
// externally observable record. Every entry is written inside the caller's
// transaction and never mutated afterwards.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"cityline/internal/domain"
)

// Payload is the stage-specific parameter block of one ledger entry. Each
// action type has its own variant; all of them serialize to a JSON blob so the
// ledger schema stays uniform at rest.
type Payload interface {
	ActionType() domain.ActionType
}

// Writer appends actions to the ledger.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Append writes one action inside tx and returns its id. complaintID may be
// zero for entries that outlived their complaint.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, complaintID int64, triggeredBy string, p Payload) (int64, error) {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if triggeredBy == "" {
		triggeredBy = domain.SystemActor
	}
	data, err := json.Marshal(p)
	if err != nil {
		return 0, fmt.Errorf("marshal action params: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO actions(type,complaint_id,params_json,triggered_by,created_at) VALUES (?,?,?,?,?)`,
		string(p.ActionType()), nullableID(complaintID), string(data), triggeredBy, ts)
	if err != nil {
		return 0, fmt.Errorf("append %s action: %w", p.ActionType(), err)
	}
	return res.LastInsertId()
}

func nullableID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

// Outcome values recorded on escalate and notify entries.
const (
	OutcomeCompleted = "completed"
	OutcomeSent      = "sent"
	OutcomeFailed    = "failed"
)

// AnalysisTriggered records that a complaint entered (or re-entered) the
// analysis pipeline.
type AnalysisTriggered struct {
	ComplaintNumber string `json:"complaint_number"`
	Reason          string `json:"reason"`
}

func (AnalysisTriggered) ActionType() domain.ActionType { return domain.ActionAnalysisTriggered }

// StatusChange records an operator- or pipeline-driven status transition.
type StatusChange struct {
	ComplaintNumber string `json:"complaint_number"`
	From            string `json:"from"`
	To              string `json:"to"`
}

func (StatusChange) ActionType() domain.ActionType { return domain.ActionStatusChange }

// ComplaintDeleted records a soft delete.
type ComplaintDeleted struct {
	ComplaintNumber string `json:"complaint_number"`
}

func (ComplaintDeleted) ActionType() domain.ActionType { return domain.ActionComplaintDeleted }

// ComplaintRestored records a restore from soft delete.
type ComplaintRestored struct {
	ComplaintNumber string `json:"complaint_number"`
}

func (ComplaintRestored) ActionType() domain.ActionType { return domain.ActionComplaintRestored }

// Escalate captures the escalation decision with enough complaint context for
// audit replay.
type Escalate struct {
	Status        string  `json:"status"`
	AnalysisID    int64   `json:"analysis_id,omitempty"`
	RiskScore     float64 `json:"risk_score"`
	Category      string  `json:"category"`
	Threshold     float64 `json:"threshold"`
	ComplaintType string  `json:"complaint_type,omitempty"`
	Borough       string  `json:"borough,omitempty"`
	Agency        string  `json:"agency,omitempty"`
	Error         string  `json:"error,omitempty"`
}

func (Escalate) ActionType() domain.ActionType { return domain.ActionEscalate }

// Notify records the alert channel outcome for an escalation.
type Notify struct {
	Status             string `json:"status"`
	AnalysisID         int64  `json:"analysis_id,omitempty"`
	EscalationActionID int64  `json:"escalation_action_id,omitempty"`
	Channel            string `json:"channel,omitempty"`
	Error              string `json:"error,omitempty"`
}

func (Notify) ActionType() domain.ActionType { return domain.ActionNotify }

// Analyze is the comprehensive workflow summary written by the audit-logging
// stage.
type Analyze struct {
	RiskLevel        string         `json:"risk_level"`
	AnalysisID       int64          `json:"analysis_id,omitempty"`
	RiskScore        float64        `json:"risk_score"`
	Category         string         `json:"category"`
	WorkflowDuration string         `json:"workflow_duration,omitempty"`
	ActionCounts     map[string]int `json:"action_counts,omitempty"`
	Summary          string         `json:"summary,omitempty"`
}

func (Analyze) ActionType() domain.ActionType { return domain.ActionAnalyze }
