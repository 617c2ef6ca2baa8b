package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cityline/internal/audit"
	"cityline/internal/config"
	"cityline/internal/domain"
	"cityline/internal/queue"
	"cityline/internal/repo"
)

// runEscalation flips the complaint to escalated, writes the escalate entry,
// and fans out notification and workflow audit. All of it commits in one
// transaction, so an existing escalate entry means the whole fan-out already
// happened and a redelivery can return immediately.
func (p *Pipeline) runEscalation(ctx context.Context, payload json.RawMessage) error {
	var job escalationJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("decode escalation job: %w", err)
	}
	c, err := p.Repo.GetComplaint(ctx, job.ComplaintID)
	if errors.Is(err, repo.ErrNotFound) {
		p.Log.Info("escalation skipped, complaint gone", "complaint_id", job.ComplaintID)
		return nil
	}
	if err != nil {
		return err
	}
	a, err := p.Repo.GetAnalysis(ctx, job.AnalysisID)
	if errors.Is(err, repo.ErrNotFound) {
		// The analysis was discarded for re-analysis after this job was
		// queued; the fresh analysis will re-escalate if still warranted.
		p.Log.Info("escalation skipped, analysis gone", "complaint", c.ComplaintNumber)
		return nil
	}
	if err != nil {
		return err
	}

	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	// Scoped to this analysis: a re-analysis after reopen must escalate
	// again, and a failed entry from an exhausted earlier attempt must not
	// mask a retry.
	done, err := p.Repo.ActionExistsForAnalysisTx(ctx, tx, c.ID, domain.ActionEscalate, a.ID, audit.OutcomeCompleted)
	if err != nil {
		return err
	}
	if done {
		return nil
	}
	if c.Status != domain.StatusEscalated {
		if err := p.Repo.SetComplaintStatusTx(ctx, tx, c.ID, domain.StatusEscalated, p.nowRFC3339()); err != nil {
			return err
		}
	}
	actionID, err := p.Audit.Append(ctx, tx, c.ID, domain.SystemActor, audit.Escalate{
		Status:        audit.OutcomeCompleted,
		AnalysisID:    a.ID,
		RiskScore:     a.RiskScore,
		Category:      a.Category,
		Threshold:     p.Config.EscalateThreshold,
		ComplaintType: c.Type,
		Borough:       c.Borough,
		Agency:        c.Agency,
	})
	if err != nil {
		return err
	}
	notifyDelay := p.Config.StageFor(config.StageNotification).EnqueueDelay()
	if _, err := p.Queue.EnqueueTx(ctx, tx, jobNotification, notificationJob{
		ComplaintID:        c.ID,
		AnalysisID:         a.ID,
		EscalationActionID: actionID,
	}, notifyDelay); err != nil {
		return err
	}
	auditDelay := p.Config.StageFor(config.StageAudit).EnqueueDelay()
	if _, err := p.Queue.EnqueueTx(ctx, tx, jobAudit, auditJob{ComplaintID: c.ID, AnalysisID: a.ID}, auditDelay); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	p.Log.Info("complaint escalated",
		"complaint", c.ComplaintNumber, "risk_score", a.RiskScore,
		"threshold", p.Config.EscalateThreshold, "escalation_action_id", actionID)
	return nil
}

// escalationFailed records the failure on the ledger so an unescalated
// high-risk complaint is visible there. Best effort; the job is already
// terminally failed either way.
func (p *Pipeline) escalationFailed(ctx context.Context, job queue.Job, jobErr error) {
	var ej escalationJob
	if err := json.Unmarshal(job.Payload, &ej); err != nil {
		p.Log.Error("escalation failure not recorded", "job_id", job.ID, "error", err)
		return
	}
	entry := audit.Escalate{
		Status:     audit.OutcomeFailed,
		AnalysisID: ej.AnalysisID,
		Threshold:  p.Config.EscalateThreshold,
		Error:      jobErr.Error(),
	}
	if a, err := p.Repo.GetAnalysis(ctx, ej.AnalysisID); err == nil {
		entry.RiskScore = a.RiskScore
		entry.Category = a.Category
	}
	if err := p.appendStandalone(ctx, ej.ComplaintID, entry); err != nil {
		p.Log.Error("escalation failure not recorded", "complaint_id", ej.ComplaintID, "error", err)
	}
}

// appendStandalone writes a single ledger entry in its own transaction, for
// hooks that run outside a stage handler.
func (p *Pipeline) appendStandalone(ctx context.Context, complaintID int64, entry audit.Payload) error {
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := p.Audit.Append(ctx, tx, complaintID, domain.SystemActor, entry); err != nil {
		return err
	}
	return tx.Commit()
}
