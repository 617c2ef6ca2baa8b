package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cityline/internal/audit"
	"cityline/internal/domain"
	"cityline/internal/notify"
	"cityline/internal/queue"
	"cityline/internal/repo"
)

// runNotification delivers the escalation alert and records the outcome. The
// delivery itself is at-least-once: if the ledger write after a successful
// send fails, a retry may send the alert again.
func (p *Pipeline) runNotification(ctx context.Context, payload json.RawMessage) error {
	var job notificationJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("decode notification job: %w", err)
	}
	c, err := p.Repo.GetComplaint(ctx, job.ComplaintID)
	if errors.Is(err, repo.ErrNotFound) {
		p.Log.Info("notification skipped, complaint gone", "complaint_id", job.ComplaintID)
		return nil
	}
	if err != nil {
		return err
	}
	a, err := p.Repo.GetAnalysis(ctx, job.AnalysisID)
	if errors.Is(err, repo.ErrNotFound) {
		p.Log.Info("notification skipped, analysis gone", "complaint", c.ComplaintNumber)
		return nil
	}
	if err != nil {
		return err
	}
	// Scoped to this analysis so a re-escalation after re-analysis alerts
	// again; any recorded outcome for this pass means it already resolved.
	prior, err := p.Repo.ActionExistsForAnalysis(ctx, c.ID, domain.ActionNotify, a.ID, "")
	if err != nil {
		return err
	}
	if prior {
		p.Log.Info("notification skipped, already recorded", "complaint", c.ComplaintNumber)
		return nil
	}

	escalatedAt := p.nowRFC3339()
	if esc, err := p.Repo.GetAction(ctx, job.EscalationActionID); err == nil {
		escalatedAt = esc.CreatedAt
	}
	alert := notify.NewAlert(c, a, job.EscalationActionID, escalatedAt)
	if err := p.Notifier.Notify(ctx, alert); err != nil {
		return fmt.Errorf("deliver alert for %s: %w", c.ComplaintNumber, err)
	}
	if err := p.appendStandalone(ctx, c.ID, audit.Notify{
		Status:             audit.OutcomeSent,
		AnalysisID:         a.ID,
		EscalationActionID: job.EscalationActionID,
		Channel:            p.Notifier.Channel(),
	}); err != nil {
		return err
	}
	p.Log.Info("escalation alert sent",
		"complaint", c.ComplaintNumber, "channel", p.Notifier.Channel(),
		"escalation_action_id", job.EscalationActionID)
	return nil
}

// notificationFailed leaves a failed notify entry so the missed alert shows up
// on the ledger next to its escalation.
func (p *Pipeline) notificationFailed(ctx context.Context, job queue.Job, jobErr error) {
	var nj notificationJob
	if err := json.Unmarshal(job.Payload, &nj); err != nil {
		p.Log.Error("notification failure not recorded", "job_id", job.ID, "error", err)
		return
	}
	err := p.appendStandalone(ctx, nj.ComplaintID, audit.Notify{
		Status:             audit.OutcomeFailed,
		AnalysisID:         nj.AnalysisID,
		EscalationActionID: nj.EscalationActionID,
		Channel:            p.Notifier.Channel(),
		Error:              jobErr.Error(),
	})
	if err != nil {
		p.Log.Error("notification failure not recorded", "complaint_id", nj.ComplaintID, "error", err)
	}
}
