package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"cityline/internal/audit"
	"cityline/internal/domain"
)

// runAuditLog writes the comprehensive workflow summary for an escalated
// complaint. It never returns an error: the summary is reporting, and a
// failure here must not retry or disturb the rest of the workflow.
func (p *Pipeline) runAuditLog(ctx context.Context, payload json.RawMessage) error {
	var job auditJob
	if err := json.Unmarshal(payload, &job); err != nil {
		p.Log.Warn("workflow audit skipped", "error", err)
		return nil
	}
	if err := p.writeWorkflowAudit(ctx, job); err != nil {
		p.Log.Warn("workflow audit skipped", "complaint_id", job.ComplaintID, "error", err)
	}
	return nil
}

func (p *Pipeline) writeWorkflowAudit(ctx context.Context, job auditJob) error {
	c, err := p.Repo.GetComplaint(ctx, job.ComplaintID)
	if err != nil {
		return err
	}
	a, err := p.Repo.GetAnalysis(ctx, job.AnalysisID)
	if err != nil {
		return err
	}
	counts, err := p.Repo.CountActionsByType(ctx, c.ID)
	if err != nil {
		return err
	}
	actionCounts := make(map[string]int, len(counts))
	for t, n := range counts {
		actionCounts[string(t)] = n
	}

	duration := ""
	if started, err := time.Parse(time.RFC3339, c.CreatedAt); err == nil {
		duration = p.now().UTC().Sub(started).Round(time.Second).String()
	}

	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	done, err := p.Repo.ActionExistsForAnalysisTx(ctx, tx, c.ID, domain.ActionAnalyze, a.ID, "")
	if err != nil {
		return err
	}
	if done {
		return nil
	}
	level := riskLevel(a.RiskScore)
	if _, err := p.Audit.Append(ctx, tx, c.ID, domain.SystemActor, audit.Analyze{
		RiskLevel:        level,
		AnalysisID:       a.ID,
		RiskScore:        a.RiskScore,
		Category:         a.Category,
		WorkflowDuration: duration,
		ActionCounts:     actionCounts,
		Summary:          a.Summary,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	p.Log.Info("workflow audit recorded",
		"complaint", c.ComplaintNumber, "risk_level", level,
		"risk_score", a.RiskScore, "duration", duration)
	return nil
}

// riskLevel buckets a score for audit reporting.
func riskLevel(score float64) string {
	switch {
	case score >= 0.9:
		return "CRITICAL"
	case score >= 0.8:
		return "HIGH"
	case score >= 0.7:
		return "ELEVATED"
	case score >= 0.4:
		return "MEDIUM"
	default:
		return "LOW"
	}
}
