package pipeline

import (
	"context"
	"database/sql"

	"cityline/internal/audit"
	"cityline/internal/config"
	"cityline/internal/domain"
)

// ComplaintCreatedTx records the trigger on the ledger and schedules analysis
// inside the caller's transaction, so the complaint insert and its dispatch
// commit together.
func (p *Pipeline) ComplaintCreatedTx(ctx context.Context, tx *sql.Tx, c domain.Complaint, actor string) error {
	_, err := p.Audit.Append(ctx, tx, c.ID, actor, audit.AnalysisTriggered{
		ComplaintNumber: c.ComplaintNumber,
		Reason:          "complaint created",
	})
	if err != nil {
		return err
	}
	return p.enqueueAnalysisTx(ctx, tx, c.ID)
}

// ComplaintUpdatedTx records a status change and re-runs analysis when the
// update invalidates the previous assessment: a reopen from closed, or a
// change to the fields risk scoring reads.
func (p *Pipeline) ComplaintUpdatedTx(ctx context.Context, tx *sql.Tx, old, updated domain.Complaint, actor string) error {
	if old.Status != updated.Status {
		_, err := p.Audit.Append(ctx, tx, updated.ID, actor, audit.StatusChange{
			ComplaintNumber: updated.ComplaintNumber,
			From:            string(old.Status),
			To:              string(updated.Status),
		})
		if err != nil {
			return err
		}
	}
	reason := ""
	switch {
	case updated.Status == domain.StatusOpen && riskFieldsChanged(old, updated):
		reason = "complaint details changed"
	case old.Status != domain.StatusOpen && updated.Status == domain.StatusOpen:
		reason = "complaint reopened"
	}
	if reason == "" {
		return nil
	}
	return p.ReanalyzeTx(ctx, tx, updated, actor, reason)
}

// ReanalyzeTx discards the stored analysis and sends the complaint back
// through the pipeline.
func (p *Pipeline) ReanalyzeTx(ctx context.Context, tx *sql.Tx, c domain.Complaint, actor, reason string) error {
	if err := p.Repo.DeleteAnalysisByComplaintTx(ctx, tx, c.ID); err != nil {
		return err
	}
	_, err := p.Audit.Append(ctx, tx, c.ID, actor, audit.AnalysisTriggered{
		ComplaintNumber: c.ComplaintNumber,
		Reason:          reason,
	})
	if err != nil {
		return err
	}
	return p.enqueueAnalysisTx(ctx, tx, c.ID)
}

// ComplaintDeleted records a soft delete after the fact. The delete has
// already committed, so a ledger failure here is logged and dropped rather
// than surfaced to the caller.
func (p *Pipeline) ComplaintDeleted(ctx context.Context, c domain.Complaint, actor string) {
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		p.Log.Warn("delete action not recorded", "complaint", c.ComplaintNumber, "error", err)
		return
	}
	defer tx.Rollback()
	if _, err := p.Audit.Append(ctx, tx, c.ID, actor, audit.ComplaintDeleted{ComplaintNumber: c.ComplaintNumber}); err != nil {
		p.Log.Warn("delete action not recorded", "complaint", c.ComplaintNumber, "error", err)
		return
	}
	if err := tx.Commit(); err != nil {
		p.Log.Warn("delete action not recorded", "complaint", c.ComplaintNumber, "error", err)
	}
}

// ComplaintRestoredTx records a restore and re-analyzes if the analysis was
// lost while the complaint was deleted.
func (p *Pipeline) ComplaintRestoredTx(ctx context.Context, tx *sql.Tx, c domain.Complaint, actor string) error {
	_, err := p.Audit.Append(ctx, tx, c.ID, actor, audit.ComplaintRestored{ComplaintNumber: c.ComplaintNumber})
	if err != nil {
		return err
	}
	exists, err := p.Repo.AnalysisExistsTx(ctx, tx, c.ID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = p.Audit.Append(ctx, tx, c.ID, actor, audit.AnalysisTriggered{
		ComplaintNumber: c.ComplaintNumber,
		Reason:          "complaint restored",
	})
	if err != nil {
		return err
	}
	return p.enqueueAnalysisTx(ctx, tx, c.ID)
}

func (p *Pipeline) enqueueAnalysisTx(ctx context.Context, tx *sql.Tx, complaintID int64) error {
	delay := p.Config.StageFor(config.StageAnalysis).EnqueueDelay()
	_, err := p.Queue.EnqueueTx(ctx, tx, jobAnalysis, analysisJob{ComplaintID: complaintID}, delay)
	return err
}

func riskFieldsChanged(old, updated domain.Complaint) bool {
	return old.Type != updated.Type ||
		old.Description != updated.Description ||
		old.Borough != updated.Borough ||
		old.Agency != updated.Agency
}
