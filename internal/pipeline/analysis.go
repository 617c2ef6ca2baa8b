package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cityline/internal/config"
	"cityline/internal/domain"
	"cityline/internal/embedding"
	"cityline/internal/queue"
	"cityline/internal/repo"
)

// runAnalysis is the first pipeline stage: score the complaint, persist the
// result, and enqueue escalation when the score clears the threshold. A
// complaint that already has an analysis is skipped, which makes redeliveries
// harmless and keeps the one-analysis-per-complaint invariant.
func (p *Pipeline) runAnalysis(ctx context.Context, payload json.RawMessage) error {
	var job analysisJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("decode analysis job: %w", err)
	}
	c, err := p.Repo.GetComplaint(ctx, job.ComplaintID)
	if errors.Is(err, repo.ErrNotFound) {
		p.Log.Info("analysis skipped, complaint gone", "complaint_id", job.ComplaintID)
		return nil
	}
	if err != nil {
		return err
	}
	if c.DeletedAt != nil {
		p.Log.Info("analysis skipped, complaint deleted", "complaint", c.ComplaintNumber)
		return nil
	}

	// Check before spending an engine call on a duplicate delivery.
	if _, err := p.Repo.GetAnalysisByComplaint(ctx, c.ID); err == nil {
		p.Log.Info("analysis skipped, already analyzed", "complaint", c.ComplaintNumber)
		return nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return err
	}

	res, err := p.Engine.Analyze(ctx, c)
	if err != nil {
		return fmt.Errorf("analyze %s: %w", c.ComplaintNumber, err)
	}

	escalate := res.RiskScore >= p.Config.EscalateThreshold
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	exists, err := p.Repo.AnalysisExistsTx(ctx, tx, c.ID)
	if err != nil {
		return err
	}
	if exists {
		// Lost a race against a duplicate delivery that committed first.
		return nil
	}
	analysisID, err := p.Repo.InsertAnalysisTx(ctx, tx, domain.Analysis{
		ComplaintID: c.ID,
		RiskScore:   res.RiskScore,
		Category:    res.Category,
		Tags:        res.Tags,
		Summary:     res.Summary,
		Model:       res.Model,
		CreatedAt:   p.nowRFC3339(),
	})
	if err != nil {
		return err
	}
	if escalate {
		delay := p.Config.StageFor(config.StageEscalation).EnqueueDelay()
		if _, err := p.Queue.EnqueueTx(ctx, tx, jobEscalation, escalationJob{ComplaintID: c.ID, AnalysisID: analysisID}, delay); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	p.Log.Info("complaint analyzed",
		"complaint", c.ComplaintNumber, "risk_score", res.RiskScore,
		"category", res.Category, "escalate", escalate)
	p.enqueueEmbeddings(ctx, c, res.Summary)
	return nil
}

// enqueueEmbeddings runs after commit; vector indexing is a side task and a
// scheduling failure must not fail the analysis stage.
func (p *Pipeline) enqueueEmbeddings(ctx context.Context, c domain.Complaint, summary string) {
	delay := p.Config.StageFor(config.StageEmbedding).EnqueueDelay()
	if _, err := p.Queue.Enqueue(ctx, jobEmbedding, embeddingJob{ComplaintID: c.ID, Kind: embedding.KindComplaint}, delay); err != nil {
		p.Log.Warn("embedding not scheduled", "complaint", c.ComplaintNumber, "error", err)
	}
	if summary == "" {
		return
	}
	if _, err := p.Queue.Enqueue(ctx, jobEmbedding, embeddingJob{ComplaintID: c.ID, Kind: embedding.KindAnalysis}, delay); err != nil {
		p.Log.Warn("embedding not scheduled", "complaint", c.ComplaintNumber, "error", err)
	}
}

// analysisFailed is deliberately log-only: exhausted analysis retries leave no
// ledger entry, so a complaint can sit unanalyzed with nothing in the actions
// table pointing at it. Operators watch the failed-job count instead.
func (p *Pipeline) analysisFailed(ctx context.Context, job queue.Job, jobErr error) {
	var aj analysisJob
	_ = json.Unmarshal(job.Payload, &aj)
	p.Log.Error("analysis abandoned", "complaint_id", aj.ComplaintID, "attempts", job.Attempts, "error", jobErr)
}
