package pipeline

import (
	"context"
	"encoding/json"

	"cityline/internal/embedding"
)

// runEmbedding indexes complaint text in the vector store. Everything here is
// best effort: any failure is logged and swallowed so a down or disabled
// vector store never disturbs the workflow.
func (p *Pipeline) runEmbedding(ctx context.Context, payload json.RawMessage) error {
	var job embeddingJob
	if err := json.Unmarshal(payload, &job); err != nil {
		p.Log.Warn("embedding skipped", "error", err)
		return nil
	}
	c, err := p.Repo.GetComplaint(ctx, job.ComplaintID)
	if err != nil {
		p.Log.Info("embedding skipped, complaint gone", "complaint_id", job.ComplaintID)
		return nil
	}
	if c.DeletedAt != nil {
		return nil
	}

	text := embedding.Text{Kind: job.Kind, ComplaintNumber: c.ComplaintNumber}
	switch job.Kind {
	case embedding.KindComplaint:
		text.Content = c.Description
	case embedding.KindAnalysis:
		a, err := p.Repo.GetAnalysisByComplaint(ctx, c.ID)
		if err != nil {
			p.Log.Info("embedding skipped, analysis gone", "complaint", c.ComplaintNumber)
			return nil
		}
		text.Content = a.Summary
	default:
		p.Log.Warn("embedding skipped, unknown kind", "kind", job.Kind)
		return nil
	}
	if text.Content == "" {
		return nil
	}

	objectID, err := p.Embedder.Embed(ctx, text)
	if err != nil {
		p.Log.Warn("embedding failed", "complaint", c.ComplaintNumber, "kind", job.Kind, "error", err)
		return nil
	}
	p.Log.Debug("embedding stored", "complaint", c.ComplaintNumber, "kind", job.Kind, "object_id", objectID)
	return nil
}
