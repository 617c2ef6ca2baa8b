// Package pipeline is the asynchronous complaint workflow: each stage runs as
// an independent job on its own queue lane, sequenced by enqueue-with-delay.
// Delays bias ordering between the fan-out stages but do not guarantee it;
// every stage is written to tolerate duplicate and out-of-order delivery.
package pipeline

import (
	"database/sql"
	"log/slog"
	"time"

	"cityline/internal/analyzer"
	"cityline/internal/audit"
	"cityline/internal/config"
	"cityline/internal/embedding"
	"cityline/internal/notify"
	"cityline/internal/queue"
	"cityline/internal/repo"
)

// Job kinds, one per stage.
const (
	jobAnalysis     = "pipeline.analysis"
	jobEscalation   = "pipeline.escalation"
	jobNotification = "pipeline.notification"
	jobAudit        = "pipeline.audit"
	jobEmbedding    = "pipeline.embedding"
)

type analysisJob struct {
	ComplaintID int64 `json:"complaint_id"`
}

type escalationJob struct {
	ComplaintID int64 `json:"complaint_id"`
	AnalysisID  int64 `json:"analysis_id"`
}

type notificationJob struct {
	ComplaintID        int64 `json:"complaint_id"`
	AnalysisID         int64 `json:"analysis_id"`
	EscalationActionID int64 `json:"escalation_action_id"`
}

type auditJob struct {
	ComplaintID int64 `json:"complaint_id"`
	AnalysisID  int64 `json:"analysis_id"`
}

type embeddingJob struct {
	ComplaintID int64  `json:"complaint_id"`
	Kind        string `json:"kind"`
}

// Pipeline owns the stage handlers and their shared collaborators.
type Pipeline struct {
	DB       *sql.DB
	Repo     repo.Repo
	Audit    audit.Writer
	Queue    *queue.Queue
	Engine   analyzer.Engine
	Embedder embedding.Embedder
	Notifier notify.Notifier
	Config   config.Pipeline
	Log      *slog.Logger
	Now      func() time.Time
}

// New wires the pipeline and registers every stage on the queue. The config
// object is the only source of thresholds, lanes, and retry policies.
func New(db *sql.DB, q *queue.Queue, eng analyzer.Engine, emb embedding.Embedder, ntf notify.Notifier, cfg config.Pipeline, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	p := &Pipeline{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Audit:    audit.Writer{DB: db},
		Queue:    q,
		Engine:   eng,
		Embedder: emb,
		Notifier: ntf,
		Config:   cfg,
		Log:      log,
		Now:      time.Now,
	}

	q.Register(jobAnalysis, queue.Registration{
		Lane:   cfg.Lanes.Analysis,
		Policy: policyFor(cfg, config.StageAnalysis),
		Handle: p.runAnalysis,
		// The ledger records nothing when analysis retries are exhausted;
		// the failed job row is the only trace. See DESIGN.md.
		OnPermanentFailure: p.analysisFailed,
	})
	q.Register(jobEscalation, queue.Registration{
		Lane:               cfg.Lanes.Escalation,
		Policy:             policyFor(cfg, config.StageEscalation),
		Handle:             p.runEscalation,
		OnPermanentFailure: p.escalationFailed,
	})
	q.Register(jobNotification, queue.Registration{
		Lane:               cfg.Lanes.Notification,
		Policy:             policyFor(cfg, config.StageNotification),
		Handle:             p.runNotification,
		OnPermanentFailure: p.notificationFailed,
	})
	q.Register(jobAudit, queue.Registration{
		Lane:   cfg.Lanes.Audit,
		Policy: policyFor(cfg, config.StageAudit),
		Handle: p.runAuditLog,
	})
	q.Register(jobEmbedding, queue.Registration{
		Lane:   cfg.Lanes.Embedding,
		Policy: policyFor(cfg, config.StageEmbedding),
		Handle: p.runEmbedding,
	})
	return p
}

func policyFor(cfg config.Pipeline, stage string) queue.Policy {
	s := cfg.StageFor(stage)
	return queue.Policy{MaxAttempts: s.Tries, Timeout: s.Timeout()}
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Pipeline) nowRFC3339() string {
	return p.now().UTC().Format(time.RFC3339)
}
