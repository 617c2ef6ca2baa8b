package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"cityline/internal/analyzer"
	"cityline/internal/config"
	"cityline/internal/db"
	"cityline/internal/domain"
	"cityline/internal/embedding"
	"cityline/internal/migrate"
	"cityline/internal/notify"
	"cityline/internal/pipeline"
	"cityline/internal/queue"
	"cityline/internal/repo"
)

type stubEngine struct{ result analyzer.Result }

func (s *stubEngine) Analyze(ctx context.Context, c domain.Complaint) (analyzer.Result, error) {
	return s.result, nil
}

func newTestEngine(t *testing.T) (Engine, *stubEngine) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	q := queue.New(conn, log)
	q.Backoff = func(int) time.Duration { return 0 }
	stub := &stubEngine{result: analyzer.Result{Summary: "ok", RiskScore: 0.3, Category: "General"}}
	cfg := config.Default().Pipeline
	cfg.Stages = map[string]config.Stage{
		config.StageAnalysis:     {Tries: 3, TimeoutSeconds: 5},
		config.StageEscalation:   {Tries: 2, TimeoutSeconds: 5},
		config.StageNotification: {Tries: 2, TimeoutSeconds: 5},
		config.StageAudit:        {Tries: 1, TimeoutSeconds: 5},
		config.StageEmbedding:    {Tries: 1, TimeoutSeconds: 5},
	}
	p := pipeline.New(conn, q, stub, embedding.Disabled{}, notify.Disabled{}, cfg, log)
	return New(conn, p, log), stub
}

func TestCreateComplaintDefaultsAndAnalyzes(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	c, err := e.CreateComplaint(ctx, CreateComplaintInput{
		Type:        "Water Leak",
		Description: "Hydrant leaking onto the sidewalk",
		Borough:     "Queens",
	}, "tester")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.HasPrefix(c.ComplaintNumber, "CPL-") {
		t.Fatalf("complaint number %q not generated", c.ComplaintNumber)
	}
	if c.Status != domain.StatusOpen || c.Priority != domain.PriorityMedium {
		t.Fatalf("unexpected defaults %+v", c)
	}
	if _, err := e.Pipeline.Queue.DrainPending(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if _, err := e.Repo.GetAnalysisByComplaint(ctx, c.ID); err != nil {
		t.Fatalf("analysis: %v", err)
	}
}

func TestCreateComplaintRequiresType(t *testing.T) {
	e, _ := newTestEngine(t)
	if _, err := e.CreateComplaint(context.Background(), CreateComplaintInput{Description: "missing type"}, "tester"); err == nil {
		t.Fatal("expected error for missing type")
	}
}

func TestUpdateComplaintStatusTransitions(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	c, err := e.CreateComplaint(ctx, CreateComplaintInput{Type: "Noise"}, "tester")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	closed := domain.StatusClosed
	if _, err := e.UpdateComplaint(ctx, c.ID, UpdateComplaintInput{Status: &closed}, "tester"); err != nil {
		t.Fatalf("close: %v", err)
	}
	inProgress := domain.StatusInProgress
	if _, err := e.UpdateComplaint(ctx, c.ID, UpdateComplaintInput{Status: &inProgress}, "tester"); err == nil {
		t.Fatal("closed -> in_progress should be rejected")
	}
	if _, err := e.UpdateComplaint(ctx, c.ID, UpdateComplaintInput{Status: &inProgress, Force: true}, "tester"); err != nil {
		t.Fatalf("forced transition: %v", err)
	}
}

func TestDeleteRestoreRoundTrip(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	c, err := e.CreateComplaint(ctx, CreateComplaintInput{Type: "Rodent"}, "tester")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := e.DeleteComplaint(ctx, c.ID, "tester"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, err := e.Repo.GetComplaint(ctx, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.DeletedAt == nil {
		t.Fatal("complaint not soft-deleted")
	}
	// Deleting again is a no-op.
	if err := e.DeleteComplaint(ctx, c.ID, "tester"); err != nil {
		t.Fatalf("second delete: %v", err)
	}

	restored, err := e.RestoreComplaint(ctx, c.ID, "tester")
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.DeletedAt != nil {
		t.Fatal("restore left deleted_at set")
	}
}

func TestReanalyzeDiscardsStoredAnalysis(t *testing.T) {
	e, stub := newTestEngine(t)
	ctx := context.Background()
	c, err := e.CreateComplaint(ctx, CreateComplaintInput{Type: "Heat", Description: "No heat in building"}, "tester")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := e.Pipeline.Queue.DrainPending(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	first, err := e.Repo.GetAnalysisByComplaint(ctx, c.ID)
	if err != nil {
		t.Fatalf("analysis: %v", err)
	}

	stub.result.RiskScore = 0.75
	if err := e.Reanalyze(ctx, c.ID, "tester"); err != nil {
		t.Fatalf("reanalyze: %v", err)
	}
	if _, err := e.Repo.GetAnalysisByComplaint(ctx, c.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("analysis err = %v, want ErrNotFound before drain", err)
	}
	if _, err := e.Pipeline.Queue.DrainPending(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	second, err := e.Repo.GetAnalysisByComplaint(ctx, c.ID)
	if err != nil {
		t.Fatalf("analysis: %v", err)
	}
	if second.ID == first.ID || second.RiskScore != 0.75 {
		t.Fatalf("re-analysis not applied: %+v", second)
	}
}

func TestCreateAPIKeyResolvesActor(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	key, err := e.CreateAPIKey(ctx, "ops-team", "dashboard")
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	if !strings.HasPrefix(key, "ck_") {
		t.Fatalf("unexpected key format %q", key)
	}
	actor, err := e.Repo.ActorForAPIKeyHash(ctx, repo.HashAPIKey(key))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if actor != "ops-team" {
		t.Fatalf("actor = %q, want ops-team", actor)
	}
}
