package citylinesdk

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"cityline/internal/analyzer"
	"cityline/internal/config"
	"cityline/internal/db"
	"cityline/internal/domain"
	"cityline/internal/embedding"
	"cityline/internal/engine"
	"cityline/internal/migrate"
	"cityline/internal/notify"
	"cityline/internal/pipeline"
	"cityline/internal/queue"
	"cityline/internal/server"
)

type stubAnalyzer struct{ result analyzer.Result }

func (s *stubAnalyzer) Analyze(ctx context.Context, c domain.Complaint) (analyzer.Result, error) {
	return s.result, nil
}

// startServer runs a real API server on a loopback port and returns a client
// authenticated with a freshly minted API key.
func startServer(t *testing.T) (*Client, engine.Engine) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	q := queue.New(conn, log)
	q.Backoff = func(int) time.Duration { return 0 }
	cfg := config.Default().Pipeline
	cfg.Stages = map[string]config.Stage{
		config.StageAnalysis:     {Tries: 1, TimeoutSeconds: 5},
		config.StageEscalation:   {Tries: 1, TimeoutSeconds: 5},
		config.StageNotification: {Tries: 1, TimeoutSeconds: 5},
		config.StageAudit:        {Tries: 1, TimeoutSeconds: 5},
		config.StageEmbedding:    {Tries: 1, TimeoutSeconds: 5},
	}
	p := pipeline.New(conn, q, &stubAnalyzer{result: analyzer.Result{Summary: "ok", RiskScore: 0.3, Category: "General"}}, embedding.Disabled{}, notify.Disabled{}, cfg, log)
	e := engine.New(conn, p, log)

	handler, err := server.New(server.Config{
		Engine: e,
		Auth:   server.AuthConfig{Logger: log},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
		conn.Close()
	})

	key, err := e.CreateAPIKey(context.Background(), "sdk-tester", "sdk test key")
	if err != nil {
		t.Fatalf("create api key: %v", err)
	}
	c := New("http://" + ln.Addr().String() + "/v1")
	c.APIKey = key
	return c, e
}

func TestClientComplaintLifecycle(t *testing.T) {
	c, e := startServer(t)
	ctx := context.Background()

	created, err := c.CreateComplaint(ctx, CreateComplaintRequest{
		Type:        "Noise - Commercial",
		Description: "Loud music after midnight",
		Borough:     "Brooklyn",
	})
	if err != nil {
		t.Fatal(err)
	}
	if created.ID == 0 || created.Status != "open" {
		t.Fatalf("created = %+v", created)
	}

	if _, err := e.Pipeline.Queue.DrainPending(ctx); err != nil {
		t.Fatal(err)
	}

	got, err := c.Complaint(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Analysis == nil || got.Analysis.RiskScore != 0.3 {
		t.Fatalf("analysis = %+v", got.Analysis)
	}

	status := "in_progress"
	updated, err := c.UpdateComplaint(ctx, created.ID, UpdateComplaintRequest{Status: &status}, false)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != "in_progress" {
		t.Fatalf("status = %q", updated.Status)
	}

	actions, err := c.ComplaintActions(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(actions) < 2 {
		t.Fatalf("got %d ledger entries, want trigger and status change", len(actions))
	}

	if err := c.DeleteComplaint(ctx, created.ID); err != nil {
		t.Fatal(err)
	}
	restored, err := c.RestoreComplaint(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if restored.DeletedAt != nil {
		t.Fatalf("restored complaint still deleted: %+v", restored)
	}
}

func TestClientActionCursor(t *testing.T) {
	c, _ := startServer(t)
	ctx := context.Background()

	for _, typ := range []string{"Water Leak", "Street Light Out"} {
		if _, err := c.CreateComplaint(ctx, CreateComplaintRequest{Type: typ}); err != nil {
			t.Fatal(err)
		}
	}
	page, err := c.ActionsAfter(ctx, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("got %d entries, want 2", len(page.Items))
	}
	var max int64
	for _, a := range page.Items {
		if a.ID > max {
			max = a.ID
		}
	}
	if page.NextCursor != max {
		t.Fatalf("cursor %d does not track highest id %d", page.NextCursor, max)
	}
	next, err := c.ActionsAfter(ctx, page.NextCursor, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(next.Items) != 0 {
		t.Fatalf("cursor page returned %d stale entries", len(next.Items))
	}
}

func TestClientSurfacesAPIErrors(t *testing.T) {
	c, _ := startServer(t)
	_, err := c.Complaint(context.Background(), 9999)
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", apiErr.StatusCode)
	}
}

func TestClientRejectsBadCredentials(t *testing.T) {
	c, _ := startServer(t)
	c.APIKey = "ck_bogus"
	_, err := c.Complaints(context.Background(), "", 10)
	apiErr, ok := err.(*APIError)
	if !ok || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("err = %v, want 401 APIError", err)
	}
}
