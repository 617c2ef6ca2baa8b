// Package engine exposes the transactional operations on complaints. Every
// mutation commits its row changes, its ledger entries, and its pipeline
// dispatch in a single transaction.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"cityline/internal/domain"
	"cityline/internal/pipeline"
	"cityline/internal/repo"
)

// Engine carries the dependencies for complaint operations.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Pipeline *pipeline.Pipeline
	Log      *slog.Logger
	Now      func() time.Time
}

// New returns an engine over an opened database and a registered pipeline.
func New(conn *sql.DB, p *pipeline.Pipeline, log *slog.Logger) Engine {
	if log == nil {
		log = slog.Default()
	}
	return Engine{
		DB:       conn,
		Repo:     repo.Repo{DB: conn},
		Pipeline: p,
		Log:      log,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

// CreateComplaintInput is the intake surface for a new complaint.
type CreateComplaintInput struct {
	ComplaintNumber string
	Type            string
	Description     string
	Borough         string
	Agency          string
	Address         string
	Priority        domain.Priority
	SubmittedAt     string
	DueAt           string
}

// CreateComplaint records a complaint and puts it on the analysis pipeline.
// The complaint number is generated when the intake source has none.
func (e Engine) CreateComplaint(ctx context.Context, in CreateComplaintInput, actor string) (domain.Complaint, error) {
	if strings.TrimSpace(in.Type) == "" {
		return domain.Complaint{}, fmt.Errorf("complaint type is required")
	}
	if in.Priority == "" {
		in.Priority = domain.PriorityMedium
	}
	if !in.Priority.Valid() {
		return domain.Complaint{}, fmt.Errorf("unknown priority %q", in.Priority)
	}
	number := strings.TrimSpace(in.ComplaintNumber)
	if number == "" {
		number = NewComplaintNumber()
	}
	ts := e.nowRFC3339()
	submitted := in.SubmittedAt
	if submitted == "" {
		submitted = ts
	}
	c := domain.Complaint{
		ComplaintNumber: number,
		Type:            strings.TrimSpace(in.Type),
		Description:     strings.TrimSpace(in.Description),
		Borough:         strings.TrimSpace(in.Borough),
		Agency:          strings.TrimSpace(in.Agency),
		Address:         strings.TrimSpace(in.Address),
		Status:          domain.StatusOpen,
		Priority:        in.Priority,
		SubmittedAt:     submitted,
		CreatedAt:       ts,
		UpdatedAt:       ts,
	}
	if in.DueAt != "" {
		c.DueAt = &in.DueAt
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Complaint{}, err
	}
	defer tx.Rollback()
	id, err := e.Repo.InsertComplaintTx(ctx, tx, c)
	if err != nil {
		return domain.Complaint{}, fmt.Errorf("create complaint %s: %w", number, err)
	}
	c.ID = id
	if err := e.Pipeline.ComplaintCreatedTx(ctx, tx, c, actor); err != nil {
		return domain.Complaint{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Complaint{}, err
	}
	e.Log.Info("complaint created", "complaint", c.ComplaintNumber, "type", c.Type, "actor", actor)
	return c, nil
}

// UpdateComplaintInput holds the mutable fields; nil means leave unchanged.
type UpdateComplaintInput struct {
	Type        *string
	Description *string
	Borough     *string
	Agency      *string
	Address     *string
	Status      *domain.Status
	Priority    *domain.Priority
	ResolvedAt  *string
	DueAt       *string
	// Force bypasses the status transition check for administrative repair.
	Force bool
}

// UpdateComplaint applies the changed fields, records the status change, and
// re-runs analysis when the update invalidates the stored assessment.
func (e Engine) UpdateComplaint(ctx context.Context, id int64, in UpdateComplaintInput, actor string) (domain.Complaint, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Complaint{}, err
	}
	defer tx.Rollback()
	old, err := e.Repo.GetComplaintTx(ctx, tx, id)
	if err != nil {
		return domain.Complaint{}, err
	}
	if old.DeletedAt != nil {
		return domain.Complaint{}, fmt.Errorf("complaint %s is deleted", old.ComplaintNumber)
	}
	updated := old
	if in.Type != nil {
		updated.Type = *in.Type
	}
	if in.Description != nil {
		updated.Description = *in.Description
	}
	if in.Borough != nil {
		updated.Borough = *in.Borough
	}
	if in.Agency != nil {
		updated.Agency = *in.Agency
	}
	if in.Address != nil {
		updated.Address = *in.Address
	}
	if in.Status != nil {
		if !in.Status.Valid() {
			return domain.Complaint{}, fmt.Errorf("unknown status %q", *in.Status)
		}
		if err := domain.EnsureTransition(old.Status, *in.Status, in.Force); err != nil {
			return domain.Complaint{}, err
		}
		updated.Status = *in.Status
	}
	if in.Priority != nil {
		if !in.Priority.Valid() {
			return domain.Complaint{}, fmt.Errorf("unknown priority %q", *in.Priority)
		}
		updated.Priority = *in.Priority
	}
	if in.ResolvedAt != nil {
		updated.ResolvedAt = in.ResolvedAt
	}
	if in.DueAt != nil {
		updated.DueAt = in.DueAt
	}
	updated.UpdatedAt = e.nowRFC3339()
	if err := e.Repo.UpdateComplaintTx(ctx, tx, updated); err != nil {
		return domain.Complaint{}, fmt.Errorf("update complaint %s: %w", old.ComplaintNumber, err)
	}
	if err := e.Pipeline.ComplaintUpdatedTx(ctx, tx, old, updated, actor); err != nil {
		return domain.Complaint{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Complaint{}, err
	}
	e.Log.Info("complaint updated", "complaint", updated.ComplaintNumber, "actor", actor)
	return updated, nil
}

// DeleteComplaint soft-deletes. The ledger entry is written after commit and
// its failure is tolerated.
func (e Engine) DeleteComplaint(ctx context.Context, id int64, actor string) error {
	c, err := e.Repo.GetComplaint(ctx, id)
	if err != nil {
		return err
	}
	if c.DeletedAt != nil {
		return nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SoftDeleteComplaintTx(ctx, tx, id, e.nowRFC3339()); err != nil {
		return fmt.Errorf("delete complaint %s: %w", c.ComplaintNumber, err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Pipeline.ComplaintDeleted(ctx, c, actor)
	e.Log.Info("complaint deleted", "complaint", c.ComplaintNumber, "actor", actor)
	return nil
}

// RestoreComplaint reverses a soft delete and re-analyzes if the analysis was
// lost in the meantime.
func (e Engine) RestoreComplaint(ctx context.Context, id int64, actor string) (domain.Complaint, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Complaint{}, err
	}
	defer tx.Rollback()
	c, err := e.Repo.GetComplaintTx(ctx, tx, id)
	if err != nil {
		return domain.Complaint{}, err
	}
	if c.DeletedAt == nil {
		return c, nil
	}
	if err := e.Repo.RestoreComplaintTx(ctx, tx, id, e.nowRFC3339()); err != nil {
		return domain.Complaint{}, fmt.Errorf("restore complaint %s: %w", c.ComplaintNumber, err)
	}
	if err := e.Pipeline.ComplaintRestoredTx(ctx, tx, c, actor); err != nil {
		return domain.Complaint{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Complaint{}, err
	}
	c.DeletedAt = nil
	e.Log.Info("complaint restored", "complaint", c.ComplaintNumber, "actor", actor)
	return c, nil
}

// Reanalyze discards the stored analysis and queues the complaint for a fresh
// assessment.
func (e Engine) Reanalyze(ctx context.Context, id int64, actor string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	c, err := e.Repo.GetComplaintTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if c.DeletedAt != nil {
		return fmt.Errorf("complaint %s is deleted", c.ComplaintNumber)
	}
	if err := e.Pipeline.ReanalyzeTx(ctx, tx, c, actor, "manual re-analysis"); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Log.Info("re-analysis queued", "complaint", c.ComplaintNumber, "actor", actor)
	return nil
}

// NewComplaintNumber generates an external reference for intake sources that
// do not supply one.
func NewComplaintNumber() string {
	return "CPL-" + strings.ToUpper(uuid.NewString()[:8])
}
