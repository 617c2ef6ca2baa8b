package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cityline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const complaintColumns = `id,complaint_number,type,COALESCE(description,''),COALESCE(borough,''),COALESCE(agency,''),COALESCE(address,''),status,priority,submitted_at,resolved_at,due_at,deleted_at,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanComplaint(row rowScanner) (domain.Complaint, error) {
	var c domain.Complaint
	var resolvedAt, dueAt, deletedAt sql.NullString
	err := row.Scan(&c.ID, &c.ComplaintNumber, &c.Type, &c.Description, &c.Borough, &c.Agency, &c.Address,
		&c.Status, &c.Priority, &c.SubmittedAt, &resolvedAt, &dueAt, &deletedAt, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if resolvedAt.Valid {
		c.ResolvedAt = &resolvedAt.String
	}
	if dueAt.Valid {
		c.DueAt = &dueAt.String
	}
	if deletedAt.Valid {
		c.DeletedAt = &deletedAt.String
	}
	return c, err
}

func (r Repo) InsertComplaintTx(ctx context.Context, tx *sql.Tx, c domain.Complaint) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO complaints(complaint_number,type,description,borough,agency,address,status,priority,submitted_at,due_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ComplaintNumber, c.Type, nullable(c.Description), nullable(c.Borough), nullable(c.Agency), nullable(c.Address),
		string(c.Status), string(c.Priority), c.SubmittedAt, nullableStringPtr(c.DueAt), c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert complaint: %w", err)
	}
	return res.LastInsertId()
}

func (r Repo) GetComplaint(ctx context.Context, id int64) (domain.Complaint, error) {
	return scanComplaint(r.DB.QueryRowContext(ctx, `SELECT `+complaintColumns+` FROM complaints WHERE id=?`, id))
}

func (r Repo) GetComplaintTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Complaint, error) {
	return scanComplaint(tx.QueryRowContext(ctx, `SELECT `+complaintColumns+` FROM complaints WHERE id=?`, id))
}

func (r Repo) GetComplaintByNumber(ctx context.Context, number string) (domain.Complaint, error) {
	return scanComplaint(r.DB.QueryRowContext(ctx, `SELECT `+complaintColumns+` FROM complaints WHERE complaint_number=?`, number))
}

// ComplaintFilters narrow ListComplaints.
type ComplaintFilters struct {
	Status         string
	Borough        string
	Type           string
	IncludeDeleted bool
	Limit          int
}

func (r Repo) ListComplaints(ctx context.Context, f ComplaintFilters) ([]domain.Complaint, error) {
	var (
		conds []string
		args  []any
	)
	if !f.IncludeDeleted {
		conds = append(conds, "deleted_at IS NULL")
	}
	if f.Status != "" {
		conds = append(conds, "status=?")
		args = append(args, f.Status)
	}
	if f.Borough != "" {
		conds = append(conds, "borough=?")
		args = append(args, f.Borough)
	}
	if f.Type != "" {
		conds = append(conds, "type=?")
		args = append(args, f.Type)
	}
	q := `SELECT ` + complaintColumns + ` FROM complaints`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY submitted_at DESC"
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ?"
	args = append(args, limit)

	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Complaint
	for rows.Next() {
		c, err := scanComplaint(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// UpdateComplaintTx writes the mutable complaint fields.
func (r Repo) UpdateComplaintTx(ctx context.Context, tx *sql.Tx, c domain.Complaint) error {
	_, err := tx.ExecContext(ctx, `UPDATE complaints SET type=?,description=?,borough=?,agency=?,address=?,status=?,priority=?,resolved_at=?,due_at=?,updated_at=? WHERE id=?`,
		c.Type, nullable(c.Description), nullable(c.Borough), nullable(c.Agency), nullable(c.Address),
		string(c.Status), string(c.Priority), nullableStringPtr(c.ResolvedAt), nullableStringPtr(c.DueAt), c.UpdatedAt, c.ID)
	return err
}

// SetComplaintStatusTx updates only the status column, the single complaint
// field the pipeline owns.
func (r Repo) SetComplaintStatusTx(ctx context.Context, tx *sql.Tx, id int64, status domain.Status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE complaints SET status=?,updated_at=? WHERE id=?`, string(status), updatedAt, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

func (r Repo) SoftDeleteComplaintTx(ctx context.Context, tx *sql.Tx, id int64, deletedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE complaints SET deleted_at=?,updated_at=? WHERE id=? AND deleted_at IS NULL`, deletedAt, deletedAt, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

func (r Repo) RestoreComplaintTx(ctx context.Context, tx *sql.Tx, id int64, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE complaints SET deleted_at=NULL,updated_at=? WHERE id=? AND deleted_at IS NOT NULL`, updatedAt, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

func scanAnalysis(row rowScanner) (domain.Analysis, error) {
	var a domain.Analysis
	var tagsJSON string
	var model sql.NullString
	err := row.Scan(&a.ID, &a.ComplaintID, &a.RiskScore, &a.Category, &tagsJSON, &a.Summary, &model, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if model.Valid {
		a.Model = model.String
	}
	if err := json.Unmarshal([]byte(tagsJSON), &a.Tags); err != nil {
		return a, fmt.Errorf("decode analysis tags: %w", err)
	}
	if a.Tags == nil {
		a.Tags = []string{}
	}
	return a, nil
}

const analysisColumns = `id,complaint_id,risk_score,category,tags_json,summary,model,created_at`

func (r Repo) InsertAnalysisTx(ctx context.Context, tx *sql.Tx, a domain.Analysis) (int64, error) {
	tags := a.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return 0, fmt.Errorf("encode analysis tags: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO analyses(complaint_id,risk_score,category,tags_json,summary,model,created_at) VALUES (?,?,?,?,?,?,?)`,
		a.ComplaintID, a.RiskScore, a.Category, string(tagsJSON), a.Summary, nullable(a.Model), a.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert analysis: %w", err)
	}
	return res.LastInsertId()
}

func (r Repo) GetAnalysis(ctx context.Context, id int64) (domain.Analysis, error) {
	return scanAnalysis(r.DB.QueryRowContext(ctx, `SELECT `+analysisColumns+` FROM analyses WHERE id=?`, id))
}

func (r Repo) GetAnalysisByComplaint(ctx context.Context, complaintID int64) (domain.Analysis, error) {
	return scanAnalysis(r.DB.QueryRowContext(ctx, `SELECT `+analysisColumns+` FROM analyses WHERE complaint_id=? ORDER BY id LIMIT 1`, complaintID))
}

// AnalysisExistsTx is the idempotency check for the analysis stage, run inside
// the same transaction that would insert the record.
func (r Repo) AnalysisExistsTx(ctx context.Context, tx *sql.Tx, complaintID int64) (bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT 1 FROM analyses WHERE complaint_id=? LIMIT 1`, complaintID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) DeleteAnalysisByComplaintTx(ctx context.Context, tx *sql.Tx, complaintID int64) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM analyses WHERE complaint_id=?`, complaintID)
	return err
}

// --- actions (read side; writes go through the audit package) ---

const actionColumns = `id,type,complaint_id,params_json,triggered_by,created_at`

func scanAction(row rowScanner) (domain.Action, error) {
	var a domain.Action
	var complaintID sql.NullInt64
	var paramsJSON string
	err := row.Scan(&a.ID, &a.Type, &complaintID, &paramsJSON, &a.TriggeredBy, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if complaintID.Valid {
		a.ComplaintID = &complaintID.Int64
	}
	if err := json.Unmarshal([]byte(paramsJSON), &a.Parameters); err != nil {
		return a, fmt.Errorf("decode action params: %w", err)
	}
	return a, nil
}

func (r Repo) GetAction(ctx context.Context, id int64) (domain.Action, error) {
	return scanAction(r.DB.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM actions WHERE id=?`, id))
}

// ActionFilters narrow ListActions.
type ActionFilters struct {
	Type        string
	ComplaintID int64
	Limit       int
}

func (r Repo) ListActions(ctx context.Context, f ActionFilters) ([]domain.Action, error) {
	var (
		conds []string
		args  []any
	)
	if f.Type != "" {
		conds = append(conds, "type=?")
		args = append(args, f.Type)
	}
	if f.ComplaintID != 0 {
		conds = append(conds, "complaint_id=?")
		args = append(args, f.ComplaintID)
	}
	q := `SELECT ` + actionColumns + ` FROM actions`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ActionsAfter returns actions with IDs greater than the cursor in ascending
// order, for tailing consumers.
func (r Repo) ActionsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Action, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+actionColumns+` FROM actions WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ActionExistsForAnalysis reports whether the complaint has an action of the
// given type whose parameters reference the analysis, optionally narrowed to
// one outcome status. Pipeline stages use it as a redelivery guard scoped to
// the current workflow pass: a re-analysis produces a new analysis id, so
// entries from an earlier pass never mask the new one.
func (r Repo) ActionExistsForAnalysis(ctx context.Context, complaintID int64, t domain.ActionType, analysisID int64, status string) (bool, error) {
	return actionExistsForAnalysis(ctx, r.DB, complaintID, t, analysisID, status)
}

// ActionExistsForAnalysisTx is ActionExistsForAnalysis inside the caller's
// transaction.
func (r Repo) ActionExistsForAnalysisTx(ctx context.Context, tx *sql.Tx, complaintID int64, t domain.ActionType, analysisID int64, status string) (bool, error) {
	return actionExistsForAnalysis(ctx, tx, complaintID, t, analysisID, status)
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func actionExistsForAnalysis(ctx context.Context, q rowQuerier, complaintID int64, t domain.ActionType, analysisID int64, status string) (bool, error) {
	query := `SELECT count(*) FROM actions WHERE complaint_id=? AND type=? AND json_extract(params_json,'$.analysis_id')=?`
	args := []any{complaintID, string(t), analysisID}
	if status != "" {
		query += ` AND json_extract(params_json,'$.status')=?`
		args = append(args, status)
	}
	var n int
	if err := q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// CountActionsByType aggregates the ledger for one complaint.
func (r Repo) CountActionsByType(ctx context.Context, complaintID int64) (map[domain.ActionType]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT type,count(*) FROM actions WHERE complaint_id=? GROUP BY type`, complaintID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[domain.ActionType]int{}
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, err
		}
		counts[domain.ActionType(t)] = n
	}
	return counts, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
