package sqlstore

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"time"

	"Errand-Desk/internal/approval"
)

const approvalColumns = `id, task_id, action_type, status, notes, decision_notes, approved_by, approved_at, created_at`

// CreateApproval 实现 approval.Store。
func (s *DB) CreateApproval(ctx context.Context, a *approval.Approval) error {
	_, err := s.exec(ctx, `INSERT INTO approvals (`+approvalColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TaskID, a.ActionType, string(a.Status), a.Notes, a.DecisionNotes, a.ApprovedBy,
		nullMillis(a.ApprovedAt), toMillis(a.CreatedAt),
	)
	if err != nil {
		return storageError(err, "写入审批失败")
	}
	return nil
}

// GetApproval 实现 approval.Store。
func (s *DB) GetApproval(ctx context.Context, id string) (*approval.Approval, error) {
	a, err := scanApproval(s.queryRow(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id = ?`, id))
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, approval.ErrApprovalNotFound
	}
	if err != nil {
		return nil, storageError(err, "查询审批失败")
	}
	return a, nil
}

// ListApprovals 实现 approval.Store，status 为空时返回全部。
func (s *DB) ListApprovals(ctx context.Context, status approval.Status, limit int) ([]*approval.Approval, error) {
	query := `SELECT ` + approvalColumns + ` FROM approvals`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id ASC LIMIT ?`
	args = append(args, limit)
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, storageError(err, "查询审批列表失败")
	}
	defer rows.Close()
	var out []*approval.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, storageError(err, "解析审批失败")
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "遍历审批失败")
	}
	return out, nil
}

// DecideApproval 实现 approval.Store。并发的重复决定只有一次能命中 status = 'pending'。
func (s *DB) DecideApproval(ctx context.Context, id string, status approval.Status, by, notes string, at time.Time) (bool, error) {
	res, err := s.exec(ctx, `UPDATE approvals SET status = ?, approved_by = ?, decision_notes = ?, approved_at = ?
        WHERE id = ? AND status = ?`,
		string(status), by, notes, toMillis(at), id, string(approval.StatusPending))
	if err != nil {
		return false, storageError(err, "写入审批决定失败")
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return true, nil
	}
	ok, err := s.exists(ctx, "approvals", "id", id)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, approval.ErrApprovalNotFound
	}
	return false, nil
}

func scanApproval(row rowScanner) (*approval.Approval, error) {
	var (
		a          approval.Approval
		status     string
		approvedAt sql.NullInt64
		created    int64
	)
	if err := row.Scan(&a.ID, &a.TaskID, &a.ActionType, &status, &a.Notes, &a.DecisionNotes, &a.ApprovedBy, &approvedAt, &created); err != nil {
		return nil, err
	}
	a.Status = approval.Status(status)
	a.ApprovedAt = timePtr(approvedAt)
	a.CreatedAt = fromMillis(created)
	return &a, nil
}
