package sqlstore

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"time"

	"Errand-Desk/internal/approval"
	"Errand-Desk/internal/dispatch"
	"Errand-Desk/internal/jobs"
)

// BeginDispatch 实现 dispatch.RetryStore。
func (s *DB) BeginDispatch(ctx context.Context, approvalID string, now, staleBefore time.Time) (*dispatch.RetryRecord, bool, error) {
	_, err := s.exec(ctx, `INSERT INTO call_retries (approval_id, retry_count, state, next_attempt_at, last_error, updated_at)
        VALUES (?, 0, ?, ?, '', ?)`,
		approvalID, string(dispatch.RetryDispatching), toMillis(now), toMillis(now))
	switch {
	case err == nil:
		rec, err := s.GetRetry(ctx, approvalID)
		return rec, err == nil, err
	case !isDuplicate(err):
		return nil, false, storageError(err, "创建外呼重试记录失败")
	}

	res, err := s.exec(ctx, `UPDATE call_retries SET state = ?, updated_at = ?
        WHERE approval_id = ? AND ((state = ? AND next_attempt_at <= ?) OR (state = ? AND updated_at < ?))`,
		string(dispatch.RetryDispatching), toMillis(now), approvalID,
		string(dispatch.RetryScheduled), toMillis(now), string(dispatch.RetryDispatching), toMillis(staleBefore))
	if err != nil {
		return nil, false, storageError(err, "认领外呼重试记录失败")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, storageError(err, "读取更新结果失败")
	}
	rec, err := s.GetRetry(ctx, approvalID)
	if err != nil {
		return nil, false, err
	}
	return rec, n == 1, nil
}

// ScheduleRetry 实现 dispatch.RetryStore。
func (s *DB) ScheduleRetry(ctx context.Context, approvalID string, retryCount int, next time.Time, lastError string, at time.Time) error {
	if _, err := s.exec(ctx, `UPDATE call_retries SET retry_count = ?, state = ?, next_attempt_at = ?, last_error = ?, updated_at = ?
        WHERE approval_id = ?`,
		retryCount, string(dispatch.RetryScheduled), toMillis(next), lastError, toMillis(at), approvalID); err != nil {
		return storageError(err, "安排外呼重试失败")
	}
	return nil
}

// FinishDispatch 实现 dispatch.RetryStore。
func (s *DB) FinishDispatch(ctx context.Context, approvalID string, state dispatch.RetryState, lastError string, at time.Time) error {
	if _, err := s.exec(ctx, `UPDATE call_retries SET state = ?, last_error = ?, updated_at = ? WHERE approval_id = ?`,
		string(state), lastError, toMillis(at), approvalID); err != nil {
		return storageError(err, "更新外呼重试记录失败")
	}
	return nil
}

// GetRetry 实现 dispatch.RetryStore。
func (s *DB) GetRetry(ctx context.Context, approvalID string) (*dispatch.RetryRecord, error) {
	var (
		rec           dispatch.RetryRecord
		state         string
		next, updated int64
	)
	err := s.queryRow(ctx, `SELECT approval_id, retry_count, state, next_attempt_at, last_error, updated_at
        FROM call_retries WHERE approval_id = ?`, approvalID).
		Scan(&rec.ApprovalID, &rec.RetryCount, &state, &next, &rec.LastError, &updated)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, dispatch.ErrRetryNotFound
	}
	if err != nil {
		return nil, storageError(err, "查询外呼重试记录失败")
	}
	rec.State = dispatch.RetryState(state)
	rec.NextAttemptAt = fromMillis(next)
	rec.UpdatedAt = fromMillis(updated)
	return &rec, nil
}

// FindOrphans 实现 jobs.OrphanFinder，返回需要外呼调度却没有活动后台任务的审批：
// 已到期的 scheduled 重试、认领后失联的 dispatching 记录，以及批准后从未开始调度的 make_call 审批。
func (s *DB) FindOrphans(ctx context.Context, now, staleBefore time.Time, limit int) ([]jobs.Orphan, error) {
	const noActiveJob = `NOT EXISTS (SELECT 1 FROM background_jobs j
            WHERE j.kind = ? AND j.subject_id = %s AND j.status IN (?, ?))`
	kind, pending, running := string(jobs.KindCallDispatch), string(jobs.StatusPending), string(jobs.StatusRunning)

	retries, err := s.orphanIDs(ctx, `SELECT r.approval_id FROM call_retries r
        WHERE ((r.state = ? AND r.next_attempt_at <= ?) OR (r.state = ? AND r.updated_at < ?))
          AND `+fmt.Sprintf(noActiveJob, "r.approval_id")+`
        ORDER BY r.next_attempt_at ASC, r.approval_id ASC LIMIT ?`,
		string(dispatch.RetryScheduled), toMillis(now), string(dispatch.RetryDispatching), toMillis(staleBefore),
		kind, pending, running, limit)
	if err != nil {
		return nil, err
	}
	approved, err := s.orphanIDs(ctx, `SELECT a.id FROM approvals a
        WHERE a.status = ? AND a.action_type = ? AND COALESCE(a.approved_at, a.created_at) < ?
          AND NOT EXISTS (SELECT 1 FROM call_retries r WHERE r.approval_id = a.id)
          AND NOT EXISTS (SELECT 1 FROM calls c WHERE c.approval_id = a.id)
          AND `+fmt.Sprintf(noActiveJob, "a.id")+`
        ORDER BY a.created_at ASC, a.id ASC LIMIT ?`,
		string(approval.StatusApproved), approval.ActionMakeCall, toMillis(staleBefore),
		kind, pending, running, limit)
	if err != nil {
		return nil, err
	}

	out := make([]jobs.Orphan, 0, len(retries)+len(approved))
	for _, id := range append(retries, approved...) {
		out = append(out, jobs.Orphan{Kind: jobs.KindCallDispatch, SubjectID: id})
	}
	if len(out) > limit && limit > 0 {
		out = out[:limit]
	}
	return out, nil
}

func (s *DB) orphanIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, storageError(err, "查询孤立外呼记录失败")
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storageError(err, "解析孤立外呼记录失败")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "遍历孤立外呼记录失败")
	}
	return ids, nil
}
