package sqlstore

import (
	"context"
	"time"

	"Errand-Desk/internal/stats"
)

// CountStats 实现 stats.Store。
func (s *DB) CountStats(ctx context.Context, since time.Time) (stats.Counts, error) {
	var (
		c   stats.Counts
		err error
	)
	ms := toMillis(since)
	if c.TasksCompletedSince, err = s.count(ctx, `SELECT COUNT(*) FROM tasks WHERE status = 'completed' AND updated_at >= ?`, ms); err != nil {
		return c, err
	}
	if c.CallsSince, err = s.count(ctx, `SELECT COUNT(*) FROM calls WHERE created_at >= ?`, ms); err != nil {
		return c, err
	}
	if c.CallsCompletedSince, err = s.count(ctx, `SELECT COUNT(*) FROM calls WHERE created_at >= ? AND status = 'completed'`, ms); err != nil {
		return c, err
	}
	if c.PendingApprovals, err = s.count(ctx, `SELECT COUNT(*) FROM approvals WHERE status = 'pending'`); err != nil {
		return c, err
	}
	if c.EscalatedTasks, err = s.count(ctx, `SELECT COUNT(*) FROM tasks WHERE status = 'escalated'`); err != nil {
		return c, err
	}
	if c.ActiveTasks, err = s.count(ctx, `SELECT COUNT(*) FROM tasks WHERE status IN ('new', 'in_progress', 'pending_approval', 'approved')`); err != nil {
		return c, err
	}
	if c.UnreadNotifications, err = s.count(ctx, `SELECT COUNT(*) FROM notifications WHERE is_read = 0`); err != nil {
		return c, err
	}
	return c, nil
}
