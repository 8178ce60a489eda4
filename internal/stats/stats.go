// Package stats computes the dashboard counters.
package stats

import (
	"context"
	"time"
)

// Dashboard 仪表盘统计。
type Dashboard struct {
	TasksCompletedToday int     `json:"tasks_completed_today"`
	CallsToday          int     `json:"calls_today"`
	PendingApprovals    int     `json:"pending_approvals"`
	EscalatedTasks      int     `json:"escalated_tasks"`
	ActiveTasks         int     `json:"active_tasks"`
	UnreadNotifications int     `json:"unread_notifications"`
	CallSuccessRate     float64 `json:"call_success_rate"`
}

// Counts 是存储层一次查询得到的原始计数。
type Counts struct {
	TasksCompletedSince int
	CallsSince          int
	CallsCompletedSince int
	PendingApprovals    int
	EscalatedTasks      int
	ActiveTasks         int
	UnreadNotifications int
}

// Store 抽象统计查询。
type Store interface {
	CountStats(ctx context.Context, since time.Time) (Counts, error)
}

// Service 计算仪表盘。
type Service struct {
	store Store
	loc   func() *time.Location
	now   func() time.Time
}

// NewService 创建统计服务。loc 返回“今天”所在的时区，可为 nil。
func NewService(store Store, loc func() *time.Location) *Service {
	if loc == nil {
		loc = func() *time.Location { return time.UTC }
	}
	return &Service{store: store, loc: loc, now: time.Now}
}

// Dashboard 返回当前统计。
func (s *Service) Dashboard(ctx context.Context) (*Dashboard, error) {
	now := s.now().In(s.loc())
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	counts, err := s.store.CountStats(ctx, start)
	if err != nil {
		return nil, err
	}
	d := &Dashboard{
		TasksCompletedToday: counts.TasksCompletedSince,
		CallsToday:          counts.CallsSince,
		PendingApprovals:    counts.PendingApprovals,
		EscalatedTasks:      counts.EscalatedTasks,
		ActiveTasks:         counts.ActiveTasks,
		UnreadNotifications: counts.UnreadNotifications,
	}
	if counts.CallsSince > 0 {
		d.CallSuccessRate = float64(counts.CallsCompletedSince) / float64(counts.CallsSince)
	}
	return d, nil
}
