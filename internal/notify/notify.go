// Package notify stores operator-facing notifications and forwards the
// important ones to the operator by e-mail.
package notify

import (
	"context"
	"time"
)

// Priority 通知优先级。
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// 常用通知类型。
const (
	TypeTaskCreated      = "task_created"
	TypeTaskUpdate       = "task_update"
	TypeApprovalRequired = "approval_required"
	TypeCallStarted      = "call_started"
	TypeCallCompleted    = "call_completed"
	TypeCallIncoming     = "call_incoming"
	TypeCallFailed       = "call_failed"
	TypeCallRetry        = "call_retry"
	TypeError            = "error"
)

// Notification 是一条展示给运营人员的通知。
type Notification struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Title      string    `json:"title"`
	Message    string    `json:"message"`
	Priority   Priority  `json:"priority"`
	TaskID     string    `json:"task_id,omitempty"`
	CallID     string    `json:"call_id,omitempty"`
	ApprovalID string    `json:"approval_id,omitempty"`
	Read       bool      `json:"read"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store 抽象通知的持久化。
type Store interface {
	CreateNotification(ctx context.Context, n *Notification) error
	ListNotifications(ctx context.Context, unreadOnly bool, limit int) ([]*Notification, error)
	MarkNotificationRead(ctx context.Context, id string) error
	CountUnreadNotifications(ctx context.Context) (int, error)
}
