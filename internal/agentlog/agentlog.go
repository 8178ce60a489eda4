// Package agentlog records the append-only audit trail of everything the agent
// does. Entries are never updated or deleted.
package agentlog

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"Errand-Desk/pkg/logger"
)

// Status 表示一次动作的结果。
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusPending Status = "pending"
)

// 常用动作名。
const (
	ActionTaskCreated          = "task_created"
	ActionTaskUpdated          = "task_updated"
	ActionTaskStatusOverride   = "task_status_override"
	ActionResearchStarted      = "task_research_started"
	ActionResearchCompleted    = "task_research_completed"
	ActionResearchFailed       = "task_research_failed"
	ActionAutoApprovalCreated  = "auto_approval_created"
	ActionApprovalRequested    = "approval_requested"
	ActionApprovalDecided      = "approval_decided"
	ActionMemoryStored         = "memory_stored"
	ActionCallInitiation       = "call_initiation"
	ActionCallRetryScheduled   = "call_retry_scheduled"
	ActionCallRetriesExhausted = "call_retries_exhausted"
	ActionInboundCallHandled   = "inbound_call_handled"
	ActionEmailNotification    = "email_notification"
	ActionConversationTurn     = "conversation_turn"
)

// Entry 是一条不可变的审计记录。
type Entry struct {
	ID           string         `json:"id"`
	Action       string         `json:"action"`
	Details      map[string]any `json:"details,omitempty"`
	Status       Status         `json:"status"`
	ErrorMessage string         `json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Filter 控制审计记录的查询。
type Filter struct {
	Action string
	Status Status
	Limit  int
}

// Store 抽象审计记录的持久化，只允许追加。
type Store interface {
	AppendLog(ctx context.Context, entry *Entry) error
	ListLogs(ctx context.Context, filter Filter) ([]*Entry, error)
}

// Recorder 是面向业务组件的便捷写入器，写入失败只记录日志不向上传播。
type Recorder struct {
	store Store
	now   func() time.Time
}

// NewRecorder 创建 Recorder。store 为 nil 时只写结构化日志。
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store, now: time.Now}
}

// WithClock 替换时钟，便于测试。
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	if now != nil {
		r.now = now
	}
	return r
}

// Success 记录成功动作。
func (r *Recorder) Success(ctx context.Context, action string, details map[string]any) {
	r.record(ctx, action, StatusSuccess, details, nil)
}

// Pending 记录已开始但尚未完成的动作。
func (r *Recorder) Pending(ctx context.Context, action string, details map[string]any) {
	r.record(ctx, action, StatusPending, details, nil)
}

// Failure 记录失败动作及错误信息。
func (r *Recorder) Failure(ctx context.Context, action string, details map[string]any, cause error) {
	r.record(ctx, action, StatusFailure, details, cause)
}

func (r *Recorder) record(ctx context.Context, action string, status Status, details map[string]any, cause error) {
	if r == nil {
		return
	}
	entry := &Entry{
		ID:        uuid.NewString(),
		Action:    action,
		Details:   details,
		Status:    status,
		CreatedAt: r.now().UTC(),
	}
	if cause != nil {
		entry.ErrorMessage = cause.Error()
	}
	if r.store == nil {
		logger.Named("agentlog").Info("agent 动作", slog.String("action", action), slog.String("status", string(status)))
		return
	}
	// 审计写入不应受调用方取消影响。
	if err := r.store.AppendLog(context.WithoutCancel(ctx), entry); err != nil {
		logger.Named("agentlog").Error("写入审计记录失败",
			slog.Any("error", err),
			slog.String("action", action),
			slog.String("status", string(status)),
		)
	}
}
