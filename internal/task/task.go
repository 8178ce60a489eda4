package task

import (
	"strings"
	"time"

	xerrors "Errand-Desk/internal/errors"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusNew             Status = "new"
	StatusInProgress      Status = "in_progress"
	StatusPendingApproval Status = "pending_approval"
	StatusApproved        Status = "approved"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
	StatusEscalated       Status = "escalated"
	StatusClosed          Status = "closed"
)

// Type 表示任务类型。
type Type string

const (
	TypeCall         Type = "call"
	TypeBooking      Type = "booking"
	TypeFollowUp     Type = "follow_up"
	TypeCancellation Type = "cancellation"
	TypeInquiry      Type = "inquiry"
	TypeOther        Type = "other"
)

// Priority 表示任务优先级。
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Task 描述了一项委托给 agent 的差事。
type Task struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	Type           Type      `json:"task_type"`
	Priority       Priority  `json:"priority"`
	ContactName    string    `json:"contact_name,omitempty"`
	ContactPhone   string    `json:"contact_phone,omitempty"`
	ContactEmail   string    `json:"contact_email,omitempty"`
	ContactAddress string    `json:"contact_address,omitempty"`
	PreferredTime1 string    `json:"preferred_time_1,omitempty"`
	PreferredTime2 string    `json:"preferred_time_2,omitempty"`
	Constraints    string    `json:"constraints,omitempty"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Clone 返回任务的副本。
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

const (
	CodeTaskNotFound          xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskValidation        xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskInvalidTransition xerrors.Code = "TASK_INVALID_TRANSITION"
	CodeTaskPublish           xerrors.Code = "TASK_PUBLISH_FAILED"
)

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrInvalidTransition 表示目标状态从当前状态不可达。
	ErrInvalidTransition = xerrors.New(CodeTaskInvalidTransition, "task status transition not allowed")
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:    "task not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 404,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:    "task validation failed",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 400,
	})
	xerrors.Register(CodeTaskInvalidTransition, xerrors.Attributes{
		Message:    "task status transition not allowed",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: 409,
	})
	xerrors.Register(CodeTaskPublish, xerrors.Attributes{
		Message:   "failed to enqueue task research",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusNew, StatusInProgress, StatusPendingApproval, StatusApproved, StatusCompleted,
		StatusFailed, StatusCancelled, StatusEscalated, StatusClosed:
		return true
	default:
		return false
	}
}

// ParseType 解析任务类型，空字符串返回 fallback。
func ParseType(raw string, fallback Type) (Type, bool) {
	switch t := Type(strings.ToLower(strings.TrimSpace(raw))); t {
	case "":
		return fallback, fallback != ""
	case TypeCall, TypeBooking, TypeFollowUp, TypeCancellation, TypeInquiry, TypeOther:
		return t, true
	default:
		return "", false
	}
}

// ParsePriority 解析优先级，空字符串默认为 medium。
func ParsePriority(raw string) (Priority, bool) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(raw))); p {
	case "":
		return PriorityMedium, true
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return p, true
	default:
		return "", false
	}
}
