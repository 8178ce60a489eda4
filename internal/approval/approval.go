// Package approval is the single checkpoint a human must clear before the
// agent performs a consequential action.
package approval

import (
	"context"
	"time"

	xerrors "Errand-Desk/internal/errors"
)

// Status 审批状态。离开 pending 后不可再变更。
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// ActionMakeCall 是唯一会触发执行逻辑的动作类型，其他类型仅做记录。
const ActionMakeCall = "make_call"

// Approval 描述一次待人工确认的动作提议。
type Approval struct {
	ID            string     `json:"id"`
	TaskID        string     `json:"task_id,omitempty"`
	ActionType    string     `json:"action_type"`
	Status        Status     `json:"status"`
	Notes         string     `json:"notes"`
	DecisionNotes string     `json:"decision_notes,omitempty"`
	ApprovedBy    string     `json:"approved_by,omitempty"`
	ApprovedAt    *time.Time `json:"approved_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Store 抽象审批记录的持久化。
type Store interface {
	CreateApproval(ctx context.Context, a *Approval) error
	GetApproval(ctx context.Context, id string) (*Approval, error)
	ListApprovals(ctx context.Context, status Status, limit int) ([]*Approval, error)
	// DecideApproval 仅在当前状态为 pending 时写入决定，返回是否真正发生了变更。
	DecideApproval(ctx context.Context, id string, status Status, by, notes string, at time.Time) (bool, error)
}

const (
	CodeApprovalNotFound   xerrors.Code = "APPROVAL_NOT_FOUND"
	CodeApprovalValidation xerrors.Code = "APPROVAL_VALIDATION_FAILED"
)

// ErrApprovalNotFound 表示审批不存在。
var ErrApprovalNotFound = xerrors.New(CodeApprovalNotFound, "approval not found")

func init() {
	xerrors.Register(CodeApprovalNotFound, xerrors.Attributes{Message: "approval not found", Severity: xerrors.SeverityInfo, HTTPStatus: 404})
	xerrors.Register(CodeApprovalValidation, xerrors.Attributes{Message: "approval validation failed", Severity: xerrors.SeverityInfo, HTTPStatus: 400})
}
