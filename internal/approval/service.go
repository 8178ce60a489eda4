package approval

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"Errand-Desk/internal/agentlog"
	xerrors "Errand-Desk/internal/errors"
	"Errand-Desk/internal/jobs"
	"Errand-Desk/internal/task"
	"Errand-Desk/pkg/logger"
)

// TaskTransitioner 是审批决定推进任务状态所需的能力。
type TaskTransitioner interface {
	Transition(ctx context.Context, id string, to task.Status) (*task.Task, error)
}

// RequestInput 描述一次审批申请。
type RequestInput struct {
	TaskID     string
	ActionType string
	Notes      string
}

// Decision 描述人工的批准或拒绝。
type Decision struct {
	Status Status `json:"status"`
	Notes  string `json:"notes"`
	By     string `json:"approved_by"`
}

// DecideResult 返回决定后的审批。AlreadyDecided 为 true 时本次调用没有任何副作用。
type DecideResult struct {
	Approval       *Approval `json:"approval"`
	AlreadyDecided bool      `json:"already_decided"`
}

// Service 管理审批的创建与决定。
type Service struct {
	store    Store
	tasks    TaskTransitioner
	enqueuer jobs.Enqueuer
	recorder *agentlog.Recorder
	now      func() time.Time
	logger   *slog.Logger
}

// NewService 构造审批服务。
func NewService(store Store, tasks TaskTransitioner, enqueuer jobs.Enqueuer, recorder *agentlog.Recorder) *Service {
	return &Service{
		store:    store,
		tasks:    tasks,
		enqueuer: enqueuer,
		recorder: recorder,
		now:      time.Now,
		logger:   logger.Named("approval"),
	}
}

// WithClock 替换时钟。
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// Request 创建一条 pending 审批。只有研究流程与动作执行器会调用它。
func (s *Service) Request(ctx context.Context, in RequestInput) (*Approval, error) {
	actionType := strings.TrimSpace(in.ActionType)
	if actionType == "" {
		return nil, xerrors.New(CodeApprovalValidation, "action_type 不能为空")
	}
	a := &Approval{
		ID:         uuid.NewString(),
		TaskID:     strings.TrimSpace(in.TaskID),
		ActionType: actionType,
		Status:     StatusPending,
		Notes:      strings.TrimSpace(in.Notes),
		CreatedAt:  s.now().UTC(),
	}
	if err := s.store.CreateApproval(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Get 返回指定审批。
func (s *Service) Get(ctx context.Context, id string) (*Approval, error) {
	return s.store.GetApproval(ctx, id)
}

// ListPending 返回待处理的审批。
func (s *Service) ListPending(ctx context.Context, limit int) ([]*Approval, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	return s.store.ListApprovals(ctx, StatusPending, limit)
}

// Decide 写入人工决定。重复提交（包括并发的双击）在数据库层面只有一次生效，
// 其余调用返回 AlreadyDecided 而不是错误。
func (s *Service) Decide(ctx context.Context, id string, d Decision) (*DecideResult, error) {
	if strings.TrimSpace(id) == "" {
		return nil, xerrors.New(CodeApprovalValidation, "id 不能为空")
	}
	if d.Status != StatusApproved && d.Status != StatusRejected {
		return nil, xerrors.New(CodeApprovalValidation, fmt.Sprintf("status 必须为 approved 或 rejected，收到 %q", d.Status))
	}
	by := strings.TrimSpace(d.By)
	if by == "" {
		by = "admin"
	}

	changed, err := s.store.DecideApproval(ctx, id, d.Status, by, strings.TrimSpace(d.Notes), s.now().UTC())
	if err != nil {
		return nil, err
	}
	a, err := s.store.GetApproval(ctx, id)
	if err != nil {
		return nil, err
	}
	if !changed {
		s.logger.Info("审批已被处理，忽略重复决定", slog.String("approval_id", id), slog.String("status", string(a.Status)))
		return &DecideResult{Approval: a, AlreadyDecided: true}, nil
	}

	logger.Audit().Info("审批已决定",
		slog.String("approval_id", id),
		slog.String("status", string(d.Status)),
		slog.String("action_type", a.ActionType),
		slog.String("approved_by", by),
	)
	s.recorder.Success(ctx, agentlog.ActionApprovalDecided, map[string]any{
		"approval_id": id,
		"task_id":     a.TaskID,
		"status":      string(d.Status),
		"action_type": a.ActionType,
	})

	switch d.Status {
	case StatusApproved:
		s.advanceTask(ctx, a, task.StatusApproved)
		if a.ActionType == ActionMakeCall {
			if s.enqueuer == nil {
				return nil, xerrors.New(xerrors.CodeInitializationFailure, "后台任务队列未配置")
			}
			if _, err := s.enqueuer.Enqueue(ctx, jobs.KindCallDispatch, a.ID, 0); err != nil {
				// 决定已落库，Supervisor 会把没有调度任务的已批准外呼重新入队。
				s.logger.Error("投递外呼调度失败，等待补投",
					slog.String("approval_id", a.ID),
					slog.Any("error", err),
				)
			}
		}
	case StatusRejected:
		s.advanceTask(ctx, a, task.StatusCancelled)
	}
	return &DecideResult{Approval: a}, nil
}

func (s *Service) advanceTask(ctx context.Context, a *Approval, to task.Status) {
	if a.TaskID == "" || s.tasks == nil {
		return
	}
	if _, err := s.tasks.Transition(ctx, a.TaskID, to); err != nil {
		if stdErrors.Is(err, task.ErrInvalidTransition) || stdErrors.Is(err, task.ErrTaskNotFound) {
			s.logger.Info("审批决定未推进任务状态",
				slog.String("approval_id", a.ID),
				slog.String("task_id", a.TaskID),
				slog.String("target", string(to)),
				slog.String("reason", err.Error()),
			)
			return
		}
		s.logger.Error("推进任务状态失败", slog.Any("error", err), slog.String("task_id", a.TaskID))
	}
}
