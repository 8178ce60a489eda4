package task

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"Errand-Desk/internal/agentlog"
	xerrors "Errand-Desk/internal/errors"
	"Errand-Desk/internal/jobs"
	"Errand-Desk/pkg/logger"
)

const (
	researchHeading = "## Research Findings"
	updatedHeading  = "## Updated Research"
	sectionStamp    = "2006-01-02 15:04 MST"
)

// CreateRequest 描述创建任务所需的字段。
type CreateRequest struct {
	Title          string `json:"title"`
	Description    string `json:"description"`
	Type           string `json:"task_type"`
	Priority       string `json:"priority"`
	ContactName    string `json:"contact_name"`
	ContactPhone   string `json:"contact_phone"`
	ContactEmail   string `json:"contact_email"`
	ContactAddress string `json:"contact_address"`
	PreferredTime1 string `json:"preferred_time_1"`
	PreferredTime2 string `json:"preferred_time_2"`
	Constraints    string `json:"constraints"`
	// DefaultType 在 Type 为空时使用；HTTP 入口要求显式类型，agent 入口默认 other。
	DefaultType Type `json:"-"`
}

// Patch 描述一次人工编辑。Force 表示显式的人工状态覆盖。
type Patch struct {
	Fields Fields
	Status *Status
	Force  bool
}

// Service 负责任务的创建、查询与状态流转。
type Service struct {
	store    Store
	enqueuer jobs.Enqueuer
	recorder *agentlog.Recorder
	now      func() time.Time
	logger   *slog.Logger
}

// ServiceOption 定义可选配置。
type ServiceOption func(*Service)

// WithClock 替换时钟。
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRecorder 指定审计记录器。
func WithRecorder(rec *agentlog.Recorder) ServiceOption {
	return func(s *Service) {
		s.recorder = rec
	}
}

// NewService 构造任务服务。
func NewService(store Store, enqueuer jobs.Enqueuer, opts ...ServiceOption) *Service {
	s := &Service{
		store:    store,
		enqueuer: enqueuer,
		now:      time.Now,
		logger:   logger.Named("task"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Create 创建任务，状态总是从 new 开始。
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Task, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, xerrors.New(CodeTaskValidation, "title 不能为空")
	}
	taskType, ok := ParseType(req.Type, req.DefaultType)
	if !ok {
		if strings.TrimSpace(req.Type) == "" {
			return nil, xerrors.New(CodeTaskValidation, "task_type 不能为空")
		}
		return nil, xerrors.New(CodeTaskValidation, fmt.Sprintf("未知的 task_type %q", req.Type))
	}
	priority, ok := ParsePriority(req.Priority)
	if !ok {
		return nil, xerrors.New(CodeTaskValidation, fmt.Sprintf("未知的 priority %q", req.Priority))
	}

	now := s.now().UTC()
	t := &Task{
		ID:             uuid.NewString(),
		Title:          title,
		Description:    strings.TrimSpace(req.Description),
		Type:           taskType,
		Priority:       priority,
		ContactName:    strings.TrimSpace(req.ContactName),
		ContactPhone:   strings.TrimSpace(req.ContactPhone),
		ContactEmail:   strings.TrimSpace(req.ContactEmail),
		ContactAddress: strings.TrimSpace(req.ContactAddress),
		PreferredTime1: strings.TrimSpace(req.PreferredTime1),
		PreferredTime2: strings.TrimSpace(req.PreferredTime2),
		Constraints:    strings.TrimSpace(req.Constraints),
		Status:         StatusNew,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateTask(ctx, t); err != nil {
		return nil, err
	}
	logger.Audit().Info("任务已创建",
		slog.String("task_id", t.ID),
		slog.String("title", t.Title),
		slog.String("task_type", string(t.Type)),
	)
	return t, nil
}

// Get 返回指定任务。
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if strings.TrimSpace(id) == "" {
		return nil, xerrors.New(CodeTaskValidation, "task id 不能为空")
	}
	return s.store.GetTask(ctx, id)
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	return s.store.ListTasks(ctx, BuildListOptions(opts...))
}

// Update 应用人工编辑。未设置 Force 时状态变更同样受状态图约束。
func (s *Service) Update(ctx context.Context, id string, patch Patch) (*Task, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := validateFields(patch.Fields); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if !patch.Fields.Empty() {
		if err := s.store.UpdateTaskFields(ctx, id, patch.Fields, now); err != nil {
			return nil, err
		}
	}
	if patch.Status != nil && *patch.Status != current.Status {
		to := *patch.Status
		if !IsValidStatus(to) {
			return nil, xerrors.New(CodeTaskValidation, fmt.Sprintf("未知的状态 %q", to))
		}
		if !patch.Force && !CanTransition(current.Status, to) {
			return nil, transitionError(current.Status, to)
		}
		if err := s.store.SetTaskStatus(ctx, id, to, now); err != nil {
			return nil, err
		}
		if patch.Force {
			s.recorder.Success(ctx, agentlog.ActionTaskStatusOverride, map[string]any{
				"task_id": id,
				"from":    string(current.Status),
				"to":      string(to),
			})
		}
		logger.Audit().Info("任务状态变更",
			slog.String("task_id", id),
			slog.String("from", string(current.Status)),
			slog.String("to", string(to)),
			slog.Bool("override", patch.Force),
		)
	}
	return s.store.GetTask(ctx, id)
}

// Transition 执行一次自动流程的状态变更，状态图强制生效。
// 目标与当前状态相同时不写库。
func (s *Service) Transition(ctx context.Context, id string, to Status) (*Task, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == to {
		return current, nil
	}
	if !CanTransition(current.Status, to) {
		return current, transitionError(current.Status, to)
	}
	now := s.now().UTC()
	if err := s.store.SetTaskStatus(ctx, id, to, now); err != nil {
		return nil, err
	}
	s.logger.Debug("任务状态流转", slog.String("task_id", id), slog.String("from", string(current.Status)), slog.String("to", string(to)))
	current.Status = to
	current.UpdatedAt = now
	return current, nil
}

// ForceFail 把任务强制置为 failed。只用于外呼重试耗尽：已批准的动作确定没有发生。
func (s *Service) ForceFail(ctx context.Context, id, reason string) error {
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if IsTerminal(current.Status) || current.Status == StatusFailed {
		return nil
	}
	if err := s.store.SetTaskStatus(ctx, id, StatusFailed, s.now().UTC()); err != nil {
		return err
	}
	logger.Audit().Warn("任务被强制置为失败",
		slog.String("task_id", id),
		slog.String("from", string(current.Status)),
		slog.String("reason", reason),
	)
	return nil
}

// StartResearch 同步地把任务置为 in_progress，然后投递后台研究任务。
func (s *Service) StartResearch(ctx context.Context, id string) (*Task, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanResume(current.Status) {
		return nil, transitionError(current.Status, StatusInProgress)
	}
	now := s.now().UTC()
	if current.Status != StatusInProgress {
		if err := s.store.SetTaskStatus(ctx, id, StatusInProgress, now); err != nil {
			return nil, err
		}
		current.Status = StatusInProgress
		current.UpdatedAt = now
	}
	if s.enqueuer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "后台任务队列未配置")
	}
	if _, err := s.enqueuer.Enqueue(ctx, jobs.KindResearch, id, 0); err != nil {
		s.recorder.Failure(ctx, agentlog.ActionResearchFailed, map[string]any{"task_id": id, "stage": "enqueue"}, err)
		return nil, xerrors.Wrap(CodeTaskPublish, err, "投递研究任务失败")
	}
	return current, nil
}

// AppendResearch 把研究结果追加为带日期的新段落，已有内容保持不变。
func (s *Service) AppendResearch(ctx context.Context, id, findings string, at time.Time) error {
	findings = strings.TrimSpace(findings)
	if findings == "" {
		return nil
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return s.store.AppendTaskDescription(ctx, id, ResearchSection(current.Description, findings, at), s.now().UTC())
}

// ResearchSection 计算追加到描述末尾的文本。
func ResearchSection(existing, findings string, at time.Time) string {
	stamp := at.Format(sectionStamp)
	switch {
	case strings.Contains(existing, researchHeading):
		return fmt.Sprintf("\n\n---\n\n%s (%s)\n\n%s", updatedHeading, stamp, findings)
	case strings.TrimSpace(existing) == "":
		return fmt.Sprintf("%s (%s)\n\n%s", researchHeading, stamp, findings)
	default:
		return fmt.Sprintf("\n\n%s (%s)\n\n%s", researchHeading, stamp, findings)
	}
}

func validateFields(f Fields) error {
	if f.Title != nil && strings.TrimSpace(*f.Title) == "" {
		return xerrors.New(CodeTaskValidation, "title 不能为空")
	}
	if f.Type != nil {
		if _, ok := ParseType(string(*f.Type), ""); !ok {
			return xerrors.New(CodeTaskValidation, fmt.Sprintf("未知的 task_type %q", *f.Type))
		}
	}
	if f.Priority != nil {
		if _, ok := ParsePriority(string(*f.Priority)); !ok || *f.Priority == "" {
			return xerrors.New(CodeTaskValidation, fmt.Sprintf("未知的 priority %q", *f.Priority))
		}
	}
	return nil
}

func transitionError(from, to Status) error {
	return xerrors.New(CodeTaskInvalidTransition, fmt.Sprintf("任务状态不能从 %s 变为 %s", from, to))
}
