// Package research runs the background research pass for a task: web search,
// model analysis, findings appended to the task and, when the call policy
// allows it, a pending call approval.
package research

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"Errand-Desk/internal/agentlog"
	"Errand-Desk/internal/approval"
	"Errand-Desk/internal/contact"
	"Errand-Desk/internal/llm"
	"Errand-Desk/internal/notify"
	"Errand-Desk/internal/settings"
	"Errand-Desk/internal/task"
	"Errand-Desk/pkg/logger"
)

const (
	searchTimeout     = 45 * time.Second
	completionTimeout = 45 * time.Second
	contactLimit      = 5
)

// Tasks 是研究流程需要的任务操作。
type Tasks interface {
	Get(ctx context.Context, id string) (*task.Task, error)
	Transition(ctx context.Context, id string, to task.Status) (*task.Task, error)
	AppendResearch(ctx context.Context, id, findings string, at time.Time) error
}

// Contacts 查找与任务相关的联系人。
type Contacts interface {
	Search(ctx context.Context, name, phone string, limit int) ([]*contact.Contact, error)
}

// Approvals 创建待审批的动作。
type Approvals interface {
	Request(ctx context.Context, in approval.RequestInput) (*approval.Approval, error)
}

// Worker 执行任务研究，实现 jobs.Runner。
type Worker struct {
	tasks     Tasks
	contacts  Contacts
	approvals Approvals
	llm       llm.Client
	center    *notify.Center
	recorder  *agentlog.Recorder
	settings  settings.Source
	now       func() time.Time
	logger    *slog.Logger
}

// Dependencies 汇总 Worker 的协作者。
type Dependencies struct {
	Tasks     Tasks
	Contacts  Contacts
	Approvals Approvals
	LLM       llm.Client
	Center    *notify.Center
	Recorder  *agentlog.Recorder
	Settings  settings.Source
}

// Option 定义 Worker 的可选配置。
type Option func(*Worker)

// WithClock 替换时钟。
func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

// WithLogger 指定日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewWorker 创建研究 Worker。
func NewWorker(deps Dependencies, opts ...Option) *Worker {
	w := &Worker{
		tasks:     deps.Tasks,
		contacts:  deps.Contacts,
		approvals: deps.Approvals,
		llm:       deps.LLM,
		center:    deps.Center,
		recorder:  deps.Recorder,
		settings:  deps.Settings,
		now:       time.Now,
		logger:    logger.Named("research"),
	}
	if w.settings == nil {
		w.settings = settings.Static(settings.Defaults())
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// Run 实现 jobs.Runner。所有错误与 panic 都被记录为 task_research_failed，任务队列不会重试研究。
func (w *Worker) Run(ctx context.Context, taskID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("research panic: %v", r)
		}
		if err != nil {
			w.logger.Error("任务研究失败", slog.String("task_id", taskID), slog.Any("error", err))
			w.recorder.Failure(ctx, agentlog.ActionResearchFailed, map[string]any{"task_id": taskID, "trigger": "resume"}, err)
		}
		err = nil
	}()
	return w.research(ctx, taskID)
}

func (w *Worker) research(ctx context.Context, taskID string) error {
	w.recorder.Pending(ctx, agentlog.ActionResearchStarted, map[string]any{"task_id": taskID, "trigger": "resume"})

	t, err := w.tasks.Get(ctx, taskID)
	if err != nil {
		if stdErrors.Is(err, task.ErrTaskNotFound) {
			w.logger.Info("研究任务不存在，跳过", slog.String("task_id", taskID))
			return nil
		}
		return err
	}
	if !w.ensureInProgress(ctx, t) {
		return nil
	}

	w.center.Create(ctx, notify.Notification{
		Type:    notify.TypeTaskUpdate,
		Title:   "Working on: " + t.Title,
		Message: "Agent is now researching and processing this task...",
		TaskID:  t.ID,
	})

	snap := w.settings.Snapshot(ctx)
	contacts := w.lookupContacts(ctx, t)

	web, err := w.llm.WebSearch(ctx, SearchQuery(t, w.now().In(snap.Location()).Year()), searchTimeout)
	if err != nil {
		w.logger.Warn("联网搜索失败，继续无搜索结果的研究", slog.String("task_id", t.ID), slog.Any("error", err))
		web = ""
	}

	reply, err := w.llm.Complete(ctx, llm.CompletionRequest{
		System:      SystemPrompt(snap.AgentIdentity),
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: UserPrompt(t, contacts, web)}},
		Temperature: 0.5,
		MaxTokens:   1500,
		Timeout:     completionTimeout,
	})
	if err != nil {
		return err
	}

	findings, decision, perr := ParseDecision(reply)
	if perr != nil {
		w.logger.Warn("研究结果缺少有效的决策块，按不需要外呼处理", slog.String("task_id", t.ID), slog.Any("error", perr))
	}
	if err := w.tasks.AppendResearch(ctx, t.ID, findings, w.now().In(snap.Location())); err != nil {
		return err
	}

	target, warranted := Warranted(t, decision)
	if decision.NeedsCall && !warranted {
		w.logger.Info("模型建议外呼但未通过策略复核", slog.String("task_id", t.ID), slog.String("call_to", decision.CallTo))
	}
	if warranted {
		if err := w.requestCall(ctx, t, target); err != nil {
			return err
		}
	}

	message := decision.Summary
	if message == "" {
		message = fmt.Sprintf("Finished researching %q. Ready for review.", t.Title)
		if warranted {
			message = fmt.Sprintf("Finished researching %q. Awaiting call approval.", t.Title)
		}
	}
	w.center.Create(ctx, notify.Notification{
		Type:    notify.TypeTaskUpdate,
		Title:   "Research complete: " + t.Title,
		Message: message,
		TaskID:  t.ID,
	})
	w.recorder.Success(ctx, agentlog.ActionResearchCompleted, map[string]any{
		"task_id":         t.ID,
		"title":           t.Title,
		"needs_call":      warranted,
		"web_search_used": web != "",
		"summary":         decision.Summary,
		"trigger":         "resume",
	})
	return nil
}

// ensureInProgress 把任务推进到 in_progress。返回 false 表示任务状态不允许研究。
func (w *Worker) ensureInProgress(ctx context.Context, t *task.Task) bool {
	if t.Status == task.StatusInProgress {
		return true
	}
	if task.IsTerminal(t.Status) || !task.CanTransition(t.Status, task.StatusInProgress) {
		w.logger.Info("任务状态不允许研究，跳过", slog.String("task_id", t.ID), slog.String("status", string(t.Status)))
		return false
	}
	updated, err := w.tasks.Transition(ctx, t.ID, task.StatusInProgress)
	if err != nil {
		w.logger.Info("任务无法进入 in_progress，跳过", slog.String("task_id", t.ID), slog.Any("error", err))
		return false
	}
	t.Status = updated.Status
	return true
}

func (w *Worker) lookupContacts(ctx context.Context, t *task.Task) []*contact.Contact {
	if w.contacts == nil {
		return nil
	}
	found, err := w.contacts.Search(ctx, t.ContactName, t.ContactPhone, contactLimit)
	if err != nil {
		w.logger.Warn("联系人查询失败", slog.String("task_id", t.ID), slog.Any("error", err))
		return nil
	}
	return found
}

func (w *Worker) requestCall(ctx context.Context, t *task.Task, target CallTarget) error {
	a, err := w.approvals.Request(ctx, approval.RequestInput{
		TaskID:     t.ID,
		ActionType: approval.ActionMakeCall,
		Notes:      target.Notes(),
	})
	if err != nil {
		return err
	}
	if _, err := w.tasks.Transition(ctx, t.ID, task.StatusPendingApproval); err != nil {
		return err
	}

	who := target.Name
	if target.Phone != "" {
		who += " (" + target.Phone + ")"
	}
	w.center.Create(ctx, notify.Notification{
		Type:       notify.TypeApprovalRequired,
		Title:      "Approval needed: Call " + target.Name,
		Message:    fmt.Sprintf("Agent wants to call %s for task %q: %s", who, t.Title, target.Purpose),
		Priority:   notify.PriorityHigh,
		TaskID:     t.ID,
		ApprovalID: a.ID,
	})
	w.recorder.Success(ctx, agentlog.ActionAutoApprovalCreated, map[string]any{
		"task_id":     t.ID,
		"approval_id": a.ID,
		"call_to":     target.Name,
		"trigger":     "resume",
	})
	logger.Audit().Info("研究流程创建外呼审批",
		slog.String("task_id", t.ID),
		slog.String("approval_id", a.ID),
		slog.String("call_to", target.Name),
	)
	return nil
}
