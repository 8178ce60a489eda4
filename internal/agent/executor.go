package agent

import (
	"context"
	"fmt"
	"log/slog"

	"Errand-Desk/internal/agentlog"
	"Errand-Desk/internal/approval"
	"Errand-Desk/internal/memory"
	"Errand-Desk/internal/notify"
	"Errand-Desk/internal/task"
	"Errand-Desk/internal/telephony"
	"Errand-Desk/pkg/logger"
)

// Tasks 是动作执行器需要的任务操作。
type Tasks interface {
	Create(ctx context.Context, req task.CreateRequest) (*task.Task, error)
	StartResearch(ctx context.Context, id string) (*task.Task, error)
	Transition(ctx context.Context, id string, to task.Status) (*task.Task, error)
	Update(ctx context.Context, id string, patch task.Patch) (*task.Task, error)
}

// Approvals 创建审批。
type Approvals interface {
	Request(ctx context.Context, in approval.RequestInput) (*approval.Approval, error)
}

// Memories 写入记忆。
type Memories interface {
	Create(ctx context.Context, content, category, source string) (*memory.Memory, error)
}

// Result 是单个动作的执行结果，会随助手消息一起保存。
type Result struct {
	Type    string         `json:"type"`
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Executor 顺序执行模型给出的动作。单个动作失败不影响后续动作。
type Executor struct {
	tasks     Tasks
	approvals Approvals
	memories  Memories
	center    *notify.Center
	recorder  *agentlog.Recorder
	logger    *slog.Logger
}

// NewExecutor 创建动作执行器。
func NewExecutor(tasks Tasks, approvals Approvals, memories Memories, center *notify.Center, recorder *agentlog.Recorder) *Executor {
	return &Executor{
		tasks:     tasks,
		approvals: approvals,
		memories:  memories,
		center:    center,
		recorder:  recorder,
		logger:    logger.Named("agent"),
	}
}

// Execute 依次执行动作并返回与输入等长的结果列表。
func (e *Executor) Execute(ctx context.Context, actions []Action) []Result {
	results := make([]Result, 0, len(actions))
	for _, a := range actions {
		res := e.execute(ctx, a)
		if !res.Success {
			e.logger.Warn("动作执行失败", slog.String("type", res.Type), slog.String("error", res.Error))
		}
		results = append(results, res)
	}
	return results
}

func (e *Executor) execute(ctx context.Context, a Action) Result {
	switch act := a.(type) {
	case CreateTaskAction:
		return e.createTask(ctx, act)
	case RequestCallApprovalAction:
		return e.requestCallApproval(ctx, act)
	case StoreMemoryAction:
		return e.storeMemory(ctx, act)
	case UpdateTaskAction:
		return e.updateTask(ctx, act)
	case InvalidAction:
		return Result{Type: act.Declared, Error: act.Reason}
	default:
		return Result{Type: a.Type(), Error: "unknown action type"}
	}
}

func failed(kind string, err error) Result {
	return Result{Type: kind, Error: err.Error()}
}

func (e *Executor) createTask(ctx context.Context, act CreateTaskAction) Result {
	t, err := e.tasks.Create(ctx, act.Request)
	if err != nil {
		return failed(TypeCreateTask, err)
	}
	e.recorder.Success(ctx, agentlog.ActionTaskCreated, map[string]any{
		"task_id": t.ID,
		"title":   t.Title,
		"type":    string(t.Type),
		"source":  "chat",
	})
	e.center.Create(ctx, notify.Notification{
		Type:    notify.TypeTaskCreated,
		Title:   "New task: " + t.Title,
		Message: fmt.Sprintf("Agent created a %s task with %s priority.", t.Type, t.Priority),
		TaskID:  t.ID,
	})

	data := map[string]any{"task_id": t.ID, "title": t.Title, "research": "queued"}
	if _, err := e.tasks.StartResearch(ctx, t.ID); err != nil {
		e.logger.Warn("启动任务研究失败", slog.String("task_id", t.ID), slog.Any("error", err))
		data["research"] = "failed"
		e.center.Create(ctx, notify.Notification{
			Type:     notify.TypeTaskUpdate,
			Title:    "Research could not start: " + t.Title,
			Message:  err.Error(),
			Priority: notify.PriorityHigh,
			TaskID:   t.ID,
		})
	}
	return Result{Type: TypeCreateTask, Success: true, Data: data}
}

func (e *Executor) requestCallApproval(ctx context.Context, act RequestCallApprovalAction) Result {
	phone, ok := telephony.NormalizePhone(act.PhoneNumber)
	if !ok {
		return Result{Type: TypeRequestCallApproval, Error: fmt.Sprintf("phone_number %q is not a valid E.164 number", act.PhoneNumber)}
	}
	a, err := e.approvals.Request(ctx, approval.RequestInput{
		TaskID:     act.TaskID,
		ActionType: approval.ActionMakeCall,
		Notes:      fmt.Sprintf("Call %s: %s", phone, act.Purpose),
	})
	if err != nil {
		return failed(TypeRequestCallApproval, err)
	}
	if act.TaskID != "" {
		if _, err := e.tasks.Transition(ctx, act.TaskID, task.StatusPendingApproval); err != nil {
			e.logger.Info("任务无法进入 pending_approval", slog.String("task_id", act.TaskID), slog.Any("error", err))
		}
	}
	e.center.Create(ctx, notify.Notification{
		Type:       notify.TypeApprovalRequired,
		Title:      "Call approval needed",
		Message:    fmt.Sprintf("Agent wants to call %s: %s", phone, act.Purpose),
		Priority:   notify.PriorityHigh,
		TaskID:     act.TaskID,
		ApprovalID: a.ID,
	})
	e.recorder.Success(ctx, agentlog.ActionApprovalRequested, map[string]any{
		"approval_id": a.ID,
		"task_id":     act.TaskID,
		"phone":       phone,
		"purpose":     act.Purpose,
		"source":      "chat",
	})
	return Result{Type: TypeRequestCallApproval, Success: true, Data: map[string]any{"approval_id": a.ID}}
}

func (e *Executor) storeMemory(ctx context.Context, act StoreMemoryAction) Result {
	m, err := e.memories.Create(ctx, act.Content, act.Category, "chat")
	if err != nil {
		return failed(TypeStoreMemory, err)
	}
	e.recorder.Success(ctx, agentlog.ActionMemoryStored, map[string]any{"memory_id": m.ID, "category": string(m.Category)})
	return Result{Type: TypeStoreMemory, Success: true, Data: map[string]any{"memory_id": m.ID, "category": string(m.Category)}}
}

func (e *Executor) updateTask(ctx context.Context, act UpdateTaskAction) Result {
	status := act.Status
	t, err := e.tasks.Update(ctx, act.TaskID, task.Patch{Status: &status})
	if err != nil {
		return failed(TypeUpdateTask, err)
	}
	e.recorder.Success(ctx, agentlog.ActionTaskUpdated, map[string]any{
		"task_id":    t.ID,
		"new_status": string(t.Status),
		"notes":      act.Notes,
		"source":     "chat",
	})
	return Result{Type: TypeUpdateTask, Success: true, Data: map[string]any{"task_id": t.ID, "status": string(t.Status)}}
}
