// Package dispatch turns an approved make_call approval into exactly one
// placed call, trying the conversational gateway first and the scripted
// telephony provider second, with a persisted retry schedule.
package dispatch

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"Errand-Desk/internal/agentlog"
	"Errand-Desk/internal/approval"
	"Errand-Desk/internal/call"
	xerrors "Errand-Desk/internal/errors"
	"Errand-Desk/internal/jobs"
	"Errand-Desk/internal/notify"
	"Errand-Desk/internal/observability/alerting"
	"Errand-Desk/internal/observability/metrics"
	"Errand-Desk/internal/settings"
	"Errand-Desk/internal/task"
	"Errand-Desk/internal/telephony"
	"Errand-Desk/pkg/logger"
)

const (
	gatewayTimeout = 15 * time.Second
	defaultLease   = 5 * time.Minute
)

// Approvals 读取审批。
type Approvals interface {
	Get(ctx context.Context, id string) (*approval.Approval, error)
}

// Tasks 是外呼调度需要的任务操作。ForceFail 只在重试耗尽时使用。
type Tasks interface {
	Get(ctx context.Context, id string) (*task.Task, error)
	Transition(ctx context.Context, id string, to task.Status) (*task.Task, error)
	ForceFail(ctx context.Context, id, reason string) error
}

// Dependencies 汇总 Dispatcher 的协作者。
type Dependencies struct {
	Approvals Approvals
	Tasks     Tasks
	Calls     call.Recorder
	Retries   RetryStore
	Gateway   telephony.Gateway
	Scripted  telephony.Scripted
	Enqueuer  jobs.Enqueuer
	Center    *notify.Center
	Recorder  *agentlog.Recorder
	Settings  settings.Source
	// BaseURL 是提供方状态回调使用的公网地址。
	BaseURL string
}

// Dispatcher 执行已批准的外呼，实现 jobs.Runner。
type Dispatcher struct {
	deps   Dependencies
	policy RetryPolicy
	lease  time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// Option 定义 Dispatcher 的可选配置。
type Option func(*Dispatcher)

// WithPolicy 替换重试策略。
func WithPolicy(p RetryPolicy) Option {
	return func(d *Dispatcher) { d.policy = p }
}

// WithLease 设置 dispatching 记录被视为崩溃遗留的时长。
func WithLease(lease time.Duration) Option {
	return func(d *Dispatcher) {
		if lease > 0 {
			d.lease = lease
		}
	}
}

// WithClock 替换时钟。
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// WithLogger 指定日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// New 创建 Dispatcher。
func New(deps Dependencies, opts ...Option) *Dispatcher {
	if deps.Settings == nil {
		deps.Settings = settings.Static(settings.Defaults())
	}
	deps.BaseURL = strings.TrimRight(deps.BaseURL, "/")
	d := &Dispatcher{
		deps:   deps,
		policy: DefaultRetryPolicy(),
		lease:  defaultLease,
		now:    time.Now,
		logger: logger.Named("dispatch"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// placement 是一次成功的外呼受理。
type placement struct {
	provider       call.Provider
	providerCallID string
	status         call.Status
}

// Run 实现 jobs.Runner。重复执行同一个审批最多产生一条通话记录。
func (d *Dispatcher) Run(ctx context.Context, approvalID string) error {
	a, err := d.deps.Approvals.Get(ctx, approvalID)
	if err != nil {
		if stdErrors.Is(err, approval.ErrApprovalNotFound) {
			d.logger.Info("审批不存在，跳过外呼", slog.String("approval_id", approvalID))
			return nil
		}
		return err
	}
	if a.Status != approval.StatusApproved || a.ActionType != approval.ActionMakeCall {
		d.logger.Info("审批不需要外呼，跳过",
			slog.String("approval_id", a.ID),
			slog.String("status", string(a.Status)),
			slog.String("action_type", a.ActionType),
		)
		return nil
	}

	existing, err := d.deps.Calls.GetCallByApproval(ctx, a.ID)
	switch {
	case err == nil:
		d.logger.Info("审批已有通话记录，跳过外呼", slog.String("approval_id", a.ID), slog.String("call_id", existing.ID))
		return nil
	case !stdErrors.Is(err, call.ErrCallNotFound):
		return err
	}

	now := d.now().UTC()
	rec, claimed, err := d.deps.Retries.BeginDispatch(ctx, a.ID, now, now.Add(-d.lease))
	if err != nil {
		return err
	}
	if !claimed {
		d.logger.Info("外呼尝试已被认领或尚未到期",
			slog.String("approval_id", a.ID),
			slog.String("state", string(rec.State)),
			slog.Int("retry_count", rec.RetryCount),
		)
		return nil
	}

	t := d.loadTask(ctx, a.TaskID)
	phone := destination(a, t)
	if phone == "" {
		d.fail(ctx, a, t, "no valid phone number for approved call")
		return nil
	}

	placed, attemptErr := d.place(ctx, a, t, phone)
	if attemptErr != nil {
		return d.retryOrExhaust(ctx, a, t, rec, phone, attemptErr)
	}
	d.record(ctx, a, t, phone, placed)
	return nil
}

func (d *Dispatcher) loadTask(ctx context.Context, id string) *task.Task {
	if id == "" || d.deps.Tasks == nil {
		return nil
	}
	t, err := d.deps.Tasks.Get(ctx, id)
	if err != nil {
		d.logger.Warn("读取审批关联任务失败", slog.String("task_id", id), slog.Any("error", err))
		return nil
	}
	return t
}

// destination 从审批说明中提取号码，否则使用任务联系人号码。
func destination(a *approval.Approval, t *task.Task) string {
	if phone := telephony.ExtractPhone(a.Notes); phone != "" {
		return phone
	}
	if t != nil {
		if phone, ok := telephony.NormalizePhone(t.ContactPhone); ok {
			return phone
		}
	}
	return ""
}

// place 先尝试网关，再尝试脚本式外呼。两者都失败时返回合并的错误。
func (d *Dispatcher) place(ctx context.Context, a *approval.Approval, t *task.Task, phone string) (*placement, error) {
	title := "Unknown task"
	if t != nil {
		title = t.Title
	}

	p, primaryErr := d.viaGateway(ctx, a, title, phone)
	if primaryErr == nil {
		return p, nil
	}
	d.logger.Warn("网关外呼失败，改用脚本式外呼", slog.String("approval_id", a.ID), slog.Any("error", primaryErr))

	p, fallbackErr := d.viaScripted(ctx, a, phone)
	if fallbackErr == nil {
		return p, nil
	}
	d.logger.Warn("脚本式外呼失败", slog.String("approval_id", a.ID), slog.Any("error", fallbackErr))
	return nil, fmt.Errorf("gateway: %v; twilio: %w", primaryErr, fallbackErr)
}

func (d *Dispatcher) viaGateway(ctx context.Context, a *approval.Approval, title, phone string) (*placement, error) {
	if d.deps.Gateway == nil {
		return nil, telephony.ErrNotConfigured
	}
	gctx, cancel := context.WithTimeout(ctx, gatewayTimeout)
	defer cancel()
	res, err := d.deps.Gateway.StartConversation(gctx, telephony.ConversationRequest{
		Message: fmt.Sprintf("Execute approved task: %s. Task ID: %s. Action type: %s. Call %s. Instructions: %s",
			title, a.TaskID, a.ActionType, phone, a.Notes),
		Name: "Approved: " + title,
		Metadata: map[string]string{
			"approval_id":  a.ID,
			"task_id":      a.TaskID,
			"phone_number": phone,
		},
	})
	metrics.ObserveCallPlacement(string(call.ProviderAgentGateway), err == nil)
	if err != nil {
		return nil, err
	}
	return &placement{provider: call.ProviderAgentGateway, providerCallID: res.SessionID, status: call.StatusInitiated}, nil
}

func (d *Dispatcher) viaScripted(ctx context.Context, a *approval.Approval, phone string) (*placement, error) {
	if d.deps.Scripted == nil {
		return nil, telephony.ErrNotConfigured
	}
	snap := d.deps.Settings.Snapshot(ctx)
	res, err := d.deps.Scripted.PlaceCall(ctx, telephony.PlaceCallRequest{
		To:             phone,
		Twiml:          ScriptedTwiML(snap, a.Notes),
		StatusCallback: d.deps.BaseURL + "/api/calls/status",
	})
	metrics.ObserveCallPlacement(string(call.ProviderTwilio), err == nil)
	if err != nil {
		return nil, err
	}
	return &placement{provider: call.ProviderTwilio, providerCallID: res.SID, status: call.StatusPending}, nil
}

// ScriptedTwiML 生成备用通道的单向播报脚本。
func ScriptedTwiML(snap settings.Snapshot, notes string) string {
	purpose := notes
	if i := strings.Index(notes, ": "); i >= 0 {
		purpose = notes[i+2:]
	}
	intro := "Hello, this is " + snap.AgentIdentity
	if snap.BusinessName != "" {
		intro += " calling on behalf of " + snap.BusinessName
	}
	var t telephony.TwiML
	return t.Say(intro+". I am calling regarding the following: "+strings.TrimSpace(purpose)+".").
		Pause(1).
		Say("Please call us back at your convenience. Thank you, goodbye.").
		Hangup().
		Inline()
}

// record 写入通话并推进任务。写入失败时外呼已在进行，标记为 placed 且不再重试。
func (d *Dispatcher) record(ctx context.Context, a *approval.Approval, t *task.Task, phone string, p *placement) {
	now := d.now().UTC()
	c := &call.Call{
		ID:             uuid.NewString(),
		ProviderCallID: p.providerCallID,
		ApprovalID:     a.ID,
		TaskID:         a.TaskID,
		Direction:      call.DirectionOutbound,
		Provider:       p.provider,
		PhoneNumber:    phone,
		Status:         p.status,
		Summary:        a.Notes,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if t != nil {
		c.CallerName = t.ContactName
	}
	details := map[string]any{
		"approval_id":      a.ID,
		"task_id":          a.TaskID,
		"phone_number":     phone,
		"provider":         string(p.provider),
		"provider_call_id": p.providerCallID,
	}
	if err := d.deps.Calls.CreateCall(ctx, c); err != nil {
		d.logger.Error("外呼已受理但写入通话记录失败", slog.String("approval_id", a.ID), slog.Any("error", err))
		d.deps.Recorder.Failure(ctx, agentlog.ActionCallInitiation, details, err)
		d.finish(ctx, a.ID, RetryPlaced, err.Error())
		return
	}

	if t != nil {
		if _, err := d.deps.Tasks.Transition(ctx, t.ID, task.StatusInProgress); err != nil {
			d.logger.Info("外呼后未推进任务状态", slog.String("task_id", t.ID), slog.Any("error", err))
		}
	}
	details["call_id"] = c.ID
	d.deps.Recorder.Success(ctx, agentlog.ActionCallInitiation, details)
	d.deps.Center.Create(ctx, notify.Notification{
		Type:       notify.TypeCallStarted,
		Title:      "Call started: " + phone,
		Message:    fmt.Sprintf("Calling %s via %s. %s", phone, p.provider, a.Notes),
		TaskID:     a.TaskID,
		CallID:     c.ID,
		ApprovalID: a.ID,
	})
	d.finish(ctx, a.ID, RetrySucceeded, "")
	logger.Audit().Info("外呼已发起",
		slog.String("approval_id", a.ID),
		slog.String("call_id", c.ID),
		slog.String("provider", string(p.provider)),
		slog.String("phone_number", phone),
	)
}

// fail 处理无法外呼的审批，不会重试。
func (d *Dispatcher) fail(ctx context.Context, a *approval.Approval, t *task.Task, reason string) {
	cause := xerrors.New(xerrors.CodeInvalidArgument, reason)
	d.deps.Recorder.Failure(ctx, agentlog.ActionCallInitiation, map[string]any{
		"approval_id": a.ID,
		"task_id":     a.TaskID,
		"notes":       a.Notes,
	}, cause)
	title := "Call could not be placed"
	if t != nil {
		title += ": " + t.Title
	}
	d.deps.Center.Create(ctx, notify.Notification{
		Type:       notify.TypeCallFailed,
		Title:      title,
		Message:    "No valid phone number found for the approved call. " + a.Notes,
		Priority:   notify.PriorityHigh,
		TaskID:     a.TaskID,
		ApprovalID: a.ID,
	})
	d.finish(ctx, a.ID, RetryFailed, reason)
}

func (d *Dispatcher) retryOrExhaust(ctx context.Context, a *approval.Approval, t *task.Task, rec *RetryRecord, phone string, cause error) error {
	now := d.now().UTC()
	delay, ok := d.policy.Next(rec.RetryCount)
	if ok {
		next := rec.RetryCount + 1
		if err := d.deps.Retries.ScheduleRetry(ctx, a.ID, next, now.Add(delay), cause.Error(), now); err != nil {
			return err
		}
		d.deps.Recorder.Failure(ctx, agentlog.ActionCallRetryScheduled, map[string]any{
			"approval_id":  a.ID,
			"task_id":      a.TaskID,
			"phone_number": phone,
			"retry_count":  next,
			"delay":        delay.String(),
		}, cause)
		d.deps.Center.Create(ctx, notify.Notification{
			Type:       notify.TypeCallRetry,
			Title:      fmt.Sprintf("Call retry %d/%d scheduled", next, d.policy.MaxRetries()),
			Message:    fmt.Sprintf("Call to %s failed. Retrying in %s.", phone, formatDelay(delay)),
			TaskID:     a.TaskID,
			ApprovalID: a.ID,
		})
		metrics.ObserveCallRetry("scheduled")
		logger.Audit().Warn("外呼失败，已安排重试",
			slog.String("approval_id", a.ID),
			slog.Int("retry_count", next),
			slog.Duration("delay", delay),
		)
		if d.deps.Enqueuer == nil {
			return xerrors.New(xerrors.CodeInitializationFailure, "后台任务队列未配置")
		}
		if _, err := d.deps.Enqueuer.Enqueue(ctx, jobs.KindCallDispatch, a.ID, delay); err != nil {
			d.logger.Error("投递外呼重试失败", slog.String("approval_id", a.ID), slog.Any("error", err))
			return err
		}
		return nil
	}

	d.finish(ctx, a.ID, RetryExhausted, cause.Error())
	exhausted := xerrors.Wrap(xerrors.CodeRetriesExhausted, cause, fmt.Sprintf("call retries exhausted after %d attempts", rec.RetryCount+1))
	d.deps.Recorder.Failure(ctx, agentlog.ActionCallRetriesExhausted, map[string]any{
		"approval_id":  a.ID,
		"task_id":      a.TaskID,
		"phone_number": phone,
		"retry_count":  rec.RetryCount,
	}, exhausted)
	title := "Call failed after all retries"
	if t != nil {
		title += ": " + t.Title
	}
	message := fmt.Sprintf("Call to %s failed after %d retries. Last error: %s", phone, rec.RetryCount, cause.Error())
	d.deps.Center.Create(ctx, notify.Notification{
		Type:       notify.TypeCallFailed,
		Title:      title,
		Message:    message,
		Priority:   notify.PriorityUrgent,
		TaskID:     a.TaskID,
		ApprovalID: a.ID,
	})
	d.deps.Center.AlertAsync(ctx, alerting.Event{
		Kind:     notify.TypeCallFailed,
		Title:    title,
		Message:  message,
		Severity: xerrors.SeverityOf(exhausted),
		TaskID:   a.TaskID,
		Metadata: map[string]string{"approval_id": a.ID, "phone_number": phone},
	})
	metrics.ObserveCallRetry("exhausted")
	logger.Audit().Error("外呼重试已耗尽",
		slog.String("approval_id", a.ID),
		slog.Int("retry_count", rec.RetryCount),
		slog.Any("error", exhausted),
	)
	if t != nil {
		if err := d.deps.Tasks.ForceFail(ctx, t.ID, "call retries exhausted"); err != nil {
			d.logger.Error("任务置为失败时出错", slog.String("task_id", t.ID), slog.Any("error", err))
		}
	}
	return nil
}

func (d *Dispatcher) finish(ctx context.Context, approvalID string, state RetryState, lastError string) {
	if err := d.deps.Retries.FinishDispatch(ctx, approvalID, state, lastError, d.now().UTC()); err != nil {
		d.logger.Error("更新外呼重试记录失败", slog.String("approval_id", approvalID), slog.String("state", string(state)), slog.Any("error", err))
	}
}

func formatDelay(d time.Duration) string {
	if d%time.Minute == 0 {
		return fmt.Sprintf("%d minutes", int(d/time.Minute))
	}
	return d.String()
}
