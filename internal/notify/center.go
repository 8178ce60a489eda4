package notify

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"Errand-Desk/internal/agentlog"
	"Errand-Desk/internal/observability/alerting"
	"Errand-Desk/pkg/logger"
)

const emailTimeout = 30 * time.Second

// Center 写入通知记录并按需向运营人员发送邮件。所有方法都是尽力而为。
type Center struct {
	store      Store
	dispatcher alerting.Dispatcher
	recorder   *agentlog.Recorder
	now        func() time.Time
	logger     *slog.Logger
	wg         sync.WaitGroup
}

// Option 定义 Center 的可选配置。
type Option func(*Center)

// WithDispatcher 指定运营邮件的发送器。
func WithDispatcher(d alerting.Dispatcher) Option {
	return func(c *Center) { c.dispatcher = d }
}

// WithRecorder 指定审计记录器，每次邮件尝试都会记录 email_notification。
func WithRecorder(rec *agentlog.Recorder) Option {
	return func(c *Center) { c.recorder = rec }
}

// WithClock 替换时钟。
func WithClock(now func() time.Time) Option {
	return func(c *Center) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCenter 创建通知中心。
func NewCenter(store Store, opts ...Option) *Center {
	c := &Center{store: store, now: time.Now, logger: logger.Named("notify")}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Create 写入一条通知，失败只记录日志。
func (c *Center) Create(ctx context.Context, n Notification) *Notification {
	if c == nil || c.store == nil {
		return nil
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Priority == "" {
		n.Priority = PriorityNormal
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = c.now().UTC()
	}
	if err := c.store.CreateNotification(context.WithoutCancel(ctx), &n); err != nil {
		c.logger.Error("写入通知失败", slog.Any("error", err), slog.String("type", n.Type))
		return nil
	}
	return &n
}

// List 返回通知列表。
func (c *Center) List(ctx context.Context, unreadOnly bool, limit int) ([]*Notification, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return c.store.ListNotifications(ctx, unreadOnly, limit)
}

// MarkRead 把通知标记为已读。
func (c *Center) MarkRead(ctx context.Context, id string) error {
	return c.store.MarkNotificationRead(ctx, strings.TrimSpace(id))
}

// UnreadCount 返回未读数量。
func (c *Center) UnreadCount(ctx context.Context) (int, error) {
	return c.store.CountUnreadNotifications(ctx)
}

// Alert 同步发送运营邮件并记录 email_notification，错误不会返回给调用方。
func (c *Center) Alert(ctx context.Context, event alerting.Event) {
	if c == nil || c.dispatcher == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = c.now().UTC()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), emailTimeout)
	defer cancel()

	details := map[string]any{"kind": event.Kind, "title": event.Title}
	if event.TaskID != "" {
		details["task_id"] = event.TaskID
	}
	if event.CallID != "" {
		details["call_id"] = event.CallID
	}
	err := c.dispatcher.Notify(ctx, event)
	switch {
	case err == nil:
		c.recorder.Success(ctx, agentlog.ActionEmailNotification, details)
	case stdErrors.Is(err, alerting.ErrNoRecipients):
		details["skipped"] = true
		c.recorder.Success(ctx, agentlog.ActionEmailNotification, details)
	default:
		c.logger.Warn("运营邮件发送失败", slog.Any("error", err), slog.String("kind", event.Kind))
		c.recorder.Failure(ctx, agentlog.ActionEmailNotification, details, err)
	}
}

// AlertAsync 在独立的 goroutine 中发送邮件，调用方不会被阻塞。
func (c *Center) AlertAsync(ctx context.Context, event alerting.Event) {
	if c == nil || c.dispatcher == nil {
		return
	}
	detached := context.WithoutCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("运营邮件发送 panic", slog.Any("panic", r))
			}
		}()
		c.Alert(detached, event)
	}()
}

// Wait 等待所有异步邮件发送完成。
func (c *Center) Wait() {
	if c == nil {
		return
	}
	c.wg.Wait()
}
