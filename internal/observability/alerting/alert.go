package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	xerrors "Errand-Desk/internal/errors"
	"Errand-Desk/internal/settings"
	"Errand-Desk/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelEmail Channel = "email"
)

// Event 描述一次需要通知运营人员的事件。
type Event struct {
	Kind       string
	Title      string
	Message    string
	Severity   xerrors.Severity
	TaskID     string
	CallID     string
	Metadata   map[string]string
	OccurredAt time.Time
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 按渠道名顺序依次调用通知器，同一渠道只保留最后注册的一个。
type FanoutDispatcher struct {
	notifiers []Notifier
}

// NewFanout 创建 FanoutDispatcher，nil 通知器会被忽略。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	byChannel := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			byChannel[n.Channel()] = n
		}
	}
	d := &FanoutDispatcher{}
	for _, ch := range slices.Sorted(maps.Keys(byChannel)) {
		d.notifiers = append(d.notifiers, byChannel[ch])
	}
	return d
}

// Notify 投递到所有渠道，单个渠道失败不影响其他渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	var err error
	for _, n := range d.notifiers {
		if nerr := n.Notify(ctx, event); nerr != nil {
			err = errors.Join(err, fmt.Errorf("channel %s: %w", n.Channel(), nerr))
		}
	}
	return err
}

// severityRank 未知或空的级别按 info 处理。
func severityRank(s xerrors.Severity) int {
	switch s {
	case xerrors.SeverityCritical:
		return 2
	case xerrors.SeverityWarning:
		return 1
	default:
		return 0
	}
}

// ParseSeverity 解析配置中的级别名，无法识别时返回 info。
func ParseSeverity(raw string) xerrors.Severity {
	switch s := xerrors.Severity(strings.ToLower(strings.TrimSpace(raw))); s {
	case xerrors.SeverityWarning, xerrors.SeverityCritical:
		return s
	default:
		return xerrors.SeverityInfo
	}
}

// ErrNoRecipients 表示邮件通知被关闭或没有配置收件人。
var ErrNoRecipients = errors.New("alerting: no email recipients")

// EmailSender 定义发送邮件所需的能力。
type EmailSender interface {
	Send(ctx context.Context, subject, content string, to []string) error
}

// EmailNotifier 通过邮件通知运营人员。收件人在每次发送时从设置快照读取。
type EmailNotifier struct {
	Sender        EmailSender
	Settings      settings.Source
	SubjectPrefix string
	// MinSeverity 以下的事件直接跳过，零值表示全部发送。
	MinSeverity xerrors.Severity
}

// Channel 返回邮件渠道。
func (n *EmailNotifier) Channel() Channel { return ChannelEmail }

// Notify 发送邮件。
func (n *EmailNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil {
		logger.L().Warn("EmailNotifier 未正确配置，跳过发送", slog.String("kind", event.Kind))
		return ErrNoRecipients
	}
	if severityRank(event.Severity) < severityRank(n.MinSeverity) {
		return nil
	}
	snapshot := settings.Defaults()
	if n.Settings != nil {
		snapshot = n.Settings.Snapshot(ctx)
	}
	to := snapshot.Recipients()
	if len(to) == 0 {
		return ErrNoRecipients
	}
	return n.Sender.Send(ctx, n.Subject(event), Body(event), to)
}

// Subject 计算邮件标题。
func (n *EmailNotifier) Subject(event Event) string {
	return n.SubjectPrefix + event.Title
}

// Body 渲染邮件正文。
func Body(event Event) string {
	var b strings.Builder
	b.WriteString(event.Message)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Time: %s\n", event.OccurredAt.Format(time.RFC3339))
	if event.TaskID != "" {
		fmt.Fprintf(&b, "Task: %s\n", event.TaskID)
	}
	if event.CallID != "" {
		fmt.Fprintf(&b, "Call: %s\n", event.CallID)
	}
	if len(event.Metadata) > 0 {
		b.WriteString("Details:\n")
		for _, k := range slices.Sorted(maps.Keys(event.Metadata)) {
			fmt.Fprintf(&b, "- %s: %s\n", k, event.Metadata[k])
		}
	}
	return b.String()
}
