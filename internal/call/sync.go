package call

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "Errand-Desk/internal/errors"
	"Errand-Desk/internal/notify"
	"Errand-Desk/internal/observability/alerting"
	"Errand-Desk/internal/observability/metrics"
	"Errand-Desk/pkg/logger"
)

// 通话事件类型。
const (
	EventStatusUpdate          = "status_update"
	EventTranscriptionReceived = "transcription_received"
	EventInboundReceived       = "inbound_received"
)

// StatusEvent 是一次通话状态回调。
type StatusEvent struct {
	ProviderCallID    string
	CallStatus        string
	CallDuration      string
	RecordingURL      string
	RecordingSID      string
	RecordingDuration string
}

// TranscriptionEvent 是一次转写回调。
type TranscriptionEvent struct {
	ProviderCallID    string
	TranscriptionText string
	RecordingSID      string
}

// SyncResult 描述回调的处理结果。
type SyncResult struct {
	Known     bool   `json:"known"`
	Status    Status `json:"status,omitempty"`
	Changed   bool   `json:"changed"`
	Completed bool   `json:"-"`
}

// StatusSync 把通话提供方的回调写入通话记录，是通话创建后唯一的状态写入方。
type StatusSync struct {
	store  Store
	center *notify.Center
	now    func() time.Time
	logger *slog.Logger
}

// SyncOption 定义 StatusSync 的可选配置。
type SyncOption func(*StatusSync)

// WithSyncClock 替换时钟。
func WithSyncClock(now func() time.Time) SyncOption {
	return func(s *StatusSync) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSyncLogger 指定日志记录器。
func WithSyncLogger(l *slog.Logger) SyncOption {
	return func(s *StatusSync) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewStatusSync 创建 StatusSync。
func NewStatusSync(store Store, center *notify.Center, opts ...SyncOption) *StatusSync {
	s := &StatusSync{store: store, center: center, now: time.Now, logger: logger.Named("call-sync")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// HandleStatus 处理一次状态回调。重复或乱序的回调不会产生额外副作用。
func (s *StatusSync) HandleStatus(ctx context.Context, ev StatusEvent) (*SyncResult, error) {
	sid := strings.TrimSpace(ev.ProviderCallID)
	if sid == "" {
		return nil, xerrors.New(CodeCallValidation, "缺少 CallSid")
	}
	mapped, known := MapProviderStatus(ev.CallStatus)
	metricStatus := string(mapped)
	if !known {
		metricStatus = "unknown"
	}
	metrics.ObserveWebhook("status", metricStatus)

	c, err := s.store.GetCallByProviderID(ctx, sid)
	if err != nil {
		if stdErrors.Is(err, ErrCallNotFound) {
			s.logger.Info("收到未知通话的状态回调", slog.String("provider_call_id", sid), slog.String("status", ev.CallStatus))
			return &SyncResult{Known: false}, nil
		}
		return nil, err
	}

	now := s.now().UTC()
	progress := Progress{RecordingURL: NormalizeRecordingURL(ev.RecordingURL)}
	if d, err := strconv.Atoi(strings.TrimSpace(ev.CallDuration)); err == nil && d >= 0 {
		progress.DurationSeconds = &d
	}
	if mapped == StatusInProgress {
		progress.StartedAt = &now
	}
	if progress.DurationSeconds != nil || progress.RecordingURL != "" || progress.StartedAt != nil {
		if err := s.store.ApplyCallProgress(ctx, c.ID, progress, now); err != nil {
			return nil, err
		}
	}

	result := &SyncResult{Known: true, Status: c.Status}
	if known {
		changed, err := s.store.AdvanceCallStatus(ctx, c.ID, mapped, now)
		if err != nil {
			return nil, err
		}
		if changed {
			result.Changed = true
			result.Status = mapped
			result.Completed = mapped == StatusCompleted
		}
	}

	s.appendEvent(ctx, c.ID, EventStatusUpdate, map[string]any{
		"callStatus":        ev.CallStatus,
		"callDuration":      ev.CallDuration,
		"recordingUrl":      ev.RecordingURL,
		"recordingSid":      ev.RecordingSID,
		"recordingDuration": ev.RecordingDuration,
	}, now)

	if result.Completed {
		fresh, err := s.store.GetCall(ctx, c.ID)
		if err != nil {
			fresh = c
		}
		s.announceCompletion(ctx, fresh, progress.RecordingURL != "" || fresh.RecordingURL != "")
	}
	return result, nil
}

// HandleTranscription 保存通话转写文本。
func (s *StatusSync) HandleTranscription(ctx context.Context, ev TranscriptionEvent) (*SyncResult, error) {
	sid := strings.TrimSpace(ev.ProviderCallID)
	text := strings.TrimSpace(ev.TranscriptionText)
	metrics.ObserveWebhook("transcription", "received")
	if sid == "" || text == "" {
		return &SyncResult{Known: false}, nil
	}
	c, err := s.store.GetCallByProviderID(ctx, sid)
	if err != nil {
		if stdErrors.Is(err, ErrCallNotFound) {
			return &SyncResult{Known: false}, nil
		}
		return nil, err
	}
	now := s.now().UTC()
	if err := s.store.SetCallTranscript(ctx, c.ID, text, now); err != nil {
		return nil, err
	}
	s.appendEvent(ctx, c.ID, EventTranscriptionReceived, map[string]any{
		"transcriptionText": text,
		"recordingSid":      ev.RecordingSID,
	}, now)
	return &SyncResult{Known: true, Status: c.Status}, nil
}

func (s *StatusSync) appendEvent(ctx context.Context, callID, kind string, payload map[string]any, at time.Time) {
	err := s.store.AppendCallEvent(ctx, &Event{
		ID:        uuid.NewString(),
		CallID:    callID,
		EventType: kind,
		Payload:   payload,
		CreatedAt: at,
	})
	if err != nil {
		s.logger.Warn("写入通话事件失败", slog.Any("error", err), slog.String("call_id", callID), slog.String("event_type", kind))
	}
}

func (s *StatusSync) announceCompletion(ctx context.Context, c *Call, recording bool) {
	direction, preposition := "Outbound", "to"
	if c.Direction == DirectionInbound {
		direction, preposition = "Inbound", "from"
	}
	who := c.Counterpart()
	duration := FormatDuration(c.DurationSeconds)
	message := fmt.Sprintf("Call %s %s completed (%s).", preposition, who, duration)
	if recording {
		message += " Recording available."
	}
	s.center.Create(ctx, notify.Notification{
		Type:    notify.TypeCallCompleted,
		Title:   direction + " call completed",
		Message: message,
		TaskID:  c.TaskID,
		CallID:  c.ID,
	})

	body := fmt.Sprintf("%s call %s %s has completed.\n\nDuration: %s", direction, preposition, who, duration)
	if recording {
		body += "\nRecording is available in the dashboard."
	}
	s.center.AlertAsync(ctx, alerting.Event{
		Kind:     notify.TypeCallCompleted,
		Title:    "Call Completed: " + who,
		Message:  body,
		Severity: xerrors.SeverityInfo,
		TaskID:   c.TaskID,
		CallID:   c.ID,
	})
	logger.Audit().Info("通话已完成",
		slog.String("call_id", c.ID),
		slog.String("direction", string(c.Direction)),
		slog.Int("duration_seconds", c.DurationSeconds),
	)
}

// FormatDuration 把秒数格式化为 "Xm Ys"，零值返回 unknown duration。
func FormatDuration(seconds int) string {
	if seconds <= 0 {
		return "unknown duration"
	}
	return fmt.Sprintf("%dm %ds", seconds/60, seconds%60)
}
