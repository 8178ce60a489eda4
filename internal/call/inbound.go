package call

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"Errand-Desk/internal/agentlog"
	"Errand-Desk/internal/notify"
	"Errand-Desk/internal/observability/metrics"
	"Errand-Desk/internal/settings"
	"Errand-Desk/internal/telephony"
	"Errand-Desk/pkg/logger"
)

const unknownCaller = "Unknown Caller"

// InboundEvent 是来电 webhook 的表单字段。
type InboundEvent struct {
	ProviderCallID string
	From           string
	To             string
	CallStatus     string
}

// CallerDirectory 按号码查找来电者名称。
type CallerDirectory interface {
	NameForPhone(ctx context.Context, phone, fallback string) string
}

// Inbound 处理来电：登记通话、通知运营人员并返回 TwiML 应答。
type Inbound struct {
	store     Store
	directory CallerDirectory
	center    *notify.Center
	recorder  *agentlog.Recorder
	baseURL   string
	now       func() time.Time
	logger    *slog.Logger
}

// InboundOption 定义 Inbound 的可选配置。
type InboundOption func(*Inbound)

// WithInboundClock 替换时钟。
func WithInboundClock(now func() time.Time) InboundOption {
	return func(h *Inbound) {
		if now != nil {
			h.now = now
		}
	}
}

// WithInboundRecorder 指定审计记录器。
func WithInboundRecorder(rec *agentlog.Recorder) InboundOption {
	return func(h *Inbound) { h.recorder = rec }
}

// NewInbound 创建来电处理器。baseURL 是提供方回调使用的公网地址。
func NewInbound(store Store, directory CallerDirectory, center *notify.Center, baseURL string, opts ...InboundOption) *Inbound {
	h := &Inbound{
		store:     store,
		directory: directory,
		center:    center,
		baseURL:   strings.TrimRight(baseURL, "/"),
		now:       time.Now,
		logger:    logger.Named("call-inbound"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Handle 返回来电的 TwiML。任何失败都降级为致歉语音，调用方总能得到可播放的文档。
func (h *Inbound) Handle(ctx context.Context, ev InboundEvent, snap settings.Snapshot) string {
	twiml, err := h.handle(ctx, ev, snap)
	if err != nil {
		h.logger.Error("处理来电失败", slog.Any("error", err), slog.String("provider_call_id", ev.ProviderCallID))
		metrics.ObserveWebhook("inbound", "error")
		return FallbackTwiML()
	}
	metrics.ObserveWebhook("inbound", string(StatusInProgress))
	return twiml
}

func (h *Inbound) handle(ctx context.Context, ev InboundEvent, snap settings.Snapshot) (string, error) {
	from := strings.TrimSpace(ev.From)
	name := unknownCaller
	if h.directory != nil {
		name = h.directory.NameForPhone(ctx, from, unknownCaller)
	}

	c, err := h.upsert(ctx, ev, from, name)
	if err != nil {
		return "", err
	}
	h.appendEvent(ctx, c.ID, map[string]any{
		"from":       from,
		"to":         ev.To,
		"callStatus": ev.CallStatus,
		"callSid":    ev.ProviderCallID,
	})

	contactLine := "Unknown contact."
	if name != unknownCaller {
		contactLine = "Contact: " + name
	}
	h.center.Create(ctx, notify.Notification{
		Type:     notify.TypeCallIncoming,
		Title:    "Inbound call from " + name,
		Message:  fmt.Sprintf("Incoming call from %s. %s", from, contactLine),
		Priority: notify.PriorityHigh,
		CallID:   c.ID,
	})

	officeHours := snap.InOfficeHours(h.now())
	doc := InboundTwiML(snap, officeHours, h.baseURL+"/api/calls/status?event=transcription")

	h.recorder.Success(ctx, agentlog.ActionInboundCallHandled, map[string]any{
		"callSid":     ev.ProviderCallID,
		"from":        from,
		"callerName":  name,
		"officeHours": officeHours,
	})
	return doc, nil
}

// upsert 按 provider call id 登记来电，重复的 webhook 只把状态推进到 in_progress。
func (h *Inbound) upsert(ctx context.Context, ev InboundEvent, from, name string) (*Call, error) {
	sid := strings.TrimSpace(ev.ProviderCallID)
	now := h.now().UTC()
	if sid != "" {
		existing, err := h.store.GetCallByProviderID(ctx, sid)
		switch {
		case err == nil:
			return h.markAnswered(ctx, existing, now)
		case !stdErrors.Is(err, ErrCallNotFound):
			return nil, err
		}
	}
	c := &Call{
		ID:             uuid.NewString(),
		ProviderCallID: sid,
		Direction:      DirectionInbound,
		Provider:       ProviderInbound,
		PhoneNumber:    from,
		CallerName:     name,
		Status:         StatusInProgress,
		StartedAt:      &now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := h.store.CreateCall(ctx, c)
	if stdErrors.Is(err, ErrCallConflict) && sid != "" {
		existing, getErr := h.store.GetCallByProviderID(ctx, sid)
		if getErr != nil {
			return nil, getErr
		}
		return h.markAnswered(ctx, existing, now)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (h *Inbound) markAnswered(ctx context.Context, c *Call, now time.Time) (*Call, error) {
	if err := h.store.ApplyCallProgress(ctx, c.ID, Progress{StartedAt: &now}, now); err != nil {
		return nil, err
	}
	changed, err := h.store.AdvanceCallStatus(ctx, c.ID, StatusInProgress, now)
	if err != nil {
		return nil, err
	}
	if changed {
		c.Status = StatusInProgress
	}
	return c, nil
}

func (h *Inbound) appendEvent(ctx context.Context, callID string, payload map[string]any) {
	err := h.store.AppendCallEvent(ctx, &Event{
		ID:        uuid.NewString(),
		CallID:    callID,
		EventType: EventInboundReceived,
		Payload:   payload,
		CreatedAt: h.now().UTC(),
	})
	if err != nil {
		h.logger.Warn("写入来电事件失败", slog.Any("error", err), slog.String("call_id", callID))
	}
}

// InboundTwiML 生成来电应答。工作时间内问候并录音，其余时间请对方留言。
func InboundTwiML(snap settings.Snapshot, officeHours bool, transcribeCallback string) string {
	var t telephony.TwiML
	if officeHours {
		t.Say(fmt.Sprintf("Hello, thank you for calling. This is %s speaking. How can I help you today?", snap.AgentIdentity)).
			Record(120, transcribeCallback).
			Say("I did not hear anything. Please call back during our office hours. Goodbye.")
		return t.String()
	}
	t.Say(fmt.Sprintf("Hello, thank you for calling. Our office hours are from %s to %s, %s time. "+
		"Please leave a message after the tone, and we will return your call as soon as possible.",
		snap.OperatingHoursStart, snap.OperatingHoursEnd, snap.Timezone)).
		Record(180, transcribeCallback).
		Say("Thank you for your message. Goodbye.")
	return t.String()
}

// FallbackTwiML 是处理失败时的致歉应答。
func FallbackTwiML() string {
	var t telephony.TwiML
	return t.Say("We are currently experiencing technical difficulties. Please try again later. Goodbye.").Hangup().String()
}
