// Package call holds the phone call record and the provider callback handlers
// that are the only writers of a call once it exists.
package call

import (
	"context"
	"strings"
	"time"

	xerrors "Errand-Desk/internal/errors"
)

// Status 通话在系统内部的状态。
type Status string

const (
	StatusPending    Status = "pending"
	StatusInitiated  Status = "initiated"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusNoAnswer   Status = "no_answer"
	StatusFailed     Status = "failed"
)

// Direction 通话方向。
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Provider 标识通话由哪条通道建立。
type Provider string

const (
	ProviderAgentGateway Provider = "agent_gateway"
	ProviderTwilio       Provider = "twilio"
	ProviderInbound      Provider = "inbound"
)

// Call 记录一次尝试或已完成的通话。
type Call struct {
	ID              string     `json:"id"`
	ProviderCallID  string     `json:"provider_call_id,omitempty"`
	ApprovalID      string     `json:"approval_id,omitempty"`
	TaskID          string     `json:"task_id,omitempty"`
	Direction       Direction  `json:"direction"`
	Provider        Provider   `json:"provider"`
	PhoneNumber     string     `json:"phone_number"`
	CallerName      string     `json:"caller_name,omitempty"`
	Status          Status     `json:"status"`
	DurationSeconds int        `json:"duration_seconds"`
	RecordingURL    string     `json:"recording_url,omitempty"`
	Transcript      string     `json:"transcript,omitempty"`
	Summary         string     `json:"summary,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Counterpart 返回用于展示的通话对象，优先使用名称。
func (c *Call) Counterpart() string {
	if name := strings.TrimSpace(c.CallerName); name != "" {
		return name
	}
	return c.PhoneNumber
}

// Event 是一条通话事件日志。
type Event struct {
	ID        string         `json:"id"`
	CallID    string         `json:"call_id"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Progress 描述回调中可以幂等覆盖的字段，零值表示不修改。
type Progress struct {
	DurationSeconds *int
	RecordingURL    string
	StartedAt       *time.Time
}

// Recorder 是外呼调度器可以使用的最小写接口：只能创建，不能改状态。
type Recorder interface {
	CreateCall(ctx context.Context, c *Call) error
	GetCallByApproval(ctx context.Context, approvalID string) (*Call, error)
}

// Store 抽象通话记录的持久化。
type Store interface {
	Recorder
	GetCall(ctx context.Context, id string) (*Call, error)
	GetCallByProviderID(ctx context.Context, providerCallID string) (*Call, error)
	ListCalls(ctx context.Context, limit int) ([]*Call, error)
	ApplyCallProgress(ctx context.Context, id string, p Progress, at time.Time) error
	// AdvanceCallStatus 仅当当前状态的 Rank 低于目标时写入，返回是否写入。
	AdvanceCallStatus(ctx context.Context, id string, to Status, at time.Time) (bool, error)
	SetCallTranscript(ctx context.Context, id, transcript string, at time.Time) error
	AppendCallEvent(ctx context.Context, e *Event) error
}

// Rank 返回状态在通话生命周期中的先后，终态并列最高。未知状态为 -1。
func Rank(s Status) int {
	switch s {
	case StatusPending:
		return 0
	case StatusInitiated:
		return 1
	case StatusInProgress:
		return 2
	case StatusCompleted, StatusNoAnswer, StatusFailed:
		return 3
	default:
		return -1
	}
}

// Before 返回 Rank 低于 to 的已知状态，即允许推进到 to 的当前状态。
func Before(to Status) []Status {
	var out []Status
	for _, s := range []Status{StatusPending, StatusInitiated, StatusInProgress, StatusCompleted, StatusNoAnswer, StatusFailed} {
		if Rank(s) < Rank(to) {
			out = append(out, s)
		}
	}
	return out
}

// IsTerminal 判断通话状态是否为终态。
func IsTerminal(s Status) bool {
	switch s {
	case StatusCompleted, StatusNoAnswer, StatusFailed:
		return true
	default:
		return false
	}
}

// providerStatus 把 Twilio 风格的 CallStatus 映射为内部状态。
var providerStatus = map[string]Status{
	"queued":      StatusPending,
	"ringing":     StatusPending,
	"in-progress": StatusInProgress,
	"completed":   StatusCompleted,
	"busy":        StatusNoAnswer,
	"no-answer":   StatusNoAnswer,
	"canceled":    StatusFailed,
	"failed":      StatusFailed,
}

// MapProviderStatus 映射通话状态，未知状态返回 false。
func MapProviderStatus(raw string) (Status, bool) {
	s, ok := providerStatus[strings.ToLower(strings.TrimSpace(raw))]
	return s, ok
}

// NormalizeRecordingURL 把录音地址转换为可直接播放的 mp3 地址。
func NormalizeRecordingURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasSuffix(strings.ToLower(raw), ".mp3") {
		return raw
	}
	return raw + ".mp3"
}

const (
	CodeCallNotFound   xerrors.Code = "CALL_NOT_FOUND"
	CodeCallValidation xerrors.Code = "CALL_VALIDATION_FAILED"
	CodeCallConflict   xerrors.Code = "CALL_CONFLICT"
)

var (
	// ErrCallNotFound 表示通话记录不存在。
	ErrCallNotFound = xerrors.New(CodeCallNotFound, "call not found")
	// ErrCallConflict 表示相同的 provider call id 已存在。
	ErrCallConflict = xerrors.New(CodeCallConflict, "call already recorded")
)

func init() {
	xerrors.Register(CodeCallNotFound, xerrors.Attributes{Message: "call not found", Severity: xerrors.SeverityInfo, HTTPStatus: 404})
	xerrors.Register(CodeCallValidation, xerrors.Attributes{Message: "call validation failed", Severity: xerrors.SeverityInfo, HTTPStatus: 400})
	xerrors.Register(CodeCallConflict, xerrors.Attributes{Message: "call already recorded", Severity: xerrors.SeverityWarning, HTTPStatus: 409})
}
