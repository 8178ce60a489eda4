package dispatch

import (
	"context"
	"time"

	xerrors "Errand-Desk/internal/errors"
)

// RetryState 外呼重试记录的状态。
type RetryState string

const (
	RetryScheduled   RetryState = "scheduled"
	RetryDispatching RetryState = "dispatching"
	RetrySucceeded   RetryState = "succeeded"
	RetryPlaced      RetryState = "placed"
	RetryExhausted   RetryState = "exhausted"
	RetryFailed      RetryState = "failed"
)

// Finished 判断记录是否已不再需要外呼。
func (s RetryState) Finished() bool {
	switch s {
	case RetrySucceeded, RetryPlaced, RetryExhausted, RetryFailed:
		return true
	default:
		return false
	}
}

// RetryRecord 是某个审批的外呼重试状态，每个审批最多一条。
type RetryRecord struct {
	ApprovalID    string     `json:"approval_id"`
	RetryCount    int        `json:"retry_count"`
	State         RetryState `json:"state"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
	LastError     string     `json:"last_error,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// RetryStore 抽象重试记录的持久化。
type RetryStore interface {
	// BeginDispatch 认领一次外呼尝试：记录不存在时插入 dispatching；scheduled 且已到期时
	// 条件更新为 dispatching；dispatching 且早于 staleBefore 时视为崩溃遗留并重新认领。
	// 认领失败返回 ok=false 以及当前记录。
	BeginDispatch(ctx context.Context, approvalID string, now, staleBefore time.Time) (*RetryRecord, bool, error)
	ScheduleRetry(ctx context.Context, approvalID string, retryCount int, next time.Time, lastError string, at time.Time) error
	FinishDispatch(ctx context.Context, approvalID string, state RetryState, lastError string, at time.Time) error
	GetRetry(ctx context.Context, approvalID string) (*RetryRecord, error)
}

// RetryPolicy 定义外呼失败后的退避。
type RetryPolicy struct {
	Delays []time.Duration
}

// DefaultRetryPolicy 第一次失败后 5 分钟，第二次 15 分钟，第三次 30 分钟。
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Delays: []time.Duration{5 * time.Minute, 15 * time.Minute, 30 * time.Minute}}
}

// MaxRetries 返回允许的重试次数。
func (p RetryPolicy) MaxRetries() int { return len(p.Delays) }

// Next 根据已发生的重试次数计算下一次延迟，耗尽时返回 false。
func (p RetryPolicy) Next(retryCount int) (time.Duration, bool) {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= len(p.Delays) {
		return 0, false
	}
	return p.Delays[retryCount], true
}

// CodeRetryNotFound 重试记录不存在。
const CodeRetryNotFound xerrors.Code = "CALL_RETRY_NOT_FOUND"

// ErrRetryNotFound 表示重试记录不存在。
var ErrRetryNotFound = xerrors.New(CodeRetryNotFound, "call retry record not found")

func init() {
	xerrors.Register(CodeRetryNotFound, xerrors.Attributes{Message: "call retry record not found", Severity: xerrors.SeverityInfo, HTTPStatus: 404})
}
