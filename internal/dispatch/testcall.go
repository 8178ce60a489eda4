package dispatch

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"Errand-Desk/internal/call"
	xerrors "Errand-Desk/internal/errors"
	"Errand-Desk/internal/observability/metrics"
	"Errand-Desk/internal/telephony"
	"Errand-Desk/pkg/logger"
)

const testCallMessage = "Hello! This is a test call from your Errand Desk. The telephony integration is working correctly. Goodbye!"

// TestCallResult 是测试外呼的受理结果。
type TestCallResult struct {
	Success bool   `json:"success"`
	CallID  string `json:"call_id"`
	CallSID string `json:"call_sid"`
	Status  string `json:"status"`
	To      string `json:"to"`
}

// TestCaller 通过脚本通道拨打一通连通性测试电话，不关联任务与审批。
type TestCaller struct {
	scripted telephony.Scripted
	calls    call.Recorder
	baseURL  string
	now      func() time.Time
	logger   *slog.Logger
}

// NewTestCaller 创建 TestCaller。scripted 为 nil 表示备用通道未配置。
func NewTestCaller(scripted telephony.Scripted, calls call.Recorder, baseURL string) *TestCaller {
	return &TestCaller{
		scripted: scripted,
		calls:    calls,
		baseURL:  strings.TrimRight(baseURL, "/"),
		now:      time.Now,
		logger:   logger.Named("dispatch"),
	}
}

// WithClock 替换时钟。
func (tc *TestCaller) WithClock(now func() time.Time) *TestCaller {
	if now != nil {
		tc.now = now
	}
	return tc
}

// Place 拨打测试电话并写入一条通话记录。号码必须是 E.164 格式。
func (tc *TestCaller) Place(ctx context.Context, to string) (*TestCallResult, error) {
	to = strings.TrimSpace(to)
	if !telephony.ValidE164(to) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "phone number must be in E.164 format (e.g., +1234567890)")
	}
	if tc.scripted == nil {
		return nil, telephony.ErrNotConfigured
	}
	var t telephony.TwiML
	res, err := tc.scripted.PlaceCall(ctx, telephony.PlaceCallRequest{
		To:             to,
		Twiml:          t.Say(testCallMessage).Pause(1).Hangup().Inline(),
		StatusCallback: tc.baseURL + "/api/calls/status",
	})
	metrics.ObserveCallPlacement(string(call.ProviderTwilio), err == nil)
	if err != nil {
		return nil, err
	}

	now := tc.now().UTC()
	c := &call.Call{
		ID:             uuid.NewString(),
		ProviderCallID: res.SID,
		Direction:      call.DirectionOutbound,
		Provider:       call.ProviderTwilio,
		PhoneNumber:    to,
		CallerName:     "Test Call",
		Status:         call.StatusPending,
		Summary:        "Test call to " + to,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	out := &TestCallResult{Success: true, CallSID: res.SID, Status: res.Status, To: to}
	if err := tc.calls.CreateCall(ctx, c); err != nil {
		tc.logger.Error("测试外呼已受理但写入通话记录失败", slog.String("call_sid", res.SID), slog.Any("error", err))
		return out, nil
	}
	out.CallID = c.ID
	logger.Audit().Info("测试外呼已发起", slog.String("call_id", c.ID), slog.String("phone_number", to))
	return out, nil
}
