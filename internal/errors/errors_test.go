package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatusUsesRegisteredCode(t *testing.T) {
	const custom Code = "TEST_CUSTOM_NOT_FOUND"
	Register(custom, Attributes{Message: "missing", HTTPStatus: http.StatusNotFound})

	cases := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{New(CodeInvalidArgument, "title 不能为空"), http.StatusBadRequest},
		{New(custom, ""), http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", New(CodeUpstreamFailure, "")), http.StatusBadGateway},
		{stdErrors.New("plain"), http.StatusInternalServerError},
		{New(CodeStorageFailure, ""), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := HTTPStatus(tc.err); got != tc.want {
			t.Fatalf("HTTPStatus(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestIsComparesCodes(t *testing.T) {
	sentinel := New(CodeConflict, "already decided")
	err := Wrap(CodeConflict, stdErrors.New("rows affected 0"), "其他描述")
	if !stdErrors.Is(err, sentinel) {
		t.Fatalf("expected errors.Is to match by code")
	}
	if stdErrors.Is(err, New(CodeNotFound, "")) {
		t.Fatalf("different codes must not match")
	}
}

func TestClassificationFollowsRegistry(t *testing.T) {
	const flaky Code = "TEST_FLAKY_PROVIDER"
	Register(flaky, Attributes{Severity: SeverityWarning, Retryable: true})

	if !Retryable(fmt.Errorf("dispatch: %w", New(CodeTimeout, ""))) {
		t.Fatalf("wrapped timeout should be retryable")
	}
	if !Retryable(New(flaky, "")) {
		t.Fatalf("registered code should be retryable")
	}
	if Retryable(New(CodeInvalidArgument, "")) || Retryable(stdErrors.New("plain")) {
		t.Fatalf("validation and plain errors are not retryable")
	}
	if !ShouldAlert(New(CodeStorageFailure, "")) || ShouldAlert(New(CodeNotFound, "")) || ShouldAlert(nil) {
		t.Fatalf("unexpected alert classification")
	}
	if got := SeverityOf(stdErrors.New("plain")); got != SeverityCritical {
		t.Fatalf("plain errors fall back to UNKNOWN severity, got %s", got)
	}
	if got := New(flaky, "").Message(); got != "" {
		t.Fatalf("code without default message: %q", got)
	}
}

func TestPublicMessageHidesCause(t *testing.T) {
	err := Wrap(CodeStorageFailure, stdErrors.New("dial tcp 10.0.0.1:3306"), "查询任务失败")
	if got := PublicMessage(err); got != "查询任务失败" {
		t.Fatalf("unexpected public message %q", got)
	}
	if got := PublicMessage(stdErrors.New("secret")); got != "unknown error" {
		t.Fatalf("plain errors should not leak: %q", got)
	}
}

func TestQueueAndExhaustionCodes(t *testing.T) {
	queue := Wrap(CodeQueueFailure, fmt.Errorf("connection reset"), "")
	if !Retryable(queue) || !ShouldAlert(queue) || HTTPStatus(queue) != http.StatusServiceUnavailable {
		t.Fatalf("queue failure classification: retry=%v alert=%v status=%d", Retryable(queue), ShouldAlert(queue), HTTPStatus(queue))
	}
	exhausted := Wrap(CodeRetriesExhausted, queue, "")
	if Retryable(exhausted) || !ShouldAlert(exhausted) || SeverityOf(exhausted) != SeverityCritical {
		t.Fatalf("exhausted classification: retry=%v alert=%v severity=%s", Retryable(exhausted), ShouldAlert(exhausted), SeverityOf(exhausted))
	}
	if CodeOf(exhausted) != CodeRetriesExhausted || exhausted.Message() != "retries exhausted" {
		t.Fatalf("code %s message %q", CodeOf(exhausted), exhausted.Message())
	}
}
