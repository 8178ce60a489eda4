package dispatch_test

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"Errand-Desk/internal/call"
	"Errand-Desk/internal/dispatch"
	xerrors "Errand-Desk/internal/errors"
	"Errand-Desk/internal/telephony"
)

func TestTestCallPlacesScriptedCall(t *testing.T) {
	f := newFixture(t)
	stub := &twilioStub{}
	srv := stub.server(t)
	tc := dispatch.NewTestCaller(stub.client(srv), f.db, "https://desk.example.com/").WithClock(f.clock.Now)

	res, err := tc.Place(context.Background(), " +420777123456 ")
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if !res.Success || res.CallSID != "CA42" || res.Status != "queued" || res.To != "+420777123456" {
		t.Fatalf("unexpected result %+v", res)
	}
	form := stub.forms[0]
	if form["Record"] != "true" || form["StatusCallback"] != "https://desk.example.com/api/calls/status" || !strings.Contains(form["Twiml"], "test call") {
		t.Fatalf("unexpected twilio form %v", form)
	}
	c, err := f.db.GetCall(context.Background(), res.CallID)
	if err != nil {
		t.Fatalf("GetCall: %v", err)
	}
	if c.CallerName != "Test Call" || c.ProviderCallID != "CA42" || c.Status != call.StatusPending || c.ApprovalID != "" {
		t.Fatalf("unexpected call %+v", c)
	}
}

func TestTestCallValidation(t *testing.T) {
	f := newFixture(t)
	stub := &twilioStub{}
	srv := stub.server(t)
	ctx := context.Background()

	for _, to := range []string{"", "420777123456", "+0123", "call me"} {
		_, err := dispatch.NewTestCaller(stub.client(srv), f.db, "").Place(ctx, to)
		if xerrors.HTTPStatus(err) != http.StatusBadRequest {
			t.Fatalf("%q: expected 400, got %v", to, err)
		}
	}
	if stub.count() != 0 {
		t.Fatalf("invalid numbers must not reach the provider")
	}
	if _, err := dispatch.NewTestCaller(nil, f.db, "").Place(ctx, "+420777123456"); !errors.Is(err, telephony.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}

	stub.mu.Lock()
	stub.status = http.StatusServiceUnavailable
	stub.mu.Unlock()
	if _, err := dispatch.NewTestCaller(stub.client(srv), f.db, "").Place(ctx, "+420777123456"); xerrors.CodeOf(err) != xerrors.CodeUpstreamFailure {
		t.Fatalf("expected upstream failure, got %v", err)
	}
}
