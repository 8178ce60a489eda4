package dispatch_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"Errand-Desk/internal/agentlog"
	"Errand-Desk/internal/approval"
	"Errand-Desk/internal/call"
	"Errand-Desk/internal/dispatch"
	xerrors "Errand-Desk/internal/errors"
	"Errand-Desk/internal/jobs"
	"Errand-Desk/internal/notify"
	"Errand-Desk/internal/storage/sqlstore"
	"Errand-Desk/internal/task"
	"Errand-Desk/internal/telephony"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type captureEnqueuer struct {
	mu     sync.Mutex
	delays []time.Duration
	kinds  []jobs.Kind
	err    error
}

func (c *captureEnqueuer) Enqueue(_ context.Context, kind jobs.Kind, subjectID string, delay time.Duration) (*jobs.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	c.kinds = append(c.kinds, kind)
	c.delays = append(c.delays, delay)
	return &jobs.Job{ID: "job", Kind: kind, SubjectID: subjectID}, nil
}

type fixture struct {
	db        *sqlstore.DB
	tasks     *task.Service
	approvals *approval.Service
	enqueuer  *captureEnqueuer
	clock     *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sqlstore.Open(context.Background(), sqlstore.Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "dispatch.db")})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	clk := &clock{now: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	enq := &captureEnqueuer{}
	recorder := agentlog.NewRecorder(db)
	tasks := task.NewService(db, enq, task.WithRecorder(recorder), task.WithClock(clk.Now))
	approvals := approval.NewService(db, tasks, enq, recorder).WithClock(clk.Now)
	return &fixture{db: db, tasks: tasks, approvals: approvals, enqueuer: enq, clock: clk}
}

// approvedCall 创建一个处于 approved 状态的任务及其已批准的外呼审批。
func (f *fixture) approvedCall(t *testing.T, phone, notes string) (*task.Task, *approval.Approval) {
	t.Helper()
	ctx := context.Background()
	tk, err := f.tasks.Create(ctx, task.CreateRequest{Title: "Book dinner at Luigi's", Type: "booking", ContactName: "Luigi's", ContactPhone: phone})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	for _, s := range []task.Status{task.StatusInProgress, task.StatusPendingApproval} {
		if _, err := f.tasks.Transition(ctx, tk.ID, s); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
	a, err := f.approvals.Request(ctx, approval.RequestInput{TaskID: tk.ID, ActionType: approval.ActionMakeCall, Notes: notes})
	if err != nil {
		t.Fatalf("request approval: %v", err)
	}
	if _, err := f.approvals.Decide(ctx, a.ID, approval.Decision{Status: approval.StatusApproved}); err != nil {
		t.Fatalf("decide: %v", err)
	}
	return tk, a
}

func (f *fixture) dispatcher(gw telephony.Gateway, scripted telephony.Scripted) *dispatch.Dispatcher {
	recorder := agentlog.NewRecorder(f.db)
	return dispatch.New(dispatch.Dependencies{
		Approvals: f.approvals,
		Tasks:     f.tasks,
		Calls:     f.db,
		Retries:   f.db,
		Gateway:   gw,
		Scripted:  scripted,
		Enqueuer:  f.enqueuer,
		Center:    notify.NewCenter(f.db),
		Recorder:  recorder,
		BaseURL:   "https://desk.example.com/",
	}, dispatch.WithClock(f.clock.Now))
}

func (f *fixture) taskStatus(t *testing.T, id string) task.Status {
	t.Helper()
	tk, err := f.tasks.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	return tk.Status
}

func (f *fixture) notificationCount(t *testing.T, kind string) int {
	t.Helper()
	all, err := f.db.ListNotifications(context.Background(), false, 100)
	if err != nil {
		t.Fatalf("ListNotifications: %v", err)
	}
	n := 0
	for _, item := range all {
		if item.Type == kind {
			n++
		}
	}
	return n
}

type twilioStub struct {
	mu     sync.Mutex
	hits   int
	status int
	forms  []map[string]string
}

func (s *twilioStub) server(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		s.mu.Lock()
		s.hits++
		s.forms = append(s.forms, map[string]string{
			"To":             r.PostForm.Get("To"),
			"Record":         r.PostForm.Get("Record"),
			"StatusCallback": r.PostForm.Get("StatusCallback"),
			"Twiml":          r.PostForm.Get("Twiml"),
		})
		status := s.status
		s.mu.Unlock()
		if status == 0 {
			status = http.StatusCreated
		}
		w.WriteHeader(status)
		if status == http.StatusCreated {
			_, _ = w.Write([]byte(`{"sid":"CA42","status":"queued"}`))
			return
		}
		_, _ = w.Write([]byte(`{"message":"carrier unavailable"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (s *twilioStub) client(srv *httptest.Server) *telephony.TwilioClient {
	return telephony.NewTwilioClient(telephony.TwilioConfig{AccountSID: "AC1", AuthToken: "secret", FromNumber: "+15550000000", BaseURL: srv.URL})
}

func (s *twilioStub) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits
}

func TestGatewayTimeoutFallsBackToScriptedCall(t *testing.T) {
	f := newFixture(t)
	tk, a := f.approvedCall(t, "", "Call Luigi's at +420777123456: Reserve a table for 4")

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()
	gw := telephony.NewGatewayClient(telephony.GatewayConfig{URL: slow.URL, HookToken: "tok", Timeout: 50 * time.Millisecond})
	stub := &twilioStub{}
	srv := stub.server(t)

	d := f.dispatcher(gw, stub.client(srv))
	if err := d.Run(context.Background(), a.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	c, err := f.db.GetCallByApproval(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("expected a call for the approval: %v", err)
	}
	if c.Provider != call.ProviderTwilio || c.ProviderCallID != "CA42" || c.Status != call.StatusPending || c.PhoneNumber != "+420777123456" {
		t.Fatalf("unexpected call %+v", c)
	}
	if stub.forms[0]["Record"] != "true" || stub.forms[0]["StatusCallback"] != "https://desk.example.com/api/calls/status" {
		t.Fatalf("unexpected twilio form %v", stub.forms[0])
	}
	if got := f.taskStatus(t, tk.ID); got != task.StatusInProgress {
		t.Fatalf("expected task in_progress after call, got %s", got)
	}
	rec, err := f.db.GetRetry(context.Background(), a.ID)
	if err != nil || rec.State != dispatch.RetrySucceeded {
		t.Fatalf("expected succeeded retry record, got %+v %v", rec, err)
	}
	if f.notificationCount(t, notify.TypeCallStarted) != 1 {
		t.Fatalf("expected call_started notification")
	}
}

func TestGatewaySuccessRecordsConversationalCall(t *testing.T) {
	f := newFixture(t)
	_, a := f.approvedCall(t, "+420777123456", "Call Luigi's: Reserve a table")

	var auth string
	gwSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"sessionId":"sess-1"}`))
	}))
	defer gwSrv.Close()
	stub := &twilioStub{}
	srv := stub.server(t)

	d := f.dispatcher(telephony.NewGatewayClient(telephony.GatewayConfig{URL: gwSrv.URL, HookToken: "tok"}), stub.client(srv))
	if err := d.Run(context.Background(), a.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	c, err := f.db.GetCallByApproval(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("GetCallByApproval: %v", err)
	}
	if c.Provider != call.ProviderAgentGateway || c.Status != call.StatusInitiated || c.ProviderCallID != "sess-1" {
		t.Fatalf("unexpected call %+v", c)
	}
	if c.PhoneNumber != "+420777123456" {
		t.Fatalf("expected task phone to be used, got %q", c.PhoneNumber)
	}
	if auth != "Bearer tok" {
		t.Fatalf("unexpected auth header %q", auth)
	}
	if stub.count() != 0 {
		t.Fatalf("fallback must not be used when the gateway accepts")
	}
}

func TestReplayDoesNotPlaceSecondCall(t *testing.T) {
	f := newFixture(t)
	_, a := f.approvedCall(t, "", "Call Luigi's at +420777123456: Reserve")
	stub := &twilioStub{}
	srv := stub.server(t)
	d := f.dispatcher(nil, stub.client(srv))

	for i := 0; i < 3; i++ {
		if err := d.Run(context.Background(), a.ID); err != nil {
			t.Fatalf("Run #%d: %v", i, err)
		}
	}
	if stub.count() != 1 {
		t.Fatalf("expected one provider request, got %d", stub.count())
	}
	calls, err := f.db.ListCalls(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListCalls: %v", err)
	}
	if len(calls) != 1 {
		t.Fatalf("expected exactly one call, got %d", len(calls))
	}
}

func TestNoDestinationFailsWithoutRetry(t *testing.T) {
	f := newFixture(t)
	_, a := f.approvedCall(t, "", "Call Luigi's: Reserve a table")
	stub := &twilioStub{}
	srv := stub.server(t)
	d := f.dispatcher(nil, stub.client(srv))

	if err := d.Run(context.Background(), a.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stub.count() != 0 {
		t.Fatalf("no provider should be contacted without a number")
	}
	rec, err := f.db.GetRetry(context.Background(), a.ID)
	if err != nil || rec.State != dispatch.RetryFailed {
		t.Fatalf("expected failed retry record, got %+v %v", rec, err)
	}
	if f.notificationCount(t, notify.TypeCallFailed) != 1 {
		t.Fatalf("expected call_failed notification")
	}
	logs, _ := f.db.ListLogs(context.Background(), agentlog.Filter{Action: agentlog.ActionCallInitiation})
	if len(logs) != 1 || logs[0].Status != agentlog.StatusFailure {
		t.Fatalf("expected call_initiation failure log, got %+v", logs)
	}
	if len(f.enqueuer.delays) != 1 {
		t.Fatalf("no retry should be enqueued, got %v", f.enqueuer.delays)
	}
}

func TestRetriesExhaustFailTheTask(t *testing.T) {
	f := newFixture(t)
	tk, a := f.approvedCall(t, "", "Call Luigi's at +420777123456: Reserve")
	stub := &twilioStub{status: http.StatusServiceUnavailable}
	srv := stub.server(t)
	d := f.dispatcher(telephony.NewGatewayClient(telephony.GatewayConfig{}), stub.client(srv))
	ctx := context.Background()

	if err := d.Run(ctx, a.ID); err != nil {
		t.Fatalf("first attempt: %v", err)
	}
	// 未到期的重试不会被提前认领。
	if err := d.Run(ctx, a.ID); err != nil {
		t.Fatalf("early replay: %v", err)
	}
	if stub.count() != 1 {
		t.Fatalf("early replay must not dial, got %d requests", stub.count())
	}

	for i := 0; i < 3; i++ {
		f.clock.Advance(31 * time.Minute)
		if err := d.Run(ctx, a.ID); err != nil {
			t.Fatalf("retry %d: %v", i+1, err)
		}
	}
	if stub.count() != 4 {
		t.Fatalf("expected 4 attempts, got %d", stub.count())
	}
	rec, err := f.db.GetRetry(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetRetry: %v", err)
	}
	if rec.State != dispatch.RetryExhausted || rec.RetryCount != 3 {
		t.Fatalf("unexpected retry record %+v", rec)
	}
	if got := f.taskStatus(t, tk.ID); got != task.StatusFailed {
		t.Fatalf("expected task failed, got %s", got)
	}
	want := []time.Duration{0, 5 * time.Minute, 15 * time.Minute, 30 * time.Minute}
	if len(f.enqueuer.delays) != len(want) {
		t.Fatalf("unexpected enqueued delays %v", f.enqueuer.delays)
	}
	for i, delay := range want {
		if f.enqueuer.delays[i] != delay {
			t.Fatalf("delay %d = %v, want %v", i, f.enqueuer.delays[i], delay)
		}
	}
	if f.notificationCount(t, notify.TypeCallRetry) != 3 || f.notificationCount(t, notify.TypeCallFailed) != 1 {
		t.Fatalf("expected three retry notifications and one failure")
	}
	if _, err := f.db.GetCallByApproval(ctx, a.ID); err == nil {
		t.Fatalf("no call should be recorded when every attempt failed")
	}
	logs, err := f.db.ListLogs(ctx, agentlog.Filter{Action: agentlog.ActionCallRetriesExhausted})
	if err != nil || len(logs) != 1 || !strings.Contains(logs[0].ErrorMessage, string(xerrors.CodeRetriesExhausted)) {
		t.Fatalf("exhausted log: %+v %v", logs, err)
	}

	// 耗尽后的重放不会再拨号。
	f.clock.Advance(time.Hour)
	if err := d.Run(ctx, a.ID); err != nil {
		t.Fatalf("replay after exhaustion: %v", err)
	}
	if stub.count() != 4 {
		t.Fatalf("exhausted approval must not dial again")
	}
}
