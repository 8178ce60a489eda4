package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"pgregory.net/rapid"

	"Errand-Desk/internal/agentlog"
	"Errand-Desk/internal/approval"
	"Errand-Desk/internal/conversation"
	xerrors "Errand-Desk/internal/errors"
	"Errand-Desk/internal/jobs"
	"Errand-Desk/internal/llm"
	"Errand-Desk/internal/memory"
	"Errand-Desk/internal/notify"
	"Errand-Desk/internal/settings"
	"Errand-Desk/internal/storage/sqlstore"
	"Errand-Desk/internal/task"
)

type captureEnqueuer struct {
	mu   sync.Mutex
	jobs []string
	err  error
}

func (c *captureEnqueuer) Enqueue(_ context.Context, kind jobs.Kind, subjectID string, _ time.Duration) (*jobs.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	c.jobs = append(c.jobs, string(kind)+":"+subjectID)
	return &jobs.Job{ID: "job", Kind: kind, SubjectID: subjectID}, nil
}

type stubLLM struct {
	mu       sync.Mutex
	reply    string
	err      error
	requests []llm.CompletionRequest
}

func (s *stubLLM) Complete(_ context.Context, req llm.CompletionRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	return s.reply, s.err
}

func (s *stubLLM) WebSearch(context.Context, string, time.Duration) (string, error) {
	return "", errors.New("not used")
}

// tick 返回每次调用前进一秒的时钟。
func tick(start time.Time) func() time.Time {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

type env struct {
	db        *sqlstore.DB
	tasks     *task.Service
	approvals *approval.Service
	enqueuer  *captureEnqueuer
	executor  *Executor
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db, err := sqlstore.Open(context.Background(), sqlstore.Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "agent.db")})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	enq := &captureEnqueuer{}
	recorder := agentlog.NewRecorder(db)
	tasks := task.NewService(db, enq, task.WithRecorder(recorder))
	approvals := approval.NewService(db, tasks, enq, recorder)
	return &env{
		db:        db,
		tasks:     tasks,
		approvals: approvals,
		enqueuer:  enq,
		executor:  NewExecutor(tasks, approvals, memory.NewBook(db), notify.NewCenter(db), recorder),
	}
}

func (e *env) logCount(t *testing.T, action string) int {
	t.Helper()
	entries, err := e.db.ListLogs(context.Background(), agentlog.Filter{Action: action})
	if err != nil {
		t.Fatalf("ListLogs: %v", err)
	}
	return len(entries)
}

func TestParseActionsVariants(t *testing.T) {
	reply := "On it.\n" +
		`<action>{"type":"create_task","title":"Book dinner at Luigi's","priority":"high","contact_phone":"+420777123456"}</action>` +
		`<action>{"type":"store_memory","content":"Prefers window seats"}</action>` +
		`<action>{"type":"update_task","task_id":"t1"}</action>` +
		`<action>{"type":"launch_rocket"}</action>` +
		`<action>{not json}</action>` +
		"\nI'll report back."

	clean, actions := ParseActions(reply)
	if clean != "On it.\n\nI'll report back." {
		t.Fatalf("unexpected clean text %q", clean)
	}
	if len(actions) != 5 {
		t.Fatalf("expected 5 actions, got %d", len(actions))
	}
	create, ok := actions[0].(CreateTaskAction)
	if !ok || create.Request.Title != "Book dinner at Luigi's" || create.Request.DefaultType != task.TypeOther {
		t.Fatalf("unexpected create action %#v", actions[0])
	}
	if mem, ok := actions[1].(StoreMemoryAction); !ok || mem.Content != "Prefers window seats" || mem.Category != "" {
		t.Fatalf("unexpected memory action %#v", actions[1])
	}
	for i, reason := range map[int]string{2: "task_id and status are required", 3: "unknown action type", 4: "malformed action JSON"} {
		inv, ok := actions[i].(InvalidAction)
		if !ok || inv.Reason != reason {
			t.Fatalf("action %d: expected invalid %q, got %#v", i, reason, actions[i])
		}
	}
}

func TestParseActionsCountsEveryBlock(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 6).Draw(rt, "n")
		var (
			b     strings.Builder
			valid []bool
		)
		for i := 0; i < n; i++ {
			if rapid.Bool().Draw(rt, "valid") {
				fmt.Fprintf(&b, `text <action>{"type":"store_memory","content":"fact %d"}</action>`, i)
				valid = append(valid, true)
				continue
			}
			body := rapid.StringMatching(`[a-z{}: ]{0,10}`).Draw(rt, "garbage")
			fmt.Fprintf(&b, "text <action>%s</action>", body)
			valid = append(valid, false)
		}
		clean, actions := ParseActions(b.String())
		if len(actions) != n {
			rt.Fatalf("expected %d actions, got %d", n, len(actions))
		}
		if strings.Contains(clean, "<action>") {
			rt.Fatalf("action block leaked: %q", clean)
		}
		for i, a := range actions {
			_, isMemory := a.(StoreMemoryAction)
			if valid[i] && !isMemory {
				rt.Fatalf("action %d should be store_memory, got %#v", i, a)
			}
			if _, isInvalid := a.(InvalidAction); !valid[i] && !isInvalid {
				rt.Fatalf("action %d should be invalid, got %#v", i, a)
			}
		}
	})
}

func TestExecuteCreateTaskStartsResearch(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, actions := ParseActions(`<action>{"type":"create_task","title":"Find a plumber","description":"Leaking sink"}</action>`)
	results := e.executor.Execute(ctx, actions)
	if len(results) != 1 || !results[0].Success {
		t.Fatalf("unexpected results %+v", results)
	}
	id, _ := results[0].Data["task_id"].(string)
	got, err := e.tasks.Get(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != task.StatusInProgress || got.Type != task.TypeOther || got.Priority != task.PriorityMedium {
		t.Fatalf("unexpected task %+v", got)
	}
	if len(e.enqueuer.jobs) != 1 || e.enqueuer.jobs[0] != "research:"+id {
		t.Fatalf("expected research job, got %v", e.enqueuer.jobs)
	}
	if e.logCount(t, agentlog.ActionTaskCreated) != 1 {
		t.Fatalf("expected task_created log")
	}
}

func TestExecuteCreateTaskNotifiesWhenResearchCannotStart(t *testing.T) {
	e := newEnv(t)
	e.enqueuer.err = errors.New("broker down")
	ctx := context.Background()
	_, actions := ParseActions(`<action>{"type":"create_task","title":"Find a plumber"}</action>`)
	results := e.executor.Execute(ctx, actions)
	if len(results) != 1 || !results[0].Success || results[0].Data["research"] != "failed" {
		t.Fatalf("unexpected results %+v", results)
	}
	id, _ := results[0].Data["task_id"].(string)
	list, err := e.db.ListNotifications(ctx, false, 10)
	if err != nil {
		t.Fatalf("ListNotifications: %v", err)
	}
	var update *notify.Notification
	for _, n := range list {
		if n.Type == notify.TypeTaskUpdate {
			update = n
		}
	}
	if update == nil {
		t.Fatalf("expected task_update notification, got %+v", list)
	}
	if update.TaskID != id || update.Priority != notify.PriorityHigh || !strings.Contains(update.Message, "broker down") {
		t.Fatalf("unexpected notification %+v", update)
	}
	if e.logCount(t, agentlog.ActionResearchFailed) != 1 {
		t.Fatalf("expected task_research_failed log")
	}
}

func TestExecuteRequestCallApproval(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tk, _ := e.tasks.Create(ctx, task.CreateRequest{Title: "Book dinner", Type: "booking"})
	if _, err := e.tasks.Transition(ctx, tk.ID, task.StatusInProgress); err != nil {
		t.Fatalf("transition: %v", err)
	}

	raw := fmt.Sprintf(`<action>{"type":"request_call_approval","task_id":%q,"phone_number":"+420 777 123 456","purpose":"Reserve a table"}</action>`, tk.ID)
	_, actions := ParseActions(raw)
	results := e.executor.Execute(ctx, actions)
	if !results[0].Success {
		t.Fatalf("unexpected result %+v", results[0])
	}
	pending, _ := e.approvals.ListPending(ctx, 10)
	if len(pending) != 1 || pending[0].Notes != "Call +420777123456: Reserve a table" || pending[0].ActionType != approval.ActionMakeCall {
		t.Fatalf("unexpected approvals %+v", pending)
	}
	got, _ := e.tasks.Get(ctx, tk.ID)
	if got.Status != task.StatusPendingApproval {
		t.Fatalf("expected pending_approval, got %s", got.Status)
	}
	if e.logCount(t, agentlog.ActionApprovalRequested) != 1 {
		t.Fatalf("expected approval_requested log")
	}
}

func TestExecuteFailuresDoNotBlockLaterActions(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tk, _ := e.tasks.Create(ctx, task.CreateRequest{Title: "Cancel gym", Type: "cancellation"})

	raw := `<action>{"type":"fly"}</action>` +
		fmt.Sprintf(`<action>{"type":"update_task","task_id":%q,"status":"completed"}</action>`, tk.ID) +
		`<action>{"type":"store_memory","category":"hobby","content":"Plays chess"}</action>` +
		`<action>{"type":"store_memory","content":"Lives in Vinohrady"}</action>`
	_, actions := ParseActions(raw)
	results := e.executor.Execute(ctx, actions)
	if len(results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(results))
	}
	if results[0].Success || results[0].Error != "unknown action type" {
		t.Fatalf("unexpected unknown result %+v", results[0])
	}
	if results[1].Success {
		t.Fatalf("agent must not skip the status graph: %+v", results[1])
	}
	if results[2].Success {
		t.Fatalf("unknown memory category must fail: %+v", results[2])
	}
	if !results[3].Success || results[3].Data["category"] != string(memory.CategoryContext) {
		t.Fatalf("expected stored memory with default category, got %+v", results[3])
	}
	if got, _ := e.tasks.Get(ctx, tk.ID); got.Status != task.StatusNew {
		t.Fatalf("task status must be unchanged, got %s", got.Status)
	}
}

func TestTurnExecutesActionsAndStoresReply(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	convs := conversation.NewService(e.db)
	conv, err := convs.Create(ctx, "")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	model := &stubLLM{reply: `Noted, I'll remember that. <action>{"type":"store_memory","category":"preference","content":"Vegetarian"}</action>`}
	h := NewTurnHandler(TurnDependencies{
		Conversations: e.db,
		Tasks:         e.tasks,
		Calls:         e.db,
		Approvals:     e.approvals,
		Memories:      memory.NewBook(e.db),
		LLM:           model,
		Executor:      e.executor,
		Recorder:      agentlog.NewRecorder(e.db),
		Settings:      settings.Static(settings.FromMap(map[string]string{settings.KeyTimezone: "UTC", settings.KeyBusinessName: "Korn Household"})),
	}).WithClock(tick(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)))

	res, err := h.Send(ctx, conv.ID, "  I am vegetarian, please remember  ")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Message.Content != "Noted, I'll remember that." || len(res.Actions) != 1 || !res.Actions[0].Success {
		t.Fatalf("unexpected turn %+v", res)
	}
	if !strings.Contains(res.Message.ActionResults, `"type":"store_memory"`) {
		t.Fatalf("action results not stored: %q", res.Message.ActionResults)
	}
	req := model.requests[0]
	if req.Temperature != 0.7 || req.Timeout != 30*time.Second {
		t.Fatalf("unexpected request %+v", req)
	}
	if !strings.Contains(req.System, "You work for Korn Household.") || !strings.Contains(req.System, "Today is Monday, March 2, 2026.") {
		t.Fatalf("unexpected system prompt %s", req.System)
	}
	if len(req.Messages) != 1 || req.Messages[0].Content != "I am vegetarian, please remember" {
		t.Fatalf("unexpected history %+v", req.Messages)
	}

	msgs, _ := convs.Messages(ctx, conv.ID, 10)
	if len(msgs) != 2 || msgs[0].Role != conversation.RoleUser || msgs[1].Role != conversation.RoleAssistant {
		t.Fatalf("unexpected stored messages %+v", msgs)
	}
	renamed, _ := e.db.GetConversation(ctx, conv.ID)
	if renamed.Title != "I am vegetarian, please remember" {
		t.Fatalf("expected title from first message, got %q", renamed.Title)
	}
	if _, err := h.Send(ctx, conv.ID, "And I like Italian food"); err != nil {
		t.Fatalf("second Send: %v", err)
	}
	if msgs := model.requests[1].Messages; len(msgs) != 3 || msgs[1].Role != llm.RoleAssistant {
		t.Fatalf("history must include the previous exchange, got %+v", msgs)
	}
}

func TestTurnFallbackAndValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	conv, _ := conversation.NewService(e.db).Create(ctx, "Errands")
	model := &stubLLM{err: errors.New("upstream 503"), reply: `<action>{"type":"store_memory","content":"x"}</action>`}
	h := NewTurnHandler(TurnDependencies{Conversations: e.db, LLM: model, Executor: e.executor}).
		WithClock(tick(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)))

	res, err := h.Send(ctx, conv.ID, "Book me a table")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Message.Content != FallbackReply || len(res.Actions) != 0 {
		t.Fatalf("expected fallback with no actions, got %+v", res)
	}
	if mems, _ := e.db.ListMemories(ctx, 10); len(mems) != 0 {
		t.Fatalf("fallback must not execute actions")
	}

	if _, err := h.Send(ctx, conv.ID, "   "); xerrors.HTTPStatus(err) != 400 {
		t.Fatalf("empty text must be a 400, got %v", err)
	}
	if _, err := h.Send(ctx, "missing", "hi"); xerrors.HTTPStatus(err) != 404 {
		t.Fatalf("unknown conversation must be a 404, got %v", err)
	}
}

type stubSpeech struct {
	text string
	got  string
}

func (s *stubSpeech) Transcribe(_ context.Context, audio io.Reader, _ string) (string, error) {
	data, _ := io.ReadAll(audio)
	s.got = string(data)
	return s.text, nil
}

func TestSendVoiceTranscribesThenRunsTurn(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	conv, _ := conversation.NewService(e.db).Create(ctx, "")
	model := &stubLLM{reply: "Sure, I'll look for a dentist."}
	speech := &stubSpeech{text: " Find me a dentist \n"}
	h := NewTurnHandler(TurnDependencies{Conversations: e.db, LLM: model, Executor: e.executor, Speech: speech}).
		WithClock(tick(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)))

	res, err := h.SendVoice(ctx, conv.ID, strings.NewReader("webm-bytes"), "voice.webm")
	if err != nil {
		t.Fatalf("SendVoice: %v", err)
	}
	if res.Transcript != "Find me a dentist" || res.Message.Content != "Sure, I'll look for a dentist." || speech.got != "webm-bytes" {
		t.Fatalf("unexpected voice result %+v", res)
	}
	if got := model.requests[0].Messages; len(got) != 1 || got[0].Content != "Find me a dentist" {
		t.Fatalf("transcript must be sent as the user message, got %+v", got)
	}

	speech.text = "   "
	if _, err := h.SendVoice(ctx, conv.ID, strings.NewReader("silence"), "voice.webm"); xerrors.HTTPStatus(err) != 422 {
		t.Fatalf("empty transcript must be a 422, got %v", err)
	}
	if _, err := h.SendVoice(ctx, "missing", strings.NewReader("x"), "voice.webm"); xerrors.HTTPStatus(err) != 404 {
		t.Fatalf("unknown conversation must be a 404, got %v", err)
	}
	noSpeech := NewTurnHandler(TurnDependencies{Conversations: e.db, LLM: model, Executor: e.executor})
	if _, err := noSpeech.SendVoice(ctx, conv.ID, strings.NewReader("x"), "voice.webm"); xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("missing transcriber must be reported, got %v", err)
	}
}
