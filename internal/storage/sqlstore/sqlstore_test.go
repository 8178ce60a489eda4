package sqlstore

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"Errand-Desk/internal/approval"
	"Errand-Desk/internal/call"
	"Errand-Desk/internal/dispatch"
	"Errand-Desk/internal/jobs"
	"Errand-Desk/internal/task"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTask(id string, status task.Status, at time.Time) *task.Task {
	return &task.Task{
		ID:        id,
		Title:     "Book dinner",
		Type:      task.TypeBooking,
		Priority:  task.PriorityMedium,
		Status:    status,
		CreatedAt: at,
		UpdatedAt: at,
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	db := openTestDB(t)
	applied, err := db.Migrate(context.Background())
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("second migrate applied %v", applied)
	}
}

func TestParseMigrationsFiltersDialect(t *testing.T) {
	fsys := fstest.MapFS{
		"0001_init.sql":         {Data: []byte("CREATE TABLE a (id INT);\n-- comment\nCREATE TABLE b (id INT);")},
		"0002_idx.postgres.sql": {Data: []byte("CREATE INDEX x ON a (id)")},
		"0002_idx.sqlite.sql":   {Data: []byte("CREATE INDEX x ON a (id)")},
		"0010_late.sql":         {Data: []byte("SELECT 1")},
		"README.md":             {Data: []byte("ignored")},
	}
	got, err := parseMigrations(fsys, DialectSQLite)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	var names []string
	for _, m := range got {
		names = append(names, m.name)
	}
	if strings.Join(names, ",") != "0001_init.sql,0002_idx.sqlite.sql,0010_late.sql" {
		t.Fatalf("unexpected order %v", names)
	}
	if n := len(statements(got[0].body)); n != 2 {
		t.Fatalf("statements %d", n)
	}

	fsys["0002_dup.sql"] = &fstest.MapFile{Data: []byte("SELECT 1")}
	if _, err := parseMigrations(fsys, DialectSQLite); err == nil {
		t.Fatal("expected duplicate version error")
	}
	if _, err := parseMigrationName("init.sql"); err == nil {
		t.Fatal("expected missing version error")
	}
}

func TestRebindPostgres(t *testing.T) {
	db := &DB{dialect: DialectPostgres}
	got := db.rebind("UPDATE t SET a = ? WHERE id = ? AND b IN (?, ?)")
	want := "UPDATE t SET a = $1 WHERE id = $2 AND b IN ($3, $4)"
	if got != want {
		t.Fatalf("rebind = %q, want %q", got, want)
	}
	if (&DB{dialect: DialectMySQL}).concat("description") != "CONCAT(description, ?)" {
		t.Fatalf("unexpected mysql concat")
	}
}

func TestTaskRoundTripAndAppend(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	now := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	if err := db.CreateTask(ctx, newTask("t-1", task.StatusNew, now)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := db.AppendTaskDescription(ctx, "t-1", "## Research Findings", now); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := db.AppendTaskDescription(ctx, "t-1", "\n\nmore", now); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := db.SetTaskStatus(ctx, "t-1", task.StatusInProgress, now.Add(time.Minute)); err != nil {
		t.Fatalf("status: %v", err)
	}
	got, err := db.GetTask(ctx, "t-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Description != "## Research Findings\n\nmore" || got.Status != task.StatusInProgress {
		t.Fatalf("unexpected task %+v", got)
	}
	if !got.CreatedAt.Equal(now) {
		t.Fatalf("created_at not preserved: %s", got.CreatedAt)
	}
	if _, err := db.GetTask(ctx, "missing"); !errors.Is(err, task.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
	if err := db.SetTaskStatus(ctx, "missing", task.StatusFailed, now); !errors.Is(err, task.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound on update, got %v", err)
	}
}

func TestListTasksFilters(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	base := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	statuses := []task.Status{task.StatusNew, task.StatusCompleted, task.StatusInProgress}
	for i, st := range statuses {
		if err := db.CreateTask(ctx, newTask(string(rune('a'+i)), st, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	active, err := db.ListTasks(ctx, task.BuildListOptions(task.WithoutStatuses(task.StatusCompleted)))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 2 || active[0].ID != "c" {
		t.Fatalf("unexpected active list %+v", active)
	}
	done, err := db.ListTasks(ctx, task.BuildListOptions(task.WithStatuses(task.StatusCompleted)))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(done) != 1 || done[0].ID != "b" {
		t.Fatalf("unexpected completed list %+v", done)
	}

	call := newTask("d", task.StatusNew, base.Add(time.Hour))
	call.Type = task.TypeCall
	if err := db.CreateTask(ctx, call); err != nil {
		t.Fatalf("create call: %v", err)
	}
	calls, err := db.ListTasks(ctx, task.BuildListOptions(task.WithTypes(task.TypeCall), task.Active()))
	if err != nil {
		t.Fatalf("list calls: %v", err)
	}
	if len(calls) != 1 || calls[0].ID != "d" {
		t.Fatalf("unexpected call list %+v", calls)
	}
}

func TestDecideApprovalOnlyOnce(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	now := time.Now().UTC()
	a := &approval.Approval{ID: "a-1", TaskID: "t-1", ActionType: approval.ActionMakeCall, Status: approval.StatusPending, Notes: "Call +420123456789: book", CreatedAt: now}
	if err := db.CreateApproval(ctx, a); err != nil {
		t.Fatalf("create: %v", err)
	}
	changed, err := db.DecideApproval(ctx, "a-1", approval.StatusApproved, "admin", "", now)
	if err != nil || !changed {
		t.Fatalf("first decide: changed=%v err=%v", changed, err)
	}
	changed, err = db.DecideApproval(ctx, "a-1", approval.StatusRejected, "admin", "", now)
	if err != nil || changed {
		t.Fatalf("second decide must be a no-op: changed=%v err=%v", changed, err)
	}
	got, _ := db.GetApproval(ctx, "a-1")
	if got.Status != approval.StatusApproved || got.ApprovedAt == nil || got.Notes != a.Notes {
		t.Fatalf("unexpected approval %+v", got)
	}
	if _, err := db.DecideApproval(ctx, "missing", approval.StatusApproved, "admin", "", now); !errors.Is(err, approval.ErrApprovalNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCallUniquePerApprovalAndTerminalGuard(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	now := time.Now().UTC()
	c := &call.Call{ID: "c-1", ProviderCallID: "CA1", ApprovalID: "a-1", Direction: call.DirectionOutbound, Provider: call.ProviderTwilio, PhoneNumber: "+420123456789", Status: call.StatusPending, CreatedAt: now, UpdatedAt: now}
	if err := db.CreateCall(ctx, c); err != nil {
		t.Fatalf("create: %v", err)
	}
	dup := *c
	dup.ID = "c-2"
	dup.ProviderCallID = "CA2"
	if err := db.CreateCall(ctx, &dup); !errors.Is(err, call.ErrCallConflict) {
		t.Fatalf("expected conflict for second call on approval, got %v", err)
	}
	inbound := &call.Call{ID: "c-3", ProviderCallID: "CA3", Direction: call.DirectionInbound, Provider: call.ProviderInbound, Status: call.StatusInProgress, CreatedAt: now, UpdatedAt: now}
	other := &call.Call{ID: "c-4", ProviderCallID: "CA4", Direction: call.DirectionInbound, Provider: call.ProviderInbound, Status: call.StatusInProgress, CreatedAt: now, UpdatedAt: now}
	if err := db.CreateCall(ctx, inbound); err != nil {
		t.Fatalf("inbound without approval: %v", err)
	}
	if err := db.CreateCall(ctx, other); err != nil {
		t.Fatalf("second inbound without approval: %v", err)
	}

	changed, err := db.AdvanceCallStatus(ctx, "c-1", call.StatusInProgress, now)
	if err != nil || !changed {
		t.Fatalf("advance to in_progress: %v %v", changed, err)
	}
	changed, err = db.AdvanceCallStatus(ctx, "c-1", call.StatusPending, now)
	if err != nil || changed {
		t.Fatalf("late ringing must not move a live call back: %v %v", changed, err)
	}
	if got, _ := db.GetCall(ctx, "c-1"); got == nil || got.Status != call.StatusInProgress {
		t.Fatalf("live call regressed: %+v", got)
	}
	changed, err = db.AdvanceCallStatus(ctx, "c-1", call.StatusCompleted, now)
	if err != nil || !changed {
		t.Fatalf("advance to completed: %v %v", changed, err)
	}
	changed, err = db.AdvanceCallStatus(ctx, "c-1", call.StatusCompleted, now)
	if err != nil || changed {
		t.Fatalf("repeat completed must not change: %v %v", changed, err)
	}
	changed, err = db.AdvanceCallStatus(ctx, "c-1", call.StatusPending, now)
	if err != nil || changed {
		t.Fatalf("late ringing must not overwrite terminal: %v %v", changed, err)
	}
	got, err := db.GetCallByProviderID(ctx, "CA1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != call.StatusCompleted || got.EndedAt == nil {
		t.Fatalf("unexpected call %+v", got)
	}
	if _, err := db.GetCallByApproval(ctx, ""); !errors.Is(err, call.ErrCallNotFound) {
		t.Fatalf("empty approval id must not match inbound calls, got %v", err)
	}
}

func TestJobClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	now := time.Now().UTC()
	job := &jobs.Job{ID: "j-1", Kind: jobs.KindResearch, SubjectID: "t-1", Status: jobs.StatusPending, NotBefore: now.Add(time.Minute), CreatedAt: now, UpdatedAt: now}
	if err := db.CreateJob(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := db.ClaimJob(ctx, "j-1", now, now.Add(-time.Hour)); !errors.Is(err, jobs.ErrJobNotClaimable) {
		t.Fatalf("delayed job must not be claimable early, got %v", err)
	}
	later := now.Add(2 * time.Minute)
	claimed, err := db.ClaimJob(ctx, "j-1", later, later.Add(-time.Hour))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != jobs.StatusRunning || claimed.Attempts != 1 {
		t.Fatalf("unexpected claimed job %+v", claimed)
	}
	if _, err := db.ClaimJob(ctx, "j-1", later, later.Add(-time.Hour)); !errors.Is(err, jobs.ErrJobNotClaimable) {
		t.Fatalf("second claim must fail, got %v", err)
	}
	replay, err := db.ListReplayableJobs(ctx, later.Add(2*time.Hour), later.Add(time.Hour), 10)
	if err != nil || len(replay) != 1 {
		t.Fatalf("stale running job should be replayable: %v %d", err, len(replay))
	}
	if err := db.FinishJob(ctx, "j-1", jobs.StatusSucceeded, "", later); err != nil {
		t.Fatalf("finish: %v", err)
	}
	replay, _ = db.ListReplayableJobs(ctx, later.Add(2*time.Hour), later.Add(time.Hour), 10)
	if len(replay) != 0 {
		t.Fatalf("finished job must not be replayed")
	}
	if _, err := db.ClaimJob(ctx, "missing", now, now); !errors.Is(err, jobs.ErrJobNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestBeginDispatchClaims(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	now := time.Now().UTC()
	lease := 10 * time.Minute

	rec, ok, err := db.BeginDispatch(ctx, "a-1", now, now.Add(-lease))
	if err != nil || !ok || rec.State != dispatch.RetryDispatching {
		t.Fatalf("first begin: %+v %v %v", rec, ok, err)
	}
	if _, ok, _ := db.BeginDispatch(ctx, "a-1", now, now.Add(-lease)); ok {
		t.Fatalf("concurrent begin must not claim")
	}
	if err := db.ScheduleRetry(ctx, "a-1", 1, now.Add(5*time.Minute), "gateway down", now); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if _, ok, _ := db.BeginDispatch(ctx, "a-1", now.Add(time.Minute), now.Add(time.Minute-lease)); ok {
		t.Fatalf("retry must not start before next_attempt_at")
	}
	at := now.Add(6 * time.Minute)
	rec, ok, err = db.BeginDispatch(ctx, "a-1", at, at.Add(-lease))
	if err != nil || !ok || rec.RetryCount != 1 {
		t.Fatalf("due retry should be claimed: %+v %v %v", rec, ok, err)
	}
	if err := db.FinishDispatch(ctx, "a-1", dispatch.RetrySucceeded, "", at); err != nil {
		t.Fatalf("finish: %v", err)
	}
	far := at.Add(24 * time.Hour)
	if _, ok, _ := db.BeginDispatch(ctx, "a-1", far, far.Add(-lease)); ok {
		t.Fatalf("finished record must never be reclaimed")
	}
}

func TestSettingsUpsert(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	now := time.Now()
	if err := db.PutSetting(ctx, "timezone", "UTC", now); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := db.PutSetting(ctx, "timezone", "Europe/Prague", now); err != nil {
		t.Fatalf("put again: %v", err)
	}
	all, err := db.AllSettings(ctx)
	if err != nil || all["timezone"] != "Europe/Prague" {
		t.Fatalf("unexpected settings %v %v", all, err)
	}
}
