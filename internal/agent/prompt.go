package agent

import (
	"fmt"
	"strings"
	"time"

	"Errand-Desk/internal/approval"
	"Errand-Desk/internal/call"
	"Errand-Desk/internal/memory"
	"Errand-Desk/internal/settings"
	"Errand-Desk/internal/task"
)

// SystemState 是注入系统提示的实时数据。
type SystemState struct {
	Now       time.Time
	Tasks     []*task.Task
	Calls     []*call.Call
	Approvals []*approval.Approval
	Memories  []*memory.Memory
}

const actionFormat = `ACTION FORMAT: when you need to take an action, include a JSON block wrapped in <action> tags:

To create a task:
<action>{"type":"create_task","title":"...","task_type":"call|booking|follow_up|cancellation|inquiry|other","priority":"low|medium|high|urgent","description":"...","contact_name":"...","contact_phone":"...","contact_email":"...","address":"...","preferred_time_1":"...","preferred_time_2":"...","constraints":"..."}</action>

To request approval for a call:
<action>{"type":"request_call_approval","task_id":"...","phone_number":"...","purpose":"..."}</action>

To store a memory about the user:
<action>{"type":"store_memory","category":"preference|fact|context|instruction","content":"..."}</action>

To update a task status:
<action>{"type":"update_task","task_id":"...","status":"...","notes":"..."}</action>

You can include multiple actions in one response if needed.`

// SystemPrompt 组装对话模型的系统提示。
func SystemPrompt(snap settings.Snapshot, state SystemState) string {
	business := snap.BusinessName
	if business == "" {
		business = "Home"
	}
	identity := snap.AgentIdentity
	if identity == "" {
		identity = "Bob"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are an operations assistant with real agentic capabilities. On phone calls you introduce yourself as %s.\n", identity)
	fmt.Fprintf(&b, "You work for %s.\n", business)
	fmt.Fprintf(&b, "Today is %s.\n\n", state.Now.Format("Monday, January 2, 2006"))
	b.WriteString(`When you create a task, the backend automatically researches it with web search, appends structured findings to the task and requests approval when a phone call is needed.
You never place a call without an approval. Approval requests appear in the dashboard.

RULES:
- When the user asks you to do something, create a task immediately with all known details.
- When the request is unclear, ask specific clarifying questions.
- Keep responses conversational and direct.
- Refer to existing tasks, calls and approvals by their IDs when relevant.
- When a task is in_progress, tell the user it is being worked on.

`)
	b.WriteString(actionFormat)
	b.WriteString("\n\nCURRENT SYSTEM STATE:\n")
	writeTasks(&b, state.Tasks)
	writeCalls(&b, state.Calls)
	writeApprovals(&b, state.Approvals, state.Tasks)
	writeMemories(&b, state.Memories)
	return strings.TrimRight(b.String(), "\n")
}

func writeTasks(b *strings.Builder, tasks []*task.Task) {
	if len(tasks) == 0 {
		b.WriteString("No active tasks.\n")
		return
	}
	b.WriteString("Active tasks:\n")
	for _, t := range tasks {
		fmt.Fprintf(b, "- %q (%s, %s, priority: %s", t.Title, t.Type, t.Status, t.Priority)
		if t.ContactName != "" {
			fmt.Fprintf(b, ", contact: %s", t.ContactName)
		}
		if t.ContactAddress != "" {
			fmt.Fprintf(b, ", address: %s", t.ContactAddress)
		}
		switch {
		case strings.Contains(t.Description, "## Research Findings"):
			b.WriteString(", research completed")
		case t.Status == task.StatusInProgress:
			b.WriteString(", researching now")
		}
		fmt.Fprintf(b, ") ID: %s\n", t.ID)
	}
}

func writeCalls(b *strings.Builder, calls []*call.Call) {
	if len(calls) == 0 {
		return
	}
	b.WriteString("Recent calls:\n")
	for _, c := range calls {
		fmt.Fprintf(b, "- %s call to/from %s", c.Direction, c.PhoneNumber)
		if c.CallerName != "" {
			fmt.Fprintf(b, " (%s)", c.CallerName)
		}
		fmt.Fprintf(b, ": %s", c.Status)
		if c.Summary != "" {
			fmt.Fprintf(b, ", %s", c.Summary)
		}
		if c.DurationSeconds > 0 {
			fmt.Fprintf(b, " (%ds)", c.DurationSeconds)
		}
		b.WriteString("\n")
	}
}

func writeApprovals(b *strings.Builder, approvals []*approval.Approval, tasks []*task.Task) {
	if len(approvals) == 0 {
		return
	}
	titles := make(map[string]string, len(tasks))
	for _, t := range tasks {
		titles[t.ID] = t.Title
	}
	b.WriteString("Pending approvals waiting for user:\n")
	for _, a := range approvals {
		subject := titles[a.TaskID]
		if subject == "" {
			subject = a.Notes
		}
		fmt.Fprintf(b, "- %s for %q (approval ID: %s)\n", a.ActionType, subject, a.ID)
	}
}

func writeMemories(b *strings.Builder, memories []*memory.Memory) {
	if len(memories) == 0 {
		return
	}
	b.WriteString("User memories and preferences:\n")
	for _, m := range memories {
		fmt.Fprintf(b, "- [%s] %s\n", m.Category, m.Content)
	}
}
