package research

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"pgregory.net/rapid"

	"Errand-Desk/internal/contact"
	"Errand-Desk/internal/task"
)

func TestParseDecisionStripsBlock(t *testing.T) {
	reply := "## Options\n\n| Option | Price |\n|---|---|\n| Luigi's | $$ |\n\n" +
		`<next_action>{"needs_call": true, "call_to": "Luigi's", "call_phone": "+420777123456", "call_purpose": "Reserve a table for 4", "summary": "Luigi's has Friday availability."}</next_action>`
	clean, d, err := ParseDecision(reply)
	if err != nil {
		t.Fatalf("ParseDecision: %v", err)
	}
	if strings.Contains(clean, "next_action") {
		t.Fatalf("decision block must be stripped: %q", clean)
	}
	if !strings.HasPrefix(clean, "## Options") {
		t.Fatalf("unexpected findings %q", clean)
	}
	if !d.NeedsCall || d.CallTo != "Luigi's" || d.CallPhone != "+420777123456" || d.Summary == "" {
		t.Fatalf("unexpected decision %+v", d)
	}
}

func TestParseDecisionNullPhone(t *testing.T) {
	_, d, err := ParseDecision(`x <next_action>{"needs_call": false, "call_to": "", "call_phone": null, "call_purpose": "", "summary": "Three gyms compared."}</next_action>`)
	if err != nil {
		t.Fatalf("ParseDecision: %v", err)
	}
	if d.NeedsCall || d.CallPhone != "" || d.Summary != "Three gyms compared." {
		t.Fatalf("unexpected decision %+v", d)
	}
}

func TestParseDecisionMalformed(t *testing.T) {
	cases := []string{
		`<next_action>{"needs_call": "yes", "call_to": "Gym"}</next_action>`,
		`<next_action>{needs_call: true}</next_action>`,
		`<next_action>[true]</next_action>`,
		`<next_action>{"call_to": "Gym"}</next_action>`,
	}
	for _, reply := range cases {
		clean, d, err := ParseDecision("findings " + reply)
		if err == nil {
			t.Fatalf("expected error for %q", reply)
		}
		if d.NeedsCall {
			t.Fatalf("malformed block must not request a call: %q", reply)
		}
		if clean != "findings" {
			t.Fatalf("block should still be stripped, got %q", clean)
		}
	}
	if _, _, err := ParseDecision("no block at all"); err != ErrNoDecision {
		t.Fatalf("expected ErrNoDecision, got %v", err)
	}
}

func TestParseDecisionNeverRequestsCallOnError(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		body := rapid.String().Draw(rt, "body")
		wrap := rapid.Bool().Draw(rt, "wrap")
		reply := body
		if wrap {
			reply = "text <next_action>" + body + "</next_action>"
		}
		clean, d, err := ParseDecision(reply)
		if err != nil && d != (Decision{}) {
			rt.Fatalf("error must come with a zero decision, got %+v", d)
		}
		if wrap && strings.Contains(clean, "<next_action>") && !strings.Contains(body, "<next_action>") {
			rt.Fatalf("block not stripped: %q", clean)
		}
	})
}

func TestParseDecisionReadsGeneratedBlocks(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		needs := rapid.Bool().Draw(rt, "needs")
		to := rapid.StringMatching(`[A-Za-z' ]{0,20}`).Draw(rt, "to")
		reply := fmt.Sprintf(`findings <next_action>{"needs_call": %t, "call_to": %q, "call_phone": null}</next_action>`, needs, to)
		_, d, err := ParseDecision(reply)
		if err != nil {
			rt.Fatalf("ParseDecision(%q): %v", reply, err)
		}
		if d.NeedsCall != needs || d.CallTo != strings.TrimSpace(to) {
			rt.Fatalf("decision %+v does not match input %t %q", d, needs, to)
		}
	})
}

func TestWarrantedPolicy(t *testing.T) {
	booking := &task.Task{Type: task.TypeBooking, ContactPhone: "+420 777 123 456"}
	target, ok := Warranted(booking, Decision{NeedsCall: true, CallTo: "Luigi's", CallPurpose: "Reserve a table"})
	if !ok || target.Phone != "+420777123456" {
		t.Fatalf("expected booking call with task phone, got %+v %v", target, ok)
	}
	if target.Notes() != "Call Luigi's at +420777123456: Reserve a table" {
		t.Fatalf("unexpected notes %q", target.Notes())
	}

	if _, ok := Warranted(booking, Decision{NeedsCall: true}); ok {
		t.Fatalf("a call without a target must be refused")
	}
	inquiry := &task.Task{Type: task.TypeInquiry}
	if _, ok := Warranted(inquiry, Decision{NeedsCall: true, CallTo: "Some gym"}); ok {
		t.Fatalf("inquiry without a phone must be refused")
	}
	if _, ok := Warranted(inquiry, Decision{NeedsCall: true, CallTo: "Some gym", CallPhone: "+420600111222"}); !ok {
		t.Fatalf("inquiry with a concrete phone is allowed")
	}
	noPhone := &task.Task{Type: task.TypeCall}
	target, ok = Warranted(noPhone, Decision{NeedsCall: true, CallTo: "Dr. Novak", CallPurpose: "Move appointment"})
	if !ok || target.Notes() != "Call Dr. Novak: Move appointment" {
		t.Fatalf("unexpected target %+v %v", target, ok)
	}
}

func TestSearchQueryAndPrompt(t *testing.T) {
	long := strings.Repeat("a", 200)
	tk := &task.Task{Title: "Find a gym", Description: long, Type: task.TypeInquiry, Priority: task.PriorityLow}
	q := SearchQuery(tk, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Year())
	if q != "Find a gym "+strings.Repeat("a", 150)+" latest 2026" {
		t.Fatalf("unexpected query %q", q)
	}
	prompt := UserPrompt(tk, []*contact.Contact{{Name: "FitZone", Phone: "+420600111222", Company: "FitZone s.r.o."}}, "")
	if !strings.Contains(prompt, "- FitZone: +420600111222 (FitZone s.r.o.)") {
		t.Fatalf("contacts missing from prompt: %s", prompt)
	}
	if !strings.Contains(prompt, "No web search results available") {
		t.Fatalf("expected no-results note")
	}
	if !strings.Contains(SystemPrompt("Mr. Ermakov"), "called Mr. Ermakov") {
		t.Fatalf("identity missing from system prompt")
	}
}
