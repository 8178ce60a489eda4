package research

import (
	"fmt"
	"strings"

	"Errand-Desk/internal/contact"
	"Errand-Desk/internal/task"
)

const systemPromptTemplate = `You are a thorough research assistant working for an executive assistant called %s. Analyze the task and any web search results, then write well-formatted, actionable findings.

OUTPUT FORMAT RULES:
- Use markdown with ## for main sections and ### for subsections
- Use **bold** for important terms, prices and names
- Use bullet lists for key points and numbered lists for step-by-step actions
- When comparing options, services or products, ALWAYS include a markdown table:
  | Option | Provider | Price | Key Features | Availability |
  |--------|----------|-------|--------------|--------------|
- After the table, add a **Recommended Option** section with a clear rationale
- Stay focused: 400-600 words, not counting the decision block

CALL DECISION RULES:
Recommend a phone call ONLY when:
- The task requires booking, reserving or scheduling with a specific business or person
- The task requires negotiating, custom questions or a quote from a specific vendor
- The task follows up with a named contact who has a phone number
- The task type is "call", "booking" or "cancellation" AND a specific business or person is identified

Do NOT recommend a call when:
- The task is research, information gathering, comparison or analysis
- The task asks for recommendations, suggestions or exploration of a topic
- No specific business, person or phone number has been identified
- The task type is "inquiry" or "other" without a clear call target
- The information can be found online without calling

End your response with EXACTLY this block:
<next_action>{"needs_call": true/false, "call_to": "name or business or empty string", "call_phone": "+number or null", "call_purpose": "reason or empty string", "summary": "one-sentence summary of findings"}</next_action>`

// SystemPrompt 返回研究用的系统提示词。
func SystemPrompt(identity string) string {
	if strings.TrimSpace(identity) == "" {
		identity = "Bob"
	}
	return fmt.Sprintf(systemPromptTemplate, identity)
}

// SearchQuery 构造联网搜索的查询：标题、描述前 150 个字符与年份。
func SearchQuery(t *task.Task, year int) string {
	q := t.Title
	if desc := strings.TrimSpace(t.Description); desc != "" {
		q += " " + truncate(desc, 150)
	}
	return fmt.Sprintf("%s latest %d", q, year)
}

// UserPrompt 把任务、联系人与搜索结果组织成一条 user 消息。
func UserPrompt(t *task.Task, contacts []*contact.Contact, webResults string) string {
	var b strings.Builder
	b.WriteString("Research this task and provide well-formatted findings:\n\n")
	fmt.Fprintf(&b, "**Task:** %s\n", t.Title)
	fmt.Fprintf(&b, "**Type:** %s\n", t.Type)
	fmt.Fprintf(&b, "**Priority:** %s\n", t.Priority)
	fmt.Fprintf(&b, "**Description:** %s\n", orDefault(t.Description, "No additional details"))
	fmt.Fprintf(&b, "**Contact:** %s\n", orDefault(t.ContactName, "Not specified"))
	fmt.Fprintf(&b, "**Phone:** %s\n", orDefault(t.ContactPhone, "Not specified"))
	fmt.Fprintf(&b, "**Address:** %s\n", orDefault(t.ContactAddress, "Not specified"))
	fmt.Fprintf(&b, "**Constraints:** %s\n", orDefault(t.Constraints, "None"))
	fmt.Fprintf(&b, "**Preferred times:** %s\n", orDefault(strings.TrimSpace(t.PreferredTime1+" "+t.PreferredTime2), "Flexible"))

	if len(contacts) > 0 {
		b.WriteString("\nMatching contacts found in database:\n")
		for _, c := range contacts {
			fmt.Fprintf(&b, "- %s: %s", c.Name, c.Phone)
			if c.Company != "" {
				fmt.Fprintf(&b, " (%s)", c.Company)
			}
			if c.Notes != "" {
				fmt.Fprintf(&b, ": %s", c.Notes)
			}
			b.WriteString("\n")
		}
	}

	if strings.TrimSpace(webResults) != "" {
		b.WriteString("\n--- WEB SEARCH RESULTS (use this real-time data) ---\n")
		b.WriteString(webResults)
		b.WriteString("\n--- END WEB RESULTS ---\n")
	} else {
		b.WriteString("\nNo web search results available. Use your best knowledge and note that it may not be current.\n")
	}
	b.WriteString("\nBased on all available information, write a thorough research report. If comparing options, include a comparison table with pricing. Be specific with names, prices and actionable details.")
	return b.String()
}

func orDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
