package research

import (
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	xerrors "Errand-Desk/internal/errors"
	"Errand-Desk/internal/task"
	"Errand-Desk/internal/telephony"
)

var decisionBlock = regexp.MustCompile(`(?s)<next_action>(.*?)</next_action>`)

// Decision 是模型在研究结果末尾给出的下一步建议。
type Decision struct {
	NeedsCall   bool   `json:"needs_call"`
	CallTo      string `json:"call_to"`
	CallPhone   string `json:"call_phone"`
	CallPurpose string `json:"call_purpose"`
	Summary     string `json:"summary"`
}

const CodeMalformedDecision xerrors.Code = "RESEARCH_DECISION_MALFORMED"

var (
	// ErrNoDecision 表示回复中没有决策块。
	ErrNoDecision = xerrors.New(CodeMalformedDecision, "decision block missing")
	// ErrMalformedDecision 表示决策块不是合法 JSON 或缺少 needs_call。
	ErrMalformedDecision = xerrors.New(CodeMalformedDecision, "decision block malformed")
)

func init() {
	xerrors.Register(CodeMalformedDecision, xerrors.Attributes{Message: "research decision malformed", Severity: xerrors.SeverityWarning})
}

// ParseDecision 从模型回复中拆出正文与决策块。
// 任何解析错误都返回 needs_call=false 的零值决策，正文总是去掉决策块后的文本。
func ParseDecision(reply string) (string, Decision, error) {
	loc := decisionBlock.FindStringSubmatchIndex(reply)
	if loc == nil {
		return strings.TrimSpace(reply), Decision{}, ErrNoDecision
	}
	clean := strings.TrimSpace(reply[:loc[0]] + reply[loc[1]:])
	raw := strings.TrimSpace(reply[loc[2]:loc[3]])
	if !gjson.Valid(raw) {
		return clean, Decision{}, ErrMalformedDecision
	}
	doc := gjson.Parse(raw)
	if !doc.IsObject() {
		return clean, Decision{}, ErrMalformedDecision
	}
	needs := doc.Get("needs_call")
	if needs.Type != gjson.True && needs.Type != gjson.False {
		return clean, Decision{}, ErrMalformedDecision
	}
	d := Decision{
		NeedsCall:   needs.Bool(),
		CallTo:      stringField(doc, "call_to"),
		CallPhone:   stringField(doc, "call_phone"),
		CallPurpose: stringField(doc, "call_purpose"),
		Summary:     stringField(doc, "summary"),
	}
	return clean, d, nil
}

// stringField 只接受字符串，null 与其他类型视为空。
func stringField(doc gjson.Result, path string) string {
	v := doc.Get(path)
	if v.Type != gjson.String {
		return ""
	}
	return strings.TrimSpace(v.String())
}

// CallTarget 是通过策略复核后的外呼目标。
type CallTarget struct {
	Name    string
	Phone   string
	Purpose string
}

// Notes 返回审批记录中的说明文字。
func (c CallTarget) Notes() string {
	if c.Phone == "" {
		return "Call " + c.Name + ": " + c.Purpose
	}
	return "Call " + c.Name + " at " + c.Phone + ": " + c.Purpose
}

// Warranted 在代码侧重新检查外呼策略，模型的建议只是输入之一。
// 必须有明确的外呼对象；inquiry 与 other 类任务还必须能确定号码。
func Warranted(t *task.Task, d Decision) (CallTarget, bool) {
	if !d.NeedsCall || d.CallTo == "" {
		return CallTarget{}, false
	}
	target := CallTarget{Name: d.CallTo, Purpose: d.CallPurpose}
	if phone, ok := telephony.NormalizePhone(d.CallPhone); ok {
		target.Phone = phone
	} else if phone, ok := telephony.NormalizePhone(t.ContactPhone); ok {
		target.Phone = phone
	}
	if target.Phone == "" && (t.Type == task.TypeInquiry || t.Type == task.TypeOther) {
		return CallTarget{}, false
	}
	return target, true
}
