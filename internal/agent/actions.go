package agent

import (
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"Errand-Desk/internal/task"
)

// 动作类型。
const (
	TypeCreateTask          = "create_task"
	TypeRequestCallApproval = "request_call_approval"
	TypeStoreMemory         = "store_memory"
	TypeUpdateTask          = "update_task"
)

var actionBlock = regexp.MustCompile(`(?s)<action>(.*?)</action>`)

// Action 是从模型回复中解析出的一个动作。
type Action interface {
	// Type 返回动作类型，InvalidAction 返回模型声明的类型（可能为空）。
	Type() string
}

// CreateTaskAction 创建任务并启动研究。
type CreateTaskAction struct {
	Request task.CreateRequest
}

// RequestCallApprovalAction 申请外呼审批。
type RequestCallApprovalAction struct {
	TaskID      string
	PhoneNumber string
	Purpose     string
}

// StoreMemoryAction 写入一条记忆。
type StoreMemoryAction struct {
	Category string
	Content  string
}

// UpdateTaskAction 推进任务状态，受状态图约束。
type UpdateTaskAction struct {
	TaskID string
	Status task.Status
	Notes  string
}

// InvalidAction 表示无法执行的动作块。
type InvalidAction struct {
	Declared string
	Raw      string
	Reason   string
}

func (CreateTaskAction) Type() string          { return TypeCreateTask }
func (RequestCallApprovalAction) Type() string { return TypeRequestCallApproval }
func (StoreMemoryAction) Type() string         { return TypeStoreMemory }
func (UpdateTaskAction) Type() string          { return TypeUpdateTask }
func (a InvalidAction) Type() string           { return a.Declared }

// ParseActions 按出现顺序提取 <action> 块，并返回去掉这些块后的可见文本。
func ParseActions(reply string) (string, []Action) {
	matches := actionBlock.FindAllStringSubmatch(reply, -1)
	clean := strings.TrimSpace(actionBlock.ReplaceAllString(reply, ""))
	if len(matches) == 0 {
		return clean, nil
	}
	actions := make([]Action, 0, len(matches))
	for _, m := range matches {
		actions = append(actions, parseAction(strings.TrimSpace(m[1])))
	}
	return clean, actions
}

func parseAction(raw string) Action {
	if !gjson.Valid(raw) {
		return InvalidAction{Raw: raw, Reason: "malformed action JSON"}
	}
	doc := gjson.Parse(raw)
	if !doc.IsObject() {
		return InvalidAction{Raw: raw, Reason: "action must be a JSON object"}
	}
	kind := str(doc, "type")
	invalid := func(reason string) Action {
		return InvalidAction{Declared: kind, Raw: raw, Reason: reason}
	}

	switch kind {
	case TypeCreateTask:
		title := str(doc, "title")
		if title == "" {
			return invalid("title is required")
		}
		return CreateTaskAction{Request: task.CreateRequest{
			Title:          title,
			Description:    str(doc, "description"),
			Type:           str(doc, "task_type"),
			Priority:       str(doc, "priority"),
			ContactName:    str(doc, "contact_name"),
			ContactPhone:   str(doc, "contact_phone"),
			ContactEmail:   str(doc, "contact_email"),
			ContactAddress: str(doc, "address"),
			PreferredTime1: str(doc, "preferred_time_1"),
			PreferredTime2: str(doc, "preferred_time_2"),
			Constraints:    str(doc, "constraints"),
			DefaultType:    task.TypeOther,
		}}
	case TypeRequestCallApproval:
		phone := str(doc, "phone_number")
		if phone == "" {
			return invalid("phone_number is required")
		}
		return RequestCallApprovalAction{TaskID: str(doc, "task_id"), PhoneNumber: phone, Purpose: str(doc, "purpose")}
	case TypeStoreMemory:
		content := str(doc, "content")
		if content == "" {
			return invalid("content is required")
		}
		return StoreMemoryAction{Category: str(doc, "category"), Content: content}
	case TypeUpdateTask:
		id, status := str(doc, "task_id"), str(doc, "status")
		if id == "" || status == "" {
			return invalid("task_id and status are required")
		}
		return UpdateTaskAction{TaskID: id, Status: task.Status(strings.ToLower(status)), Notes: str(doc, "notes")}
	default:
		return invalid("unknown action type")
	}
}

// str 只接受 JSON 字符串，其他类型视为缺失。
func str(doc gjson.Result, path string) string {
	v := doc.Get(path)
	if v.Type != gjson.String {
		return ""
	}
	return strings.TrimSpace(v.Str)
}
