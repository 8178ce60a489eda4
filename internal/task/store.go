package task

import (
	"context"
	"time"
)

// Fields 描述可以被部分更新的描述性字段，nil 表示不修改。
type Fields struct {
	Title          *string
	Description    *string
	Type           *Type
	Priority       *Priority
	ContactName    *string
	ContactPhone   *string
	ContactEmail   *string
	ContactAddress *string
	PreferredTime1 *string
	PreferredTime2 *string
	Constraints    *string
}

// Empty 判断补丁是否不包含任何字段。
func (f Fields) Empty() bool {
	return f.Title == nil && f.Description == nil && f.Type == nil && f.Priority == nil &&
		f.ContactName == nil && f.ContactPhone == nil && f.ContactEmail == nil &&
		f.ContactAddress == nil && f.PreferredTime1 == nil && f.PreferredTime2 == nil &&
		f.Constraints == nil
}

// Store 抽象了任务的持久化接口。每个写操作都是按 id 的独立更新。
type Store interface {
	CreateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, opts ListOptions) ([]*Task, error)
	UpdateTaskFields(ctx context.Context, id string, fields Fields, at time.Time) error
	SetTaskStatus(ctx context.Context, id string, status Status, at time.Time) error
	AppendTaskDescription(ctx context.Context, id string, text string, at time.Time) error
}
