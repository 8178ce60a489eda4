package sqlstore

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	"Errand-Desk/internal/task"
)

const taskColumns = `id, title, description, task_type, priority, contact_name, contact_phone, contact_email,
        contact_address, preferred_time_1, preferred_time_2, task_constraints, status, created_at, updated_at`

// CreateTask 实现 task.Store。
func (s *DB) CreateTask(ctx context.Context, t *task.Task) error {
	_, err := s.exec(ctx, `INSERT INTO tasks (`+taskColumns+`)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.Description, string(t.Type), string(t.Priority), t.ContactName, t.ContactPhone,
		t.ContactEmail, t.ContactAddress, t.PreferredTime1, t.PreferredTime2, t.Constraints,
		string(t.Status), toMillis(t.CreatedAt), toMillis(t.UpdatedAt),
	)
	if err != nil {
		return storageError(err, "写入任务失败")
	}
	return nil
}

// GetTask 实现 task.Store。
func (s *DB) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.queryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, task.ErrTaskNotFound
	}
	if err != nil {
		return nil, storageError(err, "查询任务失败")
	}
	return t, nil
}

// ListTasks 实现 task.Store，按更新时间倒序。
func (s *DB) ListTasks(ctx context.Context, opts task.ListOptions) ([]*task.Task, error) {
	var (
		where []string
		args  []any
	)
	if len(opts.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(opts.Statuses))+")")
		for _, st := range opts.Statuses {
			args = append(args, string(st))
		}
	}
	if len(opts.ExcludeStatuses) > 0 {
		where = append(where, "status NOT IN ("+placeholders(len(opts.ExcludeStatuses))+")")
		for _, st := range opts.ExcludeStatuses {
			args = append(args, string(st))
		}
	}
	if len(opts.Types) > 0 {
		where = append(where, "task_type IN ("+placeholders(len(opts.Types))+")")
		for _, tt := range opts.Types {
			args = append(args, string(tt))
		}
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC, id ASC LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, storageError(err, "查询任务列表失败")
	}
	defer rows.Close()
	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, storageError(err, "解析任务失败")
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "遍历任务失败")
	}
	return out, nil
}

// UpdateTaskFields 实现 task.Store，只更新补丁中出现的列。
func (s *DB) UpdateTaskFields(ctx context.Context, id string, f task.Fields, at time.Time) error {
	var (
		sets []string
		args []any
	)
	add := func(column string, value any) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}
	if f.Title != nil {
		add("title", strings.TrimSpace(*f.Title))
	}
	if f.Description != nil {
		add("description", *f.Description)
	}
	if f.Type != nil {
		add("task_type", string(*f.Type))
	}
	if f.Priority != nil {
		add("priority", string(*f.Priority))
	}
	if f.ContactName != nil {
		add("contact_name", strings.TrimSpace(*f.ContactName))
	}
	if f.ContactPhone != nil {
		add("contact_phone", strings.TrimSpace(*f.ContactPhone))
	}
	if f.ContactEmail != nil {
		add("contact_email", strings.TrimSpace(*f.ContactEmail))
	}
	if f.ContactAddress != nil {
		add("contact_address", strings.TrimSpace(*f.ContactAddress))
	}
	if f.PreferredTime1 != nil {
		add("preferred_time_1", strings.TrimSpace(*f.PreferredTime1))
	}
	if f.PreferredTime2 != nil {
		add("preferred_time_2", strings.TrimSpace(*f.PreferredTime2))
	}
	if f.Constraints != nil {
		add("task_constraints", *f.Constraints)
	}
	if len(sets) == 0 {
		return nil
	}
	add("updated_at", toMillis(at))
	args = append(args, id)
	res, err := s.exec(ctx, `UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return storageError(err, "更新任务失败")
	}
	return s.taskAffected(ctx, res, id)
}

// SetTaskStatus 实现 task.Store。
func (s *DB) SetTaskStatus(ctx context.Context, id string, status task.Status, at time.Time) error {
	res, err := s.exec(ctx, `UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`, string(status), toMillis(at), id)
	if err != nil {
		return storageError(err, "更新任务状态失败")
	}
	return s.taskAffected(ctx, res, id)
}

// AppendTaskDescription 实现 task.Store。追加在数据库内完成，不会覆盖并发写入的其他列。
func (s *DB) AppendTaskDescription(ctx context.Context, id, text string, at time.Time) error {
	res, err := s.exec(ctx, `UPDATE tasks SET description = `+s.concat("description")+`, updated_at = ? WHERE id = ?`, text, toMillis(at), id)
	if err != nil {
		return storageError(err, "追加任务描述失败")
	}
	return s.taskAffected(ctx, res, id)
}

// taskAffected 在没有行被更新时区分“不存在”与“值未变化”（MySQL 对后者同样返回 0）。
func (s *DB) taskAffected(ctx context.Context, res sql.Result, id string) error {
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	ok, err := s.exists(ctx, "tasks", "id", id)
	if err != nil {
		return err
	}
	if !ok {
		return task.ErrTaskNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var (
		t                  task.Task
		taskType, priority string
		status             string
		created, updated   int64
	)
	if err := row.Scan(&t.ID, &t.Title, &t.Description, &taskType, &priority, &t.ContactName, &t.ContactPhone,
		&t.ContactEmail, &t.ContactAddress, &t.PreferredTime1, &t.PreferredTime2, &t.Constraints,
		&status, &created, &updated); err != nil {
		return nil, err
	}
	t.Type = task.Type(taskType)
	t.Priority = task.Priority(priority)
	t.Status = task.Status(status)
	t.CreatedAt = fromMillis(created)
	t.UpdatedAt = fromMillis(updated)
	return &t, nil
}
