package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	"Errand-Desk/internal/agentlog"
	"Errand-Desk/internal/contact"
	xerrors "Errand-Desk/internal/errors"
	"Errand-Desk/internal/memory"
	"Errand-Desk/internal/notify"
)

// CreateNotification 实现 notify.Store。
func (s *DB) CreateNotification(ctx context.Context, n *notify.Notification) error {
	_, err := s.exec(ctx, `INSERT INTO notifications
        (id, notification_type, title, message, priority, task_id, call_id, approval_id, is_read, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.Type, n.Title, n.Message, string(n.Priority), n.TaskID, n.CallID, n.ApprovalID, boolInt(n.Read), toMillis(n.CreatedAt))
	if err != nil {
		return storageError(err, "写入通知失败")
	}
	return nil
}

// ListNotifications 实现 notify.Store。
func (s *DB) ListNotifications(ctx context.Context, unreadOnly bool, limit int) ([]*notify.Notification, error) {
	query := `SELECT id, notification_type, title, message, priority, task_id, call_id, approval_id, is_read, created_at
        FROM notifications`
	var args []any
	if unreadOnly {
		query += ` WHERE is_read = 0`
	}
	query += ` ORDER BY created_at DESC, id ASC LIMIT ?`
	args = append(args, limit)
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, storageError(err, "查询通知失败")
	}
	defer rows.Close()
	var out []*notify.Notification
	for rows.Next() {
		var (
			n        notify.Notification
			priority string
			read     int
			created  int64
		)
		if err := rows.Scan(&n.ID, &n.Type, &n.Title, &n.Message, &priority, &n.TaskID, &n.CallID, &n.ApprovalID, &read, &created); err != nil {
			return nil, storageError(err, "解析通知失败")
		}
		n.Priority = notify.Priority(priority)
		n.Read = read == 1
		n.CreatedAt = fromMillis(created)
		out = append(out, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "遍历通知失败")
	}
	return out, nil
}

// MarkNotificationRead 实现 notify.Store。
func (s *DB) MarkNotificationRead(ctx context.Context, id string) error {
	ok, err := s.exists(ctx, "notifications", "id", id)
	if err != nil {
		return err
	}
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, "notification not found")
	}
	if _, err := s.exec(ctx, `UPDATE notifications SET is_read = 1 WHERE id = ?`, id); err != nil {
		return storageError(err, "更新通知失败")
	}
	return nil
}

// CountUnreadNotifications 实现 notify.Store。
func (s *DB) CountUnreadNotifications(ctx context.Context) (int, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM notifications WHERE is_read = 0`)
}

// AppendLog 实现 agentlog.Store。
func (s *DB) AppendLog(ctx context.Context, e *agentlog.Entry) error {
	details := []byte("{}")
	if len(e.Details) > 0 {
		encoded, err := json.Marshal(e.Details)
		if err != nil {
			return storageError(err, "序列化审计详情失败")
		}
		details = encoded
	}
	if _, err := s.exec(ctx, `INSERT INTO agent_logs (id, action, details, status, error_message, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Action, string(details), string(e.Status), e.ErrorMessage, toMillis(e.CreatedAt)); err != nil {
		return storageError(err, "写入审计记录失败")
	}
	return nil
}

// ListLogs 实现 agentlog.Store，按时间倒序。
func (s *DB) ListLogs(ctx context.Context, f agentlog.Filter) ([]*agentlog.Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.Action != "" {
		where = append(where, "action = ?")
		args = append(args, f.Action)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT id, action, details, status, error_message, created_at FROM agent_logs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id ASC LIMIT ?`
	args = append(args, limit)
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, storageError(err, "查询审计记录失败")
	}
	defer rows.Close()
	var out []*agentlog.Entry
	for rows.Next() {
		var (
			e               agentlog.Entry
			details, status string
			created         int64
		)
		if err := rows.Scan(&e.ID, &e.Action, &details, &status, &e.ErrorMessage, &created); err != nil {
			return nil, storageError(err, "解析审计记录失败")
		}
		if details != "" {
			_ = json.Unmarshal([]byte(details), &e.Details)
		}
		e.Status = agentlog.Status(status)
		e.CreatedAt = fromMillis(created)
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "遍历审计记录失败")
	}
	return out, nil
}

const contactColumns = `id, name, phone, email, company, notes, created_at`

// CreateContact 实现 contact.Store。
func (s *DB) CreateContact(ctx context.Context, c *contact.Contact) error {
	if _, err := s.exec(ctx, `INSERT INTO contacts (`+contactColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Phone, c.Email, c.Company, c.Notes, toMillis(c.CreatedAt)); err != nil {
		return storageError(err, "写入联系人失败")
	}
	return nil
}

// ListContacts 实现 contact.Store。
func (s *DB) ListContacts(ctx context.Context, limit int) ([]*contact.Contact, error) {
	return s.queryContacts(ctx, `SELECT `+contactColumns+` FROM contacts ORDER BY name ASC, id ASC LIMIT ?`, limit)
}

// SearchContacts 实现 contact.Store。名称大小写不敏感地模糊匹配。
func (s *DB) SearchContacts(ctx context.Context, name, phone string, limit int) ([]*contact.Contact, error) {
	var (
		where []string
		args  []any
	)
	if name != "" {
		where = append(where, "LOWER(name) LIKE LOWER(?)")
		args = append(args, "%"+name+"%")
	}
	if phone != "" {
		where = append(where, "phone = ?")
		args = append(args, phone)
	}
	if len(where) == 0 {
		return nil, nil
	}
	args = append(args, limit)
	return s.queryContacts(ctx, `SELECT `+contactColumns+` FROM contacts WHERE `+strings.Join(where, " OR ")+` ORDER BY name ASC, id ASC LIMIT ?`, args...)
}

// FindContactByPhone 实现 contact.Store。
func (s *DB) FindContactByPhone(ctx context.Context, phone string) (*contact.Contact, error) {
	list, err := s.queryContacts(ctx, `SELECT `+contactColumns+` FROM contacts WHERE phone = ? ORDER BY created_at ASC LIMIT 1`, phone)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, contact.ErrContactNotFound
	}
	return list[0], nil
}

func (s *DB) queryContacts(ctx context.Context, query string, args ...any) ([]*contact.Contact, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, storageError(err, "查询联系人失败")
	}
	defer rows.Close()
	var out []*contact.Contact
	for rows.Next() {
		var (
			c       contact.Contact
			created int64
		)
		if err := rows.Scan(&c.ID, &c.Name, &c.Phone, &c.Email, &c.Company, &c.Notes, &created); err != nil {
			return nil, storageError(err, "解析联系人失败")
		}
		c.CreatedAt = fromMillis(created)
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "遍历联系人失败")
	}
	return out, nil
}

// CreateMemory 实现 memory.Store。
func (s *DB) CreateMemory(ctx context.Context, m *memory.Memory) error {
	if _, err := s.exec(ctx, `INSERT INTO memories (id, category, content, source, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, string(m.Category), m.Content, m.Source, toMillis(m.CreatedAt), toMillis(m.UpdatedAt)); err != nil {
		return storageError(err, "写入记忆失败")
	}
	return nil
}

// ListMemories 实现 memory.Store。
func (s *DB) ListMemories(ctx context.Context, limit int) ([]*memory.Memory, error) {
	rows, err := s.query(ctx, `SELECT id, category, content, source, created_at, updated_at FROM memories
        ORDER BY updated_at DESC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, storageError(err, "查询记忆失败")
	}
	defer rows.Close()
	var out []*memory.Memory
	for rows.Next() {
		var (
			m                memory.Memory
			category         string
			created, updated int64
		)
		if err := rows.Scan(&m.ID, &category, &m.Content, &m.Source, &created, &updated); err != nil {
			return nil, storageError(err, "解析记忆失败")
		}
		m.Category = memory.Category(category)
		m.CreatedAt = fromMillis(created)
		m.UpdatedAt = fromMillis(updated)
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "遍历记忆失败")
	}
	return out, nil
}

// UpdateMemory 实现 memory.Store。
func (s *DB) UpdateMemory(ctx context.Context, id string, p memory.Patch, at time.Time) error {
	ok, err := s.exists(ctx, "memories", "id", id)
	if err != nil {
		return err
	}
	if !ok {
		return memory.ErrMemoryNotFound
	}
	sets := []string{"updated_at = ?"}
	args := []any{toMillis(at)}
	if p.Category != nil {
		sets = append(sets, "category = ?")
		args = append(args, string(*p.Category))
	}
	if p.Content != nil {
		sets = append(sets, "content = ?")
		args = append(args, strings.TrimSpace(*p.Content))
	}
	args = append(args, id)
	if _, err := s.exec(ctx, `UPDATE memories SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...); err != nil {
		return storageError(err, "更新记忆失败")
	}
	return nil
}

// DeleteMemory 实现 memory.Store。
func (s *DB) DeleteMemory(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return storageError(err, "删除记忆失败")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return memory.ErrMemoryNotFound
	}
	return nil
}

// AllSettings 实现 settings.Store。
func (s *DB) AllSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.query(ctx, `SELECT setting_key, setting_value FROM settings`)
	if err != nil {
		return nil, storageError(err, "查询设置失败")
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, storageError(err, "解析设置失败")
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "遍历设置失败")
	}
	return out, nil
}

// PutSetting 实现 settings.Store：先更新，不存在时插入。
func (s *DB) PutSetting(ctx context.Context, key, value string, at time.Time) error {
	ok, err := s.exists(ctx, "settings", "setting_key", key)
	if err != nil {
		return err
	}
	if ok {
		if _, err := s.exec(ctx, `UPDATE settings SET setting_value = ?, updated_at = ? WHERE setting_key = ?`, value, toMillis(at), key); err != nil {
			return storageError(err, "更新设置失败")
		}
		return nil
	}
	_, err = s.exec(ctx, `INSERT INTO settings (setting_key, setting_value, updated_at) VALUES (?, ?, ?)`, key, value, toMillis(at))
	if err != nil && !isDuplicate(err) {
		return storageError(err, "写入设置失败")
	}
	return nil
}

func (s *DB) count(ctx context.Context, query string, args ...any) (int, error) {
	var n int
	err := s.queryRow(ctx, query, args...).Scan(&n)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, storageError(err, "统计失败")
	}
	return n, nil
}
