package sqlstore

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"time"

	"Errand-Desk/internal/conversation"
)

// CreateConversation 实现 conversation.Store。
func (s *DB) CreateConversation(ctx context.Context, c *conversation.Conversation) error {
	if _, err := s.exec(ctx, `INSERT INTO conversations (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		c.ID, c.Title, toMillis(c.CreatedAt), toMillis(c.UpdatedAt)); err != nil {
		return storageError(err, "写入会话失败")
	}
	return nil
}

// GetConversation 实现 conversation.Store。
func (s *DB) GetConversation(ctx context.Context, id string) (*conversation.Conversation, error) {
	var (
		c                conversation.Conversation
		created, updated int64
	)
	err := s.queryRow(ctx, `SELECT id, title, created_at, updated_at FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.Title, &created, &updated)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, conversation.ErrConversationNotFound
	}
	if err != nil {
		return nil, storageError(err, "查询会话失败")
	}
	c.CreatedAt = fromMillis(created)
	c.UpdatedAt = fromMillis(updated)
	return &c, nil
}

// ListConversations 实现 conversation.Store。
func (s *DB) ListConversations(ctx context.Context, limit int) ([]*conversation.Conversation, error) {
	rows, err := s.query(ctx, `SELECT id, title, created_at, updated_at FROM conversations ORDER BY updated_at DESC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, storageError(err, "查询会话列表失败")
	}
	defer rows.Close()
	var out []*conversation.Conversation
	for rows.Next() {
		var (
			c                conversation.Conversation
			created, updated int64
		)
		if err := rows.Scan(&c.ID, &c.Title, &created, &updated); err != nil {
			return nil, storageError(err, "解析会话失败")
		}
		c.CreatedAt = fromMillis(created)
		c.UpdatedAt = fromMillis(updated)
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "遍历会话失败")
	}
	return out, nil
}

// AppendMessage 实现 conversation.Store，并刷新会话的更新时间。
func (s *DB) AppendMessage(ctx context.Context, m *conversation.Message) error {
	if _, err := s.exec(ctx, `INSERT INTO messages (id, conversation_id, role, content, action_results, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, string(m.Role), m.Content, m.ActionResults, toMillis(m.CreatedAt)); err != nil {
		return storageError(err, "写入消息失败")
	}
	if _, err := s.exec(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, toMillis(m.CreatedAt), m.ConversationID); err != nil {
		return storageError(err, "更新会话失败")
	}
	return nil
}

// RenameConversation 实现 conversation.Store。
func (s *DB) RenameConversation(ctx context.Context, id, title string, at time.Time) error {
	res, err := s.exec(ctx, `UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`, title, toMillis(at), id)
	if err != nil {
		return storageError(err, "更新会话标题失败")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return conversation.ErrConversationNotFound
	}
	return nil
}

// RecentMessages 实现 conversation.Store。
func (s *DB) RecentMessages(ctx context.Context, conversationID string, limit int) ([]*conversation.Message, error) {
	rows, err := s.query(ctx, `SELECT id, conversation_id, role, content, action_results, created_at FROM messages
        WHERE conversation_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, storageError(err, "查询消息失败")
	}
	defer rows.Close()
	var out []*conversation.Message
	for rows.Next() {
		var (
			m       conversation.Message
			role    string
			created int64
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &m.ActionResults, &created); err != nil {
			return nil, storageError(err, "解析消息失败")
		}
		m.Role = conversation.Role(role)
		m.CreatedAt = fromMillis(created)
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "遍历消息失败")
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
