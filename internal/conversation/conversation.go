// Package conversation stores operator chat sessions with the agent.
package conversation

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "Errand-Desk/internal/errors"
)

// Role 消息角色。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Conversation 是一次对话会话。
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message 是会话中的一条消息。ActionResults 保存助手回复中动作的执行结果。
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	ActionResults  string    `json:"action_results,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store 抽象会话持久化。
type Store interface {
	CreateConversation(ctx context.Context, c *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, limit int) ([]*Conversation, error)
	AppendMessage(ctx context.Context, m *Message) error
	RenameConversation(ctx context.Context, id, title string, at time.Time) error
	// RecentMessages 返回最近 limit 条消息，按时间升序。
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)
}

const (
	CodeConversationNotFound   xerrors.Code = "CONVERSATION_NOT_FOUND"
	CodeConversationValidation xerrors.Code = "CONVERSATION_VALIDATION_FAILED"
)

// ErrConversationNotFound 表示会话不存在。
var ErrConversationNotFound = xerrors.New(CodeConversationNotFound, "conversation not found")

func init() {
	xerrors.Register(CodeConversationNotFound, xerrors.Attributes{Message: "conversation not found", Severity: xerrors.SeverityInfo, HTTPStatus: 404})
	xerrors.Register(CodeConversationValidation, xerrors.Attributes{Message: "conversation validation failed", Severity: xerrors.SeverityInfo, HTTPStatus: 400})
}

// Service 管理会话的创建与查询。
type Service struct {
	store Store
	now   func() time.Time
}

// NewService 创建会话服务。
func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// Create 新建会话，标题为空时使用 "New conversation"。
func (s *Service) Create(ctx context.Context, title string) (*Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = "New conversation"
	}
	now := s.now().UTC()
	c := &Conversation{ID: uuid.NewString(), Title: title, CreatedAt: now, UpdatedAt: now}
	if err := s.store.CreateConversation(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// List 返回最近的会话。
func (s *Service) List(ctx context.Context, limit int) ([]*Conversation, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.ListConversations(ctx, limit)
}

// TitleFrom 用首条用户消息生成会话标题，超过 80 个字符时截断。
func TitleFrom(text string) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) <= 80 {
		return text
	}
	return string(runes[:80]) + "..."
}

// Messages 返回会话的最近消息。
func (s *Service) Messages(ctx context.Context, id string, limit int) ([]*Message, error) {
	if _, err := s.store.GetConversation(ctx, id); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.RecentMessages(ctx, id, limit)
}
