// Package memory stores the long-lived facts and preferences the agent keeps
// about its operator.
package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "Errand-Desk/internal/errors"
)

// Category 记忆类别。
type Category string

const (
	CategoryPreference  Category = "preference"
	CategoryFact        Category = "fact"
	CategoryContext     Category = "context"
	CategoryInstruction Category = "instruction"
)

// ParseCategory 解析类别，空值默认为 context。
func ParseCategory(raw string) (Category, bool) {
	switch c := Category(strings.ToLower(strings.TrimSpace(raw))); c {
	case "":
		return CategoryContext, true
	case CategoryPreference, CategoryFact, CategoryContext, CategoryInstruction:
		return c, true
	default:
		return "", false
	}
}

// Memory 是一条 agent 记忆。
type Memory struct {
	ID        string    `json:"id"`
	Category  Category  `json:"category"`
	Content   string    `json:"content"`
	Source    string    `json:"source,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Patch 描述一次记忆编辑。
type Patch struct {
	Category *Category `json:"category"`
	Content  *string   `json:"content"`
}

// Store 抽象记忆持久化。
type Store interface {
	CreateMemory(ctx context.Context, m *Memory) error
	ListMemories(ctx context.Context, limit int) ([]*Memory, error)
	UpdateMemory(ctx context.Context, id string, p Patch, at time.Time) error
	DeleteMemory(ctx context.Context, id string) error
}

const (
	CodeMemoryNotFound   xerrors.Code = "MEMORY_NOT_FOUND"
	CodeMemoryValidation xerrors.Code = "MEMORY_VALIDATION_FAILED"
)

// ErrMemoryNotFound 表示记忆不存在。
var ErrMemoryNotFound = xerrors.New(CodeMemoryNotFound, "memory not found")

func init() {
	xerrors.Register(CodeMemoryNotFound, xerrors.Attributes{Message: "memory not found", Severity: xerrors.SeverityInfo, HTTPStatus: 404})
	xerrors.Register(CodeMemoryValidation, xerrors.Attributes{Message: "memory validation failed", Severity: xerrors.SeverityInfo, HTTPStatus: 400})
}

// Book 是记忆的业务入口。
type Book struct {
	store Store
	now   func() time.Time
}

// NewBook 创建 Book。
func NewBook(store Store) *Book {
	return &Book{store: store, now: time.Now}
}

// Create 写入一条记忆。
func (b *Book) Create(ctx context.Context, content, category, source string) (*Memory, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, xerrors.New(CodeMemoryValidation, "content 不能为空")
	}
	cat, ok := ParseCategory(category)
	if !ok {
		return nil, xerrors.New(CodeMemoryValidation, fmt.Sprintf("未知的 category %q", category))
	}
	now := b.now().UTC()
	m := &Memory{ID: uuid.NewString(), Category: cat, Content: content, Source: source, CreatedAt: now, UpdatedAt: now}
	if err := b.store.CreateMemory(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// List 返回最近的记忆。
func (b *Book) List(ctx context.Context, limit int) ([]*Memory, error) {
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	return b.store.ListMemories(ctx, limit)
}

// Update 编辑记忆。
func (b *Book) Update(ctx context.Context, id string, p Patch) error {
	if p.Content != nil && strings.TrimSpace(*p.Content) == "" {
		return xerrors.New(CodeMemoryValidation, "content 不能为空")
	}
	if p.Category != nil {
		if _, ok := ParseCategory(string(*p.Category)); !ok || *p.Category == "" {
			return xerrors.New(CodeMemoryValidation, fmt.Sprintf("未知的 category %q", *p.Category))
		}
	}
	return b.store.UpdateMemory(ctx, id, p, b.now().UTC())
}

// Delete 删除记忆。
func (b *Book) Delete(ctx context.Context, id string) error {
	return b.store.DeleteMemory(ctx, id)
}
