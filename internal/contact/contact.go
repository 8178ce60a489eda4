// Package contact keeps the operator's address book.
package contact

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "Errand-Desk/internal/errors"
)

// Contact 是一条联系人记录。
type Contact struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone,omitempty"`
	Email     string    `json:"email,omitempty"`
	Company   string    `json:"company,omitempty"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store 抽象联系人持久化。
type Store interface {
	CreateContact(ctx context.Context, c *Contact) error
	ListContacts(ctx context.Context, limit int) ([]*Contact, error)
	// SearchContacts 按名称模糊匹配或号码精确匹配，任一条件为空时忽略。
	SearchContacts(ctx context.Context, name, phone string, limit int) ([]*Contact, error)
	FindContactByPhone(ctx context.Context, phone string) (*Contact, error)
}

const (
	CodeContactNotFound   xerrors.Code = "CONTACT_NOT_FOUND"
	CodeContactValidation xerrors.Code = "CONTACT_VALIDATION_FAILED"
)

// ErrContactNotFound 表示联系人不存在。
var ErrContactNotFound = xerrors.New(CodeContactNotFound, "contact not found")

func init() {
	xerrors.Register(CodeContactNotFound, xerrors.Attributes{Message: "contact not found", Severity: xerrors.SeverityInfo, HTTPStatus: 404})
	xerrors.Register(CodeContactValidation, xerrors.Attributes{Message: "contact validation failed", Severity: xerrors.SeverityInfo, HTTPStatus: 400})
}

// Directory 是联系人的业务入口。
type Directory struct {
	store Store
	now   func() time.Time
}

// NewDirectory 创建 Directory。
func NewDirectory(store Store) *Directory {
	return &Directory{store: store, now: time.Now}
}

// Create 新增联系人，名称必填。
func (d *Directory) Create(ctx context.Context, c Contact) (*Contact, error) {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return nil, xerrors.New(CodeContactValidation, "name 不能为空")
	}
	c.ID = uuid.NewString()
	c.Phone = strings.TrimSpace(c.Phone)
	c.Email = strings.TrimSpace(c.Email)
	c.CreatedAt = d.now().UTC()
	if err := d.store.CreateContact(ctx, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// List 返回联系人列表。
func (d *Directory) List(ctx context.Context, limit int) ([]*Contact, error) {
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	return d.store.ListContacts(ctx, limit)
}

// Search 查找与任务相关的联系人，最多 limit 条。
func (d *Directory) Search(ctx context.Context, name, phone string, limit int) ([]*Contact, error) {
	name, phone = strings.TrimSpace(name), strings.TrimSpace(phone)
	if name == "" && phone == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}
	return d.store.SearchContacts(ctx, name, phone, limit)
}

// NameForPhone 返回号码对应的联系人名称，找不到时返回 fallback。
func (d *Directory) NameForPhone(ctx context.Context, phone, fallback string) string {
	phone = strings.TrimSpace(phone)
	if d == nil || phone == "" {
		return fallback
	}
	c, err := d.store.FindContactByPhone(ctx, phone)
	if err != nil || c == nil || c.Name == "" {
		return fallback
	}
	return c.Name
}
