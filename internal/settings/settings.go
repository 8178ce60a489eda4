// Package settings turns the operator-editable key/value settings into an
// immutable Snapshot that components receive per invocation.
package settings

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"Errand-Desk/pkg/logger"
)

// 已知的设置键。
const (
	KeyAgentIdentity       = "agent_identity"
	KeyBusinessName        = "business_name"
	KeyOperatingHoursStart = "operating_hours_start"
	KeyOperatingHoursEnd   = "operating_hours_end"
	KeyTimezone            = "timezone"
	KeyNotificationEmail   = "notification_email"
	KeyPrimaryEmail        = "primary_email"
	KeyCCEmail             = "cc_email"
	KeyEmailEnabled        = "notification_email_enabled"
)

const (
	defaultIdentity   = "the Errand Desk assistant"
	defaultHoursStart = "09:00"
	defaultHoursEnd   = "18:00"
	defaultTimezone   = "Europe/Prague"
)

// Snapshot 是某一时刻的设置快照。
type Snapshot struct {
	AgentIdentity       string            `json:"agent_identity"`
	BusinessName        string            `json:"business_name"`
	OperatingHoursStart string            `json:"operating_hours_start"`
	OperatingHoursEnd   string            `json:"operating_hours_end"`
	Timezone            string            `json:"timezone"`
	NotificationEmail   string            `json:"notification_email"`
	CCEmail             string            `json:"cc_email"`
	EmailEnabled        bool              `json:"notification_email_enabled"`
	Values              map[string]string `json:"values"`
}

// FromMap 根据原始键值构造快照并填充默认值。
func FromMap(values map[string]string) Snapshot {
	get := func(key, fallback string) string {
		if v := strings.TrimSpace(values[key]); v != "" {
			return v
		}
		return fallback
	}
	s := Snapshot{
		AgentIdentity:       get(KeyAgentIdentity, defaultIdentity),
		BusinessName:        get(KeyBusinessName, ""),
		OperatingHoursStart: get(KeyOperatingHoursStart, defaultHoursStart),
		OperatingHoursEnd:   get(KeyOperatingHoursEnd, defaultHoursEnd),
		Timezone:            get(KeyTimezone, defaultTimezone),
		NotificationEmail:   get(KeyNotificationEmail, get(KeyPrimaryEmail, "")),
		CCEmail:             get(KeyCCEmail, ""),
		EmailEnabled:        true,
		Values:              make(map[string]string, len(values)),
	}
	if raw := strings.TrimSpace(values[KeyEmailEnabled]); raw != "" {
		if enabled, err := strconv.ParseBool(raw); err == nil {
			s.EmailEnabled = enabled
		}
	}
	for k, v := range values {
		s.Values[k] = v
	}
	return s
}

// Defaults 返回没有任何自定义设置时的快照。
func Defaults() Snapshot { return FromMap(nil) }

// Location 返回快照时区，无法解析时回退到 UTC。
func (s Snapshot) Location() *time.Location {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// InOfficeHours 判断给定时刻在快照时区内是否处于营业时间。
func (s Snapshot) InOfficeHours(now time.Time) bool {
	start, okStart := parseClock(s.OperatingHoursStart)
	end, okEnd := parseClock(s.OperatingHoursEnd)
	if !okStart || !okEnd {
		start, _ = parseClock(defaultHoursStart)
		end, _ = parseClock(defaultHoursEnd)
	}
	local := now.In(s.Location())
	minute := local.Hour()*60 + local.Minute()
	if start <= end {
		return minute >= start && minute < end
	}
	// 跨午夜的营业时间，例如 22:00-06:00。
	return minute >= start || minute < end
}

// Recipients 返回运营通知的收件人，邮件关闭时返回空。
func (s Snapshot) Recipients() []string {
	if !s.EmailEnabled {
		return nil
	}
	var out []string
	for _, addr := range []string{s.NotificationEmail, s.CCEmail} {
		if addr = strings.TrimSpace(addr); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}

func parseClock(raw string) (int, bool) {
	t, err := time.Parse("15:04", strings.TrimSpace(raw))
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}

// Store 抽象设置表。
type Store interface {
	AllSettings(ctx context.Context) (map[string]string, error)
	PutSetting(ctx context.Context, key, value string, at time.Time) error
}

// Loader 按需读取设置快照。
type Loader struct {
	store Store
}

// NewLoader 创建 Loader。
func NewLoader(store Store) *Loader {
	return &Loader{store: store}
}

// Snapshot 读取当前设置。读取失败时返回默认快照，调用方无需处理错误以外的分支。
func (l *Loader) Snapshot(ctx context.Context) Snapshot {
	if l == nil || l.store == nil {
		return Defaults()
	}
	values, err := l.store.AllSettings(ctx)
	if err != nil {
		logger.Named("settings").Warn("读取设置失败，使用默认值", slog.Any("error", err))
		return Defaults()
	}
	return FromMap(values)
}

// Put 写入一组设置。
func (l *Loader) Put(ctx context.Context, values map[string]string, at time.Time) error {
	for key, value := range values {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if err := l.store.PutSetting(ctx, key, value, at); err != nil {
			return err
		}
	}
	return nil
}

// Source 是需要设置快照的组件依赖的接口。
type Source interface {
	Snapshot(ctx context.Context) Snapshot
}

// Static 是固定快照，用于测试或离线运行。
type Static Snapshot

// Snapshot 实现 Source。
func (s Static) Snapshot(context.Context) Snapshot { return Snapshot(s) }
