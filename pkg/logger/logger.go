// Package logger 提供进程级的结构化日志与审计日志。
package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config 描述应用日志。OutputPaths 中除 stdout/stderr/discard 外的值都视为文件路径，
// 文件按 Audit 中相同的轮转参数切分。
type Config struct {
	Level       string
	Format      string
	OutputPaths []string
	// RedactPhones 为 true 时，phone/to/from 等字段只保留号码末四位。
	RedactPhones bool
	Audit        AuditConfig
}

// AuditConfig 控制审计日志，审计日志始终是 JSON 并单独轮转。
type AuditConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

type state struct {
	base    *slog.Logger
	audit   *slog.Logger
	closers []io.Closer
}

var (
	mu      sync.RWMutex
	current *state
)

// Init 初始化全局日志，只能调用一次。
func Init(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()
	if current != nil {
		return errors.New("logger already initialised")
	}

	st := &state{}
	var writers []io.Writer
	for _, out := range cfg.OutputPaths {
		w, err := st.open(out, cfg.Audit)
		if err != nil {
			st.close()
			return err
		}
		writers = append(writers, w)
	}

	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: strings.EqualFold(cfg.Level, "debug"),
	}
	if cfg.RedactPhones {
		opts.ReplaceAttr = redactPhones
	}
	st.base = slog.New(newHandler(cfg.Format, writers, opts))
	st.audit = st.base.With(slog.String("stream", "audit"))

	if cfg.Audit.Enabled {
		audit, err := buildAuditLogger(cfg.Audit)
		if err != nil {
			st.close()
			return err
		}
		st.closers = append(st.closers, audit)
		st.audit = slog.New(slog.NewJSONHandler(audit, &slog.HandlerOptions{Level: slog.LevelInfo, ReplaceAttr: opts.ReplaceAttr}))
	}
	current = st
	return nil
}

func newHandler(format string, writers []io.Writer, opts *slog.HandlerOptions) slog.Handler {
	var w io.Writer
	switch len(writers) {
	case 0:
		w = os.Stdout
	case 1:
		w = writers[0]
	default:
		w = io.MultiWriter(writers...)
	}
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

func (s *state) open(path string, rotation AuditConfig) (io.Writer, error) {
	switch strings.ToLower(strings.TrimSpace(path)) {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	case "discard":
		return io.Discard, nil
	}
	sink, err := rotatingFile(path, rotation)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, sink)
	return sink, nil
}

func (s *state) close() error {
	var err error
	for _, c := range s.closers {
		err = errors.Join(err, c.Close())
	}
	s.closers = nil
	return err
}

func rotatingFile(path string, rotation AuditConfig) (*lumberjack.Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    positiveOr(rotation.MaxSizeMB, 100),
		MaxBackups: positiveOr(rotation.MaxBackups, 7),
		MaxAge:     positiveOr(rotation.MaxAgeDays, 30),
		Compress:   true,
	}, nil
}

func buildAuditLogger(cfg AuditConfig) (*lumberjack.Logger, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("audit log path cannot be empty when enabled")
	}
	return rotatingFile(cfg.Path, cfg)
}

var phoneKeys = map[string]bool{"phone": true, "to": true, "from": true, "contact_phone": true, "caller": true}

// redactPhones 只作用于字符串值，非号码内容保持原样。
func redactPhones(_ []string, a slog.Attr) slog.Attr {
	if !phoneKeys[a.Key] || a.Value.Kind() != slog.KindString {
		return a
	}
	return slog.String(a.Key, MaskPhone(a.Value.String()))
}

// MaskPhone 把号码中除末四位以外的数字替换为 *。少于七位数字的值原样返回。
func MaskPhone(v string) string {
	digits := 0
	for _, r := range v {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	if digits < 7 {
		return v
	}
	var b strings.Builder
	seen := 0
	for _, r := range v {
		if r >= '0' && r <= '9' {
			seen++
			if seen <= digits-4 {
				b.WriteByte('*')
				continue
			}
		}
		b.WriteRune(r)
	}
	return b.String()
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "warning":
		return slog.LevelWarn
	case "":
		return slog.LevelInfo
	}
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func positiveOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

// L 返回全局日志，未初始化时退回 slog.Default。
func L() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if current != nil {
		return current.base
	}
	return slog.Default()
}

// Audit 返回审计日志。
func Audit() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if current != nil {
		return current.audit
	}
	return slog.Default()
}

// Named 返回带 component 字段的子日志。
func Named(name string) *slog.Logger {
	return L().With(slog.String("component", name))
}

// Sync 关闭文件输出。
func Sync() error {
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		return nil
	}
	return current.close()
}
