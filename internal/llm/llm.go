package llm

import (
	"context"
	"io"
	"time"
)

// Role 对话消息的角色。
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message 是发送给大模型的一条消息。
type Message struct {
	Role    Role
	Content string
}

// CompletionRequest 描述一次对话补全请求。System 会作为第一条 system 消息发送。
type CompletionRequest struct {
	System      string
	Messages    []Message
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	// Complete 返回模型的文本回复。
	Complete(ctx context.Context, req CompletionRequest) (string, error)
	// WebSearch 使用带联网搜索工具的模型回答查询，返回汇总后的文本。
	WebSearch(ctx context.Context, query string, timeout time.Duration) (string, error)
}

// Transcriber 把一段音频转写为文字，filename 的扩展名用于提示音频格式。
type Transcriber interface {
	Transcribe(ctx context.Context, audio io.Reader, filename string) (string, error)
}
