package agent

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"Errand-Desk/internal/agentlog"
	"Errand-Desk/internal/approval"
	"Errand-Desk/internal/call"
	"Errand-Desk/internal/conversation"
	xerrors "Errand-Desk/internal/errors"
	"Errand-Desk/internal/llm"
	"Errand-Desk/internal/memory"
	"Errand-Desk/internal/settings"
	"Errand-Desk/internal/task"
	"Errand-Desk/pkg/logger"
)

const (
	historyLimit     = 20
	activeTaskLimit  = 15
	recentCallLimit  = 10
	memoryLimit      = 30
	approvalLimit    = 50
	turnTimeout      = 30 * time.Second
	turnTemperature  = 0.7
	turnMaxTokens    = 1500
	defaultTurnTitle = "New conversation"
)

// FallbackReply 是模型不可用时返回给操作员的固定回复。
const FallbackReply = "I'm having trouble connecting to my backend right now. Your message has been saved and I'll process it as soon as the connection is restored. Is there anything specific you'd like me to note for when I'm back online?"

const emptyReply = "I received your message but couldn't generate a response. Could you try rephrasing?"

// TaskLister 返回任务列表。
type TaskLister interface {
	List(ctx context.Context, opts ...task.ListOption) ([]*task.Task, error)
}

// CallLister 返回最近的通话。
type CallLister interface {
	ListCalls(ctx context.Context, limit int) ([]*call.Call, error)
}

// PendingApprovals 返回待处理审批。
type PendingApprovals interface {
	ListPending(ctx context.Context, limit int) ([]*approval.Approval, error)
}

// MemoryLister 返回最近的记忆。
type MemoryLister interface {
	List(ctx context.Context, limit int) ([]*memory.Memory, error)
}

// TurnDependencies 汇总对话处理器的协作者。
type TurnDependencies struct {
	Conversations conversation.Store
	Tasks         TaskLister
	Calls         CallLister
	Approvals     PendingApprovals
	Memories      MemoryLister
	LLM           llm.Client
	Executor      *Executor
	Recorder      *agentlog.Recorder
	Settings      settings.Source
	// Speech 用于语音消息转写，为 nil 时语音入口不可用。
	Speech llm.Transcriber
}

// CodeNoSpeech 表示语音消息中没有识别出内容。
const CodeNoSpeech xerrors.Code = "VOICE_NO_SPEECH"

func init() {
	xerrors.Register(CodeNoSpeech, xerrors.Attributes{Message: "could not transcribe audio, no speech detected", Severity: xerrors.SeverityInfo, HTTPStatus: 422})
}

// VoiceResult 是语音消息的输出，包含转写文本与普通对话结果。
type VoiceResult struct {
	Transcript string `json:"transcript"`
	*TurnResult
}

// TurnResult 是一轮对话的输出。
type TurnResult struct {
	Message *conversation.Message `json:"message"`
	Actions []Result              `json:"actions"`
}

// TurnHandler 处理操作员发来的一条消息：保存、构建上下文、调用模型并执行动作。
type TurnHandler struct {
	deps   TurnDependencies
	now    func() time.Time
	logger *slog.Logger
}

// NewTurnHandler 创建对话处理器。
func NewTurnHandler(deps TurnDependencies) *TurnHandler {
	if deps.Settings == nil {
		deps.Settings = settings.Static(settings.Defaults())
	}
	return &TurnHandler{deps: deps, now: time.Now, logger: logger.Named("agent")}
}

// WithClock 替换时钟。
func (h *TurnHandler) WithClock(now func() time.Time) *TurnHandler {
	if now != nil {
		h.now = now
	}
	return h
}

// Send 处理一轮对话。模型失败时返回固定回复且不执行任何动作。
func (h *TurnHandler) Send(ctx context.Context, conversationID, text string) (*TurnResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, xerrors.New(conversation.CodeConversationValidation, "message 不能为空")
	}
	conv, err := h.deps.Conversations.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	userMsg := &conversation.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Role:           conversation.RoleUser,
		Content:        text,
		CreatedAt:      h.now().UTC(),
	}
	if err := h.deps.Conversations.AppendMessage(ctx, userMsg); err != nil {
		return nil, err
	}
	history, err := h.deps.Conversations.RecentMessages(ctx, conv.ID, historyLimit)
	if err != nil {
		return nil, err
	}
	h.maybeRename(ctx, conv, history, text)

	snap := h.deps.Settings.Snapshot(ctx)
	messages := make([]llm.Message, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case conversation.RoleUser:
			messages = append(messages, llm.Message{Role: llm.RoleUser, Content: m.Content})
		case conversation.RoleAssistant:
			messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: m.Content})
		}
	}

	reply, err := h.deps.LLM.Complete(ctx, llm.CompletionRequest{
		System:      h.systemContext(ctx, snap),
		Messages:    messages,
		Temperature: turnTemperature,
		MaxTokens:   turnMaxTokens,
		Timeout:     turnTimeout,
	})

	var (
		clean    string
		results  []Result
		fallback = err != nil
	)
	switch {
	case fallback:
		h.logger.Warn("模型调用失败，返回兜底回复", slog.String("conversation_id", conv.ID), slog.Any("error", err))
		clean = FallbackReply
	case strings.TrimSpace(reply) == "":
		clean = emptyReply
	default:
		var actions []Action
		clean, actions = ParseActions(reply)
		if h.deps.Executor != nil {
			results = h.deps.Executor.Execute(ctx, actions)
		}
	}
	if results == nil {
		results = []Result{}
	}

	assistant := &conversation.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Role:           conversation.RoleAssistant,
		Content:        clean,
		CreatedAt:      h.now().UTC(),
	}
	if len(results) > 0 {
		if raw, err := json.Marshal(results); err == nil {
			assistant.ActionResults = string(raw)
		}
	}
	if err := h.deps.Conversations.AppendMessage(ctx, assistant); err != nil {
		return nil, err
	}
	h.deps.Recorder.Success(ctx, agentlog.ActionConversationTurn, map[string]any{
		"conversation_id": conv.ID,
		"actions":         len(results),
		"fallback":        fallback,
	})
	return &TurnResult{Message: assistant, Actions: results}, nil
}

// SendVoice 转写语音消息后按普通消息处理一轮对话。
func (h *TurnHandler) SendVoice(ctx context.Context, conversationID string, audio io.Reader, filename string) (*VoiceResult, error) {
	if h.deps.Speech == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "语音转写未配置")
	}
	if _, err := h.deps.Conversations.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	text, err := h.deps.Speech.Transcribe(ctx, audio, filename)
	if err != nil {
		return nil, err
	}
	if text = strings.TrimSpace(text); text == "" {
		return nil, xerrors.New(CodeNoSpeech, "could not transcribe audio, no speech detected")
	}
	h.logger.Info("语音消息已转写", slog.String("conversation_id", conversationID), slog.Int("length", len(text)))
	res, err := h.Send(ctx, conversationID, text)
	if err != nil {
		return nil, err
	}
	return &VoiceResult{Transcript: text, TurnResult: res}, nil
}

// maybeRename 在会话的第一条用户消息时，用消息内容作为会话标题。
func (h *TurnHandler) maybeRename(ctx context.Context, conv *conversation.Conversation, history []*conversation.Message, text string) {
	if conv.Title != defaultTurnTitle {
		return
	}
	users := 0
	for _, m := range history {
		if m.Role == conversation.RoleUser {
			users++
		}
	}
	if users != 1 {
		return
	}
	if err := h.deps.Conversations.RenameConversation(ctx, conv.ID, conversation.TitleFrom(text), h.now().UTC()); err != nil {
		h.logger.Warn("更新会话标题失败", slog.String("conversation_id", conv.ID), slog.Any("error", err))
	}
}

func (h *TurnHandler) systemContext(ctx context.Context, snap settings.Snapshot) string {
	state := SystemState{Now: h.now().In(snap.Location())}
	var err error
	if h.deps.Tasks != nil {
		if state.Tasks, err = h.deps.Tasks.List(ctx, task.WithLimit(activeTaskLimit), task.WithoutStatuses(task.StatusClosed, task.StatusCancelled)); err != nil {
			h.logger.Warn("加载活跃任务失败", slog.Any("error", err))
		}
	}
	if h.deps.Calls != nil {
		if state.Calls, err = h.deps.Calls.ListCalls(ctx, recentCallLimit); err != nil {
			h.logger.Warn("加载最近通话失败", slog.Any("error", err))
		}
	}
	if h.deps.Approvals != nil {
		if state.Approvals, err = h.deps.Approvals.ListPending(ctx, approvalLimit); err != nil {
			h.logger.Warn("加载待审批列表失败", slog.Any("error", err))
		}
	}
	if h.deps.Memories != nil {
		if state.Memories, err = h.deps.Memories.List(ctx, memoryLimit); err != nil {
			h.logger.Warn("加载记忆失败", slog.Any("error", err))
		}
	}
	return SystemPrompt(snap, state)
}
