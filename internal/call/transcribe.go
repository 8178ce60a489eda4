package call

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "Errand-Desk/internal/errors"
	"Errand-Desk/internal/llm"
	"Errand-Desk/pkg/logger"
)

// EventTranscriptionCompleted 记录一次主动转写。
const EventTranscriptionCompleted = "transcription_completed"

// 转写结果的来源。
const (
	TranscriptCached  = "cached"
	TranscriptWhisper = "whisper"
)

const summaryPrompt = "Summarize this call transcript in 1-2 concise sentences. Focus on the key purpose and outcome."

// RecordingSource 下载通话录音。
type RecordingSource interface {
	FetchRecording(ctx context.Context, recordingURL string) ([]byte, error)
}

// TranscriptStore 是转写流程需要的通话读写能力。
type TranscriptStore interface {
	GetCall(ctx context.Context, id string) (*Call, error)
	SetCallTranscript(ctx context.Context, id, transcript string, at time.Time) error
	SetCallSummary(ctx context.Context, id, summary string, at time.Time) error
	AppendCallEvent(ctx context.Context, e *Event) error
}

// TranscriptResult 是一次转写请求的返回。
type TranscriptResult struct {
	Transcript string `json:"transcript"`
	Summary    string `json:"summary,omitempty"`
	Source     string `json:"source"`
}

// Transcription 为已有录音的通话生成转写与摘要，已有转写时直接返回。
type Transcription struct {
	store      TranscriptStore
	recordings RecordingSource
	speech     llm.Transcriber
	summarizer llm.Client
	now        func() time.Time
	logger     *slog.Logger
}

// NewTranscription 创建转写服务。summarizer 为 nil 时不生成摘要。
func NewTranscription(store TranscriptStore, recordings RecordingSource, speech llm.Transcriber, summarizer llm.Client) *Transcription {
	return &Transcription{
		store:      store,
		recordings: recordings,
		speech:     speech,
		summarizer: summarizer,
		now:        time.Now,
		logger:     logger.Named("call-transcribe"),
	}
}

// WithClock 替换时钟。
func (t *Transcription) WithClock(now func() time.Time) *Transcription {
	if now != nil {
		t.now = now
	}
	return t
}

// Transcribe 返回通话的转写文本。
func (t *Transcription) Transcribe(ctx context.Context, callID string) (*TranscriptResult, error) {
	c, err := t.store.GetCall(ctx, callID)
	if err != nil {
		return nil, err
	}
	if text := strings.TrimSpace(c.Transcript); text != "" {
		return &TranscriptResult{Transcript: text, Summary: c.Summary, Source: TranscriptCached}, nil
	}
	if strings.TrimSpace(c.RecordingURL) == "" {
		return nil, xerrors.New(CodeCallValidation, "no recording available for this call")
	}
	if t.speech == nil || t.recordings == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "转写服务未配置")
	}

	audio, err := t.recordings.FetchRecording(ctx, c.RecordingURL)
	if err != nil {
		return nil, err
	}
	text, err := t.speech.Transcribe(ctx, bytes.NewReader(audio), "recording.mp3")
	if err != nil {
		return nil, err
	}
	if text = strings.TrimSpace(text); text == "" {
		return nil, xerrors.New(xerrors.CodeUpstreamFailure, "转写结果为空")
	}
	now := t.now().UTC()
	if err := t.store.SetCallTranscript(ctx, c.ID, text, now); err != nil {
		return nil, err
	}

	res := &TranscriptResult{Transcript: text, Source: TranscriptWhisper}
	if summary := t.summarize(ctx, c.ID, text); summary != "" {
		if err := t.store.SetCallSummary(ctx, c.ID, summary, now); err != nil {
			t.logger.Warn("写入通话摘要失败", slog.String("call_id", c.ID), slog.Any("error", err))
		} else {
			res.Summary = summary
		}
	}

	if err := t.store.AppendCallEvent(ctx, &Event{
		ID:        uuid.NewString(),
		CallID:    c.ID,
		EventType: EventTranscriptionCompleted,
		Payload:   map[string]any{"transcriptLength": len(text), "source": TranscriptWhisper},
		CreatedAt: now,
	}); err != nil {
		t.logger.Warn("写入通话事件失败", slog.String("call_id", c.ID), slog.Any("error", err))
	}
	return res, nil
}

// summarize 失败只记录日志。
func (t *Transcription) summarize(ctx context.Context, callID, transcript string) string {
	if t.summarizer == nil {
		return ""
	}
	summary, err := t.summarizer.Complete(ctx, llm.CompletionRequest{
		System:    summaryPrompt,
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: transcript}},
		MaxTokens: 150,
		Timeout:   30 * time.Second,
	})
	if err != nil {
		t.logger.Warn("生成通话摘要失败", slog.String("call_id", callID), slog.Any("error", err))
		return ""
	}
	return strings.TrimSpace(summary)
}
