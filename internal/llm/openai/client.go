package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	xerrors "Errand-Desk/internal/errors"
	"Errand-Desk/internal/llm"
)

const (
	defaultBaseURL     = "https://api.openai.com/v1"
	defaultModelName   = "gpt-4o-mini"
	defaultSearchModel = "gpt-4o-mini"
	defaultTranscriber = "whisper-1"
	defaultTimeout     = 60 * time.Second
	maxAudioBytes      = 25 << 20
)

// Config 描述了调用 OpenAI 兼容接口所需的信息。
type Config struct {
	APIKey          string
	BaseURL         string
	Model           string
	SearchModel     string
	TranscribeModel string
	// Language 是转写时提示的语言，默认 en。
	Language string
	Timeout  time.Duration
}

// Client 通过 HTTP 调用 OpenAI 提供的大模型能力。
type Client struct {
	apiKey          string
	baseURL         string
	model           string
	searchModel     string
	transcribeModel string
	language        string
	httpClient      *http.Client
}

var (
	_ llm.Client      = (*Client)(nil)
	_ llm.Transcriber = (*Client)(nil)
)

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未提供 OpenAI API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}
	searchModel := strings.TrimSpace(cfg.SearchModel)
	if searchModel == "" {
		searchModel = defaultSearchModel
	}

	transcribeModel := strings.TrimSpace(cfg.TranscribeModel)
	if transcribeModel == "" {
		transcribeModel = defaultTranscriber
	}
	language := strings.TrimSpace(cfg.Language)
	if language == "" {
		language = "en"
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		apiKey:          apiKey,
		baseURL:         baseURL,
		model:           model,
		searchModel:     searchModel,
		transcribeModel: transcribeModel,
		language:        language,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Complete 调用 Chat Completions 接口。
func (c *Client) Complete(ctx context.Context, req llm.CompletionRequest) (string, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	messages := make([]message, 0, len(req.Messages)+1)
	if system := strings.TrimSpace(req.System); system != "" {
		messages = append(messages, message{Role: string(llm.RoleSystem), Content: system})
	}
	for _, m := range req.Messages {
		messages = append(messages, message{Role: string(m.Role), Content: m.Content})
	}
	body := map[string]any{
		"model":       c.model,
		"messages":    messages,
		"temperature": req.Temperature,
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}

	raw, err := c.post(ctx, "/chat/completions", body, req.Timeout)
	if err != nil {
		return "", err
	}
	content := strings.TrimSpace(gjson.GetBytes(raw, "choices.0.message.content").String())
	if content == "" {
		return "", xerrors.New(xerrors.CodeUpstreamFailure, "OpenAI 响应内容为空")
	}
	return content, nil
}

// WebSearch 调用 Responses 接口并启用 web_search_preview 工具。
func (c *Client) WebSearch(ctx context.Context, query string, timeout time.Duration) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "搜索内容不能为空")
	}
	body := map[string]any{
		"model": c.searchModel,
		"tools": []map[string]any{{"type": "web_search_preview"}},
		"input": query,
	}
	raw, err := c.post(ctx, "/responses", body, timeout)
	if err != nil {
		return "", err
	}
	text := extractOutputText(raw)
	if text == "" {
		return "", xerrors.New(xerrors.CodeUpstreamFailure, "联网搜索没有返回文本")
	}
	return text, nil
}

// extractOutputText 拼接 Responses 输出中所有 message 的 output_text 片段。
func extractOutputText(raw []byte) string {
	if direct := gjson.GetBytes(raw, "output_text"); direct.Exists() && strings.TrimSpace(direct.String()) != "" {
		return strings.TrimSpace(direct.String())
	}
	var parts []string
	gjson.GetBytes(raw, "output").ForEach(func(_, item gjson.Result) bool {
		if item.Get("type").String() != "message" {
			return true
		}
		item.Get("content").ForEach(func(_, part gjson.Result) bool {
			if part.Get("type").String() == "output_text" {
				if text := strings.TrimSpace(part.Get("text").String()); text != "" {
					parts = append(parts, text)
				}
			}
			return true
		})
		return true
	})
	return strings.Join(parts, "\n\n")
}

// Transcribe 调用 audio/transcriptions 接口，音频以 multipart 上传。
func (c *Client) Transcribe(ctx context.Context, audio io.Reader, filename string) (string, error) {
	if audio == nil {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "音频不能为空")
	}
	filename = strings.TrimSpace(filename)
	if filename == "" {
		filename = "audio.mp3"
	}
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	part, err := form.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("构建转写请求失败: %w", err)
	}
	n, err := io.Copy(part, io.LimitReader(audio, maxAudioBytes+1))
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取音频失败")
	}
	if n == 0 {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "音频不能为空")
	}
	if n > maxAudioBytes {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "音频超过 25MB 限制")
	}
	_ = form.WriteField("model", c.transcribeModel)
	_ = form.WriteField("language", c.language)
	if err := form.Close(); err != nil {
		return "", fmt.Errorf("构建转写请求失败: %w", err)
	}

	raw, err := c.send(ctx, http.MethodPost, "/audio/transcriptions", form.FormDataContentType(), &buf, 0)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(gjson.GetBytes(raw, "text").String()), nil
}

// Ping 请求模型列表以确认 API Key 可用。
func (c *Client) Ping(ctx context.Context) error {
	raw, err := c.send(ctx, http.MethodGet, "/models", "", nil, 0)
	if err != nil {
		return err
	}
	if !gjson.GetBytes(raw, "data").IsArray() {
		return xerrors.New(xerrors.CodeUpstreamFailure, "OpenAI 模型列表格式异常")
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body any, timeout time.Duration) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("序列化 OpenAI 请求失败: %w", err)
	}
	return c.send(ctx, http.MethodPost, path, "application/json", bytes.NewReader(payload), timeout)
}

func (c *Client) send(ctx context.Context, method, path, contentType string, body io.Reader, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("构建 OpenAI 请求失败: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "请求 OpenAI 超时")
		}
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "请求 OpenAI 失败")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "读取 OpenAI 响应失败")
	}
	if resp.StatusCode >= http.StatusBadRequest {
		if gjson.GetBytes(raw, "error.code").String() == "insufficient_quota" {
			return nil, xerrors.New(xerrors.CodeUpstreamFailure, "OpenAI 额度已用尽")
		}
		snippet := string(raw)
		if len(snippet) > 2048 {
			snippet = snippet[:2048]
		}
		return nil, xerrors.New(xerrors.CodeUpstreamFailure, fmt.Sprintf("OpenAI 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(snippet)))
	}
	if !gjson.ValidBytes(raw) {
		return nil, xerrors.New(xerrors.CodeUpstreamFailure, "解析 OpenAI 响应失败")
	}
	return raw, nil
}
