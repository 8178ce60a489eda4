package telephony

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	xerrors "Errand-Desk/internal/errors"
)

const defaultGatewayTimeout = 15 * time.Second

// CodeNotConfigured 通道未配置。
const CodeNotConfigured xerrors.Code = "TELEPHONY_NOT_CONFIGURED"

// ErrNotConfigured 表示通道没有配置，调度器会直接进入下一条路径。
var ErrNotConfigured = xerrors.New(CodeNotConfigured, "telephony provider not configured")

func init() {
	xerrors.Register(CodeNotConfigured, xerrors.Attributes{Message: "telephony provider not configured", Severity: xerrors.SeverityWarning, HTTPStatus: 503})
}

// ConversationRequest 是交给对话式网关的自然语言指令。
type ConversationRequest struct {
	Message  string
	Name     string
	Metadata map[string]string
}

// ConversationResult 是网关受理后的返回。
type ConversationResult struct {
	SessionID string
}

// Gateway 是主通道：由外部 agent 网关进行多轮对话式通话。
type Gateway interface {
	StartConversation(ctx context.Context, req ConversationRequest) (*ConversationResult, error)
}

// GatewayConfig 网关参数。
type GatewayConfig struct {
	URL       string
	HookToken string
	Timeout   time.Duration
}

// GatewayClient 通过 HTTP hook 调用网关。
type GatewayClient struct {
	url        string
	token      string
	timeout    time.Duration
	httpClient *http.Client
}

// NewGatewayClient 创建网关客户端。URL 为空时返回的客户端总是报告 ErrNotConfigured。
func NewGatewayClient(cfg GatewayConfig) *GatewayClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultGatewayTimeout
	}
	return &GatewayClient{
		url:        strings.TrimRight(strings.TrimSpace(cfg.URL), "/"),
		token:      strings.TrimSpace(cfg.HookToken),
		timeout:    timeout,
		httpClient: &http.Client{},
	}
}

// StartConversation 实现 Gateway。
func (g *GatewayClient) StartConversation(ctx context.Context, req ConversationRequest) (*ConversationResult, error) {
	if g == nil || g.url == "" {
		return nil, ErrNotConfigured
	}
	payload, err := buildGatewayPayload(req)
	if err != nil {
		return nil, fmt.Errorf("构建网关请求失败: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url+"/hooks/agent", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构建网关请求失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "网关请求超时")
		}
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "网关请求失败")
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, xerrors.New(xerrors.CodeUpstreamFailure, fmt.Sprintf("网关返回状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	result := &ConversationResult{}
	if gjson.ValidBytes(body) {
		for _, path := range []string{"sessionId", "session_id", "runId", "id"} {
			if v := gjson.GetBytes(body, path); v.Exists() && v.String() != "" {
				result.SessionID = v.String()
				break
			}
		}
	}
	return result, nil
}

// Configured 判断是否设置了网关地址。
func (g *GatewayClient) Configured() bool { return g != nil && g.url != "" }

// Ping 请求网关的状态接口。
func (g *GatewayClient) Ping(ctx context.Context) error {
	if !g.Configured() {
		return ErrNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, g.url+"/api/v1/status", nil)
	if err != nil {
		return fmt.Errorf("构建网关请求失败: %w", err)
	}
	if g.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.token)
	}
	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return xerrors.Wrap(xerrors.CodeTimeout, err, "网关请求超时")
		}
		return xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "网关不可达")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return xerrors.New(xerrors.CodeUpstreamFailure, fmt.Sprintf("网关返回状态 %d", resp.StatusCode))
	}
	return nil
}

func buildGatewayPayload(req ConversationRequest) ([]byte, error) {
	payload := []byte(`{}`)
	var err error
	if payload, err = sjson.SetBytes(payload, "message", req.Message); err != nil {
		return nil, err
	}
	if req.Name != "" {
		if payload, err = sjson.SetBytes(payload, "name", req.Name); err != nil {
			return nil, err
		}
	}
	keys := make([]string, 0, len(req.Metadata))
	for k := range req.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if payload, err = sjson.SetBytes(payload, "metadata."+escapePathKey(k), req.Metadata[k]); err != nil {
			return nil, err
		}
	}
	return payload, nil
}

func escapePathKey(k string) string {
	r := strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`)
	return r.Replace(k)
}
