package telephony

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	xerrors "Errand-Desk/internal/errors"
)

const (
	defaultTwilioBaseURL = "https://api.twilio.com"
	defaultTwilioTimeout = 30 * time.Second
	statusCallbackEvents = "initiated ringing answered completed"
	maxRecordingBytes    = 25 << 20
)

// PlaceCallRequest 描述一次脚本式外呼。
type PlaceCallRequest struct {
	To             string
	Twiml          string
	StatusCallback string
}

// PlacedCall 是 Twilio 受理后的返回。
type PlacedCall struct {
	SID    string
	Status string
}

// Scripted 是备用通道：单向播报并录音的脚本式外呼。
type Scripted interface {
	PlaceCall(ctx context.Context, req PlaceCallRequest) (*PlacedCall, error)
}

// TwilioConfig Twilio 参数。
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	BaseURL    string
	Timeout    time.Duration
}

// TwilioClient 调用 Twilio REST API。
type TwilioClient struct {
	cfg        TwilioConfig
	httpClient *http.Client
}

// NewTwilioClient 创建 Twilio 客户端。
func NewTwilioClient(cfg TwilioConfig) *TwilioClient {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultTwilioBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTwilioTimeout
	}
	return &TwilioClient{cfg: cfg, httpClient: &http.Client{Timeout: cfg.Timeout}}
}

func (c *TwilioClient) configured() bool {
	return c != nil && c.cfg.AccountSID != "" && c.cfg.AuthToken != "" && c.cfg.FromNumber != ""
}

// PlaceCall 实现 Scripted。
func (c *TwilioClient) PlaceCall(ctx context.Context, req PlaceCallRequest) (*PlacedCall, error) {
	if !c.configured() {
		return nil, ErrNotConfigured
	}
	if !ValidE164(req.To) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("号码 %q 不是 E.164 格式", req.To))
	}
	form := url.Values{}
	form.Set("To", req.To)
	form.Set("From", c.cfg.FromNumber)
	form.Set("Twiml", req.Twiml)
	form.Set("Record", "true")
	if req.StatusCallback != "" {
		form.Set("StatusCallback", req.StatusCallback)
		form.Set("StatusCallbackEvent", statusCallbackEvents)
		form.Set("StatusCallbackMethod", http.MethodPost)
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls.json", c.cfg.BaseURL, url.PathEscape(c.cfg.AccountSID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("构建 Twilio 请求失败: %w", err)
	}
	httpReq.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "请求 Twilio 失败")
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := gjson.GetBytes(body, "message").String()
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		return nil, xerrors.New(xerrors.CodeUpstreamFailure, fmt.Sprintf("Twilio 返回状态 %d: %s", resp.StatusCode, msg))
	}
	sid := gjson.GetBytes(body, "sid").String()
	if sid == "" {
		return nil, xerrors.New(xerrors.CodeUpstreamFailure, "Twilio 响应缺少 sid")
	}
	return &PlacedCall{SID: sid, Status: gjson.GetBytes(body, "status").String()}, nil
}

// Configured 判断账号、令牌与主叫号码是否齐全。
func (c *TwilioClient) Configured() bool { return c.configured() }

// FetchRecording 下载录音音频。账号凭据齐全时附带 Basic 认证。
func (c *TwilioClient) FetchRecording(ctx context.Context, recordingURL string) ([]byte, error) {
	recordingURL = strings.TrimSpace(recordingURL)
	if recordingURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "录音地址为空")
	}
	body, status, err := c.get(ctx, recordingURL, maxRecordingBytes)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, xerrors.New(xerrors.CodeUpstreamFailure, fmt.Sprintf("下载录音失败，状态 %d", status))
	}
	if len(body) == 0 {
		return nil, xerrors.New(xerrors.CodeUpstreamFailure, "录音内容为空")
	}
	return body, nil
}

// Ping 读取账号信息以确认凭据有效。
func (c *TwilioClient) Ping(ctx context.Context) error {
	if c == nil || c.cfg.AccountSID == "" || c.cfg.AuthToken == "" {
		return ErrNotConfigured
	}
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s.json", c.cfg.BaseURL, url.PathEscape(c.cfg.AccountSID))
	body, status, err := c.get(ctx, endpoint, 64<<10)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return xerrors.New(xerrors.CodeUpstreamFailure, fmt.Sprintf("Twilio 认证失败，状态 %d", status))
	}
	if s := gjson.GetBytes(body, "status").String(); s != "" && s != "active" {
		return xerrors.New(xerrors.CodeUpstreamFailure, fmt.Sprintf("Twilio 账号状态为 %s", s))
	}
	return nil
}

func (c *TwilioClient) get(ctx context.Context, endpoint string, limit int64) ([]byte, int, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构建 Twilio 请求失败")
	}
	if c.cfg.AccountSID != "" && c.cfg.AuthToken != "" {
		httpReq.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, xerrors.Wrap(xerrors.CodeTimeout, err, "请求 Twilio 超时")
		}
		return nil, 0, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "请求 Twilio 失败")
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, resp.StatusCode, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "读取 Twilio 响应失败")
	}
	return body, resp.StatusCode, nil
}
