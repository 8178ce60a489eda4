package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"Errand-Desk/internal/agent"
	"Errand-Desk/internal/agentlog"
	"Errand-Desk/internal/approval"
	"Errand-Desk/internal/call"
	"Errand-Desk/internal/contact"
	"Errand-Desk/internal/conversation"
	"Errand-Desk/internal/dispatch"
	xerrors "Errand-Desk/internal/errors"
	"Errand-Desk/internal/memory"
	"Errand-Desk/internal/notify"
	"Errand-Desk/internal/observability/metrics"
	"Errand-Desk/internal/settings"
	"Errand-Desk/internal/stats"
	"Errand-Desk/internal/task"
	"Errand-Desk/pkg/logger"
)

const (
	maxBodyBytes  = 1 << 20
	maxAudioBytes = 25 << 20
)

// CallStore 是 HTTP 层读取通话所需的能力。
type CallStore interface {
	GetCall(ctx context.Context, id string) (*call.Call, error)
	ListCalls(ctx context.Context, limit int) ([]*call.Call, error)
	ListCallEvents(ctx context.Context, callID string) ([]*call.Event, error)
}

// Dependencies 汇总 API 依赖的业务组件。
type Dependencies struct {
	Tasks         *task.Service
	Approvals     *approval.Service
	Calls         CallStore
	StatusSync    *call.StatusSync
	Inbound       *call.Inbound
	Conversations *conversation.Service
	Turns         *agent.TurnHandler
	Logs          agentlog.Store
	Notifications *notify.Center
	Memories      *memory.Book
	Contacts      *contact.Directory
	Settings      *settings.Loader
	Stats         *stats.Service
	Transcripts   *call.Transcription
	TestCalls     *dispatch.TestCaller
	// Health 按顺序列出 /api/health 检查的组件。
	Health []HealthCheck
}

// Server 负责暴露 REST 接口与电话服务商回调。
type Server struct {
	addr              string
	deps              Dependencies
	readHeaderTimeout time.Duration
	shutdownTimeout   time.Duration
	now               func() time.Time
	logger            *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, deps Dependencies) *Server {
	return &Server{
		addr:              addr,
		deps:              deps,
		readHeaderTimeout: 5 * time.Second,
		shutdownTimeout:   5 * time.Second,
		now:               time.Now,
		logger:            logger.Named("api"),
	}
}

// WithTimeouts 设置读取请求头与优雅关闭的超时，非正值保持默认。
func (s *Server) WithTimeouts(readHeader, shutdown time.Duration) *Server {
	if readHeader > 0 {
		s.readHeaderTimeout = readHeader
	}
	if shutdown > 0 {
		s.shutdownTimeout = shutdown
	}
	return s
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: s.readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Handler 返回注册了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	route := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, instrument(pattern, h))
	}

	route("GET /api/tasks", s.handleListTasks)
	route("POST /api/tasks", s.handleCreateTask)
	route("GET /api/tasks/{id}", s.handleTaskDetail)
	route("PATCH /api/tasks/{id}", s.handleUpdateTask)
	route("POST /api/tasks/{id}/resume", s.handleResumeTask)

	route("GET /api/approvals", s.handleListApprovals)
	route("PATCH /api/approvals/{id}", s.handleDecideApproval)

	route("GET /api/calls", s.handleListCalls)
	route("GET /api/calls/{id}", s.handleCallDetail)
	route("POST /api/calls/status", s.handleCallStatus)
	route("POST /api/calls/inbound", s.handleInboundCall)
	route("POST /api/calls/test", s.handleTestCall)
	route("POST /api/calls/{id}/transcribe", s.handleTranscribeCall)

	route("GET /api/conversations", s.handleListConversations)
	route("POST /api/conversations", s.handleCreateConversation)
	route("GET /api/conversations/{id}/messages", s.handleListMessages)
	route("POST /api/conversations/{id}/messages", s.handleSendMessage)
	route("POST /api/conversations/{id}/voice", s.handleSendVoice)

	route("GET /api/agent-logs", s.handleAgentLogs)
	route("GET /api/notifications", s.handleListNotifications)
	route("POST /api/notifications/{id}/read", s.handleMarkRead)

	route("GET /api/memories", s.handleListMemories)
	route("POST /api/memories", s.handleCreateMemory)
	route("PATCH /api/memories/{id}", s.handleUpdateMemory)
	route("DELETE /api/memories/{id}", s.handleDeleteMemory)

	route("GET /api/contacts", s.handleListContacts)
	route("POST /api/contacts", s.handleCreateContact)

	route("GET /api/settings", s.handleGetSettings)
	route("PUT /api/settings", s.handlePutSettings)

	route("GET /api/stats", s.handleStats)
	route("GET /api/health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

// statusWriter 捕获响应状态码。
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// instrument 记录请求指标，并为写操作输出审计日志。
func instrument(pattern string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		elapsed := time.Since(start)
		metrics.ObserveHTTPRequest(pattern, r.Method, sw.status, elapsed)
		if r.Method != http.MethodGet {
			logger.Audit().Info("api_request",
				slog.String("route", pattern),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", sw.status),
				slog.Int64("duration_ms", elapsed.Milliseconds()),
			)
		}
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

type errorBody struct {
	Error string       `json:"error"`
	Code  xerrors.Code `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := xerrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("请求处理失败",
			slog.String("path", r.URL.Path),
			slog.String("severity", string(xerrors.SeverityOf(err))),
			slog.Bool("alert", xerrors.ShouldAlert(err)),
			slog.Any("error", err),
		)
	}
	writeJSON(w, status, errorBody{Error: xerrors.PublicMessage(err), Code: xerrors.CodeOf(err)})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

// queryLimit 解析 limit 参数，非法或缺失时使用 fallback。
func queryLimit(r *http.Request, fallback int) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}
