// Package httpapi 把控制操作暴露为 HTTP 接口。
package httpapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lk2023060901/msgrelay-go/internal/control"
	"github.com/lk2023060901/msgrelay-go/internal/session"
	"github.com/lk2023060901/msgrelay-go/pkg/log"
	"github.com/lk2023060901/msgrelay-go/pkg/util/merr"
)

const (
	defaultMaxUploadSize = 8 << 20
	messageFileField     = "messageFile"
)

// Service 为 HTTP 层依赖的控制操作，*control.Service 实现了该接口。
type Service interface {
	CreateSession(ctx context.Context, number string) (control.CreateSessionResult, error)
	StartDispatch(ctx context.Context, req control.StartDispatchRequest) error
	ListSessions(ctx context.Context, number string) []session.Info
	SessionInfo(ctx context.Context, id, number string) (session.Info, error)
	StopDispatch(ctx context.Context, id, number string) error
	DisconnectSession(ctx context.Context, id, number string) error
}

var _ Service = (*control.Service)(nil)

type options struct {
	maxUploadSize int64
	pairingLimit  RateLimitConfig
	metricsPath   string
	metrics       http.Handler
}

// Option 用于配置 Handler。
type Option func(*options)

// WithMaxUploadSize 设置消息文件的最大字节数。
func WithMaxUploadSize(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.maxUploadSize = n
		}
	}
}

// WithPairingRateLimit 设置创建会话接口的限流。
func WithPairingRateLimit(cfg RateLimitConfig) Option {
	return func(o *options) {
		o.pairingLimit = cfg
	}
}

// WithMetrics 在 path 上挂载指标接口。
func WithMetrics(path string, h http.Handler) Option {
	return func(o *options) {
		o.metricsPath = path
		o.metrics = h
	}
}

// Handler 为所有路由的入口。
type Handler struct {
	svc     Service
	opts    options
	limiter *clientLimiter
	mux     *http.ServeMux
}

// New 创建 HTTP Handler。
func New(svc Service, opts ...Option) *Handler {
	o := options{
		maxUploadSize: defaultMaxUploadSize,
		pairingLimit:  DefaultRateLimitConfig(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	h := &Handler{
		svc:     svc,
		opts:    o,
		limiter: newClientLimiter(o.pairingLimit),
		mux:     http.NewServeMux(),
	}
	h.mux.HandleFunc("GET /code", h.handleCode)
	h.mux.HandleFunc("POST /send-message", h.handleSendMessage)
	h.mux.HandleFunc("GET /active-sessions", h.handleActiveSessions)
	h.mux.HandleFunc("GET /sessions/{id}", h.handleSessionInfo)
	h.mux.HandleFunc("GET /stop", h.handleStop)
	h.mux.HandleFunc("GET /disconnect", h.handleDisconnect)
	h.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeOK(w, "ok", nil)
	})
	if o.metrics != nil && o.metricsPath != "" {
		h.mux.Handle("GET "+o.metricsPath, o.metrics)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := r.Header.Get("X-Request-Id")
	if reqID == "" {
		reqID = uuid.NewString()
	}
	ctx := log.WithRequestID(r.Context(), reqID)
	w.Header().Set("X-Request-Id", reqID)

	start := time.Now()
	h.mux.ServeHTTP(w, r.WithContext(ctx))
	log.Ctx(ctx).Debug("http request",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Duration("cost", time.Since(start)))
}

func (h *Handler) handleCode(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.Allow(clientKey(r)) {
		w.Header().Set("Retry-After", "1")
		writeError(w, r, merr.WrapErrTooManyRequests(int32(h.opts.pairingLimit.Burst), "pairing rate limited"))
		return
	}

	result, err := h.svc.CreateSession(r.Context(), r.URL.Query().Get("number"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	message := fmt.Sprintf("Already registered. Session ID: %s", result.SessionID)
	if result.PairingCode != "" {
		message = fmt.Sprintf("Pairing Code: %s, Session ID: %s", result.PairingCode, result.SessionID)
	}
	writeOK(w, message, result)
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.maxUploadSize)
	if err := r.ParseMultipartForm(h.opts.maxUploadSize); err != nil {
		writeError(w, r, merr.WrapErrParameterInvalidMsg("parse form: %s", err.Error()))
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, _, err := r.FormFile(messageFileField)
	if err != nil {
		writeError(w, r, merr.WrapErrParameterMissing(messageFileField))
		return
	}
	messages, err := control.ParseMessages(io.LimitReader(file, h.opts.maxUploadSize))
	_ = file.Close()
	if err != nil {
		writeError(w, r, err)
		return
	}

	var interval float64
	if raw := strings.TrimSpace(r.FormValue("delaySec")); raw != "" {
		interval, err = strconv.ParseFloat(raw, 64)
		if err != nil {
			writeError(w, r, merr.WrapErrParameterInvalid("number", raw, "invalid delaySec"))
			return
		}
	}

	req := control.StartDispatchRequest{
		SessionID:       r.FormValue("sessionId"),
		Target:          r.FormValue("target"),
		TargetType:      r.FormValue("targetType"),
		Messages:        messages,
		IntervalSeconds: interval,
	}
	if err := h.svc.StartDispatch(r.Context(), req); err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, fmt.Sprintf("Message loop started for session %s", req.SessionID), map[string]any{
		"sessionId": req.SessionID,
		"messages":  len(messages),
	})
}

func (h *Handler) handleActiveSessions(w http.ResponseWriter, r *http.Request) {
	infos := h.svc.ListSessions(r.Context(), r.URL.Query().Get("number"))
	writeOK(w, fmt.Sprintf("%d sessions", len(infos)), infos)
}

func (h *Handler) handleSessionInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.svc.SessionInfo(r.Context(), r.PathValue("id"), r.URL.Query().Get("number"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, info.ConnectionName, info)
}

func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id := q.Get("sessionId")
	if err := h.svc.StopDispatch(r.Context(), id, q.Get("number")); err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, fmt.Sprintf("Stopped session %s", id), nil)
}

func (h *Handler) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id := q.Get("sessionId")
	if err := h.svc.DisconnectSession(r.Context(), id, q.Get("number")); err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, fmt.Sprintf("Disconnected session %s", id), nil)
}
