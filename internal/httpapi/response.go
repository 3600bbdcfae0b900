package httpapi

import (
	"net/http"

	"github.com/cockroachdb/errors"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/lk2023060901/msgrelay-go/pkg/log"
	"github.com/lk2023060901/msgrelay-go/pkg/util/merr"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Response 为所有接口统一的返回体。
type Response struct {
	OK      bool   `json:"ok"`
	Code    int32  `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Warn("failed to write response", zap.Error(err))
	}
}

func writeOK(w http.ResponseWriter, message string, data any) {
	writeJSON(w, http.StatusOK, Response{OK: true, Message: message, Data: data})
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		log.Ctx(r.Context()).Warn("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, status, Response{
		OK:      false,
		Code:    merr.Code(err),
		Message: err.Error(),
	})
}

// statusOf 将错误映射为 HTTP 状态码。
func statusOf(err error) int {
	switch {
	case errors.IsAny(err, merr.ErrParameterInvalid, merr.ErrParameterMissing):
		return http.StatusBadRequest
	case errors.Is(err, merr.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, merr.ErrSessionNotOwned):
		return http.StatusForbidden
	case errors.IsAny(err, merr.ErrSessionNotConnected, merr.ErrDispatchRunning, merr.ErrSessionExists):
		return http.StatusConflict
	case errors.Is(err, merr.ErrServiceTooManyRequests):
		return http.StatusTooManyRequests
	case errors.IsAny(err, merr.ErrTransportFailed, merr.ErrPairingFailed, merr.ErrStorageFailed):
		return http.StatusBadGateway
	case errors.IsAny(err, merr.ErrServiceClosed, merr.ErrServiceUnavailable, merr.ErrServiceNotReady):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
