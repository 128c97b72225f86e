package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"ChainPilot/internal/auth"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/task"
)

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

// statusFor 按错误链中的错误码决定 HTTP 状态码。
// 智能体编排失败时只有配置、限流与凭证错误单独映射，链内其余错误码一律按 500 处理。
func statusFor(err error) int {
	switch {
	case xerrors.HasCode(err, auth.CodeUnauthenticated):
		return http.StatusUnauthorized
	case xerrors.HasCode(err, xerrors.CodeConfiguration):
		return http.StatusInternalServerError
	case xerrors.HasCode(err, xerrors.CodeProviderRateLimit):
		return http.StatusTooManyRequests
	case xerrors.HasCode(err, xerrors.CodeProviderCredential):
		return http.StatusBadGateway
	case xerrors.HasCode(err, xerrors.CodeOrchestration):
		return http.StatusInternalServerError
	case xerrors.HasCode(err, xerrors.CodeInvalidArgument),
		xerrors.HasCode(err, task.CodeJobValidation):
		return http.StatusBadRequest
	case xerrors.HasCode(err, xerrors.CodeNotFound),
		xerrors.HasCode(err, task.CodeJobNotFound):
		return http.StatusNotFound
	case xerrors.HasCode(err, task.CodeJobConflict):
		return http.StatusConflict
	case xerrors.HasCode(err, xerrors.CodeInitializationFailure):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c echo.Context, err error) error {
	status := statusFor(err)
	resp := errorResponse{
		Error:     err.Error(),
		Code:      string(xerrors.CodeOf(err)),
		Retryable: xerrors.RetryableError(err),
	}
	if e, ok := xerrors.From(err); ok {
		resp.Error = e.Message()
	}
	return c.JSON(status, resp)
}
