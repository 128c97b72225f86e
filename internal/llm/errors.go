package llm

import (
	"context"
	stdErrors "errors"
	"fmt"
	"net"
	"net/http"

	xerrors "ChainPilot/internal/errors"
)

// StatusError 表示大模型服务返回的非成功 HTTP 状态。
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.StatusCode, e.Body)
}

// Classifier 将底层错误映射到统一的 provider 错误码。
type Classifier func(err error) xerrors.Code

var providerCodes = map[xerrors.Code]struct{}{
	xerrors.CodeProviderCredential:  {},
	xerrors.CodeProviderRateLimit:   {},
	xerrors.CodeProviderUnavailable: {},
	xerrors.CodeProviderMalformed:   {},
	xerrors.CodeTimeout:             {},
	xerrors.CodeProviderUnknown:     {},
}

// IsProviderCode 判断错误码是否属于 provider 错误分类。
func IsProviderCode(code xerrors.Code) bool {
	_, ok := providerCodes[code]
	return ok
}

// ClassifyError 是默认的错误分类规则。
func ClassifyError(err error) xerrors.Code {
	if err == nil {
		return xerrors.CodeProviderUnknown
	}
	if e, ok := xerrors.From(err); ok && IsProviderCode(e.Code()) {
		return e.Code()
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return xerrors.CodeTimeout
	}
	var netErr net.Error
	if stdErrors.As(err, &netErr) && netErr.Timeout() {
		return xerrors.CodeTimeout
	}
	var statusErr *StatusError
	if stdErrors.As(err, &statusErr) {
		return ClassifyStatus(statusErr.StatusCode)
	}
	return xerrors.CodeProviderUnknown
}

// ClassifyStatus 将 HTTP 状态码映射到错误分类。
func ClassifyStatus(status int) xerrors.Code {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return xerrors.CodeProviderCredential
	case status == http.StatusTooManyRequests:
		return xerrors.CodeProviderRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return xerrors.CodeTimeout
	case status >= http.StatusInternalServerError:
		return xerrors.CodeProviderUnavailable
	case status == http.StatusBadRequest, status == http.StatusNotFound,
		status == http.StatusRequestEntityTooLarge, status == http.StatusUnprocessableEntity:
		return xerrors.CodeProviderMalformed
	default:
		return xerrors.CodeProviderUnknown
	}
}

// Normalize 将任意错误包装为带 provider 错误码的统一错误。已归一化的错误原样返回。
func Normalize(err error, classify Classifier) error {
	if err == nil {
		return nil
	}
	if e, ok := xerrors.From(err); ok && IsProviderCode(e.Code()) {
		return err
	}
	if classify == nil {
		classify = ClassifyError
	}
	code := classify(err)
	if !IsProviderCode(code) {
		code = xerrors.CodeProviderUnknown
	}
	return xerrors.Wrap(code, err, "")
}

// ShouldRetry 判断错误码是否允许重试。凭证错误与限流直接向上传播。
func ShouldRetry(code xerrors.Code) bool {
	switch code {
	case xerrors.CodeProviderCredential, xerrors.CodeProviderRateLimit:
		return false
	default:
		return true
	}
}
