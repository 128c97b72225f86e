package auth

import (
	"log/slog"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	xerrors "ChainPilot/internal/errors"
	"ChainPilot/pkg/logger"
)

// ErrorWriter 负责把认证失败写回客户端。
type ErrorWriter func(c echo.Context, err error) error

// Middleware 返回 echo 认证中间件，支持 "Authorization: Bearer <key>" 与 "X-API-Key" 两种头。
// public 中列出的路径前缀不做认证。
func Middleware(keyring *Keyring, onError ErrorWriter, public ...string) echo.MiddlewareFunc {
	audit := logger.Audit()
	return middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		KeyLookup:  "header:" + echo.HeaderAuthorization + ",header:X-API-Key",
		AuthScheme: "Bearer",
		Skipper: func(c echo.Context) bool {
			path := c.Request().URL.Path
			for _, prefix := range public {
				if strings.HasPrefix(path, prefix) {
					return true
				}
			}
			return false
		},
		Validator: func(key string, c echo.Context) (bool, error) {
			subject, err := keyring.Authenticate(key)
			if err != nil {
				return false, err
			}
			req := c.Request()
			c.SetRequest(req.WithContext(WithSubject(req.Context(), subject)))
			return true, nil
		},
		ErrorHandler: func(err error, c echo.Context) error {
			if _, ok := xerrors.From(err); !ok {
				err = xerrors.Wrap(CodeUnauthenticated, err, "缺少 api key")
			}
			audit.Warn("auth.denied",
				slog.String("path", c.Request().URL.Path),
				slog.String("remote", c.RealIP()),
				slog.String("code", string(xerrors.CodeOf(err))),
			)
			if onError == nil {
				return echo.ErrUnauthorized
			}
			return onError(c, err)
		},
	})
}
