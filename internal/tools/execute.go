package tools

import (
	"context"
	"fmt"
	"time"

	xerrors "ChainPilot/internal/errors"
)

// ValidatedExecute 先校验参数再执行工具，并记录执行耗时。
// 校验失败、执行错误以及 panic 都会转换为失败的 Result，不会向调用方返回错误。
func ValidatedExecute(ctx context.Context, tool Tool, params map[string]any, tc Context) (result *Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			result = FailWithCode(xerrors.CodeToolExecution, fmt.Sprintf("tool execution failed: %v", r))
		}
		if result == nil {
			result = FailWithCode(xerrors.CodeToolExecution, "tool returned no result")
		}
		result.Metadata.ExecutionTimeMS = elapsedMillis(start)
	}()

	if params == nil {
		params = map[string]any{}
	}
	if err := tool.ValidateParams(params); err != nil {
		return FailWithCode(codeOr(err, xerrors.CodeToolValidation), errorText(err))
	}

	out, err := tool.Execute(ctx, ApplyDefaults(tool.Definition(), params), tc)
	if err != nil {
		return FailWithCode(codeOr(err, xerrors.CodeToolExecution), errorText(err))
	}
	return out
}

// codeOr 返回错误自带的错误码，普通错误使用 fallback。
func codeOr(err error, fallback xerrors.Code) xerrors.Code {
	if e, ok := xerrors.From(err); ok {
		return e.Code()
	}
	return fallback
}

// errorText 提取统一错误的业务信息，不包含错误码。
func errorText(err error) string {
	if e, ok := xerrors.From(err); ok {
		if cause := e.Unwrap(); cause != nil {
			return fmt.Sprintf("%s: %v", e.Message(), cause)
		}
		return e.Message()
	}
	return err.Error()
}
