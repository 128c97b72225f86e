// Package tools defines the capability contract every tool implements, the
// default parameter validation, a panic-safe validated execution wrapper and
// the insertion-ordered registry the agent dispatches through.
package tools

import (
	"context"
	"time"

	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/intent"
)

// ParamType 是工具参数允许的基础类型。
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
	TypeArray   ParamType = "array"
	TypeObject  ParamType = "object"
)

// Valid 判断类型是否属于五种基础类型。
func (t ParamType) Valid() bool {
	switch t {
	case TypeString, TypeNumber, TypeBoolean, TypeArray, TypeObject:
		return true
	default:
		return false
	}
}

// Parameter 描述工具的一个参数。
type Parameter struct {
	Name        string    `json:"name"`
	Type        ParamType `json:"type"`
	Description string    `json:"description"`
	Required    bool      `json:"required"`
	Enum        []any     `json:"enum,omitempty"`
	Default     any       `json:"default,omitempty"`
}

// Example 是一条调用示例，注册时会用工具的 JSON Schema 校验。
type Example struct {
	Description string         `json:"description"`
	Params      map[string]any `json:"params"`
}

// Definition 是工具的静态描述，注册后不可修改。
type Definition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  []Parameter `json:"parameters"`
	Examples    []Example   `json:"examples,omitempty"`
}

// Context 是工具执行时可见的调用上下文。
type Context struct {
	CallerAddress  string
	ConversationID string
	Metadata       map[string]string
}

// Metadata 记录一次执行的附加信息。
type Metadata struct {
	ExecutionTimeMS int64    `json:"execution_time_ms"`
	Cached          bool     `json:"cached"`
	Warnings        []string `json:"warnings,omitempty"`
}

// Result 是工具执行结果，总是以值的形式返回给调用方。
type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	// Code 是失败时的错误码，工具自行返回的失败结果可以为空。
	Code     xerrors.Code `json:"code,omitempty"`
	Metadata Metadata     `json:"metadata"`
}

// Tool 是所有工具需要实现的接口。
type Tool interface {
	Definition() Definition
	// ValidateParams 返回第一个不满足定义的参数错误，全部合法时返回 nil。
	ValidateParams(params map[string]any) error
	Execute(ctx context.Context, params map[string]any, tc Context) (*Result, error)
}

// TransactionBuilder 由构造待签名交易的工具实现。
// 这类工具成功时 Result.Data 为 intent.ParsedIntent，会成为本轮对话的候选意图。
type TransactionBuilder interface {
	Tool
	TransactionType() intent.Type
}

// BaseTool 提供 Definition 与默认参数校验，具体工具内嵌后只需实现 Execute。
type BaseTool struct {
	Def Definition
}

// Definition 返回工具定义。
func (b BaseTool) Definition() Definition { return b.Def }

// ValidateParams 使用默认规则校验参数。
func (b BaseTool) ValidateParams(params map[string]any) error {
	return ValidateParams(b.Def, params)
}

// Succeed 构造成功结果。
func Succeed(data any) *Result {
	return &Result{Success: true, Data: data}
}

// Fail 构造失败结果。
func Fail(message string) *Result {
	return &Result{Success: false, Error: message}
}

// FailWithCode 构造带错误码的失败结果。
func FailWithCode(code xerrors.Code, message string) *Result {
	return &Result{Success: false, Error: message, Code: code}
}

func elapsedMillis(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
