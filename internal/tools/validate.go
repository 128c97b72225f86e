package tools

import (
	"encoding/json"
	"fmt"
	"reflect"

	xerrors "ChainPilot/internal/errors"
)

// ValidateParams 是默认的参数校验：必填参数必须存在，已提供参数必须匹配声明的类型，
// 声明了枚举时取值必须命中其中之一（按字符串比较）。返回第一个违规项。
func ValidateParams(def Definition, params map[string]any) error {
	for _, p := range def.Parameters {
		if !p.Required {
			continue
		}
		if _, ok := params[p.Name]; !ok {
			return validationError(def.Name, p.Name, "missing required parameter: %s", p.Name)
		}
	}
	for _, p := range def.Parameters {
		value, ok := params[p.Name]
		if !ok {
			continue
		}
		if !MatchesType(p.Type, value) {
			return validationError(def.Name, p.Name, "parameter %s must be of type %s", p.Name, p.Type)
		}
		if len(p.Enum) > 0 && !inEnum(p.Enum, value) {
			return validationError(def.Name, p.Name, "parameter %s must be one of %v", p.Name, p.Enum)
		}
	}
	return nil
}

// MatchesType 判断取值是否符合基础类型。
func MatchesType(t ParamType, value any) bool {
	if value == nil {
		return false
	}
	switch t {
	case TypeString:
		_, ok := value.(string)
		return ok
	case TypeNumber:
		return isNumber(value)
	case TypeBoolean:
		_, ok := value.(bool)
		return ok
	case TypeArray:
		kind := reflect.TypeOf(value).Kind()
		return kind == reflect.Slice || kind == reflect.Array
	case TypeObject:
		return reflect.TypeOf(value).Kind() == reflect.Map
	default:
		return false
	}
}

func isNumber(value any) bool {
	switch v := value.(type) {
	case float32, float64,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return true
	case json.Number:
		_, err := v.Float64()
		return err == nil
	}
	return false
}

func inEnum(enum []any, value any) bool {
	needle := fmt.Sprint(value)
	for _, candidate := range enum {
		if fmt.Sprint(candidate) == needle {
			return true
		}
	}
	return false
}

// ApplyDefaults 返回补齐默认值后的参数副本，不修改入参。
func ApplyDefaults(def Definition, params map[string]any) map[string]any {
	out := make(map[string]any, len(params)+len(def.Parameters))
	for k, v := range params {
		out[k] = v
	}
	for _, p := range def.Parameters {
		if _, ok := out[p.Name]; !ok && p.Default != nil {
			out[p.Name] = p.Default
		}
	}
	return out
}

func validationError(tool, param, format string, args ...any) error {
	return xerrors.New(xerrors.CodeToolValidation, fmt.Sprintf(format, args...),
		xerrors.WithMetadata("tool", tool),
		xerrors.WithMetadata("param", param))
}
