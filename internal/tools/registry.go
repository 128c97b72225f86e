package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"github.com/xeipuuv/gojsonschema"

	xerrors "ChainPilot/internal/errors"
)

// Registry 按注册顺序保存工具，查找、判断与删除均为 O(1)。
type Registry struct {
	mu    sync.RWMutex
	tools *orderedmap.OrderedMap[string, Tool]
}

// NewRegistry 创建空的工具注册表。
func NewRegistry() *Registry {
	return &Registry{tools: orderedmap.New[string, Tool]()}
}

// Register 注册工具。重名或定义不合法的工具会被拒绝。
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return xerrors.New(xerrors.CodeToolRegistration, "tool is nil")
	}
	def := tool.Definition()
	if err := checkDefinition(def); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools.Get(def.Name); exists {
		return xerrors.New(xerrors.CodeToolRegistration, fmt.Sprintf("tool %s already registered", def.Name),
			xerrors.WithMetadata("tool", def.Name))
	}
	r.tools.Set(def.Name, tool)
	return nil
}

// MustRegister 注册失败时 panic，仅用于进程启动阶段。
func (r *Registry) MustRegister(tools ...Tool) {
	for _, tool := range tools {
		if err := r.Register(tool); err != nil {
			panic(err)
		}
	}
}

// Get 根据名称查找工具。
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools.Get(name)
}

// Has 判断工具是否已注册。
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Remove 删除工具，返回是否存在。
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, present := r.tools.Delete(name)
	return present
}

// Len 返回已注册工具数量。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools.Len()
}

// Names 按注册顺序返回工具名称。
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, r.tools.Len())
	for pair := r.tools.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names
}

// Definitions 按注册顺序返回全部工具定义。
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, r.tools.Len())
	for pair := r.tools.Oldest(); pair != nil; pair = pair.Next() {
		defs = append(defs, pair.Value.Definition())
	}
	return defs
}

// Execute 查找并以校验模式执行工具。未注册的工具返回失败结果。
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any, tc Context) *Result {
	tool, ok := r.Get(name)
	if !ok {
		return FailWithCode(xerrors.CodeToolNotFound, fmt.Sprintf("tool not found: %s", name))
	}
	return ValidatedExecute(ctx, tool, params, tc)
}

func checkDefinition(def Definition) error {
	reject := func(format string, args ...any) error {
		return xerrors.New(xerrors.CodeToolRegistration, fmt.Sprintf(format, args...),
			xerrors.WithMetadata("tool", def.Name))
	}
	if strings.TrimSpace(def.Name) == "" {
		return reject("tool definition is missing a name")
	}
	if strings.TrimSpace(def.Description) == "" {
		return reject("tool %s is missing a description", def.Name)
	}
	seen := make(map[string]struct{}, len(def.Parameters))
	for i, p := range def.Parameters {
		switch {
		case strings.TrimSpace(p.Name) == "":
			return reject("tool %s parameter #%d is missing a name", def.Name, i)
		case p.Type == "":
			return reject("tool %s parameter %s is missing a type", def.Name, p.Name)
		case strings.TrimSpace(p.Description) == "":
			return reject("tool %s parameter %s is missing a description", def.Name, p.Name)
		case !p.Type.Valid():
			return reject("tool %s parameter %s has unsupported type %q", def.Name, p.Name, p.Type)
		}
		if _, dup := seen[p.Name]; dup {
			return reject("tool %s declares parameter %s twice", def.Name, p.Name)
		}
		seen[p.Name] = struct{}{}
		if p.Default != nil && !MatchesType(p.Type, p.Default) {
			return reject("tool %s parameter %s default does not match type %s", def.Name, p.Name, p.Type)
		}
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(def.JSONSchema()))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeToolRegistration, err, fmt.Sprintf("tool %s emits an invalid schema", def.Name))
	}
	for i, example := range def.Examples {
		params := example.Params
		if params == nil {
			params = map[string]any{}
		}
		result, err := schema.Validate(gojsonschema.NewGoLoader(params))
		if err != nil {
			return xerrors.Wrap(xerrors.CodeToolRegistration, err, fmt.Sprintf("tool %s example #%d cannot be checked", def.Name, i))
		}
		if !result.Valid() {
			return reject("tool %s example #%d violates its schema: %s", def.Name, i, result.Errors()[0].String())
		}
	}
	return nil
}
