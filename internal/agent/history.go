package agent

import (
	"fmt"
	"strings"

	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/message"
)

// validatePrior 校验调用方提供的历史消息。
// 角色必须是受支持的枚举值，tool 消息必须回指紧邻其前的 assistant 消息中的某个工具调用。
func validatePrior(prior []message.Message) error {
	var pending map[string]struct{}
	for i, msg := range prior {
		if !msg.Role.Valid() {
			return invalidPrior(i, fmt.Sprintf("unsupported role %q", msg.Role))
		}
		if msg.Role != message.RoleTool {
			pending = nil
			if msg.Role == message.RoleAssistant && len(msg.ToolCalls) > 0 {
				pending = make(map[string]struct{}, len(msg.ToolCalls))
				for _, call := range msg.ToolCalls {
					if id := strings.TrimSpace(call.ID); id != "" {
						pending[id] = struct{}{}
					}
				}
			}
			continue
		}
		id := strings.TrimSpace(msg.ToolCallID)
		if id == "" {
			return invalidPrior(i, "tool message is missing tool_call_id")
		}
		if _, ok := pending[id]; !ok {
			return invalidPrior(i, fmt.Sprintf("tool message %s does not answer a preceding assistant tool call", id))
		}
	}
	return nil
}

func invalidPrior(index int, reason string) error {
	return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("prior_messages[%d]: %s", index, reason),
		xerrors.WithMetadata("index", fmt.Sprint(index)))
}
