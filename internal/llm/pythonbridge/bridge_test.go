package pythonbridge

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/llm"
	"ChainPilot/internal/message"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bridge.sh")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

func TestBridgeParsesToolCalls(t *testing.T) {
	script := writeScript(t, "cat >/dev/null\n"+
		`echo '{"content":"","tool_calls":[{"id":"c1","name":"get_gas_price","arguments":"{}"}]}'`+"\n")

	client, err := NewClient(Config{PythonExec: "sh", ScriptPath: script})
	require.NoError(t, err)

	resp, err := client.CompleteWithTools(context.Background(),
		[]message.Message{{Role: message.RoleUser, Content: "gas?"}}, "", []llm.ToolSpec{{Name: "get_gas_price"}})
	require.NoError(t, err)
	assert.False(t, resp.Finished)
	assert.Equal(t, llm.FinishToolCalls, resp.FinishReason)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "get_gas_price", resp.ToolCalls[0].Name)
}

func TestBridgeScriptFailureIsUnavailable(t *testing.T) {
	script := writeScript(t, "echo broken >&2\nexit 3\n")
	client, err := NewClient(Config{PythonExec: "sh", ScriptPath: script})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), nil, "")
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeProviderUnavailable, xerrors.CodeOf(err))
}

func TestNewClientRequiresScript(t *testing.T) {
	_, err := NewClient(Config{})
	assert.Equal(t, xerrors.CodeConfiguration, xerrors.CodeOf(err))
}

func TestResolveScriptPath(t *testing.T) {
	assert.Equal(t, "/abs/x.py", ResolveScriptPath("/base", "/abs/x.py"))
	assert.Equal(t, filepath.Join("/base", "x.py"), ResolveScriptPath("/base", "x.py"))
	assert.Equal(t, "x.py", ResolveScriptPath("", "x.py"))
}
