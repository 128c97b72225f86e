package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	xerrors "ChainPilot/internal/errors"
)

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := newRootCommand()
	for _, name := range []string{"serve", "worker", "chat", "version"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Fatalf("subcommand %s not registered: %v", name, err)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out.String(), version) {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestChatRequiresMessage(t *testing.T) {
	root := newRootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"chat"})
	if err := root.Execute(); err == nil {
		t.Fatalf("expected argument error")
	}
}

func TestChatFailsOnMissingConfig(t *testing.T) {
	root := newRootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--config", t.TempDir() + "/missing.yaml", "chat", "hello"})
	err := root.Execute()
	if !xerrors.HasCode(err, xerrors.CodeConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestIgnoreShutdown(t *testing.T) {
	if err := ignoreShutdown(fmt.Errorf("stopping: %w", context.Canceled)); err != nil {
		t.Fatalf("cancellation should be swallowed, got %v", err)
	}
	plain := errors.New("listen tcp: address in use")
	if err := ignoreShutdown(plain); !errors.Is(err, plain) || !strings.HasPrefix(err.Error(), "chainpilot:") {
		t.Fatalf("unexpected wrapping %v", err)
	}
	coded := xerrors.New(xerrors.CodeQueueFailure, "")
	if err := ignoreShutdown(coded); err != coded {
		t.Fatalf("coded errors should pass through, got %v", err)
	}
}
