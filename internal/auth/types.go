// Package auth 为 HTTP API 提供基于静态 API Key 的调用方认证。
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"strings"

	xerrors "ChainPilot/internal/errors"
)

// CodeUnauthenticated 表示调用方未提供有效凭证。
const CodeUnauthenticated xerrors.Code = "UNAUTHENTICATED"

func init() {
	xerrors.Register(CodeUnauthenticated, xerrors.Attributes{
		Message:  "missing or invalid api key",
		Severity: xerrors.SeverityInfo,
	})
}

// Key 描述一个已签发的 API Key。
type Key struct {
	Name     string `json:"name" yaml:"name"`
	Value    string `json:"value" yaml:"value"`
	Disabled bool   `json:"disabled" yaml:"disabled"`
}

// Subject 是通过认证的调用方。
type Subject struct {
	Name string
}

type credential struct {
	name   string
	digest [sha256.Size]byte
}

// Keyring 保存 API Key 的摘要并负责校验，构造后只读，可并发使用。
type Keyring struct {
	creds []credential
}

// NewKeyring 根据配置构造 Keyring，禁用的 Key 会被跳过。
func NewKeyring(keys []Key) (*Keyring, error) {
	k := &Keyring{}
	names := make(map[string]struct{}, len(keys))
	for i, key := range keys {
		name := strings.TrimSpace(key.Name)
		value := strings.TrimSpace(key.Value)
		if name == "" {
			return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("第 %d 个 api key 缺少 name", i+1))
		}
		if value == "" {
			return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("api key %s 缺少 value", name))
		}
		if _, dup := names[name]; dup {
			return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("api key %s 重复定义", name))
		}
		names[name] = struct{}{}
		if key.Disabled {
			continue
		}
		k.creds = append(k.creds, credential{name: name, digest: sha256.Sum256([]byte(value))})
	}
	return k, nil
}

// Len 返回启用的 Key 数量。
func (k *Keyring) Len() int {
	if k == nil {
		return 0
	}
	return len(k.creds)
}

// Authenticate 校验调用方提交的 Key。
// 所有候选都会被比较一遍，耗时与匹配位置无关。
func (k *Keyring) Authenticate(presented string) (*Subject, error) {
	presented = strings.TrimSpace(presented)
	if presented == "" {
		return nil, xerrors.New(CodeUnauthenticated, "缺少 api key")
	}
	digest := sha256.Sum256([]byte(presented))
	var matched *Subject
	if k != nil {
		for _, cred := range k.creds {
			if subtle.ConstantTimeCompare(cred.digest[:], digest[:]) == 1 && matched == nil {
				matched = &Subject{Name: cred.name}
			}
		}
	}
	if matched == nil {
		return nil, xerrors.New(CodeUnauthenticated, "api key 无效")
	}
	return matched, nil
}
