package agent

import (
	"strings"
	"unicode"
)

// MaxInputRunes 是用户输入的最大字符数。
const MaxInputRunes = 1000

// Sanitize 去除控制字符（保留换行与制表符）、首尾空白，并截断到 MaxInputRunes。
func Sanitize(raw string) string {
	cleaned := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, raw)
	cleaned = strings.TrimSpace(cleaned)
	if runes := []rune(cleaned); len(runes) > MaxInputRunes {
		cleaned = strings.TrimSpace(string(runes[:MaxInputRunes]))
	}
	return cleaned
}
