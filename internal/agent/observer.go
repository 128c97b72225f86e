package agent

import "time"

// 请求结果分类，用于指标标签。
const (
	OutcomeAnswered = "answered"
	OutcomeFallback = "fallback"
	OutcomeEmpty    = "empty"
	OutcomeError    = "error"
)

// Observer 接收编排过程中的度量事件。
type Observer interface {
	ObserveRequest(outcome string, iterations int, elapsed time.Duration)
	ObserveProviderCall(provider string, err error, elapsed time.Duration)
	ObserveTool(tool string, success bool, elapsed time.Duration)
}

type noopObserver struct{}

func (noopObserver) ObserveRequest(string, int, time.Duration) {}
func (noopObserver) ObserveProviderCall(string, error, time.Duration) {}
func (noopObserver) ObserveTool(string, bool, time.Duration) {}
