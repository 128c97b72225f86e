// Package task 实现异步对话任务：提交后持久化并入队，由处理器领取、调用编排器、
// 写回结果，并对可重试的失败重新排队。
package task
