// Package llm contains the provider abstraction used by the agent loop: a
// two-operation contract (plain completion and tool-aware completion), the
// configuration rules every concrete provider validates at construction, a
// shared retry policy with exponential backoff, and the normalized error
// taxonomy that decides retry eligibility.
package llm
