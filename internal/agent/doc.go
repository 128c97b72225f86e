// Package agent contains the orchestrator that turns a user message into a
// final answer: it sanitizes the input, resolves the conversation context,
// drives the provider through a bounded number of tool-calling rounds,
// dispatches every requested tool through the registry and derives the
// ParsedIntent handed to the transaction-signing front end.
package agent
