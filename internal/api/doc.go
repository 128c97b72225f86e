// Package api exposes the HTTP front end: synchronous chat turns, async chat
// jobs, conversation inspection and cleanup, the tool catalogue, runtime stats
// and the Prometheus scrape endpoint.
package api
