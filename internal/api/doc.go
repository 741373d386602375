// Package api exposes the agent, the tool registry, payment summaries and the
// MCP tool listing over HTTP.
package api
