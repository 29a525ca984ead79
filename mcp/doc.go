// Package mcp contains the subset of Model Context Protocol types spoken by
// the relay's SSE engine: the initialize handshake, ping and tools.
package mcp
