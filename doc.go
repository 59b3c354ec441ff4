// Package toolgate implements the client side of the Model Context Protocol
// (MCP) for applications that consume tools from many servers at once. It
// speaks JSON-RPC 2.0 over stdio subprocesses and streamable HTTP endpoints,
// supervises each server connection through handshake, steady traffic,
// degradation, and reconnection, and aggregates every ready server's tools
// into one namespaced catalog addressed by server/tool references.
//
// The Pool is the main entry point: it owns one connection per configured
// server, exposes the merged catalog, and dispatches tool invocations to the
// owning server. Individual connections can also be driven directly through
// Conn for single-server uses.
package toolgate
