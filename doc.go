// Package mcp implements the protocol engine behind a Model Context Protocol (MCP) inspector:
// a transport-agnostic JSON-RPC 2.0 dialect with request/response correlation, notification
// dispatch, schema-validated payloads and the initialize/initialized capability handshake.
//
// The package is organised in layers. A Transport moves whole JSONRPCMessage values across a
// duplex channel. A Protocol binds exactly one Transport and owns the correlation table and
// the handler tables. Server and Client wrap a Protocol with the two halves of the handshake
// and, for Client, typed requests such as ListTools or ReadResource.
//
// StdIO and the SSE types are concrete transports; any other channel only has to satisfy the
// Transport contract.
package mcp
