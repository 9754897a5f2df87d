// Package mcp provides the MCP server that calls internal packages directly.
//
// This implementation uses the MCP SDK (github.com/modelcontextprotocol/go-sdk/mcp)
// and registers tools for corpus search, tenant document ingestion and
// search, file conversion, the reference cache, and tool discovery. Tool
// inputs are typed structs validated with go-playground/validator;
// validation failures surface as structured tool errors, never a crash.
//
// Large ingestion reports are registered in the reference cache and
// returned as envelopes; get_cached_result retrieves them, paginated for
// list-shaped values.
package mcp
