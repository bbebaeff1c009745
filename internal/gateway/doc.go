// Package gateway wires the sage-gateway server together and exposes its
// client-facing surfaces: a REST API for conversations, an SSE endpoint that
// asks a question and streams the answer, and a WebSocket endpoint for
// interactive sessions that follow conversations live.
package gateway
