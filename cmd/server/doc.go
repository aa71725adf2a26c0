// Package main is the entry point for the extension host server.
//
// The server runs untrusted extension code inside per-instance goja
// sandboxes and exposes a capability-gated host API to it.
//
// Architecture:
//
//	UI client (WebSocket + REST) → Host runtime → goja realm (extension JS)
//	                                           → Connection-aware HTTP bridge
//
// The server provides:
//   - REST API for extension lifecycle and invocation
//   - WebSocket streaming of rendered surface updates
//   - Capability-gated dispatch of sandbox requests
//   - Connection registry with encrypted secrets
//   - Rate limiting and Prometheus metrics
//
// Configuration is environment-driven (12-factor); see internal/config
// for the full variable list.
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown, disposing every extension
package main
