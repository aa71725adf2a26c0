// Package server provides HTTP server setup and initialization for the
// extension host.
//
// This package orchestrates all components:
//   - HTTP routing with Gin framework
//   - Middleware stack (CORS, rate limiting, recovery, metrics)
//   - Stores (key-value storage, skills, downloads, connections)
//   - Surface hub for streaming UI updates over WebSocket
//   - Outbound HTTP bridge with credential injection
//   - Runtime manager with the goja sandbox factory
//
// Server Lifecycle:
//  1. Load configuration from environment
//  2. Initialize logger (production or development)
//  3. Open on-disk stores and seed the connection registry
//  4. Setup HTTP routes and middleware
//  5. Start HTTP server
//  6. Graceful shutdown on signal, disposing every extension
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	srv, err := server.NewServer(cfg, log)
//	if err := srv.Run(); err != nil {
//	    log.Fatal(err)
//	}
package server
