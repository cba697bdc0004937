// Package main is the entry point for apphost, an in-process runtime
// that loads user-authored task modules, drives each through a
// cancellation-aware lifecycle, and exposes control/status/logs over
// HTTP/1.1 (including SSE and WebSocket upgrade) plus a static file
// server.
//
// Configuration:
//   - an optional YAML file (-config, default "apphost.yaml")
//   - environment variables, which override the file
//   - built-in defaults for everything else
//
// Usage:
//
//	./apphost -config apphost.yaml
//
// Signals:
//   - SIGINT, SIGTERM: graceful shutdown (stop every running app, flush
//     the manifest, close the listener)
package main
