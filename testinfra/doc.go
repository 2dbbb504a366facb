// Copyright 2024-2026 Aiku AI

// Package testinfra runs the bridge end to end against an in-process
// fake Discord: one httptest server serves the REST API under /api and
// the gateway websocket under /gateway. Tests drive the bridge through
// connector.Bridge exactly as cmd/cordbridge does and observe the
// buffers of an in-memory host.
//
// Run: go test ./testinfra/...
package testinfra
