// Package server implements the connection-facing core of PresenceHub: the
// session state machine, the broadcast hub with its observer feeds, and the
// HTTP/WebSocket surface.
//
// The implementation is organized into specialized files for configuration,
// hub management, sessions, the wire protocol, routing, and HTTP handlers
// to keep the codebase maintainable and testable as the project grows.
package server
