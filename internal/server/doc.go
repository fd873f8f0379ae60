// Package server implements the GoChat connection manager and message
// router: HTTP routes, WebSocket upgrades, per-connection pumps, the live
// presence and room registry, and the action handlers behind the JSON
// protocol.
//
// The implementation is organized into specialized files for the hub,
// clients, dispatch, action handlers and HTTP handlers to keep the codebase
// maintainable and testable as the project grows.
package server
