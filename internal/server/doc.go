// Package server is the HTTP boundary of pingstream.
//
// It serves the dashboard page, a form and JSON API for managing targets,
// and two live result streams:
//
//   - GET /events: Server-Sent Events, one JSON result per data frame
//   - GET /api/ws: the same stream over a WebSocket
//
// Both streams accept ?target=<id> to follow a single target and
// ?replay=<n> to receive up to n recent results before live ones.
//
// The server shuts down gracefully when the context passed to
// [Server.Start] is cancelled, with a 5-second timeout for in-flight
// requests.
package server
