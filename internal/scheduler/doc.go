// Package scheduler runs one periodic check task per monitored target.
//
// Each task checks its target immediately and then on every tick. A tick that
// fires while the previous check for the same target is still running is
// skipped, never queued, so results for a target are strictly chronological
// and at most one check per target is in flight.
//
// The main components are:
//
//   - [Scheduler]: task set and lifecycle
//   - [Ticker]: the tick source, replaceable for deterministic tests
//   - [Sink]: receives every result produced by an executed tick
package scheduler
