// Package hub fans check results out to live subscribers.
//
// Each subscriber owns a buffered channel and an optional target filter.
// Publishing never blocks: a subscriber whose buffer is full is evicted
// rather than allowed to stall delivery to everyone else.
//
// The main components are:
//
//   - [Hub]: the subscriber set and broadcaster
//   - [Subscription]: the handle returned to a subscriber
//
// All methods are safe for concurrent use.
package hub
