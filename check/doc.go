// Package check defines the data model shared by every pingstream component.
//
// A [Target] is a URL under periodic liveness monitoring. Each executed tick
// for a target produces exactly one immutable [Result]. Viewers attach with a
// [Filter] that selects either every target or a single target ID.
//
// The types in this package carry no behaviour beyond construction helpers
// and filter matching; they are safe to copy and to share between goroutines.
package check
