// Package deploy schedules handler execution for a deployment pass.
//
// The dependency graph is derived, never stored: instance B depends on
// instance A when any value reachable in B's props is referentially equal
// to a value of A's outputs. Each apply pass diffs previous against current
// nodes, deletes consumers-first, then runs create/update handlers
// concurrently in topological order. After every completion the instance
// set is re-collected, so a handler whose outputs materialise new children
// sees their handlers run in the same pass.
package deploy
