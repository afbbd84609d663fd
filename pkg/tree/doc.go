// Package tree models the element tree: immutable descriptions of what
// should exist, built with H and rendered by the engine.
//
// It also ships the control-flow components — When, Match, Each, Boundary —
// that bridge reactive state into structure. All four return accessors,
// which the engine renders as reactive boundaries.
package tree
