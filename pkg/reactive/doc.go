// Package reactive implements the signal graph that drives loom.
//
// Signals hold values, memos derive cached values from other signals, and
// effects run side effects when their dependencies change. Every read of a
// signal inside a running computation subscribes that computation to the
// signal; every computation re-tracks its dependencies from scratch on each
// run, so branches that stop being read stop firing.
//
// Propagation is batched and glitch-free: a write marks direct observers
// stale and transitive observers pending, then a single drain runs pure
// computations in dependency order before any user effect fires. A memo
// that recomputes to an equal value stops the wave below it.
//
// Ownership scopes tie lifetimes together: disposing a scope disposes every
// scope created under it (in reverse order) and runs registered cleanups.
package reactive
