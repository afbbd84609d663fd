// Package engine renders element trees into live fiber trees and tracks
// the managed instances components declare.
//
// A fiber is the persistent rendered form of an element. Function
// components execute exactly once; afterwards only reactive boundaries —
// fibers wrapping zero-arg accessor children — mutate the tree, re-rendered
// in place by render computations. Reconciliation preserves child identity
// three ways: boundary fibers by accessor identity, component fibers by
// element-record identity, and other fibers positionally by type.
//
// Components declare at most one managed instance with UseResource. The
// instance's deterministic ID derives from the resource path: the dotted
// kebab-name-key segments of every instance-bearing ancestor. Instance
// nodes own their output signals, so consumers stay subscribed across
// re-renders, and they survive in the registry for hydration after a
// restart.
package engine
