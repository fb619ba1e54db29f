package transform

import "github.com/dynsurround/classpatch/pkg/bytecode"

// PairTracker remembers the most recent opening node and hands it back
// when a closing node arrives. Only another opening node (which replaces
// the remembered one) or a closing node (which consumes it) changes the
// slot; every other node passes through without effect.
//
// A PairTracker holds per-traversal state: create one per method.
type PairTracker struct {
	Open  func(bytecode.Node) bool
	Close func(bytecode.Node) bool

	pending bytecode.Node
}

// Observe feeds the next node of the traversal. When n closes a pair,
// Observe returns the opening node and true and empties the slot.
func (p *PairTracker) Observe(n bytecode.Node) (bytecode.Node, bool) {
	switch {
	case p.Open(n):
		p.pending = n
	case p.pending != nil && p.Close(n):
		open := p.pending
		p.pending = nil
		return open, true
	}
	return nil, false
}

// Pending reports whether an opening node is waiting for its close.
func (p *PairTracker) Pending() bool { return p.pending != nil }
