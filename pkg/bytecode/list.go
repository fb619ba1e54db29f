package bytecode

import "iter"

// List is an ordered, doubly linked sequence of nodes. Edits are made by
// reference: inserting or replacing nodes never changes the identity of
// any other node in the list.
type List struct {
	first, last Node
	size        int
	edits       int
}

// First returns the first node, or nil if the list is empty.
func (l *List) First() Node { return l.first }

// Last returns the last node, or nil if the list is empty.
func (l *List) Last() Node { return l.last }

// Len returns the number of nodes, labels included.
func (l *List) Len() int { return l.size }

// Edited reports whether the list changed since it was decoded.
func (l *List) Edited() bool { return l.edits > 0 }

// Contains reports whether n is currently linked into l.
func (l *List) Contains(n Node) bool {
	return n != nil && n.base().owner == l
}

func (l *List) adopt(n Node) *node {
	b := n.base()
	if b.owner != nil {
		panic("bytecode: node already belongs to a list")
	}
	b.owner = l
	l.size++
	l.edits++
	return b
}

// Add appends nodes to the end of the list.
func (l *List) Add(nodes ...Node) {
	for _, n := range nodes {
		b := l.adopt(n)
		b.prev, b.next = l.last, nil
		if l.last == nil {
			l.first = n
		} else {
			l.last.base().next = n
		}
		l.last = n
	}
}

// Insert prepends nodes to the start of the list, keeping their order.
func (l *List) Insert(nodes ...Node) {
	if l.first == nil {
		l.Add(nodes...)
		return
	}
	l.InsertBefore(l.first, nodes...)
}

// InsertBefore splices nodes, in order, immediately before anchor.
func (l *List) InsertBefore(anchor Node, nodes ...Node) {
	if !l.Contains(anchor) {
		panic("bytecode: anchor is not in this list")
	}
	for _, n := range nodes {
		b := l.adopt(n)
		a := anchor.base()
		b.prev, b.next = a.prev, anchor
		if a.prev == nil {
			l.first = n
		} else {
			a.prev.base().next = n
		}
		a.prev = n
	}
}

// Set replaces old with n at the same position. The detached node keeps
// its forward link, so an iteration positioned on old carries on with the
// node that followed it.
func (l *List) Set(old, n Node) {
	if !l.Contains(old) {
		panic("bytecode: replaced node is not in this list")
	}
	b := l.adopt(n)
	o := old.base()
	b.prev, b.next = o.prev, o.next
	if o.prev == nil {
		l.first = n
	} else {
		o.prev.base().next = n
	}
	if o.next == nil {
		l.last = n
	} else {
		o.next.base().prev = n
	}
	o.prev, o.owner = nil, nil
	l.size--
}

// Remove unlinks n. Like Set, the removed node keeps its forward link.
func (l *List) Remove(n Node) {
	if !l.Contains(n) {
		panic("bytecode: removed node is not in this list")
	}
	b := n.base()
	if b.prev == nil {
		l.first = b.next
	} else {
		b.prev.base().next = b.next
	}
	if b.next == nil {
		l.last = b.prev
	} else {
		b.next.base().prev = b.prev
	}
	b.prev, b.owner = nil, nil
	l.size--
	l.edits++
}

// All returns a forward iterator over the list. The successor of each node
// is read after the node has been yielded, so edits made during the
// traversal are seen by the rest of it. Each call starts a new traversal.
func (l *List) All() iter.Seq[Node] {
	return func(yield func(Node) bool) {
		for n := l.first; n != nil; n = n.Next() {
			if !yield(n) {
				return
			}
		}
	}
}

// Instructions is like All but skips labels.
func (l *List) Instructions() iter.Seq[Node] {
	return func(yield func(Node) bool) {
		for n := range l.All() {
			if _, ok := n.(*Label); ok {
				continue
			}
			if !yield(n) {
				return
			}
		}
	}
}

func (l *List) markClean() { l.edits = 0 }
