package transform

import (
	"github.com/dynsurround/classpatch/pkg/bytecode"
)

// Patch edits a decoded class in place and reports whether it changed
// anything. A patch that finds nothing to do must leave the class as it
// was. Patches are immutable and may be shared between goroutines.
type Patch interface {
	Apply(c *bytecode.Class) bool
}

// stackMapVersion is the first class file version that carries
// StackMapTable frames.
const stackMapVersion = 50

// PrologueHook makes every matching method delegate to a static handler:
// it prepends
//
//	<LoadOp> Slot
//	invokestatic Owner.Name Desc
//	<ReturnOp>
//
// leaving the original body in place but unreachable.
type PrologueHook struct {
	// Methods are the accepted method names.
	Methods Aliases

	Owner string
	Name  string
	Desc  string

	// LoadOp is the long-form load pushing the handler's argument
	// (bytecode.OpAload to pass this).
	LoadOp int
	Slot   int
	// ReturnOp returns the handler's result (bytecode.OpReturn for void).
	ReturnOp int

	// Once stops after the first matching method with a body.
	Once bool
}

func (h *PrologueHook) Apply(c *bytecode.Class) bool {
	hooked := false
	for _, m := range c.Methods {
		if m.Code == nil {
			continue
		}
		alias, ok := h.Methods.Match(m.Name)
		if !ok {
			continue
		}
		log.Debugf("Hooking %s.%s%s (%s) to %s.%s", c.Name, m.Name, m.Desc, alias, h.Owner, h.Name)
		h.inject(c, m)
		hooked = true
		if h.Once {
			break
		}
	}
	return hooked
}

func (h *PrologueHook) inject(c *bytecode.Class, m *bytecode.Method) {
	list := m.Code.Instructions
	entry := list.First()
	block := []bytecode.Node{
		&bytecode.VarInsn{Op: h.LoadOp, Var: h.Slot},
		&bytecode.MethodInsn{Op: bytecode.OpInvokestatic, Owner: h.Owner, Name: h.Name, Desc: h.Desc},
		&bytecode.Insn{Op: h.ReturnOp},
	}

	// Code after a return needs a frame. The old entry starts from the
	// method's initial frame, which is exactly what a same frame says.
	if c.MajorVersion() >= stackMapVersion && !hasLeadingFrame(m.Code) {
		at := &bytecode.Label{}
		block = append(block, at)
		m.Code.Frames = append([]*bytecode.Frame{{At: at, Kind: bytecode.FrameSame}}, m.Code.Frames...)
	}
	list.InsertBefore(entry, block...)
}

// hasLeadingFrame reports whether a frame is anchored at one of the labels
// ahead of the first instruction.
func hasLeadingFrame(code *bytecode.Code) bool {
	for n := code.Instructions.First(); n != nil; n = n.Next() {
		l, ok := n.(*bytecode.Label)
		if !ok {
			return false
		}
		if code.FrameAt(l) != nil {
			return true
		}
	}
	return false
}

// TypeSwap replaces allocations of From with allocations of To. Each
// "new From" is paired with the next "invokespecial From.<init>" and both
// are rewritten; the constructor descriptor is kept. Allocations that are
// never constructed, and constructor calls without a preceding allocation
// (such as super calls), are left alone.
type TypeSwap struct {
	From string
	To   string
}

func (s *TypeSwap) Apply(c *bytecode.Class) bool {
	swapped := 0
	for _, m := range c.Methods {
		if m.Code == nil {
			continue
		}
		swapped += s.swapMethod(m.Code.Instructions)
	}
	if swapped > 0 {
		log.Debugf("Replaced %d allocations of %s in %s", swapped, s.From, c.Name)
	}
	return swapped > 0
}

func (s *TypeSwap) swapMethod(list *bytecode.List) int {
	tracker := PairTracker{
		Open: func(n bytecode.Node) bool {
			t, ok := n.(*bytecode.TypeInsn)
			return ok && t.Op == bytecode.OpNew && t.Type == s.From
		},
		Close: func(n bytecode.Node) bool {
			mi, ok := n.(*bytecode.MethodInsn)
			return ok && mi.Op == bytecode.OpInvokespecial && mi.Owner == s.From && mi.Name == "<init>"
		},
	}

	count := 0
	for n := range list.Instructions() {
		open, ok := tracker.Observe(n)
		if !ok {
			continue
		}
		ctor := n.(*bytecode.MethodInsn)
		list.Set(open, &bytecode.TypeInsn{Op: bytecode.OpNew, Type: s.To})
		list.Set(n, &bytecode.MethodInsn{
			Op:        bytecode.OpInvokespecial,
			Owner:     s.To,
			Name:      ctor.Name,
			Desc:      ctor.Desc,
			Interface: ctor.Interface,
		})
		count++
	}
	return count
}
