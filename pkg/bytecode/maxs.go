package bytecode

import (
	"fmt"
	"math"
)

// stackEffect returns the net change in operand stack depth caused by n.
func stackEffect(n Node) (int, error) {
	switch n := n.(type) {
	case *Label:
		return 0, nil
	case *FieldInsn:
		size, err := FieldSlots(n.Desc)
		if err != nil {
			return 0, err
		}
		switch n.Op {
		case OpGetstatic:
			return size, nil
		case OpPutstatic:
			return -size, nil
		case OpGetfield:
			return size - 1, nil
		}
		return -size - 1, nil
	case *MethodInsn:
		args, err := ArgumentSlots(n.Desc)
		if err != nil {
			return 0, err
		}
		ret, err := ReturnSlots(n.Desc)
		if err != nil {
			return 0, err
		}
		if n.Op != OpInvokestatic {
			args++
		}
		return ret - args, nil
	case *InvokeDynamicInsn:
		args, err := ArgumentSlots(n.Desc)
		if err != nil {
			return 0, err
		}
		ret, err := ReturnSlots(n.Desc)
		if err != nil {
			return 0, err
		}
		return ret - args, nil
	case *MultiANewArrayInsn:
		return 1 - n.Dims, nil
	}
	op := n.Opcode()
	if op < 0 || op > math.MaxUint8 || stackDelta[op] == unknownDelta {
		return 0, fmt.Errorf("no stack effect for opcode %d", op)
	}
	return int(stackDelta[op]), nil
}

// endsBlock reports whether control never falls through n.
func endsBlock(n Node) bool {
	switch n.Opcode() {
	case OpGoto, OpGotoW, OpTableswitch, OpLookupswitch, OpAthrow, OpRet,
		OpIreturn, OpLreturn, OpFreturn, OpDreturn, OpAreturn, OpReturn:
		return true
	}
	return false
}

// computeMaxStack walks every reachable path through the code and returns
// the deepest operand stack seen. Exception handlers start with one item;
// instructions reached through a stack map frame start with the frame's
// stack.
func computeMaxStack(c *Code) (int, error) {
	type entry struct {
		n     Node
		depth int
	}
	seen := make(map[Node]bool)
	var work []entry
	push := func(n Node, depth int) {
		if n != nil && !seen[n] {
			seen[n] = true
			work = append(work, entry{n, depth})
		}
	}

	push(c.Instructions.First(), 0)
	for _, tc := range c.TryCatch {
		if tc.Handler != nil {
			push(tc.Handler, 1)
		}
	}
	for _, f := range c.Frames {
		if f.At != nil {
			push(f.At, stackSlots(f))
		}
	}

	maxStack := 0
	for len(work) > 0 {
		e := work[len(work)-1]
		work = work[:len(work)-1]

		for n, depth := e.n, e.depth; n != nil; n = n.Next() {
			if n != e.n {
				if seen[n] {
					break
				}
				seen[n] = true
			}
			delta, err := stackEffect(n)
			if err != nil {
				return 0, fmt.Errorf("%s: %w", nodeName(n), err)
			}
			depth = max(depth+delta, 0)
			maxStack = max(maxStack, depth)
			if maxStack > math.MaxUint16 {
				return 0, fmt.Errorf("operand stack exceeds %d slots", math.MaxUint16)
			}

			switch n := n.(type) {
			case *JumpInsn:
				if n.Op == OpJsr || n.Op == OpJsrW {
					// The subroutine sees the return address; the
					// continuation after ret does not.
					push(n.Target, depth)
					depth--
				} else {
					push(n.Target, depth)
				}
			case *TableSwitchInsn:
				push(n.Default, depth)
				for _, t := range n.Targets {
					push(t, depth)
				}
			case *LookupSwitchInsn:
				push(n.Default, depth)
				for _, t := range n.Targets {
					push(t, depth)
				}
			}
			if endsBlock(n) {
				break
			}
		}
	}
	return maxStack, nil
}

// computeMaxLocals returns the number of local slots used by the receiver,
// the parameters and every local variable instruction.
func computeMaxLocals(c *Code, static bool, desc string) (int, error) {
	locals, err := ArgumentSlots(desc)
	if err != nil {
		return 0, err
	}
	if !static {
		locals++
	}
	for n := range c.Instructions.Instructions() {
		switch n := n.(type) {
		case *VarInsn:
			size := 1
			switch n.Op {
			case OpLload, OpDload, OpLstore, OpDstore:
				size = 2
			}
			locals = max(locals, n.Var+size)
		case *IincInsn:
			locals = max(locals, n.Var+1)
		}
	}
	if locals > math.MaxUint16 {
		return 0, fmt.Errorf("%d local slots exceed %d", locals, math.MaxUint16)
	}
	return locals, nil
}
