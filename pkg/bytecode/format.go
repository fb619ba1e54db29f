package bytecode

import (
	"fmt"
	"strings"
)

// OpcodeName returns the mnemonic of op, or "" for an undefined opcode.
func OpcodeName(op int) string {
	if op < 0 || op >= len(opcodeNames) {
		return ""
	}
	return opcodeNames[op]
}

func nodeName(n Node) string {
	if _, ok := n.(*Label); ok {
		return "label"
	}
	if name := OpcodeName(n.Opcode()); name != "" {
		return name
	}
	return fmt.Sprintf("opcode %d", n.Opcode())
}

// labelNames numbers labels in order of first appearance.
type labelNames map[*Label]int

func (ln labelNames) name(l *Label) string {
	if l == nil {
		return "L?"
	}
	id, ok := ln[l]
	if !ok {
		id = len(ln)
		ln[l] = id
	}
	return fmt.Sprintf("L%d", id)
}

func formatNode(n Node, ln labelNames) string {
	name := nodeName(n)
	switch n := n.(type) {
	case *Label:
		return ln.name(n) + ":"
	case *IntInsn:
		return fmt.Sprintf("%s %d", name, n.Operand)
	case *VarInsn:
		return fmt.Sprintf("%s %d", name, n.Var)
	case *IincInsn:
		return fmt.Sprintf("%s %d %d", name, n.Var, n.Incr)
	case *TypeInsn:
		return fmt.Sprintf("%s %s", name, n.Type)
	case *FieldInsn:
		return fmt.Sprintf("%s %s.%s:%s", name, n.Owner, n.Name, n.Desc)
	case *MethodInsn:
		return fmt.Sprintf("%s %s.%s%s", name, n.Owner, n.Name, n.Desc)
	case *InvokeDynamicInsn:
		return fmt.Sprintf("%s #%d %s%s", name, n.Index, n.Name, n.Desc)
	case *LdcInsn:
		return fmt.Sprintf("%s #%d", name, n.Index)
	case *JumpInsn:
		return fmt.Sprintf("%s %s", name, ln.name(n.Target))
	case *TableSwitchInsn:
		var sb strings.Builder
		fmt.Fprintf(&sb, "%s %d..%d", name, n.Low, n.High)
		for _, t := range n.Targets {
			sb.WriteString(" " + ln.name(t))
		}
		sb.WriteString(" default " + ln.name(n.Default))
		return sb.String()
	case *LookupSwitchInsn:
		var sb strings.Builder
		sb.WriteString(name)
		for i, k := range n.Keys {
			fmt.Fprintf(&sb, " %d:%s", k, ln.name(n.Targets[i]))
		}
		sb.WriteString(" default " + ln.name(n.Default))
		return sb.String()
	case *MultiANewArrayInsn:
		return fmt.Sprintf("%s %s %d", name, n.Type, n.Dims)
	}
	return name
}

// String disassembles the method, one instruction per line, with labels
// numbered in order of appearance.
func (m *Method) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s%s\n", m.Name, m.Desc)
	if m.Code == nil {
		return sb.String()
	}
	ln := make(labelNames)
	for n := range m.Code.Instructions.All() {
		if _, ok := n.(*Label); ok {
			fmt.Fprintf(&sb, "  %s\n", formatNode(n, ln))
			continue
		}
		fmt.Fprintf(&sb, "    %s\n", formatNode(n, ln))
	}
	for _, tc := range m.Code.TryCatch {
		fmt.Fprintf(&sb, "  try %s %s handler %s type #%d\n",
			ln.name(tc.Start), ln.name(tc.End), ln.name(tc.Handler), tc.CatchType)
	}
	return sb.String()
}
