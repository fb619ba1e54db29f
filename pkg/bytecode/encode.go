package bytecode

import (
	"fmt"
	"math"

	"golang.org/x/crypto/cryptobyte"

	"github.com/dynsurround/classpatch/pkg/classfile"
)

const maxCodeLength = 0xFFFF

// EncodeCode lays out the instruction list and serializes the method body
// into a Code attribute. Symbolic references are interned through pool.
// max_stack and max_locals are recomputed; static and desc describe the
// method the code belongs to.
func EncodeCode(c *Code, pool *classfile.Pool, static bool, desc string) (*classfile.CodeAttribute, error) {
	length, err := layout(c.Instructions)
	if err != nil {
		return nil, err
	}
	if length == 0 || length > maxCodeLength {
		return nil, fmt.Errorf("code length %d out of range", length)
	}

	b := cryptobyte.NewBuilder(make([]byte, 0, length))
	for n := range c.Instructions.All() {
		if err := emit(b, pool, n); err != nil {
			return nil, fmt.Errorf("%s at %d: %w", nodeName(n), n.base().offset, err)
		}
	}
	code, err := b.Bytes()
	if err != nil {
		return nil, err
	}
	if err := pool.Err(); err != nil {
		return nil, err
	}

	maxStack, err := computeMaxStack(c)
	if err != nil {
		return nil, err
	}
	maxLocals, err := computeMaxLocals(c, static, desc)
	if err != nil {
		return nil, err
	}

	attr := &classfile.CodeAttribute{
		MaxStack:  uint16(maxStack),
		MaxLocals: uint16(maxLocals),
		Code:      code,
	}

	for i, tc := range c.TryCatch {
		if !contains(c.Instructions, tc.Start) || !contains(c.Instructions, tc.End) || !contains(c.Instructions, tc.Handler) {
			return nil, fmt.Errorf("exception handler %d refers to a label outside the method", i)
		}
		if tc.Start.offset >= tc.End.offset {
			return nil, fmt.Errorf("exception handler %d has empty range [%d, %d)", i, tc.Start.offset, tc.End.offset)
		}
		if tc.Handler.offset >= length {
			return nil, fmt.Errorf("exception handler %d starts past the last instruction", i)
		}
		attr.ExceptionHandlers = append(attr.ExceptionHandlers, classfile.ExceptionHandler{
			StartPC:   uint16(tc.Start.offset),
			EndPC:     uint16(tc.End.offset),
			HandlerPC: uint16(tc.Handler.offset),
			CatchType: tc.CatchType,
		})
	}

	if len(c.Lines) > 0 {
		data, err := encodeLineNumbers(c)
		if err != nil {
			return nil, fmt.Errorf("LineNumberTable: %w", err)
		}
		attr.Attributes = append(attr.Attributes, subAttribute(pool, "LineNumberTable", data))
	}
	for _, generic := range []bool{false, true} {
		data, n, err := encodeLocalVars(c, generic)
		if err != nil {
			return nil, fmt.Errorf("local variable table: %w", err)
		}
		if n == 0 {
			continue
		}
		name := "LocalVariableTable"
		if generic {
			name = "LocalVariableTypeTable"
		}
		attr.Attributes = append(attr.Attributes, subAttribute(pool, name, data))
	}
	if len(c.Frames) > 0 {
		data, err := encodeFrames(c, length)
		if err != nil {
			return nil, fmt.Errorf("StackMapTable: %w", err)
		}
		attr.Attributes = append(attr.Attributes, subAttribute(pool, "StackMapTable", data))
	}
	if !c.Instructions.Edited() {
		attr.Attributes = append(attr.Attributes, c.Attributes...)
	}
	if err := pool.Err(); err != nil {
		return nil, err
	}
	return attr, nil
}

func subAttribute(pool *classfile.Pool, name string, data []byte) classfile.AttributeInfo {
	return classfile.AttributeInfo{NameIndex: pool.Utf8(name), Name: name, Data: data}
}

func contains(l *List, label *Label) bool {
	return label != nil && l.Contains(label)
}

// layout assigns every node its final offset and returns the code length.
func layout(l *List) (int, error) {
	pc := 0
	for n := range l.All() {
		n.base().offset = pc
		size, err := insnSize(n, pc)
		if err != nil {
			return 0, fmt.Errorf("%s at %d: %w", nodeName(n), pc, err)
		}
		pc += size
		if pc > maxCodeLength {
			return pc, fmt.Errorf("code length exceeds %d bytes", maxCodeLength)
		}
	}
	return pc, nil
}

func isWideVar(v int) bool { return v > math.MaxUint8 }

func isVarOpcode(op int) bool {
	return op >= OpIload && op <= OpAload || op >= OpIstore && op <= OpAstore || op == OpRet
}

func insnSize(n Node, pc int) (int, error) {
	switch n := n.(type) {
	case *Label:
		return 0, nil
	case *Insn:
		if n.Op < 0 || n.Op > math.MaxUint8 || !isSimple(uint8(n.Op)) {
			return 0, fmt.Errorf("opcode %d takes operands", n.Op)
		}
		return 1, nil
	case *IntInsn:
		switch n.Op {
		case OpSipush:
			return 3, nil
		case OpBipush, OpNewarray:
			return 2, nil
		}
		return 0, fmt.Errorf("opcode %d is not an immediate instruction", n.Op)
	case *LdcInsn:
		if n.Op == OpLdc && n.Index <= math.MaxUint8 {
			return 2, nil
		}
		return 3, nil
	case *VarInsn:
		if !isVarOpcode(n.Op) {
			return 0, fmt.Errorf("opcode %d is not a local variable instruction", n.Op)
		}
		if n.Var < 0 || n.Var > math.MaxUint16 {
			return 0, fmt.Errorf("local variable %d out of range", n.Var)
		}
		switch {
		case isWideVar(n.Var):
			return 4, nil
		case n.Var <= 3 && n.Op != OpRet:
			return 1, nil
		}
		return 2, nil
	case *IincInsn:
		if n.Var < 0 || n.Var > math.MaxUint16 || n.Incr < math.MinInt16 || n.Incr > math.MaxInt16 {
			return 0, fmt.Errorf("iinc %d by %d out of range", n.Var, n.Incr)
		}
		if isWideVar(n.Var) || n.Incr < math.MinInt8 || n.Incr > math.MaxInt8 {
			return 6, nil
		}
		return 3, nil
	case *TypeInsn, *FieldInsn:
		return 3, nil
	case *MethodInsn:
		if n.Op == OpInvokeinterface {
			return 5, nil
		}
		return 3, nil
	case *InvokeDynamicInsn:
		return 5, nil
	case *JumpInsn:
		if n.Op == OpGotoW || n.Op == OpJsrW {
			return 5, nil
		}
		return 3, nil
	case *TableSwitchInsn:
		if n.Low > n.High || int64(len(n.Targets)) != int64(n.High)-int64(n.Low)+1 {
			return 0, fmt.Errorf("tableswitch [%d, %d] has %d targets", n.Low, n.High, len(n.Targets))
		}
		return 1 + switchPadding(pc) + 12 + 4*len(n.Targets), nil
	case *LookupSwitchInsn:
		if len(n.Keys) != len(n.Targets) {
			return 0, fmt.Errorf("lookupswitch has %d keys and %d targets", len(n.Keys), len(n.Targets))
		}
		return 1 + switchPadding(pc) + 8 + 8*len(n.Keys), nil
	case *MultiANewArrayInsn:
		return 4, nil
	}
	return 0, fmt.Errorf("unsupported node %T", n)
}

func branchOffset(l *List, from int, target *Label, wide bool) (int32, error) {
	if !contains(l, target) {
		return 0, fmt.Errorf("branch target is not in the method")
	}
	rel := target.offset - from
	if !wide && (rel < math.MinInt16 || rel > math.MaxInt16) {
		return 0, fmt.Errorf("branch offset %d does not fit in 16 bits", rel)
	}
	return int32(rel), nil
}

func emit(b *cryptobyte.Builder, pool *classfile.Pool, n Node) error {
	pc := n.base().offset
	l := n.base().owner
	switch n := n.(type) {
	case *Label:
	case *Insn:
		b.AddUint8(uint8(n.Op))
	case *IntInsn:
		b.AddUint8(uint8(n.Op))
		switch n.Op {
		case OpSipush:
			if n.Operand < math.MinInt16 || n.Operand > math.MaxInt16 {
				return fmt.Errorf("operand %d out of range", n.Operand)
			}
			b.AddUint16(uint16(int16(n.Operand)))
		case OpBipush:
			if n.Operand < math.MinInt8 || n.Operand > math.MaxInt8 {
				return fmt.Errorf("operand %d out of range", n.Operand)
			}
			b.AddUint8(uint8(int8(n.Operand)))
		default:
			b.AddUint8(uint8(n.Operand))
		}
	case *LdcInsn:
		switch {
		case n.Op == OpLdc && n.Index <= math.MaxUint8:
			b.AddUint8(OpLdc)
			b.AddUint8(uint8(n.Index))
		case n.Op == OpLdc:
			b.AddUint8(OpLdcW)
			b.AddUint16(n.Index)
		default:
			b.AddUint8(uint8(n.Op))
			b.AddUint16(n.Index)
		}
	case *VarInsn:
		switch {
		case isWideVar(n.Var):
			b.AddUint8(OpWide)
			b.AddUint8(uint8(n.Op))
			b.AddUint16(uint16(n.Var))
		case n.Var <= 3 && n.Op != OpRet:
			b.AddUint8(uint8(shortVarOpcode(n.Op, n.Var)))
		default:
			b.AddUint8(uint8(n.Op))
			b.AddUint8(uint8(n.Var))
		}
	case *IincInsn:
		if isWideVar(n.Var) || n.Incr < math.MinInt8 || n.Incr > math.MaxInt8 {
			b.AddUint8(OpWide)
			b.AddUint8(OpIinc)
			b.AddUint16(uint16(n.Var))
			b.AddUint16(uint16(int16(n.Incr)))
		} else {
			b.AddUint8(OpIinc)
			b.AddUint8(uint8(n.Var))
			b.AddUint8(uint8(int8(n.Incr)))
		}
	case *TypeInsn:
		b.AddUint8(uint8(n.Op))
		b.AddUint16(pool.Class(n.Type))
	case *FieldInsn:
		b.AddUint8(uint8(n.Op))
		b.AddUint16(pool.Fieldref(n.Owner, n.Name, n.Desc))
	case *MethodInsn:
		b.AddUint8(uint8(n.Op))
		b.AddUint16(pool.Methodref(n.Owner, n.Name, n.Desc, n.Interface))
		if n.Op == OpInvokeinterface {
			args, err := ArgumentSlots(n.Desc)
			if err != nil {
				return err
			}
			b.AddUint8(uint8(args + 1))
			b.AddUint8(0)
		}
	case *InvokeDynamicInsn:
		b.AddUint8(OpInvokedynamic)
		b.AddUint16(n.Index)
		b.AddUint16(0)
	case *JumpInsn:
		wide := n.Op == OpGotoW || n.Op == OpJsrW
		rel, err := branchOffset(l, pc, n.Target, wide)
		if err != nil {
			return err
		}
		b.AddUint8(uint8(n.Op))
		if wide {
			b.AddUint32(uint32(rel))
		} else {
			b.AddUint16(uint16(int16(rel)))
		}
	case *TableSwitchInsn:
		b.AddUint8(OpTableswitch)
		b.AddBytes(make([]byte, switchPadding(pc)))
		if err := addSwitchTarget(b, l, pc, n.Default); err != nil {
			return err
		}
		b.AddUint32(uint32(n.Low))
		b.AddUint32(uint32(n.High))
		for _, t := range n.Targets {
			if err := addSwitchTarget(b, l, pc, t); err != nil {
				return err
			}
		}
	case *LookupSwitchInsn:
		b.AddUint8(OpLookupswitch)
		b.AddBytes(make([]byte, switchPadding(pc)))
		if err := addSwitchTarget(b, l, pc, n.Default); err != nil {
			return err
		}
		b.AddUint32(uint32(len(n.Keys)))
		for i, key := range n.Keys {
			if i > 0 && key <= n.Keys[i-1] {
				return fmt.Errorf("lookupswitch keys are not strictly increasing")
			}
			b.AddUint32(uint32(key))
			if err := addSwitchTarget(b, l, pc, n.Targets[i]); err != nil {
				return err
			}
		}
	case *MultiANewArrayInsn:
		if n.Dims < 1 || n.Dims > math.MaxUint8 {
			return fmt.Errorf("%d dimensions out of range", n.Dims)
		}
		b.AddUint8(OpMultianewarray)
		b.AddUint16(pool.Class(n.Type))
		b.AddUint8(uint8(n.Dims))
	default:
		return fmt.Errorf("unsupported node %T", n)
	}
	return nil
}

func addSwitchTarget(b *cryptobyte.Builder, l *List, pc int, target *Label) error {
	rel, err := branchOffset(l, pc, target, true)
	if err != nil {
		return err
	}
	b.AddUint32(uint32(rel))
	return nil
}

// shortVarOpcode maps a long-form load or store and a slot 0-3 to its
// one-byte form.
func shortVarOpcode(op, v int) int {
	if op >= OpIstore {
		return OpIstore0 + (op-OpIstore)*4 + v
	}
	return OpIload0 + (op-OpIload)*4 + v
}

func encodeLineNumbers(c *Code) ([]byte, error) {
	b := cryptobyte.NewBuilder(nil)
	if len(c.Lines) > math.MaxUint16 {
		return nil, fmt.Errorf("%d entries", len(c.Lines))
	}
	b.AddUint16(uint16(len(c.Lines)))
	for i, ln := range c.Lines {
		if !contains(c.Instructions, ln.Start) {
			return nil, fmt.Errorf("entry %d refers to a label outside the method", i)
		}
		b.AddUint16(uint16(ln.Start.offset))
		b.AddUint16(ln.Line)
	}
	return b.Bytes()
}

func encodeLocalVars(c *Code, generic bool) ([]byte, int, error) {
	b := cryptobyte.NewBuilder(nil)
	var vars []*LocalVar
	for _, v := range c.LocalVars {
		if v.Generic == generic {
			vars = append(vars, v)
		}
	}
	if len(vars) > math.MaxUint16 {
		return nil, 0, fmt.Errorf("%d entries", len(vars))
	}
	b.AddUint16(uint16(len(vars)))
	for i, v := range vars {
		if !contains(c.Instructions, v.Start) || !contains(c.Instructions, v.End) {
			return nil, 0, fmt.Errorf("entry %d refers to a label outside the method", i)
		}
		if v.End.offset < v.Start.offset {
			return nil, 0, fmt.Errorf("entry %d ends before it starts", i)
		}
		b.AddUint16(uint16(v.Start.offset))
		b.AddUint16(uint16(v.End.offset - v.Start.offset))
		b.AddUint16(v.NameIndex)
		b.AddUint16(v.DescIndex)
		b.AddUint16(v.Index)
	}
	data, err := b.Bytes()
	return data, len(vars), err
}
