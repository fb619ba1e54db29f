package bytecode

import (
	"fmt"

	"golang.org/x/crypto/cryptobyte"

	"github.com/dynsurround/classpatch/pkg/classfile"
)

type decodedInsn struct {
	offset int
	node   Node
	// targets are absolute branch offsets, resolved to labels once every
	// instruction boundary is known.
	targets []int
}

type decoder struct {
	code   []byte
	pool   []classfile.ConstantPoolEntry
	insns  []decodedInsn
	starts []bool
	labels map[int]*Label
}

// DecodeCode builds the editable form of a Code attribute. Every
// instruction, branch target and offset-bearing sub-attribute is checked;
// any inconsistency is an error.
func DecodeCode(pool []classfile.ConstantPoolEntry, attr *classfile.CodeAttribute) (*Code, error) {
	d := &decoder{
		code:   attr.Code,
		pool:   pool,
		starts: make([]bool, len(attr.Code)+1),
		labels: make(map[int]*Label),
	}
	if err := d.decodeInstructions(); err != nil {
		return nil, err
	}

	c := &Code{
		MaxStack:     attr.MaxStack,
		MaxLocals:    attr.MaxLocals,
		Instructions: &List{},
	}

	// Resolve branch targets.
	for _, in := range d.insns {
		labels := make([]*Label, len(in.targets))
		for i, t := range in.targets {
			l, err := d.labelAt(t, false)
			if err != nil {
				return nil, fmt.Errorf("%s at %d: %w", opcodeNames[in.node.Opcode()], in.offset, err)
			}
			labels[i] = l
		}
		switch n := in.node.(type) {
		case *JumpInsn:
			n.Target = labels[0]
		case *TableSwitchInsn:
			n.Default, n.Targets = labels[0], labels[1:]
		case *LookupSwitchInsn:
			n.Default, n.Targets = labels[0], labels[1:]
		}
	}

	for i, h := range attr.ExceptionHandlers {
		tc := &TryCatch{CatchType: h.CatchType}
		var err error
		if tc.Start, err = d.labelAt(int(h.StartPC), false); err == nil {
			if tc.End, err = d.labelAt(int(h.EndPC), true); err == nil {
				tc.Handler, err = d.labelAt(int(h.HandlerPC), false)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("exception handler %d: %w", i, err)
		}
		if h.StartPC >= h.EndPC {
			return nil, fmt.Errorf("exception handler %d has empty range [%d, %d)", i, h.StartPC, h.EndPC)
		}
		c.TryCatch = append(c.TryCatch, tc)
	}

	for _, a := range attr.Attributes {
		var err error
		switch a.Name {
		case "LineNumberTable":
			err = d.decodeLineNumbers(c, a.Data)
		case "LocalVariableTable":
			err = d.decodeLocalVars(c, a.Data, false)
		case "LocalVariableTypeTable":
			err = d.decodeLocalVars(c, a.Data, true)
		case "StackMapTable":
			err = d.decodeFrames(c, a.Data)
		default:
			c.Attributes = append(c.Attributes, a)
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", a.Name, err)
		}
	}

	// Lay out the list: each label sits immediately before the instruction
	// at its offset; a label at code_length goes last.
	list := c.Instructions
	for _, in := range d.insns {
		if l, ok := d.labels[in.offset]; ok {
			list.Add(l)
		}
		in.node.base().offset = in.offset
		list.Add(in.node)
	}
	if l, ok := d.labels[len(d.code)]; ok {
		list.Add(l)
	}
	list.markClean()
	return c, nil
}

// labelAt returns the label for a bytecode offset, creating it on first
// use. The end of the code is a valid position only where allowEnd is set.
func (d *decoder) labelAt(offset int, allowEnd bool) (*Label, error) {
	if offset < 0 || offset > len(d.code) {
		return nil, fmt.Errorf("offset %d outside code of length %d", offset, len(d.code))
	}
	if offset == len(d.code) {
		if !allowEnd {
			return nil, fmt.Errorf("offset %d is the end of the code", offset)
		}
	} else if !d.starts[offset] {
		return nil, fmt.Errorf("offset %d is not an instruction boundary", offset)
	}
	if l, ok := d.labels[offset]; ok {
		return l, nil
	}
	l := &Label{}
	l.offset = offset
	d.labels[offset] = l
	return l, nil
}

func (d *decoder) poolIndex(index uint16) error {
	if int(index) >= len(d.pool) || d.pool[index] == nil {
		return fmt.Errorf("invalid constant pool index %d", index)
	}
	return nil
}

func (d *decoder) decodeInstructions() error {
	s := cryptobyte.String(d.code)
	for !s.Empty() {
		off := len(d.code) - len(s)
		d.starts[off] = true
		in, err := d.decodeOne(&s, off)
		if err != nil {
			return fmt.Errorf("instruction at %d: %w", off, err)
		}
		d.insns = append(d.insns, in)
	}
	return nil
}

func isSimple(op uint8) bool {
	switch {
	case op <= OpDconst1,
		op >= OpIaload && op <= OpSaload,
		op >= OpIastore && op <= OpLxor,
		op >= OpI2l && op <= OpDcmpg,
		op >= OpIreturn && op <= OpReturn,
		op == OpArraylength, op == OpAthrow,
		op == OpMonitorenter, op == OpMonitorexit:
		return true
	}
	return false
}

func (d *decoder) decodeOne(s *cryptobyte.String, off int) (decodedInsn, error) {
	in := decodedInsn{offset: off}
	var op uint8
	s.ReadUint8(&op)

	var u8 uint8
	var u16 uint16
	var u32 uint32

	switch {
	case isSimple(op):
		in.node = &Insn{Op: int(op)}

	case op == OpBipush || op == OpNewarray:
		if !s.ReadUint8(&u8) {
			return in, errTruncatedOperand(op)
		}
		v := int(u8)
		if op == OpBipush {
			v = int(int8(u8))
		}
		in.node = &IntInsn{Op: int(op), Operand: v}

	case op == OpSipush:
		if !s.ReadUint16(&u16) {
			return in, errTruncatedOperand(op)
		}
		in.node = &IntInsn{Op: int(op), Operand: int(int16(u16))}

	case op == OpLdc:
		if !s.ReadUint8(&u8) {
			return in, errTruncatedOperand(op)
		}
		if err := d.poolIndex(uint16(u8)); err != nil {
			return in, err
		}
		in.node = &LdcInsn{Op: int(op), Index: uint16(u8)}

	case op == OpLdcW || op == OpLdc2W:
		if !s.ReadUint16(&u16) {
			return in, errTruncatedOperand(op)
		}
		if err := d.poolIndex(u16); err != nil {
			return in, err
		}
		in.node = &LdcInsn{Op: int(op), Index: u16}

	case op >= OpIload && op <= OpAload, op >= OpIstore && op <= OpAstore, op == OpRet:
		if !s.ReadUint8(&u8) {
			return in, errTruncatedOperand(op)
		}
		in.node = &VarInsn{Op: int(op), Var: int(u8)}

	case op >= OpIload0 && op <= OpAload3:
		k := int(op - OpIload0)
		in.node = &VarInsn{Op: OpIload + k/4, Var: k % 4}

	case op >= OpIstore0 && op <= OpAstore3:
		k := int(op - OpIstore0)
		in.node = &VarInsn{Op: OpIstore + k/4, Var: k % 4}

	case op == OpIinc:
		var incr uint8
		if !s.ReadUint8(&u8) || !s.ReadUint8(&incr) {
			return in, errTruncatedOperand(op)
		}
		in.node = &IincInsn{Var: int(u8), Incr: int(int8(incr))}

	case op >= OpIfeq && op <= OpJsr, op == OpIfnull, op == OpIfnonnull:
		if !s.ReadUint16(&u16) {
			return in, errTruncatedOperand(op)
		}
		in.node = &JumpInsn{Op: int(op)}
		in.targets = []int{off + int(int16(u16))}

	case op == OpGotoW || op == OpJsrW:
		if !s.ReadUint32(&u32) {
			return in, errTruncatedOperand(op)
		}
		in.node = &JumpInsn{Op: int(op)}
		in.targets = []int{off + int(int32(u32))}

	case op == OpTableswitch:
		var def, low, high uint32
		if !s.Skip(switchPadding(off)) || !s.ReadUint32(&def) || !s.ReadUint32(&low) || !s.ReadUint32(&high) {
			return in, errTruncatedOperand(op)
		}
		lo, hi := int32(low), int32(high)
		if lo > hi {
			return in, fmt.Errorf("tableswitch low %d > high %d", lo, hi)
		}
		count := int64(hi) - int64(lo) + 1
		if count*4 > int64(len(*s)) {
			return in, errTruncatedOperand(op)
		}
		in.targets = append(in.targets, off+int(int32(def)))
		for i := int64(0); i < count; i++ {
			s.ReadUint32(&u32)
			in.targets = append(in.targets, off+int(int32(u32)))
		}
		in.node = &TableSwitchInsn{Low: lo, High: hi}

	case op == OpLookupswitch:
		var def, npairs uint32
		if !s.Skip(switchPadding(off)) || !s.ReadUint32(&def) || !s.ReadUint32(&npairs) {
			return in, errTruncatedOperand(op)
		}
		if int32(npairs) < 0 || int64(npairs)*8 > int64(len(*s)) {
			return in, fmt.Errorf("lookupswitch with %d pairs overruns the code", int32(npairs))
		}
		sw := &LookupSwitchInsn{Keys: make([]int32, npairs)}
		in.targets = append(in.targets, off+int(int32(def)))
		for i := range sw.Keys {
			var key uint32
			s.ReadUint32(&key)
			s.ReadUint32(&u32)
			sw.Keys[i] = int32(key)
			in.targets = append(in.targets, off+int(int32(u32)))
		}
		in.node = sw

	case op >= OpGetstatic && op <= OpPutfield:
		if !s.ReadUint16(&u16) {
			return in, errTruncatedOperand(op)
		}
		ref, err := classfile.ResolveFieldref(d.pool, u16)
		if err != nil {
			return in, err
		}
		in.node = &FieldInsn{Op: int(op), Owner: ref.ClassName, Name: ref.Name, Desc: ref.Descriptor}

	case op >= OpInvokevirtual && op <= OpInvokeinterface:
		if !s.ReadUint16(&u16) {
			return in, errTruncatedOperand(op)
		}
		if op == OpInvokeinterface {
			var count, zero uint8
			if !s.ReadUint8(&count) || !s.ReadUint8(&zero) {
				return in, errTruncatedOperand(op)
			}
		}
		ref, err := classfile.ResolveMethodref(d.pool, u16)
		if err != nil {
			return in, err
		}
		if op == OpInvokeinterface && !ref.Interface {
			return in, fmt.Errorf("invokeinterface on non-interface method %s.%s", ref.ClassName, ref.Name)
		}
		in.node = &MethodInsn{Op: int(op), Owner: ref.ClassName, Name: ref.Name, Desc: ref.Descriptor, Interface: ref.Interface}

	case op == OpInvokedynamic:
		var zero uint16
		if !s.ReadUint16(&u16) || !s.ReadUint16(&zero) {
			return in, errTruncatedOperand(op)
		}
		name, desc, err := classfile.ResolveInvokeDynamic(d.pool, u16)
		if err != nil {
			return in, err
		}
		in.node = &InvokeDynamicInsn{Index: u16, Name: name, Desc: desc}

	case op == OpNew || op == OpAnewarray || op == OpCheckcast || op == OpInstanceof:
		if !s.ReadUint16(&u16) {
			return in, errTruncatedOperand(op)
		}
		name, err := classfile.GetClassName(d.pool, u16)
		if err != nil {
			return in, err
		}
		in.node = &TypeInsn{Op: int(op), Type: name}

	case op == OpMultianewarray:
		if !s.ReadUint16(&u16) || !s.ReadUint8(&u8) {
			return in, errTruncatedOperand(op)
		}
		name, err := classfile.GetClassName(d.pool, u16)
		if err != nil {
			return in, err
		}
		if u8 == 0 {
			return in, fmt.Errorf("multianewarray with zero dimensions")
		}
		in.node = &MultiANewArrayInsn{Type: name, Dims: int(u8)}

	case op == OpWide:
		var inner uint8
		if !s.ReadUint8(&inner) || !s.ReadUint16(&u16) {
			return in, errTruncatedOperand(op)
		}
		switch {
		case inner == OpIinc:
			var incr uint16
			if !s.ReadUint16(&incr) {
				return in, errTruncatedOperand(op)
			}
			in.node = &IincInsn{Var: int(u16), Incr: int(int16(incr))}
		case inner >= OpIload && inner <= OpAload, inner >= OpIstore && inner <= OpAstore, inner == OpRet:
			in.node = &VarInsn{Op: int(inner), Var: int(u16)}
		default:
			return in, fmt.Errorf("wide applied to opcode 0x%02X", inner)
		}

	default:
		return in, fmt.Errorf("unknown opcode 0x%02X", op)
	}
	return in, nil
}

// switchPadding returns the number of alignment bytes following a switch
// opcode at off.
func switchPadding(off int) int {
	return (4 - (off+1)%4) % 4
}

func errTruncatedOperand(op uint8) error {
	return fmt.Errorf("truncated operands for %s", opcodeNames[op])
}

func (d *decoder) decodeLineNumbers(c *Code, data []byte) error {
	s := cryptobyte.String(data)
	var count uint16
	if !s.ReadUint16(&count) {
		return fmt.Errorf("reading count: unexpected end of data")
	}
	for i := 0; i < int(count); i++ {
		var start, line uint16
		if !s.ReadUint16(&start) || !s.ReadUint16(&line) {
			return fmt.Errorf("reading entry %d: unexpected end of data", i)
		}
		l, err := d.labelAt(int(start), false)
		if err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
		c.Lines = append(c.Lines, &LineNumber{Start: l, Line: line})
	}
	if !s.Empty() {
		return fmt.Errorf("%d trailing bytes", len(s))
	}
	return nil
}

func (d *decoder) decodeLocalVars(c *Code, data []byte, generic bool) error {
	s := cryptobyte.String(data)
	var count uint16
	if !s.ReadUint16(&count) {
		return fmt.Errorf("reading count: unexpected end of data")
	}
	for i := 0; i < int(count); i++ {
		var start, length uint16
		v := &LocalVar{Generic: generic}
		if !s.ReadUint16(&start) || !s.ReadUint16(&length) ||
			!s.ReadUint16(&v.NameIndex) || !s.ReadUint16(&v.DescIndex) || !s.ReadUint16(&v.Index) {
			return fmt.Errorf("reading entry %d: unexpected end of data", i)
		}
		var err error
		if v.Start, err = d.labelAt(int(start), true); err != nil {
			return fmt.Errorf("entry %d start: %w", i, err)
		}
		if v.End, err = d.labelAt(int(start)+int(length), true); err != nil {
			return fmt.Errorf("entry %d end: %w", i, err)
		}
		c.LocalVars = append(c.LocalVars, v)
	}
	if !s.Empty() {
		return fmt.Errorf("%d trailing bytes", len(s))
	}
	return nil
}
