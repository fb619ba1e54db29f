package bytecode

// Node is one element of an instruction List: either an instruction or a
// zero-width Label marking a position that something else refers to.
//
// Node values are compared by identity. A node belongs to at most one list.
type Node interface {
	// Opcode returns the JVM opcode of the instruction, or -1 for a Label.
	Opcode() int
	// Next returns the following node, or nil at the end of the list.
	Next() Node
	// Prev returns the preceding node, or nil at the start of the list.
	Prev() Node

	base() *node
}

type node struct {
	prev, next Node
	owner      *List
	offset     int
}

func (n *node) Next() Node  { return n.next }
func (n *node) Prev() Node  { return n.prev }
func (n *node) base() *node { return n }

// Label is a position in the instruction stream. Branches, exception
// ranges, debug tables and stack map frames refer to labels rather than
// byte offsets, so edits elsewhere in the list never invalidate them.
type Label struct {
	node
}

func (*Label) Opcode() int { return -1 }

// Offset returns the byte offset assigned to the label by the last encode
// or decode of its method.
func (l *Label) Offset() int { return l.offset }

// Insn is an instruction without operands: constants, arithmetic, array
// access, stack manipulation, returns, athrow and monitors.
type Insn struct {
	node
	Op int
}

func (i *Insn) Opcode() int { return i.Op }

// IntInsn is bipush, sipush or newarray with its immediate operand.
type IntInsn struct {
	node
	Op      int
	Operand int
}

func (i *IntInsn) Opcode() int { return i.Op }

// VarInsn loads or stores a local variable, or is ret. Op is always the
// long form (OpIload, OpAstore, ...); the encoder picks the short or wide
// encoding from Var.
type VarInsn struct {
	node
	Op  int
	Var int
}

func (i *VarInsn) Opcode() int { return i.Op }

// IincInsn increments an int local variable.
type IincInsn struct {
	node
	Var  int
	Incr int
}

func (*IincInsn) Opcode() int { return OpIinc }

// TypeInsn is new, anewarray, checkcast or instanceof. Type is an internal
// class name or array descriptor.
type TypeInsn struct {
	node
	Op   int
	Type string
}

func (i *TypeInsn) Opcode() int { return i.Op }

// FieldInsn reads or writes a static or instance field.
type FieldInsn struct {
	node
	Op    int
	Owner string
	Name  string
	Desc  string
}

func (i *FieldInsn) Opcode() int { return i.Op }

// MethodInsn invokes a method. Interface reports whether the reference is
// an InterfaceMethodref.
type MethodInsn struct {
	node
	Op        int
	Owner     string
	Name      string
	Desc      string
	Interface bool
}

func (i *MethodInsn) Opcode() int { return i.Op }

// InvokeDynamicInsn keeps its constant pool index; the name and descriptor
// are resolved for stack accounting only.
type InvokeDynamicInsn struct {
	node
	Index uint16
	Name  string
	Desc  string
}

func (*InvokeDynamicInsn) Opcode() int { return OpInvokedynamic }

// LdcInsn pushes a constant from the pool. The index is carried through
// unchanged.
type LdcInsn struct {
	node
	Op    int
	Index uint16
}

func (i *LdcInsn) Opcode() int { return i.Op }

// JumpInsn is a conditional branch, goto, jsr or one of their wide forms.
type JumpInsn struct {
	node
	Op     int
	Target *Label
}

func (i *JumpInsn) Opcode() int { return i.Op }

// TableSwitchInsn jumps through a dense table of Targets indexed from Low.
type TableSwitchInsn struct {
	node
	Low     int32
	High    int32
	Default *Label
	Targets []*Label
}

func (*TableSwitchInsn) Opcode() int { return OpTableswitch }

// LookupSwitchInsn jumps through sorted key/target pairs.
type LookupSwitchInsn struct {
	node
	Default *Label
	Keys    []int32
	Targets []*Label
}

func (*LookupSwitchInsn) Opcode() int { return OpLookupswitch }

// MultiANewArrayInsn allocates a multi-dimensional array.
type MultiANewArrayInsn struct {
	node
	Type string
	Dims int
}

func (*MultiANewArrayInsn) Opcode() int { return OpMultianewarray }
