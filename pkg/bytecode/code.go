package bytecode

import "github.com/dynsurround/classpatch/pkg/classfile"

// Code is the editable form of a Code attribute.
type Code struct {
	// MaxStack and MaxLocals are the values read from the input. They are
	// recomputed, not reused, when the method is encoded.
	MaxStack  uint16
	MaxLocals uint16

	Instructions *List
	TryCatch     []*TryCatch
	Lines        []*LineNumber
	LocalVars    []*LocalVar
	Frames       []*Frame

	// Attributes holds Code sub-attributes that are not modeled. They are
	// written back only while the instruction list is unedited, since they
	// may contain stale bytecode offsets.
	Attributes []classfile.AttributeInfo
}

// TryCatch is one exception table entry covering [Start, End).
type TryCatch struct {
	Start, End, Handler *Label
	// CatchType is a constant pool Class index, or 0 for any throwable.
	CatchType uint16
}

// LineNumber maps the instruction at Start to a source line.
type LineNumber struct {
	Start *Label
	Line  uint16
}

// LocalVar is a LocalVariableTable entry, or a LocalVariableTypeTable entry
// when Generic is set (DescIndex then points at a signature).
type LocalVar struct {
	Start, End *Label
	NameIndex  uint16
	DescIndex  uint16
	Index      uint16
	Generic    bool
}

// FrameAt returns the stack map frame anchored at l, if any.
func (c *Code) FrameAt(l *Label) *Frame {
	for _, f := range c.Frames {
		if f.At == l {
			return f
		}
	}
	return nil
}

// FrameKind selects the StackMapTable encoding of a frame.
type FrameKind uint8

const (
	FrameSame FrameKind = iota
	FrameSameLocals1
	FrameChop
	FrameAppend
	FrameFull
)

// Frame is one StackMapTable entry. Its meaning is relative to the frame
// before it, exactly as in the class file; only the offset is recomputed
// on encode.
type Frame struct {
	At   *Label
	Kind FrameKind
	// Chop is the number of locals removed by a FrameChop.
	Chop int
	// Locals are the appended locals of a FrameAppend, or all locals of a
	// FrameFull.
	Locals []VType
	// Stack is the single item of a FrameSameLocals1, or the whole stack of
	// a FrameFull.
	Stack []VType
}

// Verification type tags.
const (
	VTop               = 0
	VInteger           = 1
	VFloat             = 2
	VDouble            = 3
	VLong              = 4
	VNull              = 5
	VUninitializedThis = 6
	VObject            = 7
	VUninitialized     = 8
)

// VType is a verification_type_info.
type VType struct {
	Tag uint8
	// Index is the constant pool Class index of a VObject.
	Index uint16
	// New marks the new instruction of a VUninitialized.
	New *Label
}

// Slots returns the number of stack or local slots the type occupies.
func (v VType) Slots() int {
	if v.Tag == VLong || v.Tag == VDouble {
		return 2
	}
	return 1
}

func stackSlots(f *Frame) int {
	n := 0
	for _, v := range f.Stack {
		n += v.Slots()
	}
	return n
}
