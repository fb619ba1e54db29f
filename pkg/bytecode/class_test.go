package bytecode

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dynsurround/classpatch/pkg/classfile"
	"github.com/dynsurround/classpatch/pkg/classfile/classtest"
)

const static = classtest.AccPublic | classtest.AccStatic

func cat(parts ...[]byte) []byte { return bytes.Join(parts, nil) }

// handlerClass has a method whose only handler and both frames sit past a
// goto.
func handlerClass() []byte {
	b := classtest.New("Handler")
	g := b.Methodref("Handler", "g", "()V")
	thr := b.Class("java/lang/Throwable")
	b.Method(static, "g", "()V", &classtest.Code{Bytecode: []byte{OpReturn}})
	b.Method(static, "f", "()V", &classtest.Code{
		MaxStack:  1,
		MaxLocals: 0,
		Bytecode: cat(
			[]byte{OpInvokestatic}, classtest.U16(g), // 0
			[]byte{OpGoto, 0x00, 0x04}, // 3 -> 7
			[]byte{OpPop},    // 6
			[]byte{OpReturn}, // 7
		),
		Handlers: []classtest.Handler{{Start: 0, End: 3, Handler: 6}},
		Attributes: []classtest.Attribute{{
			Name: "StackMapTable",
			Data: cat(classtest.Table(2), []byte{64 + 6, VObject}, classtest.U16(thr), []byte{0}),
		}},
	})
	return b.Bytes()
}

// uninitClass keeps two uninitialized references on the stack across a
// branch.
func uninitClass() []byte {
	b := classtest.New("Maker")
	foo := b.Class("Foo")
	ctor := b.Methodref("Foo", "<init>", "(Z)V")
	b.Method(static, "make", "(I)LFoo;", &classtest.Code{
		MaxStack:  3,
		MaxLocals: 1,
		Bytecode: cat(
			[]byte{OpNew}, classtest.U16(foo), // 0
			[]byte{OpDup, OpIload0},           // 3, 4
			[]byte{OpIfeq, 0x00, 0x07},        // 5 -> 12
			[]byte{OpIconst1},                 // 8
			[]byte{OpGoto, 0x00, 0x04},        // 9 -> 13
			[]byte{OpIconst0},                 // 12
			[]byte{OpInvokespecial}, classtest.U16(ctor), // 13
			[]byte{OpAreturn}, // 16
		),
		Attributes: []classtest.Attribute{{
			Name: "StackMapTable",
			Data: cat(
				classtest.Table(2),
				[]byte{255, 0, 12, 0, 1, VInteger, 0, 2, VUninitialized, 0, 0, VUninitialized, 0, 0},
				[]byte{255, 0, 0, 0, 1, VInteger, 0, 3, VUninitialized, 0, 0, VUninitialized, 0, 0, VInteger},
			),
		}},
	})
	return b.Bytes()
}

func prependNop(t *testing.T, m *Method) {
	t.Helper()
	require.NotNil(t, m)
	require.NotNil(t, m.Code)
	m.Code.Instructions.Insert(&Insn{Op: OpNop})
}

func TestRoundTripUnchanged(t *testing.T) {
	for name, data := range map[string][]byte{
		"handler": handlerClass(),
		"uninit":  uninitClass(),
	} {
		t.Run(name, func(t *testing.T) {
			c, err := ReadClass(data)
			require.NoError(t, err)
			out, err := c.Bytes()
			require.NoError(t, err)
			assert.Equal(t, data, out)
		})
	}
}

func TestEditShiftsOffsets(t *testing.T) {
	c, err := ReadClass(handlerClass())
	require.NoError(t, err)
	assert.Equal(t, "Handler", c.Name)
	prependNop(t, c.Method("f", "()V"))

	out, err := c.Bytes()
	require.NoError(t, err)

	c2, err := ReadClass(out)
	require.NoError(t, err)
	f := c2.Method("f", "()V")
	require.NotNil(t, f)

	require.Len(t, f.Code.TryCatch, 1)
	tc := f.Code.TryCatch[0]
	assert.Equal(t, 1, tc.Start.Offset())
	assert.Equal(t, 4, tc.End.Offset())
	assert.Equal(t, 7, tc.Handler.Offset())

	require.Len(t, f.Code.Frames, 2)
	assert.Equal(t, 7, f.Code.Frames[0].At.Offset())
	assert.Equal(t, FrameSameLocals1, f.Code.Frames[0].Kind)
	assert.Equal(t, 8, f.Code.Frames[1].At.Offset())
	assert.Equal(t, FrameSame, f.Code.Frames[1].Kind)

	raw := c2.File.FindMethod("f", "()V").Code
	assert.Equal(t, []byte{OpNop, OpInvokestatic}, raw.Code[:2])
	assert.Equal(t, []byte{OpGoto, 0x00, 0x04, OpPop, OpReturn}, raw.Code[4:])
	assert.EqualValues(t, 1, raw.MaxStack)
}

func TestUninitializedFollowsNew(t *testing.T) {
	c, err := ReadClass(uninitClass())
	require.NoError(t, err)
	m := c.Method("make", "(I)LFoo;")
	prependNop(t, m)

	out, err := c.Bytes()
	require.NoError(t, err)
	c2, err := ReadClass(out)
	require.NoError(t, err)

	frames := c2.Method("make", "(I)LFoo;").Code.Frames
	require.Len(t, frames, 2)
	assert.Equal(t, 13, frames[0].At.Offset())
	assert.Equal(t, 14, frames[1].At.Offset())
	for _, f := range frames {
		assert.Equal(t, FrameFull, f.Kind)
		assert.Equal(t, 1, f.Stack[0].New.Offset())
		assert.Equal(t, 1, f.Stack[1].New.Offset())
	}
	assert.EqualValues(t, 3, c2.File.FindMethod("make", "(I)LFoo;").Code.MaxStack)
}

func TestLocalVariableForms(t *testing.T) {
	b := classtest.New("Locals")
	b.Method(static, "f", "()V", &classtest.Code{
		MaxStack:  1,
		MaxLocals: 301,
		Bytecode: []byte{
			OpIconst0, OpIstore, 5,
			OpIconst0, OpWide, OpIstore, 0x01, 0x2c,
			OpWide, OpIinc, 0x01, 0x2c, 0x03, 0xe8,
			OpIload, 2,
			OpPop, OpReturn,
		},
	})
	c, err := ReadClass(b.Bytes())
	require.NoError(t, err)

	var vars []Node
	for n := range c.Methods[0].Code.Instructions.Instructions() {
		switch n.(type) {
		case *VarInsn, *IincInsn:
			vars = append(vars, n)
		}
	}
	require.Len(t, vars, 4)
	assert.Equal(t, &VarInsn{Op: OpIstore, Var: 5}, stripNode(vars[0]))
	assert.Equal(t, &VarInsn{Op: OpIstore, Var: 300}, stripNode(vars[1]))
	assert.Equal(t, &IincInsn{Var: 300, Incr: 1000}, stripNode(vars[2]))
	assert.Equal(t, &VarInsn{Op: OpIload, Var: 2}, stripNode(vars[3]))

	out, err := c.Bytes()
	require.NoError(t, err)
	cf, err := classfile.Parse(out)
	require.NoError(t, err)
	code := cf.FindMethod("f", "()V").Code
	assert.Equal(t, []byte{
		OpIconst0, OpIstore, 5,
		OpIconst0, OpWide, OpIstore, 0x01, 0x2c,
		OpWide, OpIinc, 0x01, 0x2c, 0x03, 0xe8,
		OpIload2,
		OpPop, OpReturn,
	}, code.Code)
	assert.EqualValues(t, 1, code.MaxStack)
	assert.EqualValues(t, 301, code.MaxLocals)
}

// stripNode copies an instruction without its list links.
func stripNode(n Node) Node {
	switch n := n.(type) {
	case *VarInsn:
		return &VarInsn{Op: n.Op, Var: n.Var}
	case *IincInsn:
		return &IincInsn{Var: n.Var, Incr: n.Incr}
	}
	return n
}

func TestTableSwitchPadding(t *testing.T) {
	b := classtest.New("Switch")
	b.Method(static, "pick", "(I)I", &classtest.Code{
		MaxStack:  1,
		MaxLocals: 1,
		Bytecode: []byte{
			OpIload0,
			OpTableswitch, 0, 0,
			0, 0, 0, 23, // default -> 24
			0, 0, 0, 0, // low
			0, 0, 0, 1, // high
			0, 0, 0, 23, // 0 -> 24
			0, 0, 0, 25, // 1 -> 26
			OpIconst0, OpIreturn,
			OpIconst1, OpIreturn,
		},
	})
	c, err := ReadClass(b.Bytes())
	require.NoError(t, err)
	prependNop(t, c.Methods[0])

	out, err := c.Bytes()
	require.NoError(t, err)
	cf, err := classfile.Parse(out)
	require.NoError(t, err)
	assert.Equal(t, []byte{
		OpNop, OpIload0,
		OpTableswitch, 0,
		0, 0, 0, 22,
		0, 0, 0, 0,
		0, 0, 0, 1,
		0, 0, 0, 22,
		0, 0, 0, 24,
		OpIconst0, OpIreturn,
		OpIconst1, OpIreturn,
	}, cf.FindMethod("pick", "(I)I").Code.Code)
}

func TestMaxStackRecomputed(t *testing.T) {
	b := classtest.New("Maxes")
	mathMax := b.Methodref("java/lang/Math", "max", "(JJ)J")
	b.Method(static, "f", "()V", &classtest.Code{
		MaxStack:  10,
		MaxLocals: 5,
		Bytecode:  cat([]byte{OpLconst0, OpLconst1, OpInvokestatic}, classtest.U16(mathMax), []byte{OpPop2, OpReturn}),
	})
	c, err := ReadClass(b.Bytes())
	require.NoError(t, err)
	assert.Contains(t, c.Methods[0].String(), "invokestatic java/lang/Math.max(JJ)J")

	out, err := c.Bytes()
	require.NoError(t, err)
	cf, err := classfile.Parse(out)
	require.NoError(t, err)
	code := cf.FindMethod("f", "()V").Code
	assert.EqualValues(t, 4, code.MaxStack)
	assert.EqualValues(t, 0, code.MaxLocals)
}

func TestReadClassMalformedCode(t *testing.T) {
	tests := []struct {
		name string
		code []byte
	}{
		{"branch into instruction", []byte{OpIload0, OpIfge, 0x00, 0x01, OpIconst0, OpIreturn}},
		{"branch past end", []byte{OpGoto, 0x00, 0x10}},
		{"unknown opcode", []byte{0xca, OpReturn}},
		{"truncated operand", []byte{OpNop, OpSipush, 0x01}},
		{"bad wide", []byte{OpWide, OpNop, 0x00, 0x01}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := classtest.New("Bad")
			b.Method(static, "f", "(I)I", &classtest.Code{MaxStack: 1, MaxLocals: 1, Bytecode: tt.code})
			_, err := ReadClass(b.Bytes())
			require.Error(t, err)
			assert.ErrorIs(t, err, classfile.ErrMalformedContainer)

			var me *MethodError
			require.True(t, errors.As(err, &me))
			assert.Equal(t, "f", me.Method)
		})
	}
}

func TestBytesUnencodable(t *testing.T) {
	build := func(t *testing.T) (*Class, *List) {
		b := classtest.New("Big")
		b.Method(static, "f", "()V", &classtest.Code{Bytecode: []byte{OpReturn}})
		c, err := ReadClass(b.Bytes())
		require.NoError(t, err)
		return c, c.Methods[0].Code.Instructions
	}
	nops := func(n int) []Node {
		nodes := make([]Node, n)
		for i := range nodes {
			nodes[i] = &Insn{Op: OpNop}
		}
		return nodes
	}

	t.Run("branch overflow", func(t *testing.T) {
		c, l := build(t)
		target := &Label{}
		ret := l.Last()
		l.Insert(&JumpInsn{Op: OpGoto, Target: target})
		l.InsertBefore(ret, nops(40000)...)
		l.InsertBefore(ret, target)

		_, err := c.Bytes()
		require.Error(t, err)
		assert.ErrorIs(t, err, classfile.ErrUnencodableMethod)
	})

	t.Run("wide branch fits", func(t *testing.T) {
		c, l := build(t)
		target := &Label{}
		ret := l.Last()
		l.Insert(&JumpInsn{Op: OpGotoW, Target: target})
		l.InsertBefore(ret, nops(40000)...)
		l.InsertBefore(ret, target)

		out, err := c.Bytes()
		require.NoError(t, err)
		cf, err := classfile.Parse(out)
		require.NoError(t, err)
		assert.Len(t, cf.Methods[0].Code.Code, 5+40000+1)
	})

	t.Run("code too long", func(t *testing.T) {
		c, l := build(t)
		l.InsertBefore(l.Last(), nops(70000)...)
		_, err := c.Bytes()
		assert.ErrorIs(t, err, classfile.ErrUnencodableMethod)
	})

	t.Run("branch to foreign label", func(t *testing.T) {
		c, l := build(t)
		l.Insert(&JumpInsn{Op: OpGoto, Target: &Label{}})
		_, err := c.Bytes()
		assert.ErrorIs(t, err, classfile.ErrUnencodableMethod)
	})
}
