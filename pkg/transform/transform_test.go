package transform

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/dynsurround/classpatch/pkg/bytecode"
	"github.com/dynsurround/classpatch/pkg/classfile"
	"github.com/dynsurround/classpatch/pkg/classfile/classtest"
	"github.com/dynsurround/classpatch/pkg/config"
)

const (
	public = classtest.AccPublic
	static = classtest.AccPublic | classtest.AccStatic

	soundManager = "net/minecraft/client/audio/SoundManager"
	replacement  = "org/blockartistry/DynSurround/client/sound/SoundManagerReplacement"
	random       = "java/util/Random"
	xorShift     = "org/blockartistry/lib/random/XorShiftRandom"
)

func cat(parts ...[]byte) []byte { return bytes.Join(parts, nil) }

func defaultTransformer(t *testing.T, opts config.Options) *Transformer {
	t.Helper()
	tr, err := NewDefault(opts)
	require.NoError(t, err)
	return tr
}

func simpleBody(code ...byte) *classtest.Code {
	return &classtest.Code{MaxStack: 2, MaxLocals: 2, Bytecode: code}
}

func rawCode(t *testing.T, data []byte, name, desc string) []byte {
	t.Helper()
	cf, err := classfile.Parse(data)
	require.NoError(t, err)
	m := cf.FindMethod(name, desc)
	require.NotNil(t, m, "%s%s", name, desc)
	require.NotNil(t, m.Code)
	return m.Code.Code
}

func decoded(t *testing.T, data []byte, name, desc string) []bytecode.Node {
	t.Helper()
	c, err := bytecode.ReadClass(data)
	require.NoError(t, err)
	m := c.Method(name, desc)
	require.NotNil(t, m)
	var nodes []bytecode.Node
	for n := range m.Code.Instructions.Instructions() {
		nodes = append(nodes, n)
	}
	return nodes
}

func TestAliasesMatch(t *testing.T) {
	a := Aliases{"func_78484_h", "addRainParticles"}
	got, ok := a.Match("addRainParticles")
	assert.True(t, ok)
	assert.Equal(t, "addRainParticles", got)

	_, ok = a.Match("addrainparticles")
	assert.False(t, ok)
	_, ok = a.Match("addRain")
	assert.False(t, ok)
	_, ok = Aliases(nil).Match("")
	assert.False(t, ok)
}

func TestPairTracker(t *testing.T) {
	isOpen := func(n bytecode.Node) bool { return n.Opcode() == bytecode.OpNew }
	isClose := func(n bytecode.Node) bool { return n.Opcode() == bytecode.OpInvokespecial }
	tr := PairTracker{Open: isOpen, Close: isClose}

	first := &bytecode.TypeInsn{Op: bytecode.OpNew, Type: "A"}
	second := &bytecode.TypeInsn{Op: bytecode.OpNew, Type: "A"}
	ctor := &bytecode.MethodInsn{Op: bytecode.OpInvokespecial, Owner: "A", Name: "<init>", Desc: "()V"}

	_, ok := tr.Observe(ctor)
	assert.False(t, ok, "close without open")

	tr.Observe(first)
	tr.Observe(&bytecode.Insn{Op: bytecode.OpDup})
	tr.Observe(second)
	assert.True(t, tr.Pending())

	open, ok := tr.Observe(ctor)
	require.True(t, ok)
	assert.Same(t, second, open)
	assert.False(t, tr.Pending())

	_, ok = tr.Observe(ctor)
	assert.False(t, ok, "slot is empty after a pair")
}

func TestNoMatchReturnsInput(t *testing.T) {
	b := classtest.New("com/example/Plain")
	ctor := b.Methodref("java/util/ArrayList", "<init>", "()V")
	list := b.Class("java/util/ArrayList")
	b.Method(public, "addRainParticles", "()V", simpleBody(
		cat([]byte{bytecode.OpNew}, classtest.U16(list), []byte{bytecode.OpInvokespecial}, classtest.U16(ctor),
			[]byte{bytecode.OpReturn})...))
	data := b.Bytes()

	out, err := defaultTransformer(t, config.Default()).Transform("com.example.Plain", data)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestPrologueInjection(t *testing.T) {
	for _, tc := range []struct{ class, method string }{
		{"net/minecraft/client/renderer/EntityRenderer", "addRainParticles"},
		{"bqc", "func_78484_h"},
	} {
		t.Run(tc.class, func(t *testing.T) {
			b := classtest.New(tc.class)
			b.Method(public, tc.method, "()V", simpleBody(bytecode.OpNop, bytecode.OpNop, bytecode.OpNop, bytecode.OpReturn))
			b.Method(public, "other", "()V", simpleBody(bytecode.OpReturn))

			name := classNameDotted(tc.class)
			out, err := defaultTransformer(t, config.Default()).Transform(name, b.Bytes())
			require.NoError(t, err)

			code := rawCode(t, out, tc.method, "()V")
			require.Len(t, code, 9)
			assert.Equal(t, byte(bytecode.OpAload0), code[0])
			assert.Equal(t, byte(bytecode.OpInvokestatic), code[1])
			assert.Equal(t, byte(bytecode.OpReturn), code[4])
			assert.Equal(t, []byte{bytecode.OpNop, bytecode.OpNop, bytecode.OpNop, bytecode.OpReturn}, code[5:])

			nodes := decoded(t, out, tc.method, "()V")
			call := nodes[1].(*bytecode.MethodInsn)
			assert.Equal(t, "org/blockartistry/DynSurround/client/weather/RenderWeather", call.Owner)
			assert.Equal(t, "addRainParticles", call.Name)
			assert.Equal(t, "(Lnet/minecraft/client/renderer/EntityRenderer;)V", call.Desc)

			c, err := bytecode.ReadClass(out)
			require.NoError(t, err)
			frames := c.Method(tc.method, "()V").Code.Frames
			require.Len(t, frames, 1)
			assert.Equal(t, 5, frames[0].At.Offset())
			assert.Equal(t, bytecode.FrameSame, frames[0].Kind)

			assert.Equal(t, []byte{bytecode.OpReturn}, rawCode(t, out, "other", "()V"))
		})
	}
}

func classNameDotted(internal string) string {
	return string(bytes.ReplaceAll([]byte(internal), []byte("/"), []byte(".")))
}

func TestMultiHookPatchesEveryMatch(t *testing.T) {
	b := classtest.New("bqc")
	b.Method(public, "addRainParticles", "()V", simpleBody(bytecode.OpReturn))
	b.Method(public, "addRainParticles", "(I)V", simpleBody(bytecode.OpReturn))

	out, err := defaultTransformer(t, config.Default()).Transform("bqc", b.Bytes())
	require.NoError(t, err)
	assert.Len(t, rawCode(t, out, "addRainParticles", "()V"), 6)
	assert.Len(t, rawCode(t, out, "addRainParticles", "(I)V"), 6)
}

func TestSingleHookOnce(t *testing.T) {
	b := classtest.New("lw")
	b.Method(public, "resetRainAndThunder", "()V", simpleBody(bytecode.OpReturn))
	b.Method(public, "func_73051_P", "()V", simpleBody(bytecode.OpReturn))

	out, err := defaultTransformer(t, config.Default()).Transform("lw", b.Bytes())
	require.NoError(t, err)

	first := decoded(t, out, "resetRainAndThunder", "()V")
	require.Len(t, first, 4)
	assert.Equal(t, "org/blockartistry/DynSurround/server/PlayerSleepHandler", first[1].(*bytecode.MethodInsn).Owner)
	assert.Equal(t, []byte{bytecode.OpReturn}, rawCode(t, out, "func_73051_P", "()V"))
}

func TestHookReturnsValue(t *testing.T) {
	b := classtest.New("ccn")
	b.Method(static, "func_148612_a", "(Lnet/minecraft/util/ResourceLocation;)Ljava/net/URL;",
		simpleBody(bytecode.OpAconstNull, bytecode.OpAreturn))

	out, err := defaultTransformer(t, config.Default()).Transform("ccn", b.Bytes())
	require.NoError(t, err)

	nodes := decoded(t, out, "func_148612_a", "(Lnet/minecraft/util/ResourceLocation;)Ljava/net/URL;")
	require.Len(t, nodes, 5)
	assert.Equal(t, &bytecode.VarInsn{Op: bytecode.OpAload, Var: 0}, unlinked(nodes[0]))
	assert.Equal(t, "org/blockartistry/lib/sound/SoundCache", nodes[1].(*bytecode.MethodInsn).Owner)
	assert.Equal(t, bytecode.OpAreturn, nodes[2].Opcode())
	assert.Equal(t, bytecode.OpAconstNull, nodes[3].Opcode())
}

func unlinked(n bytecode.Node) bytecode.Node {
	if v, ok := n.(*bytecode.VarInsn); ok {
		return &bytecode.VarInsn{Op: v.Op, Var: v.Var}
	}
	return n
}

func TestHookFrames(t *testing.T) {
	t.Run("no frames before version 50", func(t *testing.T) {
		b := classtest.New("bqc")
		b.Major = 49
		b.Method(public, "addRainParticles", "()V", simpleBody(bytecode.OpReturn))

		out, err := defaultTransformer(t, config.Default()).Transform("bqc", b.Bytes())
		require.NoError(t, err)
		c, err := bytecode.ReadClass(out)
		require.NoError(t, err)
		assert.Empty(t, c.Methods[0].Code.Frames)
	})

	t.Run("existing entry frame is reused", func(t *testing.T) {
		b := classtest.New("bqc")
		b.Method(public, "addRainParticles", "()V", &classtest.Code{
			Bytecode:   []byte{bytecode.OpGoto, 0x00, 0x00},
			Attributes: []classtest.Attribute{{Name: "StackMapTable", Data: cat(classtest.Table(1), []byte{0})}},
		})

		out, err := defaultTransformer(t, config.Default()).Transform("bqc", b.Bytes())
		require.NoError(t, err)
		c, err := bytecode.ReadClass(out)
		require.NoError(t, err)
		frames := c.Methods[0].Code.Frames
		require.Len(t, frames, 1)
		assert.Equal(t, 5, frames[0].At.Offset())
		// The loop still jumps to the old entry.
		assert.Equal(t, []byte{bytecode.OpGoto, 0x00, 0x00}, rawCode(t, out, "addRainParticles", "()V")[5:])
	})
}

// soundHandler builds a SoundHandler whose init method allocates a
// SoundManager with unrelated instructions between new and <init>.
func soundHandler(extra ...byte) []byte {
	b := classtest.New("net/minecraft/client/audio/SoundHandler")
	sm := b.Class(soundManager)
	ctor := b.Methodref(soundManager, "<init>", "(Lnet/minecraft/client/audio/SoundHandler;)V")
	b.Method(public, "init", "()V", &classtest.Code{
		MaxStack:  4,
		MaxLocals: 1,
		Bytecode: cat(
			[]byte{bytecode.OpNew}, classtest.U16(sm),
			[]byte{bytecode.OpDup, bytecode.OpIconst1, bytecode.OpPop, bytecode.OpAload0},
			[]byte{bytecode.OpInvokespecial}, classtest.U16(ctor),
			[]byte{bytecode.OpPop},
			extra,
			[]byte{bytecode.OpReturn},
		),
	})
	return b.Bytes()
}

func TestPairedSubstitution(t *testing.T) {
	data := soundHandler()
	out, err := defaultTransformer(t, config.Default()).Transform("net.minecraft.client.audio.SoundHandler", data)
	require.NoError(t, err)

	before := decoded(t, data, "init", "()V")
	after := decoded(t, out, "init", "()V")
	require.Len(t, after, len(before))

	assert.Equal(t, replacement, after[0].(*bytecode.TypeInsn).Type)
	ctor := after[5].(*bytecode.MethodInsn)
	assert.Equal(t, replacement, ctor.Owner)
	assert.Equal(t, "<init>", ctor.Name)
	assert.Equal(t, "(Lnet/minecraft/client/audio/SoundHandler;)V", ctor.Desc)

	for i := 1; i < 5; i++ {
		assert.Equal(t, before[i].Opcode(), after[i].Opcode(), "instruction %d", i)
	}
	// Same layout: only pool indices differ.
	assert.Len(t, rawCode(t, out, "init", "()V"), len(rawCode(t, data, "init", "()V")))
}

func TestUnpairedAllocationUntouched(t *testing.T) {
	b := classtest.New("ccp")
	sm := b.Class(soundManager)
	ctor := b.Methodref(soundManager, "<init>", "()V")
	b.Method(public, "leak", "()V", simpleBody(
		cat([]byte{bytecode.OpNew}, classtest.U16(sm), []byte{bytecode.OpPop, bytecode.OpReturn})...))
	// A constructor call with no allocation before it, as in a subclass.
	b.Method(public, "<init>", "()V", simpleBody(
		cat([]byte{bytecode.OpAload0, bytecode.OpInvokespecial}, classtest.U16(ctor), []byte{bytecode.OpReturn})...))
	data := b.Bytes()

	out, err := defaultTransformer(t, config.Default()).Transform("ccp", data)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestLaterAllocationTakesTheSlot(t *testing.T) {
	b := classtest.New("ccp")
	sm := b.Class(soundManager)
	ctor := b.Methodref(soundManager, "<init>", "()V")
	b.Method(public, "twice", "()V", simpleBody(cat(
		[]byte{bytecode.OpNew}, classtest.U16(sm),
		[]byte{bytecode.OpNew}, classtest.U16(sm),
		[]byte{bytecode.OpDup, bytecode.OpInvokespecial}, classtest.U16(ctor),
		[]byte{bytecode.OpPop, bytecode.OpPop, bytecode.OpReturn},
	)...))

	out, err := defaultTransformer(t, config.Default()).Transform("ccp", b.Bytes())
	require.NoError(t, err)
	nodes := decoded(t, out, "twice", "()V")
	assert.Equal(t, soundManager, nodes[0].(*bytecode.TypeInsn).Type)
	assert.Equal(t, replacement, nodes[1].(*bytecode.TypeInsn).Type)
	assert.Equal(t, replacement, nodes[3].(*bytecode.MethodInsn).Owner)
}

func TestGlobalRandomReplace(t *testing.T) {
	randomUser := func(class string, construct bool) []byte {
		b := classtest.New(class)
		r := b.Class(random)
		ctor := b.Methodref(random, "<init>", "(J)V")
		body := cat([]byte{bytecode.OpNew}, classtest.U16(r), []byte{bytecode.OpDup, bytecode.OpLconst1})
		if construct {
			body = cat(body, []byte{bytecode.OpInvokespecial}, classtest.U16(ctor), []byte{bytecode.OpPop})
		} else {
			body = cat(body, []byte{bytecode.OpPop2, bytecode.OpPop, bytecode.OpPop})
		}
		b.Method(static, "seed", "()V", &classtest.Code{MaxStack: 4, Bytecode: cat(body, []byte{bytecode.OpReturn})})
		b.Method(static, "idle", "()V", simpleBody(bytecode.OpReturn))
		return b.Bytes()
	}

	tr := defaultTransformer(t, config.Default())

	data := randomUser("com/example/Dice", true)
	out, err := tr.Transform("com.example.Dice", data)
	require.NoError(t, err)
	nodes := decoded(t, out, "seed", "()V")
	assert.Equal(t, xorShift, nodes[0].(*bytecode.TypeInsn).Type)
	assert.Equal(t, xorShift, nodes[3].(*bytecode.MethodInsn).Owner)
	assert.Equal(t, "(J)V", nodes[3].(*bytecode.MethodInsn).Desc)

	data = randomUser("com/example/Unpaired", false)
	out, err = tr.Transform("com.example.Unpaired", data)
	require.NoError(t, err)
	assert.Equal(t, data, out, "no pair anywhere in the class: bytes come back as they were")

	off := config.Default()
	off.RandomReplace = false
	data = randomUser("com/example/Dice", true)
	out, err = defaultTransformer(t, off).Transform("com.example.Dice", data)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestGatesSkipParsing(t *testing.T) {
	garbage := []byte("not a class file")
	opts := config.Options{}

	out, err := defaultTransformer(t, opts).Transform("bqc", garbage)
	require.NoError(t, err, "disabled entries never parse")
	assert.Equal(t, garbage, out)

	opts.WeatherHook = true
	out, err = defaultTransformer(t, opts).Transform("bqc", garbage)
	assert.ErrorIs(t, err, classfile.ErrMalformedContainer)
	assert.Equal(t, garbage, out)

	// The weather entry only looks at its own class.
	out, err = defaultTransformer(t, opts).Transform("com.example.Other", garbage)
	require.NoError(t, err)
	assert.Equal(t, garbage, out)
}

func TestMalformedInput(t *testing.T) {
	data := soundHandler()
	tr := defaultTransformer(t, config.Default())
	for _, bad := range [][]byte{
		data[:len(data)/2],
		data[:10],
		append(bytes.Clone(data), 0xFF),
	} {
		out, err := tr.Transform("net.minecraft.client.audio.SoundHandler", bad)
		require.Error(t, err)
		assert.ErrorIs(t, err, classfile.ErrMalformedContainer)
		assert.Equal(t, bad, out)
	}
}

// bloat makes the first method's branch offset overflow.
type bloat struct{}

func (bloat) Apply(c *bytecode.Class) bool {
	l := c.Methods[0].Code.Instructions
	ret := l.Last()
	target := &bytecode.Label{}
	l.Insert(&bytecode.JumpInsn{Op: bytecode.OpGoto, Target: target})
	for range 40000 {
		l.InsertBefore(ret, &bytecode.Insn{Op: bytecode.OpNop})
	}
	l.InsertBefore(ret, target)
	return true
}

func TestUnencodableReturnsOriginal(t *testing.T) {
	b := classtest.New("com/example/Big")
	b.Method(static, "f", "()V", simpleBody(bytecode.OpReturn))
	data := b.Bytes()

	tr := New(Table{
		{Name: "swap", Patch: &TypeSwap{From: "A", To: "B"}},
		{Name: "bloat", Patch: bloat{}},
	})
	out, err := tr.Transform("com.example.Big", data)
	require.Error(t, err)
	assert.ErrorIs(t, err, classfile.ErrUnencodableMethod)
	assert.Equal(t, data, out)

	var me *bytecode.MethodError
	require.True(t, errors.As(err, &me))
	assert.Equal(t, "f", me.Method)
}

type recorder struct {
	name string
	seen *[]string
}

func (r recorder) Apply(*bytecode.Class) bool {
	*r.seen = append(*r.seen, r.name)
	return false
}

func TestEntriesRunInOrder(t *testing.T) {
	b := classtest.New("com/example/Chain")
	a := b.Class("A")
	ctor := b.Methodref("A", "<init>", "()V")
	b.Method(static, "f", "()V", simpleBody(cat(
		[]byte{bytecode.OpNew}, classtest.U16(a),
		[]byte{bytecode.OpDup, bytecode.OpInvokespecial}, classtest.U16(ctor),
		[]byte{bytecode.OpPop, bytecode.OpReturn},
	)...))

	var seen []string
	tr := New(Table{
		{Name: "first", Patch: recorder{"first", &seen}},
		{Name: "a-to-b", Patch: &TypeSwap{From: "A", To: "B"}},
		{Name: "b-to-c", Patch: &TypeSwap{From: "B", To: "C"}},
		{Name: "other", Classes: Aliases{"com.example.Other"}, Patch: recorder{"other", &seen}},
		{Name: "last", Patch: recorder{"last", &seen}},
	})
	out, err := tr.Transform("com.example.Chain", b.Bytes())
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "last"}, seen)

	nodes := decoded(t, out, "f", "()V")
	assert.Equal(t, "C", nodes[0].(*bytecode.TypeInsn).Type)
	assert.Equal(t, "C", nodes[2].(*bytecode.MethodInsn).Owner)
}

func TestNewTable(t *testing.T) {
	opts := config.Default()
	opts.SoundCacheHook = false
	table, err := NewTable(DefaultEntries(), opts)
	require.NoError(t, err)

	var names []string
	for _, e := range table {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"weather", "reset-on-sleep", "sound-manager", "random"}, names)

	_, err = NewTable([]Entry{{Name: "x", Gate: "enable-nothing", Patch: &TypeSwap{}}}, opts)
	assert.Error(t, err)
	_, err = NewTable([]Entry{{Name: "y"}}, opts)
	assert.Error(t, err)
}

func TestConcurrentTransform(t *testing.T) {
	tr := defaultTransformer(t, config.Default())
	inputs := map[string][]byte{
		"net.minecraft.client.audio.SoundHandler": soundHandler(),
	}
	b := classtest.New("bqc")
	b.Method(public, "func_78484_h", "()V", simpleBody(bytecode.OpReturn))
	inputs["bqc"] = b.Bytes()

	want := make(map[string][]byte)
	for name, data := range inputs {
		out, err := tr.Transform(name, data)
		require.NoError(t, err)
		want[name] = out
	}

	var g errgroup.Group
	results := make([][]byte, 64)
	names := make([]string, len(results))
	for i := range results {
		name := "bqc"
		if i%2 == 0 {
			name = "net.minecraft.client.audio.SoundHandler"
		}
		names[i] = name
		g.Go(func() error {
			out, err := tr.Transform(name, inputs[name])
			results[i] = out
			return err
		})
	}
	require.NoError(t, g.Wait())
	for i, out := range results {
		assert.Equal(t, want[names[i]], out)
	}
}
