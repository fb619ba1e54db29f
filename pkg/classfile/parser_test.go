package classfile

import (
	"bytes"
	"errors"
	"testing"

	"github.com/dynsurround/classpatch/pkg/classfile/classtest"
)

// addClass は static int add(int, int) を持つクラスを組み立てる。
func addClass() []byte {
	b := classtest.New("Add")
	b.Method(classtest.AccPublic|classtest.AccStatic, "add", "(II)I", &classtest.Code{
		MaxStack:  2,
		MaxLocals: 2,
		Bytecode:  []byte{0x1a, 0x1b, 0x60, 0xac}, // iload_0 iload_1 iadd ireturn
	})
	b.Method(classtest.AccPublic, "run", "()V", &classtest.Code{
		MaxStack:  0,
		MaxLocals: 1,
		Bytecode:  []byte{0xb1},
	})
	return b.Bytes()
}

func TestParseClassFile(t *testing.T) {
	cf, err := Parse(addClass())
	if err != nil {
		t.Fatalf("failed to parse Add: %v", err)
	}

	if cf.MajorVersion != 52 {
		t.Errorf("major version: got %d, want 52", cf.MajorVersion)
	}

	// this_class が "Add" を指すこと
	className, err := cf.ClassName()
	if err != nil {
		t.Fatalf("resolving this_class: %v", err)
	}
	if className != "Add" {
		t.Errorf("this_class: got %q, want %q", className, "Add")
	}
	if got := cf.SuperClassName(); got != "java/lang/Object" {
		t.Errorf("super_class: got %q, want %q", got, "java/lang/Object")
	}

	addMethod := cf.FindMethod("add", "(II)I")
	if addMethod == nil {
		t.Fatal("add method not found")
	}
	if !addMethod.IsStatic() {
		t.Error("add should be static")
	}
	if addMethod.Code == nil {
		t.Fatal("add method has no Code attribute")
	}
	if !bytes.Equal(addMethod.Code.Code, []byte{0x1a, 0x1b, 0x60, 0xac}) {
		t.Errorf("bytecode: got % x", addMethod.Code.Code)
	}
	if addMethod.Code.MaxStack != 2 || addMethod.Code.MaxLocals != 2 {
		t.Errorf("max stack/locals: got %d/%d, want 2/2", addMethod.Code.MaxStack, addMethod.Code.MaxLocals)
	}

	if m := cf.FindMethodByName("run"); m == nil || m.IsStatic() {
		t.Errorf("run: got %+v", m)
	}
}

func TestWriteRoundTrip(t *testing.T) {
	data := addClass()
	cf, err := Parse(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	out, err := cf.Bytes()
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	// 何も変更していなければバイト列は一致する
	if !bytes.Equal(out, data) {
		t.Errorf("round trip changed the class:\n got % x\nwant % x", out, data)
	}
}

func TestParseLongConstant(t *testing.T) {
	b := classtest.New("Wide")
	b.Long(1 << 40)
	after := b.Utf8("after")
	cf, err := Parse(b.Bytes())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	// Long は 2 スロットを占めるので、後続のインデックスが正しく解決できること
	got, err := GetUtf8(cf.ConstantPool, after)
	if err != nil || got != "after" {
		t.Errorf("entry after Long: got %q, %v", got, err)
	}
}

func TestPoolReusesEntries(t *testing.T) {
	cf, err := Parse(addClass())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	size := len(cf.ConstantPool)
	p := NewPool(cf)

	if idx := p.Class("Add"); idx != cf.ThisClass {
		t.Errorf("Class(Add): got %d, want existing %d", idx, cf.ThisClass)
	}
	if len(cf.ConstantPool) != size {
		t.Errorf("pool grew to %d entries for an existing class", len(cf.ConstantPool))
	}

	idx := p.Methodref("java/util/Random", "<init>", "()V", false)
	ref, err := ResolveMethodref(cf.ConstantPool, idx)
	if err != nil {
		t.Fatalf("resolving new Methodref: %v", err)
	}
	if ref.ClassName != "java/util/Random" || ref.Name != "<init>" || ref.Descriptor != "()V" || ref.Interface {
		t.Errorf("new Methodref: got %+v", ref)
	}
	if again := p.Methodref("java/util/Random", "<init>", "()V", false); again != idx {
		t.Errorf("second Methodref: got %d, want %d", again, idx)
	}
	if p.Err() != nil {
		t.Errorf("unexpected pool error: %v", p.Err())
	}
}

func TestParseMalformed(t *testing.T) {
	good := addClass()

	badMagic := bytes.Clone(good)
	badMagic[0] = 0xDE

	badVersion := bytes.Clone(good)
	badVersion[7] = 99

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"bad magic", badMagic},
		{"unsupported version", badVersion},
		{"truncated", good[:len(good)-3]},
		{"trailing bytes", append(bytes.Clone(good), 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.data)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !errors.Is(err, ErrMalformedContainer) {
				t.Errorf("error %v does not wrap ErrMalformedContainer", err)
			}
		})
	}
}

func TestParseTruncatedEverywhere(t *testing.T) {
	good := addClass()
	// どの位置で切り詰めても部分的な結果は返らない
	for n := 0; n < len(good); n++ {
		cf, err := Parse(good[:n])
		if err == nil || cf != nil {
			t.Fatalf("prefix of %d bytes: got %v, %v", n, cf, err)
		}
	}
}
