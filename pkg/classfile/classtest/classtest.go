// Package classtest assembles small class files for tests.
package classtest

import (
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

const (
	AccPublic = 0x0001
	AccStatic = 0x0008
	AccSuper  = 0x0020
)

// Handler is one exception table entry.
type Handler struct {
	Start, End, Handler, CatchType uint16
}

// Attribute is a raw attribute; the builder interns its name.
type Attribute struct {
	Name string
	Data []byte
}

// Code is the body of a Code attribute.
type Code struct {
	MaxStack   uint16
	MaxLocals  uint16
	Bytecode   []byte
	Handlers   []Handler
	Attributes []Attribute
}

type method struct {
	access     uint16
	name, desc uint16
	code       *Code
}

// Builder collects a constant pool and methods and writes a class file.
// Pool entries are numbered in order of first use, starting at 1.
type Builder struct {
	Major uint16

	pool    [][]byte
	index   map[string]uint16
	this    uint16
	super   uint16
	methods []method
}

// New returns a builder for a public class named name (internal form)
// extending java/lang/Object, with major version 52.
func New(name string) *Builder {
	b := &Builder{Major: 52, index: make(map[string]uint16)}
	b.this = b.Class(name)
	b.super = b.Class("java/lang/Object")
	return b
}

func (b *Builder) add(key string, slots int, entry []byte) uint16 {
	if i, ok := b.index[key]; ok {
		return i
	}
	i := uint16(len(b.pool) + 1)
	b.pool = append(b.pool, entry)
	for j := 1; j < slots; j++ {
		b.pool = append(b.pool, nil)
	}
	b.index[key] = i
	return i
}

func entry(f func(*cryptobyte.Builder)) []byte {
	e := cryptobyte.NewBuilder(nil)
	f(e)
	return e.BytesOrPanic()
}

// Utf8 interns a CONSTANT_Utf8.
func (b *Builder) Utf8(s string) uint16 {
	return b.add("u:"+s, 1, entry(func(e *cryptobyte.Builder) {
		e.AddUint8(1)
		e.AddUint16LengthPrefixed(func(e *cryptobyte.Builder) { e.AddBytes([]byte(s)) })
	}))
}

// Class interns a CONSTANT_Class.
func (b *Builder) Class(name string) uint16 {
	n := b.Utf8(name)
	return b.add("c:"+name, 1, entry(func(e *cryptobyte.Builder) {
		e.AddUint8(7)
		e.AddUint16(n)
	}))
}

// String interns a CONSTANT_String.
func (b *Builder) String(s string) uint16 {
	n := b.Utf8(s)
	return b.add("s:"+s, 1, entry(func(e *cryptobyte.Builder) {
		e.AddUint8(8)
		e.AddUint16(n)
	}))
}

// Long interns a CONSTANT_Long, which takes two pool slots.
func (b *Builder) Long(v int64) uint16 {
	return b.add(fmt.Sprintf("j:%d", v), 2, entry(func(e *cryptobyte.Builder) {
		e.AddUint8(5)
		e.AddUint64(uint64(v))
	}))
}

func (b *Builder) nameAndType(name, desc string) uint16 {
	n, d := b.Utf8(name), b.Utf8(desc)
	return b.add("nt:"+name+":"+desc, 1, entry(func(e *cryptobyte.Builder) {
		e.AddUint8(12)
		e.AddUint16(n)
		e.AddUint16(d)
	}))
}

func (b *Builder) ref(tag uint8, owner, name, desc string) uint16 {
	c, nt := b.Class(owner), b.nameAndType(name, desc)
	return b.add(fmt.Sprintf("r%d:%s.%s:%s", tag, owner, name, desc), 1, entry(func(e *cryptobyte.Builder) {
		e.AddUint8(tag)
		e.AddUint16(c)
		e.AddUint16(nt)
	}))
}

// Fieldref interns a CONSTANT_Fieldref.
func (b *Builder) Fieldref(owner, name, desc string) uint16 { return b.ref(9, owner, name, desc) }

// Methodref interns a CONSTANT_Methodref.
func (b *Builder) Methodref(owner, name, desc string) uint16 { return b.ref(10, owner, name, desc) }

// InterfaceMethodref interns a CONSTANT_InterfaceMethodref.
func (b *Builder) InterfaceMethodref(owner, name, desc string) uint16 {
	return b.ref(11, owner, name, desc)
}

// Method adds a method. A nil code makes it abstract or native.
func (b *Builder) Method(access uint16, name, desc string, code *Code) {
	b.methods = append(b.methods, method{access: access, name: b.Utf8(name), desc: b.Utf8(desc), code: code})
}

// Bytes writes the class file.
func (b *Builder) Bytes() []byte {
	// Intern every attribute name before the pool is written.
	codeName := uint16(0)
	for _, m := range b.methods {
		if m.code == nil {
			continue
		}
		codeName = b.Utf8("Code")
		for _, a := range m.code.Attributes {
			b.Utf8(a.Name)
		}
	}

	out := cryptobyte.NewBuilder(nil)
	out.AddUint32(0xCAFEBABE)
	out.AddUint16(0)
	out.AddUint16(b.Major)
	out.AddUint16(uint16(len(b.pool) + 1))
	for _, e := range b.pool {
		out.AddBytes(e)
	}
	out.AddUint16(AccPublic | AccSuper)
	out.AddUint16(b.this)
	out.AddUint16(b.super)
	out.AddUint16(0) // interfaces
	out.AddUint16(0) // fields
	out.AddUint16(uint16(len(b.methods)))
	for _, m := range b.methods {
		out.AddUint16(m.access)
		out.AddUint16(m.name)
		out.AddUint16(m.desc)
		if m.code == nil {
			out.AddUint16(0)
			continue
		}
		out.AddUint16(1)
		out.AddUint16(codeName)
		out.AddUint32LengthPrefixed(func(c *cryptobyte.Builder) {
			c.AddUint16(m.code.MaxStack)
			c.AddUint16(m.code.MaxLocals)
			c.AddUint32LengthPrefixed(func(c *cryptobyte.Builder) { c.AddBytes(m.code.Bytecode) })
			c.AddUint16(uint16(len(m.code.Handlers)))
			for _, h := range m.code.Handlers {
				c.AddUint16(h.Start)
				c.AddUint16(h.End)
				c.AddUint16(h.Handler)
				c.AddUint16(h.CatchType)
			}
			c.AddUint16(uint16(len(m.code.Attributes)))
			for _, a := range m.code.Attributes {
				c.AddUint16(b.index["u:"+a.Name])
				c.AddUint32LengthPrefixed(func(c *cryptobyte.Builder) { c.AddBytes(a.Data) })
			}
		})
	}
	out.AddUint16(0) // class attributes
	return out.BytesOrPanic()
}

// U16 returns v big-endian, for splicing pool indices into bytecode.
func U16(v uint16) []byte { return []byte{byte(v >> 8), byte(v)} }

// Table builds the body of a LineNumberTable-shaped attribute from u2
// values.
func Table(values ...uint16) []byte {
	b := cryptobyte.NewBuilder(nil)
	for _, v := range values {
		b.AddUint16(v)
	}
	return b.BytesOrPanic()
}
