package classfile

import (
	"fmt"
	"math"

	"golang.org/x/crypto/cryptobyte"
)

// Bytes serializes the class file. Counts and lengths are derived from the
// slices; an overflow of any u2 count is reported as ErrUnencodableMethod.
func (cf *ClassFile) Bytes() ([]byte, error) {
	if len(cf.ConstantPool) > maxPoolCount {
		return nil, unencodable(fmt.Errorf("constant pool has %d entries", len(cf.ConstantPool)))
	}

	b := cryptobyte.NewBuilder(nil)
	b.AddUint32(classMagic)
	b.AddUint16(cf.MinorVersion)
	b.AddUint16(cf.MajorVersion)

	writeConstantPool(b, cf.ConstantPool)

	b.AddUint16(cf.AccessFlags)
	b.AddUint16(cf.ThisClass)
	b.AddUint16(cf.SuperClass)

	addCount(b, len(cf.Interfaces), "interfaces")
	for _, i := range cf.Interfaces {
		b.AddUint16(i)
	}

	addCount(b, len(cf.Fields), "fields")
	for _, f := range cf.Fields {
		b.AddUint16(f.AccessFlags)
		b.AddUint16(f.NameIndex)
		b.AddUint16(f.DescriptorIndex)
		addAttributes(b, f.Attributes)
	}

	addCount(b, len(cf.Methods), "methods")
	for _, m := range cf.Methods {
		b.AddUint16(m.AccessFlags)
		b.AddUint16(m.NameIndex)
		b.AddUint16(m.DescriptorIndex)
		addAttributes(b, m.Attributes)
	}

	addAttributes(b, cf.Attributes)

	out, err := b.Bytes()
	if err != nil {
		return nil, unencodable(err)
	}
	return out, nil
}

// Bytes serializes the body of a Code attribute (everything after
// attribute_length).
func (c *CodeAttribute) Bytes() ([]byte, error) {
	if len(c.Code) == 0 || len(c.Code) > 0xFFFF {
		return nil, unencodable(fmt.Errorf("code_length %d out of range", len(c.Code)))
	}

	b := cryptobyte.NewBuilder(nil)
	b.AddUint16(c.MaxStack)
	b.AddUint16(c.MaxLocals)
	b.AddUint32(uint32(len(c.Code)))
	b.AddBytes(c.Code)

	addCount(b, len(c.ExceptionHandlers), "exception table entries")
	for _, h := range c.ExceptionHandlers {
		b.AddUint16(h.StartPC)
		b.AddUint16(h.EndPC)
		b.AddUint16(h.HandlerPC)
		b.AddUint16(h.CatchType)
	}

	addAttributes(b, c.Attributes)

	out, err := b.Bytes()
	if err != nil {
		return nil, unencodable(err)
	}
	return out, nil
}

func addCount(b *cryptobyte.Builder, n int, what string) {
	if n > math.MaxUint16 {
		b.SetError(fmt.Errorf("too many %s: %d", what, n))
		return
	}
	b.AddUint16(uint16(n))
}

func addAttributes(b *cryptobyte.Builder, attrs []AttributeInfo) {
	addCount(b, len(attrs), "attributes")
	for _, a := range attrs {
		if uint64(len(a.Data)) > math.MaxUint32 {
			b.SetError(fmt.Errorf("attribute %s too large: %d bytes", a.Name, len(a.Data)))
			return
		}
		b.AddUint16(a.NameIndex)
		b.AddUint32(uint32(len(a.Data)))
		b.AddBytes(a.Data)
	}
}
