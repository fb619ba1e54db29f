package classfile

import "fmt"

// maxPoolCount is the largest encodable constant_pool_count.
const maxPoolCount = 0xFFFF

type poolKey struct {
	tag  uint8
	text string
	a, b uint16
}

// Pool appends entries to a class's constant pool, reusing an existing entry
// when an equal one is already present. Existing indices never move, so
// anything that refers into the pool by index stays valid.
//
// Errors are sticky: once the pool overflows, every later call returns 0 and
// Err reports the overflow.
type Pool struct {
	cf     *ClassFile
	lookup map[poolKey]uint16
	err    error
}

// NewPool returns a Pool that appends to cf.ConstantPool.
func NewPool(cf *ClassFile) *Pool {
	if len(cf.ConstantPool) == 0 {
		cf.ConstantPool = make([]ConstantPoolEntry, 1)
	}
	p := &Pool{cf: cf, lookup: make(map[poolKey]uint16)}
	for i, entry := range cf.ConstantPool {
		if entry == nil {
			continue
		}
		key, ok := keyOf(entry)
		if !ok {
			continue
		}
		if _, seen := p.lookup[key]; !seen {
			p.lookup[key] = uint16(i)
		}
	}
	return p
}

func keyOf(entry ConstantPoolEntry) (poolKey, bool) {
	switch c := entry.(type) {
	case *ConstantUtf8:
		return poolKey{tag: TagUtf8, text: c.Value}, true
	case *ConstantClass:
		return poolKey{tag: TagClass, a: c.NameIndex}, true
	case *ConstantNameAndType:
		return poolKey{tag: TagNameAndType, a: c.NameIndex, b: c.DescriptorIndex}, true
	case *ConstantFieldref:
		return poolKey{tag: TagFieldref, a: c.ClassIndex, b: c.NameAndTypeIndex}, true
	case *ConstantMethodref:
		return poolKey{tag: TagMethodref, a: c.ClassIndex, b: c.NameAndTypeIndex}, true
	case *ConstantInterfaceMethodref:
		return poolKey{tag: TagInterfaceMethodref, a: c.ClassIndex, b: c.NameAndTypeIndex}, true
	}
	return poolKey{}, false
}

func (p *Pool) get(key poolKey, entry ConstantPoolEntry) uint16 {
	if p.err != nil {
		return 0
	}
	if index, ok := p.lookup[key]; ok {
		return index
	}
	if len(p.cf.ConstantPool) >= maxPoolCount {
		p.err = unencodable(fmt.Errorf("constant pool exceeds %d entries", maxPoolCount-1))
		return 0
	}
	index := uint16(len(p.cf.ConstantPool))
	p.cf.ConstantPool = append(p.cf.ConstantPool, entry)
	p.lookup[key] = index
	return index
}

// Utf8 returns the index of a CONSTANT_Utf8 entry holding s.
func (p *Pool) Utf8(s string) uint16 {
	if len(s) > 0xFFFF {
		if p.err == nil {
			p.err = unencodable(fmt.Errorf("Utf8 constant of %d bytes is too long", len(s)))
		}
		return 0
	}
	return p.get(poolKey{tag: TagUtf8, text: s}, &ConstantUtf8{Value: s})
}

// Class returns the index of a CONSTANT_Class entry naming the given
// internal class name.
func (p *Pool) Class(name string) uint16 {
	nameIndex := p.Utf8(name)
	return p.get(poolKey{tag: TagClass, a: nameIndex}, &ConstantClass{NameIndex: nameIndex})
}

// NameAndType returns the index of a CONSTANT_NameAndType entry.
func (p *Pool) NameAndType(name, descriptor string) uint16 {
	n, d := p.Utf8(name), p.Utf8(descriptor)
	return p.get(poolKey{tag: TagNameAndType, a: n, b: d}, &ConstantNameAndType{NameIndex: n, DescriptorIndex: d})
}

// Fieldref returns the index of a CONSTANT_Fieldref entry.
func (p *Pool) Fieldref(owner, name, descriptor string) uint16 {
	c, nat := p.Class(owner), p.NameAndType(name, descriptor)
	return p.get(poolKey{tag: TagFieldref, a: c, b: nat}, &ConstantFieldref{ClassIndex: c, NameAndTypeIndex: nat})
}

// Methodref returns the index of a CONSTANT_Methodref entry, or of a
// CONSTANT_InterfaceMethodref entry when itf is set.
func (p *Pool) Methodref(owner, name, descriptor string, itf bool) uint16 {
	c, nat := p.Class(owner), p.NameAndType(name, descriptor)
	if itf {
		return p.get(poolKey{tag: TagInterfaceMethodref, a: c, b: nat}, &ConstantInterfaceMethodref{ClassIndex: c, NameAndTypeIndex: nat})
	}
	return p.get(poolKey{tag: TagMethodref, a: c, b: nat}, &ConstantMethodref{ClassIndex: c, NameAndTypeIndex: nat})
}

// Err returns the first error encountered while appending.
func (p *Pool) Err() error {
	return p.err
}
