package classfile

import (
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// Constant pool tags
const (
	TagUtf8               = 1
	TagInteger            = 3
	TagFloat              = 4
	TagLong               = 5
	TagDouble             = 6
	TagClass              = 7
	TagString             = 8
	TagFieldref           = 9
	TagMethodref          = 10
	TagInterfaceMethodref = 11
	TagNameAndType        = 12
	TagMethodHandle       = 15
	TagMethodType         = 16
	TagDynamic            = 17
	TagInvokeDynamic      = 18
	TagModule             = 19
	TagPackage            = 20
)

// parseConstantPool reads constant_pool_count-1 entries from s.
// The returned slice is 1-indexed: index 0 is nil, as is the slot following
// each Long and Double.
func parseConstantPool(s *cryptobyte.String, count uint16) ([]ConstantPoolEntry, error) {
	if count == 0 {
		return nil, fmt.Errorf("constant pool count is zero")
	}
	pool := make([]ConstantPoolEntry, count)

	for i := uint16(1); i < count; i++ {
		var tag uint8
		if !s.ReadUint8(&tag) {
			return nil, fmt.Errorf("reading constant pool tag at index %d: %w", i, errTruncated)
		}

		switch tag {
		case TagUtf8:
			var raw []byte
			var length uint16
			if !s.ReadUint16(&length) || !s.ReadBytes(&raw, int(length)) {
				return nil, fmt.Errorf("reading Utf8 at index %d: %w", i, errTruncated)
			}
			pool[i] = &ConstantUtf8{Value: string(raw)}

		case TagInteger:
			var val uint32
			if !s.ReadUint32(&val) {
				return nil, fmt.Errorf("reading Integer at index %d: %w", i, errTruncated)
			}
			pool[i] = &ConstantInteger{Value: int32(val)}

		case TagFloat:
			var bits uint32
			if !s.ReadUint32(&bits) {
				return nil, fmt.Errorf("reading Float at index %d: %w", i, errTruncated)
			}
			pool[i] = &ConstantFloat{Bits: bits}

		case TagLong, TagDouble:
			var val uint64
			if !s.ReadUint64(&val) {
				return nil, fmt.Errorf("reading Long/Double at index %d: %w", i, errTruncated)
			}
			if i+1 >= count {
				return nil, fmt.Errorf("Long/Double at index %d overruns the constant pool", i)
			}
			if tag == TagLong {
				pool[i] = &ConstantLong{Value: int64(val)}
			} else {
				pool[i] = &ConstantDouble{Bits: val}
			}
			i++ // takes 2 slots

		case TagClass:
			var nameIndex uint16
			if !s.ReadUint16(&nameIndex) {
				return nil, fmt.Errorf("reading Class at index %d: %w", i, errTruncated)
			}
			pool[i] = &ConstantClass{NameIndex: nameIndex}

		case TagString:
			var stringIndex uint16
			if !s.ReadUint16(&stringIndex) {
				return nil, fmt.Errorf("reading String at index %d: %w", i, errTruncated)
			}
			pool[i] = &ConstantString{StringIndex: stringIndex}

		case TagFieldref, TagMethodref, TagInterfaceMethodref:
			var classIndex, natIndex uint16
			if !s.ReadUint16(&classIndex) || !s.ReadUint16(&natIndex) {
				return nil, fmt.Errorf("reading member ref at index %d: %w", i, errTruncated)
			}
			switch tag {
			case TagFieldref:
				pool[i] = &ConstantFieldref{ClassIndex: classIndex, NameAndTypeIndex: natIndex}
			case TagMethodref:
				pool[i] = &ConstantMethodref{ClassIndex: classIndex, NameAndTypeIndex: natIndex}
			default:
				pool[i] = &ConstantInterfaceMethodref{ClassIndex: classIndex, NameAndTypeIndex: natIndex}
			}

		case TagNameAndType:
			var nameIndex, descIndex uint16
			if !s.ReadUint16(&nameIndex) || !s.ReadUint16(&descIndex) {
				return nil, fmt.Errorf("reading NameAndType at index %d: %w", i, errTruncated)
			}
			pool[i] = &ConstantNameAndType{NameIndex: nameIndex, DescriptorIndex: descIndex}

		case TagMethodHandle:
			var kind uint8
			var ref uint16
			if !s.ReadUint8(&kind) || !s.ReadUint16(&ref) {
				return nil, fmt.Errorf("reading MethodHandle at index %d: %w", i, errTruncated)
			}
			pool[i] = &ConstantMethodHandle{ReferenceKind: kind, ReferenceIndex: ref}

		case TagMethodType:
			var descIndex uint16
			if !s.ReadUint16(&descIndex) {
				return nil, fmt.Errorf("reading MethodType at index %d: %w", i, errTruncated)
			}
			pool[i] = &ConstantMethodType{DescriptorIndex: descIndex}

		case TagDynamic, TagInvokeDynamic:
			var bsm, natIndex uint16
			if !s.ReadUint16(&bsm) || !s.ReadUint16(&natIndex) {
				return nil, fmt.Errorf("reading Dynamic/InvokeDynamic at index %d: %w", i, errTruncated)
			}
			pool[i] = &ConstantDynamic{Kind: tag, BootstrapMethodAttrIndex: bsm, NameAndTypeIndex: natIndex}

		case TagModule, TagPackage:
			var nameIndex uint16
			if !s.ReadUint16(&nameIndex) {
				return nil, fmt.Errorf("reading Module/Package at index %d: %w", i, errTruncated)
			}
			pool[i] = &ConstantNamed{Kind: tag, NameIndex: nameIndex}

		default:
			return nil, fmt.Errorf("unknown constant pool tag %d at index %d", tag, i)
		}
	}

	return pool, nil
}

// writeConstantPool appends constant_pool_count and every entry to b.
func writeConstantPool(b *cryptobyte.Builder, pool []ConstantPoolEntry) {
	b.AddUint16(uint16(len(pool)))
	for _, entry := range pool {
		if entry == nil {
			continue
		}
		b.AddUint8(entry.Tag())
		switch c := entry.(type) {
		case *ConstantUtf8:
			b.AddUint16(uint16(len(c.Value)))
			b.AddBytes([]byte(c.Value))
		case *ConstantInteger:
			b.AddUint32(uint32(c.Value))
		case *ConstantFloat:
			b.AddUint32(c.Bits)
		case *ConstantLong:
			b.AddUint64(uint64(c.Value))
		case *ConstantDouble:
			b.AddUint64(c.Bits)
		case *ConstantClass:
			b.AddUint16(c.NameIndex)
		case *ConstantString:
			b.AddUint16(c.StringIndex)
		case *ConstantFieldref:
			b.AddUint16(c.ClassIndex)
			b.AddUint16(c.NameAndTypeIndex)
		case *ConstantMethodref:
			b.AddUint16(c.ClassIndex)
			b.AddUint16(c.NameAndTypeIndex)
		case *ConstantInterfaceMethodref:
			b.AddUint16(c.ClassIndex)
			b.AddUint16(c.NameAndTypeIndex)
		case *ConstantNameAndType:
			b.AddUint16(c.NameIndex)
			b.AddUint16(c.DescriptorIndex)
		case *ConstantMethodHandle:
			b.AddUint8(c.ReferenceKind)
			b.AddUint16(c.ReferenceIndex)
		case *ConstantMethodType:
			b.AddUint16(c.DescriptorIndex)
		case *ConstantDynamic:
			b.AddUint16(c.BootstrapMethodAttrIndex)
			b.AddUint16(c.NameAndTypeIndex)
		case *ConstantNamed:
			b.AddUint16(c.NameIndex)
		default:
			b.SetError(fmt.Errorf("cannot encode constant pool entry with tag %d", entry.Tag()))
		}
	}
}

func entryAt(pool []ConstantPoolEntry, index uint16) (ConstantPoolEntry, error) {
	if int(index) >= len(pool) || pool[index] == nil {
		return nil, fmt.Errorf("invalid constant pool index %d", index)
	}
	return pool[index], nil
}

// GetUtf8 returns the Utf8 string at the given constant pool index.
func GetUtf8(pool []ConstantPoolEntry, index uint16) (string, error) {
	entry, err := entryAt(pool, index)
	if err != nil {
		return "", err
	}
	utf8, ok := entry.(*ConstantUtf8)
	if !ok {
		return "", fmt.Errorf("constant pool index %d is not Utf8 (tag=%d)", index, entry.Tag())
	}
	return utf8.Value, nil
}

// GetClassName returns the class name referenced by a CONSTANT_Class entry.
func GetClassName(pool []ConstantPoolEntry, classIndex uint16) (string, error) {
	entry, err := entryAt(pool, classIndex)
	if err != nil {
		return "", err
	}
	class, ok := entry.(*ConstantClass)
	if !ok {
		return "", fmt.Errorf("constant pool index %d is not Class", classIndex)
	}
	return GetUtf8(pool, class.NameIndex)
}

// GetNameAndType resolves a CONSTANT_NameAndType entry.
func GetNameAndType(pool []ConstantPoolEntry, index uint16) (name, descriptor string, err error) {
	entry, err := entryAt(pool, index)
	if err != nil {
		return "", "", err
	}
	nat, ok := entry.(*ConstantNameAndType)
	if !ok {
		return "", "", fmt.Errorf("constant pool index %d is not NameAndType", index)
	}
	if name, err = GetUtf8(pool, nat.NameIndex); err != nil {
		return "", "", fmt.Errorf("resolving name: %w", err)
	}
	if descriptor, err = GetUtf8(pool, nat.DescriptorIndex); err != nil {
		return "", "", fmt.Errorf("resolving descriptor: %w", err)
	}
	return name, descriptor, nil
}

// MemberRefInfo holds a resolved field, method or interface method reference.
type MemberRefInfo struct {
	ClassName  string
	Name       string
	Descriptor string
	Interface  bool
}

// ResolveMemberRef resolves a Fieldref, Methodref or InterfaceMethodref entry.
func ResolveMemberRef(pool []ConstantPoolEntry, index uint16) (*MemberRefInfo, error) {
	entry, err := entryAt(pool, index)
	if err != nil {
		return nil, err
	}

	var classIndex, natIndex uint16
	var itf bool
	switch ref := entry.(type) {
	case *ConstantFieldref:
		classIndex, natIndex = ref.ClassIndex, ref.NameAndTypeIndex
	case *ConstantMethodref:
		classIndex, natIndex = ref.ClassIndex, ref.NameAndTypeIndex
	case *ConstantInterfaceMethodref:
		classIndex, natIndex = ref.ClassIndex, ref.NameAndTypeIndex
		itf = true
	default:
		return nil, fmt.Errorf("constant pool index %d is not a member reference (tag=%d)", index, entry.Tag())
	}

	className, err := GetClassName(pool, classIndex)
	if err != nil {
		return nil, fmt.Errorf("resolving member ref class: %w", err)
	}
	name, desc, err := GetNameAndType(pool, natIndex)
	if err != nil {
		return nil, fmt.Errorf("resolving member ref %d: %w", index, err)
	}

	return &MemberRefInfo{
		ClassName:  className,
		Name:       name,
		Descriptor: desc,
		Interface:  itf,
	}, nil
}

// ResolveMethodref resolves a CONSTANT_Methodref or, for invokespecial and
// invokestatic on interfaces, a CONSTANT_InterfaceMethodref.
func ResolveMethodref(pool []ConstantPoolEntry, index uint16) (*MemberRefInfo, error) {
	ref, err := ResolveMemberRef(pool, index)
	if err != nil {
		return nil, err
	}
	if _, ok := pool[index].(*ConstantFieldref); ok {
		return nil, fmt.Errorf("constant pool index %d is a Fieldref, not a method", index)
	}
	return ref, nil
}

// ResolveFieldref resolves a CONSTANT_Fieldref entry.
func ResolveFieldref(pool []ConstantPoolEntry, index uint16) (*MemberRefInfo, error) {
	ref, err := ResolveMemberRef(pool, index)
	if err != nil {
		return nil, err
	}
	if _, ok := pool[index].(*ConstantFieldref); !ok {
		return nil, fmt.Errorf("constant pool index %d is not Fieldref", index)
	}
	return ref, nil
}

// ResolveInvokeDynamic returns the name and descriptor of a
// CONSTANT_InvokeDynamic entry.
func ResolveInvokeDynamic(pool []ConstantPoolEntry, index uint16) (name, descriptor string, err error) {
	entry, err := entryAt(pool, index)
	if err != nil {
		return "", "", err
	}
	dyn, ok := entry.(*ConstantDynamic)
	if !ok || dyn.Kind != TagInvokeDynamic {
		return "", "", fmt.Errorf("constant pool index %d is not InvokeDynamic", index)
	}
	return GetNameAndType(pool, dyn.NameAndTypeIndex)
}
