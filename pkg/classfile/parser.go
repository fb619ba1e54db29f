package classfile

import (
	"fmt"
	"os"

	"golang.org/x/crypto/cryptobyte"
)

const classMagic = 0xCAFEBABE

// ParseFile reads and parses a .class file from the given path.
func ParseFile(path string) (*ClassFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes a complete class file. Any structural problem is reported
// as an error wrapping ErrMalformedContainer; a partially decoded ClassFile
// is never returned.
func Parse(data []byte) (*ClassFile, error) {
	cf, err := parse(cryptobyte.String(data))
	if err != nil {
		return nil, malformed(err)
	}
	return cf, nil
}

func parse(s cryptobyte.String) (*ClassFile, error) {
	cf := &ClassFile{}

	// Magic number
	var magic uint32
	if !s.ReadUint32(&magic) {
		return nil, fmt.Errorf("reading magic number: %w", errTruncated)
	}
	if magic != classMagic {
		return nil, fmt.Errorf("invalid magic number: 0x%X (expected 0xCAFEBABE)", magic)
	}

	// Version
	if !s.ReadUint16(&cf.MinorVersion) || !s.ReadUint16(&cf.MajorVersion) {
		return nil, fmt.Errorf("reading version: %w", errTruncated)
	}
	if cf.MajorVersion < MinMajorVersion || cf.MajorVersion > MaxMajorVersion {
		return nil, fmt.Errorf("unsupported class file version %d.%d", cf.MajorVersion, cf.MinorVersion)
	}

	// Constant pool
	var cpCount uint16
	if !s.ReadUint16(&cpCount) {
		return nil, fmt.Errorf("reading constant pool count: %w", errTruncated)
	}
	pool, err := parseConstantPool(&s, cpCount)
	if err != nil {
		return nil, fmt.Errorf("parsing constant pool: %w", err)
	}
	cf.ConstantPool = pool

	// Access flags, this_class, super_class
	if !s.ReadUint16(&cf.AccessFlags) || !s.ReadUint16(&cf.ThisClass) || !s.ReadUint16(&cf.SuperClass) {
		return nil, fmt.Errorf("reading class header: %w", errTruncated)
	}
	if _, err := GetClassName(pool, cf.ThisClass); err != nil {
		return nil, fmt.Errorf("resolving this_class: %w", err)
	}
	if cf.SuperClass != 0 {
		if _, err := GetClassName(pool, cf.SuperClass); err != nil {
			return nil, fmt.Errorf("resolving super_class: %w", err)
		}
	}

	// Interfaces
	var interfacesCount uint16
	if !s.ReadUint16(&interfacesCount) {
		return nil, fmt.Errorf("reading interfaces count: %w", errTruncated)
	}
	cf.Interfaces = make([]uint16, interfacesCount)
	for i := uint16(0); i < interfacesCount; i++ {
		if !s.ReadUint16(&cf.Interfaces[i]) {
			return nil, fmt.Errorf("reading interface %d: %w", i, errTruncated)
		}
	}

	// Fields
	var fieldsCount uint16
	if !s.ReadUint16(&fieldsCount) {
		return nil, fmt.Errorf("reading fields count: %w", errTruncated)
	}
	cf.Fields, err = parseFields(&s, pool, fieldsCount)
	if err != nil {
		return nil, fmt.Errorf("parsing fields: %w", err)
	}

	// Methods
	var methodsCount uint16
	if !s.ReadUint16(&methodsCount) {
		return nil, fmt.Errorf("reading methods count: %w", errTruncated)
	}
	cf.Methods, err = parseMethods(&s, pool, methodsCount)
	if err != nil {
		return nil, fmt.Errorf("parsing methods: %w", err)
	}

	// Class-level attributes
	var attrCount uint16
	if !s.ReadUint16(&attrCount) {
		return nil, fmt.Errorf("reading class attributes count: %w", errTruncated)
	}
	cf.Attributes, err = parseAttributeInfos(&s, pool, attrCount)
	if err != nil {
		return nil, fmt.Errorf("parsing class attributes: %w", err)
	}

	if !s.Empty() {
		return nil, fmt.Errorf("%d trailing bytes after class attributes", len(s))
	}
	return cf, nil
}

func parseMemberHeader(s *cryptobyte.String, pool []ConstantPoolEntry) (access, nameIndex, descIndex uint16, name, desc string, err error) {
	if !s.ReadUint16(&access) || !s.ReadUint16(&nameIndex) || !s.ReadUint16(&descIndex) {
		return 0, 0, 0, "", "", errTruncated
	}
	if name, err = GetUtf8(pool, nameIndex); err != nil {
		return 0, 0, 0, "", "", fmt.Errorf("resolving name: %w", err)
	}
	if desc, err = GetUtf8(pool, descIndex); err != nil {
		return 0, 0, 0, "", "", fmt.Errorf("resolving descriptor: %w", err)
	}
	return access, nameIndex, descIndex, name, desc, nil
}

func parseFields(s *cryptobyte.String, pool []ConstantPoolEntry, count uint16) ([]FieldInfo, error) {
	fields := make([]FieldInfo, count)
	for i := uint16(0); i < count; i++ {
		access, nameIndex, descIndex, name, desc, err := parseMemberHeader(s, pool)
		if err != nil {
			return nil, fmt.Errorf("reading field %d: %w", i, err)
		}

		var attrCount uint16
		if !s.ReadUint16(&attrCount) {
			return nil, fmt.Errorf("reading field %d attributes count: %w", i, errTruncated)
		}
		attrs, err := parseAttributeInfos(s, pool, attrCount)
		if err != nil {
			return nil, fmt.Errorf("parsing field %d attributes: %w", i, err)
		}

		fields[i] = FieldInfo{
			AccessFlags:     access,
			NameIndex:       nameIndex,
			DescriptorIndex: descIndex,
			Name:            name,
			Descriptor:      desc,
			Attributes:      attrs,
		}
	}
	return fields, nil
}

func parseMethods(s *cryptobyte.String, pool []ConstantPoolEntry, count uint16) ([]MethodInfo, error) {
	methods := make([]MethodInfo, count)
	for i := uint16(0); i < count; i++ {
		access, nameIndex, descIndex, name, desc, err := parseMemberHeader(s, pool)
		if err != nil {
			return nil, fmt.Errorf("reading method %d: %w", i, err)
		}

		var attrCount uint16
		if !s.ReadUint16(&attrCount) {
			return nil, fmt.Errorf("reading method %d attributes count: %w", i, errTruncated)
		}
		attrs, err := parseAttributeInfos(s, pool, attrCount)
		if err != nil {
			return nil, fmt.Errorf("parsing method %d attributes: %w", i, err)
		}

		m := MethodInfo{
			AccessFlags:     access,
			NameIndex:       nameIndex,
			DescriptorIndex: descIndex,
			Name:            name,
			Descriptor:      desc,
			Attributes:      attrs,
		}

		// Extract Code attribute
		for _, attr := range attrs {
			if attr.Name == "Code" {
				code, err := ParseCodeAttribute(pool, attr.Data)
				if err != nil {
					return nil, fmt.Errorf("parsing Code attribute for method %s%s: %w", name, desc, err)
				}
				m.Code = code
				break
			}
		}

		methods[i] = m
	}
	return methods, nil
}

func parseAttributeInfos(s *cryptobyte.String, pool []ConstantPoolEntry, count uint16) ([]AttributeInfo, error) {
	attrs := make([]AttributeInfo, count)
	for i := uint16(0); i < count; i++ {
		var nameIndex uint16
		var length uint32
		var data []byte
		if !s.ReadUint16(&nameIndex) || !s.ReadUint32(&length) {
			return nil, fmt.Errorf("reading attribute %d header: %w", i, errTruncated)
		}
		if !s.ReadBytes(&data, int(length)) {
			return nil, fmt.Errorf("reading attribute %d data (%d bytes): %w", i, length, errTruncated)
		}

		name, err := GetUtf8(pool, nameIndex)
		if err != nil {
			return nil, fmt.Errorf("resolving attribute %d name: %w", i, err)
		}

		attrs[i] = AttributeInfo{NameIndex: nameIndex, Name: name, Data: data}
	}
	return attrs, nil
}

// ParseCodeAttribute decodes the body of a Code attribute. The bytecode
// itself is not interpreted here.
func ParseCodeAttribute(pool []ConstantPoolEntry, data []byte) (*CodeAttribute, error) {
	s := cryptobyte.String(data)
	code := &CodeAttribute{}

	var codeLength uint32
	if !s.ReadUint16(&code.MaxStack) || !s.ReadUint16(&code.MaxLocals) || !s.ReadUint32(&codeLength) {
		return nil, fmt.Errorf("Code attribute too short: %d bytes", len(data))
	}
	if codeLength == 0 || codeLength > 0xFFFF {
		return nil, fmt.Errorf("invalid code_length %d", codeLength)
	}
	if !s.ReadBytes(&code.Code, int(codeLength)) {
		return nil, fmt.Errorf("Code attribute data too short for code_length %d", codeLength)
	}

	// Exception table
	var exTableLen uint16
	if !s.ReadUint16(&exTableLen) {
		return nil, fmt.Errorf("reading exception table length: %w", errTruncated)
	}
	code.ExceptionHandlers = make([]ExceptionHandler, exTableLen)
	for i := range code.ExceptionHandlers {
		h := &code.ExceptionHandlers[i]
		if !s.ReadUint16(&h.StartPC) || !s.ReadUint16(&h.EndPC) ||
			!s.ReadUint16(&h.HandlerPC) || !s.ReadUint16(&h.CatchType) {
			return nil, fmt.Errorf("reading exception handler %d: %w", i, errTruncated)
		}
		if h.CatchType != 0 {
			if _, err := GetClassName(pool, h.CatchType); err != nil {
				return nil, fmt.Errorf("exception handler %d catch type: %w", i, err)
			}
		}
	}

	var attrCount uint16
	if !s.ReadUint16(&attrCount) {
		return nil, fmt.Errorf("reading Code attributes count: %w", errTruncated)
	}
	attrs, err := parseAttributeInfos(&s, pool, attrCount)
	if err != nil {
		return nil, fmt.Errorf("parsing Code attributes: %w", err)
	}
	code.Attributes = attrs

	if !s.Empty() {
		return nil, fmt.Errorf("%d trailing bytes in Code attribute", len(s))
	}
	return code, nil
}

// ClassName returns the fully qualified name of this class.
func (cf *ClassFile) ClassName() (string, error) {
	return GetClassName(cf.ConstantPool, cf.ThisClass)
}

// FindMethod finds a method by name and descriptor.
func (cf *ClassFile) FindMethod(name, descriptor string) *MethodInfo {
	for i := range cf.Methods {
		if cf.Methods[i].Name == name && cf.Methods[i].Descriptor == descriptor {
			return &cf.Methods[i]
		}
	}
	return nil
}

// FindMethodByName finds a method by name only (first match).
func (cf *ClassFile) FindMethodByName(name string) *MethodInfo {
	for i := range cf.Methods {
		if cf.Methods[i].Name == name {
			return &cf.Methods[i]
		}
	}
	return nil
}
