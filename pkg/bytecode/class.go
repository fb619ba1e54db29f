package bytecode

import (
	"errors"
	"fmt"

	"github.com/dynsurround/classpatch/pkg/classfile"
)

// Class is a parsed class with every method body decoded into an editable
// instruction list. Fields, class attributes and the constant pool stay in
// File and are written back as they are, apart from pool entries appended
// for new references.
type Class struct {
	File    *classfile.ClassFile
	Name    string
	Methods []*Method
}

// Method is one method of a Class. Code is nil for abstract and native
// methods.
type Method struct {
	Access uint16
	Name   string
	Desc   string
	Code   *Code

	info *classfile.MethodInfo
}

// IsStatic reports whether the method has no receiver.
func (m *Method) IsStatic() bool { return m.Access&classfile.AccStatic != 0 }

// MethodError reports a failure to decode or encode one method body.
type MethodError struct {
	Class  string
	Method string
	Desc   string
	Err    error
}

func (e *MethodError) Error() string {
	return fmt.Sprintf("method %s.%s%s: %v", e.Class, e.Method, e.Desc, e.Err)
}

func (e *MethodError) Unwrap() error { return e.Err }

func wrapSentinel(sentinel, err error) error {
	if errors.Is(err, sentinel) {
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

// ReadClass parses data and decodes all method bodies. Every error wraps
// classfile.ErrMalformedContainer.
func ReadClass(data []byte) (*Class, error) {
	cf, err := classfile.Parse(data)
	if err != nil {
		return nil, err
	}
	name, err := cf.ClassName()
	if err != nil {
		return nil, wrapSentinel(classfile.ErrMalformedContainer, err)
	}

	c := &Class{File: cf, Name: name, Methods: make([]*Method, len(cf.Methods))}
	for i := range cf.Methods {
		info := &cf.Methods[i]
		m := &Method{
			Access: info.AccessFlags,
			Name:   info.Name,
			Desc:   info.Descriptor,
			info:   info,
		}
		if info.Code != nil {
			code, err := DecodeCode(cf.ConstantPool, info.Code)
			if err != nil {
				return nil, &MethodError{
					Class:  name,
					Method: m.Name,
					Desc:   m.Desc,
					Err:    wrapSentinel(classfile.ErrMalformedContainer, err),
				}
			}
			m.Code = code
		}
		c.Methods[i] = m
	}
	return c, nil
}

// MajorVersion returns the class file major version.
func (c *Class) MajorVersion() uint16 { return c.File.MajorVersion }

// Method returns the first method with the given name and descriptor.
func (c *Class) Method(name, desc string) *Method {
	for _, m := range c.Methods {
		if m.Name == name && m.Desc == desc {
			return m
		}
	}
	return nil
}

// Bytes encodes every method body and serializes the class. Errors wrap
// classfile.ErrUnencodableMethod. On error the Class must be discarded:
// constant pool entries may already have been appended.
func (c *Class) Bytes() ([]byte, error) {
	pool := classfile.NewPool(c.File)
	for _, m := range c.Methods {
		if m.Code == nil {
			continue
		}
		if err := c.encodeMethod(pool, m); err != nil {
			return nil, &MethodError{
				Class:  c.Name,
				Method: m.Name,
				Desc:   m.Desc,
				Err:    wrapSentinel(classfile.ErrUnencodableMethod, err),
			}
		}
	}
	return c.File.Bytes()
}

func (c *Class) encodeMethod(pool *classfile.Pool, m *Method) error {
	attr, err := EncodeCode(m.Code, pool, m.IsStatic(), m.Desc)
	if err != nil {
		return err
	}
	data, err := attr.Bytes()
	if err != nil {
		return err
	}
	for i := range m.info.Attributes {
		if m.info.Attributes[i].Name == "Code" {
			m.info.Attributes[i].Data = data
			m.info.Code = attr
			return nil
		}
	}
	return fmt.Errorf("method has no Code attribute")
}
