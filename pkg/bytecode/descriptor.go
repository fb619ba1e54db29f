package bytecode

import (
	"fmt"
	"strings"
)

// ArgumentSlots returns the number of local variable slots taken by the
// parameters of a method descriptor, not counting the receiver.
func ArgumentSlots(desc string) (int, error) {
	if !strings.HasPrefix(desc, "(") {
		return 0, fmt.Errorf("invalid method descriptor %q", desc)
	}
	slots := 0
	i := 1
	for i < len(desc) && desc[i] != ')' {
		n, size, err := fieldType(desc, i)
		if err != nil {
			return 0, err
		}
		slots += size
		i = n
	}
	if i >= len(desc) {
		return 0, fmt.Errorf("unterminated parameter list in %q", desc)
	}
	return slots, nil
}

// ReturnSlots returns the number of stack slots pushed by a method
// returning the descriptor's return type.
func ReturnSlots(desc string) (int, error) {
	i := strings.IndexByte(desc, ')')
	if i < 0 || i+1 >= len(desc) {
		return 0, fmt.Errorf("invalid method descriptor %q", desc)
	}
	if desc[i+1] == 'V' {
		if i+2 != len(desc) {
			return 0, fmt.Errorf("invalid method descriptor %q", desc)
		}
		return 0, nil
	}
	end, size, err := fieldType(desc, i+1)
	if err != nil {
		return 0, err
	}
	if end != len(desc) {
		return 0, fmt.Errorf("invalid method descriptor %q", desc)
	}
	return size, nil
}

// FieldSlots returns the slots occupied by a value of the field descriptor.
func FieldSlots(desc string) (int, error) {
	end, size, err := fieldType(desc, 0)
	if err != nil {
		return 0, err
	}
	if end != len(desc) {
		return 0, fmt.Errorf("invalid field descriptor %q", desc)
	}
	return size, nil
}

// fieldType parses one field type starting at desc[i] and returns the index
// just past it and its slot size.
func fieldType(desc string, i int) (end, size int, err error) {
	if i >= len(desc) {
		return 0, 0, fmt.Errorf("truncated descriptor %q", desc)
	}
	switch desc[i] {
	case 'J', 'D':
		return i + 1, 2, nil
	case 'B', 'C', 'F', 'I', 'S', 'Z':
		return i + 1, 1, nil
	case 'L':
		semi := strings.IndexByte(desc[i:], ';')
		if semi < 2 {
			return 0, 0, fmt.Errorf("invalid class type in descriptor %q", desc)
		}
		return i + semi + 1, 1, nil
	case '[':
		j := i
		for j < len(desc) && desc[j] == '[' {
			j++
		}
		end, _, err := fieldType(desc, j)
		if err != nil {
			return 0, 0, err
		}
		return end, 1, nil
	}
	return 0, 0, fmt.Errorf("invalid type %q in descriptor %q", desc[i], desc)
}
