package bytecode

import (
	"cmp"
	"fmt"
	"slices"

	"golang.org/x/crypto/cryptobyte"
)

// StackMapTable frame type ranges.
const (
	frameSameMax         = 63
	frameSameLocals1Min  = 64
	frameSameLocals1Max  = 127
	frameSameLocals1Ext  = 247
	frameChopMin         = 248
	frameSameExt         = 251
	frameAppendMax       = 254
	frameFull            = 255
	maxShortFrameDelta   = 63
	maxAppendedOrChopped = 3
)

func (d *decoder) decodeFrames(c *Code, data []byte) error {
	s := cryptobyte.String(data)
	var count uint16
	if !s.ReadUint16(&count) {
		return fmt.Errorf("reading count: unexpected end of data")
	}
	offset := -1
	for i := 0; i < int(count); i++ {
		var typ uint8
		if !s.ReadUint8(&typ) {
			return fmt.Errorf("reading frame %d: unexpected end of data", i)
		}
		f := &Frame{}
		delta := 0
		var err error
		switch {
		case typ <= frameSameMax:
			f.Kind, delta = FrameSame, int(typ)
		case typ <= frameSameLocals1Max:
			f.Kind, delta = FrameSameLocals1, int(typ-frameSameLocals1Min)
			f.Stack, err = d.readVTypes(&s, 1)
		case typ < frameSameLocals1Ext:
			return fmt.Errorf("frame %d: reserved frame type %d", i, typ)
		default:
			var u16 uint16
			if !s.ReadUint16(&u16) {
				return fmt.Errorf("reading frame %d: unexpected end of data", i)
			}
			delta = int(u16)
			switch {
			case typ == frameSameLocals1Ext:
				f.Kind = FrameSameLocals1
				f.Stack, err = d.readVTypes(&s, 1)
			case typ < frameSameExt:
				f.Kind, f.Chop = FrameChop, frameSameExt-int(typ)
			case typ == frameSameExt:
				f.Kind = FrameSame
			case typ <= frameAppendMax:
				f.Kind = FrameAppend
				f.Locals, err = d.readVTypes(&s, int(typ)-frameSameExt)
			default:
				f.Kind = FrameFull
				var n uint16
				if !s.ReadUint16(&n) {
					return fmt.Errorf("reading frame %d locals: unexpected end of data", i)
				}
				if f.Locals, err = d.readVTypes(&s, int(n)); err != nil {
					break
				}
				if !s.ReadUint16(&n) {
					return fmt.Errorf("reading frame %d stack: unexpected end of data", i)
				}
				f.Stack, err = d.readVTypes(&s, int(n))
			}
		}
		if err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}

		offset += delta + 1
		if f.At, err = d.labelAt(offset, false); err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
		c.Frames = append(c.Frames, f)
	}
	if !s.Empty() {
		return fmt.Errorf("%d trailing bytes", len(s))
	}
	return nil
}

func (d *decoder) readVTypes(s *cryptobyte.String, n int) ([]VType, error) {
	types := make([]VType, n)
	for i := range types {
		v := &types[i]
		if !s.ReadUint8(&v.Tag) {
			return nil, fmt.Errorf("verification type %d: unexpected end of data", i)
		}
		switch v.Tag {
		case VTop, VInteger, VFloat, VDouble, VLong, VNull, VUninitializedThis:
		case VObject:
			if !s.ReadUint16(&v.Index) {
				return nil, fmt.Errorf("verification type %d: unexpected end of data", i)
			}
			if err := d.poolIndex(v.Index); err != nil {
				return nil, fmt.Errorf("verification type %d: %w", i, err)
			}
		case VUninitialized:
			var off uint16
			if !s.ReadUint16(&off) {
				return nil, fmt.Errorf("verification type %d: unexpected end of data", i)
			}
			l, err := d.labelAt(int(off), false)
			if err != nil {
				return nil, fmt.Errorf("uninitialized verification type %d: %w", i, err)
			}
			v.New = l
		default:
			return nil, fmt.Errorf("unknown verification type tag %d", v.Tag)
		}
	}
	return types, nil
}

// encodeFrames writes a StackMapTable body. Labels must already carry their
// final offsets.
func encodeFrames(c *Code, codeLength int) ([]byte, error) {
	frames := slices.Clone(c.Frames)
	for _, f := range frames {
		if f.At == nil || !c.Instructions.Contains(f.At) {
			return nil, fmt.Errorf("frame anchored at a label outside the method")
		}
		if f.At.offset >= codeLength {
			return nil, fmt.Errorf("frame at offset %d past the last instruction", f.At.offset)
		}
	}
	slices.SortStableFunc(frames, func(a, b *Frame) int {
		return cmp.Compare(a.At.offset, b.At.offset)
	})

	b := cryptobyte.NewBuilder(nil)
	b.AddUint16(uint16(len(frames)))
	prev := -1
	for _, f := range frames {
		off := f.At.offset
		if off == prev {
			return nil, fmt.Errorf("two frames at offset %d", off)
		}
		delta := off - prev - 1
		prev = off

		switch f.Kind {
		case FrameSame:
			if delta <= maxShortFrameDelta {
				b.AddUint8(uint8(delta))
			} else {
				b.AddUint8(frameSameExt)
				b.AddUint16(uint16(delta))
			}
		case FrameSameLocals1:
			if len(f.Stack) != 1 {
				return nil, fmt.Errorf("same_locals_1_stack_item frame at %d has %d stack items", off, len(f.Stack))
			}
			if delta <= maxShortFrameDelta {
				b.AddUint8(uint8(frameSameLocals1Min + delta))
			} else {
				b.AddUint8(frameSameLocals1Ext)
				b.AddUint16(uint16(delta))
			}
			if err := addVTypes(b, c, f.Stack); err != nil {
				return nil, err
			}
		case FrameChop:
			if f.Chop < 1 || f.Chop > maxAppendedOrChopped {
				return nil, fmt.Errorf("chop frame at %d removes %d locals", off, f.Chop)
			}
			b.AddUint8(uint8(frameSameExt - f.Chop))
			b.AddUint16(uint16(delta))
		case FrameAppend:
			if len(f.Locals) < 1 || len(f.Locals) > maxAppendedOrChopped {
				return nil, fmt.Errorf("append frame at %d adds %d locals", off, len(f.Locals))
			}
			b.AddUint8(uint8(frameSameExt + len(f.Locals)))
			b.AddUint16(uint16(delta))
			if err := addVTypes(b, c, f.Locals); err != nil {
				return nil, err
			}
		case FrameFull:
			b.AddUint8(frameFull)
			b.AddUint16(uint16(delta))
			b.AddUint16(uint16(len(f.Locals)))
			if err := addVTypes(b, c, f.Locals); err != nil {
				return nil, err
			}
			b.AddUint16(uint16(len(f.Stack)))
			if err := addVTypes(b, c, f.Stack); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("unknown frame kind %d", f.Kind)
		}
	}
	return b.Bytes()
}

func addVTypes(b *cryptobyte.Builder, c *Code, types []VType) error {
	for _, v := range types {
		b.AddUint8(v.Tag)
		switch v.Tag {
		case VObject:
			b.AddUint16(v.Index)
		case VUninitialized:
			if v.New == nil || !c.Instructions.Contains(v.New) {
				return fmt.Errorf("uninitialized type refers to a label outside the method")
			}
			b.AddUint16(uint16(v.New.offset))
		}
	}
	return nil
}
