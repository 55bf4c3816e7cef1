package field

import "fmt"

// EncodeComposite concatenates the order-preserving encoding of each field
// into one byte string whose lexicographic order matches the tuple's
// natural (field-by-field) order — not just a self-delimiting concatenation.
//
// A plain length-prefixed concatenation would make components
// self-delimiting but would NOT preserve order across two composite keys
// whose leading variable-length component (a String/Text/Binary value)
// differs in length: differing length prefixes compare before the
// differing content itself. Instead, each component is escaped (every 0x00
// byte becomes 0x00 0xFF) and terminated with the sentinel 0x00 0x01, the
// ascending ordered-encoding scheme used by memcmp-comparable key encoders:
// the terminator sorts below the escape continuation byte, so a component
// that is a strict prefix of another always sorts first, and two
// equal-prefix components then compare by their next differing byte exactly
// as the unescaped values would.
func EncodeComposite(fields ...Field) ([]byte, error) {
	var out []byte
	for i, f := range fields {
		enc, err := Encode(f)
		if err != nil {
			return nil, fmt.Errorf("field: encode composite component %d: %w", i, err)
		}
		out = appendEscaped(out, enc)
	}
	return out, nil
}

func appendEscaped(dst, src []byte) []byte {
	for _, b := range src {
		if b == 0x00 {
			dst = append(dst, 0x00, 0xFF)
		} else {
			dst = append(dst, b)
		}
	}
	return append(dst, 0x00, 0x01)
}

// DecodeCompositeComponents splits a composite key back into its raw,
// still order-encoded (but unescaped) component byte strings, in order.
// Decoding a component to a Field requires knowing its Kind (and, for
// Decimal, its scale), which the composite encoding does not carry;
// callers resolve that from the owning IndexDefinition / Schema.
func DecodeCompositeComponents(b []byte) ([][]byte, error) {
	var out [][]byte
	for len(b) > 0 {
		comp, rest, err := readEscapedComponent(b)
		if err != nil {
			return nil, err
		}
		out = append(out, comp)
		b = rest
	}
	return out, nil
}

func readEscapedComponent(b []byte) (component, rest []byte, err error) {
	var out []byte
	for {
		idx := indexByte(b, 0x00)
		if idx < 0 {
			return nil, nil, fmt.Errorf("field: decode composite: unterminated component")
		}
		if idx+1 >= len(b) {
			return nil, nil, fmt.Errorf("field: decode composite: truncated escape sequence")
		}
		switch b[idx+1] {
		case 0xFF: // escaped literal zero byte
			out = append(out, b[:idx]...)
			out = append(out, 0x00)
			b = b[idx+2:]
		case 0x01: // terminator
			out = append(out, b[:idx]...)
			return out, b[idx+2:], nil
		default:
			return nil, nil, fmt.Errorf("field: decode composite: invalid escape byte 0x%02x", b[idx+1])
		}
	}
}

func indexByte(b []byte, target byte) int {
	for i, c := range b {
		if c == target {
			return i
		}
	}
	return -1
}
