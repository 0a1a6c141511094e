package dnswire

import (
	"fmt"
	"strings"
)

const (
	maxNameLen    = 255
	maxLabelLen   = 63
	maxPointerOff = 0x3FFF
)

// readName decodes the possibly compressed name starting at off. It returns
// the name in presentation form and the offset just past the name at its
// original position.
//
// Every pointer must target an offset strictly before the start of the label
// run that holds it, so each jump moves backwards and decoding terminates.
func readName(msg []byte, off int) (string, int, error) {
	var (
		buf     []byte
		wireLen int
		end     = -1
		limit   = off
		ptr     = off
		visited map[int]struct{}
	)

	for {
		if ptr >= len(msg) {
			return "", 0, fmt.Errorf("%w: name at offset %d overruns message", ErrMalformed, off)
		}

		c := int(msg[ptr])
		switch c & 0xC0 {
		case 0x00:
			if c == 0 {
				if end < 0 {
					end = ptr + 1
				}
				if len(buf) == 0 {
					return ".", end, nil
				}
				return string(buf), end, nil
			}
			if ptr+1+c > len(msg) {
				return "", 0, fmt.Errorf("%w: label at offset %d overruns message", ErrMalformed, ptr)
			}
			wireLen += c + 1
			if wireLen+1 > maxNameLen {
				return "", 0, fmt.Errorf("%w: name at offset %d exceeds %d bytes", ErrMalformed, off, maxNameLen)
			}
			buf = appendLabel(buf, msg[ptr+1:ptr+1+c])
			buf = append(buf, '.')
			ptr += 1 + c

		case 0xC0:
			if ptr+1 >= len(msg) {
				return "", 0, fmt.Errorf("%w: truncated pointer at offset %d", ErrMalformed, ptr)
			}
			target := (c&0x3F)<<8 | int(msg[ptr+1])
			if target >= limit {
				return "", 0, fmt.Errorf("%w: pointer at offset %d does not point backwards", ErrMalformed, ptr)
			}
			if visited == nil {
				visited = make(map[int]struct{}, 4)
			}
			if _, seen := visited[target]; seen {
				return "", 0, fmt.Errorf("%w: pointer loop at offset %d", ErrMalformed, ptr)
			}
			visited[target] = struct{}{}
			if end < 0 {
				end = ptr + 2
			}
			limit = target
			ptr = target

		default:
			return "", 0, fmt.Errorf("%w: unsupported label type %#x at offset %d", ErrMalformed, c&0xC0, ptr)
		}
	}
}

// appendLabel writes label in presentation form, escaping dots, backslashes
// and non printable bytes.
func appendLabel(buf, label []byte) []byte {
	for _, b := range label {
		switch {
		case b == '.' || b == '\\':
			buf = append(buf, '\\', b)
		case b < '!' || b > '~':
			buf = append(buf, '\\', '0'+b/100, '0'+b/10%10, '0'+b%10)
		default:
			buf = append(buf, b)
		}
	}
	return buf
}

// SplitLabels parses a presentation form name into wire labels, leftmost
// first. The root name ("." or "") has no labels.
func SplitLabels(name string) ([][]byte, error) {
	if name == "" || name == "." {
		return nil, nil
	}

	var (
		labels  [][]byte
		label   []byte
		wireLen = 1
	)

	closeLabel := func() error {
		if len(label) == 0 {
			return fmt.Errorf("%w: empty label in %q", ErrInvalidName, name)
		}
		if len(label) > maxLabelLen {
			return fmt.Errorf("%w: label longer than %d bytes in %q", ErrInvalidName, maxLabelLen, name)
		}
		wireLen += len(label) + 1
		if wireLen > maxNameLen {
			return fmt.Errorf("%w: %q exceeds %d bytes", ErrInvalidName, name, maxNameLen)
		}
		labels = append(labels, label)
		label = nil
		return nil
	}

	for i := 0; i < len(name); i++ {
		c := name[i]
		switch c {
		case '.':
			if err := closeLabel(); err != nil {
				return nil, err
			}
		case '\\':
			if i+1 >= len(name) {
				return nil, fmt.Errorf("%w: trailing backslash in %q", ErrInvalidName, name)
			}
			if isDigit(name[i+1]) {
				if i+3 >= len(name) || !isDigit(name[i+2]) || !isDigit(name[i+3]) {
					return nil, fmt.Errorf("%w: bad escape in %q", ErrInvalidName, name)
				}
				v := int(name[i+1]-'0')*100 + int(name[i+2]-'0')*10 + int(name[i+3]-'0')
				if v > 255 {
					return nil, fmt.Errorf("%w: bad escape in %q", ErrInvalidName, name)
				}
				label = append(label, byte(v))
				i += 3
				continue
			}
			label = append(label, name[i+1])
			i++
		default:
			label = append(label, c)
		}
	}

	if len(label) > 0 {
		if err := closeLabel(); err != nil {
			return nil, err
		}
	}

	return labels, nil
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// CanonicalName returns name lowercased (ASCII only) and fully qualified.
func CanonicalName(name string) string {
	if name == "" || name == "." {
		return "."
	}
	name = strings.ToLower(name)
	if !IsFqdn(name) {
		name += "."
	}
	return name
}

// IsFqdn reports whether name ends in an unescaped dot.
func IsFqdn(name string) bool {
	if !strings.HasSuffix(name, ".") {
		return false
	}
	n := 0
	for i := len(name) - 2; i >= 0 && name[i] == '\\'; i-- {
		n++
	}
	return n%2 == 0
}

// ValidName reports whether name parses as a presentation form domain name.
func ValidName(name string) bool {
	_, err := SplitLabels(name)
	return err == nil
}
