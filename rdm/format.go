package rdm

import (
	"github.com/airgiants/esp-dmx/errcode"
)

// Parameter data is described by compact format strings. Each symbol moves a
// fixed slice of bytes and reverses their order, so one routine serves both
// wire-to-memory and memory-to-wire; the in-memory form is little-endian
// packed. Symbols are case-insensitive:
//
//	b  1 byte
//	w  16-bit word
//	d  32-bit dword
//	u  UID (6 bytes)
//	v  optional UID; omitted when all-zero and nulls are not requested.
//	   Must be last.
//	a  ASCII, variable length up to 32 bytes. Must be last.
//	#…h  hex literal, written as given; consumes no source bytes
//	$  terminates a single-parameter emplace
//
// A format with no terminal symbol repeats over the remaining source, the
// way list responses such as SUPPORTED_PARAMETERS are built.
const maxASCII = 32

// ValidateFormat checks fmt for unknown symbols and misplaced terminals.
func ValidateFormat(format string) error {
	_, _, err := scanFormat(format)
	return err
}

// FormatSize returns the byte size of one pass of format and whether the
// format is terminal (contains '$', 'a' or 'v' and therefore never repeats).
// Variable-length fields count their maximum.
func FormatSize(format string) (int, bool, error) {
	return scanFormat(format)
}

func scanFormat(format string) (size int, terminal bool, err error) {
	for i := 0; i < len(format); i++ {
		if terminal {
			// only a single trailing '$' may follow a terminal field
			if lower(format[i]) == '$' && i == len(format)-1 {
				return size, true, nil
			}
			return 0, false, errcode.InvalidParams
		}
		switch lower(format[i]) {
		case 'b':
			size++
		case 'w':
			size += 2
		case 'd':
			size += 4
		case 'u':
			size += 6
		case 'v':
			size += 6
			terminal = true
		case 'a':
			size += maxASCII
			terminal = true
		case '$':
			terminal = true
		case '#':
			n, adv, perr := parseHexLiteral(format[i:])
			if perr != nil {
				return 0, false, perr
			}
			size += len(n)
			i += adv - 1
		default:
			return 0, false, errcode.InvalidParams
		}
	}
	return size, terminal, nil
}

// Emplace moves parameter data between representations according to format,
// returning the number of bytes written to dst. Scalar fields are copied
// with their byte order reversed; ASCII fields are copied verbatim.
//
// When emplaceNulls is set, ASCII output is null-terminated and an absent
// optional UID is written as six zero bytes; otherwise ASCII is exactly its
// measured length and the absent UID is omitted.
//
// Writing beyond the 231-byte parameter budget, or beyond dst, fails with
// errcode.CapacityExceeded. Running out of source ends the emplace cleanly.
func Emplace(dst []byte, format string, src []byte, emplaceNulls bool) (int, error) {
	if _, _, err := scanFormat(format); err != nil {
		return 0, err
	}
	limit := len(dst)
	if limit > MaxPDL {
		limit = MaxPDL
	}
	written, read := 0, 0
	for {
		w, r, done, err := emplaceOnce(dst[:limit], written, format, src, read, emplaceNulls)
		if err != nil {
			return written, err
		}
		written, read = w, r
		if done || read >= len(src) {
			return written, nil
		}
	}
}

func emplaceOnce(dst []byte, written int, format string, src []byte, read int, emplaceNulls bool) (int, int, bool, error) {
	for i := 0; i < len(format); i++ {
		switch c := lower(format[i]); c {
		case '$':
			return written, read, true, nil

		case 'b', 'w', 'd', 'u':
			n := scalarSize(c)
			if read+n > len(src) {
				return written, len(src), true, nil // source exhausted
			}
			if written+n > len(dst) {
				return written, read, true, errcode.CapacityExceeded
			}
			reverseCopy(dst[written:], src[read:read+n])
			written += n
			read += n

		case 'v':
			if read+6 > len(src) || (!emplaceNulls && allZero(src[read:read+6])) {
				if !emplaceNulls {
					return written, len(src), true, nil
				}
				if written+6 > len(dst) {
					return written, read, true, errcode.CapacityExceeded
				}
				for j := 0; j < 6; j++ {
					dst[written+j] = 0
				}
				written += 6
				return written, len(src), true, nil
			}
			if written+6 > len(dst) {
				return written, read, true, errcode.CapacityExceeded
			}
			reverseCopy(dst[written:], src[read:read+6])
			written += 6
			read += 6
			return written, read, true, nil

		case 'a':
			n := strnlen(src[read:], maxASCII)
			budget := len(dst) - written
			if emplaceNulls {
				budget-- // reserve the terminator
			}
			if budget < 0 || n > budget {
				return written, read, true, errcode.CapacityExceeded
			}
			copy(dst[written:], src[read:read+n])
			written += n
			read += n
			if emplaceNulls {
				dst[written] = 0
				written++
			}
			return written, len(src), true, nil

		case '#':
			lit, adv, err := parseHexLiteral(format[i:])
			if err != nil {
				return written, read, true, err
			}
			if written+len(lit) > len(dst) {
				return written, read, true, errcode.CapacityExceeded
			}
			copy(dst[written:], lit)
			written += len(lit)
			i += adv - 1

		default:
			return written, read, true, errcode.InvalidParams
		}
	}
	return written, read, false, nil
}

func scalarSize(c byte) int {
	switch c {
	case 'b':
		return 1
	case 'w':
		return 2
	case 'd':
		return 4
	default: // 'u'
		return 6
	}
}

func reverseCopy(dst, src []byte) {
	n := len(src)
	for i := 0; i < n; i++ {
		dst[i] = src[n-1-i]
	}
}

func allZero(p []byte) bool {
	for _, b := range p {
		if b != 0 {
			return false
		}
	}
	return true
}

// strnlen measures p up to the first NUL or max, whichever comes first.
func strnlen(p []byte, max int) int {
	if len(p) < max {
		max = len(p)
	}
	for i := 0; i < max; i++ {
		if p[i] == 0 {
			return i
		}
	}
	return max
}

// parseHexLiteral decodes the "#…h" form starting at format[0] == '#'.
// Returns the literal bytes and how many format characters were consumed.
// An odd digit count gets a leading zero nibble.
func parseHexLiteral(format string) ([]byte, int, error) {
	digits := 0
	for digits+1 < len(format) && hexVal(format[digits+1]) >= 0 {
		digits++
	}
	end := digits + 1
	if digits == 0 || end >= len(format) || lower(format[end]) != 'h' {
		return nil, 0, errcode.InvalidParams
	}
	out := make([]byte, (digits+1)/2)
	o := 0
	if digits%2 == 1 {
		out[0] = byte(hexVal(format[1]))
		o = 1
	}
	for i := digits%2 + 1; i < end; i += 2 {
		out[o] = byte(hexVal(format[i])<<4 | hexVal(format[i+1]))
		o++
	}
	return out, end + 1, nil
}

func hexVal(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10
	default:
		return -1
	}
}

func lower(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c + 'a' - 'A'
	}
	return c
}
