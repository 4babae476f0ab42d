package utils

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/bits"
	"os"
	"runtime/debug"
	"strings"
)

type Uint interface {
	uint8 | uint16 | uint32 | uint64
}

func CountlZero[T Uint](n T) int {
	switch any(n).(type) {
	case uint8:
		return bits.LeadingZeros8(uint8(n))
	case uint16:
		return bits.LeadingZeros16(uint16(n))
	case uint32:
		return bits.LeadingZeros32(uint32(n))
	case uint64:
		return bits.LeadingZeros64(uint64(n))
	}

	Fatal("unreachable")
	return 0
}

func HasSingleBit(n uint64) bool {
	return n != 0 && n&(n-1) == 0
}

func BitCeil(val uint64) uint64 {
	if val <= 1 || HasSingleBit(val) {
		return val
	}
	return 1 << (64 - CountlZero(val))
}

func MustNo(err error) {
	if err != nil {
		Fatal(err)
	}
}

func Fatal(v any) {
	fmt.Fprintln(os.Stderr, "elfld: "+"\033[0;1;31mfatal:\033[0m", fmt.Sprintf("%s", v))
	debug.PrintStack()
	os.Exit(1)
}

func Assert(condition bool) {
	if !condition {
		Fatal("Assert failed")
	}
}

func AlignTo(val, align uint64) uint64 {
	if align == 0 {
		return val
	}
	return (val + align - 1) & ^(align - 1)
}

func AlignDown(val, align uint64) uint64 {
	if align == 0 {
		return val
	}
	return val & ^(align - 1)
}

// AlignToSkew returns the smallest value >= val that is congruent to skew
// modulo align.
func AlignToSkew(val, align, skew uint64) uint64 {
	if align == 0 {
		return val
	}
	skew %= align
	return (val+align-1-skew)/align*align + skew
}

func Read[T any](data []byte) (val T) {
	reader := bytes.NewReader(data)
	err := binary.Read(reader, binary.LittleEndian, &val)
	MustNo(err)
	return
}

func Write[T any](data []byte, order binary.ByteOrder, e T) {
	buf := &bytes.Buffer{}
	err := binary.Write(buf, order, e)
	MustNo(err)
	copy(data, buf.Bytes())
}

func RemoveIf[T any](elems []T, condition func(T) bool) []T {
	i := 0

	for _, elem := range elems {
		if condition(elem) {
			continue
		}
		elems[i] = elem
		i++
	}
	return elems[:i]
}

func RemovePrefix(s, prefix string) (string, bool) {
	if strings.HasPrefix(s, prefix) {
		s = strings.TrimPrefix(s, prefix)
		return s, true
	}
	return s, false
}

// IsValidCIdentifier reports whether s can be spelled as a C identifier.
func IsValidCIdentifier(s string) bool {
	if s == "" {
		return false
	}
	isAlpha := func(c byte) bool {
		return c == '_' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
	}
	if !isAlpha(s[0]) {
		return false
	}
	for i := 1; i < len(s); i++ {
		if !isAlpha(s[i]) && !('0' <= s[i] && s[i] <= '9') {
			return false
		}
	}
	return true
}

func RangeToString(addr, size uint64) string {
	if size == 0 {
		return fmt.Sprintf("<empty range at 0x%x>", addr)
	}
	return fmt.Sprintf("[0x%x, 0x%x]", addr, addr+size-1)
}
