package linker

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/ksco/elfld/pkg/utils"
)

type ArHdr struct {
	Name [16]byte
	Date [12]byte
	Uid  [6]byte
	Gid  [6]byte
	Mode [8]byte
	Size [10]byte
	Fmag [2]byte
}

func (a *ArHdr) StartsWith(s string) bool {
	return strings.HasPrefix(string(a.Name[:]), s)
}

func (a *ArHdr) IsStrtab() bool {
	return a.StartsWith("// ")
}

func (a *ArHdr) IsSymtab() bool {
	return a.StartsWith("/ ") || a.StartsWith("/SYM64/ ")
}

// ReadName returns the member name and the number of bytes it occupies at
// the start of body. Only BSD-style names live in the body.
func (a *ArHdr) ReadName(strTab []byte, body []byte) (string, int) {
	// BSD-style long filename
	if a.StartsWith("#1/") {
		nameLen, err := strconv.Atoi(strings.TrimSpace(string(a.Name[3:])))
		utils.MustNo(err)
		name := body[:nameLen]
		if end := bytes.IndexByte(name, 0); end != -1 {
			name = name[:end]
		}
		return string(name), nameLen
	}

	// SysV-style long filename
	if a.StartsWith("/") {
		start, err := strconv.Atoi(strings.TrimSpace(string(a.Name[1:])))
		utils.MustNo(err)
		end := start + bytes.Index(strTab[start:], []byte("/\n"))
		return string(strTab[start:end]), 0
	}

	if end := bytes.IndexByte(a.Name[:], '/'); end != -1 {
		return string(a.Name[:end]), 0
	}
	return strings.TrimRight(string(a.Name[:]), " "), 0
}

func (a *ArHdr) GetSize() int {
	sz, err := strconv.Atoi(strings.TrimSpace(string(a.Size[:])))
	utils.MustNo(err)
	return sz
}
