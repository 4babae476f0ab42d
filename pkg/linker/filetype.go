package linker

import (
	"bytes"
	"debug/elf"
	"unicode"

	"github.com/ksco/elfld/pkg/utils"
)

type FileType = int8

const (
	FileTypeUnknown FileType = iota
	FileTypeEmpty
	FileTypeObject
	FileTypeDso
	FileTypeAr
	FileTypeThinAr
	FileTypeText
)

// elfType reads e_type in the byte order named by e_ident; the caller has
// checked the magic.
func elfType(contents []byte) elf.Type {
	if len(contents) < 18 {
		return elf.ET_NONE
	}
	if elf.Data(contents[elf.EI_DATA]) == elf.ELFDATA2MSB {
		return elf.Type(uint16(contents[16])<<8 | uint16(contents[17]))
	}
	return elf.Type(uint16(contents[17])<<8 | uint16(contents[16]))
}

func GetFileType(contents []byte) FileType {
	if len(contents) == 0 {
		return FileTypeEmpty
	}

	if CheckMagic(contents) {
		switch elfType(contents) {
		case elf.ET_REL:
			return FileTypeObject
		case elf.ET_DYN:
			return FileTypeDso
		}
		return FileTypeUnknown
	}

	if bytes.HasPrefix(contents, []byte("!<arch>\n")) {
		return FileTypeAr
	}
	if bytes.HasPrefix(contents, []byte("!<thin>\n")) {
		return FileTypeThinAr
	}

	isTextFile := func() bool {
		return len(contents) >= 4 &&
			unicode.IsPrint(rune(contents[0])) &&
			unicode.IsPrint(rune(contents[1])) &&
			unicode.IsPrint(rune(contents[2])) &&
			unicode.IsPrint(rune(contents[3]))
	}

	if isTextFile() {
		return FileTypeText
	}

	return FileTypeUnknown
}

func CheckFileCompatibility(ctx *Context, file *File) {
	mt := GetMachineTypeFromContents(file.Contents)
	if !mt.Compatible(ctx) {
		utils.Fatal(file.Name + ": incompatible file type " + mt.String())
	}
}
