package linker

import (
	"debug/elf"
	"fmt"
)

// MachineType identifies the target of an ELF file from its identification
// bytes and e_machine.
type MachineType struct {
	Machine elf.Machine
	Is64    bool
	IsLE    bool
}

func GetMachineTypeFromContents(contents []byte) MachineType {
	switch GetFileType(contents) {
	case FileTypeObject, FileTypeDso:
	default:
		return MachineType{}
	}

	mt := MachineType{
		Is64: elf.Class(contents[elf.EI_CLASS]) == elf.ELFCLASS64,
		IsLE: elf.Data(contents[elf.EI_DATA]) != elf.ELFDATA2MSB,
	}
	if mt.IsLE {
		mt.Machine = elf.Machine(uint16(contents[19])<<8 | uint16(contents[18]))
	} else {
		mt.Machine = elf.Machine(uint16(contents[18])<<8 | uint16(contents[19]))
	}
	return mt
}

func (mt MachineType) Compatible(ctx *Context) bool {
	return mt.Machine == ctx.Arg.Machine && mt.Is64 == ctx.Arg.Is64 && mt.IsLE == ctx.Arg.IsLE
}

func (mt MachineType) String() string {
	if mt.Machine == elf.EM_NONE {
		return "none"
	}
	bits, endian := 32, "big"
	if mt.Is64 {
		bits = 64
	}
	if mt.IsLE {
		endian = "little"
	}
	return fmt.Sprintf("%s (elf%d, %s-endian)", mt.Machine, bits, endian)
}
