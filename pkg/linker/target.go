package linker

import (
	"debug/elf"
	"fmt"

	"github.com/ksco/elfld/pkg/utils"
)

// Target is the machine-specific strategy consulted during layout. It
// classifies relocations for the address loop and implements range
// extension thunks, relaxation and jump deletion where the ISA needs them.
type Target interface {
	Machine() elf.Machine
	DefaultImageBase() uint64
	DefaultMaxPageSize() uint64
	TrapInstr() [4]byte
	ClassifyReloc(typ uint32) RelocKind
	RelativeRel() uint32
	IRelativeRel() uint32

	NeedsThunks() bool
	ThunkSectionSpacing() uint64
	InBranchRange(typ uint32, src, dst uint64) bool
	ThunkSize() uint64
	WriteThunk(ctx *Context, buf []byte, dst uint64)

	RelaxOnce(ctx *Context, pass int) bool
	FinalizeRelax(ctx *Context, passes int)
	DeleteFallThruJmpInsn(ctx *Context, isec, next *InputSection) bool
}

type baseTarget struct {
	machine      elf.Machine
	imageBase    uint64
	pageSize     uint64
	trap         [4]byte
	relativeRel  uint32
	iRelativeRel uint32
	kinds        map[uint32]RelocKind
}

func (t *baseTarget) Machine() elf.Machine        { return t.machine }
func (t *baseTarget) DefaultImageBase() uint64    { return t.imageBase }
func (t *baseTarget) DefaultMaxPageSize() uint64  { return t.pageSize }
func (t *baseTarget) TrapInstr() [4]byte          { return t.trap }
func (t *baseTarget) RelativeRel() uint32         { return t.relativeRel }
func (t *baseTarget) IRelativeRel() uint32        { return t.iRelativeRel }
func (t *baseTarget) NeedsThunks() bool           { return false }
func (t *baseTarget) ThunkSectionSpacing() uint64 { return 0 }
func (t *baseTarget) ThunkSize() uint64           { return 0 }

func (t *baseTarget) ClassifyReloc(typ uint32) RelocKind {
	return t.kinds[typ]
}

func (t *baseTarget) InBranchRange(typ uint32, src, dst uint64) bool {
	return true
}

func (t *baseTarget) WriteThunk(ctx *Context, buf []byte, dst uint64) {}

func (t *baseTarget) RelaxOnce(ctx *Context, pass int) bool {
	return false
}

func (t *baseTarget) FinalizeRelax(ctx *Context, passes int) {}

func (t *baseTarget) DeleteFallThruJmpInsn(ctx *Context, isec, next *InputSection) bool {
	return false
}

func NewTarget(machine elf.Machine) Target {
	switch machine {
	case elf.EM_X86_64:
		return newX86_64()
	case elf.EM_386:
		return &baseTarget{
			machine:      machine,
			imageBase:    0x400000,
			pageSize:     4096,
			trap:         [4]byte{0xcc, 0xcc, 0xcc, 0xcc},
			relativeRel:  uint32(elf.R_386_RELATIVE),
			iRelativeRel: uint32(elf.R_386_IRELATIVE),
			kinds: map[uint32]RelocKind{
				uint32(elf.R_386_32):     RelocAbs,
				uint32(elf.R_386_PC32):   RelocPC,
				uint32(elf.R_386_PLT32):  RelocBranch,
				uint32(elf.R_386_GOT32):  RelocGot,
				uint32(elf.R_386_GOT32X): RelocGot,
			},
		}
	case elf.EM_AARCH64:
		return newAArch64()
	case elf.EM_ARM:
		return newARM()
	case elf.EM_RISCV:
		return newRISCV()
	case elf.EM_PPC64:
		return &baseTarget{
			machine:      machine,
			imageBase:    0x10000000,
			pageSize:     65536,
			trap:         [4]byte{0x08, 0x00, 0xe0, 0x7f},
			relativeRel:  uint32(elf.R_PPC64_RELATIVE),
			iRelativeRel: uint32(elf.R_PPC64_IRELATIVE),
			kinds: map[uint32]RelocKind{
				uint32(elf.R_PPC64_ADDR64):   RelocAbs,
				uint32(elf.R_PPC64_REL24):    RelocBranch,
				uint32(elf.R_PPC64_REL32):    RelocPC,
				uint32(elf.R_PPC64_GOT16):    RelocGot,
				uint32(elf.R_PPC64_GOT16_HA): RelocGot,
			},
		}
	case elf.EM_PPC:
		return &baseTarget{
			machine:     machine,
			imageBase:   0x10000000,
			pageSize:    65536,
			trap:        [4]byte{0x7f, 0xe0, 0x00, 0x08},
			relativeRel: uint32(elf.R_PPC_RELATIVE),
			kinds: map[uint32]RelocKind{
				uint32(elf.R_PPC_ADDR32): RelocAbs,
				uint32(elf.R_PPC_REL24):  RelocBranch,
				uint32(elf.R_PPC_REL32):  RelocPC,
				uint32(elf.R_PPC_GOT16):  RelocGot,
			},
		}
	case elf.EM_MIPS:
		return &baseTarget{
			machine:     machine,
			imageBase:   0x400000,
			pageSize:    65536,
			trap:        [4]byte{0xef, 0xef, 0xef, 0xef},
			relativeRel: uint32(elf.R_MIPS_REL32),
			kinds: map[uint32]RelocKind{
				uint32(elf.R_MIPS_32):    RelocAbs,
				uint32(elf.R_MIPS_26):    RelocBranch,
				uint32(elf.R_MIPS_PC16):  RelocPC,
				uint32(elf.R_MIPS_GOT16): RelocGot,
			},
		}
	}
	utils.Fatal(fmt.Sprintf("unsupported machine: %s", machine))
	return nil
}
