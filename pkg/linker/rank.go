package linker

import (
	"debug/elf"

	"github.com/ksco/elfld/pkg/utils"
)

// Rank bits, most significant first. Each placement criterion owns one
// bit so that the number of leading bits two ranks share measures how
// alike the sections are.
const (
	RF_NOT_ADDR_SET     uint32 = 1 << 27
	RF_NOT_ALLOC        uint32 = 1 << 26
	RF_PARTITION        uint32 = 1 << 18 // 8 bits
	RF_LARGE_EXEC_WRITE uint32 = 1 << 16
	RF_LARGE_ALT        uint32 = 1 << 15
	RF_WRITE            uint32 = 1 << 14
	RF_EXEC_WRITE       uint32 = 1 << 13
	RF_EXEC             uint32 = 1 << 12
	RF_RODATA           uint32 = 1 << 11
	RF_LARGE_EXEC       uint32 = 1 << 10
	RF_LARGE            uint32 = 1 << 9
	RF_NOT_RELRO        uint32 = 1 << 8
	RF_NOT_TLS          uint32 = 1 << 7
	RF_BSS              uint32 = 1 << 6
)

func isLarge(ctx *Context, osec *OutputSection) bool {
	return ctx.Arg.Machine == elf.EM_X86_64 && osec.Shdr.Flags&SHF_X86_64_LARGE != 0
}

// GetSectionRank computes the sort key of an output section from its
// attributes alone. It also classifies the section as RELRO.
func GetSectionRank(ctx *Context, osec *OutputSection) uint32 {
	rank := uint32(osec.Partition) * RF_PARTITION

	// Sections placed with --section-start keep their own relative order
	// and sort before everything else.
	if _, ok := ctx.Arg.SectionStartMap[osec.Name]; ok {
		return rank
	}
	rank |= RF_NOT_ADDR_SET

	if !osec.IsAlloc() {
		return rank | RF_NOT_ALLOC
	}

	flags := osec.Shdr.Flags
	isExec := flags&uint64(elf.SHF_EXECINSTR) != 0
	isWrite := flags&uint64(elf.SHF_WRITE) != 0

	if !isExec && !isWrite {
		// .lrodata goes before .rodata, or after .bss with
		// -z lrodata-after-bss.
		if isLarge(ctx, osec) {
			if ctx.Arg.ZLrodataAfterBss {
				rank |= RF_LARGE_ALT
			}
		} else if !ctx.Arg.ZLrodataAfterBss {
			rank |= RF_LARGE
		}

		switch {
		case osec.Shdr.Type == SHT_LLVM_PART_EHDR:
		case osec.Shdr.Type == SHT_LLVM_PART_PHDR:
			rank |= 1
		case osec.Name == ".interp":
			rank |= 2
		case osec.Shdr.Type == uint32(elf.SHT_NOTE):
			rank |= 3
		case osec.Shdr.Type != uint32(elf.SHT_PROGBITS):
			rank |= 4
		default:
			rank |= RF_RODATA
		}
	} else if isExec {
		if isLarge(ctx, osec) {
			if isWrite {
				rank |= RF_LARGE_EXEC_WRITE
			} else {
				rank |= RF_LARGE_EXEC
			}
		} else if isWrite {
			rank |= RF_EXEC_WRITE
		} else {
			rank |= RF_EXEC
		}
	} else {
		rank |= RF_WRITE
		if flags&uint64(elf.SHF_TLS) == 0 {
			rank |= RF_NOT_TLS
		}
		if IsRelroSection(ctx, osec) {
			osec.Relro = true
		} else {
			rank |= RF_NOT_RELRO
		}
		if isLarge(ctx, osec) {
			if ctx.Arg.ZLrodataAfterBss {
				if osec.IsNoBits() {
					rank |= 1
				} else {
					rank |= RF_LARGE_ALT
				}
			} else {
				rank |= RF_LARGE
			}
		}
	}

	if osec.IsNoBits() {
		rank |= RF_BSS
	}

	switch ctx.Arg.Machine {
	case elf.EM_PPC64:
		// .got is addressed relative to .TOC., and .toc follows it so both
		// stay reachable from the TOC pointer.
		if osec.Name == ".got" {
			rank |= 1
		} else if osec.Name == ".toc" {
			rank |= 2
		}
	case elf.EM_MIPS:
		if osec.Name != ".got" {
			rank |= 1
		}
		if flags&SHF_MIPS_GPREL != 0 {
			rank |= 2
		}
	case elf.EM_RISCV:
		// .sdata and .sbss sit next to each other, reachable from the
		// global pointer.
		if osec.Name == ".sdata" || (osec.IsNoBits() && osec.Name != ".sbss") {
			rank |= 1
		}
	}

	return rank
}

// RankProximity is the number of leading rank bits two sections share.
func RankProximity(a, b uint32) int {
	return utils.CountlZero(a ^ b)
}

// IsRelroSection reports whether osec is made read-only after relocation.
func IsRelroSection(ctx *Context, osec *OutputSection) bool {
	if !ctx.Arg.ZRelro {
		return false
	}
	if osec.Relro {
		return true
	}

	flags := osec.Shdr.Flags
	if flags&uint64(elf.SHF_ALLOC) == 0 || flags&uint64(elf.SHF_WRITE) == 0 {
		return false
	}

	if flags&uint64(elf.SHF_TLS) != 0 {
		return true
	}

	switch elf.SectionType(osec.Shdr.Type) {
	case elf.SHT_INIT_ARRAY, elf.SHT_FINI_ARRAY, elf.SHT_PREINIT_ARRAY:
		return true
	}

	if ctx.In.Got != nil && osec == ctx.In.Got.GetParent() {
		return true
	}

	if osec.Name == ".toc" {
		return true
	}

	// .got.plt holds lazily bound PLT slots; it is only read-only when
	// binding happens eagerly.
	if osec.Name == ".got.plt" {
		return ctx.Arg.ZNow
	}

	if ctx.In.Dynamic != nil && osec == ctx.In.Dynamic.GetParent() {
		return true
	}

	name := osec.Name
	if name == ".data.rel.ro" {
		return true
	}
	if ctx.Arg.ZKeepDataSectionPrefix &&
		(name == ".data.rel.ro.hot" || name == ".data.rel.ro.unlikely") {
		return true
	}

	switch name {
	case ".bss.rel.ro", ".ctors", ".dtors", ".jcr", ".eh_frame",
		".fini_array", ".init_array", ".preinit_array":
		return true
	}

	return ctx.Arg.OSABI == elf.ELFOSABI_OPENBSD && name == ".openbsd.randomdata"
}
