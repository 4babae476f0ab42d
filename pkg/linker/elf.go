package linker

import (
	"bytes"
	"debug/elf"
	"encoding/binary"

	"github.com/ksco/elfld/pkg/utils"
)

const SHF_EXCLUDE uint32 = 0x80000000
const SHT_LLVM_ADDRSIG uint32 = 0x6fff4c03
const SHT_LLVM_SYMPART uint32 = 0x6fff4c05
const SHT_LLVM_PART_EHDR uint32 = 0x6fff4c06
const SHT_LLVM_PART_PHDR uint32 = 0x6fff4c07
const SHT_ARM_EXIDX uint32 = 0x70000001
const SHT_RISCV_ATTRIBUTES uint32 = 0x70000003
const SHT_MIPS_REGINFO uint32 = 0x70000006
const SHT_MIPS_OPTIONS uint32 = 0x7000000d
const SHT_MIPS_ABIFLAGS uint32 = 0x7000002a
const STT_GNU_IFUNC = elf.STT_LOOS

const SHF_X86_64_LARGE uint64 = 0x10000000
const SHF_MIPS_GPREL uint64 = 0x10000000
const SHF_ARM_PURECODE uint64 = 0x20000000

const (
	PT_GNU_PROPERTY      = elf.ProgType(0x6474e553)
	PT_ARM_EXIDX         = elf.ProgType(0x70000001)
	PT_MIPS_REGINFO      = elf.ProgType(0x70000000)
	PT_MIPS_OPTIONS      = elf.ProgType(0x70000002)
	PT_MIPS_ABIFLAGS     = elf.ProgType(0x70000003)
	PT_RISCV_ATTRIBUTES  = elf.ProgType(0x70000003)
	PT_OPENBSD_MUTABLE   = elf.ProgType(0x65a3dbe5)
	PT_OPENBSD_RANDOMIZE = elf.ProgType(0x65a3dbe6)
	PT_OPENBSD_WXNEEDED  = elf.ProgType(0x65a3dbe7)
	PT_OPENBSD_NOBTCFI   = elf.ProgType(0x65a3dbe8)
	PT_OPENBSD_SYSCALLS  = elf.ProgType(0x65a3dbe9)
)

const NT_GNU_BUILD_ID uint32 = 3

// Header fields shared by both ELF classes. Offsets and sizes are always
// tracked as 64-bit values and narrowed at encoding time.
type Shdr struct {
	Name      uint32
	Type      uint32
	Flags     uint64
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	AddrAlign uint64
	EntSize   uint64
}

type Phdr struct {
	Type     uint32
	Flags    uint32
	Offset   uint64
	VAddr    uint64
	PAddr    uint64
	FileSize uint64
	MemSize  uint64
	Align    uint64
}

// Ehdr is class independent; encodeEhdr narrows it for ELF32.
type Ehdr struct {
	Ident     [16]uint8
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	PhOff     uint64
	ShOff     uint64
	Flags     uint32
	EhSize    uint16
	PhEntSize uint16
	PhNum     uint16
	ShEntSize uint16
	ShNum     uint16
	ShStrndx  uint16
}

// Sym is an input symbol table entry. Shndx is the raw st_shndx; use
// InputFile.GetShndx to resolve SHN_XINDEX.
type Sym struct {
	Info  uint8
	Other uint8
	Shndx uint16
	Val   uint64
	Size  uint64
}

func (s *Sym) IsUndef() bool {
	return s.Shndx == uint16(elf.SHN_UNDEF)
}

func (s *Sym) IsCommon() bool {
	return s.Shndx == uint16(elf.SHN_COMMON)
}

func (s *Sym) IsAbs() bool {
	return s.Shndx == uint16(elf.SHN_ABS)
}

func (s *Sym) Type() uint8 {
	return s.Info & 0xf
}

func (s *Sym) Bind() uint8 {
	return s.Info >> 4
}

func (s *Sym) StVisibility() uint8 {
	return s.Other & 0b11
}

type Rela struct {
	Offset uint64
	Type   uint32
	Sym    uint32
	Addend int64
}

func writeString(buf []byte, str string) int64 {
	copy(buf, str)
	buf[len(str)] = 0
	return int64(len(str)) + 1
}

func CheckMagic(contents []byte) bool {
	return bytes.HasPrefix(contents, []byte(elf.ELFMAG))
}

func WriteMagic(contents []byte) {
	copy(contents, elf.ELFMAG)
}

// ELF class dependent record sizes.

func EhdrSize(is64 bool) uint64 {
	if is64 {
		return 64
	}
	return 52
}

func PhdrSize(is64 bool) uint64 {
	if is64 {
		return 56
	}
	return 32
}

func ShdrSize(is64 bool) uint64 {
	if is64 {
		return 64
	}
	return 40
}

func RelaSize(is64, isRela bool) uint64 {
	switch {
	case is64 && isRela:
		return 24
	case is64:
		return 16
	case isRela:
		return 12
	}
	return 8
}

func (ctx *Context) ByteOrder() binary.ByteOrder {
	if ctx.Arg.IsLE {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

func (ctx *Context) WordSize() uint64 {
	if ctx.Arg.Is64 {
		return 8
	}
	return 4
}

func (ctx *Context) writeWord(buf []byte, v uint64) {
	if ctx.Arg.Is64 {
		ctx.ByteOrder().PutUint64(buf, v)
	} else {
		ctx.ByteOrder().PutUint32(buf, uint32(v))
	}
}

func encodeEhdr(ctx *Context, buf []byte, h *Ehdr) {
	if ctx.Arg.Is64 {
		utils.Write[elf.Header64](buf, ctx.ByteOrder(), elf.Header64{
			Ident:     h.Ident,
			Type:      h.Type,
			Machine:   h.Machine,
			Version:   h.Version,
			Entry:     h.Entry,
			Phoff:     h.PhOff,
			Shoff:     h.ShOff,
			Flags:     h.Flags,
			Ehsize:    h.EhSize,
			Phentsize: h.PhEntSize,
			Phnum:     h.PhNum,
			Shentsize: h.ShEntSize,
			Shnum:     h.ShNum,
			Shstrndx:  h.ShStrndx,
		})
		return
	}
	utils.Write[elf.Header32](buf, ctx.ByteOrder(), elf.Header32{
		Ident:     h.Ident,
		Type:      h.Type,
		Machine:   h.Machine,
		Version:   h.Version,
		Entry:     uint32(h.Entry),
		Phoff:     uint32(h.PhOff),
		Shoff:     uint32(h.ShOff),
		Flags:     h.Flags,
		Ehsize:    h.EhSize,
		Phentsize: h.PhEntSize,
		Phnum:     h.PhNum,
		Shentsize: h.ShEntSize,
		Shnum:     h.ShNum,
		Shstrndx:  h.ShStrndx,
	})
}

func encodePhdr(ctx *Context, buf []byte, p *Phdr) {
	if ctx.Arg.Is64 {
		utils.Write[elf.Prog64](buf, ctx.ByteOrder(), elf.Prog64{
			Type:   p.Type,
			Flags:  p.Flags,
			Off:    p.Offset,
			Vaddr:  p.VAddr,
			Paddr:  p.PAddr,
			Filesz: p.FileSize,
			Memsz:  p.MemSize,
			Align:  p.Align,
		})
		return
	}
	utils.Write[elf.Prog32](buf, ctx.ByteOrder(), elf.Prog32{
		Type:   p.Type,
		Off:    uint32(p.Offset),
		Vaddr:  uint32(p.VAddr),
		Paddr:  uint32(p.PAddr),
		Filesz: uint32(p.FileSize),
		Memsz:  uint32(p.MemSize),
		Flags:  p.Flags,
		Align:  uint32(p.Align),
	})
}

func encodeShdr(ctx *Context, buf []byte, s *Shdr) {
	if ctx.Arg.Is64 {
		utils.Write[elf.Section64](buf, ctx.ByteOrder(), elf.Section64{
			Name:      s.Name,
			Type:      s.Type,
			Flags:     s.Flags,
			Addr:      s.Addr,
			Off:       s.Offset,
			Size:      s.Size,
			Link:      s.Link,
			Info:      s.Info,
			Addralign: s.AddrAlign,
			Entsize:   s.EntSize,
		})
		return
	}
	utils.Write[elf.Section32](buf, ctx.ByteOrder(), elf.Section32{
		Name:      s.Name,
		Type:      s.Type,
		Flags:     uint32(s.Flags),
		Addr:      uint32(s.Addr),
		Off:       uint32(s.Offset),
		Size:      uint32(s.Size),
		Link:      s.Link,
		Info:      s.Info,
		Addralign: uint32(s.AddrAlign),
		Entsize:   uint32(s.EntSize),
	})
}

func encodeRela(ctx *Context, buf []byte, r *Rela) {
	order := ctx.ByteOrder()
	if ctx.Arg.Is64 {
		order.PutUint64(buf, r.Offset)
		order.PutUint64(buf[8:], uint64(r.Sym)<<32|uint64(r.Type))
		if ctx.Arg.IsRela {
			order.PutUint64(buf[16:], uint64(r.Addend))
		}
		return
	}
	order.PutUint32(buf, uint32(r.Offset))
	order.PutUint32(buf[4:], r.Sym<<8|(r.Type&0xff))
	if ctx.Arg.IsRela {
		order.PutUint32(buf[8:], uint32(r.Addend))
	}
}
