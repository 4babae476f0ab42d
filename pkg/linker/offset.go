package linker

import (
	"debug/elf"

	"github.com/ksco/elfld/pkg/utils"
)

// computeFileOffset returns the offset of os given that the previous
// section ended at off. The first section of a PT_LOAD is placed so its
// offset and address agree modulo the segment alignment; later ones keep
// their distance from it.
func computeFileOffset(ctx *Context, os *OutputSection, off uint64) uint64 {
	load := ctx.Phdr(os.PtLoad)
	if load != nil && load.FirstSec == os {
		return utils.AlignToSkew(off, load.Align, os.Shdr.Addr)
	}

	// NOBITS sections keep offsets monotonic without taking file space,
	// except where a TLS segment starts.
	if os.IsNoBits() && (ctx.TlsPhdr == nil || ctx.TlsPhdr.FirstSec != os) {
		return off
	}

	if load == nil {
		return utils.AlignTo(off, os.Shdr.AddrAlign)
	}

	first := load.FirstSec
	return first.Shdr.Offset + os.Shdr.Addr - first.Shdr.Addr
}

// AssignFileOffsets gives every output section a file offset and sizes
// the file. Allocated sections come first so non-alloc ones never affect
// segment layout.
func AssignFileOffsets(ctx *Context) {
	ctx.ElfHeader.Shdr.Offset = 0
	ctx.ProgramHeaders.Shdr.Offset = ctx.ElfHeader.Shdr.Size
	off := ctx.ElfHeader.Shdr.Size + ctx.ProgramHeaders.Shdr.Size

	var lastRX *PhdrEntry
	for _, part := range ctx.Partitions {
		for _, p := range part.Phdrs {
			if p.Type == uint32(elf.PT_LOAD) && p.Flags&uint32(elf.PF_X) != 0 {
				lastRX = p
			}
		}
	}

	for _, osec := range ctx.OutputSections {
		if !osec.IsAlloc() {
			continue
		}
		off = computeFileOffset(ctx, osec, off)
		osec.Shdr.Offset = off
		if !osec.IsNoBits() {
			off += osec.Shdr.Size
		}

		// Nothing after the last executable segment shares its last page.
		if ctx.Arg.ZSeparate != SeparateNone && lastRX != nil && lastRX.LastSec == osec {
			off = utils.AlignTo(off, ctx.Arg.MaxPageSize)
		}
	}

	for _, osec := range ctx.OutputSections {
		if osec.IsAlloc() {
			continue
		}
		osec.Shdr.Offset = utils.AlignTo(off, osec.Shdr.AddrAlign)
		off = osec.Shdr.Offset + osec.Shdr.Size
	}

	ctx.SectionHeaderOff = utils.AlignTo(off, ctx.WordSize())
	ctx.FileSize = ctx.SectionHeaderOff + uint64(len(ctx.OutputSections)+1)*ShdrSize(ctx.Arg.Is64)

	// A script that moves the location counter backwards can push a
	// section past the end of the file.
	for _, osec := range ctx.OutputSections {
		if osec.IsNoBits() {
			continue
		}
		if osec.Shdr.Offset > ctx.FileSize || osec.Shdr.Offset+osec.Shdr.Size > ctx.FileSize {
			ctx.Diag.Error(ErrLayout, "unable to place section %s at file offset %s; check your linker script for overflows",
				osec.Name, utils.RangeToString(osec.Shdr.Offset, osec.Shdr.Size))
		}
	}
}

// SetPhdrs fills in the extents of part's segments from the sections they
// cover.
func SetPhdrs(ctx *Context, part *Partition) {
	for _, p := range part.Phdrs {
		first, last := p.FirstSec, p.LastSec
		if first == nil {
			continue
		}

		p.FileSize = last.Shdr.Offset - first.Shdr.Offset
		if !last.IsNoBits() {
			p.FileSize += last.Shdr.Size
		}
		p.MemSize = last.Shdr.Addr + last.Shdr.Size - first.Shdr.Addr
		p.Offset = first.Shdr.Offset
		p.VAddr = first.Shdr.Addr

		// Offsets inside a non-main partition are relative to its own
		// ELF header.
		if part.ElfHeader != nil {
			if osec := part.ElfHeader.GetParent(); osec != nil {
				p.Offset -= osec.Shdr.Offset
			}
		}
		if !p.HasLMA {
			p.PAddr = first.GetLMA()
		}
	}
}
