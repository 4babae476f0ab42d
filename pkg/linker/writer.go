package linker

import (
	"debug/elf"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/ksco/elfld/pkg/utils"
	"golang.org/x/sync/errgroup"
)

const EF_RISCV_RVC uint32 = 1

// Run lays out the output sections and segments and writes the image to
// ctx.Arg.Output. The returned error joins every error diagnostic.
func Run(ctx *Context) error {
	finalizeSections(ctx)
	checkExecuteOnly(ctx)

	if ctx.Script.HasSectionsCommand {
		ctx.Script.AllocateHeaders(ctx.MainPart())
	}

	// Only now are section sizes final, so empty segments can be spotted.
	for _, part := range ctx.Partitions {
		RemoveEmptyPTLoad(ctx, part)
	}

	AssignFileOffsets(ctx)
	for _, part := range ctx.Partitions {
		SetPhdrs(ctx, part)
	}

	if ctx.Arg.PrintMap {
		WriteMap(ctx, os.Stdout)
	}

	if ctx.Arg.CheckSections {
		checkSections(ctx)
	}

	if ctx.Diag.ErrCount() > 0 {
		return ctx.Diag.Err()
	}

	out := openFile(ctx)
	if ctx.Diag.ErrCount() > 0 {
		return ctx.Diag.Err()
	}
	ctx.Buf = out.Buf

	if ctx.Arg.ZSeparate != SeparateNone {
		writeTrapInstr(ctx)
	}
	writeHeader(ctx)
	writeSections(ctx)

	// The digest covers every other byte of the file.
	writeBuildId(ctx)
	if ctx.Diag.ErrCount() > 0 {
		out.Discard()
		return ctx.Diag.Err()
	}

	if err := out.Commit(); err != nil {
		ctx.Diag.Error(ErrOutput, "failed to write output '%s': %v", ctx.Arg.Output, err)
	}
	return ctx.Diag.Err()
}

func finalizeSections(ctx *Context) {
	s := ctx.Script

	ctx.PreinitArray = s.findOutputSectionByName(".preinit_array")
	ctx.InitArray = s.findOutputSectionByName(".init_array")
	ctx.FiniArray = s.findOutputSectionByName(".fini_array")

	addStartEndSymbols(ctx)
	for _, osec := range s.OutputSections() {
		addStartStopSymbols(ctx, osec)
	}
	addTargetSymbols(ctx)
	addRelIpltSymbols(ctx)

	s.DeclareSymbols()
	ScanRelocations(ctx)
	ReportUndefinedSymbols(ctx)

	removeUnusedSyntheticSections(ctx)
	SortSections(ctx)

	ctx.OutputSections = ctx.OutputSections[:0]
	for _, osec := range s.OutputSections() {
		ctx.OutputSections = append(ctx.OutputSections, osec)
		osec.SectionIndex = uint32(len(ctx.OutputSections))
		if ctx.In.ShStrtab != nil {
			osec.Shdr.Name = ctx.In.ShStrtab.Add(osec.Name)
		}
	}

	for _, osec := range ctx.OutputSections {
		if addr, ok := ctx.Arg.SectionStartMap[osec.Name]; ok {
			osec.AddrExpr = ConstExpr(addr)
		}
	}

	CreateAllPhdrs(ctx)
	SetReservedSymbolSections(ctx)

	if ctx.In.ShStrtab != nil {
		finalizeSynthetic(ctx, ctx.In.ShStrtab, ctx.In.ShStrtab.Isec)
	}
	if ctx.In.Got != nil {
		finalizeSynthetic(ctx, ctx.In.Got, ctx.In.Got.Isec)
	}
	if ctx.In.RelaIplt != nil {
		finalizeSynthetic(ctx, ctx.In.RelaIplt, ctx.In.RelaIplt.Isec)
	}
	for _, part := range ctx.Partitions {
		if part.ProgramHeaders != nil {
			finalizeSynthetic(ctx, part.ProgramHeaders, part.ProgramHeaders.Isec)
		}
	}
	if ctx.In.RelaDyn != nil {
		finalizeSynthetic(ctx, ctx.In.RelaDyn, ctx.In.RelaDyn.Isec)
	}
	if ctx.In.Dynamic != nil {
		finalizeSynthetic(ctx, ctx.In.Dynamic, ctx.In.Dynamic.Isec)
	}

	if !s.HasSectionsCommand {
		fixSectionAlignments(ctx)
	}

	FinalizeAddressDependentContent(ctx)
	fixMipsGpAliases(ctx)
	s.ReportRecordedErrors()
	s.CheckMemoryRegions()
	if ctx.Diag.ErrCount() > 0 {
		return
	}

	if ctx.Arg.OptimizeBBJumps {
		OptimizeBasicBlockJumps(ctx)
	}

	for _, osec := range ctx.OutputSections {
		finalizeOutputSection(osec)
	}
}

// finalizeOutputSection fills in header fields that refer to other
// sections by index.
func finalizeOutputSection(osec *OutputSection) {
	if osec.Shdr.Flags&uint64(elf.SHF_LINK_ORDER) == 0 {
		return
	}
	for _, isec := range osec.InputSections() {
		if dep := isec.LinkOrderDep; dep != nil && dep.Parent != nil {
			osec.Shdr.Link = dep.Parent.SectionIndex
			return
		}
	}
}

func getELFType(ctx *Context) elf.Type {
	if ctx.Arg.IsPic {
		return elf.ET_DYN
	}
	return elf.ET_EXEC
}

// getEFlags merges the e_flags of the inputs. Only RISC-V has flags that
// differ between objects and still combine; RVC is set if any object
// uses compressed instructions.
func getEFlags(ctx *Context) uint32 {
	if len(ctx.Objs) == 0 {
		return 0
	}

	ret := ctx.Objs[0].Flags()
	if ctx.Arg.Machine != elf.EM_RISCV {
		return ret
	}
	for _, obj := range ctx.Objs[1:] {
		ret |= obj.Flags() & EF_RISCV_RVC
	}
	return ret
}

// getEntryAddr resolves the entry point: the entry symbol if defined,
// else the option value read as a number, else 0 with a warning.
func getEntryAddr(ctx *Context) uint64 {
	if sym := ctx.FindSymbol(ctx.Arg.Entry); sym != nil && sym.IsDefined() {
		return sym.GetAddr(ctx)
	}

	if addr, err := strconv.ParseUint(ctx.Arg.Entry, 0, 64); err == nil {
		return addr
	}

	if !ctx.Arg.IsPic {
		ctx.Diag.Warn("cannot find entry symbol %s; not setting start address", ctx.Arg.Entry)
	}
	return 0
}

func newEhdr(ctx *Context, typ elf.Type) Ehdr {
	ehdr := Ehdr{}
	WriteMagic(ehdr.Ident[:])
	ehdr.Ident[elf.EI_CLASS] = uint8(elf.ELFCLASS32)
	if ctx.Arg.Is64 {
		ehdr.Ident[elf.EI_CLASS] = uint8(elf.ELFCLASS64)
	}
	ehdr.Ident[elf.EI_DATA] = uint8(elf.ELFDATA2MSB)
	if ctx.Arg.IsLE {
		ehdr.Ident[elf.EI_DATA] = uint8(elf.ELFDATA2LSB)
	}
	ehdr.Ident[elf.EI_VERSION] = uint8(elf.EV_CURRENT)
	ehdr.Ident[elf.EI_OSABI] = uint8(ctx.Arg.OSABI)
	ehdr.Type = uint16(typ)
	ehdr.Machine = uint16(ctx.Arg.Machine)
	ehdr.Version = uint32(elf.EV_CURRENT)
	ehdr.Flags = getEFlags(ctx)
	ehdr.EhSize = uint16(EhdrSize(ctx.Arg.Is64))
	ehdr.PhEntSize = uint16(PhdrSize(ctx.Arg.Is64))
	ehdr.ShEntSize = uint16(ShdrSize(ctx.Arg.Is64))
	return ehdr
}

// writeHeader writes the ELF header, the program headers of the main
// partition and the section header table. Counts that do not fit in the
// ELF header escape into the null section header.
func writeHeader(ctx *Context) {
	buf := ctx.Buf

	ehdr := newEhdr(ctx, getELFType(ctx))
	ehdr.Entry = getEntryAddr(ctx)
	ehdr.PhOff = ctx.ProgramHeaders.Shdr.Offset
	ehdr.PhNum = uint16(len(ctx.MainPart().Phdrs))
	ehdr.ShOff = ctx.SectionHeaderOff

	writePhdrs(ctx, buf[ctx.ProgramHeaders.Shdr.Offset:], ctx.MainPart().Phdrs)

	null := Shdr{}
	num := uint64(len(ctx.OutputSections) + 1)
	if num >= uint64(elf.SHN_LORESERVE) {
		null.Size = num
	} else {
		ehdr.ShNum = uint16(num)
	}

	if ctx.In.ShStrtab != nil && ctx.In.ShStrtab.GetParent() != nil {
		idx := ctx.In.ShStrtab.GetParent().SectionIndex
		if idx >= uint32(elf.SHN_LORESERVE) {
			null.Link = idx
			ehdr.ShStrndx = uint16(elf.SHN_XINDEX)
		} else {
			ehdr.ShStrndx = uint16(idx)
		}
	}

	encodeEhdr(ctx, buf, &ehdr)

	sz := ShdrSize(ctx.Arg.Is64)
	shdrs := buf[ctx.SectionHeaderOff:]
	encodeShdr(ctx, shdrs, &null)
	for i, osec := range ctx.OutputSections {
		encodeShdr(ctx, shdrs[uint64(i+1)*sz:], &osec.Shdr)
	}
}

// writeSections copies every output section into its file range. The
// ranges are disjoint, so sections are written concurrently.
func writeSections(ctx *Context) {
	var g errgroup.Group
	g.SetLimit(ctx.Arg.Threads)
	for _, osec := range ctx.OutputSections {
		if osec.IsNoBits() || osec.Shdr.Size == 0 {
			continue
		}
		g.Go(func() error {
			off := osec.Shdr.Offset
			osec.WriteTo(ctx, ctx.Buf[off:off+osec.Shdr.Size])
			return nil
		})
	}
	utils.MustNo(g.Wait())
}

func fillTrap(trap [4]byte, buf []byte) {
	for i := 0; i+4 <= len(buf); i += 4 {
		copy(buf[i:], trap[:])
	}
}

// writeTrapInstr fills the padding after each executable segment up to the
// next page with trap instructions. The last executable segment is
// extended to a page boundary so the padding survives stripping.
func writeTrapInstr(ctx *Context) {
	trap := ctx.Target.TrapInstr()
	maxPage := ctx.Arg.MaxPageSize

	for _, part := range ctx.Partitions {
		var last *PhdrEntry
		for _, p := range part.Phdrs {
			if p.Type != uint32(elf.PT_LOAD) {
				continue
			}
			last = p
			if p.Flags&uint32(elf.PF_X) == 0 || p.FirstSec == nil {
				continue
			}
			end := p.FirstSec.Shdr.Offset + p.FileSize
			from := utils.AlignDown(end, 4)
			to := min(utils.AlignTo(end, maxPage), uint64(len(ctx.Buf)))
			if from < to {
				fillTrap(trap, ctx.Buf[from:to])
			}
		}

		if last != nil && last.Flags&uint32(elf.PF_X) != 0 {
			last.FileSize = utils.AlignTo(last.FileSize, maxPage)
			last.MemSize = max(last.MemSize, last.FileSize)
		}
	}
}

// openFile creates the output buffer. Sizes beyond what the ELF class can
// address are reported with a per-section breakdown.
func openFile(ctx *Context) *FileOutputBuffer {
	maxSize := uint64(math.MaxInt64)
	if !ctx.Arg.Is64 {
		maxSize = math.MaxUint32
	}
	if ctx.FileSize > maxSize {
		var sb strings.Builder
		fmt.Fprintf(&sb, "output file too large: %d bytes\nsection sizes:\n", ctx.FileSize)
		for _, osec := range ctx.OutputSections {
			fmt.Fprintf(&sb, "%s %d\n", osec.Name, osec.Shdr.Size)
		}
		ctx.Diag.Error(ErrOutput, "%s", sb.String())
		return nil
	}

	_ = os.Remove(ctx.Arg.Output)
	out, err := NewFileOutputBuffer(ctx.Arg.Output, ctx.FileSize, ctx.Arg.MmapOutputFile)
	if err != nil {
		ctx.Diag.Error(ErrOutput, "failed to open %s: %v", ctx.Arg.Output, err)
		return nil
	}
	return out
}
