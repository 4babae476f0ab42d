package linker

import (
	"debug/elf"
	"slices"

	"github.com/ksco/elfld/pkg/utils"
)

// PhdrEntry is a program header under construction. FirstSec and LastSec
// bound the output sections it covers; the file and memory extents are
// filled in by SetPhdrs once offsets are known.
type PhdrEntry struct {
	Phdr
	Id int

	FirstSec *OutputSection
	LastSec  *OutputSection

	HasLMA    bool
	LMAOffset uint64
}

func (p *PhdrEntry) Add(sec *OutputSection) {
	p.LastSec = sec
	if p.FirstSec == nil {
		p.FirstSec = sec
	}
	p.Align = max(p.Align, sec.Shdr.AddrAlign)
	if p.Type == uint32(elf.PT_LOAD) {
		sec.PtLoad = p.Id
	}
}

// firstOwnedSection is the first output section whose PtLoad is p. It
// differs from FirstSec when the segment starts with the headers.
func (p *PhdrEntry) firstOwnedSection(ctx *Context) *OutputSection {
	for _, osec := range ctx.OutputSections {
		if osec.PtLoad == p.Id {
			return osec
		}
	}
	return nil
}

// Partition is a separately loadable piece of the output. The main
// partition uses the file's own headers; every other partition starts with
// a SHT_LLVM_PART_EHDR section.
type Partition struct {
	Name   string
	Number uint8
	Phdrs  []*PhdrEntry

	// Entries are the symbols whose reachable sections form the partition.
	Entries []*Symbol

	ElfHeader      *PartitionElfHeaderSection
	ProgramHeaders *PartitionProgramHeadersSection
	BuildId        *BuildIdSection
}

func (p *Partition) IsMain() bool {
	return p.Number == 1
}

func needsPtLoad(sec *OutputSection) bool {
	if !sec.IsAlloc() {
		return false
	}
	// TLS NOBITS sections take no address space of their own.
	if sec.Shdr.Flags&uint64(elf.SHF_TLS) != 0 && sec.IsNoBits() {
		return false
	}
	return true
}

func computeFlags(ctx *Context, flags uint32) uint32 {
	if ctx.Arg.OMagic {
		return uint32(elf.PF_R | elf.PF_W | elf.PF_X)
	}
	if ctx.Arg.ExecuteOnly && flags&uint32(elf.PF_X) != 0 {
		return flags &^ uint32(elf.PF_R)
	}
	return flags
}

func findSection(ctx *Context, name string, partition uint8) *OutputSection {
	for _, osec := range ctx.OutputSections {
		if osec.Name == name && osec.Partition == partition {
			return osec
		}
	}
	return nil
}

// CreatePhdrs decides which output sections each segment of part covers.
func CreatePhdrs(ctx *Context, part *Partition) []*PhdrEntry {
	ret := make([]*PhdrEntry, 0)
	partNo := part.Number
	isMain := part.IsMain()

	define := func(typ elf.ProgType, flags uint32) *PhdrEntry {
		p := ctx.newPhdr(typ, flags)
		ret = append(ret, p)
		return p
	}

	flags := computeFlags(ctx, uint32(elf.PF_R))

	if !ctx.Arg.NMagic && !ctx.Arg.OMagic {
		phdr := define(elf.PT_PHDR, uint32(elf.PF_R))
		if isMain {
			phdr.Add(ctx.ProgramHeaders)
		} else if part.ProgramHeaders != nil {
			phdr.Add(part.ProgramHeaders.GetParent())
		}

		if ctx.In.Interp != nil && isMain {
			if osec := ctx.In.Interp.GetParent(); osec != nil {
				define(elf.PT_INTERP, osec.GetPhdrFlags(ctx)).Add(osec)
			}
		}

		if isMain {
			load := define(elf.PT_LOAD, flags)
			load.Add(ctx.ElfHeader)
			load.Add(ctx.ProgramHeaders)
		}
	}

	// The RELRO segment must cover one contiguous run of sections.
	relRo := ctx.newPhdr(elf.PT_GNU_RELRO, uint32(elf.PF_R))
	var relroEnd *OutputSection
	inRelro := false
	for _, sec := range ctx.OutputSections {
		if sec.Partition != partNo || !needsPtLoad(sec) {
			continue
		}
		if IsRelroSection(ctx, sec) {
			inRelro = true
			if relroEnd == nil {
				relRo.Add(sec)
			} else {
				ctx.Diag.Error(ErrLayout, "section: %s is not contiguous with other relro sections", sec.Name)
			}
		} else if inRelro {
			inRelro = false
			relroEnd = sec
		}
	}
	relRo.Align = 1

	var load *PhdrEntry
	if len(ret) > 0 && ret[len(ret)-1].Type == uint32(elf.PT_LOAD) {
		load = ret[len(ret)-1]
	}

	for _, sec := range ctx.OutputSections {
		if !needsPtLoad(sec) {
			continue
		}
		if sec.Partition != partNo {
			// .part.end reserves address space for the other partitions.
			if isMain && sec.Partition == 255 {
				define(elf.PT_LOAD, computeFlags(ctx, sec.GetPhdrFlags(ctx))).Add(sec)
			}
			continue
		}

		newFlags := computeFlags(ctx, sec.GetPhdrFlags(ctx))
		incompatible := flags ^ newFlags
		if newFlags&uint32(elf.PF_W) == 0 {
			if ctx.Arg.SingleRoRx {
				incompatible &^= uint32(elf.PF_X)
			}
			if ctx.Arg.SingleXoRx {
				incompatible &^= uint32(elf.PF_R)
			}
		}
		if incompatible != 0 {
			load = nil
		}

		sameLMARegion := load != nil && sec.LMAExpr == nil && sec.LMARegion == load.FirstSec.LMARegion
		if load != nil && sec != relroEnd &&
			sec.MemRegion == load.FirstSec.MemRegion &&
			(sameLMARegion || load.LastSec == ctx.ProgramHeaders) &&
			(ctx.Script.HasSectionsCommand || sec.IsNoBits() || !load.LastSec.IsNoBits()) {
			load.Flags |= newFlags
		} else {
			load = define(elf.PT_LOAD, newFlags)
			flags = newFlags
		}
		load.Add(sec)
	}

	tls := ctx.newPhdr(elf.PT_TLS, uint32(elf.PF_R))
	for _, sec := range ctx.OutputSections {
		if sec.Partition == partNo && sec.Shdr.Flags&uint64(elf.SHF_TLS) != 0 {
			tls.Add(sec)
		}
	}
	if tls.FirstSec != nil {
		ret = append(ret, tls)
	} else {
		ctx.dropPhdr(tls)
	}

	if ctx.In.Dynamic != nil && isMain {
		if osec := ctx.In.Dynamic.GetParent(); osec != nil {
			define(elf.PT_DYNAMIC, osec.GetPhdrFlags(ctx)).Add(osec)
		}
	}

	if relRo.FirstSec != nil {
		ret = append(ret, relRo)
	} else {
		ctx.dropPhdr(relRo)
	}

	if ctx.Arg.OSABI == elf.ELFOSABI_OPENBSD {
		if osec := findSection(ctx, ".openbsd.mutable", partNo); osec != nil {
			define(PT_OPENBSD_MUTABLE, osec.GetPhdrFlags(ctx)).Add(osec)
		}
		if osec := findSection(ctx, ".openbsd.randomdata", partNo); osec != nil {
			define(PT_OPENBSD_RANDOMIZE, osec.GetPhdrFlags(ctx)).Add(osec)
		}
		if osec := findSection(ctx, ".openbsd.syscalls", partNo); osec != nil {
			define(PT_OPENBSD_SYSCALLS, osec.GetPhdrFlags(ctx)).Add(osec)
		}
	}

	if ctx.Arg.ZGnustack != GnuStackNone {
		perm := uint32(elf.PF_R | elf.PF_W)
		if ctx.Arg.ZGnustack == GnuStackExec {
			perm |= uint32(elf.PF_X)
		}
		define(elf.PT_GNU_STACK, perm).MemSize = ctx.Arg.ZStackSize
	}

	if ctx.Arg.ZNoBtCfi {
		define(PT_OPENBSD_NOBTCFI, uint32(elf.PF_X))
	}
	if ctx.Arg.ZWxneeded {
		define(PT_OPENBSD_WXNEEDED, uint32(elf.PF_X))
	}

	if osec := findSection(ctx, ".note.gnu.property", partNo); osec != nil {
		define(PT_GNU_PROPERTY, uint32(elf.PF_R)).Add(osec)
	}

	// One PT_NOTE per run of equally aligned note sections.
	var note *PhdrEntry
	for _, sec := range ctx.OutputSections {
		if sec.Partition != partNo {
			continue
		}
		if sec.Shdr.Type == uint32(elf.SHT_NOTE) && sec.IsAlloc() {
			if note == nil || sec.LMAExpr != nil || note.LastSec.Shdr.AddrAlign != sec.Shdr.AddrAlign {
				note = define(elf.PT_NOTE, uint32(elf.PF_R))
			}
			note.Add(sec)
		} else {
			note = nil
		}
	}

	return ret
}

// addPhdrForSection adds a segment covering the first section of shType in
// part, if any.
func addPhdrForSection(ctx *Context, part *Partition, shType uint32, pType elf.ProgType, pFlags uint32) {
	idx := slices.IndexFunc(ctx.OutputSections, func(osec *OutputSection) bool {
		return osec.Partition == part.Number && osec.Shdr.Type == shType
	})
	if idx == -1 {
		return
	}
	p := ctx.newPhdr(pType, pFlags)
	p.Add(ctx.OutputSections[idx])
	part.Phdrs = append(part.Phdrs, p)
}

// CreateAllPhdrs builds the segments of every partition and sizes the main
// program header table.
func CreateAllPhdrs(ctx *Context) {
	for _, part := range ctx.Partitions {
		part.Phdrs = CreatePhdrs(ctx, part)

		switch ctx.Arg.Machine {
		case elf.EM_ARM:
			addPhdrForSection(ctx, part, SHT_ARM_EXIDX, PT_ARM_EXIDX, uint32(elf.PF_R))
		case elf.EM_MIPS:
			addPhdrForSection(ctx, part, SHT_MIPS_REGINFO, PT_MIPS_REGINFO, uint32(elf.PF_R))
			addPhdrForSection(ctx, part, SHT_MIPS_OPTIONS, PT_MIPS_OPTIONS, uint32(elf.PF_R))
			addPhdrForSection(ctx, part, SHT_MIPS_ABIFLAGS, PT_MIPS_ABIFLAGS, uint32(elf.PF_R))
		case elf.EM_RISCV:
			addPhdrForSection(ctx, part, SHT_RISCV_ATTRIBUTES, PT_RISCV_ATTRIBUTES, uint32(elf.PF_R))
		}
	}

	ctx.ProgramHeaders.Shdr.Size = PhdrSize(ctx.Arg.Is64) * uint64(len(ctx.MainPart().Phdrs))

	// TLS symbols all live in the main partition.
	ctx.TlsPhdr = nil
	for _, p := range ctx.MainPart().Phdrs {
		if p.Type == uint32(elf.PT_TLS) {
			ctx.TlsPhdr = p
		}
	}
}

// RemoveEmptyPTLoad drops PT_LOAD segments that cover no bytes. Sections
// that pointed at a dropped segment are detached from it.
func RemoveEmptyPTLoad(ctx *Context, part *Partition) {
	removed := utils.NewSet[int]()
	part.Phdrs = utils.RemoveIf(part.Phdrs, func(p *PhdrEntry) bool {
		if p.Type != uint32(elf.PT_LOAD) {
			return false
		}
		if p.FirstSec != nil {
			size := p.LastSec.Shdr.Addr + p.LastSec.Shdr.Size - p.FirstSec.Shdr.Addr
			if size != 0 {
				return false
			}
		}
		removed.Insert(p.Id)
		ctx.dropPhdr(p)
		return true
	})

	if len(removed) == 0 {
		return
	}
	for _, osec := range ctx.OutputSections {
		if removed.Contains(osec.PtLoad) {
			osec.PtLoad = 0
		}
	}
}

func writePhdrs(ctx *Context, buf []byte, phdrs []*PhdrEntry) {
	sz := PhdrSize(ctx.Arg.Is64)
	for i, p := range phdrs {
		encodePhdr(ctx, buf[uint64(i)*sz:], &p.Phdr)
	}
}
