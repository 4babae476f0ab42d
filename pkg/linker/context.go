package linker

import (
	"debug/elf"
	"os"

	"github.com/ksco/elfld/pkg/utils"
)

// Synthetics holds the linker-generated sections. A nil field means the
// section was never created or was removed as unneeded.
type Synthetics struct {
	Interp   *InterpSection
	Got      *GotSection
	RelaDyn  *RelocSection
	RelaIplt *RelocSection
	Dynamic  *DynamicSection
	BuildId  *BuildIdSection
	ShStrtab *StrtabSection
	PartEnd  *InputSection
}

type Context struct {
	Arg    Config
	Diag   *Diagnostics
	Target Target
	Script *LinkerScript

	SymbolMap map[string]*Symbol
	Sym       ReservedSymbols

	ElfHeader      *OutputSection
	ProgramHeaders *OutputSection
	OutputSections []*OutputSection
	InputSections  []*InputSection

	PreinitArray *OutputSection
	InitArray    *OutputSection
	FiniArray    *OutputSection

	In         Synthetics
	Partitions []*Partition
	TlsPhdr    *PhdrEntry

	// SectionOrder holds externally computed placement priorities, lower
	// first. BuildSectionOrder folds the symbol ordering file into it.
	SectionOrder map[*InputSection]int

	phdrs      map[int]*PhdrEntry
	nextPhdrId int

	Buf              []byte
	FileSize         uint64
	SectionHeaderOff uint64

	FilePriority int64
	Visited      utils.Set[string]
	ComdatGroups map[string]*ObjectFile

	Objs []*ObjectFile
}

func NewContext(arg Config) *Context {
	ctx := &Context{
		Arg:          arg,
		Diag:         NewDiagnostics(os.Stderr),
		SymbolMap:    make(map[string]*Symbol),
		SectionOrder: make(map[*InputSection]int),
		phdrs:        make(map[int]*PhdrEntry),
		nextPhdrId:   1,
		Visited:      utils.NewSet[string](),
		ComdatGroups: make(map[string]*ObjectFile),
		FilePriority: 10000,
	}
	if ctx.Arg.SectionStartMap == nil {
		ctx.Arg.SectionStartMap = make(map[string]uint64)
	}
	if ctx.Arg.Threads <= 0 {
		ctx.Arg.Threads = 1
	}

	ctx.Target = NewTarget(ctx.Arg.Machine)
	if ctx.Arg.MaxPageSize == 0 {
		ctx.Arg.MaxPageSize = ctx.Target.DefaultMaxPageSize()
	}
	if ctx.Arg.NMagic || ctx.Arg.OMagic {
		ctx.Arg.MaxPageSize = 1
	}
	if !ctx.Arg.HasImageBase {
		ctx.Arg.ImageBase = ctx.Target.DefaultImageBase()
		if ctx.Arg.IsPic {
			ctx.Arg.ImageBase = 0
		}
	}

	ctx.Script = NewLinkerScript(ctx)

	ctx.ElfHeader = NewOutputSection("", uint32(elf.SHT_PROGBITS), uint64(elf.SHF_ALLOC))
	ctx.ElfHeader.Shdr.Size = EhdrSize(ctx.Arg.Is64)
	ctx.ElfHeader.Shdr.AddrAlign = ctx.WordSize()
	ctx.ProgramHeaders = NewOutputSection("", uint32(elf.SHT_PROGBITS), uint64(elf.SHF_ALLOC))
	ctx.ProgramHeaders.Shdr.AddrAlign = ctx.WordSize()

	ctx.Partitions = []*Partition{{Number: 1}}
	return ctx
}

// ImageBase is zero under a SECTIONS command unless set explicitly.
func (ctx *Context) ImageBase() uint64 {
	if ctx.Script.HasSectionsCommand && !ctx.Arg.HasImageBase {
		return 0
	}
	return ctx.Arg.ImageBase
}

func (ctx *Context) MainPart() *Partition {
	return ctx.Partitions[0]
}

// AddPartition returns the loadable partition called name, registering it
// on first use. Partition numbers start at 2; 1 is the main partition.
func (ctx *Context) AddPartition(name string) *Partition {
	for _, part := range ctx.Partitions[1:] {
		if part.Name == name {
			return part
		}
	}
	if len(ctx.Partitions) == 254 {
		utils.Fatal("may not have more than 254 partitions")
	}
	part := &Partition{Name: name, Number: uint8(len(ctx.Partitions) + 1)}
	ctx.Partitions = append(ctx.Partitions, part)
	return part
}

func (ctx *Context) Phdr(id int) *PhdrEntry {
	if id == 0 {
		return nil
	}
	return ctx.phdrs[id]
}

func (ctx *Context) newPhdr(typ elf.ProgType, flags uint32) *PhdrEntry {
	p := &PhdrEntry{Id: ctx.nextPhdrId}
	p.Type = uint32(typ)
	p.Flags = flags
	if typ == elf.PT_LOAD {
		p.Align = ctx.Arg.MaxPageSize
	}
	ctx.phdrs[p.Id] = p
	ctx.nextPhdrId++
	return p
}

func (ctx *Context) dropPhdr(p *PhdrEntry) {
	delete(ctx.phdrs, p.Id)
}

func (ctx *Context) FindSection(name string) *OutputSection {
	for _, osec := range ctx.OutputSections {
		if osec.Name == name {
			return osec
		}
	}
	return nil
}
