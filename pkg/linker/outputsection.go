package linker

import (
	"debug/elf"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/ksco/elfld/pkg/utils"
)

// Expr is a placement constraint evaluated against the current location
// counter.
type Expr func(s *LinkerScript) uint64

// SectionCommand is either an *InputSectionDescription or a
// *SymbolAssignment. At the top level of a script it may also be an
// *OutputSection.
type SectionCommand interface {
	isSectionCommand()
}

type InputSectionDescription struct {
	Sections      []*InputSection
	thunkSections []thunkSectionPass
}

func (*InputSectionDescription) isSectionCommand() {}

// SymbolAssignment assigns Expr to Name, or moves the location counter when
// Name is ".".
type SymbolAssignment struct {
	Name    string
	Expr    Expr
	Provide bool
	Sym     *Symbol
}

func (*SymbolAssignment) isSectionCommand() {}

type OutputSection struct {
	Chunk

	SortRank     uint32
	Partition    uint8
	SectionIndex uint32

	AddrExpr  Expr
	LMAExpr   Expr
	AlignExpr Expr
	MemRegion *MemoryRegion
	LMARegion *MemoryRegion
	InOverlay bool
	LMAOffset uint64

	Relro            bool
	PtLoad           int
	Commands         []SectionCommand
	HasInputSections bool
	UsedInExpression bool
}

func (*OutputSection) isSectionCommand() {}

func NewOutputSection(name string, typ uint32, flags uint64) *OutputSection {
	o := &OutputSection{Chunk: NewChunk()}
	o.Name = name
	o.Shdr.Type = typ
	o.Shdr.Flags = flags
	o.Partition = 1
	o.SectionIndex = math.MaxUint32
	return o
}

// GetOutputSectionInstance returns the output section input section name
// maps to, creating an orphan if none exists yet.
func GetOutputSectionInstance(ctx *Context, name string, typ uint32, flags uint64, partition uint8) *OutputSection {
	name = GetOutputName(ctx, name, flags)
	typ = CanonicalizeType(name, typ)
	flags = flags & ^uint64(elf.SHF_GROUP) & ^uint64(elf.SHF_COMPRESSED)

	if typ == uint32(elf.SHT_INIT_ARRAY) || typ == uint32(elf.SHT_FINI_ARRAY) {
		flags |= uint64(elf.SHF_WRITE)
	}

	if osec := ctx.Script.FindOutputSection(name, partition); osec != nil {
		if osec.Shdr.Type == uint32(elf.SHT_NOBITS) && typ != uint32(elf.SHT_NOBITS) {
			osec.Shdr.Type = typ
		}
		osec.Shdr.Flags |= flags
		return osec
	}

	osec := NewOutputSection(name, typ, flags)
	osec.Partition = partition
	ctx.Script.AddOrphan(osec)
	return osec
}

// AddInputSection appends isec to the trailing input section description.
func (o *OutputSection) AddInputSection(isec *InputSection) {
	var isd *InputSectionDescription
	if n := len(o.Commands); n > 0 {
		isd, _ = o.Commands[n-1].(*InputSectionDescription)
	}
	if isd == nil {
		isd = &InputSectionDescription{}
		o.Commands = append(o.Commands, isd)
	}
	isd.Sections = append(isd.Sections, isec)

	isec.Parent = o
	o.HasInputSections = true
	o.Shdr.AddrAlign = max(o.Shdr.AddrAlign, isec.Align)
	if isec.Flags&uint64(elf.SHF_LINK_ORDER) != 0 {
		o.Shdr.Flags |= uint64(elf.SHF_LINK_ORDER)
	}
}

func (o *OutputSection) InputSections() []*InputSection {
	ret := make([]*InputSection, 0)
	for _, cmd := range o.Commands {
		if isd, ok := cmd.(*InputSectionDescription); ok {
			ret = append(ret, isd.Sections...)
		}
	}
	return ret
}

func (o *OutputSection) GetLMA() uint64 {
	return o.Shdr.Addr + o.LMAOffset
}

func (o *OutputSection) IsAlloc() bool {
	return o.Shdr.Flags&uint64(elf.SHF_ALLOC) != 0
}

func (o *OutputSection) IsNoBits() bool {
	return o.Shdr.Type == uint32(elf.SHT_NOBITS)
}

func (o *OutputSection) IsTbss() bool {
	return o.IsNoBits() && o.Shdr.Flags&uint64(elf.SHF_TLS) != 0
}

func (o *OutputSection) GetPhdrFlags(ctx *Context) uint32 {
	ret := uint32(0)
	if ctx.Arg.Machine != elf.EM_ARM || o.Shdr.Flags&SHF_ARM_PURECODE == 0 {
		ret |= uint32(elf.PF_R)
	}
	if o.Shdr.Flags&uint64(elf.SHF_WRITE) != 0 {
		ret |= uint32(elf.PF_W)
	}
	if o.Shdr.Flags&uint64(elf.SHF_EXECINSTR) != 0 {
		ret |= uint32(elf.PF_X)
	}
	return ret
}

// WriteTo fills the section's range of the output buffer. Padding in
// executable sections is filled with trap instructions.
func (o *OutputSection) WriteTo(ctx *Context, buf []byte) {
	if o.IsNoBits() {
		return
	}

	if o.Shdr.Flags&uint64(elf.SHF_EXECINSTR) != 0 {
		trap := ctx.Target.TrapInstr()
		for i := uint64(0); i+4 <= o.Shdr.Size; i += 4 {
			copy(buf[i:], trap[:])
		}
	}

	for _, isec := range o.InputSections() {
		if isec.SpillOf != nil {
			continue
		}
		isec.WriteTo(ctx, buf[isec.OutSecOff:])
	}
}

func getPriority(name string) int {
	if idx := strings.LastIndexByte(name, '.'); idx != -1 {
		if v, err := strconv.ParseUint(name[idx+1:], 10, 32); err == nil {
			return int(v)
		}
	}
	return 65536
}

// SortInitFini orders .init_array.N/.fini_array.N sections by N; unnumbered
// sections run last.
func (o *OutputSection) SortInitFini() {
	o.sortBy(func(isec *InputSection) int {
		return getPriority(isec.Name)
	})
}

// SortCtorsDtors orders .ctors.N/.dtors.N in reverse numeric order after the
// crtbegin/crtend style unnumbered sections.
func (o *OutputSection) SortCtorsDtors() {
	o.sortBy(func(isec *InputSection) int {
		if isec.Name == ".ctors" || isec.Name == ".dtors" {
			return -1
		}
		return math.MaxInt32 - getPriority(isec.Name)
	})
}

func (o *OutputSection) sortBy(priority func(isec *InputSection) int) {
	utils.Assert(len(o.Commands) <= 1)
	if len(o.Commands) == 0 {
		return
	}
	isd, ok := o.Commands[0].(*InputSectionDescription)
	if !ok {
		return
	}
	sort.SliceStable(isd.Sections, func(i, j int) bool {
		return priority(isd.Sections[i]) < priority(isd.Sections[j])
	})
}
