package linker

import (
	"debug/elf"
	"fmt"
	"sort"
	"strings"

	"github.com/ksco/elfld/pkg/utils"
)

const grpComdat = 1

type ObjectFile struct {
	InputFile
	Sections []*InputSection
}

func NewObjectFile(file *File, inLib bool) *ObjectFile {
	o := &ObjectFile{InputFile: *NewInputFile(file)}
	o.IsAlive = !inLib
	return o
}

func (o *ObjectFile) parse(ctx *Context) {
	o.FillUpElfSyms()
	o.initializeSections(ctx)
	o.initializeSymbols(ctx)
	o.initializeRelocations(ctx)
	o.sortRelocations()
}

func (o *ObjectFile) initializeSections(ctx *Context) {
	o.Sections = make([]*InputSection, len(o.Elf.Sections))
	var groups []*elf.Section

	for i, sec := range o.Elf.Sections {
		if (uint32(sec.Flags)&SHF_EXCLUDE != 0) &&
			(sec.Flags&elf.SHF_ALLOC == 0) &&
			(uint32(sec.Type) != SHT_LLVM_ADDRSIG) &&
			(uint32(sec.Type) != SHT_LLVM_SYMPART) {
			continue
		}

		switch sec.Type {
		case elf.SHT_GROUP:
			groups = append(groups, sec)
		case elf.SHT_SYMTAB_SHNDX:
			o.FillUpSymtabShndxSec(sec)
		case elf.SHT_SYMTAB, elf.SHT_STRTAB, elf.SHT_REL, elf.SHT_RELA,
			elf.SHT_NULL:
			break
		default:
			if sec.Name == ".note.GNU-stack" {
				continue
			}
			if strings.HasPrefix(sec.Name, ".gnu.warning.") {
				continue
			}
			o.Sections[i] = o.newInputSection(sec, uint32(i))
		}
	}

	for i, sec := range o.Elf.Sections {
		isec := o.Sections[i]
		if isec == nil || sec.Flags&elf.SHF_LINK_ORDER == 0 {
			continue
		}
		if sec.Link >= uint32(len(o.Sections)) || o.Sections[sec.Link] == nil {
			utils.Fatal(fmt.Sprintf("%s: invalid sh_link index: %d", isec, sec.Link))
		}
		isec.LinkOrderDep = o.Sections[sec.Link]
	}

	for _, g := range groups {
		o.handleGroup(ctx, g)
	}
}

func (o *ObjectFile) newInputSection(sec *elf.Section, shndx uint32) *InputSection {
	var contents []byte
	if sec.Type != elf.SHT_NOBITS {
		data, err := sec.Data()
		if err != nil {
			utils.Fatal(fmt.Sprintf("%s: section %s: %v", o.File.Name, sec.Name, err))
		}
		contents = data
	}

	// Data decompresses SHF_COMPRESSED sections.
	flags := uint64(sec.Flags) &^ uint64(elf.SHF_COMPRESSED)
	isec := NewInputSection(sec.Name, uint32(sec.Type), flags, sec.Addralign, contents)
	if sec.Type == elf.SHT_NOBITS {
		isec.Size = sec.Size
	}
	isec.File = o
	isec.EntSize = sec.Entsize
	isec.Shndx = shndx
	return isec
}

// handleGroup keeps the first COMDAT group of each signature. Members of
// a losing group are discarded but stay visible to symbols that point
// into them.
func (o *ObjectFile) handleGroup(ctx *Context, g *elf.Section) {
	data, err := g.Data()
	utils.MustNo(err)
	if len(data) < 4 {
		utils.Fatal(fmt.Sprintf("%s: invalid SHT_GROUP section", o.File.Name))
	}

	if o.Elf.ByteOrder.Uint32(data) != grpComdat {
		return
	}
	if int(g.Info) >= len(o.SymNames) {
		utils.Fatal(fmt.Sprintf("%s: invalid group signature index: %d", o.File.Name, g.Info))
	}

	signature := o.SymNames[g.Info]
	if owner, ok := ctx.ComdatGroups[signature]; !ok {
		ctx.ComdatGroups[signature] = o
		return
	} else if owner == o {
		return
	}

	for pos := 4; pos+4 <= len(data); pos += 4 {
		idx := o.Elf.ByteOrder.Uint32(data[pos:])
		if idx < uint32(len(o.Sections)) && o.Sections[idx] != nil {
			o.Sections[idx].IsAlive = false
		}
	}
}

// readSymbolPartitions turns each SHT_LLVM_SYMPART section into a
// partition request. The section holds the partition name and its first
// relocation names the entry symbol.
func (o *ObjectFile) readSymbolPartitions(ctx *Context) {
	for _, isec := range o.Sections {
		if isec == nil || isec.Type != SHT_LLVM_SYMPART || !isec.IsAlive {
			continue
		}
		isec.IsAlive = false

		if ctx.Script.HasSectionsCommand {
			ctx.Diag.Error(ErrLayout, "%s: partitions cannot be used with the SECTIONS command", isec)
			continue
		}
		if ctx.Arg.Machine == elf.EM_MIPS {
			ctx.Diag.Error(ErrLayout, "%s: partitions cannot be used on this target", isec)
			continue
		}
		if len(isec.Relocs) == 0 || isec.Relocs[0].Sym == nil {
			ctx.Diag.Error(ErrLayout, "%s: partition section has no entry symbol", isec)
			continue
		}

		name := string(isec.Contents)
		if i := strings.IndexByte(name, 0); i >= 0 {
			name = name[:i]
		}
		part := ctx.AddPartition(name)
		part.Entries = append(part.Entries, isec.Relocs[0].Sym)
	}
}

func (o *ObjectFile) initializeSymbols(ctx *Context) {
	o.LocalSyms = make([]Symbol, o.FirstGlobal)
	for i := range o.LocalSyms {
		o.LocalSyms[i] = *NewSymbol("")
		o.LocalSyms[i].File = o
		o.LocalSyms[i].Binding = elf.STB_LOCAL
	}
	o.LocalSyms[0].SymIdx = 0

	for i := 1; i < o.FirstGlobal; i++ {
		esym := &o.ElfSyms[i]
		if esym.IsCommon() {
			utils.Fatal(fmt.Sprintf("%s: common local symbol?", o.File.Name))
		}

		name := o.SymNames[i]
		if name == "" && elf.SymType(esym.Type()) == elf.STT_SECTION {
			if isec := o.GetSection(i); isec != nil {
				name = isec.Name
			}
		}

		sym := &o.LocalSyms[i]
		sym.Name = name
		sym.Value = esym.Val
		sym.Size = esym.Size
		sym.SymIdx = int32(i)
		sym.Type = elf.SymType(esym.Type())
		sym.Visibility = elf.SymVis(esym.StVisibility())

		if esym.IsUndef() {
			continue
		}
		sym.Kind = SymbolDefined
		if !esym.IsAbs() {
			sym.SetInputSection(o.GetSection(i))
		}
	}

	o.Symbols = make([]*Symbol, len(o.ElfSyms))
	for i := 0; i < o.FirstGlobal; i++ {
		o.Symbols[i] = &o.LocalSyms[i]
	}
	for i := o.FirstGlobal; i < len(o.ElfSyms); i++ {
		o.Symbols[i] = GetSymbolByName(ctx, o.SymNames[i])
	}
}

// initializeRelocations attaches the entries of every SHT_REL and
// SHT_RELA section to the section they apply to. REL addends stay in the
// section contents.
func (o *ObjectFile) initializeRelocations(ctx *Context) {
	for _, sec := range o.Elf.Sections {
		if sec.Type != elf.SHT_REL && sec.Type != elf.SHT_RELA {
			continue
		}
		if sec.Info >= uint32(len(o.Sections)) {
			utils.Fatal(fmt.Sprintf("%s: invalid relocated section index", o.File.Name))
		}

		target := o.Sections[sec.Info]
		if target == nil {
			continue
		}
		target.Relocs = append(target.Relocs, o.readRelocs(ctx, sec)...)
	}
}

func (o *ObjectFile) readRelocs(ctx *Context, sec *elf.Section) []Reloc {
	data, err := sec.Data()
	utils.MustNo(err)

	order := o.Elf.ByteOrder
	is64 := o.Elf.Class == elf.ELFCLASS64
	isRela := sec.Type == elf.SHT_RELA
	entSize := int(RelaSize(is64, isRela))

	rels := make([]Reloc, 0, len(data)/entSize)
	for pos := 0; pos+entSize <= len(data); pos += entSize {
		var r Reloc
		var symIdx uint32
		if is64 {
			r.Offset = order.Uint64(data[pos:])
			info := order.Uint64(data[pos+8:])
			symIdx, r.Type = uint32(info>>32), uint32(info)
			if isRela {
				r.Addend = int64(order.Uint64(data[pos+16:]))
			}
		} else {
			r.Offset = uint64(order.Uint32(data[pos:]))
			info := order.Uint32(data[pos+4:])
			symIdx, r.Type = info>>8, info&0xff
			if isRela {
				r.Addend = int64(int32(order.Uint32(data[pos+8:])))
			}
		}

		if symIdx >= uint32(len(o.Symbols)) {
			utils.Fatal(fmt.Sprintf("%s: invalid symbol index in %s: %d", o.File.Name, sec.Name, symIdx))
		}
		r.Sym = o.Symbols[symIdx]
		r.Kind = ctx.Target.ClassifyReloc(r.Type)
		rels = append(rels, r)
	}
	return rels
}

func (o *ObjectFile) sortRelocations() {
	for _, isec := range o.Sections {
		if isec == nil || !isec.IsAlive || isec.Flags&uint64(elf.SHF_ALLOC) == 0 {
			continue
		}

		rels := isec.Relocs
		sort.SliceStable(rels, func(i, j int) bool {
			return rels[i].Offset < rels[j].Offset
		})
	}
}

func (o *ObjectFile) GetSection(idx int) *InputSection {
	shndx := o.GetShndx(idx)
	if shndx >= uint32(len(o.Sections)) {
		return nil
	}
	return o.Sections[shndx]
}

func (o *ObjectFile) ResolveSymbols(ctx *Context) {
	for i := o.FirstGlobal; i < len(o.ElfSyms); i++ {
		sym := o.Symbols[i]
		esym := &o.ElfSyms[i]

		if esym.IsUndef() {
			continue
		}

		var isec *InputSection
		if !esym.IsAbs() && !esym.IsCommon() {
			isec = o.GetSection(i)
			if isec == nil || !isec.IsAlive {
				continue
			}
		}

		if GetRank(o, esym, !o.IsAlive) < sym.GetRank() {
			sym.File = o
			sym.SetInputSection(isec)
			sym.Value = esym.Val
			sym.Size = esym.Size
			sym.SymIdx = int32(i)
			sym.Binding = elf.SymBind(esym.Bind())
			sym.Type = elf.SymType(esym.Type())
			sym.Kind = SymbolDefined
			if esym.IsCommon() {
				sym.Kind = SymbolCommon
			}
		}
	}
}

func (o *ObjectFile) MarkLiveObjects(ctx *Context, feeder func(*ObjectFile)) {
	utils.Assert(o.IsAlive)

	for i := o.FirstGlobal; i < len(o.ElfSyms); i++ {
		esym := &o.ElfSyms[i]
		sym := o.Symbols[i]

		o.MergeVisibility(sym, elf.SymVis(esym.StVisibility()))

		if elf.SymBind(esym.Bind()) == elf.STB_WEAK {
			continue
		}

		if sym.File == nil {
			continue
		}

		keep := esym.IsUndef() || (esym.IsCommon() && !sym.ElfSym().IsCommon())
		if keep && !sym.File.SwapIsAlive(true) {
			feeder(sym.File)
		}
	}
}

// MergeVisibility keeps the most restrictive visibility seen for sym.
func (o *ObjectFile) MergeVisibility(sym *Symbol, visibility elf.SymVis) {
	if visibility == elf.STV_INTERNAL {
		visibility = elf.STV_HIDDEN
	}

	priority := func(visibility elf.SymVis) int {
		switch visibility {
		case elf.STV_HIDDEN:
			return 1
		case elf.STV_PROTECTED:
			return 2
		}
		return 3
	}

	if priority(sym.Visibility) > priority(visibility) {
		sym.Visibility = visibility
	}
}

func (o *ObjectFile) ClearSymbols() {
	for _, sym := range o.GetGlobalSyms() {
		if sym.File == o {
			sym.Clear()
		}
	}
}

// ClaimUnresolvedSymbols records references and lets the file with the
// highest priority own each symbol nobody defines.
func (o *ObjectFile) ClaimUnresolvedSymbols(ctx *Context) {
	if !o.IsAlive {
		return
	}

	for i := o.FirstGlobal; i < len(o.ElfSyms); i++ {
		esym := &o.ElfSyms[i]
		if !esym.IsUndef() {
			continue
		}

		sym := o.Symbols[i]
		sym.Referenced = true
		if sym.File != nil && (!sym.ElfSym().IsUndef() || sym.File.Priority <= o.Priority) {
			continue
		}

		sym.File = o
		sym.InputSection = nil
		sym.OutputSection = nil
		sym.Value = 0
		sym.Size = 0
		sym.SymIdx = int32(i)
		sym.Kind = SymbolUndefined
		sym.Binding = elf.SymBind(esym.Bind())
		sym.Type = elf.SymType(esym.Type())
	}
}

// CreateCommonSections gives every common symbol this file won its own
// zero-filled section.
func (o *ObjectFile) CreateCommonSections() {
	for i := o.FirstGlobal; i < len(o.ElfSyms); i++ {
		sym := o.Symbols[i]
		if sym.File != o || int(sym.SymIdx) != i || !sym.IsCommon() {
			continue
		}

		esym := &o.ElfSyms[i]
		isec := NewInputSection("COMMON", uint32(elf.SHT_NOBITS),
			uint64(elf.SHF_ALLOC|elf.SHF_WRITE), esym.Val, nil)
		isec.Size = esym.Size
		isec.File = o
		isec.Shndx = uint32(len(o.Sections))
		o.Sections = append(o.Sections, isec)

		sym.SetInputSection(isec)
		sym.Value = 0
		sym.Kind = SymbolDefined
	}
}

// ScanRelocations allocates the GOT slots and dynamic relocations the
// relocations of this file require.
func (o *ObjectFile) ScanRelocations(ctx *Context) {
	for _, isec := range o.Sections {
		if isec == nil || !isec.IsAlive || isec.Flags&uint64(elf.SHF_ALLOC) == 0 {
			continue
		}

		for _, r := range isec.Relocs {
			sym := r.Sym
			if sym == nil || sym.SymIdx == 0 {
				continue
			}

			switch {
			case sym.Type == STT_GNU_IFUNC && sym.IsDefined():
				if ctx.In.Got.AddGotSymbol(ctx, sym) && ctx.In.RelaIplt != nil {
					ctx.In.RelaIplt.AddReloc(DynamicReloc{
						Isec:   ctx.In.Got.Isec,
						Offset: uint64(sym.GotIdx) * ctx.WordSize(),
						Type:   ctx.Target.IRelativeRel(),
						Sym:    sym,
					})
				}
			case r.Kind == RelocGot:
				ctx.In.Got.AddGotSymbol(ctx, sym)
			case r.Kind == RelocGotTp:
				ctx.In.Got.AddGotTpSymbol(ctx, sym)
			case r.Kind == RelocAbs && ctx.Arg.IsPic && ctx.In.RelaDyn != nil:
				if sym.IsUndefWeak() {
					continue
				}
				ctx.In.RelaDyn.AddReloc(DynamicReloc{
					Isec:   isec,
					Offset: r.Offset,
					Type:   ctx.Target.RelativeRel(),
					Sym:    sym,
					Addend: r.Addend,
				})
			}
		}
	}
}
