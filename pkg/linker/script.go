package linker

import (
	"debug/elf"
	"fmt"
	"math"
	"slices"

	"github.com/ksco/elfld/pkg/utils"
)

type MemoryRegion struct {
	Name   string
	Origin uint64
	Length uint64
	CurPos uint64
}

func (m *MemoryRegion) overflowed() bool {
	return m != nil && m.CurPos-m.Origin > m.Length
}

type addressState struct {
	outSec    *OutputSection
	memRegion *MemoryRegion
	lmaRegion *MemoryRegion
	lmaOffset uint64
	tbssAddr  uint64
}

// LinkerScript holds the top-level section commands and evaluates them.
// Without a SECTIONS command every output section is an orphan and the
// commands are just the sorted output sections.
type LinkerScript struct {
	ctx *Context

	Commands           []SectionCommand
	HasSectionsCommand bool
	MemoryRegions      []*MemoryRegion

	Dot   uint64
	state *addressState

	recordedErrors  []string
	potentialSpills map[*InputSection][]*InputSection
}

func NewLinkerScript(ctx *Context) *LinkerScript {
	return &LinkerScript{
		ctx:             ctx,
		potentialSpills: make(map[*InputSection][]*InputSection),
	}
}

// AddSection appends an explicitly placed output section.
func (s *LinkerScript) AddSection(osec *OutputSection) *OutputSection {
	s.HasSectionsCommand = true
	osec.SectionIndex = uint32(len(s.Commands))
	s.Commands = append(s.Commands, osec)
	return osec
}

func (s *LinkerScript) AddAssignment(cmd *SymbolAssignment) {
	s.HasSectionsCommand = true
	s.Commands = append(s.Commands, cmd)
}

func (s *LinkerScript) AddOrphan(osec *OutputSection) {
	osec.SectionIndex = math.MaxUint32
	s.Commands = append(s.Commands, osec)
}

func (s *LinkerScript) AddMemoryRegion(name string, origin, length uint64) *MemoryRegion {
	mr := &MemoryRegion{Name: name, Origin: origin, Length: length, CurPos: origin}
	s.MemoryRegions = append(s.MemoryRegions, mr)
	return mr
}

func (s *LinkerScript) FindOutputSection(name string, partition uint8) *OutputSection {
	for _, cmd := range s.Commands {
		if osec, ok := cmd.(*OutputSection); ok && osec.Name == name && osec.Partition == partition {
			return osec
		}
	}
	return nil
}

func (s *LinkerScript) findOutputSectionByName(name string) *OutputSection {
	for _, cmd := range s.Commands {
		if osec, ok := cmd.(*OutputSection); ok && osec.Name == name {
			return osec
		}
	}
	return nil
}

func (s *LinkerScript) OutputSections() []*OutputSection {
	ret := make([]*OutputSection, 0, len(s.Commands))
	for _, cmd := range s.Commands {
		if osec, ok := cmd.(*OutputSection); ok {
			ret = append(ret, osec)
		}
	}
	return ret
}

// AddPotentialSpill records that isec may move to isd inside osec should
// its current output section overflow its memory region.
func (s *LinkerScript) AddPotentialSpill(isec *InputSection, osec *OutputSection, isd *InputSectionDescription) {
	spill := NewInputSection(isec.Name, isec.Type, isec.Flags, isec.Align, nil)
	spill.SpillOf = isec
	spill.Parent = osec
	spill.spillIsd = isd
	isd.Sections = append(isd.Sections, spill)
	s.potentialSpills[isec] = append(s.potentialSpills[isec], spill)
}

// DeclareSymbols creates the symbols of top-level and in-section
// assignments. PROVIDE only defines names that are referenced and not
// otherwise defined.
func (s *LinkerScript) DeclareSymbols() {
	declare := func(cmd *SymbolAssignment) {
		if cmd.Name == "." {
			return
		}
		if cmd.Provide {
			sym := s.ctx.FindSymbol(cmd.Name)
			if sym == nil || !sym.Referenced || sym.IsDefined() {
				return
			}
		}
		sym := GetSymbolByName(s.ctx, cmd.Name)
		sym.Kind = SymbolDefined
		sym.LinkerDefined = true
		sym.SetOutputSection(nil)
		cmd.Sym = sym
	}

	for _, cmd := range s.Commands {
		switch c := cmd.(type) {
		case *SymbolAssignment:
			declare(c)
		case *OutputSection:
			for _, sub := range c.Commands {
				if a, ok := sub.(*SymbolAssignment); ok {
					declare(a)
				}
			}
		}
	}
}

func (s *LinkerScript) isDiscardable(osec *OutputSection) bool {
	if osec.Name == "/DISCARD/" {
		return true
	}
	if osec.UsedInExpression {
		return false
	}
	for _, cmd := range osec.Commands {
		if a, ok := cmd.(*SymbolAssignment); ok {
			if a.Name != "." && a.Sym == nil {
				continue
			}
			return false
		}
	}
	return true
}

// AdjustOutputSections removes output sections left empty and gives the
// empty ones that must stay the flags of the section before them, so they
// do not split segments.
func (s *LinkerScript) AdjustOutputSections() {
	flags := uint64(elf.SHF_ALLOC)
	mask := uint64(elf.SHF_ALLOC | elf.SHF_WRITE | elf.SHF_EXECINSTR)

	s.Commands = utils.RemoveIf(s.Commands, func(cmd SectionCommand) bool {
		osec, ok := cmd.(*OutputSection)
		if !ok {
			return false
		}

		isEmpty := len(osec.InputSections()) == 0
		discardable := isEmpty && s.isDiscardable(osec)

		if osec.HasInputSections && !discardable {
			flags = osec.Shdr.Flags
		}
		if isEmpty {
			osec.Shdr.Flags = flags & mask
			osec.SortRank = GetSectionRank(s.ctx, osec)
		}
		return discardable
	})
}

func (s *LinkerScript) headerSize() uint64 {
	return s.ctx.ElfHeader.Shdr.Size + s.ctx.ProgramHeaders.Shdr.Size
}

func (s *LinkerScript) symbolValues() map[*SymbolAssignment]uint64 {
	ret := make(map[*SymbolAssignment]uint64)
	record := func(cmd SectionCommand) {
		if a, ok := cmd.(*SymbolAssignment); ok && a.Sym != nil {
			ret[a] = a.Sym.Value
		}
	}
	for _, cmd := range s.Commands {
		record(cmd)
		if osec, ok := cmd.(*OutputSection); ok {
			for _, sub := range osec.Commands {
				record(sub)
			}
		}
	}
	return ret
}

// AssignAddresses lays out every output section once. It returns the first
// section whose address moved and the first symbol assignment whose value
// changed since the previous call.
func (s *LinkerScript) AssignAddresses() (*OutputSection, *SymbolAssignment) {
	ctx := s.ctx
	if s.HasSectionsCommand {
		s.Dot = ctx.ImageBase()
	} else {
		s.Dot = ctx.ImageBase()
		ctx.ElfHeader.Shdr.Addr = s.Dot
		ctx.ProgramHeaders.Shdr.Addr = s.Dot + ctx.ElfHeader.Shdr.Size
		s.Dot += s.headerSize()
	}

	for _, mr := range s.MemoryRegions {
		mr.CurPos = mr.Origin
	}

	s.state = &addressState{}
	s.recordedErrors = s.recordedErrors[:0]
	oldValues := s.symbolValues()

	var changedOsec *OutputSection
	for _, cmd := range s.Commands {
		switch c := cmd.(type) {
		case *SymbolAssignment:
			s.assignSymbol(c, false)
		case *OutputSection:
			if s.assignOffsets(c) && changedOsec == nil {
				changedOsec = c
			}
		}
	}
	s.state = nil

	var changedSym *SymbolAssignment
	for _, cmd := range s.Commands {
		if changedSym != nil {
			break
		}
		check := func(c SectionCommand) {
			if a, ok := c.(*SymbolAssignment); ok && a.Sym != nil && changedSym == nil {
				if old, ok := oldValues[a]; ok && old != a.Sym.Value {
					changedSym = a
				}
			}
		}
		check(cmd)
		if osec, ok := cmd.(*OutputSection); ok {
			for _, sub := range osec.Commands {
				check(sub)
			}
		}
	}
	return changedOsec, changedSym
}

func (s *LinkerScript) assignSymbol(cmd *SymbolAssignment, inSec bool) {
	if cmd.Name == "." {
		s.setDot(cmd.Expr, inSec)
		return
	}
	if cmd.Sym == nil {
		return
	}
	cmd.Sym.Value = cmd.Expr(s)
}

func (s *LinkerScript) setDot(e Expr, inSec bool) {
	val := e(s)
	if val < s.Dot && inSec {
		s.recordedErrors = append(s.recordedErrors, fmt.Sprintf(
			"unable to move location counter (0x%x) backward to 0x%x for section '%s'",
			s.Dot, val, s.state.outSec.Name))
	}
	if inSec {
		s.expandOutputSection(val - s.Dot)
	}
	s.Dot = val
}

func (s *LinkerScript) expandMemoryRegions(size uint64) {
	if s.state.memRegion != nil {
		s.state.memRegion.CurPos += size
	}
	if s.state.lmaRegion != nil && s.state.lmaRegion != s.state.memRegion {
		s.state.lmaRegion.CurPos += size
	}
}

func (s *LinkerScript) expandOutputSection(size uint64) {
	s.state.outSec.Shdr.Size += size
	s.expandMemoryRegions(size)
}

func (s *LinkerScript) assignOffsets(sec *OutputSection) bool {
	st := s.state
	isTbss := sec.IsTbss()
	sameMemRegion := st.memRegion == sec.MemRegion
	prevLMARegionIsDefault := st.lmaRegion == nil
	savedDot := s.Dot
	st.memRegion = sec.MemRegion
	st.lmaRegion = sec.LMARegion

	if !sec.IsAlloc() {
		s.Dot = 0
	} else if isTbss {
		// Consecutive .tbss sections share one address range starting at
		// the end of the previous one.
		if st.tbssAddr == 0 {
			st.tbssAddr = s.Dot
		} else {
			s.Dot = st.tbssAddr
		}
	} else {
		st.tbssAddr = 0
		if st.memRegion != nil {
			s.Dot = st.memRegion.CurPos
		}
		if sec.AddrExpr != nil {
			s.setDot(sec.AddrExpr, false)
		}
		if st.memRegion != nil && st.memRegion.CurPos < s.Dot {
			st.memRegion.CurPos = s.Dot
		}
	}

	st.outSec = sec
	if sec.AlignExpr != nil {
		sec.Shdr.AddrAlign = max(sec.Shdr.AddrAlign, sec.AlignExpr(s))
	}
	if !(sec.AddrExpr != nil && s.HasSectionsCommand) {
		pos := s.Dot
		s.Dot = utils.AlignTo(s.Dot, sec.Shdr.AddrAlign)
		s.expandMemoryRegions(s.Dot - pos)
	}
	addressChanged := sec.Shdr.Addr != s.Dot
	sec.Shdr.Addr = s.Dot

	// LMA follows VMA unless AT() or AT> says otherwise. Consecutive
	// sections in one region keep the previous offset.
	if sec.LMAExpr != nil {
		st.lmaOffset = sec.LMAExpr(s) - s.Dot
	} else if mr := sec.LMARegion; mr != nil {
		lmaStart := utils.AlignTo(mr.CurPos, sec.Shdr.AddrAlign)
		if mr.CurPos < lmaStart {
			mr.CurPos = lmaStart
		}
		st.lmaOffset = lmaStart - s.Dot
	} else if !sameMemRegion || !prevLMARegionIsDefault {
		st.lmaOffset = 0
	}
	sec.LMAOffset = st.lmaOffset

	if load := s.ctx.Phdr(sec.PtLoad); load != nil && sec == load.firstOwnedSection(s.ctx) {
		load.LMAOffset = st.lmaOffset
	}

	sec.Shdr.Size = 0
	for _, cmd := range sec.Commands {
		switch c := cmd.(type) {
		case *SymbolAssignment:
			s.assignSymbol(c, true)
		case *InputSectionDescription:
			for _, isec := range c.Sections {
				if isec.SpillOf != nil {
					continue
				}
				pos := s.Dot
				s.Dot = utils.AlignTo(s.Dot, isec.Align)
				isec.OutSecOff = s.Dot - sec.Shdr.Addr
				s.Dot += isec.GetSize()
				s.expandOutputSection(s.Dot - pos)
			}
		}
	}

	if !sec.IsAlloc() {
		s.Dot = savedDot
	} else if isTbss {
		st.tbssAddr = s.Dot
		s.Dot = savedDot
	}
	return addressChanged
}

// SpillSections moves trailing sections out of output sections that
// overflow their memory region, into their next potential spill location.
func (s *LinkerScript) SpillSections() bool {
	if len(s.potentialSpills) == 0 {
		return false
	}

	spilled := false
	for i := len(s.Commands) - 1; i >= 0; i-- {
		osec, ok := s.Commands[i].(*OutputSection)
		if !ok || osec.MemRegion == nil {
			continue
		}

		for j := len(osec.Commands) - 1; j >= 0; j-- {
			if !osec.MemRegion.overflowed() && !osec.LMARegion.overflowed() {
				break
			}
			isd, ok := osec.Commands[j].(*InputSectionDescription)
			if !ok {
				continue
			}

			moved := make(map[*InputSection]bool)
			for k := len(isd.Sections) - 1; k >= 0; k-- {
				isec := isd.Sections[k]
				if isec.SpillOf != nil {
					continue
				}
				list, ok := s.potentialSpills[isec]
				if !ok {
					continue
				}

				spill := list[0]
				if len(list) > 1 {
					s.potentialSpills[isec] = list[1:]
				} else {
					delete(s.potentialSpills, isec)
				}

				moved[isec] = true
				idx := slices.Index(spill.spillIsd.Sections, spill)
				spill.spillIsd.Sections[idx] = isec
				isec.Parent = spill.Parent
				isec.Align = spill.Align
				spill.Parent.HasInputSections = true

				osec.MemRegion.CurPos -= isec.GetSize()
				if osec.LMARegion != nil {
					osec.LMARegion.CurPos -= isec.GetSize()
				}
				if !osec.MemRegion.overflowed() && !osec.LMARegion.overflowed() {
					break
				}
			}

			if len(moved) > 0 {
				spilled = true
				isd.Sections = utils.RemoveIf(isd.Sections, func(isec *InputSection) bool {
					return moved[isec] && isec.Parent != osec
				})
			}
		}
	}
	return spilled
}

// ErasePotentialSpillSections drops the placeholders left after layout has
// settled.
func (s *LinkerScript) ErasePotentialSpillSections() {
	if len(s.potentialSpills) == 0 {
		return
	}
	for _, osec := range s.OutputSections() {
		for _, cmd := range osec.Commands {
			if isd, ok := cmd.(*InputSectionDescription); ok {
				isd.Sections = utils.RemoveIf(isd.Sections, func(isec *InputSection) bool {
					return isec.SpillOf != nil
				})
			}
		}
	}
	clear(s.potentialSpills)
}

// ReportRecordedErrors emits diagnostics that only count once addresses
// have settled.
func (s *LinkerScript) ReportRecordedErrors() {
	for _, msg := range s.recordedErrors {
		s.ctx.Diag.Error(ErrLayout, "%s", msg)
	}
}

func (s *LinkerScript) CheckMemoryRegions() {
	for _, mr := range s.MemoryRegions {
		if !mr.overflowed() {
			continue
		}
		var last *OutputSection
		for _, osec := range s.ctx.OutputSections {
			if osec.MemRegion == mr || osec.LMARegion == mr {
				last = osec
			}
		}
		name := ""
		if last != nil {
			name = last.Name
		}
		s.ctx.Diag.Error(ErrLayout, "section '%s' will not fit in region '%s': overflowed by %d bytes",
			name, mr.Name, mr.CurPos-mr.Origin-mr.Length)
	}
}

// AllocateHeaders places the ELF and program headers below the lowest
// section when a SECTIONS command left room for them. Otherwise the headers
// are dropped from the first PT_LOAD and PT_PHDR is removed.
func (s *LinkerScript) AllocateHeaders(part *Partition) {
	ctx := s.ctx
	minAddr := uint64(math.MaxUint64)
	for _, osec := range ctx.OutputSections {
		if osec.IsAlloc() {
			minAddr = min(minAddr, osec.Shdr.Addr)
		}
	}

	idx := slices.IndexFunc(part.Phdrs, func(p *PhdrEntry) bool {
		return p.Type == uint32(elf.PT_LOAD)
	})
	if idx == -1 {
		return
	}
	firstPTLoad := part.Phdrs[idx]

	headerSize := s.headerSize()
	base := utils.AlignDown(minAddr, ctx.Arg.MaxPageSize)
	if headerSize <= minAddr-base {
		minAddr = utils.AlignDown(minAddr-headerSize, ctx.Arg.MaxPageSize)
		ctx.ElfHeader.Shdr.Addr = minAddr
		ctx.ProgramHeaders.Shdr.Addr = minAddr + ctx.ElfHeader.Shdr.Size
		return
	}

	ctx.ElfHeader.PtLoad = 0
	ctx.ProgramHeaders.PtLoad = 0
	firstPTLoad.FirstSec = firstPTLoad.firstOwnedSection(ctx)
	part.Phdrs = utils.RemoveIf(part.Phdrs, func(p *PhdrEntry) bool {
		if p.Type == uint32(elf.PT_PHDR) {
			ctx.dropPhdr(p)
			return true
		}
		return false
	})
}

// ConstExpr and the helpers below build common placement expressions.
func ConstExpr(v uint64) Expr {
	return func(*LinkerScript) uint64 { return v }
}

func AlignDotExpr(align uint64) Expr {
	return func(s *LinkerScript) uint64 { return utils.AlignTo(s.Dot, align) }
}

func DotPlusExpr(n uint64) Expr {
	return func(s *LinkerScript) uint64 { return s.Dot + n }
}

func DotExpr() Expr {
	return func(s *LinkerScript) uint64 { return s.Dot }
}
