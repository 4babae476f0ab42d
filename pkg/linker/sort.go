package linker

import (
	"debug/elf"
	"math"
	"math/rand"
	"path"
	"sort"
	"time"
)

// BuildSectionOrder folds the symbol ordering file into ctx.SectionOrder.
// Listed symbols get negative priorities in file order so they sort before
// anything placed externally; a section takes the lowest priority of the
// symbols it defines.
func BuildSectionOrder(ctx *Context) map[*InputSection]int {
	order := make(map[*InputSection]int, len(ctx.SectionOrder))
	for isec, prio := range ctx.SectionOrder {
		order[isec] = prio
	}
	if len(ctx.Arg.SymbolOrderingFile) == 0 {
		return order
	}

	type entry struct {
		priority int
		present  bool
	}
	symbolOrder := make(map[string]*entry, len(ctx.Arg.SymbolOrderingFile))
	priority := -len(order) - len(ctx.Arg.SymbolOrderingFile)
	for _, name := range ctx.Arg.SymbolOrderingFile {
		if _, ok := symbolOrder[name]; !ok {
			symbolOrder[name] = &entry{priority: priority}
		}
		priority++
	}

	forEachSymbol(ctx, func(sym *Symbol) {
		ent, ok := symbolOrder[sym.Name]
		if !ok {
			return
		}
		ent.present = true
		warnUnorderableSymbol(ctx, sym)

		if sym.IsDefined() && sym.InputSection != nil {
			prio, ok := order[sym.InputSection]
			if !ok {
				prio = 0
			}
			order[sym.InputSection] = min(prio, ent.priority)
		}
	})

	if ctx.Arg.WarnSymbolOrdering {
		for _, name := range ctx.Arg.SymbolOrderingFile {
			if ent := symbolOrder[name]; !ent.present {
				ctx.Diag.Warn("symbol ordering file: no such symbol: %s", name)
				ent.present = true
			}
		}
	}
	return order
}

func warnUnorderableSymbol(ctx *Context, sym *Symbol) {
	if !ctx.Arg.WarnSymbolOrdering {
		return
	}

	file := "<internal>"
	if sym.File != nil {
		file = sym.File.File.Name
	}

	switch {
	case sym.IsUndefined():
		ctx.Diag.Warn("%s: unable to order undefined symbol: %s", file, sym.Name)
	case sym.IsDefined() && sym.InputSection == nil && sym.OutputSection == nil:
		ctx.Diag.Warn("%s: unable to order absolute symbol: %s", file, sym.Name)
	case sym.IsDefined() && sym.OutputSection != nil:
		ctx.Diag.Warn("%s: unable to order synthetic symbol: %s", file, sym.Name)
	case sym.IsDefined() && !sym.InputSection.IsAlive:
		ctx.Diag.Warn("%s: unable to order discarded symbol: %s", file, sym.Name)
	}
}

func matchSectionGlob(pattern, name string) bool {
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}

// maybeShuffle applies --shuffle-sections and then gives every section
// without a priority one in input order, after all existing ones.
func maybeShuffle(ctx *Context, order map[*InputSection]int) {
	if len(ctx.Arg.ShuffleSections) == 0 {
		return
	}

	sections := make([]*InputSection, len(ctx.InputSections))
	copy(sections, ctx.InputSections)

	for _, rule := range ctx.Arg.ShuffleSections {
		matched := make([]*InputSection, 0)
		for _, isec := range sections {
			if matchSectionGlob(rule.Pattern, isec.Name) {
				matched = append(matched, isec)
			}
		}

		if rule.Seed == -1 {
			for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
				matched[i], matched[j] = matched[j], matched[i]
			}
		} else {
			seed := rule.Seed
			if seed == 0 {
				seed = time.Now().UnixNano()
			}
			r := rand.New(rand.NewSource(seed))
			r.Shuffle(len(matched), func(i, j int) {
				matched[i], matched[j] = matched[j], matched[i]
			})
		}

		i := 0
		for k, isec := range sections {
			if matchSectionGlob(rule.Pattern, isec.Name) {
				sections[k] = matched[i]
				i++
			}
		}
	}

	prio := 0
	for _, isec := range sections {
		if _, ok := order[isec]; !ok {
			order[isec] = prio
			prio++
		}
	}
}

// sortISDBySectionOrder moves ordered sections in front of the rest. In
// large executable sections the ordered group goes in the middle so both
// ends stay within branch range of it.
func sortISDBySectionOrder(ctx *Context, isd *InputSectionDescription, order map[*InputSection]int, exec bool) {
	type ordered struct {
		isec *InputSection
		prio int
	}

	unorderedSections := make([]*InputSection, 0, len(isd.Sections))
	orderedSections := make([]ordered, 0)
	unorderedSize := uint64(0)
	totalSize := uint64(0)

	for _, isec := range isd.Sections {
		if exec {
			totalSize += isec.GetSize()
		}
		prio, ok := order[isec]
		if !ok {
			unorderedSections = append(unorderedSections, isec)
			unorderedSize += isec.GetSize()
			continue
		}
		orderedSections = append(orderedSections, ordered{isec, prio})
	}

	sort.SliceStable(orderedSections, func(i, j int) bool {
		return orderedSections[i].prio < orderedSections[j].prio
	})

	insPt := 0
	spacing := ctx.Target.ThunkSectionSpacing()
	if exec && len(orderedSections) > 0 && spacing != 0 && totalSize >= spacing {
		pos := uint64(0)
		for ; insPt < len(unorderedSections); insPt++ {
			pos += unorderedSections[insPt].GetSize()
			if pos > unorderedSize/2 {
				break
			}
		}
	}

	sections := make([]*InputSection, 0, len(isd.Sections))
	sections = append(sections, unorderedSections[:insPt]...)
	for _, o := range orderedSections {
		sections = append(sections, o.isec)
	}
	sections = append(sections, unorderedSections[insPt:]...)
	isd.Sections = sections
}

func sortSection(ctx *Context, osec *OutputSection, order map[*InputSection]int) {
	name := osec.Name
	if name == ".init" || name == ".fini" {
		return
	}

	if len(order) > 0 {
		exec := osec.Shdr.Flags&uint64(elf.SHF_EXECINSTR) != 0
		for _, cmd := range osec.Commands {
			if isd, ok := cmd.(*InputSectionDescription); ok {
				sortISDBySectionOrder(ctx, isd, order, exec)
			}
		}
	}

	if ctx.Script.HasSectionsCommand {
		return
	}

	switch name {
	case ".init_array", ".fini_array":
		osec.SortInitFini()
	case ".ctors", ".dtors":
		osec.SortCtorsDtors()
	}
}

func sortInputSections(ctx *Context) {
	order := BuildSectionOrder(ctx)
	maybeShuffle(ctx, order)
	for _, osec := range ctx.Script.OutputSections() {
		sortSection(ctx, osec, order)
	}
}

// compareSections orders output sections by rank. Sections with a fixed
// start address keep the order of their addresses.
func compareSections(ctx *Context, a, b *OutputSection) bool {
	if a.SortRank != b.SortRank {
		return a.SortRank < b.SortRank
	}
	if a.SortRank&RF_NOT_ADDR_SET == 0 {
		return ctx.Arg.SectionStartMap[a.Name] < ctx.Arg.SectionStartMap[b.Name]
	}
	return false
}

// SortSections sorts input sections inside each output section and then
// the output sections themselves. With a SECTIONS command only orphans
// move.
func SortSections(ctx *Context) {
	s := ctx.Script
	sortInputSections(ctx)

	for _, osec := range s.OutputSections() {
		osec.SortRank = GetSectionRank(ctx, osec)
	}

	if !s.HasSectionsCommand {
		sections := make([]SectionCommand, 0, len(s.Commands))
		others := make([]SectionCommand, 0)
		for _, cmd := range s.Commands {
			if _, ok := cmd.(*OutputSection); ok {
				sections = append(sections, cmd)
			} else {
				others = append(others, cmd)
			}
		}
		sort.SliceStable(sections, func(i, j int) bool {
			return compareSections(ctx, sections[i].(*OutputSection), sections[j].(*OutputSection))
		})
		s.Commands = append(sections, others...)
	}

	s.AdjustOutputSections()

	if s.HasSectionsCommand {
		sortOrphanSections(ctx)
	}
}

func rankProximity(a *OutputSection, cmd SectionCommand) int {
	if b, ok := cmd.(*OutputSection); ok && b.HasInputSections {
		return RankProximity(a.SortRank, b.SortRank)
	}
	return -1
}

func isOutputSecWithInputSections(cmd SectionCommand) bool {
	osec, ok := cmd.(*OutputSection)
	return ok && osec.HasInputSections
}

// shouldSkip reports whether an orphan may be placed after cmd. Assignments
// to symbols usually mark the end of the section before them.
func shouldSkip(cmd SectionCommand) bool {
	if a, ok := cmd.(*SymbolAssignment); ok {
		return a.Name != "."
	}
	return false
}

// findOrphanPos returns where in cmds[b:e] the orphan cmds[e] goes. The
// anchor is the section sharing the most leading rank bits; ties go to the
// last anchor whose rank does not exceed the orphan's.
func findOrphanPos(ctx *Context, cmds []SectionCommand, b, e int) int {
	sec := cmds[e].(*OutputSection)
	if !sec.IsAlloc() {
		return e
	}

	maxP := 0
	i := e
	for j := b; j < e; j++ {
		p := rankProximity(sec, cmds[j])
		if p > maxP || (p == maxP && cmds[j].(*OutputSection).SortRank <= sec.SortRank) {
			maxP = p
			i = j
		}
	}
	if i == e {
		return e
	}

	// With memory regions the orphan continues the anchor's region.
	mustAfter := len(ctx.Script.MemoryRegions) > 0
	if cmds[i].(*OutputSection).SortRank <= sec.SortRank || mustAfter {
		i++
		for j := i; j < e; j++ {
			if !isOutputSecWithInputSections(cmds[j]) {
				continue
			}
			if rankProximity(sec, cmds[j]) != maxP {
				break
			}
			i = j + 1
		}
	} else {
		for ; i > b; i-- {
			if isOutputSecWithInputSections(cmds[i-1]) {
				break
			}
		}
	}

	// An orphan that would come last goes past every other command.
	found := false
	for j := i; j < e; j++ {
		if isOutputSecWithInputSections(cmds[j]) {
			found = true
			break
		}
	}
	if !found {
		return e
	}

	for i < e && shouldSkip(cmds[i]) {
		i++
	}
	return i
}

// sortOrphanSections sorts the orphans, which sit at the end of the
// command list, and moves each to the last position where it can share a
// segment with similar sections. Script sections never move.
func sortOrphanSections(ctx *Context) {
	s := ctx.Script
	cmds := s.Commands
	e := len(cmds)

	nonScriptI := e
	for k, cmd := range cmds {
		if osec, ok := cmd.(*OutputSection); ok && osec.SectionIndex == math.MaxUint32 {
			nonScriptI = k
			break
		}
	}

	orphans := cmds[nonScriptI:]
	sort.SliceStable(orphans, func(i, j int) bool {
		return compareSections(ctx, orphans[i].(*OutputSection), orphans[j].(*OutputSection))
	})

	// A leading ". = addr" sets the load address, and every section is
	// expected to come after it.
	i := 0
	for i < e && shouldSkip(cmds[i]) {
		i++
	}
	if i < e {
		if _, ok := cmds[i].(*SymbolAssignment); ok {
			i++
		}
	}

	for nonScriptI < e {
		pos := findOrphanPos(ctx, cmds, i, nonScriptI)
		rank := cmds[nonScriptI].(*OutputSection).SortRank

		end := nonScriptI + 1
		for end < e && cmds[end].(*OutputSection).SortRank == rank {
			end++
		}

		rotateCommands(cmds[pos:end], nonScriptI-pos)
		nonScriptI = end
	}
}

// rotateCommands moves cmds[mid:] in front of cmds[:mid].
func rotateCommands(cmds []SectionCommand, mid int) {
	if mid == 0 || mid == len(cmds) {
		return
	}
	tmp := make([]SectionCommand, mid)
	copy(tmp, cmds[:mid])
	copy(cmds, cmds[mid:])
	copy(cmds[len(cmds)-mid:], tmp)
}

// compareByFilePosition orders SHF_LINK_ORDER sections by the position of
// the sections they are linked to. Sections without a link come last.
func compareByFilePosition(a, b *InputSection) bool {
	var la, lb *InputSection
	if a.Flags&uint64(elf.SHF_LINK_ORDER) != 0 {
		la = a.LinkOrderDep
	}
	if b.Flags&uint64(elf.SHF_LINK_ORDER) != 0 {
		lb = b.LinkOrderDep
	}
	if la == nil || lb == nil {
		return la != nil && lb == nil
	}

	aOut, bOut := la.Parent, lb.Parent
	if aOut == bOut {
		return la.OutSecOff < lb.OutSecOff
	}
	if aOut.Shdr.Addr == bOut.Shdr.Addr {
		return aOut.SectionIndex < bOut.SectionIndex
	}
	return aOut.Shdr.Addr < bOut.Shdr.Addr
}

// ResolveShfLinkOrder sorts SHF_LINK_ORDER input sections to follow the
// order of the sections they describe. Each input section description is
// sorted on its own.
func ResolveShfLinkOrder(ctx *Context) {
	for _, osec := range ctx.OutputSections {
		if osec.Shdr.Flags&uint64(elf.SHF_LINK_ORDER) == 0 {
			continue
		}
		if ctx.Arg.Machine == elf.EM_ARM && osec.Shdr.Type == SHT_ARM_EXIDX {
			continue
		}

		for _, cmd := range osec.Commands {
			isd, ok := cmd.(*InputSectionDescription)
			if !ok {
				continue
			}

			hasLinkOrder := false
			for _, isec := range isd.Sections {
				if isec.Flags&uint64(elf.SHF_LINK_ORDER) == 0 {
					continue
				}
				if dep := isec.LinkOrderDep; dep != nil && dep.Parent == nil {
					ctx.Diag.Error(ErrLayout, "%s: sh_link points to discarded section %s", isec, dep)
				}
				hasLinkOrder = true
			}

			if hasLinkOrder && ctx.Diag.ErrCount() == 0 {
				sort.SliceStable(isd.Sections, func(i, j int) bool {
					return compareByFilePosition(isd.Sections[i], isd.Sections[j])
				})
			}
		}
	}
}
