package linker

import (
	"debug/elf"
	"strings"
)

// AssignPartitions reads the partition requests of the live objects and
// places each input section in the partition whose entry symbols reach
// it. A section reachable from the main roots, or from more than one
// partition, stays in the main partition.
func AssignPartitions(ctx *Context) {
	for _, file := range ctx.Objs {
		file.readSymbolPartitions(ctx)
	}
	if len(ctx.Partitions) == 1 {
		return
	}

	m := newPartitionMarker(ctx)
	owner := make(map[*Symbol]uint8)
	for _, part := range ctx.Partitions[1:] {
		for _, sym := range part.Entries {
			owner[sym] = part.Number
		}
	}

	m.mark(1, m.mainRoots(ctx, owner))
	for _, part := range ctx.Partitions[1:] {
		roots := make([]*InputSection, 0, len(part.Entries))
		for _, sym := range part.Entries {
			roots = append(roots, sym.InputSection)
		}
		m.mark(part.Number, roots)
	}

	// IFUNC and TLS definitions are resolved through the main partition.
	var moved []*InputSection
	for _, file := range ctx.Objs {
		for _, sym := range file.Symbols {
			if sym == nil || sym.InputSection == nil {
				continue
			}
			if sym.Type == STT_GNU_IFUNC || sym.Type == elf.STT_TLS {
				moved = append(moved, sym.InputSection)
			}
		}
	}
	m.mark(1, moved)

	for _, isec := range m.sections {
		if isec.Partition == 0 {
			isec.Partition = 1
		}
	}

	copySectionsIntoPartitions(ctx)
}

// copySectionsIntoPartitions gives every partition its own copy of the
// allocated notes, so each loadable partition carries them.
func copySectionsIntoPartitions(ctx *Context) {
	for _, part := range ctx.Partitions[1:] {
		for _, file := range ctx.Objs {
			for _, isec := range file.Sections {
				if isec == nil || !isec.IsAlive || isec.Type != uint32(elf.SHT_NOTE) ||
					isec.Flags&uint64(elf.SHF_ALLOC) == 0 {
					continue
				}
				cp := *isec
				cp.Partition = part.Number
				ctx.InputSections = append(ctx.InputSections, &cp)
			}
		}
	}
}

type partitionMarker struct {
	sections   []*InputSection
	dependents map[*InputSection][]*InputSection
	queue      []*InputSection
}

func newPartitionMarker(ctx *Context) *partitionMarker {
	m := &partitionMarker{dependents: make(map[*InputSection][]*InputSection)}
	for _, file := range ctx.Objs {
		for _, isec := range file.Sections {
			if isec == nil || !isec.IsAlive {
				continue
			}
			isec.Partition = 0
			m.sections = append(m.sections, isec)
			if dep := isec.LinkOrderDep; dep != nil {
				m.dependents[dep] = append(m.dependents[dep], isec)
			}
		}
	}
	return m
}

// mainRoots returns the sections the main partition keeps regardless of
// references: the entry point, the init and fini machinery, the notes, and
// in a shared object the exported symbols no other partition claims.
func (m *partitionMarker) mainRoots(ctx *Context, owner map[*Symbol]uint8) []*InputSection {
	var roots []*InputSection
	if sym, ok := ctx.SymbolMap[ctx.Arg.Entry]; ok {
		roots = append(roots, sym.InputSection)
	}

	for _, isec := range m.sections {
		switch elf.SectionType(isec.Type) {
		case elf.SHT_INIT_ARRAY, elf.SHT_FINI_ARRAY, elf.SHT_PREINIT_ARRAY, elf.SHT_NOTE:
			roots = append(roots, isec)
			continue
		}
		if isKeptByName(isec.Name) {
			roots = append(roots, isec)
		}
	}

	if ctx.Arg.IsPic {
		for _, sym := range ctx.SymbolMap {
			if !sym.IsDefined() || sym.Binding == elf.STB_LOCAL ||
				sym.Visibility == elf.STV_HIDDEN || owner[sym] != 0 {
				continue
			}
			roots = append(roots, sym.InputSection)
		}
	}
	return roots
}

func isKeptByName(name string) bool {
	switch name {
	case ".init", ".fini", ".jcr":
		return true
	}
	return strings.HasPrefix(name, ".ctors") || strings.HasPrefix(name, ".dtors")
}

// mark claims every section reachable from roots for partition number.
// A section already claimed by a different partition moves to main.
func (m *partitionMarker) mark(number uint8, roots []*InputSection) {
	for _, isec := range roots {
		m.enqueue(isec, number)
	}

	for len(m.queue) > 0 {
		isec := m.queue[0]
		m.queue = m.queue[1:]
		for _, r := range isec.Relocs {
			if r.Sym != nil {
				m.enqueue(r.Sym.InputSection, number)
			}
		}
		for _, dep := range m.dependents[isec] {
			m.enqueue(dep, number)
		}
	}
}

func (m *partitionMarker) enqueue(isec *InputSection, number uint8) {
	if isec == nil || !isec.IsAlive || isec.Partition == 1 || isec.Partition == number {
		return
	}
	if isec.Partition != 0 {
		isec.Partition = 1
	} else {
		isec.Partition = number
	}
	m.queue = append(m.queue, isec)
}
