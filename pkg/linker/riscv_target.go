package linker

import (
	"debug/elf"
	"slices"
	"sort"

	"github.com/ksco/elfld/pkg/utils"
)

const R_RISCV_IRELATIVE uint32 = 58

type riscv struct {
	baseTarget
}

func newRISCV() *riscv {
	return &riscv{baseTarget{
		machine:      elf.EM_RISCV,
		imageBase:    0x10000,
		pageSize:     65536,
		relativeRel:  uint32(elf.R_RISCV_RELATIVE),
		iRelativeRel: R_RISCV_IRELATIVE,
		kinds: map[uint32]RelocKind{
			uint32(elf.R_RISCV_64):           RelocAbs,
			uint32(elf.R_RISCV_32):           RelocAbs,
			uint32(elf.R_RISCV_PCREL_HI20):   RelocPC,
			uint32(elf.R_RISCV_CALL):         RelocBranch,
			uint32(elf.R_RISCV_CALL_PLT):     RelocBranch,
			uint32(elf.R_RISCV_GOT_HI20):     RelocGot,
			uint32(elf.R_RISCV_TLS_GOT_HI20): RelocGotTp,
			uint32(elf.R_RISCV_ALIGN):        RelocAlign,
		},
	}}
}

func isRelaxable(isec *InputSection) bool {
	return isec.IsAlive && isec.Synthetic == nil && isec.IsExec() &&
		isec.Flags&uint64(elf.SHF_ALLOC) != 0 &&
		slices.ContainsFunc(isec.Relocs, func(r Reloc) bool { return r.Kind == RelocAlign })
}

// shrinkSection recomputes how many NOP bytes each R_RISCV_ALIGN can give
// back at the current addresses. It reports whether any count changed.
func shrinkSection(isec *InputSection) bool {
	rels := isec.Relocs
	deltas := make([]uint64, len(rels)+1)

	delta := uint64(0)
	for i := 0; i < len(rels); i++ {
		r := rels[i]
		deltas[i] = delta

		if r.Kind == RelocAlign {
			loc := isec.GetAddr() + r.Offset - delta
			nextLoc := loc + uint64(r.Addend)
			alignment := utils.BitCeil(uint64(r.Addend + 1))
			delta += nextLoc - utils.AlignTo(loc, alignment)
		}
	}
	deltas[len(rels)] = delta

	changed := !slices.Equal(deltas, isec.Deltas)
	isec.Deltas = deltas
	isec.Size = uint64(len(isec.Contents)) - isec.BytesDropped - delta
	return changed
}

func (t *riscv) RelaxOnce(ctx *Context, pass int) bool {
	changed := false
	for _, osec := range ctx.OutputSections {
		if osec.Shdr.Flags&uint64(elf.SHF_EXECINSTR) == 0 {
			continue
		}
		for _, isec := range osec.InputSections() {
			if isRelaxable(isec) {
				changed = shrinkSection(isec) || changed
			}
		}
	}
	return changed
}

// FinalizeRelax materialises the removed NOP bytes: contents are rewritten,
// relocation offsets and symbol values move down by the bytes removed
// before them.
func (t *riscv) FinalizeRelax(ctx *Context, passes int) {
	relaxed := utils.NewSet[*InputSection]()
	for _, osec := range ctx.OutputSections {
		for _, isec := range osec.InputSections() {
			if len(isec.Deltas) == 0 {
				continue
			}
			relaxed.Insert(isec)
		}
	}
	if len(relaxed) == 0 {
		return
	}

	forEachSymbol(ctx, func(sym *Symbol) {
		isec := sym.InputSection
		if isec == nil || !relaxed.Contains(isec) {
			return
		}
		rels := isec.Relocs
		idx := sort.Search(len(rels), func(i int) bool {
			return rels[i].Offset >= sym.Value
		})
		end := sort.Search(len(rels), func(i int) bool {
			return rels[i].Offset >= sym.Value+sym.Size
		})
		sym.Size -= isec.Deltas[end] - isec.Deltas[idx]
		sym.Value -= isec.Deltas[idx]
	})

	for _, osec := range ctx.OutputSections {
		for _, isec := range osec.InputSections() {
			if !relaxed.Contains(isec) {
				continue
			}
			buf := make([]byte, isec.Size)
			isec.CopyContents(ctx, buf)
			for i := range isec.Relocs {
				isec.Relocs[i].Offset -= isec.Deltas[i]
			}
			isec.Contents = buf
			isec.BytesDropped = 0
			isec.Deltas = nil
		}
	}
}
