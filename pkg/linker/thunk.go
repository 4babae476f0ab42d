package linker

import (
	"cmp"
	"debug/elf"
	"fmt"
	"slices"

	"github.com/ksco/elfld/pkg/utils"
)

// Thunk is a range extension stub. Sym marks its entry point inside the
// owning ThunkSection; branches redirected to the thunk reach Dest+Addend
// through it.
type Thunk struct {
	Dest   *Symbol
	Addend int64
	Sym    *Symbol
	Offset uint64
}

func (t *Thunk) GetAddr(ctx *Context) uint64 {
	return t.Sym.GetAddr(ctx)
}

type ThunkSection struct {
	SyntheticSection
	Thunks []*Thunk
}

func newThunkSection(os *OutputSection, off uint64) *ThunkSection {
	ts := &ThunkSection{
		SyntheticSection: NewSyntheticSection(".text.thunk", uint32(elf.SHT_PROGBITS),
			uint64(elf.SHF_ALLOC|elf.SHF_EXECINSTR), 4),
	}
	isec := NewSyntheticInputSection(ts)
	isec.Parent = os
	isec.OutSecOff = off
	isec.Partition = os.Partition
	return ts
}

func (ts *ThunkSection) Kind() int {
	return ChunkKindThunk
}

func (ts *ThunkSection) addThunk(t *Thunk) {
	t.Sym.SetInputSection(ts.Isec)
	ts.Thunks = append(ts.Thunks, t)
}

// assignOffsets lays the thunks out back to back and reports whether the
// section size changed.
func (ts *ThunkSection) assignOffsets(ctx *Context) bool {
	off := uint64(0)
	for _, t := range ts.Thunks {
		off = utils.AlignTo(off, 4)
		t.Offset = off
		t.Sym.Value = off
		t.Sym.Size = ctx.Target.ThunkSize()
		off += ctx.Target.ThunkSize()
	}
	changed := off != ts.Shdr.Size
	ts.Shdr.Size = off
	ts.Isec.Size = off
	return changed
}

func (ts *ThunkSection) CopyBuf(ctx *Context, buf []byte) {
	for _, t := range ts.Thunks {
		dst := t.Dest.GetAddr(ctx) + uint64(t.Addend)
		ctx.Target.WriteThunk(ctx, buf[t.Offset:], dst)
	}
}

type thunkSectionPass struct {
	ts   *ThunkSection
	pass int
}

type thunkKey struct {
	sym    *Symbol
	addend int64
}

// ThunkCreator inserts thunks for branches whose destinations are out of
// range. It runs once per pass of the address loop; thunks from earlier
// passes are reused while still reachable.
type ThunkCreator struct {
	ctx  *Context
	pass int

	thunkedSymbols map[thunkKey][]*Thunk
}

func NewThunkCreator(ctx *Context) *ThunkCreator {
	return &ThunkCreator{
		ctx:            ctx,
		thunkedSymbols: make(map[thunkKey][]*Thunk),
	}
}

func forEachInputSectionDescription(osecs []*OutputSection, fn func(os *OutputSection, isd *InputSectionDescription)) {
	for _, os := range osecs {
		if !os.IsAlloc() || os.Shdr.Flags&uint64(elf.SHF_EXECINSTR) == 0 {
			continue
		}
		for _, cmd := range os.Commands {
			if isd, ok := cmd.(*InputSectionDescription); ok {
				fn(os, isd)
			}
		}
	}
}

func (tc *ThunkCreator) addThunkSection(os *OutputSection, isd *InputSectionDescription, off uint64) *ThunkSection {
	ts := newThunkSection(os, off)
	isd.thunkSections = append(isd.thunkSections, thunkSectionPass{ts: ts, pass: tc.pass})
	return ts
}

// createInitialThunkSections pre-creates empty thunk sections every
// ThunkSectionSpacing bytes so most thunks land near their callers.
func (tc *ThunkCreator) createInitialThunkSections(osecs []*OutputSection) {
	spacing := tc.ctx.Target.ThunkSectionSpacing()
	forEachInputSectionDescription(osecs, func(os *OutputSection, isd *InputSectionDescription) {
		if len(isd.Sections) == 0 {
			return
		}
		first := isd.Sections[0]
		last := isd.Sections[len(isd.Sections)-1]
		isdBegin := first.OutSecOff
		isdEnd := last.OutSecOff + last.GetSize()

		lastThunkLowerBound := ^uint64(0)
		if isdEnd-isdBegin > spacing*2 {
			lastThunkLowerBound = isdEnd - spacing
		}

		var isecLimit uint64
		prevIsecLimit := isdBegin
		thunkUpperBound := isdBegin + spacing
		for _, isec := range isd.Sections {
			isecLimit = isec.OutSecOff + isec.GetSize()
			if isecLimit > thunkUpperBound {
				tc.addThunkSection(os, isd, prevIsecLimit)
				thunkUpperBound = prevIsecLimit + spacing
			}
			if isecLimit > lastThunkLowerBound {
				break
			}
			prevIsecLimit = isecLimit
		}
		tc.addThunkSection(os, isd, isecLimit)
	})
}

func (tc *ThunkCreator) getThunk(rel *Reloc, src uint64) (*Thunk, bool) {
	key := thunkKey{sym: rel.Sym, addend: rel.Addend}
	for _, t := range tc.thunkedSymbols[key] {
		if tc.ctx.Target.InBranchRange(rel.Type, src, t.GetAddr(tc.ctx)) {
			return t, false
		}
	}

	t := &Thunk{Dest: rel.Sym, Addend: rel.Addend}
	t.Sym = NewSymbol(fmt.Sprintf("__%sThunk_%s", targetThunkPrefix(tc.ctx), rel.Sym.Name))
	t.Sym.Kind = SymbolDefined
	t.Sym.LinkerDefined = true
	t.Sym.Binding = elf.STB_LOCAL
	t.Sym.Type = elf.STT_FUNC
	tc.thunkedSymbols[key] = append(tc.thunkedSymbols[key], t)
	return t, true
}

func targetThunkPrefix(ctx *Context) string {
	switch ctx.Arg.Machine {
	case elf.EM_AARCH64:
		return "AArch64AbsLong"
	case elf.EM_ARM:
		return "ARMv5AbsLong"
	}
	return ""
}

// normalizeExistingThunk reports whether rel still reaches the thunk it
// was redirected to. If not, rel is pointed back at the real destination
// so that a reachable thunk can be found.
func (tc *ThunkCreator) normalizeExistingThunk(rel *Reloc, src uint64) bool {
	if rel.Thunk == nil {
		return false
	}
	if tc.ctx.Target.InBranchRange(rel.Type, src, rel.Thunk.GetAddr(tc.ctx)) {
		return true
	}
	rel.Thunk = nil
	return false
}

func (tc *ThunkCreator) needsThunk(rel *Reloc, src uint64) bool {
	if rel.Kind != RelocBranch || rel.Sym == nil || !rel.Sym.IsDefined() {
		return false
	}
	dst := rel.Sym.GetAddr(tc.ctx) + uint64(rel.Addend)
	return !tc.ctx.Target.InBranchRange(rel.Type, src, dst)
}

// getISDThunkSec finds a thunk section reachable from src, or creates one
// as close to isec as the branch range allows.
func (tc *ThunkCreator) getISDThunkSec(os *OutputSection, isec *InputSection, isd *InputSectionDescription, rel *Reloc, src uint64) *ThunkSection {
	target := tc.ctx.Target
	for _, tp := range isd.thunkSections {
		ts := tp.ts
		tsBase := os.Shdr.Addr + ts.Isec.OutSecOff
		tsLimit := tsBase + ts.GetSize()
		dst := tsLimit
		if src > tsLimit {
			dst = tsBase
		}
		if target.InBranchRange(rel.Type, src, dst) {
			return ts
		}
	}

	off := isec.OutSecOff
	if !target.InBranchRange(rel.Type, src, os.Shdr.Addr+off) {
		off = isec.OutSecOff + isec.GetSize()
		if !target.InBranchRange(rel.Type, src, os.Shdr.Addr+off) {
			utils.Fatal(fmt.Sprintf("%s: InputSection too large for range extension thunk", isec))
		}
	}
	return tc.addThunkSection(os, isd, off)
}

// CreateThunks runs one thunk pass over osecs and reports whether any
// thunk section changed size.
func (tc *ThunkCreator) CreateThunks(pass int, osecs []*OutputSection) bool {
	ctx := tc.ctx
	tc.pass = pass
	changed := false

	if pass == 0 && ctx.Target.ThunkSectionSpacing() != 0 {
		tc.createInitialThunkSections(osecs)
	}

	forEachInputSectionDescription(osecs, func(os *OutputSection, isd *InputSectionDescription) {
		for _, isec := range isd.Sections {
			if isec.Synthetic != nil {
				continue
			}
			for i := range isec.Relocs {
				rel := &isec.Relocs[i]
				src := isec.GetAddr() + isec.GetOffset(rel.Offset)

				if pass > 0 && tc.normalizeExistingThunk(rel, src) {
					continue
				}
				if rel.Thunk != nil || !tc.needsThunk(rel, src) {
					continue
				}

				t, isNew := tc.getThunk(rel, src)
				if isNew {
					ts := tc.getISDThunkSec(os, isec, isd, rel, src)
					ts.addThunk(t)
				}
				rel.Thunk = t
			}
		}

		for _, tp := range isd.thunkSections {
			changed = tp.ts.assignOffsets(ctx) || changed
		}
	})

	tc.mergeThunks(osecs)
	return changed
}

// mergeThunks inserts this pass's new thunk sections into their input
// section lists by output offset. Empty pre-created sections are dropped.
func (tc *ThunkCreator) mergeThunks(osecs []*OutputSection) {
	forEachInputSectionDescription(osecs, func(os *OutputSection, isd *InputSectionDescription) {
		if len(isd.thunkSections) == 0 {
			return
		}

		isd.thunkSections = utils.RemoveIf(isd.thunkSections, func(tp thunkSectionPass) bool {
			return tp.ts.GetSize() == 0
		})

		newThunks := make([]*InputSection, 0)
		for _, tp := range isd.thunkSections {
			if tp.pass == tc.pass {
				newThunks = append(newThunks, tp.ts.Isec)
			}
		}
		slices.SortStableFunc(newThunks, func(a, b *InputSection) int {
			return cmp.Compare(a.OutSecOff, b.OutSecOff)
		})

		// Thunks go before ordinary sections at the same offset.
		merged := make([]*InputSection, 0, len(isd.Sections)+len(newThunks))
		i, j := 0, 0
		for i < len(isd.Sections) && j < len(newThunks) {
			if newThunks[j].OutSecOff <= isd.Sections[i].OutSecOff && !isd.Sections[i].IsThunkSection() {
				merged = append(merged, newThunks[j])
				j++
			} else if newThunks[j].OutSecOff < isd.Sections[i].OutSecOff {
				merged = append(merged, newThunks[j])
				j++
			} else {
				merged = append(merged, isd.Sections[i])
				i++
			}
		}
		merged = append(merged, isd.Sections[i:]...)
		merged = append(merged, newThunks[j:]...)
		isd.Sections = merged
	})
}
