package linker

import (
	"debug/elf"
	"math"
	"sort"

	"github.com/ksco/elfld/pkg/utils"
)

type sectionOffset struct {
	sec    *OutputSection
	offset uint64
}

// checkOverlap reports every pair of neighbouring ranges that intersect.
// Sections of one OVERLAY may share virtual addresses.
func checkOverlap(ctx *Context, name string, sections []sectionOffset, isVirtualAddr bool) {
	sort.SliceStable(sections, func(i, j int) bool {
		return sections[i].offset < sections[j].offset
	})

	for i := 1; i < len(sections); i++ {
		a, b := sections[i-1], sections[i]
		if b.offset >= a.offset+a.sec.Shdr.Size {
			continue
		}
		if isVirtualAddr && a.sec.InOverlay && b.sec.InOverlay {
			continue
		}
		ctx.Diag.Error(ErrOverlap, "section %s %s range overlaps with %s\n>>> %s range is %s\n>>> %s range is %s",
			a.sec.Name, name, b.sec.Name,
			a.sec.Name, utils.RangeToString(a.offset, a.sec.Shdr.Size),
			b.sec.Name, utils.RangeToString(b.offset, b.sec.Shdr.Size))
	}
}

// checkSections verifies that sections fit the address space and that no
// two sections overlap in the file, in memory or at their load addresses.
func checkSections(ctx *Context) {
	for _, osec := range ctx.OutputSections {
		end := osec.Shdr.Addr + osec.Shdr.Size
		if end < osec.Shdr.Addr || (!ctx.Arg.Is64 && end > uint64(math.MaxUint32)+1) {
			ctx.Diag.Error(ErrLayout, "section %s at 0x%x of size 0x%x exceeds available address space",
				osec.Name, osec.Shdr.Addr, osec.Shdr.Size)
		}
	}

	fileOffs := make([]sectionOffset, 0)
	for _, osec := range ctx.OutputSections {
		if osec.Shdr.Size > 0 && !osec.IsNoBits() {
			fileOffs = append(fileOffs, sectionOffset{osec, osec.Shdr.Offset})
		}
	}
	checkOverlap(ctx, "file", fileOffs, false)

	// TLS sections are instantiated per thread, so their addresses in the
	// image may overlap with anything.
	vmas := make([]sectionOffset, 0)
	lmas := make([]sectionOffset, 0)
	for _, osec := range ctx.OutputSections {
		if osec.Shdr.Size > 0 && osec.IsAlloc() && osec.Shdr.Flags&uint64(elf.SHF_TLS) == 0 {
			vmas = append(vmas, sectionOffset{osec, osec.Shdr.Addr})
			lmas = append(lmas, sectionOffset{osec, osec.GetLMA()})
		}
	}
	checkOverlap(ctx, "virtual address", vmas, true)
	checkOverlap(ctx, "load address", lmas, false)
}

// checkExecuteOnly rejects data placed into code sections when the code
// segment will not be readable.
func checkExecuteOnly(ctx *Context) {
	if !ctx.Arg.ExecuteOnly {
		return
	}
	for _, osec := range ctx.OutputSections {
		if osec.Shdr.Flags&uint64(elf.SHF_EXECINSTR) == 0 {
			continue
		}
		for _, isec := range osec.InputSections() {
			if !isec.IsExec() {
				ctx.Diag.Error(ErrLayout, "cannot place %s into %s: --execute-only does not support intermingling data and code",
					isec, osec.Name)
			}
		}
	}
}
