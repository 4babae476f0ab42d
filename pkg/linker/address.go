package linker

import (
	"debug/elf"

	"github.com/ksco/elfld/pkg/utils"
)

const (
	maxThunkPasses  = 30
	maxAssignPasses = 5
)

// FinalizeAddressDependentContent iterates thunk creation or relaxation,
// spilling, synthetic section sizing and address assignment until nothing
// moves. Symbol values are final once a pass changes neither section
// addresses nor assigned symbols.
func FinalizeAddressDependentContent(ctx *Context) {
	s := ctx.Script
	s.AssignAddresses()
	ResolveShfLinkOrder(ctx)

	tc := NewThunkCreator(ctx)
	pass, assignPasses := 0, 0
	for {
		var changed bool
		if ctx.Target.NeedsThunks() {
			changed = tc.CreateThunks(pass, ctx.OutputSections)
		} else {
			changed = ctx.Target.RelaxOnce(ctx, pass)
		}
		spilled := s.SpillSections()
		changed = changed || spilled
		pass++

		if changed && pass >= maxThunkPasses {
			if ctx.Target.NeedsThunks() {
				ctx.Diag.Error(ErrDivergence, "thunk creation not converged")
			} else {
				ctx.Diag.Error(ErrDivergence, "relaxation not converged")
			}
			break
		}

		if ctx.In.Got != nil {
			finalizeSynthetic(ctx, ctx.In.Got, ctx.In.Got.Isec)
		}
		if ctx.In.RelaDyn != nil {
			changed = ctx.In.RelaDyn.UpdateSize(ctx) || changed
		}
		if ctx.In.RelaIplt != nil {
			changed = ctx.In.RelaIplt.UpdateSize(ctx) || changed
		}

		osec, sym := s.AssignAddresses()
		if !changed {
			if osec == nil && sym == nil {
				break
			}
			assignPasses++
			if assignPasses == maxAssignPasses {
				if osec != nil {
					ctx.Diag.Error(ErrDivergence, "address (0x%x) of section '%s' does not converge",
						osec.Shdr.Addr, osec.Name)
				}
				if sym != nil {
					ctx.Diag.Error(ErrDivergence, "assignment to symbol %s does not converge", sym.Name)
				}
				break
			}
		} else if spilled {
			ResolveShfLinkOrder(ctx)
		}
	}
	ctx.Target.FinalizeRelax(ctx, pass)

	imageBase := ctx.Arg.ImageBase
	if s.HasSectionsCommand {
		imageBase = 0
	}
	for _, osec := range s.OutputSections() {
		if osec.IsAlloc() && osec.Shdr.Addr < imageBase {
			ctx.Diag.Error(ErrLayout,
				"section '%s' address (0x%x) is smaller than image base (0x%x); specify --image-base",
				osec.Name, osec.Shdr.Addr, imageBase)
		}
		if osec.Shdr.Addr%osec.Shdr.AddrAlign != 0 {
			ctx.Diag.Warn("address (0x%x) of section %s is not a multiple of alignment (%d)",
				osec.Shdr.Addr, osec.Name, osec.Shdr.AddrAlign)
		}
	}

	s.ErasePotentialSpillSections()
}

// fixSectionAlignments gives the first section of every PT_LOAD an
// address congruent to its file offset modulo the page size. Segments may
// share a page in the file; transitions requested by -z separate-code and
// partition starts get a fresh page instead.
func fixSectionAlignments(ctx *Context) {
	maxPage := ctx.Arg.MaxPageSize
	for _, part := range ctx.Partitions {
		var prev *PhdrEntry
		for _, p := range part.Phdrs {
			if p.Type != uint32(elf.PT_LOAD) || p.FirstSec == nil {
				continue
			}

			cmd := p.FirstSec
			cmd.AlignExpr = ConstExpr(cmd.Shdr.AddrAlign)
			if cmd.AddrExpr == nil {
				switch {
				case ctx.Arg.ZSeparate == SeparateLoadable ||
					(ctx.Arg.ZSeparate == SeparateCode && prev != nil &&
						prev.Flags&uint32(elf.PF_X) != p.Flags&uint32(elf.PF_X)) ||
					cmd.Shdr.Type == SHT_LLVM_PART_EHDR:
					cmd.AddrExpr = func(s *LinkerScript) uint64 {
						return utils.AlignTo(s.Dot, maxPage)
					}
				case ctx.TlsPhdr != nil && ctx.TlsPhdr.FirstSec == p.FirstSec:
					// PT_TLS starts the RW segment, so its alignment must
					// hold for the segment start too.
					cmd.AddrExpr = func(s *LinkerScript) uint64 {
						return utils.AlignTo(s.Dot, maxPage) +
							utils.AlignTo(s.Dot%maxPage, ctx.TlsPhdr.Align)
					}
				default:
					cmd.AddrExpr = func(s *LinkerScript) uint64 {
						return utils.AlignTo(s.Dot, maxPage) + s.Dot%maxPage
					}
				}
			}
			prev = p
		}
	}
}

// OptimizeBasicBlockJumps deletes jumps to the immediately following
// section and then trims the bytes they occupied.
func OptimizeBasicBlockJumps(ctx *Context) {
	ctx.Script.AssignAddresses()

	for _, osec := range ctx.OutputSections {
		if osec.Shdr.Flags&uint64(elf.SHF_EXECINSTR) == 0 {
			continue
		}
		sections := osec.InputSections()
		deleted := 0
		for i, isec := range sections {
			var next *InputSection
			if i+1 < len(sections) {
				next = sections[i+1]
			}
			if ctx.Target.DeleteFallThruJmpInsn(ctx, isec, next) {
				deleted++
			}
		}
		if deleted > 0 {
			ctx.Script.AssignAddresses()
		}
	}

	fixSymbolsAfterShrinking(ctx)
	for _, osec := range ctx.OutputSections {
		for _, isec := range osec.InputSections() {
			isec.Trim()
		}
	}
}

// fixSymbolsAfterShrinking moves symbols that pointed into the dropped
// tail of a section to its new end, and shrinks those that spanned it.
func fixSymbolsAfterShrinking(ctx *Context) {
	forEachSymbol(ctx, func(sym *Symbol) {
		isec := sym.InputSection
		if !sym.IsDefined() || isec == nil || isec.BytesDropped == 0 {
			return
		}

		oldSize := uint64(len(isec.Contents))
		newSize := oldSize - isec.BytesDropped
		if sym.Value > newSize && sym.Value <= oldSize {
			sym.Value -= isec.BytesDropped
			return
		}
		if sym.Value+sym.Size > newSize && sym.Value <= oldSize && sym.Value+sym.Size <= oldSize {
			sym.Size -= isec.BytesDropped
		}
	})
}
