package linker

import (
	"debug/elf"

	"github.com/ksco/elfld/pkg/utils"
)

// ReservedSymbols are linker-defined symbols whose section is only known
// after the program headers exist. A nil field means input never referred
// to the name.
type ReservedSymbols struct {
	GlobalOffsetTable *Symbol
	Bss               *Symbol
	End1, End2        *Symbol
	Etext1, Etext2    *Symbol
	Edata1, Edata2    *Symbol
	RelaIpltStart     *Symbol
	RelaIpltEnd       *Symbol
	MipsGp            *Symbol
	MipsGpDisp        *Symbol
	MipsLocalGp       *Symbol
}

const mipsGpOffset = 0x7ff0

// addOptionalRegular defines name if some input referenced it and nothing
// defined it. osec may be nil for an absolute symbol.
func addOptionalRegular(ctx *Context, name string, osec *OutputSection, val uint64, vis elf.SymVis) *Symbol {
	sym := ctx.FindSymbol(name)
	if sym == nil || sym.IsDefined() || sym.IsCommon() {
		return nil
	}
	defineLinkerSymbol(sym, vis)
	sym.SetOutputSection(osec)
	sym.Value = val
	return sym
}

// addOptionalRegularAtEnd is addOptionalRegular for a symbol that marks the
// end of osec.
func addOptionalRegularAtEnd(ctx *Context, name string, osec *OutputSection, vis elf.SymVis) *Symbol {
	sym := addOptionalRegular(ctx, name, osec, 0, vis)
	if sym != nil {
		sym.AtEnd = true
	}
	return sym
}

func defineLinkerSymbol(sym *Symbol, vis elf.SymVis) {
	sym.File = nil
	sym.Kind = SymbolDefined
	sym.LinkerDefined = true
	sym.Binding = elf.STB_GLOBAL
	sym.Type = elf.STT_NOTYPE
	sym.Visibility = vis
	sym.Size = 0
	sym.Referenced = true
}

func addAbsolute(ctx *Context, name string) *Symbol {
	sym := GetSymbolByName(ctx, name)
	defineLinkerSymbol(sym, elf.STV_HIDDEN)
	sym.SetOutputSection(nil)
	sym.Value = 0
	return sym
}

func gotSymbolName(ctx *Context) string {
	if ctx.Arg.Machine == elf.EM_PPC64 {
		return ".TOC."
	}
	return "_GLOBAL_OFFSET_TABLE_"
}

// AddReservedSymbols defines the symbols every link may refer to. They are
// bound to the ELF header for now; SetReservedSymbolSections moves them to
// their final sections.
func AddReservedSymbols(ctx *Context) {
	switch ctx.Arg.Machine {
	case elf.EM_MIPS:
		ctx.Sym.MipsGp = addAbsolute(ctx, "_gp")
		if ctx.FindSymbol("_gp_disp") != nil {
			ctx.Sym.MipsGpDisp = addAbsolute(ctx, "_gp_disp")
		}
		if ctx.FindSymbol("__gnu_local_gp") != nil {
			ctx.Sym.MipsLocalGp = addAbsolute(ctx, "__gnu_local_gp")
		}
	case elf.EM_PPC:
		// Small data areas are not supported.
		addOptionalRegular(ctx, "_SDA_BASE_", nil, 0, elf.STV_HIDDEN)
	}

	gotName := gotSymbolName(ctx)
	if sym := ctx.FindSymbol(gotName); sym != nil {
		if sym.IsDefined() {
			ctx.Diag.Error(ErrSymbol, "%s cannot redefine linker defined symbol '%s'", sym, gotName)
			return
		}
		gotOff := uint64(0)
		if ctx.Arg.Machine == elf.EM_PPC64 {
			gotOff = 0x8000
		}
		defineLinkerSymbol(sym, elf.STV_HIDDEN)
		sym.SetOutputSection(ctx.ElfHeader)
		sym.Value = gotOff
		ctx.Sym.GlobalOffsetTable = sym
	}

	addOptionalRegular(ctx, "__ehdr_start", ctx.ElfHeader, 0, elf.STV_HIDDEN)
	addOptionalRegular(ctx, "__executable_start", ctx.ElfHeader, 0, elf.STV_HIDDEN)
	addOptionalRegular(ctx, "__dso_handle", ctx.ElfHeader, 0, elf.STV_HIDDEN)

	if ctx.Script.HasSectionsCommand {
		return
	}

	ctx.Sym.Bss = addOptionalRegular(ctx, "__bss_start", ctx.ElfHeader, 0, elf.STV_DEFAULT)
	ctx.Sym.End1 = addOptionalRegularAtEnd(ctx, "end", ctx.ElfHeader, elf.STV_DEFAULT)
	ctx.Sym.End2 = addOptionalRegularAtEnd(ctx, "_end", ctx.ElfHeader, elf.STV_DEFAULT)
	ctx.Sym.Etext1 = addOptionalRegularAtEnd(ctx, "etext", ctx.ElfHeader, elf.STV_DEFAULT)
	ctx.Sym.Etext2 = addOptionalRegularAtEnd(ctx, "_etext", ctx.ElfHeader, elf.STV_DEFAULT)
	ctx.Sym.Edata1 = addOptionalRegularAtEnd(ctx, "edata", ctx.ElfHeader, elf.STV_DEFAULT)
	ctx.Sym.Edata2 = addOptionalRegularAtEnd(ctx, "_edata", ctx.ElfHeader, elf.STV_DEFAULT)
}

// addRelIpltSymbols marks the IRELATIVE table of a static executable for
// the C runtime.
func addRelIpltSymbols(ctx *Context) {
	if ctx.Arg.IsPic {
		return
	}
	start, end := "__rel_iplt_start", "__rel_iplt_end"
	if ctx.Arg.IsRela {
		start, end = "__rela_iplt_start", "__rela_iplt_end"
	}
	ctx.Sym.RelaIpltStart = addOptionalRegular(ctx, start, ctx.ElfHeader, 0, elf.STV_HIDDEN)
	ctx.Sym.RelaIpltEnd = addOptionalRegular(ctx, end, ctx.ElfHeader, 0, elf.STV_HIDDEN)
}

// addStartEndSymbols defines the array bounds used by the C runtime. When
// the array section does not exist both bounds point at the ELF header so
// that loops over them run zero times.
func addStartEndSymbols(ctx *Context) {
	define := func(start, end string, osec *OutputSection) {
		if osec == nil {
			addOptionalRegular(ctx, start, ctx.ElfHeader, 0, elf.STV_HIDDEN)
			addOptionalRegular(ctx, end, ctx.ElfHeader, 0, elf.STV_HIDDEN)
			return
		}
		startSym := addOptionalRegular(ctx, start, osec, 0, elf.STV_HIDDEN)
		stopSym := addOptionalRegularAtEnd(ctx, end, osec, elf.STV_HIDDEN)
		if startSym != nil || stopSym != nil {
			osec.UsedInExpression = true
		}
	}

	define("__preinit_array_start", "__preinit_array_end", ctx.PreinitArray)
	define("__init_array_start", "__init_array_end", ctx.InitArray)
	define("__fini_array_start", "__fini_array_end", ctx.FiniArray)

	if osec := ctx.Script.findOutputSectionByName(".ARM.exidx"); osec != nil {
		define("__exidx_start", "__exidx_end", osec)
	}
}

// addStartStopSymbols defines __start_<name> and __stop_<name> for output
// sections named like C identifiers.
func addStartStopSymbols(ctx *Context, osec *OutputSection) {
	if !utils.IsValidCIdentifier(osec.Name) {
		return
	}
	vis := ctx.Arg.ZStartStopVisibility
	startSym := addOptionalRegular(ctx, "__start_"+osec.Name, osec, 0, vis)
	stopSym := addOptionalRegularAtEnd(ctx, "__stop_"+osec.Name, osec, vis)
	if startSym != nil || stopSym != nil {
		osec.UsedInExpression = true
	}
}

// addTargetSymbols defines _DYNAMIC and the RISC-V global pointer.
func addTargetSymbols(ctx *Context) {
	if ctx.In.Dynamic != nil && ctx.In.Dynamic.GetParent() != nil {
		if sym := ctx.FindSymbol("_DYNAMIC"); sym != nil && !sym.IsDefined() {
			defineLinkerSymbol(sym, elf.STV_HIDDEN)
			sym.Binding = elf.STB_WEAK
			sym.SetInputSection(ctx.In.Dynamic.Isec)
			sym.Value = 0
		}
	}

	if ctx.Arg.Machine == elf.EM_RISCV {
		osec := ctx.Script.findOutputSectionByName(".sdata")
		if osec == nil {
			osec = ctx.ElfHeader
		}
		addOptionalRegular(ctx, "__global_pointer$", osec, 0x800, elf.STV_DEFAULT)
	}
}

// SetReservedSymbolSections binds reserved symbols to the sections they
// describe. It runs once the program headers exist.
func SetReservedSymbolSections(ctx *Context) {
	if sym := ctx.Sym.GlobalOffsetTable; sym != nil && ctx.In.Got != nil && ctx.In.Got.GetParent() != nil {
		val := sym.Value
		sym.SetInputSection(ctx.In.Got.Isec)
		sym.Value = val
	}

	if ctx.Sym.RelaIpltStart != nil && ctx.In.RelaIplt != nil && ctx.In.RelaIplt.GetParent() != nil &&
		ctx.In.RelaIplt.IsNeeded(ctx) {
		ctx.Sym.RelaIpltStart.SetInputSection(ctx.In.RelaIplt.Isec)
		ctx.Sym.RelaIpltStart.Value = 0
		if ctx.Sym.RelaIpltEnd != nil {
			ctx.Sym.RelaIpltEnd.SetInputSection(ctx.In.RelaIplt.Isec)
			ctx.Sym.RelaIpltEnd.Value = ctx.In.RelaIplt.GetSize()
		}
	}

	var last *PhdrEntry
	var lastRO *OutputSection
	for _, part := range ctx.Partitions {
		for _, p := range part.Phdrs {
			if p.Type != uint32(elf.PT_LOAD) {
				continue
			}
			last = p
			if p.Flags&uint32(elf.PF_W) == 0 && p.LastSec != nil && !isLarge(ctx, p.LastSec) {
				lastRO = p.LastSec
			}
		}
	}

	bindEnd := func(sym *Symbol, osec *OutputSection) {
		if sym != nil && osec != nil {
			sym.SetOutputSection(osec)
		}
	}

	if lastRO != nil {
		bindEnd(ctx.Sym.Etext1, lastRO)
		bindEnd(ctx.Sym.Etext2, lastRO)
	}

	if last != nil {
		var edata *OutputSection
		for _, osec := range ctx.OutputSections {
			if !osec.IsNoBits() && !isLarge(ctx, osec) {
				edata = osec
			}
			if osec == last.LastSec {
				break
			}
		}
		bindEnd(ctx.Sym.Edata1, edata)
		bindEnd(ctx.Sym.Edata2, edata)
		bindEnd(ctx.Sym.End1, last.LastSec)
		bindEnd(ctx.Sym.End2, last.LastSec)
	}

	if sym := ctx.Sym.Bss; sym != nil {
		var osec *OutputSection
		if ctx.Arg.Machine == elf.EM_RISCV {
			osec = ctx.FindSection(".sbss")
		}
		if osec == nil {
			osec = ctx.FindSection(".bss")
		}
		// Absolute zero when there is no .bss at all.
		sym.SetOutputSection(osec)
	}

	if sym := ctx.Sym.MipsGp; sym != nil {
		for _, osec := range ctx.OutputSections {
			if osec.Shdr.Flags&SHF_MIPS_GPREL != 0 {
				sym.SetOutputSection(osec)
				sym.Value = mipsGpOffset
				return
			}
		}
		if ctx.In.Got != nil && ctx.In.Got.GetParent() != nil {
			sym.SetInputSection(ctx.In.Got.Isec)
			sym.Value = mipsGpOffset
		}
	}
}

// fixMipsGpAliases copies the final _gp address into the symbols that
// alias it.
func fixMipsGpAliases(ctx *Context) {
	if ctx.Sym.MipsGp == nil {
		return
	}
	gp := ctx.Sym.MipsGp.GetAddr(ctx)
	for _, sym := range []*Symbol{ctx.Sym.MipsGpDisp, ctx.Sym.MipsLocalGp} {
		if sym != nil {
			sym.SetOutputSection(nil)
			sym.Value = gp
		}
	}
}
