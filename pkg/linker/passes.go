package linker

import (
	"debug/elf"
	"sort"

	"github.com/ksco/elfld/pkg/utils"
)

func ResolveSymbols(ctx *Context) {
	for _, file := range ctx.Objs {
		file.ResolveSymbols(ctx)
	}

	MarkLiveObjects(ctx)

	for _, file := range ctx.Objs {
		if !file.IsAlive {
			file.ClearSymbols()
		}
	}

	for _, file := range ctx.Objs {
		if file.IsAlive {
			file.ResolveSymbols(ctx)
		}
	}

	ctx.Objs = utils.RemoveIf[*ObjectFile](ctx.Objs, func(file *ObjectFile) bool {
		return !file.IsAlive
	})
}

func MarkLiveObjects(ctx *Context) {
	roots := make([]*ObjectFile, 0)
	for _, file := range ctx.Objs {
		if file.IsAlive {
			roots = append(roots, file)
		}
	}

	utils.Assert(len(roots) > 0)

	for len(roots) > 0 {
		file := roots[0]
		roots = roots[1:]
		file.MarkLiveObjects(ctx, func(o *ObjectFile) {
			roots = append(roots, o)
		})
	}
}

func ClaimUnresolvedSymbols(ctx *Context) {
	for _, file := range ctx.Objs {
		file.ClaimUnresolvedSymbols(ctx)
	}
}

func CreateCommonSections(ctx *Context) {
	for _, file := range ctx.Objs {
		file.CreateCommonSections()
	}
}

// BinSections puts every live input section into ctx.InputSections,
// object sections ahead of the synthetic ones already there, and attaches
// each unplaced one to its output section.
func BinSections(ctx *Context) {
	synthetic := ctx.InputSections
	ctx.InputSections = make([]*InputSection, 0, len(synthetic))
	for _, file := range ctx.Objs {
		for _, isec := range file.Sections {
			if isec == nil || !isec.IsAlive || isec.Type == SHT_LLVM_ADDRSIG {
				continue
			}
			ctx.InputSections = append(ctx.InputSections, isec)
		}
	}
	ctx.InputSections = append(ctx.InputSections, synthetic...)

	for _, isec := range ctx.InputSections {
		if isec.Parent != nil {
			continue
		}
		osec := GetOutputSectionInstance(ctx, isec.Name, isec.Type, isec.Flags, isec.Partition)
		osec.AddInputSection(isec)
	}
}

func ScanRelocations(ctx *Context) {
	for _, file := range ctx.Objs {
		file.ScanRelocations(ctx)
	}
}

// ReportUndefinedSymbols rejects strong references nobody defined. Shared
// objects may leave them to the dynamic linker.
func ReportUndefinedSymbols(ctx *Context) {
	if ctx.Arg.IsPic {
		return
	}

	names := make([]string, 0)
	for name, sym := range ctx.SymbolMap {
		if sym.Referenced && sym.IsUndefined() && !sym.IsWeak() {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		sym := ctx.SymbolMap[name]
		if sym.File != nil {
			ctx.Diag.Error(ErrSymbol, "undefined symbol: %s\n>>> referenced by %s", name, sym.File.File.Name)
			continue
		}
		ctx.Diag.Error(ErrSymbol, "undefined symbol: %s", name)
	}
}

// isSectionSymbol reports whether sym only names its section.
func isSectionSymbol(sym *Symbol) bool {
	return sym.Type == elf.STT_SECTION
}
