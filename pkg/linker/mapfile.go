package linker

import (
	"debug/elf"
	"fmt"
	"io"
	"sort"

	"github.com/k0kubun/pp/v3"
)

type mapSegment struct {
	Type   string
	Flags  string
	Offset string
	VAddr  string
	FileSz string
	MemSz  string
	Align  uint64
	First  string
	Last   string
}

// WriteMap prints the section layout in the traditional link map format
// followed by a dump of the program headers.
func WriteMap(ctx *Context, w io.Writer) {
	width := 8
	if ctx.Arg.Is64 {
		width = 16
	}
	row := func(addr, lma, size, align uint64, indent int, name string) {
		fmt.Fprintf(w, "%*x %*x %8x %5d %*s%s\n", width, addr, width, lma, size, align, indent, "", name)
	}

	fmt.Fprintf(w, "%*s %*s %8s %5s Out     In      Symbol\n", width, "VMA", width, "LMA", "Size", "Align")

	syms := mapSymbols(ctx)
	for _, osec := range ctx.OutputSections {
		row(osec.Shdr.Addr, osec.GetLMA(), osec.Shdr.Size, osec.Shdr.AddrAlign, 0, osec.Name)
		for _, isec := range osec.InputSections() {
			if isec.SpillOf != nil {
				continue
			}
			addr := isec.GetAddr()
			row(addr, addr+osec.LMAOffset, isec.GetSize(), isec.Align, 8, isec.String())
			for _, sym := range syms[isec] {
				addr := sym.GetAddr(ctx)
				row(addr, addr+osec.LMAOffset, sym.Size, 1, 16, sym.Name)
			}
		}
	}

	segments := make([]mapSegment, 0)
	for _, part := range ctx.Partitions {
		for _, p := range part.Phdrs {
			seg := mapSegment{
				Type:   elf.ProgType(p.Type).String(),
				Flags:  progFlagsName(p.Flags),
				Offset: fmt.Sprintf("0x%x", p.Offset),
				VAddr:  fmt.Sprintf("0x%x", p.VAddr),
				FileSz: fmt.Sprintf("0x%x", p.FileSize),
				MemSz:  fmt.Sprintf("0x%x", p.MemSize),
				Align:  p.Align,
			}
			if p.FirstSec != nil {
				seg.First, seg.Last = p.FirstSec.Name, p.LastSec.Name
			}
			segments = append(segments, seg)
		}
	}

	printer := pp.New()
	printer.SetOutput(w)
	printer.SetColoringEnabled(false)
	printer.SetExportedOnly(true)
	printer.Println(segments)
}

// mapSymbols groups the defined named symbols by input section, sorted by
// address.
func mapSymbols(ctx *Context) map[*InputSection][]*Symbol {
	ret := make(map[*InputSection][]*Symbol)
	forEachSymbol(ctx, func(sym *Symbol) {
		isec := sym.InputSection
		if !sym.IsDefined() || isec == nil || !isec.IsAlive || sym.Name == "" || isSectionSymbol(sym) {
			return
		}
		ret[isec] = append(ret[isec], sym)
	})

	for _, syms := range ret {
		sort.SliceStable(syms, func(i, j int) bool {
			if syms[i].Value != syms[j].Value {
				return syms[i].Value < syms[j].Value
			}
			return syms[i].Name < syms[j].Name
		})
	}
	return ret
}

func progFlagsName(flags uint32) string {
	ret := []byte("---")
	if flags&uint32(elf.PF_R) != 0 {
		ret[0] = 'R'
	}
	if flags&uint32(elf.PF_W) != 0 {
		ret[1] = 'W'
	}
	if flags&uint32(elf.PF_X) != 0 {
		ret[2] = 'X'
	}
	return string(ret)
}
