package linker

import (
	"debug/elf"
	"fmt"
)

type SymbolKind uint8

const (
	SymbolUndefined SymbolKind = iota
	SymbolDefined
	SymbolCommon
)

type Symbol struct {
	File *ObjectFile

	InputSection  *InputSection
	OutputSection *OutputSection

	Value uint64
	Size  uint64
	Name  string

	SymIdx   int32
	GotIdx   int32
	GotTpIdx int32

	Kind       SymbolKind
	Binding    elf.SymBind
	Type       elf.SymType
	Visibility elf.SymVis

	// AtEnd makes the value the end address of OutputSection.
	AtEnd bool
	// Referenced is set when any input refers to the symbol.
	Referenced    bool
	LinkerDefined bool
}

func NewSymbol(name string) *Symbol {
	s := &Symbol{
		Name:       name,
		SymIdx:     -1,
		GotIdx:     -1,
		GotTpIdx:   -1,
		Binding:    elf.STB_GLOBAL,
		Visibility: elf.STV_DEFAULT,
	}
	return s
}

func GetSymbolByName(ctx *Context, name string) *Symbol {
	if sym, ok := ctx.SymbolMap[name]; ok {
		return sym
	}
	ctx.SymbolMap[name] = NewSymbol(name)
	return ctx.SymbolMap[name]
}

// FindSymbol is GetSymbolByName without insertion.
func (ctx *Context) FindSymbol(name string) *Symbol {
	return ctx.SymbolMap[name]
}

func (s *Symbol) IsDefined() bool {
	return s.Kind == SymbolDefined
}

func (s *Symbol) IsUndefined() bool {
	return s.Kind == SymbolUndefined
}

func (s *Symbol) IsCommon() bool {
	return s.Kind == SymbolCommon
}

func (s *Symbol) IsWeak() bool {
	return s.Binding == elf.STB_WEAK
}

func (s *Symbol) IsUndefWeak() bool {
	return s.IsUndefined() && s.IsWeak()
}

func (s *Symbol) SetInputSection(isec *InputSection) {
	s.InputSection = isec
	s.OutputSection = nil
}

func (s *Symbol) SetOutputSection(osec *OutputSection) {
	s.InputSection = nil
	s.OutputSection = osec
}

func (s *Symbol) GetAddr(ctx *Context) uint64 {
	if s.OutputSection != nil {
		if s.AtEnd {
			return s.OutputSection.Shdr.Addr + s.OutputSection.Shdr.Size
		}
		return s.OutputSection.Shdr.Addr + s.Value
	}

	if s.InputSection == nil {
		return s.Value
	}

	if !s.InputSection.IsAlive {
		return 0
	}

	return s.InputSection.GetAddr() + s.InputSection.GetOffset(s.Value)
}

func (s *Symbol) Clear() {
	s.File = nil
	s.OutputSection = nil
	s.InputSection = nil
	s.SymIdx = -1
	s.Kind = SymbolUndefined
	s.Binding = elf.STB_GLOBAL
}

func (s *Symbol) GetRank() uint64 {
	if s.File == nil {
		return 7 << 24
	}
	return GetRank(s.File, s.ElfSym(), !s.File.IsAlive)
}

func (s *Symbol) ElfSym() *Sym {
	return &s.File.ElfSyms[s.SymIdx]
}

func (s *Symbol) String() string {
	if s.File != nil {
		return fmt.Sprintf("%s(%s)", s.File.File.Name, s.Name)
	}
	return s.Name
}

// GetRank orders competing definitions, lower wins.
func GetRank(file *ObjectFile, esym *Sym, isLazy bool) uint64 {
	if esym.IsCommon() {
		if isLazy {
			return (6 << 24) + uint64(file.Priority)
		}

		return (5 << 24) + uint64(file.Priority)
	}

	isWeak := esym.Bind() == uint8(elf.STB_WEAK)
	if isLazy {
		if isWeak {
			return (4 << 24) + uint64(file.Priority)
		}
		return (3 << 24) + uint64(file.Priority)
	}
	if isWeak {
		return (2 << 24) + uint64(file.Priority)
	}
	return (1 << 24) + uint64(file.Priority)
}

// forEachSymbol visits every global symbol once and the local symbols of
// every object file.
func forEachSymbol(ctx *Context, fn func(sym *Symbol)) {
	for _, sym := range ctx.SymbolMap {
		fn(sym)
	}
	for _, file := range ctx.Objs {
		for i := range file.LocalSyms {
			fn(&file.LocalSyms[i])
		}
	}
}
