package linker

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"

	"github.com/ksco/elfld/pkg/utils"
)

// InputFile is the symbol table view of a relocatable object. ElfSyms and
// Symbols are indexed by symbol table index; index 0 is the null symbol.
type InputFile struct {
	File *File
	Elf  *elf.File

	Symbols     []*Symbol
	ElfSyms     []Sym
	SymNames    []string
	FirstGlobal int

	IsAlive  bool
	Priority uint32

	LocalSyms []Symbol

	symtabShndx []uint32
}

func NewInputFile(file *File) *InputFile {
	ef, err := elf.NewFile(bytes.NewReader(file.Contents))
	if err != nil {
		utils.Fatal(fmt.Sprintf("%s: %v", file.Name, err))
	}
	if ef.Type != elf.ET_REL {
		utils.Fatal(fmt.Sprintf("%s: not a relocatable object: %v", file.Name, ef.Type))
	}
	return &InputFile{File: file, Elf: ef}
}

// FillUpElfSyms loads the symbol table. debug/elf drops the null symbol,
// so it is put back to keep indices aligned with relocations.
func (f *InputFile) FillUpElfSyms() {
	f.ElfSyms = []Sym{{}}
	f.SymNames = []string{""}

	syms, err := f.Elf.Symbols()
	if errors.Is(err, elf.ErrNoSymbols) {
		return
	}
	if err != nil {
		utils.Fatal(fmt.Sprintf("%s: %v", f.File.Name, err))
	}

	for _, s := range syms {
		f.ElfSyms = append(f.ElfSyms, Sym{
			Info:  s.Info,
			Other: s.Other,
			Shndx: uint16(s.Section),
			Val:   s.Value,
			Size:  s.Size,
		})
		f.SymNames = append(f.SymNames, s.Name)
	}

	if symtab := f.FindSection(elf.SHT_SYMTAB); symtab != nil {
		f.FirstGlobal = int(symtab.Info)
	}
	if f.FirstGlobal == 0 || f.FirstGlobal > len(f.ElfSyms) {
		f.FirstGlobal = len(f.ElfSyms)
	}
}

// FillUpSymtabShndxSec loads the extended section indices used by symbols
// whose st_shndx is SHN_XINDEX.
func (f *InputFile) FillUpSymtabShndxSec(sec *elf.Section) {
	data, err := sec.Data()
	utils.MustNo(err)
	f.symtabShndx = make([]uint32, len(data)/4)
	for i := range f.symtabShndx {
		f.symtabShndx[i] = f.Elf.ByteOrder.Uint32(data[i*4:])
	}
}

func (f *InputFile) FindSection(typ elf.SectionType) *elf.Section {
	for _, sec := range f.Elf.Sections {
		if sec.Type == typ {
			return sec
		}
	}
	return nil
}

// GetShndx returns the section index of symbol idx, resolving SHN_XINDEX.
func (f *InputFile) GetShndx(idx int) uint32 {
	esym := &f.ElfSyms[idx]
	if esym.Shndx == uint16(elf.SHN_XINDEX) {
		utils.Assert(idx < len(f.symtabShndx))
		return f.symtabShndx[idx]
	}
	return uint32(esym.Shndx)
}

func (f *InputFile) SwapIsAlive(isAlive bool) bool {
	old := f.IsAlive
	f.IsAlive = isAlive
	return old
}

func (f *InputFile) GetGlobalSyms() []*Symbol {
	return f.Symbols[f.FirstGlobal:]
}

// Flags returns the raw e_flags word, which debug/elf does not expose.
func (f *InputFile) Flags() uint32 {
	contents := f.File.Contents
	if f.Elf.Class == elf.ELFCLASS64 {
		return f.Elf.ByteOrder.Uint32(contents[48:])
	}
	return f.Elf.ByteOrder.Uint32(contents[36:])
}
