package linker

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func newTestContext(t *testing.T, machine elf.Machine) *Context {
	t.Helper()
	cfg := DefaultConfig(machine)
	cfg.Threads = 2
	cfg.Output = filepath.Join(t.TempDir(), "a.out")
	ctx := NewContext(cfg)
	ctx.Diag = NewDiagnostics(io.Discard)
	return ctx
}

// addTestSection queues an input section for BinSections. Contents are a
// byte pattern so written images can be checked.
func addTestSection(ctx *Context, name string, typ elf.SectionType, flags elf.SectionFlag, size, align uint64) *InputSection {
	var contents []byte
	if typ != elf.SHT_NOBITS {
		contents = make([]byte, size)
		for i := range contents {
			contents[i] = byte(i + 1)
		}
	}
	isec := NewInputSection(name, uint32(typ), uint64(flags), align, contents)
	isec.Size = size
	ctx.InputSections = append(ctx.InputSections, isec)
	return isec
}

func defineTestSymbol(ctx *Context, name string, isec *InputSection, value uint64) *Symbol {
	sym := GetSymbolByName(ctx, name)
	sym.Kind = SymbolDefined
	sym.SetInputSection(isec)
	sym.Value = value
	return sym
}

func prepareTestLink(ctx *Context) {
	CreateSyntheticSections(ctx)
	BinSections(ctx)
}

func outputSectionNames(osecs []*OutputSection) []string {
	names := make([]string, 0, len(osecs))
	for _, osec := range osecs {
		names = append(names, osec.Name)
	}
	return names
}

func phdrsOfType(part *Partition, typ elf.ProgType) []*PhdrEntry {
	ret := make([]*PhdrEntry, 0)
	for _, p := range part.Phdrs {
		if p.Type == uint32(typ) {
			ret = append(ret, p)
		}
	}
	return ret
}

func openOutput(t *testing.T, ctx *Context) *elf.File {
	t.Helper()
	f, err := elf.Open(ctx.Arg.Output)
	if err != nil {
		t.Fatalf("cannot parse output: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

type testSym struct {
	name  string
	bind  elf.SymBind
	typ   elf.SymType
	shndx uint16
	value uint64
}

type testRela struct {
	off    uint64
	sym    uint32
	typ    elf.R_X86_64
	addend int64
}

// Section indices of objects made by buildObject.
const (
	testTextShndx = 1
	testDataShndx = 2
)

type testSection struct {
	name    string
	typ     elf.SectionType
	flags   elf.SectionFlag
	data    []byte
	link    uint32
	info    uint32
	align   uint64
	entsize uint64
}

// buildObject assembles an x86-64 relocatable object with one .text and
// one .data section. Local symbols must come first in syms; relocation
// symbol indices count syms from 1.
func buildObject(t *testing.T, text, data []byte, syms []testSym, rels []testRela) string {
	t.Helper()
	secs := []testSection{
		{name: ".text", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, data: text, align: 16},
		{name: ".data", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_WRITE, data: data, align: 8},
	}
	var relmap map[uint32][]testRela
	if len(rels) > 0 {
		relmap = map[uint32][]testRela{testTextShndx: rels}
	}
	return buildObjectSections(t, secs, syms, relmap)
}

// buildObjectSections assembles an x86-64 relocatable object holding secs
// at section indices 1 and up. rels maps a section index to the
// relocations applied to it.
func buildObjectSections(t *testing.T, secs []testSection, syms []testSym, rels map[uint32][]testRela) string {
	t.Helper()

	strtab := []byte{0}
	var symtab bytes.Buffer
	mustWrite(t, &symtab, elf.Sym64{})
	firstGlobal := uint32(1)
	for _, s := range syms {
		if s.bind == elf.STB_LOCAL {
			firstGlobal++
		}
		mustWrite(t, &symtab, elf.Sym64{
			Name:  uint32(len(strtab)),
			Info:  elf.ST_INFO(s.bind, s.typ),
			Shndx: s.shndx,
			Value: s.value,
		})
		strtab = append(strtab, s.name...)
		strtab = append(strtab, 0)
	}

	sections := append([]testSection{{}}, secs...)
	targets := make([]uint32, 0, len(rels))
	for idx := range rels {
		targets = append(targets, idx)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })
	symtabIdx := uint32(len(sections) + len(targets))
	for _, idx := range targets {
		var rela bytes.Buffer
		for _, r := range rels[idx] {
			mustWrite(t, &rela, elf.Rela64{
				Off:    r.off,
				Info:   elf.R_INFO(r.sym, uint32(r.typ)),
				Addend: r.addend,
			})
		}
		sections = append(sections, testSection{
			name: ".rela" + secs[idx-1].name, typ: elf.SHT_RELA, flags: elf.SHF_INFO_LINK, data: rela.Bytes(),
			link: symtabIdx, info: idx, align: 8, entsize: 24,
		})
	}
	sections = append(sections,
		testSection{name: ".symtab", typ: elf.SHT_SYMTAB, data: symtab.Bytes(),
			link: symtabIdx + 1, info: firstGlobal, align: 8, entsize: elf.Sym64Size},
		testSection{name: ".strtab", typ: elf.SHT_STRTAB, data: strtab, align: 1},
		testSection{name: ".shstrtab", typ: elf.SHT_STRTAB, align: 1},
	)

	shstrtab := []byte{0}
	names := make([]uint32, len(sections))
	for i := 1; i < len(sections); i++ {
		names[i] = uint32(len(shstrtab))
		shstrtab = append(shstrtab, sections[i].name...)
		shstrtab = append(shstrtab, 0)
	}
	sections[len(sections)-1].data = shstrtab

	buf := make([]byte, 64)
	offsets := make([]uint64, len(sections))
	for i := 1; i < len(sections); i++ {
		for uint64(len(buf))%sections[i].align != 0 {
			buf = append(buf, 0)
		}
		offsets[i] = uint64(len(buf))
		buf = append(buf, sections[i].data...)
	}
	for len(buf)%8 != 0 {
		buf = append(buf, 0)
	}
	shoff := uint64(len(buf))

	var shdrs bytes.Buffer
	for i, sec := range sections {
		mustWrite(t, &shdrs, elf.Section64{
			Name:      names[i],
			Type:      uint32(sec.typ),
			Flags:     uint64(sec.flags),
			Off:       offsets[i],
			Size:      uint64(len(sec.data)),
			Link:      sec.link,
			Info:      sec.info,
			Addralign: sec.align,
			Entsize:   sec.entsize,
		})
	}
	buf = append(buf, shdrs.Bytes()...)

	var ehdr bytes.Buffer
	ident := [elf.EI_NIDENT]byte{0x7f, 'E', 'L', 'F', byte(elf.ELFCLASS64), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)}
	mustWrite(t, &ehdr, elf.Header64{
		Ident:     ident,
		Type:      uint16(elf.ET_REL),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Shoff:     shoff,
		Ehsize:    64,
		Shentsize: 64,
		Shnum:     uint16(len(sections)),
		Shstrndx:  uint16(len(sections) - 1),
	})
	copy(buf, ehdr.Bytes())

	path := filepath.Join(t.TempDir(), "obj.o")
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("cannot write object: %v", err)
	}
	return path
}

func mustWrite(t *testing.T, w io.Writer, v any) {
	t.Helper()
	if err := binary.Write(w, binary.LittleEndian, v); err != nil {
		t.Fatalf("binary.Write: %v", err)
	}
}

// linkObjects runs the whole pipeline over the given object files.
func linkObjects(ctx *Context, paths ...string) error {
	ReadInputFiles(ctx, paths)
	ResolveSymbols(ctx)
	ClaimUnresolvedSymbols(ctx)
	CreateCommonSections(ctx)
	AssignPartitions(ctx)
	AddReservedSymbols(ctx)
	CreateSyntheticSections(ctx)
	BinSections(ctx)
	return Run(ctx)
}
