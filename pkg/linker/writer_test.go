package linker

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func newPicTestContext(t *testing.T) *Context {
	t.Helper()
	cfg := DefaultConfig(elf.EM_X86_64)
	cfg.IsPic = true
	cfg.Threads = 2
	cfg.Output = filepath.Join(t.TempDir(), "a.out")
	ctx := NewContext(cfg)
	ctx.Diag = NewDiagnostics(io.Discard)
	return ctx
}

func sectionNames(f *elf.File) []string {
	names := make([]string, 0, len(f.Sections))
	for _, sec := range f.Sections[1:] {
		names = append(names, sec.Name)
	}
	return names
}

func testPattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i + 1)
	}
	return b
}

func outputMissing(t *testing.T, ctx *Context) {
	t.Helper()
	if _, err := os.Stat(ctx.Arg.Output); !os.IsNotExist(err) {
		t.Errorf("output file exists after a failed link")
	}
}

// TestRunWritesExecutable verifies the written image with debug/elf.
func TestRunWritesExecutable(t *testing.T) {
	ctx := newTestContext(t, elf.EM_X86_64)
	addTestSection(ctx, ".rodata", elf.SHT_PROGBITS, elf.SHF_ALLOC, 0x10, 8)
	text := addTestSection(ctx, ".text", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR, 0x10, 16)
	addTestSection(ctx, ".data", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_WRITE, 0x8, 8)
	addTestSection(ctx, ".bss", elf.SHT_NOBITS, elf.SHF_ALLOC|elf.SHF_WRITE, 0x20, 8)
	defineTestSymbol(ctx, "_start", text, 4)
	prepareTestLink(ctx)

	if err := Run(ctx); err != nil {
		t.Fatalf("link failed: %v", err)
	}

	f := openOutput(t, ctx)
	if f.Type != elf.ET_EXEC || f.Machine != elf.EM_X86_64 || f.Class != elf.ELFCLASS64 {
		t.Errorf("header: type %v machine %v class %v", f.Type, f.Machine, f.Class)
	}
	want := []string{".rodata", ".text", ".data", ".bss", ".shstrtab"}
	if got := sectionNames(f); !reflect.DeepEqual(got, want) {
		t.Fatalf("sections %v, want %v", got, want)
	}

	textSec := f.Section(".text")
	if f.Entry != textSec.Addr+4 {
		t.Errorf("entry %#x, want %#x", f.Entry, textSec.Addr+4)
	}
	data, err := textSec.Data()
	if err != nil {
		t.Fatalf("cannot read .text: %v", err)
	}
	if !bytes.Equal(data, testPattern(0x10)) {
		t.Errorf(".text contents %x", data)
	}
	if f.Section(".bss").Type != elf.SHT_NOBITS {
		t.Errorf(".bss is not NOBITS")
	}

	loads := 0
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		loads++
		if p.Vaddr%p.Align != p.Off%p.Align {
			t.Errorf("PT_LOAD at %#x has offset %#x", p.Vaddr, p.Off)
		}
	}
	if loads != 3 {
		t.Errorf("got %d PT_LOAD segments, want 3", loads)
	}
}

// TestEndSymbolFollowsLastLoad verifies that _end is bound after layout
// to the first byte past the last PT_LOAD.
func TestEndSymbolFollowsLastLoad(t *testing.T) {
	ctx := newTestContext(t, elf.EM_X86_64)
	text := addTestSection(ctx, ".text", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR, 0x10, 16)
	addTestSection(ctx, ".data", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_WRITE, 0x8, 8)
	addTestSection(ctx, ".bss", elf.SHT_NOBITS, elf.SHF_ALLOC|elf.SHF_WRITE, 0x20, 8)
	defineTestSymbol(ctx, "_start", text, 0)
	end := GetSymbolByName(ctx, "_end")
	AddReservedSymbols(ctx)
	prepareTestLink(ctx)

	if err := Run(ctx); err != nil {
		t.Fatalf("link failed: %v", err)
	}

	loads := phdrsOfType(ctx.MainPart(), elf.PT_LOAD)
	last := loads[len(loads)-1]
	if got, want := end.GetAddr(ctx), last.VAddr+last.MemSize; got != want {
		t.Errorf("_end = %#x, want %#x", got, want)
	}
	if bss := ctx.FindSection(".bss"); end.GetAddr(ctx) != bss.Shdr.Addr+bss.Shdr.Size {
		t.Errorf("_end does not follow .bss")
	}
}

// TestRunBigEndian32 verifies that a 32-bit big-endian image is encoded in
// the target byte order.
func TestRunBigEndian32(t *testing.T) {
	ctx := newTestContext(t, elf.EM_PPC)
	text := addTestSection(ctx, ".text", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR, 0x10, 4)
	addTestSection(ctx, ".data", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_WRITE, 0x8, 4)
	defineTestSymbol(ctx, "_start", text, 0)
	prepareTestLink(ctx)

	if err := Run(ctx); err != nil {
		t.Fatalf("link failed: %v", err)
	}

	f := openOutput(t, ctx)
	if f.Class != elf.ELFCLASS32 || f.Data != elf.ELFDATA2MSB || f.Machine != elf.EM_PPC {
		t.Fatalf("header: class %v data %v machine %v", f.Class, f.Data, f.Machine)
	}
	textSec := f.Section(".text")
	if textSec == nil || f.Entry != textSec.Addr {
		t.Fatalf("entry %#x does not point at .text", f.Entry)
	}
	data, err := textSec.Data()
	if err != nil || !bytes.Equal(data, testPattern(0x10)) {
		t.Errorf(".text contents %x (%v)", data, err)
	}
}

// TestSectionHeaderEscapes verifies that section counts and the string
// table index beyond SHN_LORESERVE go into the null section header.
func TestSectionHeaderEscapes(t *testing.T) {
	ctx := newTestContext(t, elf.EM_X86_64)
	n := 0xff00
	for i := 0; i < n; i++ {
		osec := NewOutputSection(".s", uint32(elf.SHT_PROGBITS), 0)
		osec.SectionIndex = uint32(i + 1)
		ctx.OutputSections = append(ctx.OutputSections, osec)
	}
	ctx.In.ShStrtab = NewStrtabSection(".shstrtab", false)
	NewSyntheticInputSection(ctx.In.ShStrtab).Parent = ctx.OutputSections[n-1]

	ctx.ProgramHeaders.Shdr.Offset = EhdrSize(true)
	ctx.SectionHeaderOff = EhdrSize(true)
	ctx.Buf = make([]byte, ctx.SectionHeaderOff+uint64(n+1)*ShdrSize(true))

	writeHeader(ctx)

	le := binary.LittleEndian
	if shnum := le.Uint16(ctx.Buf[60:]); shnum != 0 {
		t.Errorf("e_shnum %d, want 0", shnum)
	}
	if shstrndx := le.Uint16(ctx.Buf[62:]); shstrndx != uint16(elf.SHN_XINDEX) {
		t.Errorf("e_shstrndx %#x, want SHN_XINDEX", shstrndx)
	}
	null := ctx.Buf[ctx.SectionHeaderOff:]
	if size := le.Uint64(null[32:]); size != uint64(n+1) {
		t.Errorf("null sh_size %#x, want %#x", size, n+1)
	}
	if link := le.Uint32(null[40:]); link != uint32(n) {
		t.Errorf("null sh_link %#x, want %#x", link, n)
	}
}

// TestWriteTrapInstr verifies the padding after an executable segment and
// the page extension of the last one.
func TestWriteTrapInstr(t *testing.T) {
	ctx := newTestContext(t, elf.EM_X86_64)
	text := NewOutputSection(".text", uint32(elf.SHT_PROGBITS), uint64(elf.SHF_ALLOC|elf.SHF_EXECINSTR))
	text.Shdr.Offset = 0x100
	p := ctx.newPhdr(elf.PT_LOAD, uint32(elf.PF_R|elf.PF_X))
	p.Add(text)
	p.FileSize = 0x10
	p.MemSize = 0x10
	ctx.MainPart().Phdrs = []*PhdrEntry{p}
	ctx.Buf = make([]byte, 0x2000)

	writeTrapInstr(ctx)

	if ctx.Buf[0x10f] != 0 {
		t.Errorf("segment contents overwritten")
	}
	for i := 0x110; i < 0x1000; i++ {
		if ctx.Buf[i] != 0xcc {
			t.Fatalf("byte %#x is %#x, want 0xcc", i, ctx.Buf[i])
		}
	}
	if ctx.Buf[0x1000] != 0 {
		t.Errorf("trap fill crossed the page boundary")
	}
	if p.FileSize != 0x1000 || p.MemSize != 0x1000 {
		t.Errorf("last executable segment filesz %#x memsz %#x, want 0x1000", p.FileSize, p.MemSize)
	}
}

// TestWriteTrapInstrPartitions verifies that the last executable segment
// of every partition is extended and never shrinks its memory size.
func TestWriteTrapInstrPartitions(t *testing.T) {
	ctx := newTestContext(t, elf.EM_X86_64)
	part := ctx.AddPartition("libpart.so")
	newLoad := func(name string, flags elf.ProgFlag, off, filesz, memsz uint64) *PhdrEntry {
		osec := NewOutputSection(name, uint32(elf.SHT_PROGBITS), uint64(elf.SHF_ALLOC))
		osec.Shdr.Offset = off
		p := ctx.newPhdr(elf.PT_LOAD, uint32(flags))
		p.Add(osec)
		p.FileSize = filesz
		p.MemSize = memsz
		return p
	}
	mainText := newLoad(".text", elf.PF_R|elf.PF_X, 0x100, 0x10, 0x10)
	mainData := newLoad(".data", elf.PF_R|elf.PF_W, 0x1000, 0x8, 0x8)
	partText := newLoad(".text", elf.PF_R|elf.PF_X, 0x2000, 0x20, 0x3000)
	ctx.MainPart().Phdrs = []*PhdrEntry{mainText, mainData}
	part.Phdrs = []*PhdrEntry{partText}
	ctx.Buf = make([]byte, 0x4000)

	writeTrapInstr(ctx)

	if mainText.FileSize != 0x10 || mainData.FileSize != 0x8 || mainData.MemSize != 0x8 {
		t.Errorf("main segments resized: text %#x data %#x/%#x",
			mainText.FileSize, mainData.FileSize, mainData.MemSize)
	}
	if ctx.Buf[0x110] != 0xcc || ctx.Buf[0x2020] != 0xcc {
		t.Errorf("padding after executable segments not filled")
	}
	if partText.FileSize != 0x1000 || partText.MemSize != 0x3000 {
		t.Errorf("partition text filesz %#x memsz %#x, want 0x1000 and 0x3000",
			partText.FileSize, partText.MemSize)
	}
}

// TestSeparateCodeFillsTrap verifies -z separate-code end to end.
func TestSeparateCodeFillsTrap(t *testing.T) {
	ctx := newTestContext(t, elf.EM_X86_64)
	ctx.Arg.ZSeparate = SeparateCode
	text := addTestSection(ctx, ".text", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR, 0x10, 16)
	addTestSection(ctx, ".data", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_WRITE, 0x8, 8)
	defineTestSymbol(ctx, "_start", text, 0)
	prepareTestLink(ctx)

	if err := Run(ctx); err != nil {
		t.Fatalf("link failed: %v", err)
	}

	f := openOutput(t, ctx)
	textSec := f.Section(".text")
	raw, err := os.ReadFile(ctx.Arg.Output)
	if err != nil {
		t.Fatalf("cannot read output: %v", err)
	}
	end := textSec.Offset + textSec.Size
	page := ctx.Arg.MaxPageSize
	if end%page == 0 {
		t.Fatalf(".text ends on a page boundary")
	}
	for off := end; off < (end+page-1)/page*page; off++ {
		if raw[off] != 0xcc {
			t.Fatalf("byte %#x after .text is %#x, want 0xcc", off, raw[off])
		}
	}
	if data := f.Section(".data"); data.Offset/page == textSec.Offset/page {
		t.Errorf(".data shares a file page with .text")
	}
}

// TestOutputTooLarge verifies the size limit of 32-bit outputs.
func TestOutputTooLarge(t *testing.T) {
	ctx := newTestContext(t, elf.EM_386)
	ctx.FileSize = 1 << 33
	ctx.OutputSections = []*OutputSection{NewOutputSection(".text", uint32(elf.SHT_PROGBITS), uint64(elf.SHF_ALLOC))}

	if out := openFile(ctx); out != nil {
		t.Fatalf("oversized output was opened")
	}
	err := ctx.Diag.Err()
	if !errors.Is(err, ErrOutput) {
		t.Fatalf("got %v, want ErrOutput", err)
	}
	if !strings.Contains(err.Error(), "output file too large: 8589934592 bytes") ||
		!strings.Contains(err.Error(), ".text 0") {
		t.Errorf("unexpected message: %v", err)
	}
	outputMissing(t, ctx)
}

// TestOverlapIsFatal verifies that overlapping sections fail the link
// before any file is written.
func TestOverlapIsFatal(t *testing.T) {
	ctx := newTestContext(t, elf.EM_X86_64)
	ctx.Arg.SectionStartMap[".text"] = 0x400000
	ctx.Arg.SectionStartMap[".data"] = 0x400010
	addTestSection(ctx, ".text", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR, 0x100, 16)
	addTestSection(ctx, ".data", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_WRITE, 0x8, 8)
	prepareTestLink(ctx)

	err := Run(ctx)

	if !errors.Is(err, ErrOverlap) {
		t.Fatalf("got %v, want ErrOverlap", err)
	}
	if !strings.Contains(err.Error(), "section .text virtual address range overlaps with .data") {
		t.Errorf("unexpected message: %v", err)
	}
	outputMissing(t, ctx)
}

// TestLinkObjectEntry verifies a link of one relocatable object.
func TestLinkObjectEntry(t *testing.T) {
	text := testPattern(16)
	obj := buildObject(t, text, nil, []testSym{
		{name: "_start", bind: elf.STB_GLOBAL, typ: elf.STT_FUNC, shndx: testTextShndx},
	}, nil)
	ctx := newTestContext(t, elf.EM_X86_64)

	if err := linkObjects(ctx, obj); err != nil {
		t.Fatalf("link failed: %v", err)
	}

	f := openOutput(t, ctx)
	textSec := f.Section(".text")
	if textSec == nil || f.Entry != textSec.Addr {
		t.Fatalf("entry %#x is not the start of .text", f.Entry)
	}
	data, err := textSec.Data()
	if err != nil || !bytes.Equal(data, text) {
		t.Errorf(".text contents %x (%v)", data, err)
	}
}

// TestLinkObjectGot verifies that a GOT-relative load gets a GOT slot
// holding the symbol address.
func TestLinkObjectGot(t *testing.T) {
	obj := buildObject(t, make([]byte, 16), make([]byte, 8), []testSym{
		{name: "_start", bind: elf.STB_GLOBAL, typ: elf.STT_FUNC, shndx: testTextShndx},
		{name: "var", bind: elf.STB_GLOBAL, typ: elf.STT_OBJECT, shndx: testDataShndx},
	}, []testRela{
		{off: 3, sym: 2, typ: elf.R_X86_64_REX_GOTPCRELX, addend: -4},
	})
	ctx := newTestContext(t, elf.EM_X86_64)

	if err := linkObjects(ctx, obj); err != nil {
		t.Fatalf("link failed: %v", err)
	}

	f := openOutput(t, ctx)
	got := f.Section(".got")
	if got == nil || got.Size != 8 {
		t.Fatalf("missing or wrongly sized .got")
	}
	slot, err := got.Data()
	if err != nil {
		t.Fatalf("cannot read .got: %v", err)
	}
	if addr := binary.LittleEndian.Uint64(slot); addr != f.Section(".data").Addr {
		t.Errorf("GOT slot holds %#x, want %#x", addr, f.Section(".data").Addr)
	}
}

// TestLinkUndefinedSymbol verifies that an unresolved reference fails the
// link without writing the output.
func TestLinkUndefinedSymbol(t *testing.T) {
	obj := buildObject(t, make([]byte, 16), nil, []testSym{
		{name: "_start", bind: elf.STB_GLOBAL, typ: elf.STT_FUNC, shndx: testTextShndx},
		{name: "missing", bind: elf.STB_GLOBAL, typ: elf.STT_NOTYPE},
	}, []testRela{
		{off: 1, sym: 2, typ: elf.R_X86_64_PLT32, addend: -4},
	})
	ctx := newTestContext(t, elf.EM_X86_64)

	err := linkObjects(ctx, obj)

	if !errors.Is(err, ErrSymbol) {
		t.Fatalf("got %v, want ErrSymbol", err)
	}
	if !strings.Contains(err.Error(), "undefined symbol: missing") {
		t.Errorf("unexpected message: %v", err)
	}
	outputMissing(t, ctx)
}

// TestLinkPicRelative verifies that absolute relocations in a position
// independent output become relative dynamic relocations.
func TestLinkPicRelative(t *testing.T) {
	obj := buildObject(t, make([]byte, 16), nil, []testSym{
		{name: "_start", bind: elf.STB_GLOBAL, typ: elf.STT_FUNC, shndx: testTextShndx},
	}, []testRela{
		{off: 8, sym: 1, typ: elf.R_X86_64_64},
	})
	ctx := newPicTestContext(t)

	if err := linkObjects(ctx, obj); err != nil {
		t.Fatalf("link failed: %v", err)
	}

	f := openOutput(t, ctx)
	if f.Type != elf.ET_DYN {
		t.Errorf("type %v, want ET_DYN", f.Type)
	}
	rela := f.Section(".rela.dyn")
	if rela == nil || rela.Size != 24 {
		t.Fatalf("missing or wrongly sized .rela.dyn")
	}
	count, err := f.DynValue(elf.DT_RELACOUNT)
	if err != nil || len(count) != 1 || count[0] != 1 {
		t.Errorf("DT_RELACOUNT = %v (%v), want [1]", count, err)
	}

	entry, err := rela.Data()
	if err != nil {
		t.Fatalf("cannot read .rela.dyn: %v", err)
	}
	textAddr := f.Section(".text").Addr
	if off := binary.LittleEndian.Uint64(entry); off != textAddr+8 {
		t.Errorf("relocation at %#x, want %#x", off, textAddr+8)
	}
	if addend := binary.LittleEndian.Uint64(entry[16:]); addend != textAddr {
		t.Errorf("addend %#x, want %#x", addend, textAddr)
	}
}

// TestWriteMap verifies that the link map lists symbols and segments.
func TestWriteMap(t *testing.T) {
	obj := buildObject(t, make([]byte, 16), nil, []testSym{
		{name: "_start", bind: elf.STB_GLOBAL, typ: elf.STT_FUNC, shndx: testTextShndx},
	}, nil)
	ctx := newTestContext(t, elf.EM_X86_64)
	if err := linkObjects(ctx, obj); err != nil {
		t.Fatalf("link failed: %v", err)
	}

	var buf bytes.Buffer
	WriteMap(ctx, &buf)

	out := buf.String()
	for _, want := range []string{".text", "_start", "PT_LOAD"} {
		if !strings.Contains(out, want) {
			t.Errorf("map does not mention %s:\n%s", want, out)
		}
	}
}
