package linker

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"os"
	"strings"
	"testing"
)

// Section indices of objects made by buildPartitionObject.
const (
	partTextShndx   = 1
	partDataShndx   = 2
	partFnShndx     = 3
	partTableShndx  = 4
	partSharedShndx = 5
	partNoteShndx   = 6
	partSymShndx    = 7
)

// buildPartitionObject returns an object whose function part_fn is the
// entry of the partition libpart.so. part_fn uses a table of its own and a
// table that _start uses too.
func buildPartitionObject(t *testing.T) string {
	t.Helper()
	secs := []testSection{
		{name: ".text", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, data: make([]byte, 16), align: 16},
		{name: ".data", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_WRITE, data: make([]byte, 8), align: 8},
		{name: ".text.part", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, data: make([]byte, 16), align: 16},
		{name: ".rodata.part", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC, data: make([]byte, 8), align: 8},
		{name: ".rodata.shared", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC, data: make([]byte, 8), align: 8},
		{name: ".note.test", typ: elf.SHT_NOTE, flags: elf.SHF_ALLOC, data: make([]byte, 12), align: 4},
		{name: ".llvm_sympart", typ: elf.SectionType(SHT_LLVM_SYMPART), flags: elf.SectionFlag(SHF_EXCLUDE),
			data: []byte("libpart.so\x00"), align: 1},
	}
	syms := []testSym{
		{name: "part_table", bind: elf.STB_LOCAL, typ: elf.STT_OBJECT, shndx: partTableShndx},
		{name: "shared_table", bind: elf.STB_LOCAL, typ: elf.STT_OBJECT, shndx: partSharedShndx},
		{name: "_start", bind: elf.STB_GLOBAL, typ: elf.STT_FUNC, shndx: partTextShndx},
		{name: "part_fn", bind: elf.STB_GLOBAL, typ: elf.STT_FUNC, shndx: partFnShndx},
	}
	rels := map[uint32][]testRela{
		partTextShndx: {
			{off: 4, sym: 2, typ: elf.R_X86_64_PC32, addend: -4},
		},
		partFnShndx: {
			{off: 4, sym: 1, typ: elf.R_X86_64_PC32, addend: -4},
			{off: 8, sym: 2, typ: elf.R_X86_64_PC32, addend: -4},
		},
		partSymShndx: {
			{off: 0, sym: 4, typ: elf.R_X86_64_64},
		},
	}
	return buildObjectSections(t, secs, syms, rels)
}

// TestAddPartitionReusesName verifies that a partition name maps to one
// partition number.
func TestAddPartitionReusesName(t *testing.T) {
	ctx := newTestContext(t, elf.EM_X86_64)
	a := ctx.AddPartition("liba.so")
	b := ctx.AddPartition("libb.so")

	if a.Number != 2 || b.Number != 3 {
		t.Fatalf("numbers %d and %d, want 2 and 3", a.Number, b.Number)
	}
	if again := ctx.AddPartition("liba.so"); again != a {
		t.Errorf("second liba.so request created partition %d", again.Number)
	}
	if len(ctx.Partitions) != 3 {
		t.Errorf("%d partitions, want 3", len(ctx.Partitions))
	}
}

// TestAssignPartitions verifies which partition each input section lands
// in.
func TestAssignPartitions(t *testing.T) {
	ctx := newTestContext(t, elf.EM_X86_64)
	ReadInputFiles(ctx, []string{buildPartitionObject(t)})
	ResolveSymbols(ctx)

	AssignPartitions(ctx)

	if len(ctx.Partitions) != 2 || ctx.Partitions[1].Name != "libpart.so" {
		t.Fatalf("partitions %v", ctx.Partitions)
	}
	part := ctx.Partitions[1]
	if len(part.Entries) != 1 || part.Entries[0].Name != "part_fn" {
		t.Fatalf("entries %v, want part_fn", part.Entries)
	}

	secs := ctx.Objs[0].Sections
	want := map[int]uint8{
		partTextShndx:   1,
		partDataShndx:   1,
		partFnShndx:     2,
		partTableShndx:  2,
		partSharedShndx: 1,
		partNoteShndx:   1,
	}
	for idx, number := range want {
		if got := secs[idx].Partition; got != number {
			t.Errorf("%s in partition %d, want %d", secs[idx].Name, got, number)
		}
	}
	if secs[partSymShndx].IsAlive {
		t.Errorf(".llvm_sympart is still alive")
	}

	var copies int
	for _, isec := range ctx.InputSections {
		if isec.Name == ".note.test" && isec.Partition == 2 {
			copies++
		}
	}
	if copies != 1 {
		t.Errorf("%d note copies in libpart.so, want 1", copies)
	}
}

// TestPartitionsRejectSectionsCommand verifies that a linker script with
// SECTIONS cannot be combined with partitions.
func TestPartitionsRejectSectionsCommand(t *testing.T) {
	ctx := newTestContext(t, elf.EM_X86_64)
	ReadInputFiles(ctx, []string{buildPartitionObject(t)})
	ResolveSymbols(ctx)
	ctx.Script.HasSectionsCommand = true

	AssignPartitions(ctx)

	err := ctx.Diag.Err()
	if !errors.Is(err, ErrLayout) {
		t.Fatalf("got %v, want ErrLayout", err)
	}
	if !strings.Contains(err.Error(), "partitions cannot be used with the SECTIONS command") {
		t.Errorf("unexpected message: %v", err)
	}
	if len(ctx.Partitions) != 1 {
		t.Errorf("%d partitions, want only the main one", len(ctx.Partitions))
	}
}

// TestLinkTwoPartitions verifies the segments of a two partition link.
func TestLinkTwoPartitions(t *testing.T) {
	ctx := newTestContext(t, elf.EM_X86_64)
	ctx.Arg.ZSeparate = SeparateCode
	page := ctx.Arg.MaxPageSize

	if err := linkObjects(ctx, buildPartitionObject(t)); err != nil {
		t.Fatalf("link failed: %v", err)
	}
	mainPart, part := ctx.MainPart(), ctx.Partitions[1]

	mainLoads := phdrsOfType(mainPart, elf.PT_LOAD)
	if last := mainLoads[len(mainLoads)-1]; last.FirstSec.Name != ".part.end" || last.MemSize != page {
		t.Errorf("last main PT_LOAD starts with %s and spans %#x", last.FirstSec.Name, last.MemSize)
	}
	for _, p := range mainLoads {
		if p.FirstSec.Partition == 2 {
			t.Errorf("main PT_LOAD covers %s of libpart.so", p.FirstSec.Name)
		}
	}

	ehdr := part.ElfHeader.GetParent()
	if ehdr.Shdr.Addr%page != 0 || ehdr.Shdr.Offset%page != 0 {
		t.Errorf("partition header at %#x offset %#x is not page aligned", ehdr.Shdr.Addr, ehdr.Shdr.Offset)
	}

	phdr := phdrsOfType(part, elf.PT_PHDR)
	if len(phdr) != 1 || phdr[0].FirstSec != part.ProgramHeaders.GetParent() {
		t.Fatalf("libpart.so PT_PHDR does not cover its program headers")
	}
	if phdr[0].Offset != ehdr.Shdr.Size {
		t.Errorf("PT_PHDR offset %#x, want %#x", phdr[0].Offset, ehdr.Shdr.Size)
	}

	loads := phdrsOfType(part, elf.PT_LOAD)
	if len(loads) != 2 {
		t.Fatalf("libpart.so has %d PT_LOADs, want 2", len(loads))
	}
	if loads[0].FirstSec != ehdr || loads[0].Offset != 0 || loads[0].Flags != uint32(elf.PF_R) {
		t.Errorf("first libpart.so PT_LOAD starts with %s at %#x flags %#x",
			loads[0].FirstSec.Name, loads[0].Offset, loads[0].Flags)
	}
	text := loads[1]
	if text.FirstSec.Name != ".text" || text.Flags&uint32(elf.PF_X) == 0 {
		t.Fatalf("second libpart.so PT_LOAD starts with %s flags %#x", text.FirstSec.Name, text.Flags)
	}
	if text.Offset != text.FirstSec.Shdr.Offset-ehdr.Shdr.Offset {
		t.Errorf("libpart.so .text PT_LOAD offset %#x, want %#x",
			text.Offset, text.FirstSec.Shdr.Offset-ehdr.Shdr.Offset)
	}
	if text.FileSize != page || text.MemSize != page {
		t.Errorf("libpart.so .text filesz %#x memsz %#x, want %#x", text.FileSize, text.MemSize, page)
	}

	if len(phdrsOfType(mainPart, elf.PT_NOTE)) != 1 || len(phdrsOfType(part, elf.PT_NOTE)) != 1 {
		t.Errorf("each partition needs one PT_NOTE")
	}

	raw, err := os.ReadFile(ctx.Arg.Output)
	if err != nil {
		t.Fatalf("cannot read output: %v", err)
	}
	hdr := raw[ehdr.Shdr.Offset:]
	if !bytes.HasPrefix(hdr, []byte("\x7fELF")) {
		t.Fatalf("no ELF header at %#x", ehdr.Shdr.Offset)
	}
	if typ := binary.LittleEndian.Uint16(hdr[16:]); typ != uint16(elf.ET_DYN) {
		t.Errorf("partition e_type %d, want ET_DYN", typ)
	}
	if n := binary.LittleEndian.Uint16(hdr[56:]); int(n) != len(part.Phdrs) {
		t.Errorf("partition e_phnum %d, want %d", n, len(part.Phdrs))
	}
}
