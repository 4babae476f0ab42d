package linker

import (
	"debug/elf"
	"testing"
)

// TestSectionRankOrder verifies the canonical order of common output
// sections.
func TestSectionRankOrder(t *testing.T) {
	ctx := newTestContext(t, elf.EM_X86_64)

	osecs := []*OutputSection{
		NewOutputSection(".rodata", uint32(elf.SHT_PROGBITS), uint64(elf.SHF_ALLOC)),
		NewOutputSection(".text", uint32(elf.SHT_PROGBITS), uint64(elf.SHF_ALLOC|elf.SHF_EXECINSTR)),
		NewOutputSection(".data.rel.ro", uint32(elf.SHT_PROGBITS), uint64(elf.SHF_ALLOC|elf.SHF_WRITE)),
		NewOutputSection(".data", uint32(elf.SHT_PROGBITS), uint64(elf.SHF_ALLOC|elf.SHF_WRITE)),
		NewOutputSection(".bss", uint32(elf.SHT_NOBITS), uint64(elf.SHF_ALLOC|elf.SHF_WRITE)),
		NewOutputSection(".comment", uint32(elf.SHT_PROGBITS), 0),
	}

	prev := uint32(0)
	for i, osec := range osecs {
		rank := GetSectionRank(ctx, osec)
		if i > 0 && rank <= prev {
			t.Errorf("rank of %s (%#x) is not above rank of %s (%#x)", osec.Name, rank, osecs[i-1].Name, prev)
		}
		prev = rank
	}

	if !osecs[2].Relro {
		t.Errorf(".data.rel.ro is not RELRO")
	}
	if osecs[3].Relro {
		t.Errorf(".data is RELRO")
	}
}

// TestSectionRankAddrSet verifies that sections with a start address sort
// before everything else.
func TestSectionRankAddrSet(t *testing.T) {
	ctx := newTestContext(t, elf.EM_X86_64)
	ctx.Arg.SectionStartMap[".data"] = 0x400000

	data := NewOutputSection(".data", uint32(elf.SHT_PROGBITS), uint64(elf.SHF_ALLOC|elf.SHF_WRITE))
	rodata := NewOutputSection(".rodata", uint32(elf.SHT_PROGBITS), uint64(elf.SHF_ALLOC))

	dr := GetSectionRank(ctx, data)
	rr := GetSectionRank(ctx, rodata)
	if dr&RF_NOT_ADDR_SET != 0 {
		t.Fatalf("rank %#x has RF_NOT_ADDR_SET", dr)
	}
	if dr >= rr {
		t.Fatalf(".data rank %#x is not below .rodata rank %#x", dr, rr)
	}
}

// TestSectionRankRelroDisabled verifies -z norelro.
func TestSectionRankRelroDisabled(t *testing.T) {
	ctx := newTestContext(t, elf.EM_X86_64)
	ctx.Arg.ZRelro = false

	osec := NewOutputSection(".data.rel.ro", uint32(elf.SHT_PROGBITS), uint64(elf.SHF_ALLOC|elf.SHF_WRITE))
	rank := GetSectionRank(ctx, osec)
	if osec.Relro || rank&RF_NOT_RELRO == 0 {
		t.Fatalf("section is RELRO with -z norelro: rank %#x", rank)
	}
}

func TestSectionRankPartition(t *testing.T) {
	ctx := newTestContext(t, elf.EM_X86_64)

	bss := NewOutputSection(".bss", uint32(elf.SHT_NOBITS), uint64(elf.SHF_ALLOC|elf.SHF_WRITE))
	rodata := NewOutputSection(".rodata", uint32(elf.SHT_PROGBITS), uint64(elf.SHF_ALLOC))
	rodata.Partition = 2
	comment := NewOutputSection(".comment", uint32(elf.SHT_PROGBITS), 0)

	b, r, c := GetSectionRank(ctx, bss), GetSectionRank(ctx, rodata), GetSectionRank(ctx, comment)
	if b >= r {
		t.Errorf("partition 2 .rodata (%#x) does not follow main .bss (%#x)", r, b)
	}
	if r >= c {
		t.Errorf("non-alloc section (%#x) does not follow partition 2 (%#x)", c, r)
	}
}

// TestRankProximity verifies that proximity counts shared leading bits.
func TestRankProximity(t *testing.T) {
	if got := RankProximity(0x8001000, 0x8001000); got != 32 {
		t.Errorf("RankProximity of equal ranks = %d, want 32", got)
	}
	if got := RankProximity(0x8004180, 0x80041c0); got != 25 {
		t.Errorf("RankProximity(.data, .bss) = %d, want 25", got)
	}
	if got := RankProximity(0, 1<<31); got != 0 {
		t.Errorf("RankProximity(0, 1<<31) = %d, want 0", got)
	}
}

// TestRelroClassification verifies which sections are made read-only
// after relocation.
func TestRelroClassification(t *testing.T) {
	ctx := newTestContext(t, elf.EM_X86_64)

	cases := []struct {
		name  string
		typ   elf.SectionType
		flags elf.SectionFlag
		want  bool
	}{
		{".init_array", elf.SHT_INIT_ARRAY, elf.SHF_ALLOC | elf.SHF_WRITE, true},
		{".tdata", elf.SHT_PROGBITS, elf.SHF_ALLOC | elf.SHF_WRITE | elf.SHF_TLS, true},
		{".ctors", elf.SHT_PROGBITS, elf.SHF_ALLOC | elf.SHF_WRITE, true},
		{".got.plt", elf.SHT_PROGBITS, elf.SHF_ALLOC | elf.SHF_WRITE, false},
		{".data", elf.SHT_PROGBITS, elf.SHF_ALLOC | elf.SHF_WRITE, false},
		{".rodata", elf.SHT_PROGBITS, elf.SHF_ALLOC, false},
	}
	for _, c := range cases {
		osec := NewOutputSection(c.name, uint32(c.typ), uint64(c.flags))
		if got := IsRelroSection(ctx, osec); got != c.want {
			t.Errorf("IsRelroSection(%s) = %v, want %v", c.name, got, c.want)
		}
	}

	ctx.Arg.ZNow = true
	gotplt := NewOutputSection(".got.plt", uint32(elf.SHT_PROGBITS), uint64(elf.SHF_ALLOC|elf.SHF_WRITE))
	if !IsRelroSection(ctx, gotplt) {
		t.Errorf(".got.plt is not RELRO with -z now")
	}
}
