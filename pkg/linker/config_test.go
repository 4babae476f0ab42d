package linker

import (
	"bytes"
	"debug/elf"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

// TestSetBuildId verifies the --build-id styles.
func TestSetBuildId(t *testing.T) {
	cases := []struct {
		arg  string
		want BuildIdKind
	}{
		{"none", BuildIdNone},
		{"fast", BuildIdFast},
		{"tree", BuildIdFast},
		{"md5", BuildIdMd5},
		{"sha1", BuildIdSha1},
		{"uuid", BuildIdUuid},
		{"0x0102ff", BuildIdHexstring},
	}
	for _, c := range cases {
		cfg := DefaultConfig(elf.EM_X86_64)
		if err := cfg.SetBuildId(c.arg); err != nil {
			t.Errorf("SetBuildId(%q): %v", c.arg, err)
			continue
		}
		if cfg.BuildId != c.want {
			t.Errorf("SetBuildId(%q) = %d, want %d", c.arg, cfg.BuildId, c.want)
		}
	}

	cfg := DefaultConfig(elf.EM_X86_64)
	if err := cfg.SetBuildId("0x0102ff"); err != nil || !bytes.Equal(cfg.BuildIdVector, []byte{1, 2, 0xff}) {
		t.Errorf("hex build-id parsed as %x (%v)", cfg.BuildIdVector, err)
	}
	for _, bad := range []string{"bogus", "0x", "0xzz"} {
		if err := cfg.SetBuildId(bad); err == nil {
			t.Errorf("SetBuildId(%q) succeeded", bad)
		}
	}
}

// TestSetZOption verifies the -z keywords.
func TestSetZOption(t *testing.T) {
	cfg := DefaultConfig(elf.EM_X86_64)
	for _, opt := range []string{
		"norelro", "now", "separate-code", "execstack", "lrodata-after-bss",
		"keep-data-section-prefix", "stack-size=0x100000", "max-page-size=16384",
		"start-stop-visibility=hidden",
	} {
		if err := cfg.SetZOption(opt); err != nil {
			t.Fatalf("SetZOption(%q): %v", opt, err)
		}
	}

	if cfg.ZRelro || !cfg.ZNow || cfg.ZSeparate != SeparateCode || cfg.ZGnustack != GnuStackExec {
		t.Errorf("keywords not applied: %+v", cfg)
	}
	if !cfg.ZLrodataAfterBss || !cfg.ZKeepDataSectionPrefix {
		t.Errorf("section placement keywords not applied")
	}
	if cfg.ZStackSize != 0x100000 || cfg.MaxPageSize != 16384 {
		t.Errorf("stack size %#x page size %d", cfg.ZStackSize, cfg.MaxPageSize)
	}
	if cfg.ZStartStopVisibility != elf.STV_HIDDEN {
		t.Errorf("start-stop visibility %v", cfg.ZStartStopVisibility)
	}

	for _, bad := range []string{"bogus", "stack-size=x", "start-stop-visibility=odd"} {
		if err := cfg.SetZOption(bad); err == nil {
			t.Errorf("SetZOption(%q) succeeded", bad)
		}
	}
}

// TestSetShuffleSections verifies the glob=seed syntax.
func TestSetShuffleSections(t *testing.T) {
	cfg := DefaultConfig(elf.EM_X86_64)
	if err := cfg.SetShuffleSections(".text.*=-1"); err != nil {
		t.Fatalf("SetShuffleSections: %v", err)
	}
	if err := cfg.SetShuffleSections("*=0x10"); err != nil {
		t.Fatalf("SetShuffleSections: %v", err)
	}
	want := []ShuffleRule{{Pattern: ".text.*", Seed: -1}, {Pattern: "*", Seed: 16}}
	if !reflect.DeepEqual(cfg.ShuffleSections, want) {
		t.Errorf("got %+v, want %+v", cfg.ShuffleSections, want)
	}

	for _, bad := range []string{".text", ".text=seed"} {
		if err := cfg.SetShuffleSections(bad); err == nil {
			t.Errorf("SetShuffleSections(%q) succeeded", bad)
		}
	}
}

// TestEmulation verifies that -m selects class, byte order and the
// relocation format of the machine.
func TestEmulation(t *testing.T) {
	mt, err := ParseEmulation("elf32btsmip")
	if err != nil {
		t.Fatalf("ParseEmulation: %v", err)
	}
	cfg := DefaultConfig(elf.EM_X86_64)
	cfg.SetMachineType(mt)
	if cfg.Machine != elf.EM_MIPS || cfg.Is64 || cfg.IsLE || cfg.IsRela {
		t.Errorf("elf32btsmip gave %+v", mt)
	}

	mt, err = ParseEmulation("elf64lppc")
	if err != nil {
		t.Fatalf("ParseEmulation: %v", err)
	}
	cfg.SetMachineType(mt)
	if cfg.Machine != elf.EM_PPC64 || !cfg.Is64 || !cfg.IsLE || !cfg.IsRela {
		t.Errorf("elf64lppc gave %+v", mt)
	}

	if _, err := ParseEmulation("elf_vax"); err == nil {
		t.Errorf("unknown emulation accepted")
	}
}

// TestLoadSymbolOrderingFile verifies comment and blank line handling.
func TestLoadSymbolOrderingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "order.txt")
	contents := "# hot functions\nmain\n\n  hot_loop  # inner\ncold\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("cannot write ordering file: %v", err)
	}

	cfg := DefaultConfig(elf.EM_X86_64)
	if err := cfg.LoadSymbolOrderingFile(path); err != nil {
		t.Fatalf("LoadSymbolOrderingFile: %v", err)
	}
	want := []string{"main", "hot_loop", "cold"}
	if !reflect.DeepEqual(cfg.SymbolOrderingFile, want) {
		t.Errorf("got %v, want %v", cfg.SymbolOrderingFile, want)
	}

	if err := cfg.LoadSymbolOrderingFile(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Errorf("missing ordering file accepted")
	}
}

// TestDefaultConfig verifies the per-machine defaults.
func TestDefaultConfig(t *testing.T) {
	cases := []struct {
		machine          elf.Machine
		is64, le, isRela bool
	}{
		{elf.EM_X86_64, true, true, true},
		{elf.EM_386, false, true, false},
		{elf.EM_MIPS, false, false, false},
		{elf.EM_PPC, false, false, true},
	}
	for _, c := range cases {
		cfg := DefaultConfig(c.machine)
		if cfg.Is64 != c.is64 || cfg.IsLE != c.le || cfg.IsRela != c.isRela {
			t.Errorf("%v: is64 %v le %v rela %v", c.machine, cfg.Is64, cfg.IsLE, cfg.IsRela)
		}
		if !cfg.ZRelro || cfg.Entry != "_start" {
			t.Errorf("%v: unexpected defaults", c.machine)
		}
	}
}
