package linker

import (
	"debug/elf"
	"encoding/hex"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/xyproto/env/v2"
)

type BuildIdKind uint8

const (
	BuildIdNone BuildIdKind = iota
	BuildIdFast
	BuildIdMd5
	BuildIdSha1
	BuildIdUuid
	BuildIdHexstring
)

type SeparateSegmentKind uint8

const (
	SeparateNone SeparateSegmentKind = iota
	SeparateCode
	SeparateLoadable
)

type GnuStackKind uint8

const (
	GnuStackNoExec GnuStackKind = iota
	GnuStackExec
	GnuStackNone
)

// ShuffleRule reorders input sections whose names match Pattern. A Seed of
// -1 reverses the matched sections instead of shuffling them.
type ShuffleRule struct {
	Pattern string
	Seed    int64
}

type Config struct {
	Output       string
	Machine      elf.Machine
	Is64         bool
	IsLE         bool
	IsRela       bool
	OSABI        elf.OSABI
	Entry        string
	LibraryPaths []string

	ImageBase    uint64
	HasImageBase bool
	MaxPageSize  uint64
	IsPic        bool

	ZRelro                 bool
	ZNow                   bool
	ZSeparate              SeparateSegmentKind
	ZGnustack              GnuStackKind
	ZStackSize             uint64
	ZLrodataAfterBss       bool
	ZKeepDataSectionPrefix bool
	ZStartStopVisibility   elf.SymVis
	ZNoBtCfi               bool
	ZWxneeded              bool

	SingleRoRx  bool
	SingleXoRx  bool
	ExecuteOnly bool
	NMagic      bool
	OMagic      bool

	BuildId       BuildIdKind
	BuildIdVector []byte

	SectionStartMap    map[string]uint64
	SymbolOrderingFile []string
	WarnSymbolOrdering bool
	ShuffleSections    []ShuffleRule

	OptimizeBBJumps bool
	CheckSections   bool
	MmapOutputFile  bool
	PrintMap        bool
	DynamicLinker   string
	Threads         int
}

func DefaultConfig(machine elf.Machine) Config {
	c := Config{
		Output:               "a.out",
		Machine:              machine,
		Is64:                 true,
		IsLE:                 true,
		IsRela:               true,
		Entry:                "_start",
		ZRelro:               true,
		ZStartStopVisibility: elf.STV_PROTECTED,
		SingleXoRx:           true,
		WarnSymbolOrdering:   true,
		CheckSections:        true,
		MmapOutputFile:       true,
		Threads:              runtime.NumCPU(),
		SectionStartMap:      make(map[string]uint64),
	}

	switch machine {
	case elf.EM_386, elf.EM_ARM:
		c.Is64 = false
		c.IsRela = false
	case elf.EM_MIPS:
		c.Is64 = false
		c.IsLE = false
		c.IsRela = false
	case elf.EM_PPC:
		c.Is64 = false
		c.IsLE = false
	}
	return c
}

// LoadEnv applies ELFLD_* environment overrides. Explicit command line
// options are parsed afterwards and win.
func (c *Config) LoadEnv() error {
	if s := env.Str("ELFLD_MAX_PAGE_SIZE"); s != "" {
		v, err := strconv.ParseUint(s, 0, 64)
		if err != nil {
			return fmt.Errorf("ELFLD_MAX_PAGE_SIZE: %w", err)
		}
		c.MaxPageSize = v
	}
	if s := env.Str("ELFLD_IMAGE_BASE"); s != "" {
		v, err := strconv.ParseUint(s, 0, 64)
		if err != nil {
			return fmt.Errorf("ELFLD_IMAGE_BASE: %w", err)
		}
		c.ImageBase = v
		c.HasImageBase = true
	}
	if s := env.Str("ELFLD_BUILD_ID"); s != "" {
		if err := c.SetBuildId(s); err != nil {
			return err
		}
	}
	if s := env.Str("ELFLD_Z_SEPARATE"); s != "" {
		if err := c.SetZOption(s); err != nil {
			return err
		}
	}
	c.Threads = env.Int("ELFLD_THREADS", c.Threads)
	if env.Bool("ELFLD_PRINT_MAP") {
		c.PrintMap = true
	}
	if env.Bool("ELFLD_NO_MMAP") {
		c.MmapOutputFile = false
	}
	return nil
}

func (c *Config) SetBuildId(s string) error {
	switch s {
	case "none":
		c.BuildId = BuildIdNone
	case "fast", "tree":
		c.BuildId = BuildIdFast
	case "md5":
		c.BuildId = BuildIdMd5
	case "sha1":
		c.BuildId = BuildIdSha1
	case "uuid":
		c.BuildId = BuildIdUuid
	default:
		hexstr, ok := strings.CutPrefix(s, "0x")
		if !ok {
			return fmt.Errorf("unknown --build-id style: %s", s)
		}
		v, err := hex.DecodeString(hexstr)
		if err != nil || len(v) == 0 {
			return fmt.Errorf("--build-id=%s: invalid hex string", s)
		}
		c.BuildId = BuildIdHexstring
		c.BuildIdVector = v
	}
	return nil
}

// SetZOption handles a single -z keyword.
func (c *Config) SetZOption(s string) error {
	switch s {
	case "relro":
		c.ZRelro = true
	case "norelro":
		c.ZRelro = false
	case "now":
		c.ZNow = true
	case "lazy":
		c.ZNow = false
	case "separate-code":
		c.ZSeparate = SeparateCode
	case "separate-loadable-segments":
		c.ZSeparate = SeparateLoadable
	case "noseparate-code":
		c.ZSeparate = SeparateNone
	case "execstack":
		c.ZGnustack = GnuStackExec
	case "noexecstack":
		c.ZGnustack = GnuStackNoExec
	case "nognustack":
		c.ZGnustack = GnuStackNone
	case "lrodata-after-bss":
		c.ZLrodataAfterBss = true
	case "nolrodata-after-bss":
		c.ZLrodataAfterBss = false
	case "keep-data-section-prefix":
		c.ZKeepDataSectionPrefix = true
	case "nobtcfi":
		c.ZNoBtCfi = true
	case "wxneeded":
		c.ZWxneeded = true
	default:
		if v, ok := strings.CutPrefix(s, "stack-size="); ok {
			n, err := strconv.ParseUint(v, 0, 64)
			if err != nil {
				return fmt.Errorf("-z stack-size: %w", err)
			}
			c.ZStackSize = n
			return nil
		}
		if v, ok := strings.CutPrefix(s, "max-page-size="); ok {
			n, err := strconv.ParseUint(v, 0, 64)
			if err != nil {
				return fmt.Errorf("-z max-page-size: %w", err)
			}
			c.MaxPageSize = n
			return nil
		}
		if v, ok := strings.CutPrefix(s, "start-stop-visibility="); ok {
			switch v {
			case "default":
				c.ZStartStopVisibility = elf.STV_DEFAULT
			case "internal":
				c.ZStartStopVisibility = elf.STV_INTERNAL
			case "hidden":
				c.ZStartStopVisibility = elf.STV_HIDDEN
			case "protected":
				c.ZStartStopVisibility = elf.STV_PROTECTED
			default:
				return fmt.Errorf("unknown -z start-stop-visibility= value: %s", v)
			}
			return nil
		}
		return fmt.Errorf("unknown -z value: %s", s)
	}
	return nil
}

// SetShuffleSections parses "glob=seed".
func (c *Config) SetShuffleSections(s string) error {
	pat, seed, ok := strings.Cut(s, "=")
	if !ok {
		return fmt.Errorf("--shuffle-sections=: expected <section_glob>=<seed>, but got '%s'", s)
	}
	v, err := strconv.ParseInt(seed, 0, 64)
	if err != nil {
		return fmt.Errorf("--shuffle-sections=: expected an integer, but got '%s'", seed)
	}
	c.ShuffleSections = append(c.ShuffleSections, ShuffleRule{Pattern: pat, Seed: v})
	return nil
}

var emulations = map[string]MachineType{
	"elf_x86_64":        {elf.EM_X86_64, true, true},
	"elf_i386":          {elf.EM_386, false, true},
	"aarch64elf":        {elf.EM_AARCH64, true, true},
	"aarch64linux":      {elf.EM_AARCH64, true, true},
	"armelf":            {elf.EM_ARM, false, true},
	"armelf_linux_eabi": {elf.EM_ARM, false, true},
	"elf64lriscv":       {elf.EM_RISCV, true, true},
	"elf32lriscv":       {elf.EM_RISCV, false, true},
	"elf64ppc":          {elf.EM_PPC64, true, false},
	"elf64lppc":         {elf.EM_PPC64, true, true},
	"elf32ppc":          {elf.EM_PPC, false, false},
	"elf32btsmip":       {elf.EM_MIPS, false, false},
	"elf32ltsmip":       {elf.EM_MIPS, false, true},
}

// ParseEmulation maps a -m argument to a machine type.
func ParseEmulation(s string) (MachineType, error) {
	mt, ok := emulations[s]
	if !ok {
		return MachineType{}, fmt.Errorf("unknown -m argument: %s", s)
	}
	return mt, nil
}

// SetMachineType takes the class and byte order from mt. Whether the
// target uses RELA is a property of the machine.
func (c *Config) SetMachineType(mt MachineType) {
	c.Machine = mt.Machine
	c.Is64 = mt.Is64
	c.IsLE = mt.IsLE
	c.IsRela = DefaultConfig(mt.Machine).IsRela
}

// LoadSymbolOrderingFile reads one symbol name per line. Text after '#' is
// a comment.
func (c *Config) LoadSymbolOrderingFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("cannot open %s: %w", path, err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		if i := strings.IndexByte(line, '#'); i != -1 {
			line = line[:i]
		}
		if line = strings.TrimSpace(line); line != "" {
			c.SymbolOrderingFile = append(c.SymbolOrderingFile, line)
		}
	}
	return nil
}
