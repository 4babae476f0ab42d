package main

import (
	"debug/elf"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ksco/elfld/pkg/linker"
	"github.com/ksco/elfld/pkg/utils"
)

var version string

func main() {
	cfg := linker.DefaultConfig(elf.EM_NONE)
	utils.MustNo(cfg.LoadEnv())
	remaining := parseNonpositionalArgs(&cfg)

	if cfg.Machine == elf.EM_NONE {
		for _, filename := range remaining {
			if strings.HasPrefix(filename, "-") {
				continue
			}
			file := linker.MustNewFile(filename)
			mt := linker.GetMachineTypeFromContents(file.Contents)
			if mt.Machine != elf.EM_NONE {
				cfg.SetMachineType(mt)
				break
			}
		}
	}

	if cfg.Machine == elf.EM_NONE {
		utils.Fatal("unknown emulation type")
	}

	ctx := linker.NewContext(cfg)
	linker.ReadInputFiles(ctx, remaining)
	linker.ResolveSymbols(ctx)
	linker.ClaimUnresolvedSymbols(ctx)
	linker.CreateCommonSections(ctx)
	linker.AssignPartitions(ctx)
	linker.AddReservedSymbols(ctx)
	linker.CreateSyntheticSections(ctx)
	linker.BinSections(ctx)

	if err := linker.Run(ctx); err != nil {
		os.Exit(1)
	}
}

func parseNonpositionalArgs(cfg *linker.Config) []string {
	dashes := func(name string) []string {
		if len(name) == 1 {
			return []string{"-" + name}
		}
		if name[0] == 'o' {
			return []string{"--" + name}
		}
		return []string{"-" + name, "--" + name}
	}

	args := os.Args[1:]
	remaining := make([]string, 0)
	var arg string

	readArg := func(name string) bool {
		for _, opt := range dashes(name) {
			if args[0] == opt {
				if len(args) == 1 {
					utils.Fatal(fmt.Sprintf("option -%s: argument missing", name))
					return false
				}
				arg = args[1]
				args = args[2:]
				return true
			}

			prefix := opt
			if len(name) > 1 {
				prefix += "="
			}

			if strings.HasPrefix(args[0], prefix) {
				arg = args[0][len(prefix):]
				args = args[1:]
				return true
			}
		}
		return false
	}

	readFlag := func(name string) bool {
		for _, opt := range dashes(name) {
			if args[0] == opt {
				args = args[1:]
				return true
			}
		}
		return false
	}

	parseHex := func(opt, s string) uint64 {
		v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 64)
		if err != nil {
			utils.Fatal(fmt.Sprintf("invalid argument: %s %s", opt, s))
		}
		return v
	}

	for len(args) > 0 {
		if readFlag("help") {
			fmt.Printf("Usage: %s [options] file...\n", os.Args[0])
			os.Exit(0)
		}

		if readArg("o") || readArg("output") {
			cfg.Output = arg
		} else if readFlag("v") || readFlag("version") {
			fmt.Printf("elfld %s\n", version)
			os.Exit(0)
		} else if readArg("m") {
			mt, err := linker.ParseEmulation(arg)
			utils.MustNo(err)
			cfg.SetMachineType(mt)
		} else if readFlag("execute-only") {
			cfg.ExecuteOnly = true
		} else if readArg("entry") || readArg("e") {
			cfg.Entry = arg
		} else if readArg("z") {
			utils.MustNo(cfg.SetZOption(arg))
		} else if readFlag("build-id") {
			cfg.BuildId = linker.BuildIdFast
		} else if readArg("build-id") {
			utils.MustNo(cfg.SetBuildId(arg))
		} else if readFlag("no-rosegment") {
			cfg.SingleRoRx = true
		} else if readFlag("rosegment") {
			cfg.SingleRoRx = false
		} else if readFlag("xosegment") {
			cfg.SingleXoRx = false
		} else if readFlag("no-xosegment") {
			cfg.SingleXoRx = true
		} else if readFlag("N") || readFlag("omagic") {
			cfg.OMagic = true
		} else if readFlag("n") || readFlag("nmagic") {
			cfg.NMagic = true
		} else if readArg("section-start") {
			name, addr, ok := strings.Cut(arg, "=")
			if !ok {
				utils.Fatal(fmt.Sprintf("invalid argument: --section-start %s", arg))
			}
			cfg.SectionStartMap[name] = parseHex("--section-start", addr)
		} else if readArg("Ttext") {
			cfg.SectionStartMap[".text"] = parseHex("-Ttext", arg)
		} else if readArg("Tdata") {
			cfg.SectionStartMap[".data"] = parseHex("-Tdata", arg)
		} else if readArg("Tbss") {
			cfg.SectionStartMap[".bss"] = parseHex("-Tbss", arg)
		} else if readArg("image-base") {
			v, err := strconv.ParseUint(arg, 0, 64)
			if err != nil {
				utils.Fatal(fmt.Sprintf("--image-base: number expected, but got %s", arg))
			}
			cfg.ImageBase = v
			cfg.HasImageBase = true
		} else if readArg("symbol-ordering-file") {
			utils.MustNo(cfg.LoadSymbolOrderingFile(arg))
		} else if readFlag("no-warn-symbol-ordering") {
			cfg.WarnSymbolOrdering = false
		} else if readArg("shuffle-sections") {
			utils.MustNo(cfg.SetShuffleSections(arg))
		} else if readFlag("optimize-bb-jumps") {
			cfg.OptimizeBBJumps = true
		} else if readFlag("check-sections") {
			cfg.CheckSections = true
		} else if readFlag("no-check-sections") {
			cfg.CheckSections = false
		} else if readFlag("no-mmap-output-file") {
			cfg.MmapOutputFile = false
		} else if readFlag("M") || readFlag("print-map") {
			cfg.PrintMap = true
		} else if readArg("dynamic-linker") {
			cfg.DynamicLinker = arg
		} else if readFlag("pie") || readFlag("shared") {
			cfg.IsPic = true
		} else if readFlag("no-pie") {
			cfg.IsPic = false
		} else if readArg("threads") {
			n, err := strconv.Atoi(arg)
			if err != nil || n < 1 {
				utils.Fatal(fmt.Sprintf("--threads: expected a positive integer, but got '%s'", arg))
			}
			cfg.Threads = n
		} else if readArg("sysroot") {
			// Ignored
		} else if readArg("L") || readArg("library-path") {
			cfg.LibraryPaths = append(cfg.LibraryPaths, arg)
		} else if readArg("l") {
			remaining = append(remaining, "-l"+arg)
		} else if readFlag("static") {
			// Do nothing.
		} else if readArg("plugin") ||
			readArg("plugin-opt") ||
			readFlag("as-needed") ||
			readFlag("start-group") ||
			readFlag("end-group") ||
			readArg("hash-style") ||
			readFlag("s") ||
			readFlag("no-relax") {
			// Ignored
		} else {
			if args[0][0] == '-' {
				utils.Fatal(fmt.Sprintf("unknown command line option: %s", args[0]))
			}
			remaining = append(remaining, args[0])
			args = args[1:]
		}
	}

	for i, path := range cfg.LibraryPaths {
		cfg.LibraryPaths[i] = filepath.Clean(path)
	}

	return remaining
}
