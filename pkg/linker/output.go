package linker

import (
	"debug/elf"
	"strings"
)

var prefixes = []string{
	".ldata.", ".lrodata.", ".lbss.", ".gcc_except_table.", ".init_array.",
	".fini_array.", ".tbss.", ".tdata.", ".ARM.exidx.", ".ARM.extab.",
	".ctors.", ".dtors.", ".sdata.", ".sbss.", ".srodata.",
	".text.", ".data.rel.ro.", ".data.", ".rodata.", ".bss.rel.ro.", ".bss.",
}

var keepDataPrefixes = []string{
	".data.rel.ro.hot", ".data.rel.ro.unlikely", ".data.hot", ".data.unlikely",
	".rodata.hot", ".rodata.unlikely", ".bss.hot", ".bss.unlikely",
}

// GetOutputName maps an input section name to the output section it is
// merged into.
func GetOutputName(ctx *Context, name string, flags uint64) string {
	if name == "COMMON" {
		return ".bss"
	}

	if ctx.Arg.ZKeepDataSectionPrefix {
		for _, p := range keepDataPrefixes {
			if name == p || strings.HasPrefix(name, p+".") {
				return p
			}
		}
	}

	for _, prefix := range prefixes {
		stem := prefix[:len(prefix)-1]
		if name == stem || strings.HasPrefix(name, prefix) {
			return stem
		}
	}
	return name
}

func CanonicalizeType(name string, typ uint32) uint32 {
	if typ == uint32(elf.SHT_PROGBITS) {
		if name == ".init_array" || strings.HasPrefix(name, ".init_array.") {
			return uint32(elf.SHT_INIT_ARRAY)
		}
		if name == ".fini_array" || strings.HasPrefix(name, ".fini_array.") {
			return uint32(elf.SHT_FINI_ARRAY)
		}
	}
	return typ
}
