package linker

import (
	"debug/elf"
	"slices"
)

type x86_64 struct {
	baseTarget
}

func newX86_64() *x86_64 {
	return &x86_64{baseTarget{
		machine:      elf.EM_X86_64,
		imageBase:    0x200000,
		pageSize:     4096,
		trap:         [4]byte{0xcc, 0xcc, 0xcc, 0xcc},
		relativeRel:  uint32(elf.R_X86_64_RELATIVE),
		iRelativeRel: uint32(elf.R_X86_64_IRELATIVE),
		kinds: map[uint32]RelocKind{
			uint32(elf.R_X86_64_64):            RelocAbs,
			uint32(elf.R_X86_64_32):            RelocAbs,
			uint32(elf.R_X86_64_32S):           RelocAbs,
			uint32(elf.R_X86_64_PC32):          RelocPC,
			uint32(elf.R_X86_64_PLT32):         RelocBranch,
			uint32(elf.R_X86_64_GOTPCREL):      RelocGot,
			uint32(elf.R_X86_64_GOTPCRELX):     RelocGot,
			uint32(elf.R_X86_64_REX_GOTPCRELX): RelocGot,
			uint32(elf.R_X86_64_GOTTPOFF):      RelocGotTp,
		},
	}}
}

const sizeOfDirectJmpInsn = 5

// DeleteFallThruJmpInsn removes a trailing "jmp rel32" whose target is the
// start of next. The section shrinks by the size of the jump and the
// dropped bytes are accounted in BytesDropped.
func (t *x86_64) DeleteFallThruJmpInsn(ctx *Context, isec, next *InputSection) bool {
	if next == nil || isec.Synthetic != nil {
		return false
	}
	size := isec.GetSize()
	if size < sizeOfDirectJmpInsn {
		return false
	}

	off := size - sizeOfDirectJmpInsn + 1
	idx := -1
	for i := range isec.Relocs {
		if isec.Relocs[i].Offset == off {
			idx = i
			break
		}
	}
	if idx == -1 {
		return false
	}

	r := &isec.Relocs[idx]
	if r.Type != uint32(elf.R_X86_64_PC32) && r.Type != uint32(elf.R_X86_64_PLT32) {
		return false
	}
	if r.Sym == nil || !r.Sym.IsDefined() {
		return false
	}
	if r.Sym.GetAddr(ctx)+uint64(r.Addend)+4 != next.GetAddr() {
		return false
	}
	if isec.Contents[r.Offset-1] != 0xe9 {
		return false
	}

	isec.Relocs = slices.Delete(isec.Relocs, idx, idx+1)
	isec.Size -= sizeOfDirectJmpInsn
	isec.BytesDropped += sizeOfDirectJmpInsn
	return true
}
