package linker

import (
	"debug/elf"
	"encoding/binary"
)

type aarch64 struct {
	baseTarget
}

func newAArch64() *aarch64 {
	return &aarch64{baseTarget{
		machine:      elf.EM_AARCH64,
		imageBase:    0x200000,
		pageSize:     65536,
		trap:         [4]byte{0xd4, 0xd4, 0xd4, 0xd4},
		relativeRel:  uint32(elf.R_AARCH64_RELATIVE),
		iRelativeRel: uint32(elf.R_AARCH64_IRELATIVE),
		kinds: map[uint32]RelocKind{
			uint32(elf.R_AARCH64_ABS64):                       RelocAbs,
			uint32(elf.R_AARCH64_PREL32):                      RelocPC,
			uint32(elf.R_AARCH64_ADR_PREL_PG_HI21):            RelocPC,
			uint32(elf.R_AARCH64_CALL26):                      RelocBranch,
			uint32(elf.R_AARCH64_JUMP26):                      RelocBranch,
			uint32(elf.R_AARCH64_ADR_GOT_PAGE):                RelocGot,
			uint32(elf.R_AARCH64_LD64_GOT_LO12_NC):            RelocGot,
			uint32(elf.R_AARCH64_TLSIE_ADR_GOTTPREL_PAGE21):   RelocGotTp,
			uint32(elf.R_AARCH64_TLSIE_LD64_GOTTPREL_LO12_NC): RelocGotTp,
		},
	}}
}

func (t *aarch64) NeedsThunks() bool { return true }

// Leaves room below the 128 MiB branch range for the thunks themselves.
func (t *aarch64) ThunkSectionSpacing() uint64 { return (1 << 27) - 0x30000 }

func (t *aarch64) ThunkSize() uint64 { return 16 }

func (t *aarch64) InBranchRange(typ uint32, src, dst uint64) bool {
	if typ != uint32(elf.R_AARCH64_CALL26) && typ != uint32(elf.R_AARCH64_JUMP26) {
		return true
	}
	v := int64(dst - src)
	return v >= -(1<<27) && v < 1<<27
}

// WriteThunk emits
//
//	ldr x16, 8
//	br  x16
//	.quad dst
func (t *aarch64) WriteThunk(ctx *Context, buf []byte, dst uint64) {
	binary.LittleEndian.PutUint32(buf, 0x58000050)
	binary.LittleEndian.PutUint32(buf[4:], 0xd61f0200)
	ctx.ByteOrder().PutUint64(buf[8:], dst)
}

type arm struct {
	baseTarget
}

func newARM() *arm {
	return &arm{baseTarget{
		machine:      elf.EM_ARM,
		imageBase:    0x10000,
		pageSize:     65536,
		trap:         [4]byte{0xd4, 0xd4, 0xd4, 0xd4},
		relativeRel:  uint32(elf.R_ARM_RELATIVE),
		iRelativeRel: uint32(elf.R_ARM_IRELATIVE),
		kinds: map[uint32]RelocKind{
			uint32(elf.R_ARM_ABS32):  RelocAbs,
			uint32(elf.R_ARM_REL32):  RelocPC,
			uint32(elf.R_ARM_CALL):   RelocBranch,
			uint32(elf.R_ARM_JUMP24): RelocBranch,
			uint32(elf.R_ARM_PC24):   RelocBranch,
			uint32(elf.R_ARM_GOT32):  RelocGot,
		},
	}}
}

func (t *arm) NeedsThunks() bool { return true }

func (t *arm) ThunkSectionSpacing() uint64 { return 0x2000000 - 0x30000 }

func (t *arm) ThunkSize() uint64 { return 8 }

// The ARM PC reads 8 bytes ahead of the branch.
func (t *arm) InBranchRange(typ uint32, src, dst uint64) bool {
	switch elf.R_ARM(typ) {
	case elf.R_ARM_CALL, elf.R_ARM_JUMP24, elf.R_ARM_PC24:
	default:
		return true
	}
	v := int64(dst - src - 8)
	return v >= -0x2000000 && v < 0x2000000
}

// WriteThunk emits
//
//	ldr pc, [pc, #-4]
//	.word dst
func (t *arm) WriteThunk(ctx *Context, buf []byte, dst uint64) {
	binary.LittleEndian.PutUint32(buf, 0xe51ff004)
	ctx.ByteOrder().PutUint32(buf[4:], uint32(dst))
}
