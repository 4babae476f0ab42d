package linker

import (
	"debug/elf"
	"fmt"
	"math"
	"sort"

	"github.com/ksco/elfld/pkg/utils"
)

type RelocKind uint8

const (
	RelocNone RelocKind = iota
	RelocAbs
	RelocPC
	RelocBranch
	RelocGot
	RelocGotTp
	RelocAlign
)

// Reloc is the layout-relevant view of a relocation. Thunk is set while
// a branch is redirected through a range extension thunk.
type Reloc struct {
	Offset uint64
	Type   uint32
	Kind   RelocKind
	Addend int64
	Sym    *Symbol
	Thunk  *Thunk
}

type InputSection struct {
	File     *ObjectFile
	Name     string
	Type     uint32
	Flags    uint64
	EntSize  uint64
	Contents []byte

	Size      uint64
	Align     uint64
	OutSecOff uint64
	Parent    *OutputSection
	Partition uint8
	Shndx     uint32
	IsAlive   bool

	LinkOrderDep *InputSection
	Relocs       []Reloc

	// Deltas[i] is the number of bytes removed before Relocs[i];
	// Deltas[len(Relocs)] is the total.
	Deltas       []uint64
	BytesDropped uint64

	Synthetic Chunker

	// SpillOf is set on a placeholder marking where the named section may
	// move if its current output section overflows a memory region.
	SpillOf  *InputSection
	spillIsd *InputSectionDescription
}

func NewInputSection(name string, typ uint32, flags uint64, align uint64, contents []byte) *InputSection {
	if align == 0 {
		align = 1
	}
	return &InputSection{
		Name:      name,
		Type:      typ,
		Flags:     flags,
		Contents:  contents,
		Size:      uint64(len(contents)),
		Align:     align,
		Shndx:     math.MaxUint32,
		Partition: 1,
		IsAlive:   true,
	}
}

// NewSyntheticInputSection wraps a linker-generated chunk.
func NewSyntheticInputSection(chunk Chunker) *InputSection {
	shdr := chunk.GetShdr()
	s := NewInputSection(chunk.GetName(), shdr.Type, shdr.Flags, shdr.AddrAlign, nil)
	s.Synthetic = chunk
	s.Size = chunk.GetSize()
	chunk.setInputSection(s)
	return s
}

func (s *InputSection) GetSize() uint64 {
	if s.Synthetic != nil {
		return s.Synthetic.GetSize()
	}
	return s.Size
}

func (s *InputSection) GetAddr() uint64 {
	if s.Parent == nil {
		return 0
	}
	return s.Parent.Shdr.Addr + s.OutSecOff
}

// GetOffset maps an offset in the original contents to one in the relaxed
// section.
func (s *InputSection) GetOffset(off uint64) uint64 {
	if len(s.Deltas) == 0 {
		return off
	}
	idx := sort.Search(len(s.Relocs), func(i int) bool {
		return s.Relocs[i].Offset >= off
	})
	return off - s.Deltas[idx]
}

func (s *InputSection) IsExec() bool {
	return s.Flags&uint64(elf.SHF_EXECINSTR) != 0
}

func (s *InputSection) IsThunkSection() bool {
	return s.Synthetic != nil && s.Synthetic.Kind() == ChunkKindThunk
}

func (s *InputSection) String() string {
	if s.File != nil {
		return fmt.Sprintf("%s:(%s)", s.File.File.Name, s.Name)
	}
	return fmt.Sprintf("<internal>:(%s)", s.Name)
}

func (s *InputSection) WriteTo(ctx *Context, buf []byte) {
	if s.Type == uint32(elf.SHT_NOBITS) || s.GetSize() == 0 {
		return
	}

	if s.Synthetic != nil {
		s.Synthetic.CopyBuf(ctx, buf[:s.GetSize()])
		return
	}

	s.CopyContents(ctx, buf)
}

func (s *InputSection) CopyContents(ctx *Context, buf []byte) {
	contents := s.Contents[:uint64(len(s.Contents))-s.BytesDropped]
	if len(s.Deltas) == 0 {
		copy(buf, contents)
		return
	}

	pos := uint64(0)
	for i := 0; i < len(s.Relocs); i++ {
		delta := s.Deltas[i+1] - s.Deltas[i]
		if delta == 0 {
			continue
		}

		r := s.Relocs[i]
		copy(buf, contents[pos:r.Offset])
		buf = buf[r.Offset-pos:]
		pos = r.Offset + delta
	}

	copy(buf, contents[pos:])
}

// Trim drops BytesDropped bytes from the tail of the section.
func (s *InputSection) Trim() {
	if s.BytesDropped == 0 {
		return
	}
	utils.Assert(s.BytesDropped <= uint64(len(s.Contents)))
	s.Contents = s.Contents[:uint64(len(s.Contents))-s.BytesDropped]
	s.BytesDropped = 0
}
