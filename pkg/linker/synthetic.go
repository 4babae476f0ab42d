package linker

import (
	"debug/elf"

	"github.com/ksco/elfld/pkg/utils"
)

type GotSection struct {
	SyntheticSection
	GotSyms   []*Symbol
	GotTpSyms []*Symbol
}

func NewGotSection(ctx *Context) *GotSection {
	return &GotSection{
		SyntheticSection: NewSyntheticSection(".got", uint32(elf.SHT_PROGBITS),
			uint64(elf.SHF_ALLOC|elf.SHF_WRITE), ctx.WordSize()),
	}
}

func (g *GotSection) AddGotSymbol(ctx *Context, sym *Symbol) bool {
	if sym.GotIdx != -1 {
		return false
	}
	sym.GotIdx = int32(g.Shdr.Size / ctx.WordSize())
	g.Shdr.Size += ctx.WordSize()
	g.GotSyms = append(g.GotSyms, sym)
	return true
}

func (g *GotSection) AddGotTpSymbol(ctx *Context, sym *Symbol) bool {
	if sym.GotTpIdx != -1 {
		return false
	}
	sym.GotTpIdx = int32(g.Shdr.Size / ctx.WordSize())
	g.Shdr.Size += ctx.WordSize()
	g.GotTpSyms = append(g.GotTpSyms, sym)
	return true
}

func (g *GotSection) IsNeeded(ctx *Context) bool {
	if g.Shdr.Size > 0 {
		return true
	}
	gotSym := ctx.Sym.GlobalOffsetTable
	return gotSym != nil && gotSym.Referenced
}

func (g *GotSection) CopyBuf(ctx *Context, buf []byte) {
	clear(buf)
	word := ctx.WordSize()
	for _, sym := range g.GotSyms {
		ctx.writeWord(buf[uint64(sym.GotIdx)*word:], sym.GetAddr(ctx))
	}

	for _, sym := range g.GotTpSyms {
		ctx.writeWord(buf[uint64(sym.GotTpIdx)*word:], tpOffset(ctx, sym.GetAddr(ctx)))
	}
}

// tpOffset returns addr relative to the thread pointer. x86 places the
// TLS block below the thread pointer, AArch64 and ARM above a two-word
// TCB, other targets right at it.
func tpOffset(ctx *Context, addr uint64) uint64 {
	tls := ctx.TlsPhdr
	if tls == nil {
		return 0
	}
	switch ctx.Arg.Machine {
	case elf.EM_X86_64, elf.EM_386:
		return addr - tls.VAddr - utils.AlignTo(tls.MemSize, tls.Align)
	case elf.EM_AARCH64, elf.EM_ARM:
		return addr - tls.VAddr + utils.AlignTo(2*ctx.WordSize(), tls.Align)
	}
	return addr - tls.VAddr
}

// DynamicReloc is an entry of .rela.dyn or the IRELATIVE table. The
// relocated word lives at Isec+Offset.
type DynamicReloc struct {
	Isec   *InputSection
	Offset uint64
	Type   uint32
	Sym    *Symbol
	Addend int64
}

type RelocSection struct {
	SyntheticSection
	Relocs []DynamicReloc
}

func NewRelocSection(ctx *Context, name string) *RelocSection {
	typ := elf.SHT_REL
	if ctx.Arg.IsRela {
		typ = elf.SHT_RELA
	}
	r := &RelocSection{
		SyntheticSection: NewSyntheticSection(name, uint32(typ), uint64(elf.SHF_ALLOC), ctx.WordSize()),
	}
	r.Shdr.EntSize = RelaSize(ctx.Arg.Is64, ctx.Arg.IsRela)
	return r
}

func relocSectionName(ctx *Context, stem string) string {
	if ctx.Arg.IsRela {
		return ".rela" + stem
	}
	return ".rel" + stem
}

func (r *RelocSection) AddReloc(rel DynamicReloc) {
	r.Relocs = append(r.Relocs, rel)
	r.Shdr.Size = uint64(len(r.Relocs)) * r.Shdr.EntSize
}

func (r *RelocSection) IsNeeded(ctx *Context) bool {
	return len(r.Relocs) > 0
}

func (r *RelocSection) FinalizeContents(ctx *Context) {
	r.UpdateSize(ctx)
}

func (r *RelocSection) UpdateSize(ctx *Context) bool {
	size := uint64(len(r.Relocs)) * r.Shdr.EntSize
	changed := size != r.Shdr.Size
	r.Shdr.Size = size
	return changed
}

func (r *RelocSection) CopyBuf(ctx *Context, buf []byte) {
	for i, rel := range r.Relocs {
		addend := rel.Addend
		if rel.Sym != nil {
			addend += int64(rel.Sym.GetAddr(ctx))
		}
		encodeRela(ctx, buf[uint64(i)*r.Shdr.EntSize:], &Rela{
			Offset: rel.Isec.GetAddr() + rel.Isec.GetOffset(rel.Offset),
			Type:   rel.Type,
			Addend: addend,
		})
	}
}

type InterpSection struct {
	SyntheticSection
}

func NewInterpSection(ctx *Context) *InterpSection {
	s := &InterpSection{
		SyntheticSection: NewSyntheticSection(".interp", uint32(elf.SHT_PROGBITS), uint64(elf.SHF_ALLOC), 1),
	}
	s.Shdr.Size = uint64(len(ctx.Arg.DynamicLinker)) + 1
	return s
}

func (s *InterpSection) CopyBuf(ctx *Context, buf []byte) {
	writeString(buf, ctx.Arg.DynamicLinker)
}

// DynamicSection is the .dynamic table of a position independent
// executable. Only the tags the loader needs to apply relative relocations
// are emitted.
type DynamicSection struct {
	SyntheticSection
	numEntries uint64
}

func NewDynamicSection(ctx *Context) *DynamicSection {
	d := &DynamicSection{
		SyntheticSection: NewSyntheticSection(".dynamic", uint32(elf.SHT_DYNAMIC),
			uint64(elf.SHF_ALLOC|elf.SHF_WRITE), ctx.WordSize()),
	}
	d.Shdr.EntSize = ctx.WordSize() * 2
	return d
}

type dynEntry struct {
	tag elf.DynTag
	val uint64
}

func (d *DynamicSection) entries(ctx *Context) []dynEntry {
	ret := make([]dynEntry, 0)
	if rel := ctx.In.RelaDyn; rel != nil && rel.GetParent() != nil && rel.IsNeeded(ctx) {
		count := uint64(0)
		for _, r := range rel.Relocs {
			if r.Type == ctx.Target.RelativeRel() {
				count++
			}
		}
		if ctx.Arg.IsRela {
			ret = append(ret,
				dynEntry{elf.DT_RELA, rel.GetAddr()},
				dynEntry{elf.DT_RELASZ, rel.Shdr.Size},
				dynEntry{elf.DT_RELAENT, rel.Shdr.EntSize},
				dynEntry{elf.DT_RELACOUNT, count})
		} else {
			ret = append(ret,
				dynEntry{elf.DT_REL, rel.GetAddr()},
				dynEntry{elf.DT_RELSZ, rel.Shdr.Size},
				dynEntry{elf.DT_RELENT, rel.Shdr.EntSize},
				dynEntry{elf.DT_RELCOUNT, count})
		}
	}

	ret = append(ret, dynEntry{elf.DT_DEBUG, 0})
	if ctx.Arg.ZNow {
		ret = append(ret, dynEntry{elf.DT_FLAGS, uint64(elf.DF_BIND_NOW)})
		ret = append(ret, dynEntry{elf.DT_FLAGS_1, uint64(elf.DF_1_NOW | elf.DF_1_PIE)})
	} else {
		ret = append(ret, dynEntry{elf.DT_FLAGS_1, uint64(elf.DF_1_PIE)})
	}
	return append(ret, dynEntry{elf.DT_NULL, 0})
}

func (d *DynamicSection) FinalizeContents(ctx *Context) {
	d.numEntries = uint64(len(d.entries(ctx)))
	d.Shdr.Size = d.numEntries * d.Shdr.EntSize
}

func (d *DynamicSection) CopyBuf(ctx *Context, buf []byte) {
	word := ctx.WordSize()
	for i, ent := range d.entries(ctx) {
		ctx.writeWord(buf[uint64(i)*2*word:], uint64(ent.tag))
		ctx.writeWord(buf[(uint64(i)*2+1)*word:], ent.val)
	}
}

const buildIdHeaderSize = 16

// BuildIdSection is the .note.gnu.build-id note. The descriptor is filled
// in by WriteBuildId after every other byte of the file is final.
type BuildIdSection struct {
	SyntheticSection
	HashSize uint64
}

func buildIdHashSize(ctx *Context) uint64 {
	switch ctx.Arg.BuildId {
	case BuildIdFast:
		return 8
	case BuildIdMd5, BuildIdUuid:
		return 16
	case BuildIdSha1:
		return 20
	case BuildIdHexstring:
		return uint64(len(ctx.Arg.BuildIdVector))
	}
	utils.Fatal("unreachable")
	return 0
}

func NewBuildIdSection(ctx *Context) *BuildIdSection {
	b := &BuildIdSection{
		SyntheticSection: NewSyntheticSection(".note.gnu.build-id", uint32(elf.SHT_NOTE), uint64(elf.SHF_ALLOC), 4),
		HashSize:         buildIdHashSize(ctx),
	}
	b.Shdr.Size = buildIdHeaderSize + b.HashSize
	return b
}

func (b *BuildIdSection) CopyBuf(ctx *Context, buf []byte) {
	order := ctx.ByteOrder()
	order.PutUint32(buf, 4)
	order.PutUint32(buf[4:], uint32(b.HashSize))
	order.PutUint32(buf[8:], NT_GNU_BUILD_ID)
	copy(buf[12:], "GNU\x00")
}

// WriteBuildId stores the digest into the note in the output buffer.
func (b *BuildIdSection) WriteBuildId(ctx *Context, digest []byte) {
	osec := b.GetParent()
	off := osec.Shdr.Offset + b.Isec.OutSecOff + buildIdHeaderSize
	copy(ctx.Buf[off:off+b.HashSize], digest)
}

// StrtabSection is a string table whose strings are deduplicated. The
// first byte is always NUL.
type StrtabSection struct {
	SyntheticSection
	contents []byte
	offsets  map[string]uint32
}

func NewStrtabSection(name string, alloc bool) *StrtabSection {
	flags := uint64(0)
	if alloc {
		flags = uint64(elf.SHF_ALLOC)
	}
	s := &StrtabSection{
		SyntheticSection: NewSyntheticSection(name, uint32(elf.SHT_STRTAB), flags, 1),
		contents:         []byte{0},
		offsets:          make(map[string]uint32),
	}
	s.Shdr.Size = 1
	return s
}

func (s *StrtabSection) Add(str string) uint32 {
	if str == "" {
		return 0
	}
	if off, ok := s.offsets[str]; ok {
		return off
	}
	off := uint32(len(s.contents))
	s.contents = append(s.contents, str...)
	s.contents = append(s.contents, 0)
	s.offsets[str] = off
	s.Shdr.Size = uint64(len(s.contents))
	return off
}

func (s *StrtabSection) CopyBuf(ctx *Context, buf []byte) {
	copy(buf, s.contents)
}

// PartitionElfHeaderSection is the ELF header of a loadable partition. The
// loader finds the partition's program headers right after it.
type PartitionElfHeaderSection struct {
	SyntheticSection
	Part *Partition
}

func NewPartitionElfHeaderSection(ctx *Context, part *Partition) *PartitionElfHeaderSection {
	s := &PartitionElfHeaderSection{
		SyntheticSection: NewSyntheticSection(part.Name, SHT_LLVM_PART_EHDR, uint64(elf.SHF_ALLOC), ctx.WordSize()),
		Part:             part,
	}
	s.Shdr.Size = EhdrSize(ctx.Arg.Is64)
	return s
}

func (s *PartitionElfHeaderSection) Kind() int {
	return ChunkKindHeader
}

func (s *PartitionElfHeaderSection) CopyBuf(ctx *Context, buf []byte) {
	ehdr := newEhdr(ctx, elf.ET_DYN)
	ehdr.PhOff = EhdrSize(ctx.Arg.Is64)
	ehdr.PhNum = uint16(len(s.Part.Phdrs))
	encodeEhdr(ctx, buf, &ehdr)
}

type PartitionProgramHeadersSection struct {
	SyntheticSection
	Part *Partition
}

func NewPartitionProgramHeadersSection(ctx *Context, part *Partition) *PartitionProgramHeadersSection {
	s := &PartitionProgramHeadersSection{
		SyntheticSection: NewSyntheticSection(".phdrs", SHT_LLVM_PART_PHDR, uint64(elf.SHF_ALLOC), ctx.WordSize()),
		Part:             part,
	}
	s.Shdr.EntSize = PhdrSize(ctx.Arg.Is64)
	return s
}

func (s *PartitionProgramHeadersSection) Kind() int {
	return ChunkKindHeader
}

func (s *PartitionProgramHeadersSection) GetSize() uint64 {
	return uint64(len(s.Part.Phdrs)) * s.Shdr.EntSize
}

func (s *PartitionProgramHeadersSection) FinalizeContents(ctx *Context) {
	s.Shdr.Size = s.GetSize()
}

func (s *PartitionProgramHeadersSection) CopyBuf(ctx *Context, buf []byte) {
	writePhdrs(ctx, buf, s.Part.Phdrs)
}

// CreateSyntheticSections creates the linker-generated sections. Sections
// that turn out to be empty are removed again by
// removeUnusedSyntheticSections.
func CreateSyntheticSections(ctx *Context) {
	add := func(chunk Chunker, partition uint8) *InputSection {
		isec := NewSyntheticInputSection(chunk)
		isec.Partition = partition
		ctx.InputSections = append(ctx.InputSections, isec)
		return isec
	}

	for _, part := range ctx.Partitions {
		if !part.IsMain() {
			part.ElfHeader = NewPartitionElfHeaderSection(ctx, part)
			add(part.ElfHeader, part.Number)
			part.ProgramHeaders = NewPartitionProgramHeadersSection(ctx, part)
			add(part.ProgramHeaders, part.Number)
		}
		if ctx.Arg.BuildId != BuildIdNone {
			part.BuildId = NewBuildIdSection(ctx)
			add(part.BuildId, part.Number)
		}
	}
	ctx.In.BuildId = ctx.MainPart().BuildId

	if ctx.Arg.DynamicLinker != "" {
		ctx.In.Interp = NewInterpSection(ctx)
		add(ctx.In.Interp, 1)
	}

	if ctx.Arg.IsPic {
		ctx.In.Dynamic = NewDynamicSection(ctx)
		add(ctx.In.Dynamic, 1)
		ctx.In.RelaDyn = NewRelocSection(ctx, relocSectionName(ctx, ".dyn"))
		add(ctx.In.RelaDyn, 1)
	}

	ctx.In.Got = NewGotSection(ctx)
	add(ctx.In.Got, 1)

	ctx.In.RelaIplt = NewRelocSection(ctx, relocSectionName(ctx, ".plt"))
	add(ctx.In.RelaIplt, 1)

	if len(ctx.Partitions) > 1 {
		// Reserves address space past the main partition's last byte so the
		// other partitions can be loaded there.
		partEnd := NewInputSection(".part.end", uint32(elf.SHT_NOBITS),
			uint64(elf.SHF_ALLOC|elf.SHF_WRITE), 1, nil)
		partEnd.Size = ctx.Arg.MaxPageSize
		partEnd.Partition = 255
		ctx.In.PartEnd = partEnd
		ctx.InputSections = append(ctx.InputSections, partEnd)
	}

	ctx.In.ShStrtab = NewStrtabSection(".shstrtab", false)
	add(ctx.In.ShStrtab, 1)
}

// removeUnusedSyntheticSections drops synthetic sections that have no
// parent or no contents.
func removeUnusedSyntheticSections(ctx *Context) {
	dead := make(map[*InputSection]bool)
	for _, isec := range ctx.InputSections {
		if isec.Synthetic == nil {
			continue
		}
		if isec.Parent == nil || !isec.Synthetic.IsNeeded(ctx) {
			dead[isec] = true
		}
	}
	if len(dead) == 0 {
		return
	}

	for _, osec := range ctx.Script.OutputSections() {
		for _, cmd := range osec.Commands {
			if isd, ok := cmd.(*InputSectionDescription); ok {
				isd.Sections = utils.RemoveIf(isd.Sections, func(isec *InputSection) bool {
					return dead[isec]
				})
			}
		}
	}

	ctx.InputSections = utils.RemoveIf(ctx.InputSections, func(isec *InputSection) bool {
		if dead[isec] {
			isec.Parent = nil
			isec.IsAlive = false
			return true
		}
		return false
	})
}

// finalizeSynthetic computes the final size of a live synthetic section.
func finalizeSynthetic(ctx *Context, chunk Chunker, isec *InputSection) {
	if isec == nil || isec.Parent == nil || !chunk.IsNeeded(ctx) {
		return
	}
	chunk.FinalizeContents(ctx)
}
