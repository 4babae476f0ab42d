package linker

const (
	ChunkKindHeader = iota
	ChunkKindSynthetic
	ChunkKindThunk
)

// Chunker provides the contents of a linker-generated input section.
type Chunker interface {
	Kind() int
	GetName() string
	GetShdr() *Shdr
	GetSize() uint64
	IsNeeded(ctx *Context) bool
	FinalizeContents(ctx *Context)
	UpdateSize(ctx *Context) bool
	CopyBuf(ctx *Context, buf []byte)
	setInputSection(isec *InputSection)
}

type Chunk struct {
	Name string
	Shdr Shdr
}

func NewChunk() Chunk {
	return Chunk{Shdr: Shdr{AddrAlign: 1}}
}

func (c *Chunk) GetShdr() *Shdr {
	return &c.Shdr
}

func (c *Chunk) GetName() string {
	return c.Name
}

// SyntheticSection is embedded by every Chunker implementation. Isec is the
// input section wrapping it once it has been added to the link.
type SyntheticSection struct {
	Chunk
	Isec *InputSection
}

func NewSyntheticSection(name string, typ uint32, flags uint64, align uint64) SyntheticSection {
	s := SyntheticSection{Chunk: NewChunk()}
	s.Name = name
	s.Shdr.Type = typ
	s.Shdr.Flags = flags
	s.Shdr.AddrAlign = align
	return s
}

func (s *SyntheticSection) Kind() int {
	return ChunkKindSynthetic
}

func (s *SyntheticSection) GetSize() uint64 {
	return s.Shdr.Size
}

func (s *SyntheticSection) IsNeeded(ctx *Context) bool {
	return true
}

func (s *SyntheticSection) FinalizeContents(ctx *Context) {}

// UpdateSize recomputes a size that depends on addresses and reports
// whether it changed.
func (s *SyntheticSection) UpdateSize(ctx *Context) bool {
	return false
}

func (s *SyntheticSection) CopyBuf(ctx *Context, buf []byte) {}

func (s *SyntheticSection) setInputSection(isec *InputSection) {
	s.Isec = isec
}

func (s *SyntheticSection) GetParent() *OutputSection {
	if s.Isec == nil {
		return nil
	}
	return s.Isec.Parent
}

func (s *SyntheticSection) GetAddr() uint64 {
	if s.Isec == nil {
		return 0
	}
	return s.Isec.GetAddr()
}
