package linker

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"testing"
)

// TestComputeHashMatchesSerial verifies that the parallel tree hash does
// not depend on the number of goroutines.
func TestComputeHashMatchesSerial(t *testing.T) {
	data := make([]byte, 3*buildIdChunkSize+buildIdChunkSize/2)
	for i := range data {
		data[i] = byte(i * 7)
	}

	for _, kind := range []BuildIdKind{BuildIdFast, BuildIdSha1} {
		size := 8
		if kind == BuildIdSha1 {
			size = 20
		}
		want := HashSerial(kind, data, size)
		for _, threads := range []int{1, 4} {
			got := computeHash(data, size, threads, buildIdHashFunc(kind))
			if !bytes.Equal(got, want) {
				t.Errorf("kind %d with %d threads: %x, want %x", kind, threads, got, want)
			}
		}
	}
}

// TestFastBuildIdIsXxh3 verifies that the fast kind stores the 64-bit
// XXH3 digest in little-endian order.
func TestFastBuildIdIsXxh3(t *testing.T) {
	dst := make([]byte, 8)
	buildIdHashFunc(BuildIdFast)(dst, nil)
	if got := binary.LittleEndian.Uint64(dst); got != 0x2d06800538d394c2 {
		t.Errorf("digest of empty input %#x, want 0x2d06800538d394c2", got)
	}
}

// TestComputeHashDependsOnContents verifies that a single changed byte
// changes the digest.
func TestComputeHashDependsOnContents(t *testing.T) {
	data := make([]byte, 2*buildIdChunkSize)
	a := computeHash(data, 16, 2, buildIdHashFunc(BuildIdMd5))
	data[buildIdChunkSize+1] = 1
	b := computeHash(data, 16, 2, buildIdHashFunc(BuildIdMd5))
	if bytes.Equal(a, b) {
		t.Fatalf("digest did not change")
	}
}

// readBuildIdNote returns the note contents and its file offset.
func readBuildIdNote(t *testing.T, f *elf.File) ([]byte, uint64) {
	t.Helper()
	sec := f.Section(".note.gnu.build-id")
	if sec == nil {
		t.Fatalf("no .note.gnu.build-id")
	}
	note, err := sec.Data()
	if err != nil {
		t.Fatalf("cannot read note: %v", err)
	}
	le := binary.LittleEndian
	if le.Uint32(note) != 4 || le.Uint32(note[8:]) != NT_GNU_BUILD_ID || string(note[12:16]) != "GNU\x00" {
		t.Fatalf("malformed note header %x", note[:16])
	}
	return note, sec.Offset
}

func linkWithBuildId(t *testing.T, kind BuildIdKind, vector []byte) *Context {
	t.Helper()
	ctx := newTestContext(t, elf.EM_X86_64)
	ctx.Arg.BuildId = kind
	ctx.Arg.BuildIdVector = vector
	text := addTestSection(ctx, ".text", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR, 0x40, 16)
	addTestSection(ctx, ".data", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_WRITE, 0x10, 8)
	defineTestSymbol(ctx, "_start", text, 0)
	prepareTestLink(ctx)
	if err := Run(ctx); err != nil {
		t.Fatalf("link failed: %v", err)
	}
	return ctx
}

// TestBuildIdCoversImage verifies that the fast build-id is the hash of
// the image with a zero descriptor.
func TestBuildIdCoversImage(t *testing.T) {
	ctx := linkWithBuildId(t, BuildIdFast, nil)
	note, off := readBuildIdNote(t, openOutput(t, ctx))
	if len(note) != buildIdHeaderSize+8 {
		t.Fatalf("note size %d, want %d", len(note), buildIdHeaderSize+8)
	}

	raw, err := os.ReadFile(ctx.Arg.Output)
	if err != nil {
		t.Fatalf("cannot read output: %v", err)
	}
	desc := raw[off+buildIdHeaderSize : off+buildIdHeaderSize+8]
	got := bytes.Clone(desc)
	clear(desc)

	if want := HashSerial(BuildIdFast, raw, 8); !bytes.Equal(got, want) {
		t.Errorf("build-id %x, want %x", got, want)
	}
}

// TestBuildIdHexstring verifies that a literal build-id is stored as is.
func TestBuildIdHexstring(t *testing.T) {
	vector := []byte{0xde, 0xad, 0xbe, 0xef}
	ctx := linkWithBuildId(t, BuildIdHexstring, vector)
	note, _ := readBuildIdNote(t, openOutput(t, ctx))
	if !bytes.Equal(note[buildIdHeaderSize:], vector) {
		t.Errorf("descriptor %x, want %x", note[buildIdHeaderSize:], vector)
	}
}

// TestBuildIdUuid verifies that a uuid build-id is a random version 4
// UUID.
func TestBuildIdUuid(t *testing.T) {
	ctx := linkWithBuildId(t, BuildIdUuid, nil)
	note, _ := readBuildIdNote(t, openOutput(t, ctx))
	desc := note[buildIdHeaderSize:]
	if len(desc) != 16 {
		t.Fatalf("descriptor is %d bytes, want 16", len(desc))
	}
	if desc[6]>>4 != 4 {
		t.Errorf("not a version 4 UUID: %x", desc)
	}
}
