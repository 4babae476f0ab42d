package linker

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/ksco/elfld/pkg/utils"
	"github.com/zeebo/blake3"
	"github.com/zeebo/xxh3"
	"golang.org/x/sync/errgroup"
)

const buildIdChunkSize = 1 << 20

type hashFunc func(dst, data []byte)

func xxh3Sum64(dst, data []byte) {
	binary.LittleEndian.PutUint64(dst, xxh3.Hash(data))
}

// blake3Prefix fills dst with the leading bytes of a BLAKE3 digest.
func blake3Prefix(dst, data []byte) {
	sum := blake3.Sum256(data)
	copy(dst, sum[:])
}

func buildIdHashFunc(kind BuildIdKind) hashFunc {
	switch kind {
	case BuildIdFast:
		return xxh3Sum64
	case BuildIdMd5, BuildIdSha1:
		return blake3Prefix
	}
	utils.Fatal("unreachable")
	return nil
}

// computeHash splits data into 1 MiB chunks, hashes them in parallel and
// returns the hash of the concatenated chunk hashes.
func computeHash(data []byte, hashSize int, threads int, fn hashFunc) []byte {
	n := (len(data) + buildIdChunkSize - 1) / buildIdChunkSize
	hashes := make([]byte, n*hashSize)

	var g errgroup.Group
	g.SetLimit(max(threads, 1))
	for i := 0; i < n; i++ {
		chunk := data[i*buildIdChunkSize : min((i+1)*buildIdChunkSize, len(data))]
		g.Go(func() error {
			fn(hashes[i*hashSize:(i+1)*hashSize], chunk)
			return nil
		})
	}
	utils.MustNo(g.Wait())

	ret := make([]byte, hashSize)
	fn(ret, hashes)
	return ret
}

// HashSerial computes the same digest as the parallel writer on a single
// goroutine.
func HashSerial(kind BuildIdKind, data []byte, hashSize int) []byte {
	fn := buildIdHashFunc(kind)
	n := (len(data) + buildIdChunkSize - 1) / buildIdChunkSize
	hashes := make([]byte, 0, n*hashSize)
	for i := 0; i < n; i++ {
		h := make([]byte, hashSize)
		fn(h, data[i*buildIdChunkSize:min((i+1)*buildIdChunkSize, len(data))])
		hashes = append(hashes, h...)
	}

	ret := make([]byte, hashSize)
	fn(ret, hashes)
	return ret
}

// writeBuildId backfills .note.gnu.build-id of every partition.
func writeBuildId(ctx *Context) {
	main := ctx.MainPart().BuildId
	if main == nil || main.GetParent() == nil {
		return
	}

	var digest []byte
	switch ctx.Arg.BuildId {
	case BuildIdHexstring:
		digest = ctx.Arg.BuildIdVector
	case BuildIdUuid:
		id, err := uuid.NewRandom()
		if err != nil {
			ctx.Diag.Error(ErrOutput, "entropy source failure: %v", err)
			return
		}
		digest = id[:]
	default:
		digest = computeHash(ctx.Buf[:ctx.FileSize], int(main.HashSize), ctx.Arg.Threads,
			buildIdHashFunc(ctx.Arg.BuildId))
	}

	for _, part := range ctx.Partitions {
		if part.BuildId != nil && part.BuildId.GetParent() != nil {
			part.BuildId.WriteBuildId(ctx, digest)
		}
	}
}
