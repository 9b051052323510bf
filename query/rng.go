package query

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"

	"github.com/raid-pir/raidpir/datastore"
)

// SeedSize is the AES-128 key size used to seed a mirror's deterministic
// mask expansion in ModeChunkedRNG and ModeChunkedRNGParallel.
const SeedSize = 16

// NewSeed returns a fresh random AES-128-CTR seed.
func NewSeed() ([]byte, error) {
	seed := make([]byte, SeedSize)
	_, err := rand.Read(seed)
	return seed, err
}

// Stream wraps an AES-128-CTR keystream: the seed is the AES key, and
// the counter block is a fixed-width big-endian counter starting at
// zero. Both the client (replaying every mirror's
// stream to compute primary chunk values) and each mirror (deriving its
// own secondary chunks) must advance identical Streams in lockstep, one
// Next call per secondary chunk per request, in chunk-list order.
type Stream struct {
	stream cipher.Stream
}

// NewStream returns a Stream seeded with seed.
func NewStream(seed []byte) (*Stream, error) {
	block, err := aes.NewCipher(seed)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, aes.BlockSize)
	return &Stream{stream: cipher.NewCTR(block, iv)}, nil
}

// Next returns the next ceil(bitLength/8) bytes of keystream, clearing any
// trailing bits beyond bitLength in the final byte so the result is usable
// directly as a selection mask of bitLength bits.
func (s *Stream) Next(bitLength int64) []byte {
	byteLen := datastore.BitsToBytes(bitLength)
	out := make([]byte, byteLen)
	s.stream.XORKeyStream(out, out)

	if rem := bitLength % 8; rem != 0 && byteLen > 0 {
		out[byteLen-1] &= 0xFF << uint(8-rem)
	}
	return out
}

// secondarySecrets derives, for every mirror m's secondary chunks, the
// value mirror m's own Stream would derive for that chunk -- the client
// replays every mirror's stream identically so it can compute every
// primary chunk's value without ever receiving the secondaries over the
// wire.
func (b *Builder) secondarySecrets() map[[2]int][]byte {
	secrets := make(map[[2]int][]byte)
	for m := 0; m < b.k; m++ {
		cn := b.MirrorChunks(m)
		for _, c := range cn[1:] {
			secrets[[2]int{m, c}] = b.streams[m].Next(ChunkBitLen(b.numBlocks, b.k, c))
		}
	}
	return secrets
}

// BuildChunkedRNG is BuildChunked's RNG-seeded counterpart: instead of
// transmitting every secondary chunk
// explicitly, each mirror derives its own from the seed it was handed
// once at session setup; the client replays the same streams to compute
// every mirror's primary chunk value. Only the primary chunk is ever
// transmitted per request.
func (b *Builder) BuildChunkedRNG(block int64) (*ChunkedPlan, error) {
	if block < 0 || block >= b.numBlocks {
		return nil, ErrBlockOutOfRange
	}

	targetChunk, offset := ChunkOfBit(b.numBlocks, b.k, block)
	secrets := b.secondarySecrets()

	payloads := make([]map[int][]byte, b.k)
	for m := 0; m < b.k; m++ {
		primary := make([]byte, datastore.BitsToBytes(ChunkBitLen(b.numBlocks, b.k, m)))
		for _, owner := range chunkSecondaryOwners(b.k, b.r, m) {
			xorInto(primary, secrets[[2]int{owner, m}])
		}
		if targetChunk == m {
			setBit(primary, offset)
		}
		payloads[m] = map[int][]byte{m: primary}
	}

	return &ChunkedPlan{ChunkPayloads: payloads, TargetChunk: targetChunk, OffsetInChunk: offset}, nil
}

// GroupByRound splits a batch of requested block indices into rounds such
// that no round requests two blocks from the same chunk, the grouping a
// Parallel-mode client performs before calling BuildChunkedRNGParallel
// once per round.
func (b *Builder) GroupByRound(blocks []int64) [][]int64 {
	var rounds [][]int64
	used := make(map[int]bool)
	var current []int64

	for _, blk := range blocks {
		c, _ := ChunkOfBit(b.numBlocks, b.k, blk)
		if used[c] {
			rounds = append(rounds, current)
			current = nil
			used = make(map[int]bool)
		}
		current = append(current, blk)
		used[c] = true
	}
	if len(current) > 0 {
		rounds = append(rounds, current)
	}
	return rounds
}

// BuildChunkedRNGParallel builds one round answering up to k blocks, at
// most one per chunk. Every
// entry of blocks must land in a distinct chunk; use GroupByRound first to
// split an arbitrary batch into valid rounds. Requires r = k (enforced by
// NewBuilder), since every mirror must be able to answer for every chunk.
func (b *Builder) BuildChunkedRNGParallel(blocks []int64) (*ParallelPlan, error) {
	targets := make(map[int]int64, len(blocks))
	offsets := make(map[int]int64, len(blocks))
	for _, blk := range blocks {
		if blk < 0 || blk >= b.numBlocks {
			return nil, ErrBlockOutOfRange
		}
		c, off := ChunkOfBit(b.numBlocks, b.k, blk)
		if _, dup := targets[c]; dup {
			return nil, ErrDuplicateChunkTarget
		}
		targets[c] = blk
		offsets[c] = off
	}

	secrets := b.secondarySecrets()

	payloads := make([]map[int][]byte, b.k)
	for m := 0; m < b.k; m++ {
		primary := make([]byte, datastore.BitsToBytes(ChunkBitLen(b.numBlocks, b.k, m)))
		for _, owner := range chunkSecondaryOwners(b.k, b.r, m) {
			xorInto(primary, secrets[[2]int{owner, m}])
		}
		if off, ok := offsets[m]; ok {
			setBit(primary, off)
		}
		payloads[m] = map[int][]byte{m: primary}
	}

	return &ParallelPlan{ChunkPayloads: payloads, Targets: targets}, nil
}
