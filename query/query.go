// Package query implements the client side of the RAID-PIR query
// protocol: building the per-mirror selection masks for a requested block
// index, and combining the k mirrors' XOR answers back into the
// plaintext block. Four query modes are supported: Chor, Chunked,
// Chunked+RNG and Chunked+RNG+Parallel.
package query

import (
	"crypto/rand"

	"github.com/raid-pir/raidpir/common/xerrors"
	"github.com/raid-pir/raidpir/datastore"
)

const moduleName = "query"

var (
	// ErrInvalidK is returned for a privacy threshold below 2 or a
	// redundancy factor r outside [2, k].
	ErrInvalidK = xerrors.New(moduleName, 1, "query: invalid k/r combination")
	// ErrBlockOutOfRange is returned when the requested block index does
	// not exist in the datastore the masks are built for.
	ErrBlockOutOfRange = xerrors.New(moduleName, 2, "query: block index out of range")
	// ErrDuplicateChunkTarget is returned by BuildChunkedRNGParallel when
	// two requested blocks fall in the same chunk in the same round.
	ErrDuplicateChunkTarget = xerrors.New(moduleName, 6, "query: parallel round has two targets in the same chunk")
)

// Mode names one of the four query strategies.
type Mode int

// Supported modes.
const (
	// ModeChor is the unmodified Chor et al. scheme (r = None): one
	// N-bit mask per mirror, k-1 of them uniform random, the last their
	// XOR with the target bit flipped in.
	ModeChor Mode = iota
	// ModeChunked splits the N-bit bitstring into k contiguous chunks and
	// assigns each mirror r of them (one primary, r-1 secondary),
	// trading per-mirror upload size down to O(r*N/k) bits.
	ModeChunked
	// ModeChunkedRNG replaces every transmitted secondary chunk with one
	// deterministically derived from a per-mirror AES-128-CTR seed,
	// trading upload further down to O(N/k) bits per mirror.
	ModeChunkedRNG
	// ModeChunkedRNGParallel is ModeChunkedRNG generalized to answer one
	// block per chunk in a single round trip; it requires r = k (every
	// mirror must be able to derive every chunk's value to answer for
	// all of them at once).
	ModeChunkedRNGParallel
)

// Builder constructs the per-mirror selection masks needed to privately
// retrieve one or more blocks, for a fixed privacy threshold k, redundancy
// r and datastore size. A Builder is scoped to one client session: for
// the RNG modes it owns the per-mirror AES-CTR streams seeded once at
// session setup, consumed once per subsequent Build call exactly as a
// mirror would consume its own copy of the same seed.
type Builder struct {
	mode      Mode
	numBlocks int64
	k         int
	r         int // 0 for ModeChor

	seeds   [][]byte
	streams []*Stream
}

// NewBuilder returns a session-scoped query Builder. r is the redundancy
// factor (2 <= r <= k) and is ignored for ModeChor. For ModeChunkedRNG and
// ModeChunkedRNGParallel, NewBuilder also draws one fresh AES-128-CTR seed
// per mirror, retrievable with Seeds for transmission at Params time.
func NewBuilder(mode Mode, numBlocks int64, r int, k int) (*Builder, error) {
	if k < 2 {
		return nil, ErrInvalidK
	}
	if mode != ModeChor && (r < 2 || r > k) {
		return nil, ErrInvalidK
	}
	if mode == ModeChunkedRNGParallel && r != k {
		return nil, ErrInvalidK
	}

	b := &Builder{mode: mode, numBlocks: numBlocks, k: k, r: r}

	if mode == ModeChunkedRNG || mode == ModeChunkedRNGParallel {
		seeds := make([][]byte, k)
		streams := make([]*Stream, k)
		for i := 0; i < k; i++ {
			seed, err := NewSeed()
			if err != nil {
				return nil, err
			}
			stream, err := NewStream(seed)
			if err != nil {
				return nil, err
			}
			seeds[i] = seed
			streams[i] = stream
		}
		b.seeds = seeds
		b.streams = streams
	}

	return b, nil
}

// K returns the privacy threshold the Builder was constructed with.
func (b *Builder) K() int { return b.k }

// R returns the redundancy factor (0 for ModeChor).
func (b *Builder) R() int { return b.r }

// NumBlocks returns the datastore size the Builder was constructed for.
func (b *Builder) NumBlocks() int64 { return b.numBlocks }

// Seeds returns the k per-mirror AES-128-CTR seeds generated for RNG
// modes (nil otherwise), to be sent once to each mirror at Params time.
func (b *Builder) Seeds() [][]byte { return b.seeds }

// MirrorChunks returns mirror m's chunk-number list (cn), for the Params
// message's cn field. Returns an empty list for ModeChor, which has no
// chunk layout.
func (b *Builder) MirrorChunks(m int) []int {
	return MirrorChunkList(b.k, b.r, m)
}

// ChunkLayout returns this Builder's (cl, lcl) chunk bit lengths.
func (b *Builder) ChunkLayout() (cl, lcl int64) {
	return ChunkLayout(b.numBlocks, b.k)
}

// Plan is the result of building one query for the Chor mode: k full
// numBlocks-bit masks, one per mirror, exactly one of which (the
// designated mirror's) carries the flipped target bit.
type Plan struct {
	Masks            [][]byte
	DesignatedMirror int
	TargetBlock      int64
}

// ChunkedPlan is the result of building one query in Chunked or
// ChunkedRNG mode: one chunk-index -> bytes payload per mirror. In
// ModeChunked every mirror's payload carries all r of its chunks; in
// ModeChunkedRNG it carries only its primary chunk (cn[0]), since
// secondaries are derived from the seed handed out at Params time.
type ChunkedPlan struct {
	ChunkPayloads []map[int][]byte
	TargetChunk   int
	OffsetInChunk int64
}

// ParallelPlan is the result of building one parallel-mode round: one
// primary-chunk payload per mirror, plus the chunk -> block-index mapping
// for chunks that carry a real request this round.
type ParallelPlan struct {
	ChunkPayloads []map[int][]byte
	Targets       map[int]int64 // chunk index -> block index
}

func xorInto(dst, src []byte) {
	for i := range dst {
		dst[i] ^= src[i]
	}
}

// setBit flips bit i (MSB-first within its byte, matching datastore's
// convention) in mask; on a mask whose bit i is clear this sets it.
func setBit(mask []byte, i int64) {
	mask[i/8] ^= 0x80 >> uint(i%8)
}

func randomBits(bitLen int64) ([]byte, error) {
	buf := make([]byte, datastore.BitsToBytes(bitLen))
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// BuildMasks implements the classical Chor et al. secret-sharing
// construction: k-1 mirrors get independent
// uniform random N-bit masks, and the remaining ("designated") mirror
// gets the XOR of all the others with the target bit flipped in, so that
// XORing all k mirrors' answers cancels the randomness and leaves exactly
// the target block.
func (b *Builder) BuildMasks(block int64) (*Plan, error) {
	if block < 0 || block >= b.numBlocks {
		return nil, ErrBlockOutOfRange
	}

	maskLen := datastore.BitsToBytes(b.numBlocks)
	designated := b.k - 1
	masks := make([][]byte, b.k)
	combined := make([]byte, maskLen)

	for i := 0; i < b.k-1; i++ {
		m := make([]byte, maskLen)
		if _, err := rand.Read(m); err != nil {
			return nil, err
		}
		masks[i] = m
		xorInto(combined, m)
	}

	setBit(combined, block)
	masks[designated] = combined

	return &Plan{Masks: masks, DesignatedMirror: designated, TargetBlock: block}, nil
}

// BuildChunked implements the chunked mode: for every mirror m,
// its r-1 secondary chunks get fresh independent random bits, and its
// primary chunk gets the XOR of every other mirror's independent random
// contribution to that same chunk (drawn when that chunk was one of
// their secondaries), with the target bit flipped in if the target block
// falls inside it.
func (b *Builder) BuildChunked(block int64) (*ChunkedPlan, error) {
	if block < 0 || block >= b.numBlocks {
		return nil, ErrBlockOutOfRange
	}

	targetChunk, offset := ChunkOfBit(b.numBlocks, b.k, block)

	// secrets[[m,c]] is the fresh random value mirror m independently
	// drew for secondary chunk c.
	secrets := make(map[[2]int][]byte)
	for m := 0; m < b.k; m++ {
		cn := b.MirrorChunks(m)
		for _, c := range cn[1:] {
			bits, err := randomBits(ChunkBitLen(b.numBlocks, b.k, c))
			if err != nil {
				return nil, err
			}
			secrets[[2]int{m, c}] = bits
		}
	}

	payloads := make([]map[int][]byte, b.k)
	for m := 0; m < b.k; m++ {
		cn := b.MirrorChunks(m)
		payload := make(map[int][]byte, b.r)
		for _, c := range cn[1:] {
			payload[c] = secrets[[2]int{m, c}]
		}

		primary := make([]byte, datastore.BitsToBytes(ChunkBitLen(b.numBlocks, b.k, m)))
		for _, owner := range chunkSecondaryOwners(b.k, b.r, m) {
			xorInto(primary, secrets[[2]int{owner, m}])
		}
		if targetChunk == m {
			setBit(primary, offset)
		}
		payload[m] = primary

		payloads[m] = payload
	}

	return &ChunkedPlan{ChunkPayloads: payloads, TargetChunk: targetChunk, OffsetInChunk: offset}, nil
}
