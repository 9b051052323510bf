package query

import (
	"bytes"
	"encoding/hex"

	sha256simd "github.com/minio/sha256-simd"

	"github.com/raid-pir/raidpir/common/xerrors"
)

// ErrHashMismatch is returned by VerifyBlock when the recombined
// block's hash does not match the manifest's recorded hash for that block,
// signalling a corrupt or misbehaving mirror somewhere in the k-set.
var ErrHashMismatch = xerrors.New(moduleName, 3, "query: reconstructed block hash mismatch")

// Combiner recombines the k mirrors' answers into the single target block;
// VerifyBlock checks the result against the manifest. Every query mode here
// (Chor, Chunked, Chunked+RNG) selects exactly one block per mirror's
// N-bit mask, so recombination is always a single blockSize-byte XOR; no
// further slicing is required, since a query's target bit already
// addresses the global block index directly.
type Combiner struct {
	blockSize int64
}

// NewCombiner returns a Combiner for the given block size, matching the
// datastore the query was built against.
func NewCombiner(blockSize int64) *Combiner {
	return &Combiner{blockSize: blockSize}
}

// Recombine XORs the k mirrors' single-block answers together, returning
// the blockSize-byte plaintext the query's unit vector selected.
func (c *Combiner) Recombine(answers [][]byte) ([]byte, error) {
	out := make([]byte, c.blockSize)
	for _, a := range answers {
		if int64(len(a)) != c.blockSize {
			return nil, xerrors.New(moduleName, 4, "query: answer length does not match block size")
		}
		xorInto(out, a)
	}
	return out, nil
}

// CombineParallel XORs the k mirrors' per-chunk-keyed answers together,
// returning the reconstructed
// block for every chunk that carried a real request this round, keyed by
// the block index targets maps that chunk to.
func (c *Combiner) CombineParallel(responses []map[int][]byte, targets map[int]int64) (map[int64][]byte, error) {
	out := make(map[int64][]byte, len(targets))
	for chunk, blockIdx := range targets {
		combined := make([]byte, c.blockSize)
		for _, resp := range responses {
			v, ok := resp[chunk]
			if !ok || int64(len(v)) != c.blockSize {
				return nil, xerrors.New(moduleName, 4, "query: answer length does not match block size")
			}
			xorInto(combined, v)
		}
		out[blockIdx] = combined
	}
	return out, nil
}

// VerifyBlock hashes block with the named algorithm and compares it against
// want, the manifest's recorded hash for that block index. The "noop"
// algorithm skips verification entirely (benchmarking deployments only).
func VerifyBlock(algorithm string, block []byte, want []byte) error {
	var got []byte
	switch algorithm {
	case "sha256-raw":
		sum := sha256simd.Sum256(block)
		got = sum[:]
	case "sha256-hex":
		sum := sha256simd.Sum256(block)
		got = []byte(hex.EncodeToString(sum[:]))
	case "noop":
		return nil
	default:
		return xerrors.New(moduleName, 5, "query: unknown hash algorithm")
	}
	if !bytes.Equal(got, want) {
		return ErrHashMismatch
	}
	return nil
}

// AssembleFile concatenates a file's blocks, in order, and trims the result
// to the file's recorded length, undoing the datastore's block-size padding
// of the file's final block.
func AssembleFile(blocks [][]byte, fileLength int64) []byte {
	out := make([]byte, 0, fileLength)
	for _, b := range blocks {
		out = append(out, b...)
	}
	if int64(len(out)) > fileLength {
		out = out[:fileLength]
	}
	return out
}
