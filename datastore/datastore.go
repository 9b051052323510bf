// Package datastore implements the XOR datastore: the replicated,
// block-aligned database a mirror holds and answers masked-XOR queries
// against. One interface, one set of constructor arguments, one concrete
// type per backend.
package datastore

import (
	"github.com/raid-pir/raidpir/common/xerrors"
)

const moduleName = "datastore"

var (
	// ErrInvalidDimensions is returned by New{RAM,MMAP} when blockSize or
	// numBlocks violate the datastore's alignment/positivity requirements.
	ErrInvalidDimensions = xerrors.New(moduleName, 1, "datastore: invalid block size or block count")
	// ErrOffsetOutOfRange is returned by SetData/GetData for offsets or
	// lengths outside [0, numBlocks*blockSize).
	ErrOffsetOutOfRange = xerrors.New(moduleName, 2, "datastore: offset out of range")
	// ErrReadOnlyBackend is returned by SetData on a backend that does not
	// support population (the MMAP backend; it is populated externally).
	ErrReadOnlyBackend = xerrors.New(moduleName, 3, "datastore: backend is read-only")
	// ErrMaskTooShort is returned by ProduceXOR(Multiple) when the supplied
	// mask is shorter than ceil(numBlocks/8) bytes.
	ErrMaskTooShort = xerrors.New(moduleName, 4, "datastore: mask shorter than bits_to_bytes(numBlocks)")
	// ErrClosed is returned by any operation on a datastore after Close.
	ErrClosed = xerrors.New(moduleName, 5, "datastore: datastore is closed")
)

// Store is the XOR datastore contract common to every backend.
type Store interface {
	// SetData writes raw bytes at a byte offset, crossing block boundaries
	// freely. Only the RAM backend supports this.
	SetData(offset int64, data []byte) error

	// GetData reads length raw bytes starting at offset.
	GetData(offset int64, length int64) ([]byte, error)

	// ProduceXOR returns the XOR of every block whose bit is set in mask.
	// mask must be at least BitsToBytes(NumBlocks()) long; bits beyond
	// NumBlocks() are ignored. The scan always touches every bit of mask,
	// regardless of how many are set, so that timing does not leak |S|.
	ProduceXOR(mask []byte) ([]byte, error)

	// ProduceXORMultiple performs count independent ProduceXOR operations
	// over masks, a concatenation of count BitsToBytes(NumBlocks())-byte
	// masks, returning count*BlockSize() bytes of concatenated results.
	ProduceXORMultiple(masks []byte, count int) ([]byte, error)

	// Finalize prepares the datastore for querying. When the datastore was
	// constructed with precompute enabled, this builds the four-Russians
	// table; it is a no-op otherwise. Must be called before the first
	// ProduceXOR(Multiple) call; SetData must not be called afterwards.
	Finalize() error

	// BlockSize returns B, the fixed block length in bytes.
	BlockSize() int64

	// NumBlocks returns N, the number of blocks in the datastore.
	NumBlocks() int64

	// Close releases the backend's resources (for MMAP, unmaps and closes
	// the container file).
	Close() error
}

// BitsToBytes returns ceil(n/8), the number of bytes needed to represent an
// n-bit mask.
func BitsToBytes(n int64) int64 {
	return (n + 7) / 8
}

func validateDimensions(blockSize, numBlocks int64) error {
	if blockSize <= 0 || blockSize%64 != 0 {
		return ErrInvalidDimensions
	}
	if numBlocks <= 0 {
		return ErrInvalidDimensions
	}
	return nil
}

// bitSet reports whether bit i (0 = MSB of byte 0) is set in mask.
func bitSet(mask []byte, i int64) bool {
	byteIdx := i / 8
	bitIdx := uint(i % 8)
	return mask[byteIdx]&(0x80>>bitIdx) != 0
}
