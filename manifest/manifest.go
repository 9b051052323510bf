// Package manifest implements the RAID-PIR manifest: the self-describing,
// CBOR-encoded record that pins the database layout, the current block
// hashes, and the vendor's contact information. Clients and mirrors treat
// it as read-only authoritative ground truth.
package manifest

import (
	"github.com/raid-pir/raidpir/common/xerrors"
)

const moduleName = "manifest"

var (
	// ErrMissingField is returned when a required manifest field is absent
	// after decoding.
	ErrMissingField = xerrors.New(moduleName, 1, "manifest: missing required field")
	// ErrBadLayout is returned for an unrecognized datastore layout value.
	ErrBadLayout = xerrors.New(moduleName, 2, "manifest: unrecognized datastore layout")
	// ErrBlockCountMismatch is returned when BlockCount does not equal
	// ceil(sum(file lengths) / BlockSize) or len(BlockHashes) != BlockCount.
	ErrBlockCountMismatch = xerrors.New(moduleName, 3, "manifest: block count does not match file lengths or hash list")
)

// Layout names the on-disk block packing strategy.
type Layout string

// Supported layouts.
const (
	// LayoutNoGaps packs all files back to back with no block-alignment
	// padding between them; each FileInfo carries a single byte offset.
	LayoutNoGaps Layout = "nogaps"
	// LayoutEqDist block-aligns every file's start; each FileInfo carries
	// a list of block-aligned offsets, one per block the file occupies.
	LayoutEqDist Layout = "eqdist"
)

// FileInfo describes one file packed into the database.
type FileInfo struct {
	Name string `cbor:"1,keyasint"`
	// Length is the file's length in bytes.
	Length int64 `cbor:"2,keyasint"`
	// Hash is the content hash of the whole file, encoded per the
	// manifest's HashAlgorithm.
	Hash []byte `cbor:"3,keyasint"`
	// Offset is the file's single starting byte offset, used when Layout
	// is LayoutNoGaps. Zero value when BlockOffsets is used instead.
	Offset int64 `cbor:"4,keyasint,omitempty"`
	// BlockOffsets lists every block-aligned byte offset the file
	// occupies, used when Layout is LayoutEqDist.
	BlockOffsets []int64 `cbor:"5,keyasint,omitempty"`
}

// Manifest is the vendor-distributed, read-only database description.
//
// Two schema variants are known to exist in the field:
// one that carries a top-level ManifestHash and Layout and one
// that omits both. Decode accepts either; see DESIGN.md for the decision
// to keep both fields optional rather than picking one variant.
type Manifest struct {
	Version int `cbor:"1,keyasint"`

	// HashAlgorithm names the per-block and per-file hash encoding, e.g.
	// "sha256-raw", "sha256-hex", or "noop" (benchmarking only).
	HashAlgorithm string `cbor:"2,keyasint"`

	BlockSize  int64 `cbor:"3,keyasint"`
	BlockCount int64 `cbor:"4,keyasint"`

	VendorHost string `cbor:"5,keyasint"`
	VendorPort int    `cbor:"6,keyasint"`

	// Layout is optional; an absent value is treated as LayoutNoGaps for
	// backward compatibility with the older schema variant.
	Layout Layout `cbor:"7,keyasint,omitempty"`

	Files []FileInfo `cbor:"8,keyasint"`

	// BlockHashes holds one entry per block, index-aligned, encoded per
	// HashAlgorithm.
	BlockHashes [][]byte `cbor:"9,keyasint"`

	// ManifestHash is an optional self-hash of the manifest's other
	// fields, absent in the variant that also omits Layout; it is accepted on
	// decode but not required and not recomputed on encode.
	ManifestHash []byte `cbor:"10,keyasint,omitempty"`
}

// EffectiveLayout returns m.Layout, defaulting to LayoutNoGaps when unset.
func (m *Manifest) EffectiveLayout() Layout {
	if m.Layout == "" {
		return LayoutNoGaps
	}
	return m.Layout
}

// Validate checks the manifest's internal consistency invariants:
// N = ceil(sum(file.length)/B) and len(BlockHashes) == N.
func (m *Manifest) Validate() error {
	if m.BlockSize <= 0 || m.BlockSize%64 != 0 {
		return ErrMissingField
	}
	if m.HashAlgorithm == "" {
		return ErrMissingField
	}
	switch m.EffectiveLayout() {
	case LayoutNoGaps, LayoutEqDist:
	default:
		return ErrBadLayout
	}

	var total int64
	for _, f := range m.Files {
		total += f.Length
	}
	wantBlocks := (total + m.BlockSize - 1) / m.BlockSize
	if m.BlockCount != wantBlocks {
		return ErrBlockCountMismatch
	}
	if int64(len(m.BlockHashes)) != m.BlockCount {
		return ErrBlockCountMismatch
	}
	return nil
}
