package manifest

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	sha256simd "github.com/minio/sha256-simd"

	"github.com/raid-pir/raidpir/common/logging"
	"github.com/raid-pir/raidpir/common/xerrors"
	"github.com/raid-pir/raidpir/datastore"
)

var hashLogger = logging.GetLogger("manifest")

// ErrBlockHashMismatch is returned by VerifyBlockHashes on the first block
// whose computed hash disagrees with the manifest.
var ErrBlockHashMismatch = xerrors.New(moduleName, 4, "manifest: block hash mismatch")

// ErrUnknownHashAlgorithm is returned for a HashAlgorithm value this build
// does not recognize.
var ErrUnknownHashAlgorithm = xerrors.New(moduleName, 5, "manifest: unknown hash algorithm")

// HashNoop is the algorithm value that disables hashing entirely; it
// exists for benchmarking deployments where hash computation would drown
// out the XOR kernel's own cost.
const HashNoop = "noop"

// digest hashes data per the named algorithm. "sha256-raw" returns the raw
// 32-byte digest, "sha256-hex" its lowercase hex encoding.
func digest(algorithm string, data []byte) ([]byte, error) {
	switch algorithm {
	case "sha256-raw":
		sum := sha256simd.Sum256(data)
		return sum[:], nil
	case "sha256-hex":
		sum := sha256simd.Sum256(data)
		return []byte(hex.EncodeToString(sum[:])), nil
	default:
		return nil, ErrUnknownHashAlgorithm
	}
}

// VerifyBlockHashes streams every block out of store via GetData and
// compares its digest against m.BlockHashes, stopping at the first
// mismatch. It is run once by the mirror at startup before a datastore is
// advertised as Serving.
func VerifyBlockHashes(m *Manifest, store datastore.Store) error {
	if store.BlockSize() != m.BlockSize || store.NumBlocks() != m.BlockCount {
		return fmt.Errorf("manifest: datastore dimensions %dx%d do not match manifest %dx%d",
			store.NumBlocks(), store.BlockSize(), m.BlockCount, m.BlockSize)
	}
	if m.HashAlgorithm == HashNoop {
		hashLogger.Warn("hash algorithm is noop, skipping block verification")
		return nil
	}

	for i := int64(0); i < m.BlockCount; i++ {
		block, err := store.GetData(i*m.BlockSize, m.BlockSize)
		if err != nil {
			return err
		}
		got, err := digest(m.HashAlgorithm, block)
		if err != nil {
			return err
		}
		if !bytes.Equal(got, m.BlockHashes[i]) {
			hashLogger.Error("block hash mismatch", "block", i)
			return ErrBlockHashMismatch
		}
	}
	hashLogger.Info("verified block hashes", "num_blocks", m.BlockCount)
	return nil
}

// ErrFileHashMismatch is returned by PopulateFromFiles when a file read
// from disk does not hash to the value its manifest entry carries.
var ErrFileHashMismatch = xerrors.New(moduleName, 6, "manifest: file hash mismatch while populating datastore")

// PopulateFromFiles streams every file m.Files names out of dir and into
// store at its manifest-assigned offset(s); it backs the mirror's "-f
// FILES_DIR" flag, the alternative to the consolidated "-d DBFILE"
// container. It is the RAM backend's population path; manifest
// generation itself (assigning offsets to files in the first place) is
// left to external tooling. Each file's content hash is checked against
// its manifest entry as it is read.
func PopulateFromFiles(store datastore.Store, m *Manifest, dir string) error {
	for _, f := range m.Files {
		data, err := os.ReadFile(filepath.Join(dir, f.Name))
		if err != nil {
			return fmt.Errorf("manifest: read %s: %w", f.Name, err)
		}
		if int64(len(data)) != f.Length {
			return fmt.Errorf("manifest: %s is %d bytes, manifest says %d", f.Name, len(data), f.Length)
		}

		if m.HashAlgorithm != HashNoop {
			got, err := digest(m.HashAlgorithm, data)
			if err != nil {
				return err
			}
			if !bytes.Equal(got, f.Hash) {
				hashLogger.Error("file hash mismatch", "file", f.Name)
				return ErrFileHashMismatch
			}
		}

		if err := writeFileBlocks(store, m, f, data); err != nil {
			return err
		}
	}
	return nil
}

// writeFileBlocks places f's bytes into store per m's layout: one
// contiguous run at f.Offset for LayoutNoGaps, or one SetData call per
// block-aligned chunk at f.BlockOffsets for LayoutEqDist.
func writeFileBlocks(store datastore.Store, m *Manifest, f FileInfo, data []byte) error {
	if m.EffectiveLayout() == LayoutEqDist {
		for i, off := range f.BlockOffsets {
			start := int64(i) * m.BlockSize
			end := start + m.BlockSize
			if end > int64(len(data)) {
				end = int64(len(data))
			}
			if err := store.SetData(off, data[start:end]); err != nil {
				return err
			}
		}
		return nil
	}
	return store.SetData(f.Offset, data)
}
