package manifest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/raid-pir/raidpir/datastore"
)

func buildTestManifest(t *testing.T, algorithm string, store datastore.Store) *Manifest {
	t.Helper()

	m := &Manifest{
		Version:       1,
		HashAlgorithm: algorithm,
		BlockSize:     store.BlockSize(),
		BlockCount:    store.NumBlocks(),
		VendorHost:    "vendor.example",
		VendorPort:    9000,
		Files: []FileInfo{
			{Name: "a.txt", Length: store.BlockSize() * store.NumBlocks()},
		},
	}
	for i := int64(0); i < store.NumBlocks(); i++ {
		var h []byte
		if algorithm != HashNoop {
			block, err := store.GetData(i*store.BlockSize(), store.BlockSize())
			require.NoError(t, err)
			h, err = digest(algorithm, block)
			require.NoError(t, err)
		}
		m.BlockHashes = append(m.BlockHashes, h)
	}
	return m
}

func newFilledStore(t *testing.T) datastore.Store {
	t.Helper()
	store, err := datastore.NewRAM(64, 4, false)
	require.NoError(t, err)
	for i := int64(0); i < 4; i++ {
		block := make([]byte, 64)
		for j := range block {
			block[j] = byte(i)
		}
		require.NoError(t, store.SetData(i*64, block))
	}
	require.NoError(t, store.Finalize())
	return store
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	store := newFilledStore(t)
	defer store.Close()

	m := buildTestManifest(t, "sha256-raw", store)
	data, err := Encode(m)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, m.BlockCount, got.BlockCount)
	require.Equal(t, m.BlockHashes, got.BlockHashes)
	require.Equal(t, LayoutNoGaps, got.EffectiveLayout())
}

func TestDecodeAcceptsLegacySchemaFields(t *testing.T) {
	store := newFilledStore(t)
	defer store.Close()

	m := buildTestManifest(t, "noop", store)
	m.ManifestHash = []byte{0xDE, 0xAD}
	m.Layout = LayoutEqDist
	for i := range m.Files {
		m.Files[i].BlockOffsets = []int64{0, 64}
	}

	data, err := Encode(m)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, LayoutEqDist, got.EffectiveLayout())
	require.Equal(t, []byte{0xDE, 0xAD}, got.ManifestHash)
}

func TestVerifyBlockHashesSucceeds(t *testing.T) {
	store := newFilledStore(t)
	defer store.Close()

	m := buildTestManifest(t, "sha256-hex", store)
	require.NoError(t, VerifyBlockHashes(m, store))
}

func TestVerifyBlockHashesDetectsMismatch(t *testing.T) {
	store := newFilledStore(t)
	defer store.Close()

	m := buildTestManifest(t, "sha256-raw", store)
	m.BlockHashes[1][0] ^= 0xFF

	err := VerifyBlockHashes(m, store)
	require.ErrorIs(t, err, ErrBlockHashMismatch)
}

func TestValidateRejectsBadBlockCount(t *testing.T) {
	store := newFilledStore(t)
	defer store.Close()

	m := buildTestManifest(t, "noop", store)
	m.BlockCount = m.BlockCount + 1

	err := m.Validate()
	require.ErrorIs(t, err, ErrBlockCountMismatch)
}

func TestUnknownHashAlgorithm(t *testing.T) {
	store := newFilledStore(t)
	defer store.Close()

	_, err := digest("xyz-unknown", []byte("data"))
	require.ErrorIs(t, err, ErrUnknownHashAlgorithm)
	_ = store
}
