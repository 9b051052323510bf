package datastore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// fillLetters populates a 16-block, 64-byte-block RAM datastore where
// block i is filled entirely with byte value 0x41+i ('A'..'P').
func fillLetters(t *testing.T, usePrecompute bool) Store {
	t.Helper()

	store, err := NewRAM(64, 16, usePrecompute)
	require.NoError(t, err)

	for i := int64(0); i < 16; i++ {
		block := make([]byte, 64)
		for j := range block {
			block[j] = byte('A' + i)
		}
		require.NoError(t, store.SetData(i*64, block))
	}
	require.NoError(t, store.Finalize())
	return store
}

// TestProduceXORSelectsMaskedBlocks XORs blocks 0, 2 and 15 of an
// 'A'..'P' datastore: 'A' ^ 'C' ^ 'P' is 'R' in every byte.
func TestProduceXORSelectsMaskedBlocks(t *testing.T) {
	store := fillLetters(t, false)
	defer store.Close()

	mask := []byte{0xA0, 0x01} // bits 0, 2, 15
	out, err := store.ProduceXOR(mask)
	require.NoError(t, err)
	require.Len(t, out, 64)
	for _, b := range out {
		require.Equal(t, byte('R'), b)
	}
}

// TestProduceXORMultipleBatchesMasks runs three concatenated masks in one
// call and checks each 64-byte result slice independently.
func TestProduceXORMultipleBatchesMasks(t *testing.T) {
	store := fillLetters(t, false)
	defer store.Close()

	masks := append(append([]byte{0xA0, 0x01}, []byte{0x80, 0x00}...), []byte{0x4E, 0x01}...)
	out, err := store.ProduceXORMultiple(masks, 3)
	require.NoError(t, err)
	require.Len(t, out, 192)

	for _, b := range out[0:64] {
		require.Equal(t, byte('R'), b)
	}
	for _, b := range out[64:128] {
		require.Equal(t, byte('A'), b)
	}
	for _, b := range out[128:192] {
		require.Equal(t, byte(0x56), b)
	}
}

// TestProduceXOREmptyMask checks the empty-selection edge case.
func TestProduceXOREmptyMask(t *testing.T) {
	store := fillLetters(t, false)
	defer store.Close()

	out, err := store.ProduceXOR([]byte{0x00, 0x00})
	require.NoError(t, err)
	for _, b := range out {
		require.Equal(t, byte(0), b)
	}
}

// TestFourRussiansEquivalence checks that precompute must not change
// ProduceXOR's output.
func TestFourRussiansEquivalence(t *testing.T) {
	masks := [][]byte{
		{0xA0, 0x01},
		{0x80, 0x00},
		{0x4E, 0x01},
		{0xFF, 0xFF},
		{0x00, 0x00},
	}

	plain := fillLetters(t, false)
	defer plain.Close()
	precomp := fillLetters(t, true)
	defer precomp.Close()

	for _, m := range masks {
		a, err := plain.ProduceXOR(m)
		require.NoError(t, err)
		b, err := precomp.ProduceXOR(m)
		require.NoError(t, err)
		require.Equal(t, a, b)
	}
}

func TestNewRAMValidation(t *testing.T) {
	_, err := NewRAM(0, 16, false)
	require.ErrorIs(t, err, ErrInvalidDimensions)

	_, err = NewRAM(63, 16, false)
	require.ErrorIs(t, err, ErrInvalidDimensions)

	_, err = NewRAM(64, 0, false)
	require.ErrorIs(t, err, ErrInvalidDimensions)
}

func TestSetDataGetDataRoundTrip(t *testing.T) {
	store, err := NewRAM(64, 4, false)
	require.NoError(t, err)
	defer store.Close()

	payload := []byte("cross-block payload that spans more than one block boundary!!!!")
	require.NoError(t, store.SetData(40, payload))

	got, err := store.GetData(40, int64(len(payload)))
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestGetDataOutOfRange(t *testing.T) {
	store, err := NewRAM(64, 4, false)
	require.NoError(t, err)
	defer store.Close()

	_, err = store.GetData(-1, 10)
	require.ErrorIs(t, err, ErrOffsetOutOfRange)

	_, err = store.GetData(0, 64*5)
	require.ErrorIs(t, err, ErrOffsetOutOfRange)
}

func TestMaskTooShort(t *testing.T) {
	store, err := NewRAM(64, 16, false)
	require.NoError(t, err)
	defer store.Close()

	_, err = store.ProduceXOR([]byte{0x00})
	require.ErrorIs(t, err, ErrMaskTooShort)
}
