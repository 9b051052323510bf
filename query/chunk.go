package query

// ChunkLayout returns the bit length of every chunk but the last (cl) and
// of the last chunk (lcl) when an n-bit bitstring is split across k
// mirrors: cl is the largest multiple of 8 with cl*k <= n, and lcl
// absorbs whatever bits remain.
func ChunkLayout(n int64, k int) (cl, lcl int64) {
	cl = 8 * (n / (8 * int64(k)))
	lcl = n - int64(k-1)*cl
	return cl, lcl
}

// ChunkBitLen returns the bit length of chunk index c (0-based) of a
// k-way split of an n-bit bitstring.
func ChunkBitLen(n int64, k, c int) int64 {
	cl, lcl := ChunkLayout(n, k)
	if c == k-1 {
		return lcl
	}
	return cl
}

// chunkByteOffset returns the byte offset chunk c starts at within the
// n-bit bitstring's ceil(n/8)-byte representation. This is exact (not an
// approximation) because cl is guaranteed a multiple of 8, so every
// chunk but the last starts and ends on a byte boundary.
func chunkByteOffset(n int64, k, c int) int64 {
	cl, _ := ChunkLayout(n, k)
	return int64(c) * cl / 8
}

// ChunkOfBit returns which chunk a given (block-indexed) bit position
// falls into under a k-way split of an n-bit bitstring, and the bit's
// offset within that chunk.
func ChunkOfBit(n int64, k int, bit int64) (chunk int, offset int64) {
	cl, _ := ChunkLayout(n, k)
	if cl == 0 {
		return k - 1, bit
	}
	c := bit / cl
	if c >= int64(k-1) {
		return k - 1, bit - int64(k-1)*cl
	}
	return int(c), bit % cl
}

// MirrorChunkList returns the r chunk indices mirror m (0-based, 0<=m<k)
// is responsible for: {m, (m+1) mod k, ..., (m+r-1) mod k}. The first
// entry is m's primary chunk (the one it "flips"); the rest are its
// secondary chunks.
func MirrorChunkList(k, r, m int) []int {
	cn := make([]int, r)
	for i := 0; i < r; i++ {
		cn[i] = (m + i) % k
	}
	return cn
}

// chunkSecondaryOwners returns the r-1 mirrors that carry chunk c as a
// secondary chunk: by construction of MirrorChunkList, these are the r-1
// mirrors immediately preceding c in circular order (chunk c's own
// primary owner is mirror c itself).
func chunkSecondaryOwners(k, r, c int) []int {
	owners := make([]int, r-1)
	for i := 1; i < r; i++ {
		owners[i-1] = ((c-i)%k + k) % k
	}
	return owners
}

// ExpandChunkPayload places every chunk value in payload at its byte
// offset within an n-bit mask (big-endian, bit 0 = MSB of byte 0),
// zero-filling every chunk absent from payload. This is the mirror-side
// expansion of a "C" or "R" request's chunk map into the full selection
// mask datastore.Store.ProduceXOR needs.
func ExpandChunkPayload(payload map[int][]byte, n int64, k int) []byte {
	out := make([]byte, (n+7)/8)
	for c, val := range payload {
		off := chunkByteOffset(n, k, c)
		copy(out[off:off+int64(len(val))], val)
	}
	return out
}

// ExpandChunkMasksFull builds k independent full n-bit masks from payload
// (one entry per chunk 0..k-1, as filled in by FillSecondariesFromStream),
// isolating each chunk's value into its own otherwise-zero mask, and
// concatenates them in chunk-index order. This is the "M" opcode's
// expansion: the mirror answers with one block per chunk by calling
// datastore.Store.ProduceXORMultiple over this concatenation.
func ExpandChunkMasksFull(payload map[int][]byte, n int64, k int) []byte {
	maskLen := (n + 7) / 8
	out := make([]byte, maskLen*int64(k))
	for c := 0; c < k; c++ {
		val, ok := payload[c]
		if !ok {
			continue
		}
		off := chunkByteOffset(n, k, c)
		base := int64(c) * maskLen
		copy(out[base+off:base+off+int64(len(val))], val)
	}
	return out
}

// FillSecondariesFromStream derives, from a mirror's own AES-CTR Stream,
// the values for every chunk in cn not already present in payload (that
// is, every secondary chunk, cn's primary entry at cn[0] is expected to
// already be present), walking cn in the exact order the client gave it.
// payload is mutated in place and returned.
func FillSecondariesFromStream(payload map[int][]byte, cn []int, stream *Stream, n int64, k int) map[int][]byte {
	for _, c := range cn {
		if _, ok := payload[c]; ok {
			continue
		}
		payload[c] = stream.Next(ChunkBitLen(n, k, c))
	}
	return payload
}
