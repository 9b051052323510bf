package client

import (
	"context"
	"net"
	"testing"
	"time"

	sha256simd "github.com/minio/sha256-simd"
	"github.com/stretchr/testify/require"

	"github.com/raid-pir/raidpir/datastore"
	"github.com/raid-pir/raidpir/manifest"
	"github.com/raid-pir/raidpir/mirror"
	"github.com/raid-pir/raidpir/query"
	"github.com/raid-pir/raidpir/vendorsvc"
	"github.com/raid-pir/raidpir/wire"
)

// startMirror fills a RAM store with numBlocks sequential-byte blocks,
// wraps it in a mirror.Service listening on an ephemeral loopback port, and
// returns its address alongside the manifest describing it.
func startMirror(t *testing.T, numBlocks, blockSize int64) (*manifest.Manifest, vendorsvc.MirrorInfo, func()) {
	t.Helper()

	store, err := datastore.NewRAM(blockSize, numBlocks, false)
	require.NoError(t, err)

	m := &manifest.Manifest{
		Version:       1,
		HashAlgorithm: "sha256-raw",
		BlockSize:     blockSize,
		BlockCount:    numBlocks,
		Files:         []manifest.FileInfo{{Name: "f", Length: blockSize * numBlocks}},
	}

	for i := int64(0); i < numBlocks; i++ {
		block := make([]byte, blockSize)
		for j := range block {
			block[j] = byte(i + 1)
		}
		require.NoError(t, store.SetData(i*blockSize, block))
	}
	require.NoError(t, store.Finalize())

	for i := int64(0); i < numBlocks; i++ {
		block, err := store.GetData(i*blockSize, blockSize)
		require.NoError(t, err)
		sum := sha256simd.Sum256(block)
		m.BlockHashes = append(m.BlockHashes, sum[:])
	}

	svc, err := mirror.NewService(store, m)
	require.NoError(t, err)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go svc.Serve(l)

	addr := l.Addr().(*net.TCPAddr)
	cleanup := func() {
		svc.Close()
		store.Close()
	}
	return m, vendorsvc.MirrorInfo{Address: "127.0.0.1", Port: addr.Port}, cleanup
}

func TestClientRetrieveBlockChorMode(t *testing.T) {
	const numBlocks, blockSize, k = 16, 64, 2

	m, mirror1, cleanup1 := startMirror(t, numBlocks, blockSize)
	_, mirror2, cleanup2 := startMirror(t, numBlocks, blockSize)
	defer cleanup1()
	defer cleanup2()

	cl, err := New(Config{Mode: query.ModeChor, K: k}, m, []vendorsvc.MirrorInfo{mirror1, mirror2})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	block, err := cl.RetrieveBlock(ctx, 7)
	require.NoError(t, err)

	want := make([]byte, blockSize)
	for j := range want {
		want[j] = byte(7 + 1)
	}
	require.Equal(t, want, block)
}

func TestClientRetrieveBlockChunkedRNGMode(t *testing.T) {
	const numBlocks, blockSize, k, r = 32, 64, 3, 2

	m, mirror1, cleanup1 := startMirror(t, numBlocks, blockSize)
	_, mirror2, cleanup2 := startMirror(t, numBlocks, blockSize)
	_, mirror3, cleanup3 := startMirror(t, numBlocks, blockSize)
	defer cleanup1()
	defer cleanup2()
	defer cleanup3()

	cl, err := New(Config{Mode: query.ModeChunkedRNG, R: r, K: k}, m, []vendorsvc.MirrorInfo{mirror1, mirror2, mirror3})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	block, err := cl.RetrieveBlock(ctx, 10)
	require.NoError(t, err)

	want := make([]byte, blockSize)
	for j := range want {
		want[j] = byte(10 + 1)
	}
	require.Equal(t, want, block)
}

func TestClientRetrieveBlocksParallelMode(t *testing.T) {
	const numBlocks, blockSize, k = 64, 64, 3

	m, mirror1, cleanup1 := startMirror(t, numBlocks, blockSize)
	_, mirror2, cleanup2 := startMirror(t, numBlocks, blockSize)
	_, mirror3, cleanup3 := startMirror(t, numBlocks, blockSize)
	defer cleanup1()
	defer cleanup2()
	defer cleanup3()

	cl, err := New(Config{Mode: query.ModeChunkedRNGParallel, R: k, K: k}, m, []vendorsvc.MirrorInfo{mirror1, mirror2, mirror3})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	targets := []int64{1, 25, 50}
	blocks, err := cl.RetrieveBlocksParallel(ctx, targets)
	require.NoError(t, err)
	for _, blk := range targets {
		want := make([]byte, blockSize)
		for j := range want {
			want[j] = byte(blk + 1)
		}
		require.Equal(t, want, blocks[blk])
	}
}

// TestClientRetrieveBlocksParallelModeMultipleRounds exercises a batch whose
// targets force GroupByRound to split the retrieval into more than one
// round trip: blocks 5 and 10 both fall in chunk 0 of a k=2 split. Every
// round re-dials a fresh mirror session, so this is the case that used to
// desynchronize the client's replayed AES-CTR stream (which kept advancing
// across rounds on one Builder) from each round's freshly-seeded mirror
// session (which always starts its own stream at counter zero).
func TestClientRetrieveBlocksParallelModeMultipleRounds(t *testing.T) {
	const numBlocks, blockSize, k = 64, 64, 2

	m, mirror1, cleanup1 := startMirror(t, numBlocks, blockSize)
	_, mirror2, cleanup2 := startMirror(t, numBlocks, blockSize)
	defer cleanup1()
	defer cleanup2()

	cl, err := New(Config{Mode: query.ModeChunkedRNGParallel, R: k, K: k}, m, []vendorsvc.MirrorInfo{mirror1, mirror2})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	targets := []int64{5, 10}
	blocks, err := cl.RetrieveBlocksParallel(ctx, targets)
	require.NoError(t, err)
	for _, blk := range targets {
		want := make([]byte, blockSize)
		for j := range want {
			want[j] = byte(blk + 1)
		}
		require.Equal(t, want, blocks[blk])
	}
}

// startSlowMirror answers Params immediately but sleeps delay before
// answering every Query, simulating a mirror with a slow round trip.
func startSlowMirror(t *testing.T, blockSize int64, delay time.Duration) (vendorsvc.MirrorInfo, func()) {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				wc := wire.NewConn(conn, conn)
				for {
					body, ok, err := wc.Recv()
					if err != nil || !ok {
						return
					}
					switch {
					case body.Params != nil:
						if err := wc.Send(&wire.Body{Params: body.Params}); err != nil {
							return
						}
					case body.Query != nil:
						time.Sleep(delay)
						if err := wc.Send(&wire.Body{Answer: &wire.Answer{Data: make([]byte, blockSize)}}); err != nil {
							return
						}
					default:
						return
					}
				}
			}()
		}
	}()

	addr := l.Addr().(*net.TCPAddr)
	return vendorsvc.MirrorInfo{Address: "127.0.0.1", Port: addr.Port}, func() { l.Close() }
}

// TestClientQueriesMirrorsConcurrently asserts retrieval against k slow
// mirrors costs roughly one round trip, not k of them summed, confirming
// queryAll fans out one goroutine per mirror instead of querying serially.
func TestClientQueriesMirrorsConcurrently(t *testing.T) {
	const blockSize, k = 64, 3
	const delay = 150 * time.Millisecond

	m := &manifest.Manifest{
		Version:       1,
		HashAlgorithm: "noop",
		BlockSize:     blockSize,
		BlockCount:    1,
		Files:         []manifest.FileInfo{{Name: "f", Length: blockSize}},
		BlockHashes:   [][]byte{make([]byte, blockSize)},
	}

	mirrors := make([]vendorsvc.MirrorInfo, k)
	for i := range mirrors {
		info, cleanup := startSlowMirror(t, blockSize, delay)
		mirrors[i] = info
		defer cleanup()
	}

	cl, err := New(Config{Mode: query.ModeChor, K: k}, m, mirrors)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	_, err = cl.RetrieveBlock(ctx, 0)
	require.NoError(t, err)
	elapsed := time.Since(start)

	require.Less(t, elapsed, time.Duration(k)*delay, "k mirrors should be queried concurrently, not sequentially")
}

func TestNewRejectsTooFewMirrors(t *testing.T) {
	m := &manifest.Manifest{BlockSize: 64, BlockCount: 4}
	_, err := New(Config{K: 3}, m, []vendorsvc.MirrorInfo{{Address: "a", Port: 1}})
	require.ErrorIs(t, err, ErrInsufficientMirrors)
}
