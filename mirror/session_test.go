package mirror

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/raid-pir/raidpir/datastore"
	"github.com/raid-pir/raidpir/query"
	"github.com/raid-pir/raidpir/wire"
)

func newTestStore(t *testing.T) datastore.Store {
	t.Helper()
	store, err := datastore.NewRAM(64, 8, false)
	require.NoError(t, err)
	for i := int64(0); i < 8; i++ {
		block := make([]byte, 64)
		for j := range block {
			block[j] = byte(i + 1)
		}
		require.NoError(t, store.SetData(i*64, block))
	}
	require.NoError(t, store.Finalize())
	return store
}

func TestSessionRejectsQueryBeforeParams(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	s := NewSession("t1", store)
	_, err := s.Handle(context.Background(), &wire.Body{Query: &wire.Query{Count: 1}})
	require.ErrorIs(t, err, ErrNotServing)
}

func TestSessionAnswersChorQueryAfterParams(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	s := NewSession("t1", store)

	_, err := s.Handle(context.Background(), &wire.Body{Params: &wire.Params{K: 2}})
	require.NoError(t, err)

	b, err := query.NewBuilder(query.ModeChor, 8, 0, 2)
	require.NoError(t, err)
	plan, err := b.BuildMasks(3)
	require.NoError(t, err)

	resp, err := s.Handle(context.Background(), &wire.Body{Query: &wire.Query{Masks: plan.Masks[0], Count: 1}})
	require.NoError(t, err)
	require.NotNil(t, resp.Answer)
	require.Len(t, resp.Answer.Data, 64)
}

func TestSessionAnswersChunkedQueryAfterParams(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	s := NewSession("t1", store)

	_, err := s.Handle(context.Background(), &wire.Body{Params: &wire.Params{Cn: []int{0, 1}, K: 2, R: 2}})
	require.NoError(t, err)

	b, err := query.NewBuilder(query.ModeChunked, 8, 2, 2)
	require.NoError(t, err)
	plan, err := b.BuildChunked(3)
	require.NoError(t, err)

	resp, err := s.Handle(context.Background(), &wire.Body{Query: &wire.Query{Chunks: plan.ChunkPayloads[0]}})
	require.NoError(t, err)
	require.NotNil(t, resp.Answer)
	require.Len(t, resp.Answer.Data, 64)
}

func TestSessionRejectsDoubleParams(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	s := NewSession("t1", store)
	_, err := s.Handle(context.Background(), &wire.Body{Params: &wire.Params{K: 2}})
	require.NoError(t, err)

	_, err = s.Handle(context.Background(), &wire.Body{Params: &wire.Params{K: 2}})
	require.ErrorIs(t, err, ErrAlreadyConfigured)
}

func TestSessionBatchModeAnswersQuery(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	s := NewSession("t1", store)
	_, err := s.Handle(context.Background(), &wire.Body{Params: &wire.Params{K: 2, Batch: true}})
	require.NoError(t, err)
	defer s.Close()

	b, err := query.NewBuilder(query.ModeChor, 8, 0, 2)
	require.NoError(t, err)
	plan, err := b.BuildMasks(5)
	require.NoError(t, err)

	resp, err := s.Handle(context.Background(), &wire.Body{Query: &wire.Query{Masks: plan.Masks[1], Count: 1}})
	require.NoError(t, err)
	require.Len(t, resp.Answer.Data, 64)
}

// TestSessionBatchModeAnswersConcurrentQueries exercises two queries on the
// same batch-enabled session submitted concurrently, the way a connection
// whose read loop no longer blocks on each reply lets them accumulate.
// Both must still resolve to a full block-sized answer regardless of
// whether they land in the same drain cycle.
func TestSessionBatchModeAnswersConcurrentQueries(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	s := NewSession("t1", store)
	_, err := s.Handle(context.Background(), &wire.Body{Params: &wire.Params{K: 2, Batch: true}})
	require.NoError(t, err)
	defer s.Close()

	b, err := query.NewBuilder(query.ModeChor, 8, 0, 2)
	require.NoError(t, err)

	plan1, err := b.BuildMasks(5)
	require.NoError(t, err)
	plan2, err := b.BuildMasks(1)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]*wire.Body, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		resp, err := s.Handle(context.Background(), &wire.Body{Query: &wire.Query{Masks: plan1.Masks[1], Count: 1}})
		require.NoError(t, err)
		results[0] = resp
	}()
	go func() {
		defer wg.Done()
		resp, err := s.Handle(context.Background(), &wire.Body{Query: &wire.Query{Masks: plan2.Masks[1], Count: 1}})
		require.NoError(t, err)
		results[1] = resp
	}()
	wg.Wait()

	require.Len(t, results[0].Answer.Data, 64)
	require.Len(t, results[1].Answer.Data, 64)
}

// TestSessionBatchModeWithSeedAnswersPendingQueries exercises the
// Batch+Seed combination: HandleAsync expands both requests in arrival
// order against the session's single AES-CTR stream, so even with both
// replies still outstanding (accumulating in the batch worker), each
// answer must match what a lockstep replay of the same seed produces.
func TestSessionBatchModeWithSeedAnswersPendingQueries(t *testing.T) {
	const numBlocks, blockSize, k, r = 64, 64, 2, 2

	store, err := datastore.NewRAM(blockSize, numBlocks, false)
	require.NoError(t, err)
	defer store.Close()
	for i := int64(0); i < numBlocks; i++ {
		block := make([]byte, blockSize)
		for j := range block {
			block[j] = byte(i + 1)
		}
		require.NoError(t, store.SetData(i*blockSize, block))
	}
	require.NoError(t, store.Finalize())

	b, err := query.NewBuilder(query.ModeChunkedRNG, numBlocks, r, k)
	require.NoError(t, err)
	seeds := b.Seeds()
	cl, lcl := b.ChunkLayout()
	cn := b.MirrorChunks(0)

	s := NewSession("t1", store)
	_, err = s.Handle(context.Background(), &wire.Body{Params: &wire.Params{
		Cn: cn, K: k, R: r, Cl: cl, Lcl: lcl, Seed: seeds[0], Batch: true,
	}})
	require.NoError(t, err)
	defer s.Close()

	plan1, err := b.BuildChunkedRNG(5)
	require.NoError(t, err)
	plan2, err := b.BuildChunkedRNG(40)
	require.NoError(t, err)

	// Expand both requests before resolving either, the way the service's
	// reader goroutine does while replies are pending.
	resolve1 := s.HandleAsync(context.Background(), &wire.Body{Query: &wire.Query{Chunks: plan1.ChunkPayloads[0]}})
	resolve2 := s.HandleAsync(context.Background(), &wire.Body{Query: &wire.Query{Chunks: plan2.ChunkPayloads[0]}})

	resp1, err := resolve1()
	require.NoError(t, err)
	resp2, err := resolve2()
	require.NoError(t, err)

	// Replay the mirror's stream from the same seed, in the same order, to
	// compute the answers an in-sync mirror must produce.
	replay, err := query.NewStream(seeds[0])
	require.NoError(t, err)
	for i, payload := range []map[int][]byte{plan1.ChunkPayloads[0], plan2.ChunkPayloads[0]} {
		expanded := make(map[int][]byte, len(payload))
		for c, v := range payload {
			expanded[c] = v
		}
		query.FillSecondariesFromStream(expanded, cn, replay, numBlocks, k)
		mask := query.ExpandChunkPayload(expanded, numBlocks, k)
		want, err := store.ProduceXOR(mask)
		require.NoError(t, err)
		if i == 0 {
			require.Equal(t, want, resp1.Answer.Data)
		} else {
			require.Equal(t, want, resp2.Answer.Data)
		}
	}
}

func TestSessionReportsAccumulatedComputeTime(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	s := NewSession("t1", store)
	_, err := s.Handle(context.Background(), &wire.Body{Params: &wire.Params{K: 2}})
	require.NoError(t, err)

	resp, err := s.Handle(context.Background(), &wire.Body{GetComputeTime: &wire.GetComputeTime{}})
	require.NoError(t, err)
	require.NotNil(t, resp.ComputeTime)
	require.Zero(t, resp.ComputeTime.Seconds)

	b, err := query.NewBuilder(query.ModeChor, 8, 0, 2)
	require.NoError(t, err)
	plan, err := b.BuildMasks(3)
	require.NoError(t, err)
	_, err = s.Handle(context.Background(), &wire.Body{Query: &wire.Query{Masks: plan.Masks[0], Count: 1}})
	require.NoError(t, err)

	resp, err = s.Handle(context.Background(), &wire.Body{GetComputeTime: &wire.GetComputeTime{}})
	require.NoError(t, err)
	require.GreaterOrEqual(t, resp.ComputeTime.Seconds, 0.0)
}
