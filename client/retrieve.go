package client

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"sync"

	opentracing "github.com/opentracing/opentracing-go"

	"github.com/raid-pir/raidpir/common/xerrors"
	"github.com/raid-pir/raidpir/query"
	"github.com/raid-pir/raidpir/vendorsvc"
	"github.com/raid-pir/raidpir/wire"
)

// ErrMirrorFailed is returned internally when a mirror connection or
// answer fails; RetrieveBlock retries with a backup mirror instead of
// surfacing it directly.
var ErrMirrorFailed = xerrors.New(moduleName, 5, "client: mirror failed to answer")

// ErrMixedRounds names an inconsistent parallel round. No function in this
// package currently returns it: RetrieveBlocksParallel relies on
// GroupByRound never placing two blocks of one chunk in the same round.
var ErrMixedRounds = xerrors.New(moduleName, 6, "client: inconsistent parallel round")

// mirrorSession is one open connection to a mirror, configured with Params
// and ready to answer Query messages.
type mirrorSession struct {
	addr string
	conn net.Conn
	wc   *wire.Conn
}

func dialMirror(ctx context.Context, info vendorsvc.MirrorInfo, params *wire.Params) (*mirrorSession, error) {
	addr := net.JoinHostPort(info.Address, strconv.Itoa(info.Port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	wc := wire.NewConn(conn, conn)
	if err := wc.Send(&wire.Body{Params: params}); err != nil {
		conn.Close()
		return nil, err
	}
	if _, _, err := wc.Recv(); err != nil {
		conn.Close()
		return nil, err
	}
	return &mirrorSession{addr: addr, conn: conn, wc: wc}, nil
}

func (s *mirrorSession) query(q *wire.Query) (*wire.Answer, error) {
	if err := s.wc.Send(&wire.Body{Query: q}); err != nil {
		return nil, err
	}
	resp, ok, err := s.wc.Recv()
	if err != nil {
		return nil, err
	}
	if !ok || resp.Answer == nil {
		return nil, ErrMirrorFailed
	}
	return resp.Answer, nil
}

func (s *mirrorSession) close() {
	// Graceful half-close: send the close sentinel frame before tearing
	// down the socket, so the mirror ends the session cleanly instead of
	// via a read error.
	_ = s.wc.Close()
	s.conn.Close()
}

// mirrorRequest is one mirror's share of a query plan: the Params to open
// its session with and the Query to send once it is open.
type mirrorRequest struct {
	params *wire.Params
	query  *wire.Query
}

// RetrieveBlock privately fetches block from the deployment: it selects
// c.cfg.K mirrors (trying backups from the vendor's full mirror list on
// failure), builds the Chor/Chunked/Chunked+RNG query plan, queries every
// mirror, XORs the answers, and verifies the recombined block's hash
// against the manifest. For ModeChunkedRNGParallel use
// RetrieveBlocksParallel instead, which amortizes the per-chunk round trip
// across up to k blocks at once.
func (c *Client) RetrieveBlock(ctx context.Context, block int64) ([]byte, error) {
	if c.cfg.Mode == query.ModeChunkedRNGParallel {
		blocks, err := c.RetrieveBlocksParallel(ctx, []int64{block})
		if err != nil {
			return nil, err
		}
		return blocks[block], nil
	}

	builder, err := query.NewBuilder(c.cfg.Mode, c.manifest.BlockCount, c.cfg.R, c.cfg.K)
	if err != nil {
		return nil, err
	}

	requests, err := c.buildRequests(builder, block)
	if err != nil {
		return nil, err
	}

	answers, err := c.queryAll(ctx, requests)
	if err != nil {
		return nil, err
	}

	data := make([][]byte, len(answers))
	for i, a := range answers {
		data[i] = a.Data
	}

	combiner := query.NewCombiner(c.manifest.BlockSize)
	got, err := combiner.Recombine(data)
	if err != nil {
		return nil, err
	}
	if err := query.VerifyBlock(c.manifest.HashAlgorithm, got, c.manifest.BlockHashes[block]); err != nil {
		return nil, err
	}
	return got, nil
}

// buildRequests constructs the per-mirror Params+Query pair for one
// block, according to c.cfg.Mode.
func (c *Client) buildRequests(builder *query.Builder, block int64) ([]mirrorRequest, error) {
	requests := make([]mirrorRequest, c.cfg.K)

	switch c.cfg.Mode {
	case query.ModeChor:
		plan, err := builder.BuildMasks(block)
		if err != nil {
			return nil, err
		}
		for i := 0; i < c.cfg.K; i++ {
			requests[i] = mirrorRequest{
				params: &wire.Params{K: c.cfg.K, Batch: c.cfg.Batch},
				query:  &wire.Query{Masks: plan.Masks[i], Count: 1},
			}
		}

	case query.ModeChunked:
		plan, err := builder.BuildChunked(block)
		if err != nil {
			return nil, err
		}
		cl, lcl := builder.ChunkLayout()
		for i := 0; i < c.cfg.K; i++ {
			requests[i] = mirrorRequest{
				params: &wire.Params{Cn: builder.MirrorChunks(i), K: c.cfg.K, R: c.cfg.R, Cl: cl, Lcl: lcl, Batch: c.cfg.Batch},
				query:  &wire.Query{Chunks: plan.ChunkPayloads[i]},
			}
		}

	case query.ModeChunkedRNG:
		plan, err := builder.BuildChunkedRNG(block)
		if err != nil {
			return nil, err
		}
		cl, lcl := builder.ChunkLayout()
		seeds := builder.Seeds()
		for i := 0; i < c.cfg.K; i++ {
			requests[i] = mirrorRequest{
				params: &wire.Params{Cn: builder.MirrorChunks(i), K: c.cfg.K, R: c.cfg.R, Cl: cl, Lcl: lcl, Seed: seeds[i], Batch: c.cfg.Batch},
				query:  &wire.Query{Chunks: plan.ChunkPayloads[i]},
			}
		}

	default:
		return nil, xerrors.New(moduleName, 7, "client: unsupported query mode")
	}

	return requests, nil
}

// queryAll issues one request per chosen mirror concurrently, failing over
// to the vendor's remaining mirrors on any connection or protocol error.
// Each mirror's round trip runs on its own goroutine, joined before
// reconstruction, so the k round trips overlap instead of summing;
// backupMu serializes failover into the shared backup pool so two mirrors
// failing at once cannot claim the same replacement.
func (c *Client) queryAll(ctx context.Context, requests []mirrorRequest) ([]*wire.Answer, error) {
	pool := shuffledCopy(c.mirrors)
	chosen := pool[:c.cfg.K]
	backups := pool[c.cfg.K:]
	var backupMu sync.Mutex

	answers := make([]*wire.Answer, c.cfg.K)
	errs := make([]error, c.cfg.K)

	var wg sync.WaitGroup
	wg.Add(c.cfg.K)
	for i := 0; i < c.cfg.K; i++ {
		go func(i int) {
			defer wg.Done()
			answers[i], errs[i] = c.queryOneWithFailover(ctx, chosen[i], requests[i], &backups, &backupMu)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, xerrors.Wrap(fmt.Errorf("%w: %w", ErrInsufficientMirrors, err), "client: mirror %d", i)
		}
	}
	return answers, nil
}

func (c *Client) queryOneWithFailover(ctx context.Context, mirror vendorsvc.MirrorInfo, req mirrorRequest, backups *[]vendorsvc.MirrorInfo, backupMu *sync.Mutex) (*wire.Answer, error) {
	for {
		answer, err := c.queryOne(ctx, mirror, req)
		if err == nil {
			return answer, nil
		}
		clientLogger.Warn("mirror failed, trying backup", "mirror", mirror.Address, "err", err)

		backupMu.Lock()
		if len(*backups) == 0 {
			backupMu.Unlock()
			return nil, err
		}
		mirror, *backups = (*backups)[0], (*backups)[1:]
		backupMu.Unlock()
	}
}

func (c *Client) queryOne(ctx context.Context, mirror vendorsvc.MirrorInfo, req mirrorRequest) (*wire.Answer, error) {
	span := opentracing.GlobalTracer().StartSpan("client.queryOne")
	span.SetTag("mirror", mirror.Address)
	defer span.Finish()

	sess, err := dialMirror(ctx, mirror, req.params)
	if err != nil {
		return nil, err
	}
	defer sess.close()

	return sess.query(req.query)
}

// RetrieveBlocksParallel privately fetches a batch of blocks using
// ModeChunkedRNGParallel:
// blocks are grouped into rounds of at most one target per chunk, and each
// round costs exactly one round trip to every mirror regardless of how
// many of the round's chunks carry a real request.
func (c *Client) RetrieveBlocksParallel(ctx context.Context, blocks []int64) (map[int64][]byte, error) {
	if c.cfg.Mode != query.ModeChunkedRNGParallel {
		return nil, xerrors.New(moduleName, 8, "client: RetrieveBlocksParallel requires ModeChunkedRNGParallel")
	}

	grouper, err := query.NewBuilder(c.cfg.Mode, c.manifest.BlockCount, c.cfg.R, c.cfg.K)
	if err != nil {
		return nil, err
	}

	combiner := query.NewCombiner(c.manifest.BlockSize)
	out := make(map[int64][]byte, len(blocks))

	for _, round := range grouper.GroupByRound(blocks) {
		// Every round re-dials a fresh mirror session (queryAll -> dialMirror),
		// and each mirror constructs its AES-CTR stream at counter zero on
		// every new session (mirror/session.go's handleParams). A Builder
		// reused across rounds would keep advancing its own streams past
		// counter zero, desynchronizing from the mirrors' fresh ones from
		// the second round on. Drawing a fresh Builder (and so fresh seeds)
		// per round keeps both sides starting at counter zero together.
		builder, err := query.NewBuilder(c.cfg.Mode, c.manifest.BlockCount, c.cfg.R, c.cfg.K)
		if err != nil {
			return nil, err
		}

		plan, err := builder.BuildChunkedRNGParallel(round)
		if err != nil {
			return nil, err
		}

		cl, lcl := builder.ChunkLayout()
		requests := make([]mirrorRequest, c.cfg.K)
		seeds := builder.Seeds()
		for i := 0; i < c.cfg.K; i++ {
			requests[i] = mirrorRequest{
				params: &wire.Params{Cn: builder.MirrorChunks(i), K: c.cfg.K, R: c.cfg.R, Cl: cl, Lcl: lcl, Seed: seeds[i], Parallel: true, Batch: c.cfg.Batch},
				query:  &wire.Query{Chunks: plan.ChunkPayloads[i]},
			}
		}

		answers, err := c.queryAll(ctx, requests)
		if err != nil {
			return nil, err
		}
		responses := make([]map[int][]byte, len(answers))
		for i, a := range answers {
			responses[i] = a.Blocks
		}

		reconstructed, err := combiner.CombineParallel(responses, plan.Targets)
		if err != nil {
			return nil, err
		}
		for blockIdx, data := range reconstructed {
			if err := query.VerifyBlock(c.manifest.HashAlgorithm, data, c.manifest.BlockHashes[blockIdx]); err != nil {
				return nil, err
			}
			out[blockIdx] = data
		}
	}

	return out, nil
}

func shuffledCopy(in []vendorsvc.MirrorInfo) []vendorsvc.MirrorInfo {
	out := make([]vendorsvc.MirrorInfo, len(in))
	copy(out, in)
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}
