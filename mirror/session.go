// Package mirror implements the server side of one mirror's connection to
// a single client: the Await-Params -> Serving -> Closed state machine
// driving a long-lived query-answering session.
package mirror

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/raid-pir/raidpir/common/logging"
	"github.com/raid-pir/raidpir/common/metrics"
	"github.com/raid-pir/raidpir/common/xerrors"
	"github.com/raid-pir/raidpir/datastore"
	"github.com/raid-pir/raidpir/query"
	"github.com/raid-pir/raidpir/wire"
)

const moduleName = "mirror"

// ErrNotServing is returned when a Query arrives before Params has put the
// session in the Serving state.
var ErrNotServing = xerrors.New(moduleName, 1, "mirror: session is not serving")

// ErrAlreadyConfigured is returned when a second Params message arrives on
// an already-Serving session.
var ErrAlreadyConfigured = xerrors.New(moduleName, 2, "mirror: session already configured")

// state is the session's position in the Await-Params -> Serving -> Closed
// state machine.
type state uint8

const (
	stateAwaitParams state = iota
	stateServing
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateAwaitParams:
		return "await-params"
	case stateServing:
		return "serving"
	case stateClosed:
		return "closed"
	default:
		return fmt.Sprintf("[invalid state %d]", s)
	}
}

var validTransitions = map[state][]state{
	stateAwaitParams: {stateServing, stateClosed},
	stateServing:     {stateClosed},
	stateClosed:      {},
}

// Session serves one client connection against a fixed datastore and
// manifest. It implements wire.Handler.
type Session struct {
	mu    sync.Mutex
	state state

	store datastore.Store

	params *wire.Params
	stream *query.Stream // non-nil only when Params.Seed was set

	// streamMu serializes access to stream. The mirror's reader goroutine
	// calls HandleAsync for every request in arrival order, which is what
	// keeps this stream's consumption synchronized with the client's own
	// replay of it; the lock additionally guards against callers that
	// invoke HandleAsync from more than one goroutine, since
	// crypto/cipher's CTR Stream is not safe for concurrent use.
	streamMu sync.Mutex

	batch *batchWorker

	computeTime time.Duration // accumulated time inside Store.ProduceXOR*, answers "T"

	logger *logging.Logger
	id     string
}

// NewSession creates a session bound to store, which must already be
// Finalized. id is used only for logging.
func NewSession(id string, store datastore.Store) *Session {
	return &Session{
		state:  stateAwaitParams,
		store:  store,
		logger: logging.GetLogger("mirror/session"),
		id:     id,
	}
}

func (s *Session) setStateLocked(to state) {
	for _, dest := range validTransitions[s.state] {
		if dest == to {
			s.state = to
			return
		}
	}
	panic(fmt.Sprintf("mirror: invalid session state transition %s -> %s", s.state, to))
}

// Resolver is one request's deferred reply: HandleAsync performs
// validation and mask expansion synchronously and hands back a Resolver
// that blocks until the XOR compute (possibly deferred into a batch drain)
// has finished.
type Resolver func() (*wire.Body, error)

func immediate(body *wire.Body, err error) Resolver {
	return func() (*wire.Body, error) { return body, err }
}

// Handle dispatches one incoming wire.Body according to the session's
// current state. It blocks until the reply is ready; connection read
// loops that must keep reading while replies are pending (Batch mode)
// should use HandleAsync instead.
func (s *Session) Handle(ctx context.Context, body *wire.Body) (*wire.Body, error) {
	return s.HandleAsync(ctx, body)()
}

// HandleAsync validates and expands one incoming wire.Body synchronously
// and returns a Resolver for its eventual reply. Expanding synchronously
// matters for the RNG modes: the session's AES-CTR stream must be consumed
// in the exact order requests arrived, or the derived secondary chunks
// desynchronize from the client's replay of the same stream. Only the XOR
// compute itself is deferred, so a batch-enabled session can accumulate
// requests whose replies are still outstanding.
func (s *Session) HandleAsync(ctx context.Context, body *wire.Body) Resolver {
	switch {
	case body.Hello != nil:
		s.logger.Info("client hello", "session", s.id, "client", body.Hello.ClientID)
		return immediate(&wire.Body{Hello: &wire.Hello{ClientID: s.id}}, nil)
	case body.Params != nil:
		return immediate(s.handleParams(body.Params))
	case body.Query != nil:
		return s.handleQuery(body.Query)
	case body.GetComputeTime != nil:
		s.mu.Lock()
		seconds := s.computeTime.Seconds()
		s.mu.Unlock()
		return immediate(&wire.Body{ComputeTime: &wire.ComputeTime{Seconds: seconds}}, nil)
	default:
		return immediate(nil, wire.ErrEmptyBody)
	}
}

func (s *Session) handleParams(p *wire.Params) (*wire.Body, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateAwaitParams {
		return nil, ErrAlreadyConfigured
	}

	var stream *query.Stream
	if len(p.Seed) > 0 {
		var err error
		stream, err = query.NewStream(p.Seed)
		if err != nil {
			return nil, err
		}
	}

	s.params = p
	s.stream = stream
	s.setStateLocked(stateServing)
	metrics.MirrorActiveSessions.Inc()

	if p.Batch {
		s.batch = newBatchWorker(s.store)
	}

	s.logger.Info("session configured", "session", s.id, "k", p.K, "r", p.R, "parallel", p.Parallel, "batch", p.Batch)
	return &wire.Body{Params: p}, nil
}

// handleQuery expands an incoming request per the session's negotiated
// mode synchronously, then defers the XOR compute, inline against the
// datastore or via the session's Batch-Answer worker, into the returned
// Resolver.
func (s *Session) handleQuery(q *wire.Query) Resolver {
	s.mu.Lock()
	if s.state != stateServing {
		s.mu.Unlock()
		return immediate(nil, ErrNotServing)
	}
	store := s.store
	params := s.params
	stream := s.stream
	batch := s.batch
	s.mu.Unlock()

	numBlocks := store.NumBlocks()

	switch {
	case params.R == 0:
		// "X": raw full-bitstring request(s), the Chor mode path.
		maskLen := datastore.BitsToBytes(numBlocks)
		expected := int64(q.Count) * maskLen
		if int64(len(q.Masks)) < expected {
			return immediate(nil, datastore.ErrMaskTooShort)
		}
		return s.answerSingle(batch, q.Masks, q.Count)

	case params.Parallel:
		// "M": one primary chunk, secondaries derived from the mirror's
		// own seed stream, answered with one block per chunk.
		payload := cloneChunks(q.Chunks)
		s.streamMu.Lock()
		query.FillSecondariesFromStream(payload, params.Cn, stream, numBlocks, params.K)
		s.streamMu.Unlock()
		masks := query.ExpandChunkMasksFull(payload, numBlocks, params.K)
		return s.answerParallel(batch, masks, params.K)

	default:
		// "C" (no RNG: payload already carries all r chunks) or "R"
		// (RNG: payload carries only the primary, secondaries derived
		// from the seed stream).
		payload := cloneChunks(q.Chunks)
		if stream != nil {
			s.streamMu.Lock()
			query.FillSecondariesFromStream(payload, params.Cn, stream, numBlocks, params.K)
			s.streamMu.Unlock()
		}
		mask := query.ExpandChunkPayload(payload, numBlocks, params.K)
		return s.answerSingle(batch, mask, 1)
	}
}

func cloneChunks(in map[int][]byte) map[int][]byte {
	out := make(map[int][]byte, len(in))
	for c, v := range in {
		out[c] = v
	}
	return out
}

func (s *Session) answerSingle(batch *batchWorker, masks []byte, count int) Resolver {
	ch := s.computeAsync(batch, masks, count)
	return func() (*wire.Body, error) {
		r := <-ch
		if r.err != nil {
			return nil, r.err
		}
		return &wire.Body{Answer: &wire.Answer{Data: r.data}}, nil
	}
}

func (s *Session) answerParallel(batch *batchWorker, masks []byte, count int) Resolver {
	ch := s.computeAsync(batch, masks, count)
	return func() (*wire.Body, error) {
		r := <-ch
		if r.err != nil {
			return nil, r.err
		}
		blockSize := s.store.BlockSize()
		blocks := make(map[int][]byte, count)
		for i := 0; i < count; i++ {
			blocks[i] = r.data[int64(i)*blockSize : int64(i+1)*blockSize]
		}
		return &wire.Body{Answer: &wire.Answer{Blocks: blocks}}, nil
	}
}

// computeAsync starts the masked-XOR compute on its own goroutine and
// returns the channel its result will arrive on. Submitting to the batch
// worker from the spawned goroutine enqueues promptly (Submit appends and
// signals before blocking on the reply), so concurrently pending requests
// still fold into one drain cycle.
func (s *Session) computeAsync(batch *batchWorker, masks []byte, count int) <-chan batchResult {
	ch := make(chan batchResult, 1)
	go func() {
		start := time.Now()
		var data []byte
		var err error
		if batch != nil {
			data, err = batch.Submit(masks, count)
		} else {
			data, err = s.store.ProduceXORMultiple(masks, count)
		}
		s.mu.Lock()
		s.computeTime += time.Since(start)
		s.mu.Unlock()
		ch <- batchResult{data: data, err: err}
	}()
	return ch
}

// Close transitions the session to Closed and stops its batch worker, if
// any. It is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateClosed {
		return
	}
	wasServing := s.state == stateServing
	s.setStateLocked(stateClosed)
	if wasServing {
		metrics.MirrorActiveSessions.Dec()
	}
	if s.batch != nil {
		s.batch.Stop()
	}
}
