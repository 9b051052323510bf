package mirror

import (
	"sync"

	"github.com/raid-pir/raidpir/common/logging"
	"github.com/raid-pir/raidpir/common/metrics"
	"github.com/raid-pir/raidpir/datastore"
)

var batchLogger = logging.GetLogger("mirror/batch")

// batchPending is one caller's queued, already-expanded selection mask,
// waiting for the worker goroutine to drain it alongside whatever else
// accumulated in the same round: batch mode amortizes the XOR kernel call
// across concurrently arriving queries instead of paying for one
// ProduceXORMultiple per request.
type batchPending struct {
	masks []byte
	count int
	resp  chan batchResult
}

type batchResult struct {
	data []byte
	err  error
}

// batchWorker accumulates expanded masks arriving on a session and answers
// them all with a single ProduceXORMultiple call per drain cycle, instead
// of every caller invoking the kernel directly.
type batchWorker struct {
	store datastore.Store

	mu      sync.Mutex
	pending []*batchPending
	signal  chan struct{}
	stopCh  chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

func newBatchWorker(store datastore.Store) *batchWorker {
	w := &batchWorker{
		store:  store,
		signal: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// Submit enqueues a count-masks-concatenated-in-masks request and blocks
// until the worker's next drain cycle has answered it.
func (w *batchWorker) Submit(masks []byte, count int) ([]byte, error) {
	p := &batchPending{masks: masks, count: count, resp: make(chan batchResult, 1)}

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil, ErrNotServing
	}
	w.pending = append(w.pending, p)
	w.mu.Unlock()

	select {
	case w.signal <- struct{}{}:
	default:
	}

	r := <-p.resp
	return r.data, r.err
}

func (w *batchWorker) run() {
	defer w.wg.Done()

	for {
		select {
		case <-w.signal:
			w.drain()
		case <-w.stopCh:
			w.drain()
			return
		}
	}
}

// drain answers every request queued since the last drain with exactly one
// ProduceXORMultiple call over their concatenated masks, then splits the
// single resulting byte stream back out in FIFO submission order.
func (w *batchWorker) drain() {
	w.mu.Lock()
	batch := w.pending
	w.pending = nil
	w.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	metrics.MirrorBatchSize.Observe(float64(len(batch)))
	batchLogger.Debug("draining batch", "size", len(batch))

	totalCount := 0
	var combined []byte
	for _, p := range batch {
		combined = append(combined, p.masks...)
		totalCount += p.count
	}

	out, err := w.store.ProduceXORMultiple(combined, totalCount)
	if err != nil {
		for _, p := range batch {
			p.resp <- batchResult{err: err}
		}
		return
	}

	blockSize := w.store.BlockSize()
	var offset int64
	for _, p := range batch {
		n := int64(p.count) * blockSize
		p.resp <- batchResult{data: out[offset : offset+n]}
		offset += n
	}
}

// Stop drains any remaining queries and halts the worker goroutine.
func (w *batchWorker) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.mu.Unlock()

	close(w.stopCh)
	w.wg.Wait()
}
