package datastore

import (
	"sync"

	"github.com/raid-pir/raidpir/common/logging"
	"github.com/raid-pir/raidpir/common/metrics"
)

var ramLogger = logging.GetLogger("datastore/ram")

// ramStore is the in-memory backend: a single zeroed byte slice, populated
// via SetData before Finalize is called.
type ramStore struct {
	mu     sync.RWMutex
	kernel xorKernel
	closed bool

	usePrecompute bool
	finalized     bool
}

// NewRAM allocates a zeroed in-memory datastore of numBlocks blocks of
// blockSize bytes each. usePrecompute requests a four-Russians table on
// Finalize.
func NewRAM(blockSize, numBlocks int64, usePrecompute bool) (Store, error) {
	if err := validateDimensions(blockSize, numBlocks); err != nil {
		return nil, err
	}

	return &ramStore{
		kernel: xorKernel{
			data:      make([]byte, blockSize*numBlocks),
			blockSize: blockSize,
			numBlocks: numBlocks,
		},
		usePrecompute: usePrecompute,
	}, nil
}

func (s *ramStore) BlockSize() int64 { return s.kernel.blockSize }
func (s *ramStore) NumBlocks() int64 { return s.kernel.numBlocks }

func (s *ramStore) SetData(offset int64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	total := s.kernel.blockSize * s.kernel.numBlocks
	if offset < 0 || offset+int64(len(data)) > total {
		return ErrOffsetOutOfRange
	}
	copy(s.kernel.data[offset:], data)
	return nil
}

func (s *ramStore) GetData(offset int64, length int64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	total := s.kernel.blockSize * s.kernel.numBlocks
	if offset < 0 || length < 0 || offset+length > total {
		return nil, ErrOffsetOutOfRange
	}
	out := make([]byte, length)
	copy(out, s.kernel.data[offset:offset+length])
	return out, nil
}

func (s *ramStore) ProduceXOR(mask []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	if int64(len(mask)) < BitsToBytes(s.kernel.numBlocks) {
		return nil, ErrMaskTooShort
	}
	out := s.kernel.produceXOR(mask)
	metrics.DatastoreXORBytes.Observe(float64(len(out)))
	return out, nil
}

func (s *ramStore) ProduceXORMultiple(masks []byte, count int) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	maskLen := BitsToBytes(s.kernel.numBlocks)
	if int64(len(masks)) < int64(count)*maskLen {
		return nil, ErrMaskTooShort
	}

	out := make([]byte, 0, int64(count)*s.kernel.blockSize)
	for i := 0; i < count; i++ {
		m := masks[int64(i)*maskLen : int64(i+1)*maskLen]
		out = append(out, s.kernel.produceXOR(m)...)
	}
	metrics.DatastoreXORBytes.Observe(float64(len(out)))
	return out, nil
}

func (s *ramStore) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.finalized {
		return nil
	}
	if s.usePrecompute {
		ramLogger.Info("building four-Russians table", "num_blocks", s.kernel.numBlocks, "block_size", s.kernel.blockSize)
		s.kernel.table = buildFourRussiansTable(&s.kernel)
	}
	s.finalized = true
	return nil
}

func (s *ramStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.kernel.data = nil
	s.kernel.table = nil
	return nil
}
