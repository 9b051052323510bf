package datastore

import (
	"fmt"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"

	"github.com/raid-pir/raidpir/common/logging"
	"github.com/raid-pir/raidpir/common/metrics"
)

var mmapLogger = logging.GetLogger("datastore/mmap")

// ContainerMagic is the fixed header that prefixes an on-disk consolidated
// database file; the mirror memory-maps everything after it read-only.
const ContainerMagic = "RAIDPIRDB_v0.9.3"

// mmapStore is the memory-mapped backend: the container file (written by
// an external tool, out of scope here) is mapped read-only and its bytes
// after the magic header are used directly as datastore blocks.
type mmapStore struct {
	mu     sync.RWMutex
	file   *os.File
	mapped mmap.MMap
	kernel xorKernel
	closed bool

	usePrecompute bool
	finalized     bool
}

// NewMMAP opens path, verifies the ContainerMagic header, and memory-maps
// the remaining bytes read-only as a numBlocks x blockSize datastore.
func NewMMAP(path string, blockSize, numBlocks int64, usePrecompute bool) (Store, error) {
	if err := validateDimensions(blockSize, numBlocks); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("datastore: open container: %w", err)
	}

	magic := make([]byte, len(ContainerMagic))
	if _, err := f.ReadAt(magic, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("datastore: read container magic: %w", err)
	}
	if string(magic) != ContainerMagic {
		f.Close()
		return nil, fmt.Errorf("datastore: container %s has bad magic", path)
	}

	want := blockSize*numBlocks + int64(len(ContainerMagic))
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() < want {
		f.Close()
		return nil, fmt.Errorf("datastore: container %s is %d bytes, need at least %d", path, fi.Size(), want)
	}

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("datastore: mmap container: %w", err)
	}

	mmapLogger.Info("mapped container", "path", path, "num_blocks", numBlocks, "block_size", blockSize)

	return &mmapStore{
		file:   f,
		mapped: m,
		kernel: xorKernel{
			data:      []byte(m)[len(ContainerMagic):want],
			blockSize: blockSize,
			numBlocks: numBlocks,
		},
		usePrecompute: usePrecompute,
	}, nil
}

func (s *mmapStore) BlockSize() int64 { return s.kernel.blockSize }
func (s *mmapStore) NumBlocks() int64 { return s.kernel.numBlocks }

func (s *mmapStore) SetData(offset int64, data []byte) error {
	// The MMAP backend is populated by an external container-writing
	// tool; the mirror process only ever reads it.
	return ErrReadOnlyBackend
}

func (s *mmapStore) GetData(offset int64, length int64) ([]byte, error) {
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

func (s *mmapStore) ProduceXOR(mask []byte) ([]byte, error) {
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

func (s *mmapStore) ProduceXORMultiple(masks []byte, count int) ([]byte, error) {
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

func (s *mmapStore) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.finalized {
		return nil
	}
	if s.usePrecompute {
		mmapLogger.Info("building four-Russians table", "num_blocks", s.kernel.numBlocks, "block_size", s.kernel.blockSize)
		s.kernel.table = buildFourRussiansTable(&s.kernel)
	}
	s.finalized = true
	return nil
}

func (s *mmapStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.kernel.table = nil

	var errs []error
	if err := s.mapped.Unmap(); err != nil {
		errs = append(errs, err)
	}
	if err := s.file.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("datastore: close: %v", errs)
	}
	return nil
}
