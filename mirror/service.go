package mirror

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	opentracing "github.com/opentracing/opentracing-go"

	"github.com/raid-pir/raidpir/common/logging"
	"github.com/raid-pir/raidpir/datastore"
	"github.com/raid-pir/raidpir/manifest"
	"github.com/raid-pir/raidpir/wire"
)

var serviceLogger = logging.GetLogger("mirror/service")

// Service owns a single datastore.Store and the manifest describing it,
// and accepts client connections one per goroutine. The datastore handle
// belongs to the Service for its whole lifetime.
type Service struct {
	store    datastore.Store
	manifest *manifest.Manifest

	listener net.Listener

	nextID uint64

	wg      sync.WaitGroup
	closing chan struct{}
}

// NewService verifies m against store's block hashes and returns a Service
// ready to Serve connections.
func NewService(store datastore.Store, m *manifest.Manifest) (*Service, error) {
	if err := manifest.VerifyBlockHashes(m, store); err != nil {
		return nil, err
	}
	return &Service{
		store:    store,
		manifest: m,
		closing:  make(chan struct{}),
	}, nil
}

// Serve accepts connections on l until Close is called or Accept returns a
// permanent error.
func (s *Service) Serve(l net.Listener) error {
	s.listener = l
	serviceLogger.Info("mirror serving", "addr", l.Addr())

	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-s.closing:
				return nil
			default:
				return err
			}
		}

		id := atomic.AddUint64(&s.nextID, 1)
		s.wg.Add(1)
		go s.handleConn(id, conn)
	}
}

// pendingReply is one request's deferred reply plus its tracing span.
type pendingReply struct {
	resolve Resolver
	span    opentracing.Span
}

// handleConn decouples reading requests from writing replies: the reader
// below calls HandleAsync, which validates, expands the query and (for
// Batch mode) enqueues its compute, and moves straight on to the next
// Recv instead of waiting for the reply to resolve. This matters for
// Batch mode, where a query's reply is deferred until the session's
// Batch-Answer worker next drains its accumulator: a fully synchronous
// Recv->Handle->Send loop would never let a second query arrive before
// the first one's reply blocks it, so nothing could ever accumulate to
// batch. Calling HandleAsync from the single reader goroutine also fixes
// the order the session's AES-CTR stream is consumed in to
// request-arrival order, which the RNG modes depend on. The writer loop
// resolves and sends each reply in the order its request arrived;
// responses on one stream always come back in request order.
func (s *Service) handleConn(id uint64, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	sessionID := sessionName(id)
	session := NewSession(sessionID, s.store)
	defer session.Close()

	wc := wire.NewConn(conn, conn)
	ctx := context.Background()

	pending := make(chan pendingReply, 64)
	done := make(chan struct{})
	defer close(done)

	go func() {
		defer close(pending)
		for {
			body, ok, err := wc.Recv()
			if err != nil {
				serviceLogger.Warn("connection read error", "session", sessionID, "err", err)
				return
			}
			if !ok {
				serviceLogger.Debug("client closed connection", "session", sessionID)
				return
			}

			span := opentracing.GlobalTracer().StartSpan("mirror.Session.Handle")
			resolve := session.HandleAsync(opentracing.ContextWithSpan(ctx, span), body)
			select {
			case pending <- pendingReply{resolve: resolve, span: span}:
			case <-done:
				span.Finish()
				return
			}
		}
	}()

	for p := range pending {
		resp, err := p.resolve()
		p.span.Finish()
		if err != nil {
			// A protocol violation gets one error reply, then the
			// connection closes; the mirror itself stays up.
			serviceLogger.Warn("session handler error", "session", sessionID, "err", err)
			_ = wc.Send(&wire.Body{Error: &wire.Error{Message: err.Error()}})
			return
		}
		if err := wc.Send(resp); err != nil {
			serviceLogger.Warn("connection write error", "session", sessionID, "err", err)
			return
		}
	}
}

func sessionName(id uint64) string {
	return "session-" + strconv.FormatUint(id, 10)
}

// Close stops accepting new connections and waits for in-flight ones to
// finish.
func (s *Service) Close() error {
	close(s.closing)
	err := s.listener.Close()
	s.wg.Wait()
	return err
}
