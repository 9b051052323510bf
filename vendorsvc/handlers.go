package vendorsvc

import (
	"context"

	"github.com/raid-pir/raidpir/common/logging"
	"github.com/raid-pir/raidpir/common/metrics"
	"github.com/raid-pir/raidpir/common/xerrors"
	"github.com/raid-pir/raidpir/manifest"
	"github.com/raid-pir/raidpir/wire"
)

const moduleName = "vendorsvc"

var watchLogger = logging.GetLogger("vendorsvc/watcher")

// ErrNoManifest is returned when the vendor has not yet been configured
// with a manifest to serve.
var ErrNoManifest = xerrors.New(moduleName, 1, "vendorsvc: no manifest configured")

// ErrAdvertiseTooLarge is returned when an advertisement payload exceeds
// the configured maxmirrorinfo size.
var ErrAdvertiseTooLarge = xerrors.New(moduleName, 2, "vendorsvc: advertisement payload exceeds maxmirrorinfo")

// ErrAdvertiseMalformed is returned when a MIRRORADVERTISE payload is
// missing its ip or port.
var ErrAdvertiseMalformed = xerrors.New(moduleName, 3, "vendorsvc: advertisement missing ip or port")

// ErrAdvertiseIPMismatch is returned when checkmirrorip is enabled and the
// advertised ip does not match the connecting peer's address.
var ErrAdvertiseIPMismatch = xerrors.New(moduleName, 4, "vendorsvc: advertised ip does not match peer address")

type peerKey struct{}
type payloadSizeKey struct{}

// WithPeerAddress attaches the connecting peer's address (host, no port)
// to ctx, for Service.Handle's checkmirrorip validation. Callers (the
// vendor's accept loop) should set this from the net.Conn's RemoteAddr
// before dispatching an Advertise request.
func WithPeerAddress(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, peerKey{}, addr)
}

// WithPayloadSize attaches the raw wire-frame payload size, in bytes, to
// ctx, for Service.Handle's maxmirrorinfo validation.
func WithPayloadSize(ctx context.Context, n int) context.Context {
	return context.WithValue(ctx, payloadSizeKey{}, n)
}

// Service answers GetManifest, GetMirrorList and Advertise requests,
// multiplexing all three over one listener. It implements wire.Handler.
type Service struct {
	registry *Registry
	manifest *manifest.Manifest

	// MaxMirrorInfoSize caps an advertisement payload's raw wire size in
	// bytes (the --maxmirrorinfo flag, nominal 10KiB). Zero disables the
	// check.
	MaxMirrorInfoSize int
	// CheckMirrorIP requires an advertised ip to match the connecting
	// peer's address (the --checkmirrorip flag).
	CheckMirrorIP bool
}

// NewService returns a Service serving m's data over registry, with
// advertisement validation disabled by default.
func NewService(registry *Registry, m *manifest.Manifest) *Service {
	return &Service{registry: registry, manifest: m}
}

// Watch consumes the registry's mutation stream, logging every
// advertisement and expiry and keeping the registry-size metric current.
// It blocks until ctx is done or the subscription closes; the vendor
// entrypoint runs it on its own goroutine for the life of the process.
func (s *Service) Watch(ctx context.Context) {
	sub := s.registry.Subscribe()
	defer sub.Close()

	for {
		select {
		case v, ok := <-sub.Out():
			if !ok {
				return
			}
			ev := v.(Event)
			if ev.Removed {
				watchLogger.Info("mirror expired", "key", ev.Key)
			} else {
				watchLogger.Debug("mirror advertised", "key", ev.Key)
			}
			metrics.VendorRegistrySize.Set(float64(ev.Size))
		case <-ctx.Done():
			return
		}
	}
}

// Handle implements wire.Handler.
func (s *Service) Handle(ctx context.Context, body *wire.Body) (*wire.Body, error) {
	switch {
	case body.Hello != nil:
		return &wire.Body{Hello: &wire.Hello{ClientID: "vendor"}}, nil
	case body.GetManifest != nil:
		return s.handleGetManifest()
	case body.GetMirrorList != nil:
		return s.handleGetMirrorList()
	case body.Advertise != nil:
		return s.handleAdvertise(ctx, body.Advertise)
	default:
		return nil, wire.ErrUnhandledOpcode
	}
}

func (s *Service) handleGetManifest() (*wire.Body, error) {
	if s.manifest == nil {
		return nil, ErrNoManifest
	}
	data, err := manifest.Encode(s.manifest)
	if err != nil {
		return nil, err
	}
	return &wire.Body{ManifestData: &wire.ManifestData{Data: data}}, nil
}

func (s *Service) handleGetMirrorList() (*wire.Body, error) {
	mirrors := s.registry.List()
	out := make([]wire.Mirror, len(mirrors))
	for i, m := range mirrors {
		out[i] = wire.Mirror{Address: m.Address, Port: m.Port}
	}
	return &wire.Body{MirrorList: &wire.MirrorList{Mirrors: out}}, nil
}

// handleAdvertise validates and records one advertisement: size, then
// payload shape, then (if configured) that the advertised ip matches the
// connecting peer's own address. Any failure returns a specific error
// and leaves the registry untouched.
func (s *Service) handleAdvertise(ctx context.Context, a *wire.Advertise) (*wire.Body, error) {
	if s.MaxMirrorInfoSize > 0 {
		if n, ok := ctx.Value(payloadSizeKey{}).(int); ok && n > s.MaxMirrorInfoSize {
			return nil, ErrAdvertiseTooLarge
		}
	}
	if a.Address == "" || a.Port <= 0 {
		return nil, ErrAdvertiseMalformed
	}
	if s.CheckMirrorIP {
		if peer, ok := ctx.Value(peerKey{}).(string); ok && peer != "" && peer != a.Address {
			return nil, ErrAdvertiseIPMismatch
		}
	}

	s.registry.Advertise(MirrorInfo{Address: a.Address, Port: a.Port})
	return &wire.Body{Advertise: a}, nil
}
