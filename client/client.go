// Package client implements the RAID-PIR client: vendor discovery,
// per-mirror query sessions, failover to a backup mirror, and answer
// reconstruction.
package client

import (
	"context"
	"net"

	"github.com/raid-pir/raidpir/common/logging"
	"github.com/raid-pir/raidpir/common/xerrors"
	"github.com/raid-pir/raidpir/manifest"
	"github.com/raid-pir/raidpir/query"
	"github.com/raid-pir/raidpir/vendorsvc"
	"github.com/raid-pir/raidpir/wire"
)

const moduleName = "client"

var clientLogger = logging.GetLogger("client")

// Exit codes returned by cmd/raidpir-client: 0 on
// success, 1 for any argument-validation or runtime failure, 2
// specifically when the requested file is not listed in the manifest.
const (
	ExitOK                = 0
	ExitRetrievalFailure  = 1
	ExitUsageError        = 1
	ExitFileNotInManifest = 2
)

// ErrInsufficientMirrors is returned when fewer than k mirrors answer,
// even after using every backup mirror the vendor listed.
var ErrInsufficientMirrors = xerrors.New(moduleName, 1, "client: insufficient live mirrors to satisfy privacy threshold")

// ErrFileNotInManifest is returned when the requested filename does not
// appear in the manifest's file list.
var ErrFileNotInManifest = xerrors.New(moduleName, 9,"client: requested file not found in manifest")

// VendorConn reaches a vendor to fetch a manifest and mirror list.
type VendorConn struct {
	addr string
}

// NewVendorConn returns a VendorConn that dials addr on demand.
func NewVendorConn(addr string) *VendorConn {
	return &VendorConn{addr: addr}
}

func (v *VendorConn) call(ctx context.Context, body *wire.Body) (*wire.Body, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", v.addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	wc := wire.NewConn(conn, conn)
	if err := wc.Send(body); err != nil {
		return nil, err
	}
	resp, ok, err := wc.Recv()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, xerrors.New(moduleName, 2, "client: vendor closed connection")
	}
	return resp, nil
}

// FetchManifest retrieves and decodes the vendor's current manifest.
func (v *VendorConn) FetchManifest(ctx context.Context) (*manifest.Manifest, error) {
	resp, err := v.call(ctx, &wire.Body{GetManifest: &wire.GetManifest{}})
	if err != nil {
		return nil, err
	}
	if resp.ManifestData == nil {
		return nil, xerrors.New(moduleName, 3, "client: vendor did not return a manifest")
	}
	return manifest.Decode(resp.ManifestData.Data)
}

// FetchMirrorList retrieves the vendor's current live mirror set.
func (v *VendorConn) FetchMirrorList(ctx context.Context) ([]vendorsvc.MirrorInfo, error) {
	resp, err := v.call(ctx, &wire.Body{GetMirrorList: &wire.GetMirrorList{}})
	if err != nil {
		return nil, err
	}
	if resp.MirrorList == nil {
		return nil, xerrors.New(moduleName, 4, "client: vendor did not return a mirror list")
	}
	out := make([]vendorsvc.MirrorInfo, len(resp.MirrorList.Mirrors))
	for i, m := range resp.MirrorList.Mirrors {
		out[i] = vendorsvc.MirrorInfo{Address: m.Address, Port: m.Port}
	}
	return out, nil
}

// Config selects the query strategy a Client uses.
type Config struct {
	Mode  query.Mode
	R     int
	K     int
	Batch bool
}

// Client privately retrieves blocks from a RAID-PIR deployment.
type Client struct {
	cfg      Config
	manifest *manifest.Manifest
	mirrors  []vendorsvc.MirrorInfo
}

// New returns a Client configured against m and the currently known
// mirrors.
func New(cfg Config, m *manifest.Manifest, mirrors []vendorsvc.MirrorInfo) (*Client, error) {
	if len(mirrors) < cfg.K {
		return nil, ErrInsufficientMirrors
	}
	return &Client{cfg: cfg, manifest: m, mirrors: mirrors}, nil
}
