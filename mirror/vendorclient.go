package mirror

import (
	"context"
	"net"

	"github.com/raid-pir/raidpir/wire"
)

// AdvertiseToVendor dials vendorAddr and sends one Advertise message
// announcing this mirror's own listenAddr/listenPort, returning once the
// vendor has acknowledged it. It is the AdvertiseFunc an Advertiser calls
// on each tick.
func AdvertiseToVendor(vendorAddr, listenAddr string, listenPort int) AdvertiseFunc {
	return func(ctx context.Context) error {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", vendorAddr)
		if err != nil {
			return err
		}
		defer conn.Close()

		wc := wire.NewConn(conn, conn)
		if err := wc.Send(&wire.Body{Advertise: &wire.Advertise{Address: listenAddr, Port: listenPort}}); err != nil {
			return err
		}

		_, _, err = wc.Recv()
		return err
	}
}
