package mirror

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/raid-pir/raidpir/common/logging"
)

var advertiserLogger = logging.GetLogger("mirror/advertiser")

// AdvertiseFunc sends one MIRRORADVERTISE message to the vendor.
type AdvertiseFunc func(ctx context.Context) error

// Advertiser periodically calls AdvertiseFunc, retrying transient failures
// with exponential backoff before falling back to the steady interval:
// mirrors re-advertise themselves to the vendor on a fixed period so the
// vendor's liveness sweep never expires them.
type Advertiser struct {
	interval  time.Duration
	advertise AdvertiseFunc

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewAdvertiser returns an Advertiser that calls advertise roughly every
// interval, until Stop is called.
func NewAdvertiser(interval time.Duration, advertise AdvertiseFunc) *Advertiser {
	return &Advertiser{
		interval:  interval,
		advertise: advertise,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Run blocks, advertising on the configured interval, until Stop is called.
func (a *Advertiser) Run(ctx context.Context) {
	defer close(a.doneCh)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.tryAdvertise(ctx)
	for {
		select {
		case <-ticker.C:
			a.tryAdvertise(ctx)
		case <-a.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (a *Advertiser) tryAdvertise(ctx context.Context) {
	b := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	op := func() error {
		return a.advertise(ctx)
	}
	if err := backoff.Retry(op, backoff.WithMaxRetries(b, 3)); err != nil {
		advertiserLogger.Warn("failed to advertise after retries", "err", err)
	}
}

// Stop halts the advertiser and waits for Run to return.
func (a *Advertiser) Stop() {
	close(a.stopCh)
	<-a.doneCh
}
