package vendorsvc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/raid-pir/raidpir/datastore"
	"github.com/raid-pir/raidpir/manifest"
	"github.com/raid-pir/raidpir/wire"
)

func TestRegistryAdvertiseAndList(t *testing.T) {
	r := NewRegistry(time.Minute)
	r.Advertise(MirrorInfo{Address: "10.0.0.1", Port: 9001})
	r.Advertise(MirrorInfo{Address: "10.0.0.2", Port: 9002})

	mirrors := r.List()
	require.Len(t, mirrors, 2)
}

func TestRegistryExpiresStaleEntries(t *testing.T) {
	r := NewRegistry(time.Millisecond)
	r.Advertise(MirrorInfo{Address: "10.0.0.1", Port: 9001})

	time.Sleep(5 * time.Millisecond)
	mirrors := r.List()
	require.Empty(t, mirrors)
}

func TestRegistryReadvertiseReplacesEntry(t *testing.T) {
	r := NewRegistry(time.Minute)
	info := MirrorInfo{Address: "10.0.0.1", Port: 9001}
	r.Advertise(info)
	r.Advertise(info)

	require.Len(t, r.List(), 1)
}

// TestRegistrySubscribeSeesMutations exercises the mutation stream
// Service.Watch consumes: one event per advertisement and one per expiry,
// each carrying the registry size after the mutation.
func TestRegistrySubscribeSeesMutations(t *testing.T) {
	r := NewRegistry(time.Millisecond)
	sub := r.Subscribe()
	defer sub.Close()

	r.Advertise(MirrorInfo{Address: "10.0.0.1", Port: 9001})
	ev := (<-sub.Out()).(Event)
	require.Equal(t, "10.0.0.1:9001", ev.Key)
	require.False(t, ev.Removed)
	require.Equal(t, 1, ev.Size)

	time.Sleep(5 * time.Millisecond)
	require.Empty(t, r.List())

	ev = (<-sub.Out()).(Event)
	require.Equal(t, "10.0.0.1:9001", ev.Key)
	require.True(t, ev.Removed)
	require.Equal(t, 0, ev.Size)
}

// TestServiceWatchDrainsSubscription runs the watcher against a live
// registry and checks it exits cleanly on context cancellation after
// consuming mutation events.
func TestServiceWatchDrainsSubscription(t *testing.T) {
	r := NewRegistry(time.Minute)
	svc := NewService(r, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Watch(ctx)
		close(done)
	}()

	r.Advertise(MirrorInfo{Address: "10.0.0.1", Port: 9001})
	r.Advertise(MirrorInfo{Address: "10.0.0.2", Port: 9002})

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not exit on context cancellation")
	}
}

func buildManifestAndStore(t *testing.T) (*manifest.Manifest, datastore.Store) {
	t.Helper()
	store, err := datastore.NewRAM(64, 2, false)
	require.NoError(t, err)
	require.NoError(t, store.SetData(0, make([]byte, 128)))
	require.NoError(t, store.Finalize())

	zero, err := store.GetData(0, 64)
	require.NoError(t, err)

	m := &manifest.Manifest{
		Version:       1,
		HashAlgorithm: "noop",
		BlockSize:     64,
		BlockCount:    2,
		Files:         []manifest.FileInfo{{Name: "f", Length: 128}},
		BlockHashes:   [][]byte{zero, zero},
	}
	return m, store
}

func TestServiceHandleGetManifest(t *testing.T) {
	m, store := buildManifestAndStore(t)
	defer store.Close()

	svc := NewService(NewRegistry(time.Minute), m)
	resp, err := svc.Handle(context.Background(), &wire.Body{GetManifest: &wire.GetManifest{}})
	require.NoError(t, err)
	require.NotNil(t, resp.ManifestData)

	got, err := manifest.Decode(resp.ManifestData.Data)
	require.NoError(t, err)
	require.Equal(t, m.BlockCount, got.BlockCount)
}

func TestServiceHandleAdvertiseThenGetMirrorList(t *testing.T) {
	svc := NewService(NewRegistry(time.Minute), nil)

	_, err := svc.Handle(context.Background(), &wire.Body{Advertise: &wire.Advertise{Address: "1.2.3.4", Port: 9000}})
	require.NoError(t, err)

	resp, err := svc.Handle(context.Background(), &wire.Body{GetMirrorList: &wire.GetMirrorList{}})
	require.NoError(t, err)
	require.Len(t, resp.MirrorList.Mirrors, 1)
	require.Equal(t, "1.2.3.4", resp.MirrorList.Mirrors[0].Address)
}

func TestServiceHandleGetManifestWithoutOneErrors(t *testing.T) {
	svc := NewService(NewRegistry(time.Minute), nil)
	_, err := svc.Handle(context.Background(), &wire.Body{GetManifest: &wire.GetManifest{}})
	require.ErrorIs(t, err, ErrNoManifest)
}

func TestServiceHandleAdvertiseRejectsOversizedPayload(t *testing.T) {
	svc := NewService(NewRegistry(time.Minute), nil)
	svc.MaxMirrorInfoSize = 8

	ctx := WithPayloadSize(context.Background(), 9)
	_, err := svc.Handle(ctx, &wire.Body{Advertise: &wire.Advertise{Address: "1.2.3.4", Port: 9000}})
	require.ErrorIs(t, err, ErrAdvertiseTooLarge)
}

func TestServiceHandleAdvertiseRejectsMalformedPayload(t *testing.T) {
	svc := NewService(NewRegistry(time.Minute), nil)

	_, err := svc.Handle(context.Background(), &wire.Body{Advertise: &wire.Advertise{Address: "", Port: 9000}})
	require.ErrorIs(t, err, ErrAdvertiseMalformed)

	_, err = svc.Handle(context.Background(), &wire.Body{Advertise: &wire.Advertise{Address: "1.2.3.4", Port: 0}})
	require.ErrorIs(t, err, ErrAdvertiseMalformed)
}

func TestServiceHandleAdvertiseChecksMirrorIP(t *testing.T) {
	svc := NewService(NewRegistry(time.Minute), nil)
	svc.CheckMirrorIP = true

	ctx := WithPeerAddress(context.Background(), "5.6.7.8")
	_, err := svc.Handle(ctx, &wire.Body{Advertise: &wire.Advertise{Address: "1.2.3.4", Port: 9000}})
	require.ErrorIs(t, err, ErrAdvertiseIPMismatch)

	ctx = WithPeerAddress(context.Background(), "1.2.3.4")
	_, err = svc.Handle(ctx, &wire.Body{Advertise: &wire.Advertise{Address: "1.2.3.4", Port: 9000}})
	require.NoError(t, err)
}
