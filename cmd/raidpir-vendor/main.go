// Command raidpir-vendor runs the vendor service: it serves the current
// manifest and mirror registry to clients and mirrors.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/raid-pir/raidpir/common/codec"
	"github.com/raid-pir/raidpir/common/logging"
	"github.com/raid-pir/raidpir/manifest"
	"github.com/raid-pir/raidpir/vendorsvc"
	"github.com/raid-pir/raidpir/wire"
)

const (
	cfgIP            = "ip"
	cfgPort          = "port"
	cfgManifestFile  = "manifest"
	cfgLogFile       = "logfile"
	cfgMaxMirrorInfo = "maxmirrorinfo"
	cfgMirrorExpiry  = "mirrorexpirytime"
	cfgCheckMirrorIP = "checkmirrorip"
)

// cfgDaemon is accepted for compatibility with deployment tooling but is
// currently a no-op: this build always runs in the foreground.
const cfgDaemon = "daemon"

var (
	vendorFlags = flag.NewFlagSet("", flag.ContinueOnError)

	rootCmd = &cobra.Command{
		Use:   "raidpir-vendor",
		Short: "serve a RAID-PIR manifest and mirror registry",
		Run:   doVendor,
	}

	logger = logging.GetLogger("cmd/raidpir-vendor")
)

func init() {
	vendorFlags.String(cfgIP, "0.0.0.0", "listen ip")
	vendorFlags.Int(cfgPort, 62293, "listen port")
	vendorFlags.String(cfgManifestFile, "manifest.cbor", "path to the CBOR manifest to serve")
	vendorFlags.String(cfgLogFile, "", "log file path, empty logs to stderr")
	vendorFlags.Int(cfgMaxMirrorInfo, 10*1024, "maximum accepted MIRRORADVERTISE payload size in bytes")
	vendorFlags.Duration(cfgMirrorExpiry, 300*time.Second, "mirror liveness timeout")
	vendorFlags.Bool(cfgCheckMirrorIP, false, "require an advertised ip to match the connecting peer's address")
	vendorFlags.Bool(cfgDaemon, false, "accepted for compatibility; currently a no-op")

	rootCmd.Flags().AddFlagSet(vendorFlags)
	_ = viper.BindPFlags(rootCmd.Flags())
}

func doVendor(cmd *cobra.Command, args []string) {
	if logFile := viper.GetString(cfgLogFile); logFile != "" {
		if err := logging.SetLogFile(logFile); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	manifestFile := viper.GetString(cfgManifestFile)
	timeout := viper.GetDuration(cfgMirrorExpiry)

	raw, err := os.ReadFile(manifestFile)
	if err != nil {
		logger.Error("failed to read manifest", "err", err)
		os.Exit(1)
	}

	m, err := manifest.Decode(raw)
	if err != nil {
		logger.Error("failed to decode manifest", "err", err)
		os.Exit(1)
	}

	registry := vendorsvc.NewRegistry(timeout)
	svc := vendorsvc.NewService(registry, m)
	svc.MaxMirrorInfoSize = viper.GetInt(cfgMaxMirrorInfo)
	svc.CheckMirrorIP = viper.GetBool(cfgCheckMirrorIP)

	go svc.Watch(context.Background())

	listen := net.JoinHostPort(viper.GetString(cfgIP), fmt.Sprintf("%d", viper.GetInt(cfgPort)))
	l, err := net.Listen("tcp", listen)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}
	logger.Info("vendor listening", "addr", listen)

	for {
		conn, err := l.Accept()
		if err != nil {
			logger.Error("accept failed", "err", err)
			return
		}
		go serveOneConn(svc, conn)
	}
}

func serveOneConn(svc *vendorsvc.Service, conn net.Conn) {
	defer conn.Close()

	payload, ok, err := codec.ReadFrame(conn)
	if err != nil || !ok {
		return
	}

	var body wire.Body
	if err := codec.Unmarshal(payload, &body); err != nil {
		return
	}

	ctx := vendorsvc.WithPayloadSize(context.Background(), len(payload))
	if host, _, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil {
		ctx = vendorsvc.WithPeerAddress(ctx, host)
	}

	resp, err := svc.Handle(ctx, &body)
	if err != nil {
		resp = &wire.Body{Error: &wire.Error{Message: err.Error()}}
	}

	wc := wire.NewConn(conn, conn)
	_ = wc.Send(resp)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
