// Command raidpir-mirror serves one datastore's XOR answers to clients,
// and advertises itself to a vendor.
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

	"github.com/raid-pir/raidpir/client"
	"github.com/raid-pir/raidpir/common/logging"
	"github.com/raid-pir/raidpir/datastore"
	"github.com/raid-pir/raidpir/manifest"
	"github.com/raid-pir/raidpir/mirror"
)

const (
	cfgIP               = "ip"
	cfgPort             = "port"
	cfgManifestFile     = "manifest"
	cfgRetrieveManifest = "retrievemanifestfrom"
	cfgDatastoreFile    = "datastore"
	cfgFilesDir         = "files-dir"
	cfgPrecompute       = "precompute"
	cfgVendorIP         = "vendorip"
	cfgAnnounceDelay    = "announcedelay"
	cfgLogFile          = "logfile"
	cfgStartupTimeout   = "startuptimeout"
	// cfgHTTP, cfgHTTPPort and cfgDaemon are accepted for compatibility
	// with deployment tooling but are currently no-ops: this build
	// exposes no HTTP fallback surface and always runs attached to its
	// controlling terminal.
	cfgHTTP     = "http"
	cfgHTTPPort = "httpport"
	cfgDaemon   = "daemon"
)

var (
	mirrorFlags = flag.NewFlagSet("", flag.ContinueOnError)

	rootCmd = &cobra.Command{
		Use:   "raidpir-mirror",
		Short: "serve XOR answers against a RAID-PIR datastore",
		Run:   doMirror,
	}

	logger = logging.GetLogger("cmd/raidpir-mirror")
)

func init() {
	mirrorFlags.String(cfgIP, "0.0.0.0", "listen ip")
	mirrorFlags.Int(cfgPort, 62294, "listen port")
	mirrorFlags.StringP(cfgManifestFile, "m", "manifest.cbor", "path to the CBOR manifest describing the datastore")
	mirrorFlags.String(cfgRetrieveManifest, "", "vendor ip:port to fetch the manifest from instead of --manifest")
	mirrorFlags.StringP(cfgDatastoreFile, "d", "", "path to the consolidated on-disk database container (mmap backend)")
	mirrorFlags.StringP(cfgFilesDir, "f", "", "directory of the manifest's files to load into a RAM-backed datastore (mutually exclusive with -d)")
	mirrorFlags.Bool(cfgPrecompute, false, "build the four-Russians precomputation table")
	mirrorFlags.String(cfgVendorIP, "", "vendor address to advertise to, empty disables advertising")
	mirrorFlags.Duration(cfgAnnounceDelay, 60*time.Second, "interval between MIRRORADVERTISE announcements")
	mirrorFlags.String(cfgLogFile, "", "log file path, empty logs to stderr")
	mirrorFlags.Duration(cfgStartupTimeout, 30*time.Second, "timeout for --retrievemanifestfrom")
	mirrorFlags.Bool(cfgHTTP, false, "accepted for compatibility; currently a no-op")
	mirrorFlags.Int(cfgHTTPPort, 80, "accepted for compatibility; currently a no-op")
	mirrorFlags.Bool(cfgDaemon, false, "accepted for compatibility; currently a no-op")

	rootCmd.Flags().AddFlagSet(mirrorFlags)
	_ = viper.BindPFlags(rootCmd.Flags())
}

func doMirror(cmd *cobra.Command, args []string) {
	if logFile := viper.GetString(cfgLogFile); logFile != "" {
		if err := logging.SetLogFile(logFile); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	if viper.GetString(cfgDatastoreFile) != "" && viper.GetString(cfgFilesDir) != "" {
		logger.Error("-d and -f are mutually exclusive")
		os.Exit(1)
	}

	m, err := loadManifest()
	if err != nil {
		logger.Error("failed to load manifest", "err", err)
		os.Exit(1)
	}

	store, err := openStore(m)
	if err != nil {
		logger.Error("failed to open datastore", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	svc, err := mirror.NewService(store, m)
	if err != nil {
		logger.Error("manifest does not match datastore", "err", err)
		os.Exit(1)
	}

	listen := net.JoinHostPort(viper.GetString(cfgIP), fmt.Sprintf("%d", viper.GetInt(cfgPort)))
	l, err := net.Listen("tcp", listen)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}
	logger.Info("mirror listening", "addr", l.Addr())

	if vendorAddr := viper.GetString(cfgVendorIP); vendorAddr != "" {
		go runAdvertiser(vendorAddr, l.Addr().(*net.TCPAddr))
	}

	if err := svc.Serve(l); err != nil {
		logger.Error("serve failed", "err", err)
		os.Exit(1)
	}
}

// loadManifest reads the manifest from --manifest, or fetches it from a
// vendor when --retrievemanifestfrom names one.
func loadManifest() (*manifest.Manifest, error) {
	if vendorAddr := viper.GetString(cfgRetrieveManifest); vendorAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), viper.GetDuration(cfgStartupTimeout))
		defer cancel()

		vc := client.NewVendorConn(vendorAddr)
		m, err := vc.FetchManifest(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch manifest from %s: %w", vendorAddr, err)
		}
		return m, nil
	}

	raw, err := os.ReadFile(viper.GetString(cfgManifestFile))
	if err != nil {
		return nil, err
	}
	return manifest.Decode(raw)
}

func openStore(m *manifest.Manifest) (datastore.Store, error) {
	if datastoreFile := viper.GetString(cfgDatastoreFile); datastoreFile != "" {
		store, err := datastore.NewMMAP(datastoreFile, m.BlockSize, m.BlockCount, viper.GetBool(cfgPrecompute))
		if err != nil {
			return nil, err
		}
		return store, store.Finalize()
	}

	store, err := datastore.NewRAM(m.BlockSize, m.BlockCount, viper.GetBool(cfgPrecompute))
	if err != nil {
		return nil, err
	}
	if filesDir := viper.GetString(cfgFilesDir); filesDir != "" {
		if err := manifest.PopulateFromFiles(store, m, filesDir); err != nil {
			return nil, err
		}
	}
	return store, store.Finalize()
}

func runAdvertiser(vendorAddr string, listenAddr *net.TCPAddr) {
	fn := mirror.AdvertiseToVendor(vendorAddr, listenAddr.IP.String(), listenAddr.Port)
	adv := mirror.NewAdvertiser(viper.GetDuration(cfgAnnounceDelay), fn)
	adv.Run(context.Background())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
