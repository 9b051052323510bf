// Command raidpir-client privately retrieves files from a RAID-PIR
// deployment. Exit codes follow client.ExitOK, client.ExitRetrievalFailure
// and client.ExitFileNotInManifest.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/raid-pir/raidpir/client"
	"github.com/raid-pir/raidpir/common/logging"
	"github.com/raid-pir/raidpir/manifest"
	"github.com/raid-pir/raidpir/query"
)

const (
	cfgRetrieveManifest = "retrievemanifestfrom"
	cfgManifestFile     = "manifest"
	cfgK                = "k"
	cfgR                = "r"
	cfgRNG              = "rng"
	cfgParallel         = "parallel"
	cfgBatch            = "batch"
	cfgVendorIP         = "vendorip"
	cfgPrintFileNames   = "printfilenames"
	cfgTimeout          = "timeout"
)

var (
	clientFlags = flag.NewFlagSet("", flag.ContinueOnError)

	rootCmd = &cobra.Command{
		Use:   "raidpir-client [filename ...]",
		Short: "privately retrieve files from a RAID-PIR deployment",
		Run:   doRetrieve,
	}

	logger = logging.GetLogger("cmd/raidpir-client")
)

func init() {
	clientFlags.String(cfgRetrieveManifest, "", "vendor ip:port to fetch the manifest from instead of --manifest")
	clientFlags.StringP(cfgManifestFile, "m", "", "path to the CBOR manifest file")
	clientFlags.IntP(cfgK, "k", 2, "privacy threshold: number of mirrors to query")
	clientFlags.IntP(cfgR, "r", 0, "redundancy factor: number of chunks each mirror covers (0 selects plain Chor mode)")
	clientFlags.BoolP(cfgRNG, "R", false, "derive secondary chunks from an AES-128-CTR seed instead of sending them explicitly (requires -r)")
	clientFlags.BoolP(cfgParallel, "p", false, "answer one block per chunk per round trip (requires -r = -k, implies --rng)")
	clientFlags.Bool(cfgBatch, false, "request batch-mode answers from mirrors")
	clientFlags.String(cfgVendorIP, "", "vendor address override; defaults to the manifest's vendor host")
	clientFlags.Bool(cfgPrintFileNames, false, "print the manifest's file names and exit, without retrieving anything")
	clientFlags.Duration(cfgTimeout, 30*time.Second, "overall retrieval timeout")

	rootCmd.Flags().AddFlagSet(clientFlags)
	_ = viper.BindPFlags(rootCmd.Flags())
}

func usageError(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(client.ExitUsageError)
}

func doRetrieve(cmd *cobra.Command, args []string) {
	printFileNames := viper.GetBool(cfgPrintFileNames)
	if len(args) == 0 && !printFileNames {
		usageError("no filenames given; pass --printfilenames to list the manifest's files")
	}

	k := viper.GetInt(cfgK)
	r := viper.GetInt(cfgR)
	rng := viper.GetBool(cfgRNG)
	parallel := viper.GetBool(cfgParallel)

	if k < 2 {
		usageError("-k must be at least 2")
	}
	if (rng || parallel) && r < 2 {
		usageError("-R and -p require -r >= 2")
	}
	if r > k {
		usageError("-r cannot exceed -k")
	}
	if parallel && r != k {
		usageError("-p requires -r = -k")
	}

	ctx, cancel := context.WithTimeout(context.Background(), viper.GetDuration(cfgTimeout))
	defer cancel()

	m, err := loadManifest(ctx)
	if err != nil {
		logger.Error("failed to load manifest", "err", err)
		os.Exit(client.ExitRetrievalFailure)
	}

	if printFileNames {
		for _, f := range m.Files {
			fmt.Println(f.Name)
		}
		if len(args) == 0 {
			os.Exit(client.ExitOK)
		}
	}

	vendorHost := viper.GetString(cfgVendorIP)
	if vendorHost == "" {
		vendorHost = m.VendorHost
	}
	vc := client.NewVendorConn(net.JoinHostPort(vendorHost, strconv.Itoa(m.VendorPort)))

	mirrors, err := vc.FetchMirrorList(ctx)
	if err != nil {
		logger.Error("failed to fetch mirror list", "err", err)
		os.Exit(client.ExitRetrievalFailure)
	}

	mode := query.ModeChor
	switch {
	case parallel:
		mode = query.ModeChunkedRNGParallel
	case rng:
		mode = query.ModeChunkedRNG
	case r >= 2:
		mode = query.ModeChunked
	}

	cl, err := client.New(client.Config{
		Mode:  mode,
		R:     r,
		K:     k,
		Batch: viper.GetBool(cfgBatch),
	}, m, mirrors)
	if err != nil {
		logger.Error("failed to configure client", "err", err)
		os.Exit(client.ExitRetrievalFailure)
	}

	for _, fileName := range args {
		data, err := retrieveFile(ctx, cl, m, fileName, mode)
		if err != nil {
			logger.Error("retrieval failed", "file", fileName, "err", err)
			if errors.Is(err, client.ErrFileNotInManifest) {
				os.Exit(client.ExitFileNotInManifest)
			}
			os.Exit(client.ExitRetrievalFailure)
		}
		if err := os.WriteFile(fileName, data, 0o644); err != nil {
			logger.Error("failed to write output", "file", fileName, "err", err)
			os.Exit(client.ExitRetrievalFailure)
		}
		logger.Info("retrieved file", "file", fileName, "bytes", len(data))
	}

	os.Exit(client.ExitOK)
}

// loadManifest fetches the manifest from a vendor when
// --retrievemanifestfrom names one, or reads it from --manifest otherwise.
func loadManifest(ctx context.Context) (*manifest.Manifest, error) {
	if vendorAddr := viper.GetString(cfgRetrieveManifest); vendorAddr != "" {
		vc := client.NewVendorConn(vendorAddr)
		m, err := vc.FetchManifest(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch manifest from %s: %w", vendorAddr, err)
		}
		return m, nil
	}

	path := viper.GetString(cfgManifestFile)
	if path == "" {
		usageError("one of --manifest or --retrievemanifestfrom is required")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return manifest.Decode(raw)
}

// fileBlockSpan returns the datastore block indices a file's bytes occupy
// under m's layout, plus the file's byte offset within the first of those
// blocks (always zero for the block-aligned eqdist layout; possibly
// nonzero for nogaps, which packs files back to back).
func fileBlockSpan(m *manifest.Manifest, f *manifest.FileInfo) (indices []int64, skip int64) {
	if m.EffectiveLayout() == manifest.LayoutEqDist {
		indices = make([]int64, len(f.BlockOffsets))
		for i, off := range f.BlockOffsets {
			indices[i] = off / m.BlockSize
		}
		return indices, 0
	}

	first := f.Offset / m.BlockSize
	end := f.Offset + f.Length
	last := (end + m.BlockSize - 1) / m.BlockSize
	indices = make([]int64, 0, last-first)
	for i := first; i < last; i++ {
		indices = append(indices, i)
	}
	return indices, f.Offset % m.BlockSize
}

func retrieveFile(ctx context.Context, cl *client.Client, m *manifest.Manifest, fileName string, mode query.Mode) ([]byte, error) {
	var file *manifest.FileInfo
	for i := range m.Files {
		if m.Files[i].Name == fileName {
			file = &m.Files[i]
			break
		}
	}
	if file == nil {
		return nil, client.ErrFileNotInManifest
	}

	indices, skip := fileBlockSpan(m, file)

	var blocks [][]byte
	if mode == query.ModeChunkedRNGParallel {
		fetched, err := cl.RetrieveBlocksParallel(ctx, indices)
		if err != nil {
			return nil, err
		}
		blocks = make([][]byte, len(indices))
		for i, idx := range indices {
			blocks[i] = fetched[idx]
		}
	} else {
		blocks = make([][]byte, 0, len(indices))
		for _, idx := range indices {
			block, err := cl.RetrieveBlock(ctx, idx)
			if err != nil {
				return nil, err
			}
			blocks = append(blocks, block)
		}
	}

	data := query.AssembleFile(blocks, skip+file.Length)
	return data[skip:], nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(client.ExitUsageError)
	}
}
