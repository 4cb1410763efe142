package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/version"
	"gopkg.in/alecthomas/kingpin.v2"

	remotesymcontext "github.com/grafana/remotesym/pkg/context"
	"github.com/grafana/remotesym/pkg/util/atexit"
)

const envPrefix = "REMOTESYM_"

var cfg struct {
	verbose       bool
	metricsListen string
}

var (
	consoleOutput = os.Stderr
	logger        = log.NewLogfmtLogger(log.NewSyncWriter(consoleOutput))
)

func main() {
	app := kingpin.New(filepath.Base(os.Args[0]), "Attach symbols to native code debugged on a remote Android device.").UsageWriter(os.Stdout)
	app.Version(version.Print("remotesym"))
	app.HelpFlag.Short('h')
	app.Flag("verbose", "Enable verbose logging.").Short('v').Default("0").BoolVar(&cfg.verbose)
	app.Flag("metrics.listen-address", "Address to expose prometheus metrics on, disabled when empty.").Envar(envPrefix + "METRICS_LISTEN_ADDRESS").StringVar(&cfg.metricsListen)

	debugCmd := app.Command("debug", "Attach to the application on the device and start an interactive debugging session.")
	debugParams := addDebugParams(debugCmd)

	signatureCmd := app.Command("signature", "Print the signature and build ID of local binaries.")
	signatureFiles := signatureCmd.Arg("file", "Binary file path").Required().ExistingFiles()

	indexCmd := app.Command("index", "Print the libraries found in build directories by signature.")
	indexParams := addIndexParams(indexCmd)

	fetchCmd := app.Command("fetch", "Download symbols for signatures from the cloud into the symbol cache.")
	fetchParams := addFetchParams(fetchCmd)

	cacheCmd := app.Command("cache", "Operate on the local symbol cache.")
	cacheListCmd := cacheCmd.Command("list", "List the symbol files in the cache.")
	cacheListParams := addCacheParams(cacheListCmd)

	// parse command line arguments
	parsedCmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	// enable verbose logging if requested
	if !cfg.verbose {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	reg := prometheus.NewRegistry()
	ctx := remotesymcontext.WithLogger(context.Background(), logger)
	ctx = remotesymcontext.WithRegistry(ctx, reg)
	ctx = withOutput(ctx, os.Stdout)

	if cfg.metricsListen != "" {
		stop, err := serveMetrics(ctx, cfg.metricsListen, reg)
		if err != nil {
			os.Exit(checkError(err))
		}
		atexit.Register(stop)
	}

	var err error
	switch parsedCmd {
	case debugCmd.FullCommand():
		err = debug(ctx, debugParams)
	case signatureCmd.FullCommand():
		for _, file := range *signatureFiles {
			if err = printSignature(ctx, file); err != nil {
				break
			}
		}
	case indexCmd.FullCommand():
		err = index(ctx, indexParams)
	case fetchCmd.FullCommand():
		err = fetch(ctx, fetchParams)
	case cacheListCmd.FullCommand():
		err = cacheList(ctx, cacheListParams)
	default:
		level.Error(logger).Log("msg", "unknown command", "cmd", parsedCmd)
	}
	atexit.Run()
	os.Exit(checkError(err))
}

func checkError(err error) int {
	switch err {
	case nil:
		return 0
	default:
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	return 1
}

type contextKey uint8

const (
	contextKeyOutput contextKey = iota
)

func withOutput(ctx context.Context, w io.Writer) context.Context {
	return context.WithValue(ctx, contextKeyOutput, w)
}

func output(ctx context.Context) io.Writer {
	if w, ok := ctx.Value(contextKeyOutput).(io.Writer); ok {
		return w
	}
	return os.Stdout
}
