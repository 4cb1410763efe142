// Command remote-file-reader runs on the device and serves its files to the
// host over the remote file protocol. The port it listens on is printed on
// the first line of standard output.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/common/version"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/grafana/remotesym/pkg/remotefile"
)

func main() {
	var (
		listen  string
		verbose bool
	)
	app := kingpin.New(filepath.Base(os.Args[0]), "Serve device files to remotesym.")
	app.Version(version.Print("remote-file-reader"))
	app.HelpFlag.Short('h')
	app.Flag("listen-address", "Address to listen on. Port 0 picks a free port.").Default("127.0.0.1:0").StringVar(&listen)
	app.Flag("verbose", "Enable verbose logging.").Short('v').BoolVar(&verbose)
	kingpin.MustParse(app.Parse(os.Args[1:]))

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	if !verbose {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer cancel()

	l, err := net.Listen("tcp", listen)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(l.Addr().(*net.TCPAddr).Port)

	if err := remotefile.NewServer(logger).Serve(ctx, l); err != nil {
		level.Error(logger).Log("msg", "serving files failed", "err", err)
		os.Exit(1)
	}
}
