package main

import (
	"context"
	"errors"
	"time"

	"github.com/go-kit/log/level"
	"gopkg.in/alecthomas/kingpin.v2"

	remotesymcontext "github.com/grafana/remotesym/pkg/context"
	"github.com/grafana/remotesym/pkg/device"
	"github.com/grafana/remotesym/pkg/gdb"
	"github.com/grafana/remotesym/pkg/session"
	"github.com/grafana/remotesym/pkg/util/atexit"
)

const gdbCloseTimeout = 5 * time.Second

type debugParams struct {
	*storeParams
	device  device.Config
	gdb     gdb.Config
	session session.Config
}

func addDebugParams(cmd *kingpin.CmdClause) *debugParams {
	params := &debugParams{
		storeParams: addStoreParams(cmd),
		device:      device.DefaultConfig(),
		gdb:         gdb.DefaultConfig(),
		session:     session.DefaultConfig(),
	}
	params.device.RegisterFlags(cmd)
	params.gdb.RegisterFlags(cmd)
	params.session.RegisterFlags(cmd)
	return params
}

func debug(ctx context.Context, params *debugParams) (err error) {
	ctx = remotesymcontext.WrapSession(ctx, params.device.Serial)
	logger := remotesymcontext.Logger(ctx)
	reg := remotesymcontext.Registry(ctx)

	if err := params.device.Validate(); err != nil {
		return err
	}
	store, err := params.open(ctx)
	if err != nil {
		return err
	}
	target := device.NewTarget(logger, params.device)

	proc, err := gdb.Launch(logger, params.gdb, output(ctx))
	if err != nil {
		_ = target.Close()
		return err
	}
	closeGDB := func() {
		if err := proc.Close(gdbCloseTimeout); err != nil {
			level.Warn(logger).Log("msg", "failed to stop gdb", "err", err)
		}
	}
	atexit.Register(closeGDB)
	defer closeGDB()

	var opts []session.Option
	var watcher *device.Watcher
	if params.device.WatchLogs {
		watcher = device.NewWatcher(logger, target.ADB())
		if err := watcher.Start(target.ADB()); err != nil {
			level.Warn(logger).Log("msg", "not following the device log", "err", err)
			watcher = nil
		} else {
			opts = append(opts, session.WithWatcher(watcher))
		}
	}

	s, err := session.New(logger, params.session, proc, target, store, reg, opts...)
	if err != nil {
		if watcher != nil {
			watcher.Stop()
		}
		_ = target.Close()
		return err
	}
	if err := s.Start(ctx); err != nil {
		return err
	}

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()
	stop := func() {
		s.Stop()
		<-s.Done()
	}
	atexit.Register(stop)

	sh := newShell(ctx, s, proc.Client())
	atexit.Register(sh.close)
	err = sh.run()
	sh.close()
	stop()
	if rerr := <-runErr; rerr != nil && !errors.Is(rerr, context.Canceled) {
		err = errors.Join(err, rerr)
	}
	return err
}
