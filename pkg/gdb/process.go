package gdb

import (
	"io"
	"os/exec"
	"sync"
	"time"

	mi "github.com/cyrus-and/gdb"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// Process is a gdb child process driven through its machine interface.
type Process struct {
	*Debugger

	logger log.Logger
	gdb    *mi.Gdb

	closeOnce sync.Once
	closeErr  error
}

// Launch starts gdb. Console output not tied to a command goes to console.
func Launch(logger log.Logger, cfg Config, console io.Writer) (*Process, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client := NewClient(log.With(logger, "component", "gdb"))
	client.SetConsole(console)
	g, err := mi.NewCmd([]string{cfg.Path, "--quiet", "--interpreter=mi2"}, client.Notify)
	if err != nil {
		return nil, errors.Wrapf(err, "start %s", cfg.Path)
	}
	client.Attach(g)
	level.Debug(logger).Log("msg", "gdb started", "path", cfg.Path)

	return &Process{
		Debugger: NewDebugger(logger, cfg, client),
		logger:   logger,
		gdb:      g,
	}, nil
}

// Close asks gdb to exit and waits up to timeout for it. Commands still in
// flight fail with ErrExited.
func (p *Process) Close(timeout time.Duration) error {
	p.closeOnce.Do(func() { p.closeErr = p.close(timeout) })
	return p.closeErr
}

func (p *Process) close(timeout time.Duration) error {
	p.client.Close()

	done := make(chan error, 1)
	go func() { done <- p.gdb.Exit() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil
		}
		return err
	case <-timer.C:
		level.Warn(p.logger).Log("msg", "gdb did not exit, interrupting it")
		_ = p.gdb.Interrupt()
		return errors.Errorf("gdb did not exit within %s", timeout)
	}
}
