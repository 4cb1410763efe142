package device

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// Endpoints are the host addresses of the services prepared on the device.
type Endpoints struct {
	DebugServer string
	FileService string
}

// Target attaches a debug server to the application process on the device
// and starts the remote file companion next to it.
type Target struct {
	logger log.Logger
	cfg    Config
	adb    *ADB

	mu       sync.Mutex
	procs    []*exec.Cmd
	forwards []int
}

func NewTarget(logger log.Logger, cfg Config) *Target {
	logger = log.With(logger, "component", "device")
	return &Target{
		logger: logger,
		cfg:    cfg,
		adb:    NewADB(logger, cfg.ADBPath, cfg.Serial),
	}
}

func (t *Target) ADB() *ADB { return t.adb }

// Prepare makes the debug server and the companion reachable from the host.
// Stale instances left by an earlier session are killed first.
func (t *Target) Prepare(ctx context.Context) (Endpoints, error) {
	if err := t.cfg.Validate(); err != nil {
		return Endpoints{}, err
	}
	if err := t.adb.CheckDevice(ctx); err != nil {
		return Endpoints{}, err
	}

	if err := t.adb.KillByName(ctx, "gdbserver"); err != nil {
		return Endpoints{}, errors.Wrap(err, "kill stale gdbserver")
	}
	pid, ok, err := t.adb.PID(ctx, t.cfg.PackageName)
	if err != nil {
		return Endpoints{}, err
	}
	if !ok {
		return Endpoints{}, fmt.Errorf("unable to find a running %s", t.cfg.PackageName)
	}
	level.Info(t.logger).Log("msg", "attaching to process", "package", t.cfg.PackageName, "pid", pid)

	debugPort, err := t.forward(ctx, t.cfg.GDBServerPort, t.cfg.GDBServerPort)
	if err != nil {
		return Endpoints{}, err
	}
	gdbserver := t.adb.Background("shell", t.cfg.GDBServerPath, "--attach", fmt.Sprintf(":%d", t.cfg.GDBServerPort), strconv.Itoa(pid))
	if err := t.start(gdbserver); err != nil {
		return Endpoints{}, errors.Wrap(err, "start gdbserver")
	}

	if err := t.adb.KillByName(ctx, t.cfg.CompanionPath); err != nil {
		return Endpoints{}, errors.Wrap(err, "kill stale remote file reader")
	}
	devicePort, err := t.startCompanion(ctx)
	if err != nil {
		return Endpoints{}, err
	}
	filePort, err := t.forward(ctx, t.cfg.FileServicePort, devicePort)
	if err != nil {
		return Endpoints{}, err
	}

	return Endpoints{
		DebugServer: fmt.Sprintf("localhost:%d", debugPort),
		FileService: fmt.Sprintf("127.0.0.1:%d", filePort),
	}, nil
}

func (t *Target) forward(ctx context.Context, hostPort, devicePort int) (int, error) {
	p, err := t.adb.Forward(ctx, hostPort, devicePort)
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	t.forwards = append(t.forwards, p)
	t.mu.Unlock()
	return p, nil
}

func (t *Target) start(cmd *exec.Cmd) error {
	if err := cmd.Start(); err != nil {
		return err
	}
	t.mu.Lock()
	t.procs = append(t.procs, cmd)
	t.mu.Unlock()
	return nil
}

// startCompanion runs the remote file reader and returns the device port it
// announces on its first line of output.
func (t *Target) startCompanion(ctx context.Context) (int, error) {
	cmd := t.adb.Background("shell", t.cfg.CompanionPath)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, err
	}
	if err := t.start(cmd); err != nil {
		return 0, errors.Wrap(err, "start remote file reader")
	}

	type result struct {
		port int
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		br := bufio.NewReader(stdout)
		line, err := br.ReadString('\n')
		if err != nil && line == "" {
			ch <- result{err: errors.Wrap(err, "read remote file reader port")}
			return
		}
		port, err := ParsePort(line)
		ch <- result{port: port, err: err}
		// Keep the pipe drained until the process goes away.
		_, _ = io.Copy(io.Discard, br)
	}()

	select {
	case r := <-ch:
		if r.err == nil {
			level.Info(t.logger).Log("msg", "remote file reader started", "device_port", r.port)
		}
		return r.port, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// ParsePort parses the port announced by the companion.
func ParsePort(line string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("unexpected remote file reader output: %q", line)
	}
	return port, nil
}

// Close stops the processes started by Prepare and removes the port
// forwards.
func (t *Target) Close() error {
	t.mu.Lock()
	procs, forwards := t.procs, t.forwards
	t.procs, t.forwards = nil, nil
	t.mu.Unlock()

	var errs []error
	for _, p := range procs {
		if p.Process == nil {
			continue
		}
		_ = p.Process.Kill()
		_ = p.Wait()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if len(procs) > 0 {
		// Killing adb does not reach the process on the device.
		if err := t.adb.KillByName(ctx, t.cfg.CompanionPath); err != nil {
			errs = append(errs, err)
		}
	}
	for _, port := range forwards {
		if err := t.adb.RemoveForward(ctx, port); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("tear down device: %v", errs)
	}
	return nil
}
