// Package device prepares an Android device for a remote debugging session
// through adb.
package device

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/grafana/remotesym/pkg/util/process"
)

const devicesHeader = "List of devices attached"

// ADB runs adb commands against one device.
type ADB struct {
	logger log.Logger
	path   string
	serial string
}

func NewADB(logger log.Logger, path, serial string) *ADB {
	return &ADB{logger: logger, path: path, serial: serial}
}

func (a *ADB) args(args ...string) []string {
	if a.serial == "" {
		return args
	}
	return append([]string{"-s", a.serial}, args...)
}

// Command builds an adb command. The child is detached from the terminal's
// process group.
func (a *ADB) Command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, a.path, a.args(args...)...)
	process.Detach(cmd)
	return cmd
}

// Background builds an adb command that outlives the context of its caller.
func (a *ADB) Background(args ...string) *exec.Cmd {
	cmd := exec.Command(a.path, a.args(args...)...)
	process.Detach(cmd)
	return cmd
}

// Output runs adb and returns its standard output.
func (a *ADB) Output(ctx context.Context, args ...string) (string, error) {
	cmd := a.Command(ctx, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	level.Debug(a.logger).Log("msg", "running adb", "args", strings.Join(args, " "))
	out, err := cmd.Output()
	if err != nil {
		return "", errors.Wrapf(err, "adb %s: %s", strings.Join(args, " "), strings.TrimSpace(stderr.String()))
	}
	return string(out), nil
}

func (a *ADB) Run(ctx context.Context, args ...string) error {
	_, err := a.Output(ctx, args...)
	return err
}

// CheckDevice verifies that the configured device, or the only connected
// one, is available.
func (a *ADB) CheckDevice(ctx context.Context) error {
	// Not scoped to a serial: the listing covers every device.
	cmd := exec.CommandContext(ctx, a.path, "devices")
	process.Detach(cmd)
	out, err := cmd.Output()
	if err != nil {
		return errors.Wrap(err, "adb devices")
	}
	devices, err := ParseDevices(string(out))
	if err != nil {
		return err
	}
	return CheckDevice(devices, a.serial)
}

// PID returns the pid of the device process whose name is name.
func (a *ADB) PID(ctx context.Context, name string) (int, bool, error) {
	out, err := a.Output(ctx, "shell", "ps -A 2>/dev/null || ps")
	if err != nil {
		return 0, false, err
	}
	pid, ok := ParsePID(out, name)
	return pid, ok, nil
}

func (a *ADB) Kill(ctx context.Context, pid int) error {
	return a.Run(ctx, "shell", "kill", strconv.Itoa(pid))
}

// KillByName kills the device process called name if there is one.
func (a *ADB) KillByName(ctx context.Context, name string) error {
	pid, ok, err := a.PID(ctx, name)
	if err != nil || !ok {
		return err
	}
	level.Info(a.logger).Log("msg", "killing stale process", "name", name, "pid", pid)
	return a.Kill(ctx, pid)
}

// Forward forwards hostPort to devicePort and returns the host port. A zero
// hostPort picks a free one.
func (a *ADB) Forward(ctx context.Context, hostPort, devicePort int) (int, error) {
	if hostPort == 0 {
		p, err := FreePort()
		if err != nil {
			return 0, err
		}
		hostPort = p
	}
	if err := a.Run(ctx, "forward", fmt.Sprintf("tcp:%d", hostPort), fmt.Sprintf("tcp:%d", devicePort)); err != nil {
		return 0, err
	}
	level.Debug(a.logger).Log("msg", "forwarded port", "host", hostPort, "device", devicePort)
	return hostPort, nil
}

func (a *ADB) RemoveForward(ctx context.Context, hostPort int) error {
	return a.Run(ctx, "forward", "--remove", fmt.Sprintf("tcp:%d", hostPort))
}

// ParseDevices parses the output of `adb devices` into serial → state.
func ParseDevices(out string) (map[string]string, error) {
	var lines []string
	for _, l := range strings.Split(out, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	// The header may be preceded by messages about the adb server starting.
	start := -1
	for i, l := range lines {
		if l == devicesHeader {
			start = i + 1
			break
		}
	}
	if start < 0 {
		return nil, fmt.Errorf("unexpected adb devices output: %q", out)
	}
	devices := make(map[string]string)
	for _, l := range lines[start:] {
		fields := strings.Fields(l)
		if len(fields) == 2 {
			devices[fields[0]] = fields[1]
		}
	}
	return devices, nil
}

// CheckDevice checks that serial, or the only device when serial is empty,
// is in the "device" state.
func CheckDevice(devices map[string]string, serial string) error {
	if len(devices) == 0 {
		return errors.New("no devices connected")
	}
	if serial != "" {
		state, ok := devices[serial]
		if !ok {
			return fmt.Errorf("device %s is not connected", serial)
		}
		if state != "device" {
			return fmt.Errorf("cannot connect to device %s, status: %s", serial, state)
		}
		return nil
	}
	if len(devices) > 1 {
		return errors.New("more than one device connected and no device selected")
	}
	for _, state := range devices {
		if state != "device" {
			return fmt.Errorf("connected device is not available, status: %s", state)
		}
	}
	return nil
}

// ParsePID finds the pid of name in the output of ps. The name is the last
// column and the pid the second.
func ParsePID(psOutput, name string) (int, bool) {
	for _, l := range strings.Split(psOutput, "\n") {
		fields := strings.Fields(l)
		if len(fields) < 2 || fields[len(fields)-1] != name {
			continue
		}
		pid, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		return pid, true
	}
	return 0, false
}

// FreePort returns a TCP port nobody listens on at the moment.
func FreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, errors.Wrap(err, "find free port")
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
