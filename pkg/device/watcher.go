package device

import (
	"bufio"
	"context"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/regexp"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

var (
	observatoryRe = regexp.MustCompile(`Observatory listening on http://127\.0\.0\.1:(\d+)`)
	cachingAppRe  = regexp.MustCompile(`Caching mojo app (\S+?)(?:\?\S+)? at (\S+)`)
)

// Forwarder forwards host ports to device ports.
type Forwarder interface {
	Forward(ctx context.Context, hostPort, devicePort int) (int, error)
	RemoveForward(ctx context.Context, hostPort int) error
}

// Watcher follows the device log. It forwards every observatory port it sees
// to a free host port, once, and records the libraries the application
// reports caching so they can be resolved before a stack reaches them.
type Watcher struct {
	logger log.Logger
	fwd    Forwarder

	mu        sync.Mutex
	forwarded map[int]int
	announced map[string]string

	started *atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewWatcher(logger log.Logger, fwd Forwarder) *Watcher {
	return &Watcher{
		logger:    log.With(logger, "component", "log-watcher"),
		fwd:       fwd,
		forwarded: make(map[int]int),
		announced: make(map[string]string),
		started:   atomic.NewBool(false),
		done:      make(chan struct{}),
	}
}

// Start runs `adb logcat` and consumes its output in the background until
// Stop is called.
func (w *Watcher) Start(a *ADB) error {
	if !w.started.CompareAndSwap(false, true) {
		return errors.New("watcher already started")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cmd := a.Command(ctx, "logcat")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return errors.Wrap(err, "start logcat")
	}
	w.cancel = cancel
	go func() {
		defer close(w.done)
		w.consume(ctx, stdout)
		_ = cmd.Wait()
	}()
	return nil
}

// Stop terminates the log reader, waits for it to finish and removes the
// forwards it created.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	w.removeForwards(ctx)
}

func (w *Watcher) removeForwards(ctx context.Context) {
	w.mu.Lock()
	ports := make([]int, 0, len(w.forwarded))
	for devicePort, hostPort := range w.forwarded {
		if hostPort != 0 {
			ports = append(ports, hostPort)
		}
		delete(w.forwarded, devicePort)
	}
	w.mu.Unlock()

	sort.Ints(ports)
	for _, p := range ports {
		if err := w.fwd.RemoveForward(ctx, p); err != nil {
			level.Warn(w.logger).Log("msg", "failed to remove observatory forward", "host_port", p, "err", err)
		}
	}
}

func (w *Watcher) consume(ctx context.Context, r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	for sc.Scan() {
		w.handleLine(ctx, sc.Text())
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		level.Warn(w.logger).Log("msg", "log reader stopped", "err", err)
	}
}

func (w *Watcher) handleLine(ctx context.Context, line string) {
	if m := observatoryRe.FindStringSubmatch(line); m != nil {
		port, err := strconv.Atoi(m[1])
		if err == nil {
			w.forwardObservatory(ctx, port)
		}
		return
	}
	if m := cachingAppRe.FindStringSubmatch(line); m != nil {
		w.announce(m[1], m[2])
	}
}

func (w *Watcher) forwardObservatory(ctx context.Context, devicePort int) {
	w.mu.Lock()
	if _, ok := w.forwarded[devicePort]; ok {
		w.mu.Unlock()
		return
	}
	// Reserved while forwarding so a repeated line does not forward twice.
	w.forwarded[devicePort] = 0
	w.mu.Unlock()

	hostPort, err := w.fwd.Forward(ctx, 0, devicePort)
	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		delete(w.forwarded, devicePort)
		level.Warn(w.logger).Log("msg", "failed to forward observatory port", "device_port", devicePort, "err", err)
		return
	}
	w.forwarded[devicePort] = hostPort
	level.Info(w.logger).Log("msg", "dart observatory available", "url", "http://127.0.0.1:"+strconv.Itoa(hostPort))
}

func (w *Watcher) announce(url, p string) {
	p = path.Clean(p)
	name := symbolFileName(url)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.announced[p] = name
	if rest, ok := strings.CutPrefix(p, "/data/user/0/"); ok {
		w.announced["/data/data/"+rest] = name
	}
	level.Debug(w.logger).Log("msg", "library announced", "path", p, "library", name)
}

// symbolFileName is the name of the unstripped library built for an app
// downloaded from url, e.g. https://host/tracing.mojo -> libtracing_library.so.
func symbolFileName(url string) string {
	base := url
	if i := strings.LastIndexByte(url, '/'); i >= 0 {
		base = url[i+1:]
	}
	name, ok := strings.CutSuffix(base, ".mojo")
	if !ok {
		return base
	}
	return "lib" + name + "_library.so"
}

// Announcements maps announced device paths to library file names.
func (w *Watcher) Announcements() map[string]string {
	w.mu.Lock()
	defer w.mu.Unlock()
	res := make(map[string]string, len(w.announced))
	for k, v := range w.announced {
		res[k] = v
	}
	return res
}

// ForwardedPorts maps device observatory ports to host ports.
func (w *Watcher) ForwardedPorts() map[int]int {
	w.mu.Lock()
	defer w.mu.Unlock()
	res := make(map[int]int, len(w.forwarded))
	for k, v := range w.forwarded {
		if v != 0 {
			res[k] = v
		}
	}
	return res
}
