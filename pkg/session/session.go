// Package session drives symbol resolution for a live debugging session of a
// process on a remote device.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/grafana/remotesym/pkg/device"
	"github.com/grafana/remotesym/pkg/library"
	"github.com/grafana/remotesym/pkg/remotefile"
	"github.com/grafana/remotesym/pkg/resolver"
	"github.com/grafana/remotesym/pkg/symstore"
)

var ErrClosed = errors.New("debug session closed")

// Option configures optional collaborators of a Session.
type Option func(*Session)

// WithRemoteFiles replaces how the remote file service is reached once the
// device endpoints are known.
func WithRemoteFiles(fn func(address string) RemoteFiles) Option {
	return func(s *Session) { s.newFiles = fn }
}

// WithWatcher makes the session pre-map libraries announced on the device log
// and stop the watcher at teardown.
func WithWatcher(w Watcher) Option {
	return func(s *Session) { s.watcher = w }
}

type updateRequest struct {
	all   bool
	reply chan error
}

// Session owns everything needed to resolve symbols for one debugged process.
// All resolution runs on the goroutine calling Run; debugger notifications
// and user requests are queued to it.
type Session struct {
	logger   log.Logger
	cfg      Config
	reg      prometheus.Registerer
	metrics  *metrics
	debugger Debugger
	target   Target
	store    *symstore.Store
	watcher  Watcher
	newFiles func(address string) RemoteFiles

	files    RemoteFiles
	index    *library.Index
	resolver *resolver.Resolver

	unregister []func()
	stop       chan struct{}
	stopped    chan struct{}
	exited     chan struct{}
	requests   chan updateRequest
	stopOnce   sync.Once
	closeOnce  sync.Once
	done       chan struct{}
	started    *atomic.Bool
	running    *atomic.Bool
}

func New(logger log.Logger, cfg Config, debugger Debugger, target Target, store *symstore.Store, reg prometheus.Registerer, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger = log.With(logger, "component", "session")
	s := &Session{
		logger:   logger,
		cfg:      cfg,
		reg:      reg,
		metrics:  newMetrics(reg),
		debugger: debugger,
		target:   target,
		store:    store,
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}, 1),
		exited:   make(chan struct{}, 1),
		requests: make(chan updateRequest),
		done:     make(chan struct{}),
		started:  atomic.NewBool(false),
		running:  atomic.NewBool(false),
	}
	s.newFiles = func(address string) RemoteFiles {
		rcfg := cfg.RemoteFile
		rcfg.Address = address
		c := remotefile.NewClient(logger, rcfg)
		return clientFiles{FileService: resolver.NewFileService(c), client: c}
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Start connects every collaborator, resolves what is visible right away and
// subscribes to debugger notifications. On error everything acquired so far
// is released.
func (s *Session) Start(ctx context.Context) (err error) {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("session already started")
	}
	defer func() {
		if err != nil {
			s.teardown()
		}
	}()

	level.Info(s.logger).Log("msg", "connecting")
	endpoints := device.Endpoints{DebugServer: s.cfg.DebugServerAddress, FileService: s.cfg.RemoteFile.Address}
	if s.target != nil {
		if endpoints, err = s.target.Prepare(ctx); err != nil {
			return fmt.Errorf("prepare device: %w", err)
		}
	}
	if err = s.debugger.Connect(ctx, endpoints.DebugServer); err != nil {
		return fmt.Errorf("connect debugger to %s: %w", endpoints.DebugServer, err)
	}
	s.files = s.newFiles(endpoints.FileService)
	if err = s.files.Connect(ctx); err != nil {
		return fmt.Errorf("connect remote file service: %w", err)
	}
	if s.index, err = library.Build(ctx, s.logger, s.cfg.LibraryDirs, s.cfg.IndexConcurrency); err != nil {
		return fmt.Errorf("index local libraries: %w", err)
	}
	s.resolver = resolver.New(s.logger, s.files, s.index, s.store, s.debugger, s.reg)

	if err = s.sweep(ctx, false); err != nil {
		return fmt.Errorf("initial sweep: %w", err)
	}

	s.unregister = append(s.unregister,
		s.debugger.OnStop(func() {
			select {
			case s.stopped <- struct{}{}:
			default:
			}
		}),
		s.debugger.OnExit(func() {
			select {
			case s.exited <- struct{}{}:
			default:
			}
		}),
	)
	level.Info(s.logger).Log("msg", "session attached", "libraries", s.index.Len())
	return nil
}

// Run processes stop notifications and update requests until the debugged
// process exits, Stop is called or ctx is cancelled. It tears the session
// down before returning.
func (s *Session) Run(ctx context.Context) error {
	if !s.started.Load() {
		return errors.New("session not started")
	}
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("session already running")
	}
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	defer s.teardown()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stop:
			return nil
		case <-s.exited:
			level.Info(s.logger).Log("msg", "debugged process exited")
			return nil
		case <-s.stopped:
			if err := s.sweep(ctx, true); err != nil {
				level.Error(s.logger).Log("msg", "failed to update symbols after stop", "err", err)
			}
		case req := <-s.requests:
			if req.all {
				s.resolver.ForgetFailures()
			}
			req.reply <- s.sweep(ctx, !req.all)
		}
	}
}

// UpdateSymbols asks the session to sweep either every thread or only the
// selected one, and waits for the result. Sweeping every thread also retries
// files whose resolution failed for transient reasons.
func (s *Session) UpdateSymbols(ctx context.Context, all bool) error {
	req := updateRequest{all: all, reply: make(chan error, 1)}
	select {
	case s.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
}

// Stop ends Run. It does not wait; use Done for that.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Resolver exposes the attempts made so far. It must only be read while Run
// is not sweeping, for example after Done is closed.
func (s *Session) Resolver() *resolver.Resolver { return s.resolver }

type clientFiles struct {
	resolver.FileService
	client *remotefile.Client
}

func (f clientFiles) Connect(ctx context.Context) error { return f.client.Connect(ctx) }

func (f clientFiles) Close() error { return f.client.Close() }

func (s *Session) logSummary() {
	counts := map[resolver.Outcome]int{}
	for _, a := range s.resolver.Attempts() {
		counts[a.Outcome]++
	}
	level.Info(s.logger).Log(
		"msg", "symbol resolution summary",
		"resolved", counts[resolver.Resolved],
		"unresolved", counts[resolver.Unresolved],
		"failed", counts[resolver.Failed],
	)
}

func (s *Session) teardown() {
	s.closeOnce.Do(func() {
		start := time.Now()
		for _, fn := range s.unregister {
			fn()
		}
		if s.resolver != nil {
			s.logSummary()
		}
		if s.watcher != nil {
			s.watcher.Stop()
		}
		if s.files != nil {
			if err := s.files.Close(); err != nil {
				level.Warn(s.logger).Log("msg", "failed to close remote file service", "err", err)
			}
		}
		if s.store != nil {
			if err := s.store.Cleanup(); err != nil {
				level.Warn(s.logger).Log("msg", "failed to remove temporary downloads", "err", err)
			}
		}
		if s.target != nil {
			if err := s.target.Close(); err != nil {
				level.Warn(s.logger).Log("msg", "failed to tear down device target", "err", err)
			}
		}
		close(s.done)
		level.Info(s.logger).Log("msg", "session closed", "duration", time.Since(start))
	})
}
