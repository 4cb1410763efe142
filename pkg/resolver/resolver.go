// Package resolver attaches symbols to the files mapped into the debugged
// process, identifying each file by the signature of its content.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	bufra "github.com/avvmoto/buf-readerat"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/remotesym/pkg/library"
	"github.com/grafana/remotesym/pkg/model"
	"github.com/grafana/remotesym/pkg/remotefile"
	"github.com/grafana/remotesym/pkg/signature"
	"github.com/grafana/remotesym/pkg/symstore"
)

const remoteReadBufferSize = 64 << 10

// RemoteFile is a file opened on the device.
type RemoteFile interface {
	io.ReaderAt
	Size() int64
	Close() error
}

// FileService gives access to files on the device.
type FileService interface {
	Open(ctx context.Context, path string) (RemoteFile, error)
	Pull(ctx context.Context, path string, w io.Writer) (int64, error)
}

// Registrar loads a symbol file into the debugger.
type Registrar interface {
	RegisterSymbols(ctx context.Context, path string, addr uint64) error
}

// Outcome is the result of the attempt to resolve a path.
type Outcome int

const (
	// Unresolved attempts are final: the file has no signature, does not exist
	// or could not be matched.
	Unresolved Outcome = iota
	Resolved
	// Failed attempts hit a transient error and may be retried on request.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Resolved:
		return "resolved"
	case Failed:
		return "failed"
	default:
		return "unresolved"
	}
}

// Attempt records what happened to one path.
type Attempt struct {
	Path      string
	Outcome   Outcome
	Signature signature.Signature
	Local     string
	Address   uint64
	Err       error
}

// Resolver resolves mapped files to local symbol files. Every path is worked
// on at most once until ForgetFailures is called. It is not safe for
// concurrent use.
type Resolver struct {
	logger    log.Logger
	files     FileService
	index     *library.Index
	store     *symstore.Store
	registrar Registrar
	metrics   *metrics

	attempted map[string]*Attempt
	order     []string
}

func New(logger log.Logger, files FileService, index *library.Index, store *symstore.Store, registrar Registrar, reg prometheus.Registerer) *Resolver {
	return &Resolver{
		logger:    log.With(logger, "component", "resolver"),
		files:     files,
		index:     index,
		store:     store,
		registrar: registrar,
		metrics:   newMetrics(reg),
		attempted: make(map[string]*Attempt),
	}
}

// TryToMap resolves f and registers its symbols with the debugger. It returns
// true only if symbols were newly attached by this call. Paths already
// attempted return false without doing any work.
func (r *Resolver) TryToMap(ctx context.Context, f model.MappedFile) (bool, error) {
	if _, ok := r.attempted[f.Path]; ok {
		return false, nil
	}
	a := &Attempt{Path: f.Path, Outcome: Unresolved}
	r.attempted[f.Path] = a
	r.order = append(r.order, f.Path)

	start := time.Now()
	source, err := r.resolve(ctx, f, a)
	a.Err = err
	if err != nil && a.Outcome != Failed && isTransient(err) {
		a.Outcome = Failed
	}
	r.metrics.attempts.WithLabelValues(a.Outcome.String(), source).Inc()
	r.metrics.duration.WithLabelValues(a.Outcome.String()).Observe(time.Since(start).Seconds())

	if err != nil {
		return false, fmt.Errorf("resolve %s: %w", f.Path, err)
	}
	return a.Outcome == Resolved, nil
}

func (r *Resolver) resolve(ctx context.Context, f model.MappedFile, a *Attempt) (string, error) {
	sig, err := r.remoteSignature(ctx, f.Path)
	if err != nil {
		return "", err
	}
	if sig.Empty() {
		level.Debug(r.logger).Log("msg", "no signature", "path", f.Path)
		return "", nil
	}
	a.Signature = sig

	local, source, err := r.localFile(ctx, sig, f.Path)
	if err != nil {
		return source, err
	}
	if local == "" {
		level.Debug(r.logger).Log("msg", "no symbol file", "path", f.Path, "signature", sig)
		return source, nil
	}
	a.Local = local

	text, err := localTextSection(local)
	if err != nil {
		return source, err
	}
	addr := f.Base() + text.Offset
	a.Address = addr

	if err := r.registrar.RegisterSymbols(ctx, local, addr); err != nil {
		a.Outcome = Failed
		return source, fmt.Errorf("register symbols: %w", err)
	}
	a.Outcome = Resolved
	level.Info(r.logger).Log("msg", "symbols attached", "path", f.Path, "signature", sig, "local", local, "source", source, "addr", fmt.Sprintf("%#x", addr))
	return source, nil
}

func (r *Resolver) remoteSignature(ctx context.Context, path string) (signature.Signature, error) {
	rf, err := r.files.Open(ctx, path)
	if err != nil {
		return "", err
	}
	defer rf.Close()
	rec := &errRecorder{r: rf}
	sig, err := signature.Of(io.NewSectionReader(bufra.NewBufReaderAt(rec, remoteReadBufferSize), 0, rf.Size()))
	if rec.err != nil {
		err = rec.err
	}
	if err != nil {
		return "", fmt.Errorf("compute signature: %w", err)
	}
	return sig, nil
}

// errRecorder keeps the first failure of r other than io.EOF. The buffering
// layer answers later reads of a failed block with io.EOF, which would make a
// dropped connection look like a truncated file.
type errRecorder struct {
	r   io.ReaderAt
	err error
}

func (e *errRecorder) ReadAt(p []byte, off int64) (int, error) {
	n, err := e.r.ReadAt(p, off)
	if err != nil && !errors.Is(err, io.EOF) && e.err == nil {
		e.err = err
	}
	return n, err
}

func (r *Resolver) localFile(ctx context.Context, sig signature.Signature, remotePath string) (string, string, error) {
	if p, ok := r.index.Lookup(sig); ok {
		if r.store != nil && r.store.CacheLocalLibraries() {
			if _, err := r.store.Import(sig, p); err != nil {
				level.Warn(r.logger).Log("msg", "failed to import local library into the symbol cache", "path", p, "err", err)
			}
		}
		return p, sourceIndex, nil
	}
	if r.store == nil {
		return "", sourceNone, nil
	}
	if p, ok := r.store.Lookup(sig); ok {
		return p, sourceCache, nil
	}
	p, err := r.store.FetchOrDownload(ctx, sig, remotePath, r.files)
	if err != nil {
		return "", sourceDownload, err
	}
	return p, sourceDownload, nil
}

func localTextSection(path string) (signature.Section, error) {
	f, err := os.Open(path)
	if err != nil {
		return signature.Section{}, err
	}
	defer f.Close()
	return signature.TextSection(f)
}

func isTransient(err error) bool {
	switch {
	case errors.Is(err, remotefile.ErrNotExist):
		return false
	case errors.Is(err, signature.ErrSectionNotFound):
		return false
	}
	return symstore.IsTransient(err)
}

// Attempted returns the attempt recorded for path.
func (r *Resolver) Attempted(path string) (Attempt, bool) {
	a, ok := r.attempted[path]
	if !ok {
		return Attempt{}, false
	}
	return *a, true
}

// Attempts returns every recorded attempt in the order they were made.
func (r *Resolver) Attempts() []Attempt {
	res := make([]Attempt, 0, len(r.order))
	for _, p := range r.order {
		if a, ok := r.attempted[p]; ok {
			res = append(res, *a)
		}
	}
	return res
}

// ForgetFailures removes the attempts that failed for transient reasons so
// the next sweep retries them. It returns how many were removed.
func (r *Resolver) ForgetFailures() int {
	n := 0
	order := r.order[:0]
	for _, p := range r.order {
		if r.attempted[p].Outcome == Failed {
			delete(r.attempted, p)
			n++
			continue
		}
		order = append(order, p)
	}
	r.order = order
	if n > 0 {
		level.Info(r.logger).Log("msg", "retrying failed resolutions", "count", n)
	}
	return n
}
