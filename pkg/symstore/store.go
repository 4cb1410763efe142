// Package symstore keeps a host-side cache of symbol files keyed by signature
// and fills it from a cloud object store or from the device itself.
package symstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	pkgerrors "github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/grafana/remotesym/pkg/signature"
)

const tempPrefix = ".tmp-"

// Puller copies the raw bytes of a file on the device.
type Puller interface {
	Pull(ctx context.Context, path string, w io.Writer) (int64, error)
}

// Entry is a published symbol file.
type Entry struct {
	Signature signature.Signature
	Path      string
	Size      int64
	ModTime   time.Time
}

// Store is a directory of symbol files named by signature. Entries are
// published atomically and never overwritten, so several processes may share
// the directory.
type Store struct {
	logger  log.Logger
	cfg     Config
	dir     string
	cloud   CloudFetcher
	metrics *metrics

	group singleflight.Group

	mu    sync.Mutex
	temps map[string]struct{}
}

// New creates the store directory if needed. cloud may be nil, in which case
// only the device is used as a source.
func New(logger log.Logger, cfg Config, cloud CloudFetcher, reg prometheus.Registerer) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dir, err := cfg.ExpandedDir()
	if err != nil {
		return nil, pkgerrors.Wrap(err, "expand symbol cache directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, pkgerrors.Wrap(err, "create symbol cache directory")
	}
	return &Store{
		logger:  log.With(logger, "component", "symbol-store"),
		cfg:     cfg,
		dir:     dir,
		cloud:   cloud,
		metrics: newMetrics(reg),
		temps:   make(map[string]struct{}),
	}, nil
}

// NewCloud creates the store together with its cloud client as configured.
func NewCloud(logger log.Logger, cfg Config, reg prometheus.Registerer) (*Store, error) {
	s, err := New(logger, cfg, nil, reg)
	if err != nil {
		return nil, err
	}
	if !cfg.DisableCloud {
		s.cloud = NewCloudClient(logger, CloudClientConfig{
			BaseURL:           cfg.CloudURL,
			HTTPClient:        nil,
			BackoffConfig:     cfg.BackoffConfig,
			UserAgent:         "remotesym",
			NotFoundCacheSize: cfg.NotFoundCacheSize,
			NotFoundCacheTTL:  cfg.NotFoundCacheTTL,
		}, s.metrics)
	}
	return s, nil
}

func (s *Store) Dir() string { return s.dir }

// CacheLocalLibraries reports whether libraries found locally should be
// imported into the store.
func (s *Store) CacheLocalLibraries() bool { return s.cfg.CacheLocalLibraries }

// Path is where the entry for sig lives, whether or not it exists.
func (s *Store) Path(sig signature.Signature) string {
	return filepath.Join(s.dir, sig.String())
}

// Lookup returns the path of the entry for sig if it has been published.
func (s *Store) Lookup(sig signature.Signature) (string, bool) {
	if _, err := signature.Parse(sig.String()); err != nil {
		return "", false
	}
	p := s.Path(sig)
	fi, err := os.Stat(p)
	if err != nil || !fi.Mode().IsRegular() {
		s.metrics.cacheOperations.WithLabelValues("lookup", "miss").Inc()
		return "", false
	}
	s.metrics.cacheOperations.WithLabelValues("lookup", "hit").Inc()
	return p, true
}

// FetchOrDownload returns the local path of the symbol file for sig. It tries
// the cache, then the cloud store, then pulls remotePath from the device.
// Concurrent calls for the same signature share one download.
func (s *Store) FetchOrDownload(ctx context.Context, sig signature.Signature, remotePath string, puller Puller) (string, error) {
	if _, err := signature.Parse(sig.String()); err != nil {
		return "", invalidSignatureError{signature: sig.String()}
	}
	if p, ok := s.Lookup(sig); ok {
		return p, nil
	}
	v, err, _ := s.group.Do(sig.String(), func() (interface{}, error) {
		if p, ok := s.Lookup(sig); ok {
			return p, nil
		}
		return s.download(ctx, sig, remotePath, puller)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *Store) download(ctx context.Context, sig signature.Signature, remotePath string, puller Puller) (string, error) {
	var cloudErr error
	if s.cloud != nil {
		level.Info(s.logger).Log("msg", "trying to download symbols from the cloud", "signature", sig, "remote", remotePath)
		p, err := s.fromCloud(ctx, sig)
		if err == nil {
			return p, nil
		}
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		cloudErr = err
		if IsNotFound(err) {
			level.Debug(s.logger).Log("msg", "symbols not in the cloud", "signature", sig)
		} else {
			level.Warn(s.logger).Log("msg", "cloud download failed", "signature", sig, "err", err)
		}
	}
	if puller == nil {
		if cloudErr != nil {
			return "", cloudErr
		}
		return "", fmt.Errorf("no source for signature %s", sig)
	}

	level.Info(s.logger).Log("msg", "downloading file from device", "remote", remotePath, "signature", sig)
	p, err := s.publish(sig, sourceDevice, func(w io.Writer) (int64, error) {
		return puller.Pull(ctx, remotePath, w)
	})
	if err != nil {
		if cloudErr != nil && !IsNotFound(cloudErr) {
			return "", fmt.Errorf("%w (cloud: %v)", err, cloudErr)
		}
		return "", err
	}
	return p, nil
}

func (s *Store) fromCloud(ctx context.Context, sig signature.Signature) (string, error) {
	if s.cfg.CloudTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.CloudTimeout)
		defer cancel()
	}
	rc, err := s.cloud.Fetch(ctx, sig)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	return s.publish(sig, sourceCloud, func(w io.Writer) (int64, error) {
		return io.Copy(w, rc)
	})
}

// Import copies a local file into the store under sig.
func (s *Store) Import(sig signature.Signature, localPath string) (string, error) {
	if _, err := signature.Parse(sig.String()); err != nil {
		return "", invalidSignatureError{signature: sig.String()}
	}
	if p, ok := s.Lookup(sig); ok {
		return p, nil
	}
	return s.publish(sig, sourceLocal, func(w io.Writer) (int64, error) {
		f, err := os.Open(localPath)
		if err != nil {
			return 0, err
		}
		defer f.Close()
		return io.Copy(w, f)
	})
}

// publish writes the content produced by fill into a temporary file inside
// the store directory and links it into place under sig. If another writer
// published sig first, its entry is kept.
func (s *Store) publish(sig signature.Signature, source string, fill func(io.Writer) (int64, error)) (string, error) {
	tmp, err := s.createTemp(sig)
	if err != nil {
		return "", err
	}
	defer s.removeTemp(tmp.Name())

	n, err := fill(tmp)
	if err != nil {
		_ = tmp.Close()
		return "", pkgerrors.Wrapf(err, "download %s from %s", sig, source)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", pkgerrors.Wrap(err, "sync temporary file")
	}
	if err := tmp.Close(); err != nil {
		return "", pkgerrors.Wrap(err, "close temporary file")
	}
	if source == sourceCloud {
		// The bucket is keyed by signature only; check it served the right object.
		got, err := signature.OfFile(tmp.Name())
		if err != nil {
			return "", pkgerrors.Wrap(err, "verify downloaded symbol file")
		}
		if got != sig {
			s.metrics.cacheOperations.WithLabelValues("publish", "mismatch").Inc()
			return "", signatureMismatchError{want: sig.String(), got: got.String()}
		}
	}

	final := s.Path(sig)
	if err := os.Link(tmp.Name(), final); err != nil {
		switch {
		case errors.Is(err, fs.ErrExist):
			level.Debug(s.logger).Log("msg", "entry published concurrently", "signature", sig)
			s.metrics.cacheOperations.WithLabelValues("publish", "exists").Inc()
			return final, nil
		default:
			// Filesystems without hard links.
			if _, statErr := os.Stat(final); statErr == nil {
				return final, nil
			}
			if err := os.Rename(tmp.Name(), final); err != nil {
				s.metrics.cacheOperations.WithLabelValues("publish", "error").Inc()
				return "", pkgerrors.Wrap(err, "publish symbol file")
			}
		}
	}
	s.metrics.cacheOperations.WithLabelValues("publish", "success").Inc()
	s.metrics.publishedFiles.WithLabelValues(source).Inc()
	s.metrics.fetchedBytes.WithLabelValues(source).Add(float64(n))
	level.Info(s.logger).Log("msg", "symbol file cached", "signature", sig, "source", source, "bytes", n, "path", final)
	return final, nil
}

func (s *Store) createTemp(sig signature.Signature) (*os.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.CreateTemp(s.dir, tempPrefix+sig.String()+"-*")
	if err != nil {
		return nil, pkgerrors.Wrap(err, "create temporary file")
	}
	s.temps[f.Name()] = struct{}{}
	s.metrics.pendingTempFiles.Inc()
	return f, nil
}

func (s *Store) removeTemp(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.temps[name]; !ok {
		return
	}
	delete(s.temps, name)
	s.metrics.pendingTempFiles.Dec()
	if err := os.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		level.Warn(s.logger).Log("msg", "failed to remove temporary file", "path", name, "err", err)
	}
}

// PendingTemps returns the temporary files not yet published or removed.
func (s *Store) PendingTemps() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.temps))
	for name := range s.temps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Cleanup removes every outstanding temporary file. It is safe to call more
// than once.
func (s *Store) Cleanup() error {
	var errs []error
	for _, name := range s.PendingTemps() {
		s.mu.Lock()
		_, ok := s.temps[name]
		delete(s.temps, name)
		s.mu.Unlock()
		if !ok {
			continue
		}
		s.metrics.pendingTempFiles.Dec()
		if err := os.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Entries lists the published entries of the store.
func (s *Store) Entries() ([]Entry, error) {
	des, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "read symbol cache directory")
	}
	var entries []Entry
	for _, de := range des {
		if de.IsDir() || strings.HasPrefix(de.Name(), tempPrefix) {
			continue
		}
		sig, err := signature.Parse(de.Name())
		if err != nil {
			continue
		}
		fi, err := de.Info()
		if err != nil {
			continue
		}
		entries = append(entries, Entry{
			Signature: sig,
			Path:      filepath.Join(s.dir, de.Name()),
			Size:      fi.Size(),
			ModTime:   fi.ModTime(),
		})
	}
	return entries, nil
}
