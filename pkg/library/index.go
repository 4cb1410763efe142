// Package library indexes the shared libraries of local build output
// directories by content signature.
package library

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/remotesym/pkg/signature"
)

const (
	pattern            = "*.so"
	defaultConcurrency = 8
)

// Entry is a single indexed library.
type Entry struct {
	Signature signature.Signature
	Path      string
}

// Index maps signatures to local library paths. It is immutable once built
// and safe for concurrent use.
type Index struct {
	bySignature map[signature.Signature]string
	entries     []Entry
}

// Build scans every directory in dirs, non-recursively, for shared libraries
// and indexes them by signature. When several files share a signature the one
// found last wins, in directory order and then lexical file order. Files that
// cannot be read or are not binaries are skipped. A directory that does not
// exist is an error.
func Build(ctx context.Context, logger log.Logger, dirs []string, concurrency int) (*Index, error) {
	logger = log.With(logger, "component", "library-index")
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	var candidates []string
	for _, dir := range dirs {
		fi, err := os.Stat(dir)
		if err != nil {
			return nil, fmt.Errorf("library directory: %w", err)
		}
		if !fi.IsDir() {
			return nil, fmt.Errorf("library directory %s: not a directory", dir)
		}
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", dir, err)
		}
		sort.Strings(matches)
		candidates = append(candidates, matches...)
	}

	sigs := make([]signature.Signature, len(candidates))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, path := range candidates {
		i, path := i, path
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			sig, err := signature.OfFile(path)
			if err != nil {
				level.Warn(logger).Log("msg", "skipping unreadable library", "path", path, "err", err)
				return nil
			}
			if sig.Empty() {
				level.Debug(logger).Log("msg", "skipping file without code section", "path", path)
				return nil
			}
			sigs[i] = sig
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	idx := &Index{bySignature: make(map[signature.Signature]string, len(candidates))}
	for i, path := range candidates {
		if sigs[i].Empty() {
			continue
		}
		if prev, ok := idx.bySignature[sigs[i]]; ok {
			level.Debug(logger).Log("msg", "duplicate signature", "signature", sigs[i], "previous", prev, "path", path)
		}
		idx.bySignature[sigs[i]] = path
	}
	for sig, path := range idx.bySignature {
		idx.entries = append(idx.entries, Entry{Signature: sig, Path: path})
	}
	sort.Slice(idx.entries, func(i, j int) bool {
		return idx.entries[i].Path < idx.entries[j].Path
	})

	level.Info(logger).Log("msg", "library index built", "dirs", len(dirs), "files", len(candidates), "libraries", len(idx.entries))
	return idx, nil
}

// Lookup returns the local path of the library with signature sig.
func (idx *Index) Lookup(sig signature.Signature) (string, bool) {
	if idx == nil || sig.Empty() {
		return "", false
	}
	p, ok := idx.bySignature[sig]
	return p, ok
}

func (idx *Index) Len() int {
	if idx == nil {
		return 0
	}
	return len(idx.entries)
}

// Entries returns the indexed libraries sorted by path.
func (idx *Index) Entries() []Entry {
	if idx == nil {
		return nil
	}
	return append([]Entry(nil), idx.entries...)
}
