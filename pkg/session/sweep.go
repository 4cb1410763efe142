package session

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/log/level"

	"github.com/grafana/remotesym/pkg/model"
)

// sweep resolves eagerly the files that look like application libraries and
// then walks the stack of the selected thread, or of every thread.
func (s *Session) sweep(ctx context.Context, currentOnly bool) error {
	kind := "all"
	if currentOnly {
		kind = "current"
	}
	start := time.Now()
	defer func() {
		s.metrics.sweeps.WithLabelValues(kind).Inc()
		s.metrics.sweepDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}()
	level.Debug(s.logger).Log("msg", "updating symbols", "threads", kind)

	mappings, err := s.debugger.Mappings(ctx)
	if err != nil {
		return fmt.Errorf("read mappings: %w", err)
	}
	files := model.GroupMappings(mappings)
	s.premap(ctx, files)

	if currentOnly {
		return s.walk(ctx, files)
	}
	return s.walkAllThreads(ctx, files)
}

func (s *Session) premap(ctx context.Context, files []model.MappedFile) {
	var announced map[string]string
	if s.watcher != nil {
		announced = s.watcher.Announcements()
	}
	for _, f := range files {
		library, ok := announced[f.Path]
		if !ok && !s.cfg.premap(f) {
			continue
		}
		if _, done := s.resolver.Attempted(f.Path); done {
			continue
		}
		if ok {
			level.Debug(s.logger).Log("msg", "pre-mapping announced library", "path", f.Path, "library", library)
		} else {
			level.Debug(s.logger).Log("msg", "pre-mapping", "path", f.Path)
		}
		if _, err := s.resolver.TryToMap(ctx, f); err != nil {
			level.Warn(s.logger).Log("msg", "failed to resolve symbols", "path", f.Path, "err", err)
		}
	}
}

func (s *Session) walkAllThreads(ctx context.Context, files []model.MappedFile) error {
	selected, err := s.debugger.SelectedThread(ctx)
	if err != nil {
		return fmt.Errorf("selected thread: %w", err)
	}
	threads, err := s.debugger.Threads(ctx)
	if err != nil {
		return fmt.Errorf("list threads: %w", err)
	}
	defer func() {
		if selected == 0 {
			return
		}
		if err := s.debugger.SelectThread(ctx, selected); err != nil {
			level.Warn(s.logger).Log("msg", "failed to restore selected thread", "thread", selected, "err", err)
		}
	}()

	for _, id := range threads {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.debugger.SelectThread(ctx, id); err != nil {
			level.Warn(s.logger).Log("msg", "failed to select thread", "thread", id, "err", err)
			continue
		}
		if err := s.walk(ctx, files); err != nil {
			level.Warn(s.logger).Log("msg", "failed to walk thread", "thread", id, "err", err)
		}
	}
	return nil
}

// walk inspects the frames of the selected thread from the newest one and
// resolves the files owning frames without a name. Registering symbols
// invalidates the frames, so after every successful resolution the walk
// starts over from the newest frame and skips back to where it was.
func (s *Session) walk(ctx context.Context, files []model.MappedFile) error {
	frame, err := s.debugger.NewestFrame(ctx)
	if err != nil {
		return fmt.Errorf("newest frame: %w", err)
	}
	inspected, depth := 0, 0
	defer func() {
		s.metrics.walkFrames.Observe(float64(inspected))
	}()

	for frame != nil && frame.Valid() {
		if inspected >= s.cfg.MaxFrames {
			level.Warn(s.logger).Log("msg", "frame limit reached, stopping walk", "limit", s.cfg.MaxFrames)
			return nil
		}
		inspected++

		if frame.Name() == "" {
			if f, ok := model.FindMappedFile(files, frame.PC()); ok {
				mapped, err := s.resolver.TryToMap(ctx, f)
				if err != nil {
					level.Warn(s.logger).Log("msg", "failed to resolve symbols", "path", f.Path, "err", err)
				}
				if mapped {
					if frame, err = s.debugger.NewestFrame(ctx); err != nil {
						return fmt.Errorf("newest frame: %w", err)
					}
					frame = skip(frame, depth)
					continue
				}
			}
		}

		older := frame.Older()
		if older == nil || !older.Valid() || older.PC() == frame.PC() {
			return nil
		}
		frame = older
		depth++
	}
	return nil
}

// skip returns the frame n levels older than frame, stopping early where
// the chain ends or stops advancing.
func skip(frame Frame, n int) Frame {
	for i := 0; i < n && frame != nil && frame.Valid(); i++ {
		older := frame.Older()
		if older == nil || !older.Valid() || older.PC() == frame.PC() {
			return frame
		}
		frame = older
	}
	return frame
}
