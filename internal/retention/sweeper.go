// Package retention deletes stored artifacts and job records once they are
// older than the retention window.
package retention

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.uber.org/multierr"

	"media-compressor-go/internal/logger"
	"media-compressor-go/internal/progress"
	"media-compressor-go/internal/storage"
)

// Sweeper periodically removes expired files and jobs.
type Sweeper struct {
	store    *storage.Store
	tracker  *progress.Tracker
	window   time.Duration
	interval time.Duration
	log      logrus.FieldLogger
	now      func() time.Time
}

// Report summarises one sweep.
type Report struct {
	FilesRemoved int
	DirsRemoved  int
	JobsRemoved  int
}

// NewSweeper returns a Sweeper.
func NewSweeper(store *storage.Store, tracker *progress.Tracker, window, interval time.Duration, log logrus.FieldLogger) *Sweeper {
	return &Sweeper{
		store:    store,
		tracker:  tracker,
		window:   window,
		interval: interval,
		log:      logger.WithOperation(log, "retention"),
		now:      time.Now,
	}
}

// WithClock replaces the time source. Intended for tests.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.log.WithFields(logrus.Fields{
		"window":   s.window.String(),
		"interval": s.interval.String(),
	}).Info("Retention sweeper started")

	for {
		select {
		case <-ctx.Done():
			s.log.Info("Retention sweeper stopped")
			return
		case <-ticker.C:
			_, _ = s.SweepOnce()
		}
	}
}

// SweepOnce deletes every file in the storage roles whose modification time
// is older than the window, then the empty directories left behind, then the
// expired jobs. Per-item failures do not stop the sweep; they are logged and
// returned together.
func (s *Sweeper) SweepOnce() (Report, error) {
	var rep Report
	var errs error
	fs := s.store.Fs()
	cutoff := s.now().Add(-s.window)

	for _, role := range storage.Roles {
		root := s.store.Dir(role)
		// Directory times are captured before their contents are removed.
		dirs := make(map[string]time.Time)

		walkErr := afero.Walk(fs, root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("walk %s: %w", path, err))
				return nil
			}
			if path == root {
				return nil
			}
			if info.IsDir() {
				dirs[path] = info.ModTime()
				return nil
			}
			if !info.ModTime().Before(cutoff) {
				return nil
			}
			if err := fs.Remove(path); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("remove %s: %w", path, err))
				return nil
			}
			rep.FilesRemoved++
			s.log.WithFields(logrus.Fields{"role": string(role), "file": path}).Debug("Removed expired file")
			return nil
		})
		if walkErr != nil {
			errs = multierr.Append(errs, fmt.Errorf("walk %s: %w", root, walkErr))
		}

		paths := make([]string, 0, len(dirs))
		for dir, mtime := range dirs {
			if mtime.Before(cutoff) {
				paths = append(paths, dir)
			}
		}
		// Deepest first so parents are empty by the time they are checked.
		sort.Sort(sort.Reverse(sort.StringSlice(paths)))
		for _, dir := range paths {
			removed, err := s.removeEmptyDir(dir)
			if err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			if removed {
				rep.DirsRemoved++
			}
		}
	}

	before := s.tracker.Len()
	s.tracker.SweepOlderThan(s.window)
	rep.JobsRemoved = before - s.tracker.Len()

	for _, err := range multierr.Errors(errs) {
		s.log.WithError(err).Warn("Retention sweep item failed")
	}
	s.log.WithFields(logrus.Fields{
		"files_removed": rep.FilesRemoved,
		"dirs_removed":  rep.DirsRemoved,
		"jobs_removed":  rep.JobsRemoved,
		"errors":        len(multierr.Errors(errs)),
	}).Info("Retention sweep finished")
	return rep, errs
}

func (s *Sweeper) removeEmptyDir(dir string) (bool, error) {
	fs := s.store.Fs()
	empty, err := afero.IsEmpty(fs, dir)
	if err != nil {
		return false, fmt.Errorf("inspect %s: %w", dir, err)
	}
	if !empty {
		return false, nil
	}
	if err := fs.Remove(dir); err != nil {
		return false, fmt.Errorf("remove %s: %w", dir, err)
	}
	return true, nil
}
