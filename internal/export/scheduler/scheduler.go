// Package scheduler runs automatic project exports on an interval and
// prunes old archives.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fibrefield/fieldsync/internal/errors"
	"github.com/fibrefield/fieldsync/internal/export"
	"github.com/fibrefield/fieldsync/internal/logging"
)

// Interval defines the export frequency.
type Interval string

const (
	IntervalManual Interval = "manual"
	IntervalDaily  Interval = "daily"
	IntervalWeekly Interval = "weekly"
)

// Config holds the auto-export settings.
type Config struct {
	Interval Interval
	// RetentionCount caps how many archives are kept, oldest pruned
	// first. Zero keeps everything.
	RetentionCount int
	IncludeMedia   bool
	ProjectID      string
	ExportDir      string
}

// Scheduler produces periodic backup archives of the local store.
type Scheduler struct {
	service *export.ExportService
	config  *Config
	ticker  *time.Ticker
	stopCh  chan struct{}
	log     *logrus.Entry
	now     func() time.Time
}

// NewScheduler creates an export scheduler.
func NewScheduler(service *export.ExportService, config *Config) *Scheduler {
	if config.ExportDir == "" {
		config.ExportDir = "exports"
	}
	if config.RetentionCount < 0 {
		config.RetentionCount = 0
	}
	return &Scheduler{
		service: service,
		config:  config,
		stopCh:  make(chan struct{}),
		log:     logging.WithComponent("export-scheduler"),
		now:     time.Now,
	}
}

// Start begins automatic exports. Manual mode does nothing; otherwise
// an initial export runs immediately and then on every tick.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.config.Interval == IntervalManual {
		s.log.Info("manual mode, automatic exports disabled")
		return nil
	}

	dur, err := s.intervalDuration()
	if err != nil {
		return err
	}

	s.ticker = time.NewTicker(dur)
	s.log.WithFields(logrus.Fields{
		"interval":  s.config.Interval,
		"retention": s.config.RetentionCount,
	}).Info("export scheduler started")

	go func() {
		if err := s.RunExport(); err != nil {
			s.log.WithError(err).Error("initial export failed")
		}
		for {
			select {
			case <-s.ticker.C:
				if err := s.RunExport(); err != nil {
					s.log.WithError(err).Error("scheduled export failed")
				}
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop shuts the scheduler down.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	if s.ticker != nil {
		s.ticker.Stop()
	}
}

func (s *Scheduler) intervalDuration() (time.Duration, error) {
	switch s.config.Interval {
	case IntervalDaily:
		return 24 * time.Hour, nil
	case IntervalWeekly:
		return 7 * 24 * time.Hour, nil
	}
	return 0, errors.Newf(errors.ErrInvalid, "unknown export interval %q", s.config.Interval)
}

// RunExport performs one export and applies the retention policy.
func (s *Scheduler) RunExport() error {
	timestamp := s.now().Format("20060102_150405")
	outputPath := filepath.Join(s.config.ExportDir, fmt.Sprintf("fieldsync_%s.tar.gz", timestamp))

	result, err := s.service.Export(&export.ExportConfig{
		ProjectID:    s.config.ProjectID,
		OutputPath:   outputPath,
		IncludeMedia: s.config.IncludeMedia,
	})
	if err != nil {
		return err
	}

	s.log.WithFields(logrus.Fields{
		"file":     result.FilePath,
		"size":     result.SizeBytes,
		"features": result.FeatureCount,
	}).Info("export completed")

	return s.applyRetention()
}

// applyRetention deletes the oldest archives beyond the retention
// count. Archive names embed their timestamp, so name order is age
// order.
func (s *Scheduler) applyRetention() error {
	if s.config.RetentionCount == 0 {
		return nil
	}

	entries, err := os.ReadDir(s.config.ExportDir)
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "failed to list exports", err)
	}

	var archives []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "fieldsync_") && strings.HasSuffix(e.Name(), ".tar.gz") {
			archives = append(archives, e.Name())
		}
	}
	if len(archives) <= s.config.RetentionCount {
		return nil
	}

	sort.Strings(archives)
	for _, name := range archives[:len(archives)-s.config.RetentionCount] {
		path := filepath.Join(s.config.ExportDir, name)
		if err := os.Remove(path); err != nil {
			s.log.WithError(err).WithField("file", path).Warn("failed to prune archive")
			continue
		}
		s.log.WithField("file", path).Info("pruned old archive")
	}
	return nil
}
