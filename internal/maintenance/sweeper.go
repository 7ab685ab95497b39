// Package maintenance implements the background sweeper: retention-based
// session expiry with optional lz4 archiving, temp and log cleanup, orphan
// removal, and disk-pressure relief.
package maintenance

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pierrec/lz4/v4"

	"github.com/vidforge/vidforge/internal/config"
	"github.com/vidforge/vidforge/internal/governor"
	"github.com/vidforge/vidforge/internal/session"
)

// archiveDirName is the subdirectory of the sessions dir holding archived
// snapshots.
const archiveDirName = "archive"

// archiveExtension is appended to archived snapshot files.
const archiveExtension = ".json.lz4"

// diskReliefBatch caps how many completed sessions one sweep removes under
// disk pressure.
const diskReliefBatch = 10

// Report summarizes one sweep.
type Report struct {
	ExpiredSessions  int           `json:"expired_sessions"`
	ArchivedSessions int           `json:"archived_sessions"`
	DiskReliefEvictd int           `json:"disk_relief_evicted"`
	TempEntriesSwept int           `json:"temp_entries_swept"`
	LogFilesSwept    int           `json:"log_files_swept"`
	OrphansSwept     int           `json:"orphans_swept"`
	BytesReclaimed   int64         `json:"bytes_reclaimed"`
	Duration         time.Duration `json:"duration"`
	Errors           []string      `json:"errors,omitempty"`
}

// Sweeper runs periodic maintenance over the session store and the storage
// directories.
type Sweeper struct {
	cfg     config.MaintenanceConfig
	storage config.StorageConfig
	store   *session.Store
	gov     *governor.Governor
	logger  *slog.Logger

	// now is injectable for retention tests.
	now func() time.Time

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a sweeper. The governor may be nil, which disables
// disk-pressure relief.
func New(
	cfg config.MaintenanceConfig,
	storage config.StorageConfig,
	store *session.Store,
	gov *governor.Governor,
	logger *slog.Logger,
) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}

	return &Sweeper{
		cfg:     cfg,
		storage: storage,
		store:   store,
		gov:     gov,
		logger:  logger,
		now:     time.Now,
	}
}

// Start launches the periodic sweep loop. Idempotent.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}

	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.loop(s.stopCh, s.doneCh)
}

// Stop halts the sweep loop and waits for it to exit. Idempotent.
func (s *Sweeper) Stop() {
	s.mu.Lock()

	if !s.running {
		s.mu.Unlock()

		return
	}

	s.running = false
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	close(stopCh)
	<-doneCh
}

func (s *Sweeper) loop(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	interval := time.Duration(s.cfg.IntervalSeconds) * time.Second

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			report := s.RunOnce()
			s.logger.Info("maintenance sweep finished",
				"expired", report.ExpiredSessions,
				"archived", report.ArchivedSessions,
				"temp_swept", report.TempEntriesSwept,
				"logs_swept", report.LogFilesSwept,
				"orphans", report.OrphansSwept,
				"bytes_reclaimed", report.BytesReclaimed,
				"duration", report.Duration.String(),
				"errors", len(report.Errors))
		}
	}
}

// RunOnce performs a full sweep synchronously and returns its report.
func (s *Sweeper) RunOnce() Report {
	start := s.now()

	var report Report

	s.sweepExpired(&report)
	s.sweepDiskPressure(&report)
	s.sweepTemp(&report)
	s.sweepOrphans(&report)
	s.sweepLogs(&report)

	report.Duration = s.now().Sub(start)

	return report
}

// retentionFor returns the retention window for a terminal status, or false
// for non-terminal sessions.
func (s *Sweeper) retentionFor(status session.Status) (time.Duration, bool) {
	switch status {
	case session.StatusFailed:
		return time.Duration(s.cfg.FailedRetentionH) * time.Hour, true
	case session.StatusCompleted:
		return time.Duration(s.cfg.CompletedRetentionH) * time.Hour, true
	case session.StatusCancelled:
		return time.Duration(s.cfg.CancelledRetentionH) * time.Hour, true
	default:
		return 0, false
	}
}

// sweepExpired removes terminal sessions older than their retention window,
// archiving snapshots first when configured.
func (s *Sweeper) sweepExpired(report *Report) {
	now := s.now()

	for _, sess := range s.store.List(session.ListFilter{}) {
		retention, terminal := s.retentionFor(sess.Status)
		if !terminal {
			continue
		}

		if now.Sub(sess.UpdatedAt) <= retention {
			continue
		}

		s.expireSession(sess, report)
	}
}

func (s *Sweeper) expireSession(sess session.Session, report *Report) {
	snapshotFile := filepath.Join(s.store.Dir(), sess.ID+".json")

	if info, err := os.Stat(snapshotFile); err == nil {
		report.BytesReclaimed += info.Size()
	}

	if s.cfg.ArchiveExpired {
		err := s.archiveSnapshot(sess.ID, snapshotFile)
		if err != nil {
			report.Errors = append(report.Errors, err.Error())
			s.logger.Warn("archive failed, keeping session",
				"session_id", sess.ID, "error", err)

			return
		}

		report.ArchivedSessions++
	}

	err := s.store.Delete(sess.ID, true)
	if err != nil {
		report.Errors = append(report.Errors, err.Error())

		return
	}

	report.ExpiredSessions++
	s.logger.Info("expired session removed",
		"session_id", sess.ID, "status", string(sess.Status))
}

// archiveSnapshot compresses the snapshot into the archive subdirectory.
func (s *Sweeper) archiveSnapshot(id, snapshotFile string) error {
	src, err := os.Open(snapshotFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("open snapshot %s: %w", id, err)
	}
	defer src.Close()

	archiveDir := filepath.Join(s.store.Dir(), archiveDirName)

	err = os.MkdirAll(archiveDir, 0o750)
	if err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}

	dstPath := filepath.Join(archiveDir, id+archiveExtension)

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create archive %s: %w", id, err)
	}

	zw := lz4.NewWriter(dst)

	_, copyErr := io.Copy(zw, src)
	closeErr := zw.Close()
	fileErr := dst.Close()

	if copyErr != nil || closeErr != nil || fileErr != nil {
		os.Remove(dstPath)

		if copyErr != nil {
			return fmt.Errorf("compress snapshot %s: %w", id, copyErr)
		}

		if closeErr != nil {
			return fmt.Errorf("flush archive %s: %w", id, closeErr)
		}

		return fmt.Errorf("close archive %s: %w", id, fileErr)
	}

	return nil
}

// sweepDiskPressure evicts the oldest completed sessions in batches while a
// fresh disk reading stays at or above critical. Each batch is followed by a
// re-taken reading, so eviction stops as soon as the disk recovers.
func (s *Sweeper) sweepDiskPressure(report *Report) {
	if s.gov == nil {
		return
	}

	for {
		usage, err := s.gov.CurrentUsage()
		if err != nil {
			report.Errors = append(report.Errors, err.Error())

			return
		}

		if s.gov.ClassifyDisk(usage.DiskPercent) < governor.LevelCritical {
			return
		}

		evicted := s.evictCompletedBatch(usage.DiskPercent, report)
		if evicted == 0 {
			return
		}

		report.DiskReliefEvictd += evicted
	}
}

// evictCompletedBatch removes up to diskReliefBatch of the oldest completed
// sessions and reports how many went.
func (s *Sweeper) evictCompletedBatch(diskPercent float64, report *Report) int {
	completed := s.store.List(session.ListFilter{Status: session.StatusCompleted})

	// List is newest-first; evict from the tail.
	evicted := 0

	for i := len(completed) - 1; i >= 0 && evicted < diskReliefBatch; i-- {
		sess := completed[i]

		snapshotFile := filepath.Join(s.store.Dir(), sess.ID+".json")
		if info, err := os.Stat(snapshotFile); err == nil {
			report.BytesReclaimed += info.Size()
		}

		err := s.store.Delete(sess.ID, true)
		if err != nil {
			report.Errors = append(report.Errors, err.Error())

			continue
		}

		evicted++
		s.logger.Warn("disk pressure eviction",
			"session_id", sess.ID, "disk_percent", diskPercent)
	}

	return evicted
}

// sweepTemp removes temp entries older than the configured age. Directories
// must also be empty to go.
func (s *Sweeper) sweepTemp(report *Report) {
	maxAge := time.Duration(s.cfg.TempFileMaxAgeH) * time.Hour
	s.sweepDir(s.storage.TempDir, maxAge, true, &report.TempEntriesSwept, report)
}

// sweepLogs removes log files older than the configured number of days.
func (s *Sweeper) sweepLogs(report *Report) {
	if s.storage.LogDir == "" {
		return
	}

	maxAge := time.Duration(s.cfg.LogMaxAgeDays) * 24 * time.Hour
	s.sweepDir(s.storage.LogDir, maxAge, false, &report.LogFilesSwept, report)
}

func (s *Sweeper) sweepDir(dir string, maxAge time.Duration, includeDirs bool, counter *int, report *Report) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			report.Errors = append(report.Errors, err.Error())
		}

		return
	}

	cutoff := s.now().Add(-maxAge)

	for _, entry := range entries {
		if entry.IsDir() && !includeDirs {
			continue
		}

		info, infoErr := entry.Info()
		if infoErr != nil {
			continue
		}

		if !info.ModTime().Before(cutoff) {
			continue
		}

		path := filepath.Join(dir, entry.Name())

		if entry.IsDir() {
			// Only empty directories go; ones with contents may still be
			// in use and their files age out individually.
			children, readErr := os.ReadDir(path)
			if readErr != nil || len(children) > 0 {
				continue
			}
		} else {
			report.BytesReclaimed += info.Size()
		}

		removeErr := os.Remove(path)
		if removeErr != nil {
			report.Errors = append(report.Errors, removeErr.Error())

			continue
		}

		*counter++
	}
}

// sweepOrphans removes temp entries whose name embeds a session id that no
// longer exists in the store, regardless of age.
func (s *Sweeper) sweepOrphans(report *Report) {
	entries, err := os.ReadDir(s.storage.TempDir)
	if err != nil {
		if !os.IsNotExist(err) {
			report.Errors = append(report.Errors, err.Error())
		}

		return
	}

	for _, entry := range entries {
		id, ok := embeddedSessionID(entry.Name())
		if !ok {
			continue
		}

		_, getErr := s.store.Get(id)
		if getErr == nil {
			continue
		}

		path := filepath.Join(s.storage.TempDir, entry.Name())

		if info, infoErr := entry.Info(); infoErr == nil && !entry.IsDir() {
			report.BytesReclaimed += info.Size()
		}

		removeErr := os.RemoveAll(path)
		if removeErr != nil {
			report.Errors = append(report.Errors, removeErr.Error())

			continue
		}

		report.OrphansSwept++
		s.logger.Info("orphaned temp entry removed", "session_id", id, "path", path)
	}
}

// uuidLength is the canonical textual UUID length.
const uuidLength = 36

// embeddedSessionID extracts a leading UUID from a temp entry name.
func embeddedSessionID(name string) (string, bool) {
	if len(name) < uuidLength {
		return "", false
	}

	candidate := name[:uuidLength]

	_, err := uuid.Parse(candidate)
	if err != nil {
		return "", false
	}

	return candidate, true
}
