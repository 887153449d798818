// Package tracker implements the recording engine's File tracker (component
// B): it names output files, measures their sizes, decides when to rotate,
// and enforces the disk budget. Grounded on the original C++ FileTracker
// (ddsrecorder_participants/recorder/output/FileTracker.hpp): a mutex-guarded
// list of closed files plus one open "current" file, insertion-order
// eviction on rotation, and a physical-disk-space check distinct from the
// logical total-budget check.
package tracker

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	rerrors "github.com/eprosima/ddsrecorder/internal/errors"
)

// Config mirrors OutputSettings + ResourceLimitsStruct from the original
// source: naming policy plus the three budget knobs.
type Config struct {
	Dir               string
	BaseName          string
	Extension         string
	PrependTimestamp  bool
	TimestampFormat   string // a time.Format reference layout
	Location          *time.Location
	MaxTotalSize      uint64 // 0 = unbounded
	MaxFileSize       uint64 // 0 = single file, allowed to grow
	SizeTolerance     uint64 // minimum headroom required above any predicted write
	RotationEnabled   bool
}

// File is a tracked output file: either the currently open one or one of
// the closed files kept for total-size accounting and oldest-first
// eviction.
type File struct {
	ID   uint64
	Name string // final file name inside Config.Dir (never the temp name)
	Size uint64
}

// DiskSpacer abstracts the physical free-space check so tests can simulate
// disk exhaustion without actually filling a filesystem. The default,
// statfsSpacer, calls syscall.Statfs.
type DiskSpacer interface {
	FreeBytes(dir string) (uint64, error)
}

// Tracker is the File tracker. The zero value is not usable; use New.
type Tracker struct {
	cfg    Config
	spacer DiskSpacer

	mu          sync.Mutex
	nextID      uint64
	closedFiles []File
	current     File
	currentTmp  string // full temp filename of current file, fixed at open time
	currentOpen bool
	totalSize   uint64
}

// New constructs a Tracker for cfg, using spacer to query free disk space.
// A nil spacer falls back to statfsSpacer (real disk).
func New(cfg Config, spacer DiskSpacer) *Tracker {
	if spacer == nil {
		spacer = statfsSpacer{}
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Tracker{cfg: cfg, spacer: spacer}
}

// OpenNewFile picks the next file id, builds its on-disk path under a
// distinguishing temp suffix, creates the file, and returns the path.
// minBytesRequired is the caller's best estimate of the smallest size this
// file must accommodate (e.g. preamble + replayed schemas + the message
// that triggered rotation).
func (t *Tracker) OpenNewFile(minBytesRequired uint64) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.currentOpen {
		t.closeCurrentLocked()
	}

	free, err := t.spacer.FreeBytes(t.cfg.Dir)
	if err != nil {
		return "", rerrors.NewInitializationError("tracker.open_new_file.statfs", err)
	}
	if free < minBytesRequired+t.cfg.SizeTolerance {
		return "", rerrors.NewFullDiskError("tracker.open_new_file", fmt.Errorf(
			"free=%d required=%d tolerance=%d", free, minBytesRequired, t.cfg.SizeTolerance))
	}

	if t.cfg.MaxTotalSize > 0 {
		projected := t.totalSize + minBytesRequired
		if projected > t.cfg.MaxTotalSize {
			if !t.cfg.RotationEnabled {
				return "", rerrors.NewFullDiskError("tracker.open_new_file",
					fmt.Errorf("total budget exceeded: projected=%d max=%d rotation_disabled", projected, t.cfg.MaxTotalSize))
			}
			for projected > t.cfg.MaxTotalSize && len(t.closedFiles) > 0 {
				projected -= t.removeOldestFileLocked()
			}
			if projected > t.cfg.MaxTotalSize {
				return "", rerrors.NewFullDiskError("tracker.open_new_file",
					fmt.Errorf("total budget exceeded even after evicting all closed files: projected=%d max=%d", projected, t.cfg.MaxTotalSize))
			}
		}
	}

	id := t.nextID
	t.nextID++
	finalName := t.generateFilename(id)
	tmpName := t.makeTmpName(finalName)
	path := filepath.Join(t.cfg.Dir, tmpName)

	f, createErr := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if createErr != nil {
		return "", rerrors.NewInitializationError("tracker.open_new_file.create", createErr)
	}
	_ = f.Close()

	t.current = File{ID: id, Name: finalName, Size: 0}
	t.currentTmp = tmpName
	t.currentOpen = true
	return path, nil
}

// CloseCurrentFile marks the current file closed and renames it from its
// temp name to its final name, stripping the distinguishing suffix. No-op
// if no file is open.
func (t *Tracker) CloseCurrentFile() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCurrentLocked()
}

func (t *Tracker) closeCurrentLocked() error {
	if !t.currentOpen {
		return nil
	}
	tmpPath := filepath.Join(t.cfg.Dir, t.currentTmp)
	finalPath := filepath.Join(t.cfg.Dir, t.current.Name)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return rerrors.NewInitializationError("tracker.close_current_file.rename", err)
	}
	t.closedFiles = append(t.closedFiles, t.current)
	t.totalSize += t.current.Size
	t.currentOpen = false
	t.currentTmp = ""
	return nil
}

// CurrentPath returns the on-disk temp path of the currently open file, or
// empty string if none is open.
func (t *Tracker) CurrentPath() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.currentOpen {
		return ""
	}
	return filepath.Join(t.cfg.Dir, t.currentTmp)
}

// TotalSize returns the sum of sizes of all closed files plus the current
// file's recorded size.
func (t *Tracker) TotalSize() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.currentOpen {
		return t.totalSize
	}
	return t.totalSize + t.current.Size
}

// SetCurrentSize updates the tracked size of the currently open file. The
// format writer calls this after every write so rotation decisions and
// TotalSize stay accurate without the tracker doing its own I/O accounting.
func (t *Tracker) SetCurrentSize(n uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.currentOpen {
		t.current.Size = n
	}
}

// removeOldestFileLocked deletes the oldest closed file from disk and the
// tracker's bookkeeping, returning its size. Caller holds t.mu.
func (t *Tracker) removeOldestFileLocked() uint64 {
	if len(t.closedFiles) == 0 {
		return 0
	}
	oldest := t.closedFiles[0]
	t.closedFiles = t.closedFiles[1:]
	t.totalSize -= oldest.Size
	_ = os.Remove(filepath.Join(t.cfg.Dir, oldest.Name))
	return oldest.Size
}

func (t *Tracker) generateFilename(id uint64) string {
	if t.cfg.PrependTimestamp {
		layout := t.cfg.TimestampFormat
		if layout == "" {
			layout = "20060102_150405"
		}
		ts := time.Now().In(t.cfg.Location).Format(layout)
		return fmt.Sprintf("%s_%s_%d%s", t.cfg.BaseName, ts, id, t.cfg.Extension)
	}
	return fmt.Sprintf("%s_%d%s", t.cfg.BaseName, id, t.cfg.Extension)
}

// makeTmpName appends a uuid-derived disambiguator to the final name so two
// recorder sessions racing on the same base name never collide on the temp
// path.
func (t *Tracker) makeTmpName(finalName string) string {
	return finalName + ".tmp-" + shortUUID()
}

func shortUUID() string {
	id := uuid.New().String()
	return id[:8]
}

// statfsSpacer is the production DiskSpacer backed by the real filesystem.
type statfsSpacer struct{}

func (statfsSpacer) FreeBytes(dir string) (uint64, error) {
	return freeBytes(dir)
}
