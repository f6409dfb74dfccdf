// Package safety makes repository mutation reversible and refusable. It
// owns the checkpoint log, the rolling operation history, and the emergency
// stop flag (mirrored to a marker file so a restart observes it). The stop
// flag is atomic so hot-path checks never take the controller lock.
package safety

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"maestro/internal/ident"
	"maestro/internal/logging"
	"maestro/internal/vcs"
)

// ErrEmergencyStopped is returned by operations refused while stopped.
var ErrEmergencyStopped = errors.New("safety: emergency stop active")

// Checkpoint is a named, rollback-able snapshot of the working tree
// identified by an opaque VCS revision. Checkpoint IDs are totally ordered
// by creation.
type Checkpoint struct {
	ID           string            `json:"id"`
	Timestamp    time.Time         `json:"timestamp"`
	RepoRevision string            `json:"repo_revision"`
	Description  string            `json:"description"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// ViolationLevel grades a safety violation.
type ViolationLevel string

const (
	LevelWarning  ViolationLevel = "/warning"
	LevelError    ViolationLevel = "/error"
	LevelCritical ViolationLevel = "/critical"
)

// Violation is a structured reason a proposed change was refused or flagged.
type Violation struct {
	Level   ViolationLevel `json:"level"`
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Details string         `json:"details,omitempty"`
}

// Config tunes the controller.
type Config struct {
	MaxChangeSize        int
	MaxOperationsPerHour int
	RequireTests         bool
	CriticalGlobs        []string
	// MarkerPath is the emergency-stop marker file. Empty defaults to
	// <workspace>/.maestro/emergency_stop.json.
	MarkerPath string
	// TestsPass reports whether the project's test suite currently passes;
	// consulted only when RequireTests is set. Nil means unknown (false).
	TestsPass func(ctx context.Context) bool
}

// Controller implements checkpoints, validation, rate limiting, and the
// emergency stop.
type Controller struct {
	mu          sync.Mutex
	vcs         vcs.Client
	clock       ident.Clock
	cfg         Config
	checkpoints []Checkpoint
	// ops is the rolling ring of operation timestamps for rate limiting.
	ops []time.Time
	// lastRollback guards the ordering rule: rollback to X is invalid once
	// a rollback to an older checkpoint has happened after X was created.
	lastRollbackSeq int

	stopped    atomic.Bool
	stopReason atomic.Value // string
	markerPath string

	watcher   *fsnotify.Watcher
	watchDone chan struct{}
}

// stopMarker is the on-disk shape of the emergency-stop marker.
type stopMarker struct {
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
	Active    bool      `json:"active"`
}

// NewController builds a controller, reading the marker file so a restart
// observes a previous stop.
func NewController(client vcs.Client, clock ident.Clock, workspace string, cfg Config) (*Controller, error) {
	if clock == nil {
		clock = ident.RealClock{}
	}
	if cfg.MaxChangeSize == 0 {
		cfg.MaxChangeSize = 100
	}
	if cfg.MaxOperationsPerHour == 0 {
		cfg.MaxOperationsPerHour = 60
	}
	markerPath := cfg.MarkerPath
	if markerPath == "" {
		markerPath = filepath.Join(workspace, ".maestro", "emergency_stop.json")
	}

	c := &Controller{
		vcs:        client,
		clock:      clock,
		cfg:        cfg,
		markerPath: markerPath,
	}
	c.stopReason.Store("")

	if marker, ok := readMarker(markerPath); ok && marker.Active {
		c.stopped.Store(true)
		c.stopReason.Store(marker.Reason)
		logging.SafetyWarn("emergency stop active from previous run: %s", marker.Reason)
	}
	return c, nil
}

// WatchMarker starts an fsnotify watcher on the marker file's directory so
// an external `maestro stop` takes effect in this process. Close stops it.
func (c *Controller) WatchMarker() error {
	dir := filepath.Dir(c.markerPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create marker watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	c.mu.Lock()
	c.watcher = w
	c.watchDone = make(chan struct{})
	done := c.watchDone
	c.mu.Unlock()

	go func() {
		defer close(done)
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(c.markerPath) {
					continue
				}
				marker, exists := readMarker(c.markerPath)
				active := exists && marker.Active
				was := c.stopped.Swap(active)
				if active && !was {
					c.stopReason.Store(marker.Reason)
					logging.SafetyWarn("emergency stop activated externally: %s", marker.Reason)
				} else if !active && was {
					c.stopReason.Store("")
					logging.Safety("emergency stop cleared externally")
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}

// Close stops the marker watcher.
func (c *Controller) Close() error {
	c.mu.Lock()
	w := c.watcher
	done := c.watchDone
	c.watcher = nil
	c.watchDone = nil
	c.mu.Unlock()
	if w == nil {
		return nil
	}
	err := w.Close()
	if done != nil {
		<-done
	}
	return err
}

// ActivateEmergencyStop latches the stop flag and writes the marker file.
func (c *Controller) ActivateEmergencyStop(reason string) error {
	c.stopped.Store(true)
	c.stopReason.Store(reason)
	logging.SafetyError("EMERGENCY STOP: %s", reason)
	return writeMarker(c.markerPath, stopMarker{Reason: reason, Timestamp: c.clock.Now(), Active: true})
}

// ClearEmergencyStop releases the stop flag and rewrites the marker.
func (c *Controller) ClearEmergencyStop(reason string) error {
	c.stopped.Store(false)
	c.stopReason.Store("")
	logging.Safety("emergency stop cleared: %s", reason)
	return writeMarker(c.markerPath, stopMarker{Reason: reason, Timestamp: c.clock.Now(), Active: false})
}

// IsStopped is the O(1) hot-path check.
func (c *Controller) IsStopped() bool { return c.stopped.Load() }

// StopReason returns the active stop reason, empty when not stopped.
func (c *Controller) StopReason() string {
	s, _ := c.stopReason.Load().(string)
	return s
}

func readMarker(path string) (stopMarker, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return stopMarker{}, false
	}
	var m stopMarker
	if err := json.Unmarshal(data, &m); err != nil {
		return stopMarker{}, false
	}
	return m, true
}

func writeMarker(path string, m stopMarker) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// CreateCheckpoint captures the current revision. The checkpoint counts as
// one rate-limited operation.
func (c *Controller) CreateCheckpoint(ctx context.Context, description string, metadata map[string]string) (Checkpoint, error) {
	if c.IsStopped() {
		return Checkpoint{}, ErrEmergencyStopped
	}
	rev, err := c.vcs.CurrentRevision(ctx)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint revision capture failed: %w", err)
	}

	cp := Checkpoint{
		ID:           ident.New("ckpt"),
		Timestamp:    c.clock.Now(),
		RepoRevision: rev,
		Description:  description,
		Metadata:     metadata,
	}

	c.mu.Lock()
	c.checkpoints = append(c.checkpoints, cp)
	c.ops = append(c.ops, c.clock.Now())
	c.mu.Unlock()

	logging.Safety("checkpoint %s at %s: %s", cp.ID, rev[:min(8, len(rev))], description)
	return cp, nil
}

// Rollback restores tracked state to the checkpoint's revision and removes
// untracked additions introduced since. Rolling back to X is refused after
// a rollback to an older checkpoint has occurred.
func (c *Controller) Rollback(ctx context.Context, checkpointID string) error {
	c.mu.Lock()
	idx := -1
	for i, cp := range c.checkpoints {
		if cp.ID == checkpointID {
			idx = i
			break
		}
	}
	if idx == -1 {
		c.mu.Unlock()
		return fmt.Errorf("unknown checkpoint %q", checkpointID)
	}
	if idx < c.lastRollbackSeq {
		c.mu.Unlock()
		return fmt.Errorf("checkpoint %q predates an earlier rollback target", checkpointID)
	}
	cp := c.checkpoints[idx]
	c.lastRollbackSeq = idx
	c.mu.Unlock()

	if err := c.vcs.ResetTo(ctx, cp.RepoRevision); err != nil {
		return fmt.Errorf("rollback reset failed: %w", err)
	}
	if err := c.vcs.CleanUntracked(ctx); err != nil {
		return fmt.Errorf("rollback clean failed: %w", err)
	}
	logging.Safety("rolled back to checkpoint %s (%s)", cp.ID, cp.Description)
	return nil
}

// Checkpoints returns the checkpoint log, oldest first.
func (c *Controller) Checkpoints() []Checkpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Checkpoint(nil), c.checkpoints...)
}

// CoalesceCheckpoints keeps only the oldest n checkpoints. Used on graceful
// cycle completion to drop per-plan checkpoints.
func (c *Controller) CoalesceCheckpoints(keep int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if keep < 0 {
		keep = 0
	}
	if len(c.checkpoints) > keep {
		c.checkpoints = c.checkpoints[:keep]
		if c.lastRollbackSeq > keep {
			c.lastRollbackSeq = keep
		}
	}
}

// RecordOperation counts one mutating operation against the rate limit.
func (c *Controller) RecordOperation() {
	c.mu.Lock()
	c.ops = append(c.ops, c.clock.Now())
	c.mu.Unlock()
}

// operationsLastHourLocked prunes and counts the rolling ring.
func (c *Controller) operationsLastHourLocked() int {
	cutoff := c.clock.Now().Add(-time.Hour)
	kept := c.ops[:0]
	for _, t := range c.ops {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.ops = kept
	return len(c.ops)
}

// Health is the controller's snapshot for the autonomous loop.
type Health struct {
	EmergencyStopped   bool      `json:"emergency_stopped"`
	CheckpointsCount   int       `json:"checkpoints_count"`
	OperationsLastHour int       `json:"operations_last_hour"`
	RepoClean          bool      `json:"repo_clean"`
	DiskSpaceBytes     uint64    `json:"disk_space"`
	MemoryUsageBytes   uint64    `json:"memory_usage"`
	Timestamp          time.Time `json:"timestamp"`
}

// HealthSnapshot reports controller and host health.
func (c *Controller) HealthSnapshot(ctx context.Context) Health {
	c.mu.Lock()
	h := Health{
		EmergencyStopped:   c.IsStopped(),
		CheckpointsCount:   len(c.checkpoints),
		OperationsLastHour: c.operationsLastHourLocked(),
		Timestamp:          c.clock.Now(),
	}
	c.mu.Unlock()

	if status, err := c.vcs.Status(ctx); err == nil {
		h.RepoClean = status == vcs.StatusClean
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	h.MemoryUsageBytes = ms.Alloc
	h.DiskSpaceBytes = diskFree(filepath.Dir(c.markerPath))
	return h
}
