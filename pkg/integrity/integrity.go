// Package integrity maintains a hash baseline of protected files, watches
// them for changes, and answers on-demand integrity checks.
package integrity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/runtime-threat-sensor/internal/types"
)

// maxHashSize skips files too large to hash on every check.
const maxHashSize = 10 * 1024 * 1024

// Listener receives integrity-status change notifications.
type Listener func(verified bool, reason string)

// Checker owns the baseline and the filesystem watcher.
type Checker struct {
	log     *logrus.Logger
	paths   []string
	watcher *fsnotify.Watcher

	mu        sync.RWMutex
	baseline  map[string]string // path -> hex sha256
	verified  bool
	reason    string
	listeners []Listener

	// Detections observed by the watcher, drained by the monitoring loop.
	pending []types.ThreatDetection
}

// New creates a checker and builds the initial baseline. Paths that cannot
// be read are skipped; on a locked-down device that is expected, not an
// error.
func New(paths []string, log *logrus.Logger) (*Checker, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	c := &Checker{
		log:      log,
		paths:    paths,
		watcher:  watcher,
		baseline: make(map[string]string),
		verified: true,
	}
	for _, path := range paths {
		if hash, err := hashFile(path); err == nil {
			c.baseline[path] = hash
		}
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			log.WithError(err).WithField("path", path).Debug("Cannot watch path")
		}
	}
	return c, nil
}

// Watch processes filesystem events until the context is cancelled.
func (c *Checker) Watch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.watcher.Close()
			return
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			c.handleEvent(event)
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.log.WithError(err).Debug("Watcher error")
		}
	}
}

func (c *Checker) handleEvent(event fsnotify.Event) {
	c.mu.RLock()
	_, protected := c.baseline[event.Name]
	c.mu.RUnlock()
	if !protected {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename|fsnotify.Chmod) == 0 {
		return
	}

	verified, reason := c.Check()
	if !verified {
		c.mu.Lock()
		c.pending = append(c.pending, types.ThreatDetection{
			SignatureID: "integrity_violation",
			IndicatorID: "hash_mismatch",
			Detail:      reason,
			Timestamp:   time.Now(),
			Confirmed:   true,
			Confidence:  1.0,
		})
		c.mu.Unlock()
	}
}

// Check rehashes every baselined file and compares against the baseline.
// Returns (true, "") when everything matches, else (false, reason) naming
// the first mismatch. Status changes notify registered listeners.
func (c *Checker) Check() (bool, string) {
	c.mu.RLock()
	baseline := make(map[string]string, len(c.baseline))
	for path, hash := range c.baseline {
		baseline[path] = hash
	}
	c.mu.RUnlock()

	verified, reason := true, ""
	for path, want := range baseline {
		got, err := hashFile(path)
		if err != nil {
			verified, reason = false, fmt.Sprintf("protected file %s unreadable", path)
			break
		}
		if got != want {
			verified, reason = false, fmt.Sprintf("protected file %s hash mismatch", path)
			break
		}
	}

	c.mu.Lock()
	changed := verified != c.verified || reason != c.reason
	c.verified, c.reason = verified, reason
	listeners := make([]Listener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	if changed {
		c.log.WithFields(logrus.Fields{"verified": verified, "reason": reason}).Info("Integrity status changed")
		for _, l := range listeners {
			l(verified, reason)
		}
	}
	return verified, reason
}

// OnChange registers a listener for integrity-status changes.
func (c *Checker) OnChange(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Drain returns detections accumulated by the watcher since the last call.
func (c *Checker) Drain() []types.ThreatDetection {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.pending
	c.pending = nil
	return out
}

func hashFile(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if !info.Mode().IsRegular() || info.Size() > maxHashSize {
		return "", fmt.Errorf("not hashable: %s", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
