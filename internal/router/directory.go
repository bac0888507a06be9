// Directory snapshot of live upstream instances.
//
// DESIGN: Service discovery is an external collaborator; this file only
// consumes its output. The directory is a YAML file listing instances per
// provider. It is parsed into an immutable Snapshot swapped atomically, so
// the dispatch path never observes a partial update. Refresh happens on
// fsnotify write events plus a periodic re-read as a safety net for
// editors and mounts that do not generate events.
package router

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Instance is one live upstream endpoint for a provider.
type Instance struct {
	Provider string `yaml:"provider"` // Provider id, matches route rules
	BaseURL  string `yaml:"base_url"` // Upstream base address
	Healthy  bool   `yaml:"healthy"`  // Eligibility flag maintained by discovery
}

// Snapshot is an immutable view of the directory at one point in time.
type Snapshot struct {
	byProvider map[string][]Instance
	LoadedAt   time.Time
}

// Len returns the total number of instances in the snapshot.
func (s *Snapshot) Len() int {
	n := 0
	for _, list := range s.byProvider {
		n += len(list)
	}
	return n
}

// Healthy returns the eligible instances for a provider, in file order.
func (s *Snapshot) Healthy(provider string) []Instance {
	var out []Instance
	for _, inst := range s.byProvider[provider] {
		if inst.Healthy {
			out = append(out, inst)
		}
	}
	return out
}

// directoryFile is the on-disk shape.
type directoryFile struct {
	Instances []Instance `yaml:"instances"`
}

// Directory holds the current snapshot and keeps it fresh.
type Directory struct {
	path     string
	current  atomic.Pointer[Snapshot]
	interval time.Duration
	stopChan chan struct{}
	stopped  atomic.Bool
}

// OpenDirectory loads the directory file and starts the refresh loop.
func OpenDirectory(path string, refreshInterval time.Duration) (*Directory, error) {
	d := &Directory{
		path:     path,
		interval: refreshInterval,
		stopChan: make(chan struct{}),
	}

	snap, err := loadSnapshot(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load directory '%s': %w", path, err)
	}
	d.current.Store(snap)

	go d.refreshLoop()
	return d, nil
}

// NewStaticDirectory wraps a fixed set of instances with no refresh.
// Used by tests and by embedders that manage discovery themselves.
func NewStaticDirectory(instances []Instance) *Directory {
	d := &Directory{stopChan: make(chan struct{})}
	d.current.Store(buildSnapshot(instances))
	d.stopped.Store(true)
	return d
}

// Snapshot returns the current immutable snapshot.
func (d *Directory) Snapshot() *Snapshot {
	return d.current.Load()
}

// Replace swaps in a new instance set (used by embedders and tests).
func (d *Directory) Replace(instances []Instance) {
	d.current.Store(buildSnapshot(instances))
}

// Close stops the refresh loop.
func (d *Directory) Close() {
	if d.stopped.CompareAndSwap(false, true) {
		close(d.stopChan)
	}
}

// refreshLoop reloads the file on change events and on a ticker.
func (d *Directory) refreshLoop() {
	interval := d.interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn().Err(err).Msg("directory: fsnotify unavailable, falling back to polling")
	} else {
		defer watcher.Close()
		// Watch the parent dir: atomic rename-into-place replaces the
		// watched inode otherwise.
		if err := watcher.Add(filepath.Dir(d.path)); err != nil {
			log.Warn().Err(err).Str("path", d.path).Msg("directory: watch failed, falling back to polling")
		}
	}

	var watchEvents chan fsnotify.Event
	var watchErrors chan error
	if watcher != nil {
		watchEvents = watcher.Events
		watchErrors = watcher.Errors
	}

	for {
		select {
		case <-d.stopChan:
			return
		case <-ticker.C:
			d.reload()
		case ev := <-watchEvents:
			if filepath.Clean(ev.Name) != filepath.Clean(d.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				d.reload()
			}
		case err := <-watchErrors:
			log.Warn().Err(err).Msg("directory: watcher error")
		}
	}
}

// reload re-reads the file, keeping the previous snapshot on failure.
func (d *Directory) reload() {
	snap, err := loadSnapshot(d.path)
	if err != nil {
		log.Error().Err(err).Str("path", d.path).Msg("directory: reload failed, keeping previous snapshot")
		return
	}
	d.current.Store(snap)
	log.Debug().Str("path", d.path).Msg("directory: snapshot refreshed")
}

func loadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file directoryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse directory file: %w", err)
	}
	return buildSnapshot(file.Instances), nil
}

func buildSnapshot(instances []Instance) *Snapshot {
	byProvider := make(map[string][]Instance)
	for _, inst := range instances {
		byProvider[inst.Provider] = append(byProvider[inst.Provider], inst)
	}
	return &Snapshot{byProvider: byProvider, LoadedAt: time.Now()}
}
