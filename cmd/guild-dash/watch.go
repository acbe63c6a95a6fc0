package main

import (
	"log"
	"os"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fsnotify/fsnotify"
)

// fsChangeMsg is sent when the hub database changes on disk.
type fsChangeMsg struct{}

// watchHubDir creates a file system watcher for the directory holding
// the hub database, so WAL appends trigger a refresh between polls.
// Returns nil if the directory doesn't exist or watcher creation fails
// (dashboard falls back to polling-only mode).
func watchHubDir(dbPath string) tea.Cmd {
	watcher := initWatcher(filepath.Dir(dbPath))
	if watcher == nil {
		return nil
	}
	return runWatcher(watcher)
}

// initWatcher creates and initializes a file system watcher for the given directory.
// Returns nil if initialization fails.
func initWatcher(dir string) *fsnotify.Watcher {
	if _, err := os.Stat(dir); err != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("fsnotify: failed to create watcher: %v (falling back to polling)", err)
		return nil
	}

	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		log.Printf("fsnotify: failed to watch %s: %v (falling back to polling)", dir, err)
		return nil
	}

	return watcher
}

// runWatcher returns a tea.Cmd that monitors file system events and returns
// fsChangeMsg when changes settle (debounced to avoid thundering herd).
func runWatcher(watcher *fsnotify.Watcher) tea.Cmd {
	return func() tea.Msg {
		debounceTimer := newDebounceTimer()
		defer debounceTimer.Stop()

		for {
			select {
			case _, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				resetDebounceTimer(debounceTimer)

			case <-debounceTimer.C:
				return fsChangeMsg{}

			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				log.Printf("fsnotify: watcher error: %v", err)
				return nil
			}
		}
	}
}

// newDebounceTimer creates a stopped timer for debouncing file system events.
func newDebounceTimer() *time.Timer {
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	return timer
}

// resetDebounceTimer resets the debounce timer to prevent rapid-fire events.
func resetDebounceTimer(timer *time.Timer) {
	const debounceDuration = 100 * time.Millisecond
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(debounceDuration)
}
