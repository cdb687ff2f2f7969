package store

import (
	"context"
	"database/sql"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bloom-nucleus/synapse/internal/constants"
)

// ChangeEvent describes a shared key whose value changed since the last
// snapshot. Deleted keys are reported with a zero Version and nil Value.
type ChangeEvent struct {
	Key     string
	Value   []byte
	Version int64
}

// Watch emits an event each time one of keys changes. The first event for a
// key that already holds a value is delivered immediately so late watchers
// observe current state. Changes are detected by polling version counters on
// interval; filesystem notifications on the database directory trigger an
// early poll so writers in other processes are seen promptly. The caller must
// cancel ctx to terminate the watcher.
func (s *Store) Watch(ctx context.Context, interval time.Duration, keys ...string) (<-chan ChangeEvent, error) {
	if s == nil || s.db == nil {
		return nil, sql.ErrConnDone
	}

	if interval <= 0 {
		interval = constants.StoreWatchInterval
	}
	if interval < constants.StoreWatchMinInterval {
		interval = constants.StoreWatchMinInterval
	}

	// Prime with zero versions so existing values are delivered first.
	last := make(map[string]int64, len(keys))
	for _, key := range keys {
		last[key] = 0
	}
	if _, err := s.sharedVersions(ctx, keys); err != nil {
		return nil, err
	}

	var wake <-chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("[Store] fsnotify unavailable, polling only: %v", err)
	} else if err := watcher.Add(filepath.Dir(s.dbPath)); err != nil {
		log.Printf("[Store] watch %s failed, polling only: %v", filepath.Dir(s.dbPath), err)
		watcher.Close()
		watcher = nil
	} else {
		wake = watcher.Events
	}

	out := make(chan ChangeEvent, len(keys)+1)

	go func() {
		defer close(out)
		if watcher != nil {
			defer watcher.Close()
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		poll := func() bool {
			versions, err := s.sharedVersions(ctx, keys)
			if err != nil {
				return ctx.Err() == nil
			}
			for _, key := range keys {
				if versions[key] == last[key] {
					continue
				}
				ev := ChangeEvent{Key: key, Version: versions[key]}
				if ev.Version > 0 {
					entry, err := s.GetShared(ctx, key)
					if err != nil && !IsNotFound(err) {
						continue
					}
					ev.Value = entry.Value
					ev.Version = entry.Version
				}
				select {
				case out <- ev:
					last[key] = ev.Version
				case <-ctx.Done():
					return false
				}
			}
			return true
		}

		if !poll() {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case ev, ok := <-wake:
				if !ok {
					wake = nil
					continue
				}
				if !isDatabaseFile(s.dbPath, ev.Name) {
					continue
				}
			}
			if !poll() {
				return
			}
		}
	}()

	return out, nil
}

func isDatabaseFile(dbPath, name string) bool {
	base := filepath.Base(dbPath)
	switch filepath.Base(name) {
	case base, base + "-wal", base + "-journal":
		return true
	}
	return false
}
