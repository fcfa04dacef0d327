package registry

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"sst/telemetry/pkg/session"
)

const watchDebounce = 500 * time.Millisecond

// Watch reloads the store whenever its file changes and passes the new record
// list to onChange. Bursts of events within the debounce window cause one
// reload. It blocks until ctx is done.
func (s *Store) Watch(ctx context.Context, onChange func([]Record)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("registry watcher: %w", err)
	}
	defer w.Close()
	abs, err := filepath.Abs(s.path)
	if err != nil {
		return err
	}
	// Watch the directory so editors that replace the file are seen too.
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	reload := func() {
		if err := s.Load(); err != nil {
			log.Printf("[REGISTRY] reload %s failed, keeping previous records: %v", s.path, err)
			return
		}
		recs := s.List()
		log.Printf("[REGISTRY] reloaded %d server(s)", len(recs))
		onChange(recs)
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != filepath.Base(abs) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			mu.Lock()
			if timer == nil {
				timer = time.AfterFunc(watchDebounce, reload)
			} else {
				timer.Reset(watchDebounce)
			}
			mu.Unlock()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Printf("[REGISTRY] watch error: %v", err)
		}
	}
}

// Changes is what a client must do to move from one record list to another.
// Disconnects are applied before connects.
type Changes struct {
	Disconnect []session.Endpoint
	Connect    []Record
}

func (c Changes) Empty() bool { return len(c.Disconnect) == 0 && len(c.Connect) == 0 }

// Diff compares record lists by name. New records are connected, removed ones
// disconnected, and a record whose endpoint or secret changed is disconnected
// from its old endpoint and connected again. An endpoint still served by an
// unchanged record is never disconnected.
func Diff(old, next []Record) Changes {
	oldBy := make(map[string]Record, len(old))
	for _, r := range old {
		oldBy[r.Name] = r
	}
	keep := make(map[session.Endpoint]struct{})
	var ch Changes
	var dropped []session.Endpoint
	seen := make(map[string]struct{}, len(next))
	for _, r := range next {
		seen[r.Name] = struct{}{}
		prev, ok := oldBy[r.Name]
		switch {
		case !ok:
			ch.Connect = append(ch.Connect, r)
		case prev != r:
			dropped = append(dropped, prev.Endpoint())
			ch.Connect = append(ch.Connect, r)
		default:
			keep[r.Endpoint()] = struct{}{}
		}
	}
	for _, r := range old {
		if _, ok := seen[r.Name]; !ok {
			dropped = append(dropped, r.Endpoint())
		}
	}
	done := make(map[session.Endpoint]struct{})
	for _, ep := range dropped {
		if _, ok := keep[ep]; ok {
			continue
		}
		if _, ok := done[ep]; ok {
			continue
		}
		done[ep] = struct{}{}
		ch.Disconnect = append(ch.Disconnect, ep)
	}
	return ch
}
