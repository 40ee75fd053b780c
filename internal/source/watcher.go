package source

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches a DirSource directory and reports which
// payload requests changed once writes settle for the debounce
// period.
type Watcher struct {
	src      *DirSource
	onChange func(reqs []Request)
	watcher  *fsnotify.Watcher
	debounce time.Duration
	pending  map[Request]time.Time
	mu       sync.Mutex
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewWatcher creates a watcher for src's directory. onChange is
// called from the watcher goroutine.
func NewWatcher(
	src *DirSource, debounce time.Duration,
	onChange func(reqs []Request),
) (*Watcher, error) {
	if onChange == nil {
		return nil, fmt.Errorf("onChange callback is nil: %w", os.ErrInvalid)
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(src.Dir()); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watching %s: %w", src.Dir(), err)
	}

	return &Watcher{
		src:      src,
		onChange: onChange,
		watcher:  fsw,
		debounce: debounce,
		pending:  make(map[Request]time.Time),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		now:      time.Now,
	}, nil
}

// Start begins processing file events in a goroutine.
func (w *Watcher) Start() {
	go w.loop()
}

// Stop stops the watcher and waits for it to finish.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		<-w.done
		w.watcher.Close()
	})
}

func (w *Watcher) loop() {
	defer close(w.done)
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("payload watcher error: %v", err)

		case <-ticker.C:
			w.flush()
		}
	}
}

// handleEvent records a pending change for payload files that
// were written, created, or renamed into place.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}
	req, ok := w.src.RequestForPath(filepath.Clean(event.Name))
	if !ok {
		return
	}

	w.mu.Lock()
	w.pending[req] = w.now()
	w.mu.Unlock()
}

func (w *Watcher) flush() {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}

	now := w.now()
	var ready []Request
	for req, t := range w.pending {
		if now.Sub(t) >= w.debounce {
			ready = append(ready, req)
		}
	}
	for _, req := range ready {
		delete(w.pending, req)
	}
	w.mu.Unlock()

	if len(ready) == 0 {
		return
	}
	slices.SortFunc(ready, func(a, b Request) int {
		if a.Team != b.Team {
			if a.Team < b.Team {
				return -1
			}
			return 1
		}
		switch {
		case a.IncludeFollowing == b.IncludeFollowing:
			return 0
		case b.IncludeFollowing:
			return -1
		}
		return 1
	})
	log.Printf("payload watcher: %d payload(s) changed", len(ready))
	w.onChange(ready)
}
