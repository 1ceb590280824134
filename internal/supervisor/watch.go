package supervisor

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"sync"
	"sync/atomic"
)

// watcher resolves once when its process prints a matching line (or, with
// no pattern, reaches Running) and fails if the process ends first.
type watcher struct {
	pattern *regexp.Regexp
	done    chan struct{}
	err     error
}

func (w *watcher) resolve(err error) {
	w.err = err
	close(w.done)
}

// Wait blocks until the watcher resolves or ctx ends.
func (w *watcher) Wait(ctx context.Context) error {
	select {
	case <-w.done:
		return w.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// watchers is shared between the supervisor goroutine and the output
// readers.
type watchers struct {
	mu     sync.Mutex
	byName map[string][]*watcher
	count  atomic.Int32
}

func newWatchers() *watchers {
	return &watchers{byName: make(map[string][]*watcher)}
}

func (ws *watchers) add(name string, pattern *regexp.Regexp) *watcher {
	w := &watcher{pattern: pattern, done: make(chan struct{})}

	ws.mu.Lock()
	ws.byName[name] = append(ws.byName[name], w)
	ws.mu.Unlock()
	ws.count.Add(1)

	return w
}

func (ws *watchers) remove(name string, w *watcher) {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	list := ws.byName[name]

	i := slices.Index(list, w)
	if i < 0 {
		return
	}

	ws.byName[name] = slices.Delete(list, i, i+1)
	ws.count.Add(-1)
}

// settle resolves and removes every watcher of name selected by pick.
func (ws *watchers) settle(name string, pick func(*watcher) bool, err error) {
	if ws.count.Load() == 0 {
		return
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()

	list := ws.byName[name]
	kept := list[:0]

	for _, w := range list {
		if pick(w) {
			w.resolve(err)
			ws.count.Add(-1)

			continue
		}

		kept = append(kept, w)
	}

	clear(list[len(kept):])
	ws.byName[name] = kept
}

func (ws *watchers) line(name, text string) {
	ws.settle(name, func(w *watcher) bool {
		return w.pattern != nil && w.pattern.MatchString(text)
	}, nil)
}

func (ws *watchers) running(name string) {
	ws.settle(name, func(w *watcher) bool { return w.pattern == nil }, nil)
}

func (ws *watchers) ended(name string) {
	ws.settle(name, func(*watcher) bool { return true }, fmt.Errorf("%w: %s", ErrUnexpectedExit, name))
}

// WaitForMatch blocks until name prints a line matching pattern. It fails
// with ErrUnexpectedExit if the process ends first. A process that is not
// running yet is awaited until it starts.
func (s *Supervisor) WaitForMatch(ctx context.Context, name string, pattern *regexp.Regexp) error {
	if _, ok := s.specs[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProcess, name)
	}

	if pattern == nil {
		return fmt.Errorf("wait for %s: nil pattern", name)
	}

	w := s.watchers.add(name, pattern)
	defer s.watchers.remove(name, w)

	return w.Wait(ctx)
}
