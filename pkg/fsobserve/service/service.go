// Package service implements the process-wide context spec.md §9's
// "Global mutable state" redesign note describes: a Service value owns
// the map of watched roots, the default root configuration and the
// watcher factory, and is threaded through command handlers instead of
// relying on package-level singletons. It has no worker pool: cache loads
// and query execution run on the calling goroutine.
package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/fsobserve/fsobserve/pkg/filesystem"
	"github.com/fsobserve/fsobserve/pkg/fsobserve/logging"
	"github.com/fsobserve/fsobserve/pkg/fsobserve/root"
	"github.com/fsobserve/fsobserve/pkg/fsobserve/watch"
	"github.com/fsobserve/fsobserve/pkg/state"
)

// WatcherFactory constructs the OS-specific watch.Adapter for a newly
// resolved root. Kept as an injected function rather than a direct
// dependency on the concrete inotify/FSEvents/ReadDirectoryChangesW
// constructors so tests can substitute a fake adapter.
type WatcherFactory func(rootPath string) (watch.Adapter, error)

// Service is the top-level process context (spec.md §9). Its
// roots registry is guarded by a state.TrackingLock so that watchers of
// the registry itself (a "list roots" RPC long-polling for changes) can
// use the tracker/WaitForChange idiom rather than inventing a second
// notification mechanism — grounded directly on
// pkg/synchronization/manager.go's sessionsLock/tracker pairing.
type Service struct {
	Logger         *logging.Logger
	DefaultConfig  root.Config
	WatcherFactory WatcherFactory

	tracker   *state.Tracker
	rootsLock *state.TrackingLock
	roots     map[string]*root.Root

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an empty Service with its own cancellable context, which is
// passed to the threads of every root started through Resolve. Shutdown
// cancels that context and cancels every root.
func New(logger *logging.Logger, defaultConfig root.Config, watcherFactory WatcherFactory) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	tracker := state.NewTracker()
	return &Service{
		Logger:         logger,
		DefaultConfig:  defaultConfig,
		WatcherFactory: watcherFactory,
		tracker:        tracker,
		rootsLock:      state.NewTrackingLock(tracker),
		roots:          make(map[string]*root.Root),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Resolve implements spec.md §4.9 "resolve(path, auto_watch)": it looks
// up an existing root by canonical path, or, if auto_watch is set and
// none exists, constructs and starts a new one with the caller-supplied
// ignore rules installed as they are.
func (s *Service) Resolve(rootPath string, autoWatch bool, ignore *root.IgnoreRules) (*root.Root, error) {
	canonical, err := filesystem.Normalize(rootPath)
	if err != nil {
		return nil, fmt.Errorf("service: unable to normalize root path %q: %w", rootPath, err)
	}

	s.rootsLock.Lock()
	if r, ok := s.roots[canonical]; ok {
		s.rootsLock.UnlockWithoutNotify()
		r.Touch()
		return r, nil
	}
	if !autoWatch {
		s.rootsLock.UnlockWithoutNotify()
		return nil, fmt.Errorf("service: root %q is not being watched", canonical)
	}
	s.rootsLock.Unlock()

	adapter, err := s.WatcherFactory(canonical)
	if err != nil {
		return nil, fmt.Errorf("service: unable to construct watcher for %q: %w", canonical, err)
	}

	r := root.New(canonical, adapter, s.Logger.Sublogger(canonical), s.DefaultConfig)
	r.Ignore = ignore
	r.StartThreads(s.ctx)

	s.rootsLock.Lock()
	if existing, ok := s.roots[canonical]; ok {
		// Lost a race with a concurrent Resolve; discard the root we just
		// started and hand back the winner.
		s.rootsLock.UnlockWithoutNotify()
		r.Cancel("superseded by a concurrent resolve")
		existing.Touch()
		return existing, nil
	}
	s.roots[canonical] = r
	s.rootsLock.Unlock()

	return r, nil
}

// Lookup returns an already-resolved root without creating one.
func (s *Service) Lookup(rootPath string) (*root.Root, bool) {
	canonical, err := filesystem.Normalize(rootPath)
	if err != nil {
		return nil, false
	}
	s.rootsLock.Lock()
	defer s.rootsLock.UnlockWithoutNotify()
	r, ok := s.roots[canonical]
	return r, ok
}

// Roots returns a snapshot of every currently resolved root.
func (s *Service) Roots() []*root.Root {
	s.rootsLock.Lock()
	defer s.rootsLock.UnlockWithoutNotify()
	out := make([]*root.Root, 0, len(s.roots))
	for _, r := range s.roots {
		out = append(out, r)
	}
	return out
}

// Reap drops any root for which ConsiderReap reports true, stopping its
// threads first (spec.md §4.9 "consider_reap").
func (s *Service) Reap() {
	for _, r := range s.Roots() {
		if !r.ConsiderReap() {
			continue
		}
		r.SignalThreads()

		// r.RootPath was already normalized by Resolve when it became the
		// map key, so no second Normalize call is needed here.
		s.rootsLock.Lock()
		delete(s.roots, r.RootPath)
		s.rootsLock.Unlock()
	}
}

// WaitForRootsChange blocks until the roots registry has changed since
// previousIndex, returning the new index (state.Tracker.WaitForChange).
// An index of 0 returns immediately with the current index, matching the
// tracker's own first-call convention.
func (s *Service) WaitForRootsChange(ctx context.Context, previousIndex uint64) (uint64, error) {
	return s.tracker.WaitForChange(ctx, previousIndex)
}

// Shutdown cancels every root and stops their threads.
func (s *Service) Shutdown() {
	s.cancel()
	var wg sync.WaitGroup
	for _, r := range s.Roots() {
		wg.Add(1)
		go func(r *root.Root) {
			defer wg.Done()
			r.Cancel("service shutdown")
		}(r)
	}
	wg.Wait()
	s.tracker.Terminate()
}
