// remote_scheduler.go: Periodic refresh of remote base profiles
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package verge

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

type remoteEntry struct {
	id       cron.EntryID
	interval int
}

// RemoteScheduler refreshes every remote item that has an update interval.
// Sync must be called whenever the profile registry changes so that the
// schedule follows added, removed and re-timed items.
type RemoteScheduler struct {
	coordinator *Coordinator
	fetcher     *RemoteFetcher
	apply       bool
	ctx         context.Context

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]remoteEntry
}

// NewRemoteScheduler creates a scheduler. When apply is true a refresh of the
// current base profile re-applies the configuration; leave it false when a
// ProfileWatcher already reacts to content changes.
func NewRemoteScheduler(ctx context.Context, coordinator *Coordinator, fetcher *RemoteFetcher, apply bool) *RemoteScheduler {
	return &RemoteScheduler{
		coordinator: coordinator,
		fetcher:     fetcher,
		apply:       apply,
		ctx:         ctx,
		cron:        cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		entries:     make(map[string]remoteEntry),
	}
}

// Start runs the scheduler after syncing it with the registry.
func (s *RemoteScheduler) Start() {
	s.Sync()
	s.cron.Start()
}

// Stop halts the scheduler and waits for running refreshes.
func (s *RemoteScheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Sync reconciles scheduled refreshes with the remote items in the registry.
func (s *RemoteScheduler) Sync() {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]int)
	for _, item := range s.coordinator.Registry().Profiles().Latest().Value().Items {
		if item.Type == ItemRemote && item.URL != "" && item.UpdateInterval > 0 {
			wanted[item.UID] = item.UpdateInterval
		}
	}

	for uid, entry := range s.entries {
		if interval, ok := wanted[uid]; !ok || interval != entry.interval {
			s.cron.Remove(entry.id)
			delete(s.entries, uid)
		}
	}
	for uid, interval := range wanted {
		if _, ok := s.entries[uid]; ok {
			continue
		}
		uid := uid
		id := s.cron.Schedule(cron.Every(time.Duration(interval)*time.Minute), cron.FuncJob(func() {
			s.refresh(uid)
		}))
		s.entries[uid] = remoteEntry{id: id, interval: interval}
	}
}

// Entries returns the uids with a scheduled refresh, sorted.
func (s *RemoteScheduler) Entries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	uids := make([]string, 0, len(s.entries))
	for uid := range s.entries {
		uids = append(uids, uid)
	}
	sort.Strings(uids)
	return uids
}

func (s *RemoteScheduler) refresh(uid string) {
	cfg := s.coordinator.Config()
	current, err := RefreshRemoteProfile(s.ctx, s.coordinator.Registry(), s.coordinator.Store(), s.fetcher, uid)
	if err != nil {
		cfg.handleError(err, uid)
		return
	}
	if current && s.apply {
		if _, err := s.coordinator.ApplyAsync(s.ctx); err != nil {
			cfg.handleError(err, uid)
		}
	}
}
