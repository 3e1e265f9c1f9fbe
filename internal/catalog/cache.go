// Package catalog maintains the in-memory cache of no-cost package ids
// that the add-free-games endpoint claims on behalf of sessions.
package catalog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Scanner produces a fresh set of free package ids. Implemented by
// WebAPI; tests substitute a stub.
type Scanner interface {
	FetchFreePackageIDs(ctx context.Context) ([]uint32, error)
}

const (
	// DefaultRefreshInterval matches the original daily rescan.
	DefaultRefreshInterval = 24 * time.Hour
	// DefaultStartupDelay gives the rest of the process time to come up
	// before the first scan hits the network.
	DefaultStartupDelay = 5 * time.Second
)

// Cache is the background-refreshed set of free packages. Readers get
// a sorted snapshot; a failed or empty scan leaves the previous set
// intact.
type Cache struct {
	scanner         Scanner
	refreshInterval time.Duration
	startupDelay    time.Duration

	mu  sync.RWMutex
	ids map[uint32]struct{}
}

func NewCache(scanner Scanner, refreshInterval, startupDelay time.Duration) *Cache {
	if refreshInterval <= 0 {
		refreshInterval = DefaultRefreshInterval
	}
	if startupDelay < 0 {
		startupDelay = DefaultStartupDelay
	}
	return &Cache{
		scanner:         scanner,
		refreshInterval: refreshInterval,
		startupDelay:    startupDelay,
		ids:             make(map[uint32]struct{}),
	}
}

// Run refreshes the cache once after the startup delay and then on
// every refresh interval, until ctx is cancelled.
func (c *Cache) Run(ctx context.Context) {
	log.Info().Dur("refresh", c.refreshInterval).Msg("free package cache service started")

	select {
	case <-ctx.Done():
		return
	case <-time.After(c.startupDelay):
	}
	c.refresh(ctx)

	ticker := time.NewTicker(c.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("free package cache service stopped")
			return
		case <-ticker.C:
			c.refresh(ctx)
		}
	}
}

func (c *Cache) refresh(ctx context.Context) {
	log.Info().Msg("scanning steam web api for free packages")

	ids, err := c.scanner.FetchFreePackageIDs(ctx)
	if err != nil {
		log.Error().Err(err).Msg("free package scan failed, keeping previous cache")
		return
	}
	if len(ids) == 0 {
		log.Warn().Msg("free package scan found nothing, keeping previous cache")
		return
	}

	next := make(map[uint32]struct{}, len(ids))
	for _, id := range ids {
		next[id] = struct{}{}
	}
	c.mu.Lock()
	c.ids = next
	c.mu.Unlock()
	log.Info().Int("packages", len(next)).Msg("free package cache updated")
}

// FreePackages returns the cached free package ids, sorted. May be
// empty before the first successful scan.
func (c *Cache) FreePackages() []uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]uint32, 0, len(c.ids))
	for id := range c.ids {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
