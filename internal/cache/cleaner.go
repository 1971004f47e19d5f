package cache

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	cleanerStartDelay = time.Second
	cleanerMinDelay   = 2 * time.Second
	cleanerMaxDelay   = 64 * time.Second
)

// Cleaner culls a Store in the background. Each pass removes expired
// entries and entries whose source is gone, then the least recently
// used entries until the store is within its entry and size limits,
// then orphaned files.
type Cleaner struct {
	store *Store
	gone  func(rel string) bool
	delay time.Duration
}

// CleanerOption configures a Cleaner.
type CleanerOption func(*Cleaner)

// SourceGone makes the cleaner drop the entries of paths for which gone
// reports true.
func SourceGone(gone func(rel string) bool) CleanerOption {
	return func(c *Cleaner) {
		c.gone = gone
	}
}

// NewCleaner returns a Cleaner for s.
func NewCleaner(s *Store, opts ...CleanerOption) *Cleaner {
	c := &Cleaner{store: s, delay: cleanerStartDelay}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run culls the store until ctx is done. The pause between passes
// doubles while there is nothing to do and halves while passes find
// work.
func (c *Cleaner) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.store.clock.After(c.delay):
		}
		if c.Cull() > 0 {
			c.delay = max(c.delay/2, cleanerMinDelay)
		} else {
			c.delay = min(c.delay*2, cleanerMaxDelay)
		}
	}
}

// Cull runs one pass and returns the number of entries and files
// removed.
func (c *Cleaner) Cull() int {
	s := c.store
	entries := s.Entries()

	expired, deleted := 0, 0
	live := entries[:0]
	for _, e := range entries {
		switch {
		case !s.IsFresh(e):
			if s.Drop(e) {
				expired++
			}
		case c.gone != nil && c.gone(e.Path):
			if s.Drop(e) {
				deleted++
			}
		default:
			live = append(live, e)
		}
	}
	s.metrics.RecordRemoval("expired", expired)
	s.metrics.RecordRemoval("deleted", deleted)

	count, size := s.Stats()
	overflow := 0
	for _, e := range live {
		overCount := s.entryLimit > 0 && count > s.entryLimit
		overSize := s.sizeLimit > 0 && size > s.sizeLimit
		if !overCount && !overSize {
			break
		}
		if s.Drop(e) {
			overflow++
			count--
			size -= e.Size
		}
	}
	s.metrics.RecordRemoval("limit", overflow)

	orphans := s.RemoveOrphans()
	s.metrics.RecordRemoval("orphan", orphans)

	removed := expired + deleted + overflow + orphans
	if removed > 0 {
		s.logger.Debug("cache culled",
			zap.Int("expired", expired),
			zap.Int("deleted", deleted),
			zap.Int("over_limit", overflow),
			zap.Int("orphans", orphans))
	}
	return removed
}
