package server

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/dylanparallax/trellis-v4-sub000/internal/rag"
)

// DrainScheduler periodically drains the index queue on a cron cadence.
// With redis configured, a SetNX lock keeps multiple instances from
// draining the same batch twice.
type DrainScheduler struct {
	Indexer   *rag.Indexer
	Rdb       *redis.Client
	CronSpec  string
	BatchSize int
	Stop      chan struct{}
	Logger    *log.Logger

	lastRun *time.Time
}

func (s *DrainScheduler) Start() {
	if s.Logger == nil {
		s.Logger = log.New(log.Writer(), "[DRAIN] ", log.LstdFlags)
	}
	ticker := time.NewTicker(time.Minute)
	go func() {
		for {
			select {
			case <-s.Stop:
				ticker.Stop()
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

func (s *DrainScheduler) Shutdown() {
	close(s.Stop)
}

func (s *DrainScheduler) tick() {
	if !isDue(s.CronSpec, s.lastRun) {
		return
	}
	now := time.Now()
	s.lastRun = &now

	ctx := context.Background()
	release, ok := acquireDrainLock(ctx, s.Rdb)
	if !ok {
		return
	}
	defer release()

	stats, err := s.Indexer.ProcessQueue(ctx, s.BatchSize)
	if err != nil {
		s.Logger.Printf("drain failed: %v", err)
		return
	}
	if stats.Processed > 0 {
		s.Logger.Printf("drained %d entries (ok=%d failed=%d skipped=%d dead=%d chunks=%d)",
			stats.Processed, stats.Succeeded, stats.Failed, stats.Skipped, stats.Dead, stats.Chunks)
	}
}

// isDue determines if a drain with cronSpec should run now based on the
// last run time. Supports "@daily", "@hourly", and standard 5-field cron
// expressions.
func isDue(cronSpec string, last *time.Time) bool {
	now := time.Now()
	switch cronSpec {
	case "@daily":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= 24*time.Hour
	case "@hourly":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= time.Hour
	default:
		expr, err := cronexpr.Parse(cronSpec)
		if err != nil {
			if last == nil {
				return true
			}
			return now.Sub(*last) >= 24*time.Hour
		}
		if last == nil {
			return true
		}
		next := expr.Next(*last)
		return !next.After(now)
	}
}
