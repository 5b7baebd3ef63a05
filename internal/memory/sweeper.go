package memory

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"
)

// Sweeper periodically deletes expired short-term rows. With redis
// attached, a SetNX lock keeps multiple replicas from sweeping at once.
type Sweeper struct {
	Service *Service
	Cron    string
	Rdb     *redis.Client
	Stop    chan struct{}

	logger  *log.Logger
	lastRun *time.Time
}

func NewSweeper(svc *Service, cron string, rdb *redis.Client) *Sweeper {
	return &Sweeper{
		Service: svc,
		Cron:    cron,
		Rdb:     rdb,
		Stop:    make(chan struct{}),
		logger:  log.New(log.Writer(), "[SWEEP] ", log.LstdFlags),
	}
}

func (s *Sweeper) Start() {
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

func (s *Sweeper) tick() {
	if !sweepDue(s.Cron, s.lastRun) {
		return
	}
	ctx := context.Background()
	if s.Rdb != nil {
		ok, _ := s.Rdb.SetNX(ctx, "archon:sweep:lock", "1", 2*time.Minute).Result()
		if !ok {
			return
		}
		defer s.Rdb.Del(ctx, "archon:sweep:lock")
	}
	now := time.Now()
	s.lastRun = &now
	if _, err := s.Service.SweepExpired(ctx); err != nil {
		s.logger.Printf("sweep failed: %v", err)
	}
}

// sweepDue reports whether the cron spec fires between the last run and
// now. Supports "@hourly", "@daily", and 5-field cron expressions; an
// unparsable spec falls back to hourly.
func sweepDue(cronSpec string, last *time.Time) bool {
	now := time.Now()
	if last == nil {
		return true
	}
	switch cronSpec {
	case "@daily":
		return now.Sub(*last) >= 24*time.Hour
	case "@hourly", "":
		return now.Sub(*last) >= time.Hour
	default:
		expr, err := cronexpr.Parse(cronSpec)
		if err != nil {
			return now.Sub(*last) >= time.Hour
		}
		return !expr.Next(*last).After(now)
	}
}
