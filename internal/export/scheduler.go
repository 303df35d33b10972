package export

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Scheduler exports snapshots to one or more destinations at a fixed interval.
type Scheduler struct {
	src          Source
	destinations []Destination
	interval     time.Duration
	now          func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(src Source, destinations []Destination, interval time.Duration) *Scheduler {
	return &Scheduler{
		src:          src,
		destinations: destinations,
		interval:     interval,
		now:          time.Now,
	}
}

// Start runs an export immediately, then on each tick, until Stop.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// Stop cancels the scheduler and waits for the running export, if any.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context) {
	_, _ = s.Once(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = s.Once(ctx)
		}
	}
}

// Once builds one snapshot and writes it to every destination. A failing destination does
// not stop the others; the first error is returned.
func (s *Scheduler) Once(ctx context.Context) (*Snapshot, error) {
	snap, err := Build(ctx, s.src, s.now())
	if err != nil {
		log.WithError(err).Error("export failed")
		return nil, err
	}
	var first error
	for i, dest := range s.destinations {
		if err := dest.Write(ctx, snap.Name, snap.Data); err != nil {
			log.WithError(err).WithField("destination", i).Error("export destination write failed")
			if first == nil {
				first = err
			}
		}
	}
	log.WithFields(log.Fields{
		"name":         snap.Name,
		"documents":    snap.Documents,
		"bytes":        len(snap.Data),
		"destinations": len(s.destinations),
	}).Info("export completed")
	return snap, first
}
