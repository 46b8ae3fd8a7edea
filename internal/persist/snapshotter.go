package persist

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"shellq/internal/state"
	logx "shellq/pkg/logx"
)

// Snapshotter saves periodic snapshots on a cron schedule. The shutdown path
// takes its own final snapshot; this exists so a crash loses at most one
// schedule interval of history.
type Snapshotter struct {
	store  Store
	source func() state.Snapshot
	log    logx.Logger

	parser cron.Parser
	c      *cron.Cron
}

func NewSnapshotter(store Store, source func() state.Snapshot, log logx.Logger) *Snapshotter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Snapshotter{
		store:  store,
		source: source,
		log:    log,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Start validates the schedule and begins taking snapshots. A nil store or
// empty schedule disables the snapshotter without error.
func (s *Snapshotter) Start(schedule string) error {
	if s.store == nil || schedule == "" {
		return nil
	}
	sched, err := s.parser.Parse(schedule)
	if err != nil {
		return err
	}
	s.c = cron.New(cron.WithParser(s.parser))
	s.c.Schedule(sched, cron.FuncJob(s.snapshotOnce))
	s.c.Start()
	s.log.Info("periodic snapshots enabled", logx.String("schedule", schedule))
	return nil
}

func (s *Snapshotter) snapshotOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	snap := s.source()
	if err := s.store.SaveSnapshot(ctx, snap); err != nil {
		s.log.Warn("periodic snapshot failed", logx.Err(err))
		return
	}
	s.log.Debug("snapshot saved",
		logx.Int("tasks", len(snap.Tasks)),
		logx.Int("groups", len(snap.Groups)))
}

// Stop halts the schedule and waits for an in-flight snapshot to finish.
func (s *Snapshotter) Stop() {
	if s.c == nil {
		return
	}
	<-s.c.Stop().Done()
}
