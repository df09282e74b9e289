// Package janitor periodically sweeps terminal sessions out of the store
// once they age past a retention window.
package janitor

import (
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Tafka-4/codex-agent-management/internal/session"
)

// Deleter removes one session, cancelling it first if needed.
type Deleter interface {
	Delete(id string) bool
}

// Janitor runs a cron-scheduled sweep over the session store.
type Janitor struct {
	store     *session.Store
	deleter   Deleter
	retention time.Duration
	cron      *cron.Cron
}

// New creates a janitor deleting terminal sessions whose last mutation is
// older than retention.
func New(store *session.Store, deleter Deleter, retention time.Duration) *Janitor {
	return &Janitor{
		store:     store,
		deleter:   deleter,
		retention: retention,
		cron:      cron.New(),
	}
}

// Start schedules the sweep. The schedule uses the cron spec format,
// including descriptors such as "@every 10m".
func (j *Janitor) Start(schedule string) error {
	if _, err := j.cron.AddFunc(schedule, func() { j.Sweep() }); err != nil {
		return err
	}
	j.cron.Start()
	return nil
}

// Stop halts the schedule. A sweep already in progress finishes.
func (j *Janitor) Stop() {
	j.cron.Stop()
}

// Sweep deletes every terminal session older than the retention window and
// returns how many were removed.
func (j *Janitor) Sweep() int {
	cutoff := time.Now().UTC().Add(-j.retention)
	removed := 0
	for _, s := range j.store.List() {
		st := s.Status()
		if !st.Terminal() && st != session.StatusError {
			continue
		}
		if s.UpdatedAt().After(cutoff) {
			continue
		}
		if j.deleter.Delete(s.ID()) {
			removed++
		}
	}
	if removed > 0 {
		log.Printf("janitor: swept %d terminal session(s)", removed)
	}
	return removed
}
