package scheduler

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"dsrules/internal/events"
	"dsrules/internal/logging"
)

// Raiser accepts events for dispatch
type Raiser interface {
	Raise(ev events.Event)
}

// Schedule raises Event whenever Spec fires
type Schedule struct {
	ID    string
	Spec  string
	Event events.Event
}

// Cron manages time-based event sources
type Cron struct {
	cron      *cron.Cron
	raiser    Raiser
	jobMap    map[string]cron.EntryID // Maps schedule ID to cron entry ID
	jobMapMux sync.RWMutex            // Protects jobMap
	log       zerolog.Logger
}

// NewCron creates a cron source. Specs carry a leading seconds field.
func NewCron(raiser Raiser, loc *time.Location) *Cron {
	if loc == nil {
		loc = time.Local
	}
	return &Cron{
		cron:   cron.New(cron.WithSeconds(), cron.WithLocation(loc)),
		raiser: raiser,
		jobMap: make(map[string]cron.EntryID),
		log:    logging.Component("cron"),
	}
}

// Start starts the cron scheduler
func (c *Cron) Start() {
	c.cron.Start()
	c.log.Info().Msg("cron scheduler started")
}

// Stop stops the cron scheduler and waits for running jobs
func (c *Cron) Stop() {
	ctx := c.cron.Stop()
	<-ctx.Done()
	c.log.Info().Msg("cron scheduler stopped")
}

// LoadSchedules adds every schedule, skipping ones that fail to parse
func (c *Cron) LoadSchedules(schedules []Schedule) error {
	c.log.Info().Int("count", len(schedules)).Msg("loading schedules")
	var firstErr error
	for _, s := range schedules {
		if err := c.AddOrUpdateSchedule(s); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.log.Info().Int("loaded", c.ScheduledJobCount()).Msg("schedules loaded")
	return firstErr
}

// AddOrUpdateSchedule adds or replaces a single schedule
func (c *Cron) AddOrUpdateSchedule(s Schedule) error {
	c.RemoveSchedule(s.ID)

	ev := s.Event
	id := s.ID
	entryID, err := c.cron.AddFunc(s.Spec, func() {
		c.log.Debug().Str("schedule", id).Str("event", ev.Name).Msg("cron job triggered")
		c.raiser.Raise(events.New(ev.Name, ev.Parameter))
	})
	if err != nil {
		c.log.Error().Err(err).Str("schedule", s.ID).Str("cron", s.Spec).Msg("failed to add schedule")
		return err
	}

	c.jobMapMux.Lock()
	c.jobMap[s.ID] = entryID
	c.jobMapMux.Unlock()

	c.log.Info().Str("schedule", s.ID).Str("cron", s.Spec).Int("entry", int(entryID)).Msg("schedule added")
	return nil
}

// RemoveSchedule removes a schedule by its ID
func (c *Cron) RemoveSchedule(id string) {
	c.jobMapMux.Lock()
	defer c.jobMapMux.Unlock()

	if entryID, exists := c.jobMap[id]; exists {
		c.cron.Remove(entryID)
		delete(c.jobMap, id)
		c.log.Info().Str("schedule", id).Msg("schedule removed")
	}
}

// ScheduledJobCount returns the number of currently scheduled jobs
func (c *Cron) ScheduledJobCount() int {
	c.jobMapMux.RLock()
	defer c.jobMapMux.RUnlock()
	return len(c.jobMap)
}

