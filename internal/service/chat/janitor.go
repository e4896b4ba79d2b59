package chat

import (
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// IdleEvictor drops sessions that have not been used recently.
type IdleEvictor interface {
	EvictIdle(olderThan time.Duration) int
}

// Janitor periodically evicts idle conversations from an IdleEvictor.
type Janitor struct {
	cron    *cron.Cron
	evictor IdleEvictor
	idle    time.Duration
}

// NewJanitor schedules sweeps with a cron spec such as "@every 10m".
func NewJanitor(evictor IdleEvictor, idle time.Duration, schedule string) (*Janitor, error) {
	j := &Janitor{
		cron:    cron.New(),
		evictor: evictor,
		idle:    idle,
	}
	if _, err := j.cron.AddFunc(schedule, func() { j.Sweep() }); err != nil {
		return nil, fmt.Errorf("invalid janitor schedule %q: %w", schedule, err)
	}
	return j, nil
}

// Start begins the schedule in the background.
func (j *Janitor) Start() {
	j.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

// Sweep evicts idle sessions once and returns how many were dropped.
func (j *Janitor) Sweep() int {
	n := j.evictor.EvictIdle(j.idle)
	if n > 0 {
		log.Printf("[store] janitor evicted %d idle session(s)", n)
	}
	return n
}
