package jobs

import (
	"log"
	"time"

	"github.com/go-co-op/gocron"
)

// StartSweeps starts the background maintenance scheduler: evicting
// terminal job views past their grace period and pruning expired sessions.
func StartSweeps(ctx Context) *gocron.Scheduler {
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()

	_, err := s.Every(1).Minute().Do(func() {
		if n := ctx.Views().EvictExpired(); n > 0 {
			log.Printf("Evicted %d finished job view(s) past the grace period", n)
		}
	})
	if err != nil {
		log.Printf("Error scheduling view eviction sweep: %v", err)
	}

	_, err = s.Every(1).Hour().Do(func() {
		n, err := ctx.Store().DeleteExpiredSessions()
		if err != nil {
			log.Printf("Session pruning failed: %v", err)
			return
		}
		if n > 0 {
			log.Printf("Pruned %d expired session(s)", n)
		}
	})
	if err != nil {
		log.Printf("Error scheduling session pruning sweep: %v", err)
	}

	log.Println("Starting background maintenance scheduler...")
	s.StartAsync()
	return s
}
