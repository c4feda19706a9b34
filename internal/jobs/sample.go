package jobs

import (
	"fmt"
	"time"

	"github.com/avelops/jobpulse/internal/progress"
)

// SampleBatch returns a task that walks n synthetic items, reporting
// progress for each. It exists so a fresh deployment has something to run
// end to end; real executors register their own tasks the same way.
func SampleBatch(n int, perItem time.Duration) Task {
	return func(ctx Context, tracker *progress.Tracker) error {
		tracker.SetTotal(n)
		if err := tracker.Started(fmt.Sprintf("Processing %d items", n)); err != nil {
			return err
		}
		for i := 1; i <= n; i++ {
			time.Sleep(perItem)
			if err := tracker.Item(i, fmt.Sprintf("Processed item %d/%d", i, n)); err != nil {
				return err
			}
		}
		return tracker.Completed("Batch finished.")
	}
}
