// Package statemachine holds the job lifecycle transition table. Any status
// mutation anywhere in the engine must pass ValidTransition before it is
// applied; the store re-asserts the from-status inside the update statement
// to close the read/apply race.
package statemachine

import (
	"fmt"

	"github.com/taskforge/orchestrator/internal/models"
)

var transitions = map[models.JobStatus][]models.JobStatus{
	models.StatusPending:  {models.StatusQueued, models.StatusCancelled},
	models.StatusQueued:   {models.StatusRunning, models.StatusCancelled},
	models.StatusRunning:  {models.StatusCompleted, models.StatusFailed, models.StatusCancelled, models.StatusPaused},
	models.StatusFailed:   {models.StatusRetrying},
	models.StatusRetrying: {models.StatusQueued, models.StatusCancelled},
	models.StatusPaused:   {models.StatusQueued, models.StatusCancelled},
	// completed and cancelled have no outgoing edges
	models.StatusCompleted: {},
	models.StatusCancelled: {},
}

// ValidTransition reports whether the table allows from -> to.
func ValidTransition(from, to models.JobStatus) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a status has no outgoing edges. FAILED is not
// listed here: it still has a RETRYING edge and only becomes effectively
// terminal once the retry budget is exhausted.
func Terminal(s models.JobStatus) bool {
	return s == models.StatusCompleted || s == models.StatusCancelled
}

// Cancellable reports whether a job in the given status may be cancelled.
func Cancellable(s models.JobStatus) bool {
	return ValidTransition(s, models.StatusCancelled)
}

// TransitionError reports an attempted status change absent from the table.
// It indicates a programming or race error rather than bad user input.
type TransitionError struct {
	JobID string
	From  models.JobStatus
	To    models.JobStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s for job %s", e.From, e.To, e.JobID)
}
